// Package kafka предоставляет обёртки над kafka-go для событийной шины саги.
// Включает Producer и Consumer с поддержкой headers, трассировки и
// graceful shutdown. Партиционирование по ключу сообщения сохраняет
// порядок событий в рамках одного заказа.
package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"example.com/order-platform/pkg/logger"
)

// Топики платформы.
const (
	// TopicSagaEvents — топик доменных событий саги. Его пишет Outbox
	// Publisher, читают проектор и сервисы-участники.
	TopicSagaEvents = "saga.events"

	// TopicDLQ — Dead Letter Queue для необработанных сообщений.
	TopicDLQ = "dlq.saga"
)

// Ключи headers сообщений. На запись всегда используется нижний регистр;
// на чтение принимаются и исторические X-варианты (см. Header).
const (
	// HeaderTenantID — идентификатор тенанта.
	HeaderTenantID = "tenant-id"

	// HeaderSagaID — идентификатор саги.
	HeaderSagaID = "saga-id"

	// HeaderEventType — тип доменного события.
	HeaderEventType = "event-type"

	// HeaderCorrelationID — идентификатор корреляции запросов одной саги.
	HeaderCorrelationID = "correlation-id"

	// HeaderTraceID — идентификатор трассировки для distributed tracing.
	HeaderTraceID = "trace-id"
)

// legacyHeaderNames — исторические написания headers, встречающиеся
// у старых сервисов. Принимаем на чтение, на запись не используем.
var legacyHeaderNames = map[string][]string{
	HeaderTenantID:      {"X-Tenant-ID", "tenant_id", "tenantId"},
	HeaderSagaID:        {"X-Saga-ID", "saga_id", "sagaId"},
	HeaderEventType:     {"X-Event-Type", "event_type", "eventType"},
	HeaderCorrelationID: {"X-Correlation-ID", "correlation_id", "correlationId"},
	HeaderTraceID:       {"X-Trace-ID", "trace_id", "traceId"},
}

// Config содержит настройки подключения к Kafka.
type Config struct {
	// Brokers — список адресов брокеров Kafka.
	Brokers []string

	// ConsumerGroup — имя consumer group для Consumer.
	ConsumerGroup string
}

// Message представляет сообщение Kafka с метаданными.
type Message struct {
	// Key — ключ сообщения для партиционирования.
	Key []byte

	// Value — тело сообщения (payload).
	Value []byte

	// Topic — топик сообщения.
	Topic string

	// Partition — номер партиции.
	Partition int

	// Offset — смещение сообщения в партиции.
	Offset int64

	// Headers — заголовки сообщения.
	Headers map[string]string

	// Time — временная метка сообщения.
	Time time.Time
}

// Header возвращает значение заголовка с учётом исторических написаний:
// сначала каноническое имя, затем X-варианты и snake/camel case.
func (m *Message) Header(name string) string {
	if v, ok := m.Headers[name]; ok && v != "" {
		return v
	}
	for _, alias := range legacyHeaderNames[name] {
		if v, ok := m.Headers[alias]; ok && v != "" {
			return v
		}
	}
	return ""
}

// fromKafkaMessage конвертирует kafka.Message в Message.
func fromKafkaMessage(m kafka.Message) *Message {
	headers := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		headers[h.Key] = string(h.Value)
	}

	return &Message{
		Key:       m.Key,
		Value:     m.Value,
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Headers:   headers,
		Time:      m.Time,
	}
}

// toKafkaMessage конвертирует Message в kafka.Message.
func (m *Message) toKafkaMessage() kafka.Message {
	headers := make([]kafka.Header, 0, len(m.Headers))
	for k, v := range m.Headers {
		headers = append(headers, kafka.Header{
			Key:   k,
			Value: []byte(v),
		})
	}

	return kafka.Message{
		Topic:   m.Topic,
		Key:     m.Key,
		Value:   m.Value,
		Headers: headers,
		Time:    m.Time,
	}
}

// TraceIDFromContext извлекает trace_id из context.
func TraceIDFromContext(ctx context.Context) string {
	return logger.TraceIDFromContext(ctx)
}

// CorrelationIDFromContext извлекает correlation_id из context.
func CorrelationIDFromContext(ctx context.Context) string {
	return logger.CorrelationIDFromContext(ctx)
}

// ContextWithTraceID добавляет trace_id в context.
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return logger.WithTraceID(ctx, traceID)
}

// ContextWithCorrelationID добавляет correlation_id в context.
func ContextWithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return logger.WithCorrelationID(ctx, correlationID)
}
