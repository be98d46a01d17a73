package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"example.com/order-platform/pkg/logger"
)

// Producer отправляет сообщения в Kafka с поддержкой headers и трассировки.
type Producer struct {
	writer *kafka.Writer
	cfg    Config
}

// NewProducer создаёт новый Producer.
// RequireAll — ждём подтверждения от всех in-sync реплик: outbox строка
// удаляется только после надёжной записи в брокер.
func NewProducer(cfg Config) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("не указаны брокеры Kafka")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{}, // Партиция детерминирована ключом
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}

	logger.Info().
		Strs("brokers", cfg.Brokers).
		Msg("Создан Kafka Producer")

	return &Producer{
		writer: writer,
		cfg:    cfg,
	}, nil
}

// SendMessage отправляет подготовленный Message.
// Стандартные headers (trace-id, correlation-id) добавляются из context,
// если они ещё не заданы.
func (p *Producer) SendMessage(ctx context.Context, msg *Message) error {
	p.enrichHeaders(ctx, msg)

	if err := p.writer.WriteMessages(ctx, msg.toKafkaMessage()); err != nil {
		logger.Error().
			Err(err).
			Str("topic", msg.Topic).
			Str("key", string(msg.Key)).
			Msg("Ошибка отправки сообщения в Kafka")
		return fmt.Errorf("ошибка отправки в Kafka: %w", err)
	}

	logger.Debug().
		Str("topic", msg.Topic).
		Str("key", string(msg.Key)).
		Msg("Сообщение отправлено в Kafka")

	return nil
}

// SendBatch отправляет пачку сообщений одним вызовом WriteMessages.
// Подтверждение брокера ожидается для всей пачки: либо вся пачка
// записана, либо вызывающий считает публикацию неудачной целиком.
func (p *Producer) SendBatch(ctx context.Context, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}

	kafkaMsgs := make([]kafka.Message, 0, len(msgs))
	for _, msg := range msgs {
		p.enrichHeaders(ctx, msg)
		kafkaMsgs = append(kafkaMsgs, msg.toKafkaMessage())
	}

	if err := p.writer.WriteMessages(ctx, kafkaMsgs...); err != nil {
		logger.Error().
			Err(err).
			Int("count", len(msgs)).
			Str("topic", msgs[0].Topic).
			Msg("Ошибка отправки пачки в Kafka")
		return fmt.Errorf("ошибка отправки пачки в Kafka: %w", err)
	}

	logger.Debug().
		Int("count", len(msgs)).
		Str("topic", msgs[0].Topic).
		Msg("Пачка сообщений отправлена в Kafka")

	return nil
}

// SendToDLQ отправляет сообщение в Dead Letter Queue с информацией об ошибке.
func (p *Producer) SendToDLQ(ctx context.Context, originalMsg *Message, processingError error) error {
	dlqHeaders := make(map[string]string, len(originalMsg.Headers)+3)
	for k, v := range originalMsg.Headers {
		dlqHeaders[k] = v
	}

	dlqHeaders["dlq-error"] = processingError.Error()
	dlqHeaders["dlq-original-topic"] = originalMsg.Topic
	dlqHeaders["dlq-timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)

	return p.SendMessage(ctx, &Message{
		Topic:   TopicDLQ,
		Key:     originalMsg.Key,
		Value:   originalMsg.Value,
		Headers: dlqHeaders,
		Time:    time.Now(),
	})
}

// enrichHeaders добавляет стандартные headers из context, не перетирая заданные.
func (p *Producer) enrichHeaders(ctx context.Context, msg *Message) {
	if msg.Headers == nil {
		msg.Headers = make(map[string]string)
	}

	if _, ok := msg.Headers[HeaderTraceID]; !ok {
		if traceID := TraceIDFromContext(ctx); traceID != "" {
			msg.Headers[HeaderTraceID] = traceID
		}
	}

	if _, ok := msg.Headers[HeaderCorrelationID]; !ok {
		if correlationID := CorrelationIDFromContext(ctx); correlationID != "" {
			msg.Headers[HeaderCorrelationID] = correlationID
		}
	}

	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}
}

// Close закрывает соединение с Kafka.
func (p *Producer) Close() error {
	logger.Info().Msg("Закрытие Kafka Producer")

	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("ошибка закрытия producer: %w", err)
	}

	return nil
}
