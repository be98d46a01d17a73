package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"example.com/order-platform/pkg/backoff"
	"example.com/order-platform/pkg/logger"
)

// MessageHandler — функция обработки сообщений.
// Получает context с headers (trace-id, correlation-id) и сообщение.
// Возврат ошибки означает неудачную обработку: сообщение уходит в DLQ
// (если producer настроен), offset коммитится в любом случае —
// застрявшая партиция хуже потерянной записи при идемпотентных консьюмерах.
type MessageHandler func(ctx context.Context, msg *Message) error

// reconnectPolicy — политика переподключения при транспортных ошибках.
// База 1s, потолок 1m, повторы бесконечны до отмены контекста.
var reconnectPolicy = backoff.Policy{
	Base: time.Second,
	Max:  time.Minute,
}

// Consumer читает сообщения из Kafka и передаёт их обработчику.
// Сообщения одной партиции обрабатываются строго последовательно —
// это сохраняет порядок событий по ключу (saga/order id).
type Consumer struct {
	reader   *kafka.Reader
	producer *Producer // Для отправки в DLQ
	cfg      Config
	topic    string
}

// NewConsumer создаёт Consumer для чтения сообщений из топика.
// Несколько инстансов с одним groupID распределяют партиции между собой.
func NewConsumer(cfg Config, topic string, groupID string) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("не указаны брокеры Kafka")
	}
	if topic == "" {
		return nil, fmt.Errorf("не указан топик")
	}
	if groupID == "" {
		return nil, fmt.Errorf("не указан group ID")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       topic,
		GroupID:     groupID,
		MinBytes:    1,
		MaxBytes:    10e6, // 10MB максимум
		MaxWait:     100 * time.Millisecond,
		StartOffset: kafka.LastOffset,
	})

	logger.Info().
		Strs("brokers", cfg.Brokers).
		Str("topic", topic).
		Str("group_id", groupID).
		Msg("Создан Kafka Consumer")

	return &Consumer{
		reader: reader,
		cfg:    cfg,
		topic:  topic,
	}, nil
}

// SetDLQProducer устанавливает Producer для отправки ошибочных сообщений в DLQ.
func (c *Consumer) SetDLQProducer(p *Producer) {
	c.producer = p
}

// Consume запускает чтение сообщений из топика. Блокирует до отмены context.
// Транспортные ошибки не завершают цикл: поток пересобирается с
// экспоненциальной задержкой (1s → 1m) до бесконечности.
// Offset коммитится после терминальной стадии обработки независимо от
// её результата — дубликаты допустимы, застрявшая партиция нет.
func (c *Consumer) Consume(ctx context.Context, handler MessageHandler) error {
	logger.Info().
		Str("topic", c.topic).
		Msg("Запуск чтения сообщений из Kafka")

	fetchFailures := 0

	for {
		select {
		case <-ctx.Done():
			logger.Info().
				Str("topic", c.topic).
				Msg("Получен сигнал завершения, остановка Consumer")
			return ctx.Err()
		default:
		}

		msg, err := c.fetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}

			fetchFailures++
			delay := reconnectPolicy.Next(fetchFailures)
			logger.Error().
				Err(err).
				Str("topic", c.topic).
				Int("failures", fetchFailures).
				Dur("delay", delay).
				Msg("Ошибка чтения из Kafka, повтор после задержки")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		fetchFailures = 0

		if err := c.processMessage(ctx, msg, handler); err != nil {
			logger.Error().
				Err(err).
				Str("topic", c.topic).
				Str("key", string(msg.Key)).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("Ошибка обработки сообщения")

			if c.producer != nil {
				if dlqErr := c.producer.SendToDLQ(ctx, msg, err); dlqErr != nil {
					logger.Error().
						Err(dlqErr).
						Msg("Ошибка отправки в DLQ")
				}
			}
		}

		// Терминальная стадия: коммитим offset независимо от результата.
		if err := c.commitMessage(ctx, msg); err != nil {
			logger.Error().
				Err(err).
				Msg("Ошибка коммита offset")
		}
	}
}

// ConsumeWithRetry запускает чтение с повторами обработки каждого сообщения.
// Транзиентный сбой обработчика (БД моргнула, провайдер недоступен)
// переживается на месте, без потери сообщения: Consume коммитит offset
// безусловно, поэтому повторы происходят до терминальной стадии.
// При исчерпании повторов сообщение уходит в DLQ (если producer настроен).
func (c *Consumer) ConsumeWithRetry(ctx context.Context, handler MessageHandler, maxRetries int) error {
	return c.Consume(ctx, withRetry(handler, maxRetries))
}

// withRetry оборачивает обработчик в цикл повторов с экспоненциальной
// задержкой (100ms → 5s). После maxRetries повторов возвращается
// последняя ошибка, обёрнутая для DLQ.
func withRetry(handler MessageHandler, maxRetries int) MessageHandler {
	return func(ctx context.Context, msg *Message) error {
		var lastErr error
		for attempt := 0; attempt <= maxRetries; attempt++ {
			if attempt > 0 {
				delay := backoff.Delay(100*time.Millisecond, 5*time.Second, attempt)
				logger.Warn().
					Int("attempt", attempt).
					Str("key", string(msg.Key)).
					Dur("delay", delay).
					Msg("Повторная попытка обработки сообщения")

				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(delay):
				}
			}

			if err := handler(ctx, msg); err != nil {
				lastErr = err
				continue
			}
			return nil
		}
		return fmt.Errorf("исчерпаны попытки обработки: %w", lastErr)
	}
}

// fetchMessage читает следующее сообщение из Kafka.
func (c *Consumer) fetchMessage(ctx context.Context) (*Message, error) {
	kafkaMsg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return nil, err
	}
	return fromKafkaMessage(kafkaMsg), nil
}

// processMessage обрабатывает сообщение, добавляя headers в context.
func (c *Consumer) processMessage(ctx context.Context, msg *Message, handler MessageHandler) error {
	msgCtx := c.contextFromMessage(ctx, msg)

	logger.Debug().
		Str("topic", msg.Topic).
		Str("key", string(msg.Key)).
		Int("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Msg("Получено сообщение из Kafka")

	return handler(msgCtx, msg)
}

// contextFromMessage создаёт context с headers из сообщения.
func (c *Consumer) contextFromMessage(ctx context.Context, msg *Message) context.Context {
	if traceID := msg.Header(HeaderTraceID); traceID != "" {
		ctx = ContextWithTraceID(ctx, traceID)
	}
	if correlationID := msg.Header(HeaderCorrelationID); correlationID != "" {
		ctx = ContextWithCorrelationID(ctx, correlationID)
	}
	return ctx
}

// commitMessage коммитит offset сообщения.
func (c *Consumer) commitMessage(ctx context.Context, msg *Message) error {
	return c.reader.CommitMessages(ctx, kafka.Message{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
	})
}

// Close закрывает Consumer.
func (c *Consumer) Close() error {
	logger.Info().
		Str("topic", c.topic).
		Msg("Закрытие Kafka Consumer")

	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("ошибка закрытия consumer: %w", err)
	}
	return nil
}

// Lag возвращает текущее отставание Consumer от конца топика.
func (c *Consumer) Lag() int64 {
	return c.reader.Stats().Lag
}
