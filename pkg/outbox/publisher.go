package outbox

import (
	"context"
	"sync"
	"time"

	"example.com/order-platform/pkg/backoff"
	"example.com/order-platform/pkg/config"
	"example.com/order-platform/pkg/kafka"
	"example.com/order-platform/pkg/logger"
	"example.com/order-platform/pkg/metrics"
)

// BatchProducer — интерфейс отправки пачки сообщений в шину.
// Позволяет замокать kafka.Producer в unit-тестах (Dependency Inversion).
type BatchProducer interface {
	SendBatch(ctx context.Context, msgs []*kafka.Message) error
}

// partitionMaintenanceInterval — период обслуживания партиций outbox.
const partitionMaintenanceInterval = 24 * time.Hour

// partitionRetention — срок хранения старых партиций до отцепления.
const partitionRetention = 14 * 24 * time.Hour

// Publisher читает записи outbox пачками под арендой и публикует их в
// шину. Гарантирует at-least-once: строка удаляется только после
// подтверждённой публикации; упавший между публикацией и удалением
// процесс приведёт к повторной отправке после истечения аренды.
//
// Тенанты обрабатываются независимо: сбой одного тенанта не
// останавливает публикацию остальных.
type Publisher struct {
	store    Store
	producer BatchProducer
	cfg      config.OutboxConfig
	policy   backoff.Policy
	name     string // Имя для идентификации в логах (orders / payment)
}

// NewPublisher создаёт Outbox Publisher.
// name — имя сервиса для логов (например, "orders" или "payment").
func NewPublisher(store Store, producer BatchProducer, cfg config.OutboxConfig, name string) *Publisher {
	return &Publisher{
		store:    store,
		producer: producer,
		cfg:      cfg,
		policy:   backoff.Policy{Base: cfg.BaseBackoff, Max: cfg.MaxBackoff},
		name:     name,
	}
}

// Run запускает Publisher. Блокирует выполнение до отмены контекста.
// Очередной тик начинается только после полного завершения предыдущего:
// при пустой очереди и при ошибках БД горячего цикла не возникает.
func (p *Publisher) Run(ctx context.Context) {
	log := logger.FromContext(ctx)
	log.Info().
		Str("name", p.name).
		Dur("poll_interval", p.cfg.PollInterval).
		Int("batch_size", p.cfg.BatchSize).
		Int("max_concurrent_tenants", p.cfg.MaxConcurrentTenants).
		Msg("Запуск Outbox Publisher")

	p.maintainPartitions(ctx)

	maintenance := time.NewTicker(partitionMaintenanceInterval)
	defer maintenance.Stop()

	for {
		p.tick(ctx)

		select {
		case <-ctx.Done():
			log.Info().Str("name", p.name).Msg("Остановка Outbox Publisher")
			return
		case <-maintenance.C:
			p.maintainPartitions(ctx)
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// tick обрабатывает всех тенантов один раз, не более
// MaxConcurrentTenants параллельно.
func (p *Publisher) tick(ctx context.Context) {
	log := logger.FromContext(ctx)

	tenants := p.cfg.Tenants
	if len(tenants) == 0 {
		discovered, err := p.store.DiscoverTenants(ctx, time.Now())
		if err != nil {
			log.Error().Err(err).Str("name", p.name).Msg("Ошибка обнаружения тенантов outbox")
			return
		}
		tenants = discovered
	}

	if len(tenants) == 0 {
		return
	}

	sem := make(chan struct{}, p.cfg.MaxConcurrentTenants)
	var wg sync.WaitGroup

	for _, tenant := range tenants {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(tenantID string) {
			defer wg.Done()
			defer func() { <-sem }()
			p.drainTenant(ctx, tenantID)
		}(tenant)
	}

	wg.Wait()
}

// drainTenant публикует пачки тенанта, пока очередь не опустеет
// или пачка не вернётся неполной.
func (p *Publisher) drainTenant(ctx context.Context, tenantID string) {
	for {
		n, err := p.publishBatch(ctx, tenantID)
		if err != nil || n < p.cfg.BatchSize {
			return
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// publishBatch захватывает и публикует одну пачку тенанта.
// Возвращает количество захваченных строк.
func (p *Publisher) publishBatch(ctx context.Context, tenantID string) (int, error) {
	log := logger.FromContext(ctx)

	rows, err := p.store.ClaimBatch(ctx, tenantID, p.cfg.BatchSize, p.cfg.LeaseDuration)
	if err != nil {
		log.Error().Err(err).
			Str("name", p.name).
			Str("tenant_id", tenantID).
			Msg("Ошибка захвата пачки outbox")
		return 0, err
	}

	if len(rows) == 0 {
		return 0, nil
	}

	// Парковка dead letter строк до формирования пачки: строка с
	// исчерпанными попытками не должна блокировать соседей по пачке.
	publishable := rows[:0]
	for _, row := range rows {
		if p.cfg.MaxAttempts > 0 && row.Attempts >= p.cfg.MaxAttempts {
			p.park(ctx, row)
			continue
		}
		publishable = append(publishable, row)
	}

	if len(publishable) == 0 {
		return len(rows), nil
	}

	msgs := make([]*kafka.Message, 0, len(publishable))
	for _, row := range publishable {
		msgs = append(msgs, p.toMessage(row))
	}

	if err := p.producer.SendBatch(ctx, msgs); err != nil {
		p.reschedule(ctx, tenantID, publishable, err)
		return len(rows), err
	}

	if err := p.store.Delete(ctx, Keys(publishable)); err != nil {
		// Публикация прошла, удаление упало: после истечения аренды
		// строки уйдут повторно. Потребители обязаны быть идемпотентны.
		log.Error().Err(err).
			Str("name", p.name).
			Str("tenant_id", tenantID).
			Int("count", len(publishable)).
			Msg("Ошибка удаления опубликованных строк outbox")
		return len(rows), err
	}

	metrics.OutboxPublishedTotal.WithLabelValues(tenantID).Add(float64(len(publishable)))
	log.Debug().
		Str("name", p.name).
		Str("tenant_id", tenantID).
		Int("count", len(publishable)).
		Msg("Пачка outbox опубликована")

	return len(rows), nil
}

// reschedule откладывает неопубликованную пачку с экспоненциальным backoff.
func (p *Publisher) reschedule(ctx context.Context, tenantID string, rows []*Row, cause error) {
	log := logger.FromContext(ctx)

	// Задержка считается по худшей строке пачки: пачка публикуется
	// целиком, значит и откладывается целиком.
	maxAttempts := 0
	for _, row := range rows {
		if row.Attempts > maxAttempts {
			maxAttempts = row.Attempts
		}
	}
	nextTry := time.Now().UTC().Add(p.policy.Next(maxAttempts + 1))

	log.Error().Err(cause).
		Str("name", p.name).
		Str("tenant_id", tenantID).
		Int("count", len(rows)).
		Time("next_try", nextTry).
		Msg("Ошибка публикации пачки outbox, строки отложены")

	if err := p.store.RescheduleForRetry(ctx, Keys(rows), nextTry); err != nil {
		log.Error().Err(err).
			Str("name", p.name).
			Str("tenant_id", tenantID).
			Msg("Ошибка перепланирования строк outbox")
		return
	}

	metrics.OutboxRetriesTotal.WithLabelValues(tenantID).Add(float64(len(rows)))
}

// park выводит строку из очереди насовсем (dead letter).
func (p *Publisher) park(ctx context.Context, row *Row) {
	log := logger.FromContext(ctx)

	log.Warn().
		Str("name", p.name).
		Str("outbox_id", row.ID).
		Str("tenant_id", row.TenantID).
		Str("event_type", row.EventType).
		Int("attempts", row.Attempts).
		Msg("Dead letter: превышен лимит попыток, строка запаркована")

	if err := p.store.Park(ctx, row.Key()); err != nil {
		log.Error().Err(err).Str("outbox_id", row.ID).Msg("Ошибка парковки строки outbox")
		return
	}

	metrics.OutboxParkedTotal.WithLabelValues(row.TenantID).Inc()
}

// toMessage формирует сообщение шины из строки outbox.
// Ключ сообщения определяет партицию: события одной саги идут по порядку.
func (p *Publisher) toMessage(row *Row) *kafka.Message {
	headers := make(map[string]string, len(row.Headers)+3)
	for k, v := range row.Headers {
		headers[k] = v
	}
	headers[kafka.HeaderTenantID] = row.TenantID
	headers[kafka.HeaderSagaID] = row.SagaID
	headers[kafka.HeaderEventType] = row.EventType

	return &kafka.Message{
		Topic:   p.cfg.EventsTopic,
		Key:     []byte(row.MessageKey()),
		Value:   row.Payload,
		Headers: headers,
	}
}

// maintainPartitions создаёт будущие партиции и отцепляет устаревшие.
func (p *Publisher) maintainPartitions(ctx context.Context) {
	log := logger.FromContext(ctx)
	now := time.Now()

	if err := p.store.EnsurePartitions(ctx, now, p.cfg.PartitionDays); err != nil {
		log.Error().Err(err).Str("name", p.name).Msg("Ошибка создания партиций outbox")
	}

	dropped, err := p.store.DropPartitionsBefore(ctx, now.Add(-partitionRetention))
	if err != nil {
		log.Error().Err(err).Str("name", p.name).Msg("Ошибка удаления старых партиций outbox")
		return
	}
	if dropped > 0 {
		log.Info().Int("dropped", dropped).Str("name", p.name).Msg("Старые партиции outbox удалены")
	}
}
