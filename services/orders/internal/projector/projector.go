// Package projector поддерживает проекцию saga_status по событиям шины.
// Проектор идемпотентен: повторная доставка события приводит к тому же
// состоянию проекции. Записи подтверждаются всегда, включая сбойные:
// застрявшая партиция хуже пропущенного обновления грубого статуса.
package projector

import (
	"context"
	"errors"

	"example.com/order-platform/pkg/kafka"
	"example.com/order-platform/pkg/logger"
	"example.com/order-platform/pkg/metrics"
	"example.com/order-platform/pkg/sagaevent"

	"example.com/order-platform/services/orders/internal/live"
	"example.com/order-platform/services/orders/internal/status"
)

// StatusStore — подмножество status.Store, нужное проектору.
type StatusStore interface {
	Upsert(ctx context.Context, s *status.SagaStatus) error
}

// LiveBus — подмножество live.Bus, нужное проектору.
type LiveBus interface {
	Publish(st *status.SagaStatus)
	Complete(sagaID string)
}

// Projector применяет события саги к проекции saga_status
// и уведомляет live-подписчиков.
type Projector struct {
	store StatusStore
	bus   LiveBus
}

// New создаёт Projector.
func New(store StatusStore, bus LiveBus) *Projector {
	return &Projector{store: store, bus: bus}
}

// compile-time проверка совместимости с live.Bus.
var _ LiveBus = (*live.Bus)(nil)

// Handle обрабатывает одно сообщение шины.
// Возвращаемая ошибка всегда nil: запись подтверждается в терминальной
// стадии независимо от результата (см. комментарий пакета).
func (p *Projector) Handle(ctx context.Context, msg *kafka.Message) error {
	log := logger.FromContext(ctx)

	env, err := sagaevent.Decode(msg.Value, msg.Headers)
	if err != nil {
		switch {
		case errors.Is(err, sagaevent.ErrTombstone):
			metrics.ProjectorEventsTotal.WithLabelValues("tombstone").Inc()
		case errors.Is(err, sagaevent.ErrMalformed), errors.Is(err, sagaevent.ErrMissingField):
			log.Warn().Err(err).
				Int("size", len(msg.Value)).
				Str("topic", msg.Topic).
				Msg("Событие саги пропущено: не удалось разобрать")
			metrics.ProjectorEventsTotal.WithLabelValues("malformed").Inc()
		default:
			log.Error().Err(err).Msg("Неожиданная ошибка разбора события саги")
			metrics.ProjectorEventsTotal.WithLabelValues("error").Inc()
		}
		return nil
	}

	newState := env.State()
	projected := &status.SagaStatus{
		SagaID:   env.SagaID,
		TenantID: env.TenantID,
		UserID:   env.UserID,
		Type:     env.Type,
		State:    newState,
		Reason:   env.Reason,
	}

	if err := p.store.Upsert(ctx, projected); err != nil {
		// Транзиентная ошибка БД: событие подтверждается, проекцию
		// поправит следующее событие той же саги.
		log.Error().Err(err).
			Str("saga_id", env.SagaID).
			Str("event_type", env.Type).
			Msg("Ошибка upsert проекции saga_status")
		metrics.ProjectorEventsTotal.WithLabelValues("upsert_failed").Inc()
		return nil
	}

	p.bus.Publish(projected)
	if newState.IsTerminal() {
		p.bus.Complete(env.SagaID)
	}

	log.Debug().
		Str("saga_id", env.SagaID).
		Str("event_type", env.Type).
		Str("state", string(newState)).
		Msg("Проекция saga_status обновлена")
	metrics.ProjectorEventsTotal.WithLabelValues("projected").Inc()

	return nil
}
