// Package facade запускает саги со стороны gateway: создаёт проекцию
// STARTED, публикует стартовую команду через outbox и возвращает id
// саги клиенту. Дальше сагу двигают сервисы-участники через шину.
package facade

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"example.com/order-platform/pkg/apperr"
	"example.com/order-platform/pkg/ids"
	"example.com/order-platform/pkg/kafka"
	"example.com/order-platform/pkg/logger"
	"example.com/order-platform/pkg/outbox"
	"example.com/order-platform/pkg/sagaevent"

	"example.com/order-platform/services/orders/internal/live"
	"example.com/order-platform/services/orders/internal/status"
)

// OrderLine — позиция заказа в стартовой команде.
type OrderLine struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
	Price    int64  `json:"price_minor"` // Цена за единицу в минорных единицах
}

// StartOrderRequest — параметры запуска саги создания заказа.
type StartOrderRequest struct {
	TenantID       string
	UserID         string
	Lines          []OrderLine
	TotalMinor     int64
	CurrencyCode   string
	CorrelationID  string
	IdempotencyKey string // Опционально: защита от двойного запуска
}

// orderCreateCommand — тело стартовой команды в шине.
type orderCreateCommand struct {
	Type         string      `json:"type"`
	SagaID       string      `json:"saga_id"`
	TenantID     string      `json:"tenant_id"`
	UserID       string      `json:"user_id"`
	OrderID      string      `json:"order_id"`
	Lines        []OrderLine `json:"lines"`
	TotalMinor   int64       `json:"total_minor"`
	CurrencyCode string      `json:"currency_code"`
	CreatedAt    time.Time   `json:"created_at"`
}

// LiveBus — подмножество live.Bus, нужное фасаду.
type LiveBus interface {
	Publish(st *status.SagaStatus)
}

var _ LiveBus = (*live.Bus)(nil)

// Facade запускает саги заказов.
type Facade struct {
	statuses status.Store
	outbox   outbox.Store
	bus      LiveBus
}

// New создаёт Facade.
func New(statuses status.Store, ob outbox.Store, bus LiveBus) *Facade {
	return &Facade{statuses: statuses, outbox: ob, bus: bus}
}

// StartOrderCreate запускает сагу создания заказа и возвращает её id.
// Подписчики live-стрима видят STARTED сразу, не дожидаясь круга через
// шину. Сбой записи команды переводит сагу в FAILED с причиной
// command_publish_failed:<класс ошибки>.
func (f *Facade) StartOrderCreate(ctx context.Context, req StartOrderRequest) (string, error) {
	log := logger.FromContext(ctx)

	if req.TenantID == "" {
		return "", apperr.Validationf("tenant_id обязателен")
	}
	if len(req.Lines) == 0 {
		return "", apperr.Validationf("заказ без позиций")
	}
	if req.TotalMinor <= 0 {
		return "", apperr.Validationf("некорректная сумма заказа: %d", req.TotalMinor)
	}
	for i, line := range req.Lines {
		if line.SKU == "" || line.Quantity <= 0 {
			return "", apperr.Validationf("некорректная позиция заказа #%d", i)
		}
	}

	sagaID := ids.NewSagaID()
	seeded := &status.SagaStatus{
		SagaID:   sagaID,
		TenantID: req.TenantID,
		UserID:   req.UserID,
		Type:     "ORDER_CREATE",
		State:    sagaevent.StateStarted,
	}

	if err := f.statuses.Upsert(ctx, seeded); err != nil {
		return "", fmt.Errorf("ошибка создания проекции saga_status: %w", err)
	}

	f.bus.Publish(seeded)

	if err := f.publishStartCommand(ctx, sagaID, req); err != nil {
		reason := "command_publish_failed:" + apperr.Class(err)
		if updErr := f.statuses.UpdateStateAndReason(ctx, sagaID, sagaevent.StateFailed, reason); updErr != nil {
			log.Error().Err(updErr).Str("saga_id", sagaID).Msg("Ошибка перевода саги в FAILED")
		}
		f.bus.Publish(&status.SagaStatus{
			SagaID:   sagaID,
			TenantID: req.TenantID,
			UserID:   req.UserID,
			Type:     "ORDER_CREATE",
			State:    sagaevent.StateFailed,
			Reason:   reason,
		})
		return "", fmt.Errorf("ошибка публикации стартовой команды: %w", err)
	}

	log.Info().
		Str("saga_id", sagaID).
		Str("tenant_id", req.TenantID).
		Int("lines", len(req.Lines)).
		Int64("total_minor", req.TotalMinor).
		Msg("Сага создания заказа запущена")

	return sagaID, nil
}

// publishStartCommand пишет команду ORDER_CREATE в outbox.
func (f *Facade) publishStartCommand(ctx context.Context, sagaID string, req StartOrderRequest) error {
	payload, err := json.Marshal(orderCreateCommand{
		Type:         "ORDER_CREATE",
		SagaID:       sagaID,
		TenantID:     req.TenantID,
		UserID:       req.UserID,
		OrderID:      sagaID,
		Lines:        req.Lines,
		TotalMinor:   req.TotalMinor,
		CurrencyCode: req.CurrencyCode,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	headers := map[string]string{
		kafka.HeaderTenantID: req.TenantID,
		"user-id":            req.UserID,
	}
	if req.CorrelationID != "" {
		headers[kafka.HeaderCorrelationID] = req.CorrelationID
	}
	if req.IdempotencyKey != "" {
		headers["idempotency-key"] = req.IdempotencyKey
	}

	_, err = f.outbox.Insert(ctx, outbox.InsertParams{
		TenantID:      req.TenantID,
		SagaID:        sagaID,
		AggregateType: "ORDER",
		AggregateID:   sagaID,
		EventType:     "ORDER_CREATE",
		EventKey:      sagaID,
		Payload:       payload,
		Headers:       headers,
		IdemKey:       req.IdempotencyKey,
	})
	return err
}
