// Package saga обрабатывает платёжные команды саги из шины.
// Payment Service слушает топик событий и реагирует на команды
// ORDER_CREATE / PROCESS_PAYMENT (авторизация), CAPTURE_PAYMENT
// (списание) и REFUND_PAYMENT (возврат). Результаты уходят обратно
// доменными событиями через транзакционный outbox.
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"example.com/order-platform/pkg/apperr"
	"example.com/order-platform/pkg/kafka"
	"example.com/order-platform/pkg/logger"
	"example.com/order-platform/pkg/sagaevent"

	"example.com/order-platform/services/payment/internal/domain"
	"example.com/order-platform/services/payment/internal/service"
)

// Типы команд, на которые реагирует Payment Service.
const (
	CommandOrderCreate    = "ORDER_CREATE"
	CommandProcessPayment = "PROCESS_PAYMENT"
	CommandCapturePayment = "CAPTURE_PAYMENT"
	CommandRefundPayment  = "REFUND_PAYMENT"
)

// command — платёжные поля команды саги. Конвертные поля (saga_id,
// tenant_id и т.п.) разбирает sagaevent.Decode, здесь только суммы.
type command struct {
	AmountMinor   int64  `json:"amount_minor"`
	TotalMinor    int64  `json:"total_minor"`
	CurrencyCode  string `json:"currency_code"`
	PaymentMethod string `json:"payment_method"`
	Reason        string `json:"reason"`
}

// amount возвращает сумму команды: amount_minor, либо total_minor
// стартовой команды заказа.
func (c command) amount() int64 {
	if c.AmountMinor > 0 {
		return c.AmountMinor
	}
	return c.TotalMinor
}

// PaymentMachine — операции машины состояний, нужные обработчику.
type PaymentMachine interface {
	Authorize(ctx context.Context, req service.AuthorizeRequest) (*domain.Payment, error)
	Capture(ctx context.Context, req service.CaptureRequest) (*domain.Capture, error)
	Refund(ctx context.Context, req service.RefundRequest) (*domain.Refund, error)
}

var _ PaymentMachine = (*service.StateMachine)(nil)

// PaymentFinder находит платёж саги для капчура и возврата.
type PaymentFinder interface {
	GetBySaga(ctx context.Context, tenantID, sagaID string) (*domain.Payment, error)
}

// IdempotencyGuard выполняет action ровно один раз на ключ.
type IdempotencyGuard interface {
	Execute(ctx context.Context, tenantID, key string, request any, action func(ctx context.Context) ([]byte, int, error)) ([]byte, int, error)
}

// Handler обрабатывает платёжные команды из шины.
type Handler struct {
	machine PaymentMachine
	finder  PaymentFinder
	guard   IdempotencyGuard
}

// NewHandler создаёт обработчик команд. guard может быть nil, тогда
// защита от повторов только естественная (уникальность по саге).
func NewHandler(machine PaymentMachine, finder PaymentFinder, guard IdempotencyGuard) *Handler {
	return &Handler{machine: machine, finder: finder, guard: guard}
}

// Handle обрабатывает одно сообщение шины.
//
// Ошибка возвращается только для транзиентных сбоев: consumer повторит
// доставку. Окончательные отказы (валидация, инварианты) подтверждаются
// с записью в лог, повтор команды их не исправит.
func (h *Handler) Handle(ctx context.Context, msg *kafka.Message) error {
	log := logger.FromContext(ctx)

	env, err := sagaevent.Decode(msg.Value, msg.Headers)
	if err != nil {
		if errors.Is(err, sagaevent.ErrTombstone) {
			return nil
		}
		log.Warn().Err(err).Str("topic", msg.Topic).Msg("Нечитаемая команда саги")
		return nil
	}

	var cmd command
	// Суммы лежат на верхнем уровне payload либо во вложенном payload.
	if err := json.Unmarshal(msg.Value, &cmd); err == nil && cmd.amount() == 0 {
		var nested struct {
			Payload command `json:"payload"`
		}
		if err := json.Unmarshal(msg.Value, &nested); err == nil {
			cmd = nested.Payload
		}
	}

	switch env.Type {
	case CommandOrderCreate, CommandProcessPayment:
		return h.handleAuthorize(ctx, env, cmd)
	case CommandCapturePayment:
		return h.dedup(ctx, msg, env, cmd, h.handleCapture)
	case CommandRefundPayment:
		return h.dedup(ctx, msg, env, cmd, h.handleRefund)
	default:
		// Чужие события того же топика.
		return nil
	}
}

// dedup оборачивает обработку команды в защиту от повторной доставки.
// Ключ — idempotency-key из headers, иначе стабильная позиция
// сообщения в партиции: повторная доставка того же сообщения имеет
// тот же offset.
func (h *Handler) dedup(ctx context.Context, msg *kafka.Message, env *sagaevent.Envelope, cmd command, fn func(ctx context.Context, env *sagaevent.Envelope, cmd command) error) error {
	if h.guard == nil {
		return fn(ctx, env, cmd)
	}

	key := msg.Headers["idempotency-key"]
	if key == "" {
		key = fmt.Sprintf("%s:%s:%d:%d", env.Type, msg.Topic, msg.Partition, msg.Offset)
	}

	_, _, err := h.guard.Execute(ctx, env.TenantID, key, map[string]any{
		"type":    env.Type,
		"saga_id": env.SagaID,
		"amount":  cmd.amount(),
	}, func(ctx context.Context) ([]byte, int, error) {
		if err := fn(ctx, env, cmd); err != nil {
			return nil, 0, err
		}
		return []byte(`{"status":"ok"}`), http.StatusOK, nil
	})
	if errors.Is(err, apperr.ErrConflict) || errors.Is(err, apperr.ErrInProgress) {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).
			Str("saga_id", env.SagaID).
			Str("type", env.Type).
			Msg("Повторная команда отсечена по ключу идемпотентности")
		return nil
	}
	return err
}

// handleAuthorize запускает авторизацию платежа по команде саги.
func (h *Handler) handleAuthorize(ctx context.Context, env *sagaevent.Envelope, cmd command) error {
	log := logger.FromContext(ctx)

	currency := cmd.CurrencyCode
	if currency == "" {
		currency = "RUB"
	}

	payment, err := h.machine.Authorize(ctx, service.AuthorizeRequest{
		TenantID:      env.TenantID,
		SagaID:        env.SagaID,
		OrderID:       orderOrSaga(env),
		UserID:        env.UserID,
		AmountMinor:   cmd.amount(),
		CurrencyCode:  currency,
		PaymentMethod: cmd.PaymentMethod,
	})
	if err != nil {
		return h.finish(ctx, "authorize", env, err)
	}

	log.Info().
		Str("saga_id", env.SagaID).
		Str("payment_id", payment.ID).
		Str("status", string(payment.Status)).
		Msg("Команда авторизации обработана")
	return nil
}

// handleCapture списывает средства платежа саги.
func (h *Handler) handleCapture(ctx context.Context, env *sagaevent.Envelope, cmd command) error {
	payment, err := h.finder.GetBySaga(ctx, env.TenantID, env.SagaID)
	if err != nil {
		return h.finish(ctx, "capture", env, err)
	}

	currency := cmd.CurrencyCode
	if currency == "" {
		currency = payment.CurrencyCode
	}
	amount := cmd.amount()
	if amount == 0 {
		amount = payment.CaptureRemaining()
	}

	_, err = h.machine.Capture(ctx, service.CaptureRequest{
		TenantID:     env.TenantID,
		PaymentID:    payment.ID,
		AmountMinor:  amount,
		CurrencyCode: currency,
	})
	return h.finish(ctx, "capture", env, err)
}

// handleRefund возвращает средства платежа саги.
func (h *Handler) handleRefund(ctx context.Context, env *sagaevent.Envelope, cmd command) error {
	payment, err := h.finder.GetBySaga(ctx, env.TenantID, env.SagaID)
	if err != nil {
		return h.finish(ctx, "refund", env, err)
	}

	amount := cmd.amount()
	if amount == 0 {
		amount = payment.RefundableTotal()
	}
	reason := cmd.Reason
	if reason == "" {
		reason = env.Reason
	}

	_, err = h.machine.Refund(ctx, service.RefundRequest{
		TenantID:    env.TenantID,
		PaymentID:   payment.ID,
		AmountMinor: amount,
		Reason:      reason,
	})
	return h.finish(ctx, "refund", env, err)
}

// finish решает судьбу сообщения по классу ошибки: транзиентные сбои
// возвращаются consumer'у на повтор, остальные подтверждаются.
func (h *Handler) finish(ctx context.Context, op string, env *sagaevent.Envelope, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, apperr.ErrTransient) {
		return err
	}

	log := logger.FromContext(ctx)
	log.Warn().Err(err).
		Str("operation", op).
		Str("saga_id", env.SagaID).
		Str("class", apperr.Class(err)).
		Msg("Платёжная команда отклонена")
	return nil
}

// orderOrSaga возвращает order_id команды, по умолчанию — saga_id:
// стартовая команда заказа использует saga_id как id заказа.
func orderOrSaga(env *sagaevent.Envelope) string {
	if env.OrderID != "" {
		return env.OrderID
	}
	return env.SagaID
}
