package provider

import (
	"context"
	"fmt"
	"strings"

	"example.com/order-platform/pkg/apperr"
	"example.com/order-platform/pkg/ids"
)

// Магические способы оплаты симулятора для тестирования сценариев.
const (
	// MethodDeclined — провайдер окончательно отклоняет операцию.
	MethodDeclined = "pm_sim_declined"

	// MethodRequiresAction — провайдер требует подтверждение плательщика.
	MethodRequiresAction = "pm_sim_3ds"

	// MethodTimeout — транспортный сбой с неизвестным исходом.
	MethodTimeout = "pm_sim_timeout"
)

// Simulated — детерминированный провайдер для разработки и тестов.
// Исход выбирается по способу оплаты, деньги никуда не уходят.
type Simulated struct{}

// NewSimulated создаёт симулятор провайдера.
func NewSimulated() *Simulated {
	return &Simulated{}
}

// Name возвращает имя провайдера.
func (s *Simulated) Name() string {
	return "simulated"
}

// Authorize симулирует авторизацию средств.
func (s *Simulated) Authorize(ctx context.Context, req AuthorizeRequest) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch strings.TrimSpace(req.PaymentMethod) {
	case MethodDeclined:
		return &Result{
			OK:            false,
			FailureCode:   "card_declined",
			FailureReason: "карта отклонена эмитентом",
		}, nil
	case MethodRequiresAction:
		return &Result{
			OK:             true,
			ExternalRef:    "sim_auth_" + ids.New(),
			RequiresAction: true,
		}, nil
	case MethodTimeout:
		return nil, apperr.Transient("simulated", fmt.Errorf("таймаут провайдера"))
	default:
		return &Result{OK: true, ExternalRef: "sim_auth_" + ids.New()}, nil
	}
}

// Capture симулирует списание.
func (s *Simulated) Capture(ctx context.Context, req CaptureRequest) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.ExternalRef == "" {
		return &Result{
			OK:            false,
			FailureCode:   "authorization_not_found",
			FailureReason: "авторизация не найдена",
		}, nil
	}
	return &Result{OK: true, ExternalRef: "sim_cap_" + ids.New()}, nil
}

// Refund симулирует возврат.
func (s *Simulated) Refund(ctx context.Context, req RefundRequest) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.ExternalRef == "" {
		return &Result{
			OK:            false,
			FailureCode:   "capture_not_found",
			FailureReason: "списание не найдено",
		}, nil
	}
	return &Result{OK: true, ExternalRef: "sim_ref_" + ids.New()}, nil
}
