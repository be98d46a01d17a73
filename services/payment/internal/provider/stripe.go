package provider

import (
	"context"
	"errors"
	"strings"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"

	"example.com/order-platform/pkg/apperr"
)

// Stripe — адаптер поверх Stripe PaymentIntents.
// Авторизация — PaymentIntent с ручным capture, списание —
// частичный capture интента, возврат — Refund по интенту.
type Stripe struct {
	api *client.API
}

// NewStripe создаёт адаптер Stripe.
func NewStripe(secretKey string) *Stripe {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &Stripe{api: api}
}

// Name возвращает имя провайдера.
func (s *Stripe) Name() string {
	return "stripe"
}

// Authorize создаёт и подтверждает PaymentIntent с ручным capture.
func (s *Stripe) Authorize(ctx context.Context, req AuthorizeRequest) (*Result, error) {
	params := &stripe.PaymentIntentParams{
		Params:        stripe.Params{Context: ctx},
		Amount:        stripe.Int64(req.AmountMinor),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		Confirm:       stripe.Bool(true),
	}
	if req.PaymentMethod != "" {
		params.PaymentMethod = stripe.String(req.PaymentMethod)
	}
	// Ключ идемпотентности Stripe: повтор после таймаута вернёт тот же
	// PaymentIntent вместо второго.
	if req.IdempotencyKey != "" {
		params.IdempotencyKey = stripe.String(req.IdempotencyKey)
	}
	params.AddMetadata("tenant_id", req.TenantID)
	params.AddMetadata("payment_id", req.PaymentID)
	params.AddMetadata("saga_id", req.SagaID)

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return s.mapError(err)
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusRequiresAction:
		return &Result{OK: true, ExternalRef: pi.ID, RequiresAction: true}, nil
	case stripe.PaymentIntentStatusRequiresCapture:
		return &Result{OK: true, ExternalRef: pi.ID}, nil
	default:
		return &Result{
			OK:            false,
			ExternalRef:   pi.ID,
			FailureCode:   "unexpected_intent_status",
			FailureReason: string(pi.Status),
		}, nil
	}
}

// Capture списывает часть или всю авторизованную сумму.
func (s *Stripe) Capture(ctx context.Context, req CaptureRequest) (*Result, error) {
	params := &stripe.PaymentIntentCaptureParams{
		Params:          stripe.Params{Context: ctx},
		AmountToCapture: stripe.Int64(req.AmountMinor),
	}
	if req.IdempotencyKey != "" {
		params.IdempotencyKey = stripe.String(req.IdempotencyKey)
	}

	pi, err := s.api.PaymentIntents.Capture(req.ExternalRef, params)
	if err != nil {
		return s.mapError(err)
	}
	return &Result{OK: true, ExternalRef: pi.ID}, nil
}

// Refund возвращает часть или всю списанную сумму.
func (s *Stripe) Refund(ctx context.Context, req RefundRequest) (*Result, error) {
	params := &stripe.RefundParams{
		Params:        stripe.Params{Context: ctx},
		PaymentIntent: stripe.String(req.ExternalRef),
		Amount:        stripe.Int64(req.AmountMinor),
	}
	if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}
	if req.IdempotencyKey != "" {
		params.IdempotencyKey = stripe.String(req.IdempotencyKey)
	}

	refund, err := s.api.Refunds.New(params)
	if err != nil {
		return s.mapError(err)
	}
	return &Result{OK: true, ExternalRef: refund.ID}, nil
}

// mapError разделяет окончательные отказы Stripe и транспортные сбои.
func (s *Stripe) mapError(err error) (*Result, error) {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch stripeErr.Type {
		case stripe.ErrorTypeCard, stripe.ErrorTypeInvalidRequest:
			return &Result{
				OK:            false,
				FailureCode:   string(stripeErr.Code),
				FailureReason: stripeErr.Msg,
			}, nil
		}
	}
	return nil, apperr.Transient("stripe", err)
}
