// Package provider содержит адаптеры платёжных провайдеров (PSP).
// Контракт различает два вида неуспеха: error означает транспортный
// сбой с неизвестным исходом (повторяемо), Result с OK=false —
// окончательный отказ провайдера (не повторяется).
package provider

import "context"

// AuthorizeRequest — запрос авторизации средств.
type AuthorizeRequest struct {
	TenantID      string
	PaymentID     string
	SagaID        string
	AmountMinor   int64
	Currency      string
	PaymentMethod string

	// IdempotencyKey передаётся провайдеру: повтор вызова после
	// таймаута не создаёт второй операции на его стороне.
	IdempotencyKey string
}

// CaptureRequest — запрос списания ранее авторизованных средств.
type CaptureRequest struct {
	TenantID       string
	PaymentID      string
	ExternalRef    string // ссылка провайдера из авторизации
	AmountMinor    int64
	Currency       string
	IdempotencyKey string
}

// RefundRequest — запрос возврата списанных средств.
type RefundRequest struct {
	TenantID       string
	PaymentID      string
	ExternalRef    string // ссылка провайдера из списания
	AmountMinor    int64
	Currency       string
	Reason         string
	IdempotencyKey string
}

// Result — нормализованный исход операции провайдера.
type Result struct {
	// OK — операция принята провайдером.
	OK bool

	// ExternalRef — идентификатор операции на стороне провайдера.
	ExternalRef string

	// RequiresAction — нужно участие плательщика (3DS и т.п.).
	RequiresAction bool

	// FailureCode — машинный код отказа при OK=false.
	FailureCode string

	// FailureReason — человекочитаемая причина отказа.
	FailureReason string
}

// Adapter — интерфейс платёжного провайдера.
type Adapter interface {
	Name() string
	Authorize(ctx context.Context, req AuthorizeRequest) (*Result, error)
	Capture(ctx context.Context, req CaptureRequest) (*Result, error)
	Refund(ctx context.Context, req RefundRequest) (*Result, error)
}
