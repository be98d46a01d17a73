// Package domain содержит бизнес-сущности Payment Service:
// платёж с дочерними попытками, списаниями, возвратами и спорами.
package domain

import (
	"time"

	"example.com/order-platform/pkg/apperr"
)

// PaymentStatus — статус платежа в системе.
type PaymentStatus string

const (
	// PaymentStatusInitiated — платёж создан, провайдер ещё не вызывался.
	PaymentStatusInitiated PaymentStatus = "INITIATED"

	// PaymentStatusAuthorizing — выполняется авторизация у провайдера.
	PaymentStatusAuthorizing PaymentStatus = "AUTHORIZING"

	// PaymentStatusRequiresAction — провайдер требует действий плательщика (3DS).
	PaymentStatusRequiresAction PaymentStatus = "REQUIRES_ACTION"

	// PaymentStatusAuthorized — средства захолдированы.
	PaymentStatusAuthorized PaymentStatus = "AUTHORIZED"

	// PaymentStatusCapturing — списана часть авторизованной суммы.
	PaymentStatusCapturing PaymentStatus = "CAPTURING"

	// PaymentStatusCaptured — списана вся сумма.
	PaymentStatusCaptured PaymentStatus = "CAPTURED"

	// PaymentStatusSettled — деньги дошли до расчётного счёта.
	PaymentStatusSettled PaymentStatus = "SETTLED"

	// PaymentStatusFailed — платёж не прошёл.
	PaymentStatusFailed PaymentStatus = "FAILED"

	// PaymentStatusCancelled — платёж отменён до списания.
	PaymentStatusCancelled PaymentStatus = "CANCELLED"
)

// IsTerminal возвращает true для финальных статусов платежа.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentStatusSettled || s == PaymentStatusFailed || s == PaymentStatusCancelled
}

// IsActive возвращает true для статусов, в которых платёж считается
// живым при поиске по заказу (идемпотентность authorize).
func (s PaymentStatus) IsActive() bool {
	switch s {
	case PaymentStatusInitiated, PaymentStatusAuthorizing, PaymentStatusRequiresAction,
		PaymentStatusAuthorized, PaymentStatusCapturing:
		return true
	}
	return false
}

// allowedTransitions определяет валидные переходы статусов платежа.
var allowedTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusInitiated:      {PaymentStatusAuthorizing, PaymentStatusFailed, PaymentStatusCancelled},
	PaymentStatusAuthorizing:    {PaymentStatusRequiresAction, PaymentStatusAuthorized, PaymentStatusFailed},
	PaymentStatusRequiresAction: {PaymentStatusAuthorized, PaymentStatusFailed, PaymentStatusCancelled},
	PaymentStatusAuthorized:     {PaymentStatusCapturing, PaymentStatusCaptured, PaymentStatusFailed, PaymentStatusCancelled},
	PaymentStatusCapturing:      {PaymentStatusCapturing, PaymentStatusCaptured, PaymentStatusFailed},
	PaymentStatusCaptured:       {PaymentStatusSettled},
}

// OperationStatus — статус дочерней операции (попытка, списание, возврат).
type OperationStatus string

const (
	OperationPending   OperationStatus = "PENDING"
	OperationSucceeded OperationStatus = "SUCCEEDED"
	OperationFailed    OperationStatus = "FAILED"
)

// Payment — платёж с дочерними операциями.
type Payment struct {
	ID           string        // UUID платежа
	TenantID     string        // Тенант-владелец
	SagaID       string        // ID саги (уникален в паре с тенантом)
	OrderID      string        // ID связанного заказа
	UserID       string        // ID пользователя
	AmountMinor  int64         // Сумма в минорных единицах
	CurrencyCode string        // ISO 4217 код валюты
	Status       PaymentStatus // Текущий статус
	PSP          string        // Провайдер (stripe / simulated)
	PSPRef       string        // Внешний референс авторизации
	CreatedAt    time.Time
	UpdatedAt    time.Time

	Attempts []PaymentAttempt
	Captures []Capture
	Refunds  []Refund
	Disputes []Dispute
}

// PaymentAttempt — попытка авторизации у провайдера.
type PaymentAttempt struct {
	ID            string
	PaymentID     string
	AttemptNo     int
	Status        OperationStatus
	PSPRef        string // Референс провайдера (при SUCCEEDED)
	FailureCode   string // Код ошибки провайдера (при FAILED)
	FailureReason string
	CreatedAt     time.Time
}

// Capture — списание части или всей авторизованной суммы.
type Capture struct {
	ID            string
	PaymentID     string
	AmountMinor   int64
	CurrencyCode  string
	Status        OperationStatus
	PSPCaptureRef string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Refund — возврат части списанной суммы.
type Refund struct {
	ID           string
	PaymentID    string
	AmountMinor  int64
	CurrencyCode string
	Status       OperationStatus
	PSPRefundRef string
	Reason       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DisputeStatus — статус спора (chargeback).
type DisputeStatus string

const (
	DisputeOpened            DisputeStatus = "OPENED"
	DisputeEvidenceSubmitted DisputeStatus = "EVIDENCE_SUBMITTED"
	DisputeArbitration       DisputeStatus = "ARBITRATION"
	DisputeWon               DisputeStatus = "WON"
	DisputeLost              DisputeStatus = "LOST"
	DisputeClosed            DisputeStatus = "CLOSED"
	DisputeCancelled         DisputeStatus = "CANCELLED"
)

// IsTerminal возвращает true для финальных статусов спора.
func (s DisputeStatus) IsTerminal() bool {
	switch s {
	case DisputeWon, DisputeLost, DisputeClosed, DisputeCancelled:
		return true
	}
	return false
}

// Dispute — спор по платежу, открытый провайдером.
type Dispute struct {
	ID           string
	PaymentID    string
	TenantID     string
	PSP          string
	PSPDisputeID string // Уникален в паре (tenant, psp)
	AmountMinor  int64
	CurrencyCode string
	Status       DisputeStatus
	ReasonCode   string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CanTransitionTo проверяет, допустим ли переход платежа в новый статус.
func (p *Payment) CanTransitionTo(newStatus PaymentStatus) bool {
	for _, allowed := range allowedTransitions[p.Status] {
		if allowed == newStatus {
			return true
		}
	}
	return false
}

// TransitionTo выполняет переход платежа в новый статус.
func (p *Payment) TransitionTo(newStatus PaymentStatus) error {
	if !p.CanTransitionTo(newStatus) {
		return apperr.Invariantf("недопустимый переход платежа %s: %s → %s", p.ID, p.Status, newStatus)
	}
	p.Status = newStatus
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// CapturedTotal возвращает сумму успешных списаний.
func (p *Payment) CapturedTotal() int64 {
	var total int64
	for _, c := range p.Captures {
		if c.Status == OperationSucceeded {
			total += c.AmountMinor
		}
	}
	return total
}

// CaptureRemaining возвращает остаток к списанию.
func (p *Payment) CaptureRemaining() int64 {
	return p.AmountMinor - p.CapturedTotal()
}

// RefundedOrPending возвращает сумму возвратов в статусах PENDING и
// SUCCEEDED. PENDING возвраты резервируют сумму: два конкурирующих
// возврата не должны вместе превысить списанное.
func (p *Payment) RefundedOrPending() int64 {
	var total int64
	for _, r := range p.Refunds {
		if r.Status == OperationPending || r.Status == OperationSucceeded {
			total += r.AmountMinor
		}
	}
	return total
}

// RefundableTotal возвращает сумму, доступную к возврату.
func (p *Payment) RefundableTotal() int64 {
	return p.CapturedTotal() - p.RefundedOrPending()
}

// LatestSucceededCapture возвращает последнее успешное списание.
func (p *Payment) LatestSucceededCapture() *Capture {
	for i := len(p.Captures) - 1; i >= 0; i-- {
		if p.Captures[i].Status == OperationSucceeded {
			return &p.Captures[i]
		}
	}
	return nil
}

// NextAttemptNo возвращает номер следующей попытки авторизации.
func (p *Payment) NextAttemptNo() int {
	return len(p.Attempts) + 1
}

// Validate проверяет корректность полей платежа.
func (p *Payment) Validate() error {
	if p.TenantID == "" {
		return apperr.Validationf("tenant_id обязателен")
	}
	if p.SagaID == "" {
		return apperr.Validationf("saga_id обязателен")
	}
	if p.OrderID == "" {
		return apperr.Validationf("order_id обязателен")
	}
	if p.AmountMinor <= 0 {
		return apperr.Validationf("некорректная сумма платежа: %d", p.AmountMinor)
	}
	if len(p.CurrencyCode) != 3 {
		return apperr.Validationf("некорректный код валюты: %q", p.CurrencyCode)
	}
	return nil
}
