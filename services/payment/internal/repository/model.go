// Package repository содержит GORM репозитории Payment Service.
package repository

import (
	"time"

	"example.com/order-platform/services/payment/internal/domain"
)

// PaymentModel — GORM модель таблицы payments.
type PaymentModel struct {
	ID           string    `gorm:"column:id;type:varchar(36);primaryKey"`
	TenantID     string    `gorm:"column:tenant_id;type:varchar(64);not null;uniqueIndex:uq_payments_tenant_saga;index:idx_payments_tenant_order"`
	SagaID       string    `gorm:"column:saga_id;type:uuid;not null;uniqueIndex:uq_payments_tenant_saga"`
	OrderID      string    `gorm:"column:order_id;type:varchar(64);not null;index:idx_payments_tenant_order"`
	UserID       string    `gorm:"column:user_id;type:varchar(64);not null"`
	AmountMinor  int64     `gorm:"column:amount_minor;not null"`
	CurrencyCode string    `gorm:"column:currency_code;type:varchar(3);not null"`
	Status       string    `gorm:"column:status;type:varchar(20);not null;index"`
	PSP          string    `gorm:"column:psp;type:varchar(30)"`
	PSPRef       string    `gorm:"column:psp_ref;type:varchar(128)"`
	CreatedAt    time.Time `gorm:"column:created_at;type:timestamptz"`
	UpdatedAt    time.Time `gorm:"column:updated_at;type:timestamptz"`

	Attempts []AttemptModel `gorm:"foreignKey:PaymentID"`
	Captures []CaptureModel `gorm:"foreignKey:PaymentID"`
	Refunds  []RefundModel  `gorm:"foreignKey:PaymentID"`
	Disputes []DisputeModel `gorm:"foreignKey:PaymentID"`
}

// TableName возвращает имя таблицы в БД.
func (PaymentModel) TableName() string {
	return "payments"
}

// AttemptModel — GORM модель таблицы payment_attempts.
type AttemptModel struct {
	ID            string    `gorm:"column:id;type:varchar(36);primaryKey"`
	PaymentID     string    `gorm:"column:payment_id;type:varchar(36);not null;index"`
	AttemptNo     int       `gorm:"column:attempt_no;not null"`
	Status        string    `gorm:"column:status;type:varchar(20);not null"`
	PSPRef        string    `gorm:"column:psp_ref;type:varchar(128)"`
	FailureCode   string    `gorm:"column:failure_code;type:varchar(64)"`
	FailureReason string    `gorm:"column:failure_reason;type:text"`
	CreatedAt     time.Time `gorm:"column:created_at;type:timestamptz"`
}

// TableName возвращает имя таблицы в БД.
func (AttemptModel) TableName() string {
	return "payment_attempts"
}

// CaptureModel — GORM модель таблицы captures.
type CaptureModel struct {
	ID            string    `gorm:"column:id;type:varchar(36);primaryKey"`
	PaymentID     string    `gorm:"column:payment_id;type:varchar(36);not null;index"`
	AmountMinor   int64     `gorm:"column:amount_minor;not null"`
	CurrencyCode  string    `gorm:"column:currency_code;type:varchar(3);not null"`
	Status        string    `gorm:"column:status;type:varchar(20);not null"`
	PSPCaptureRef string    `gorm:"column:psp_capture_ref;type:varchar(128)"`
	CreatedAt     time.Time `gorm:"column:created_at;type:timestamptz"`
	UpdatedAt     time.Time `gorm:"column:updated_at;type:timestamptz"`
}

// TableName возвращает имя таблицы в БД.
func (CaptureModel) TableName() string {
	return "captures"
}

// RefundModel — GORM модель таблицы refunds.
type RefundModel struct {
	ID           string    `gorm:"column:id;type:varchar(36);primaryKey"`
	PaymentID    string    `gorm:"column:payment_id;type:varchar(36);not null;index"`
	AmountMinor  int64     `gorm:"column:amount_minor;not null"`
	CurrencyCode string    `gorm:"column:currency_code;type:varchar(3);not null"`
	Status       string    `gorm:"column:status;type:varchar(20);not null"`
	PSPRefundRef string    `gorm:"column:psp_refund_ref;type:varchar(128)"`
	Reason       string    `gorm:"column:reason;type:text"`
	CreatedAt    time.Time `gorm:"column:created_at;type:timestamptz"`
	UpdatedAt    time.Time `gorm:"column:updated_at;type:timestamptz"`
}

// TableName возвращает имя таблицы в БД.
func (RefundModel) TableName() string {
	return "refunds"
}

// DisputeModel — GORM модель таблицы disputes.
// (tenant_id, psp, psp_dispute_id) уникальна: повторное открытие того же
// спора провайдером идемпотентно.
type DisputeModel struct {
	ID           string    `gorm:"column:id;type:varchar(36);primaryKey"`
	PaymentID    string    `gorm:"column:payment_id;type:varchar(36);not null;index"`
	TenantID     string    `gorm:"column:tenant_id;type:varchar(64);not null;uniqueIndex:uq_disputes_tenant_psp_ref"`
	PSP          string    `gorm:"column:psp;type:varchar(30);not null;uniqueIndex:uq_disputes_tenant_psp_ref"`
	PSPDisputeID string    `gorm:"column:psp_dispute_id;type:varchar(128);not null;uniqueIndex:uq_disputes_tenant_psp_ref"`
	AmountMinor  int64     `gorm:"column:amount_minor;not null"`
	CurrencyCode string    `gorm:"column:currency_code;type:varchar(3);not null"`
	Status       string    `gorm:"column:status;type:varchar(30);not null"`
	ReasonCode   string    `gorm:"column:reason_code;type:varchar(64)"`
	CreatedAt    time.Time `gorm:"column:created_at;type:timestamptz"`
	UpdatedAt    time.Time `gorm:"column:updated_at;type:timestamptz"`
}

// TableName возвращает имя таблицы в БД.
func (DisputeModel) TableName() string {
	return "disputes"
}

// WebhookInboxModel — GORM модель таблицы webhook_inbox.
// (provider, event_id) уникальна: повторная доставка webhook
// провайдером обнаруживается на вставке.
type WebhookInboxModel struct {
	ID          string    `gorm:"column:id;type:varchar(36);primaryKey"`
	Provider    string    `gorm:"column:provider;type:varchar(30);not null;uniqueIndex:uq_webhook_provider_event"`
	EventID     string    `gorm:"column:event_id;type:varchar(128);not null;uniqueIndex:uq_webhook_provider_event"`
	Payload     []byte    `gorm:"column:payload;type:text"`
	Signature   string    `gorm:"column:signature;type:varchar(256)"`
	ProcessedAt time.Time `gorm:"column:processed_at;type:timestamptz"`
}

// TableName возвращает имя таблицы в БД.
func (WebhookInboxModel) TableName() string {
	return "webhook_inbox"
}

// ===== Маппинг domain ↔ model =====

func paymentToDomain(m *PaymentModel) *domain.Payment {
	p := &domain.Payment{
		ID:           m.ID,
		TenantID:     m.TenantID,
		SagaID:       m.SagaID,
		OrderID:      m.OrderID,
		UserID:       m.UserID,
		AmountMinor:  m.AmountMinor,
		CurrencyCode: m.CurrencyCode,
		Status:       domain.PaymentStatus(m.Status),
		PSP:          m.PSP,
		PSPRef:       m.PSPRef,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}

	for i := range m.Attempts {
		p.Attempts = append(p.Attempts, attemptToDomain(&m.Attempts[i]))
	}
	for i := range m.Captures {
		p.Captures = append(p.Captures, captureToDomain(&m.Captures[i]))
	}
	for i := range m.Refunds {
		p.Refunds = append(p.Refunds, refundToDomain(&m.Refunds[i]))
	}
	for i := range m.Disputes {
		p.Disputes = append(p.Disputes, disputeToDomain(&m.Disputes[i]))
	}

	return p
}

func paymentFromDomain(p *domain.Payment) *PaymentModel {
	return &PaymentModel{
		ID:           p.ID,
		TenantID:     p.TenantID,
		SagaID:       p.SagaID,
		OrderID:      p.OrderID,
		UserID:       p.UserID,
		AmountMinor:  p.AmountMinor,
		CurrencyCode: p.CurrencyCode,
		Status:       string(p.Status),
		PSP:          p.PSP,
		PSPRef:       p.PSPRef,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
}

func attemptToDomain(m *AttemptModel) domain.PaymentAttempt {
	return domain.PaymentAttempt{
		ID:            m.ID,
		PaymentID:     m.PaymentID,
		AttemptNo:     m.AttemptNo,
		Status:        domain.OperationStatus(m.Status),
		PSPRef:        m.PSPRef,
		FailureCode:   m.FailureCode,
		FailureReason: m.FailureReason,
		CreatedAt:     m.CreatedAt,
	}
}

func attemptFromDomain(a *domain.PaymentAttempt) *AttemptModel {
	return &AttemptModel{
		ID:            a.ID,
		PaymentID:     a.PaymentID,
		AttemptNo:     a.AttemptNo,
		Status:        string(a.Status),
		PSPRef:        a.PSPRef,
		FailureCode:   a.FailureCode,
		FailureReason: a.FailureReason,
		CreatedAt:     a.CreatedAt,
	}
}

func captureToDomain(m *CaptureModel) domain.Capture {
	return domain.Capture{
		ID:            m.ID,
		PaymentID:     m.PaymentID,
		AmountMinor:   m.AmountMinor,
		CurrencyCode:  m.CurrencyCode,
		Status:        domain.OperationStatus(m.Status),
		PSPCaptureRef: m.PSPCaptureRef,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func captureFromDomain(c *domain.Capture) *CaptureModel {
	return &CaptureModel{
		ID:            c.ID,
		PaymentID:     c.PaymentID,
		AmountMinor:   c.AmountMinor,
		CurrencyCode:  c.CurrencyCode,
		Status:        string(c.Status),
		PSPCaptureRef: c.PSPCaptureRef,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}

func refundToDomain(m *RefundModel) domain.Refund {
	return domain.Refund{
		ID:           m.ID,
		PaymentID:    m.PaymentID,
		AmountMinor:  m.AmountMinor,
		CurrencyCode: m.CurrencyCode,
		Status:       domain.OperationStatus(m.Status),
		PSPRefundRef: m.PSPRefundRef,
		Reason:       m.Reason,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func refundFromDomain(r *domain.Refund) *RefundModel {
	return &RefundModel{
		ID:           r.ID,
		PaymentID:    r.PaymentID,
		AmountMinor:  r.AmountMinor,
		CurrencyCode: r.CurrencyCode,
		Status:       string(r.Status),
		PSPRefundRef: r.PSPRefundRef,
		Reason:       r.Reason,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func disputeToDomain(m *DisputeModel) domain.Dispute {
	return domain.Dispute{
		ID:           m.ID,
		PaymentID:    m.PaymentID,
		TenantID:     m.TenantID,
		PSP:          m.PSP,
		PSPDisputeID: m.PSPDisputeID,
		AmountMinor:  m.AmountMinor,
		CurrencyCode: m.CurrencyCode,
		Status:       domain.DisputeStatus(m.Status),
		ReasonCode:   m.ReasonCode,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func disputeFromDomain(d *domain.Dispute) *DisputeModel {
	return &DisputeModel{
		ID:           d.ID,
		PaymentID:    d.PaymentID,
		TenantID:     d.TenantID,
		PSP:          d.PSP,
		PSPDisputeID: d.PSPDisputeID,
		AmountMinor:  d.AmountMinor,
		CurrencyCode: d.CurrencyCode,
		Status:       string(d.Status),
		ReasonCode:   d.ReasonCode,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}
