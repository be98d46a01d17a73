package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/order-platform/pkg/apperr"
	"example.com/order-platform/pkg/ids"

	"example.com/order-platform/services/payment/internal/domain"
)

// PaymentStore определяет методы работы с платёжным агрегатом.
// Мутирующие методы принимают tx: операции платёжной машины состояний
// выполняются в одной транзакции вместе с ledger и outbox.
type PaymentStore interface {
	// Transaction выполняет fn в транзакции БД.
	Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error

	// Create создаёт платёж.
	Create(ctx context.Context, tx *gorm.DB, p *domain.Payment) error

	// GetBySaga возвращает платёж по (tenant, saga) с дочерними записями.
	GetBySaga(ctx context.Context, tenantID, sagaID string) (*domain.Payment, error)

	// GetByIDForUpdate возвращает платёж с блокировкой строки (FOR UPDATE).
	// Сериализует конкурирующие операции над одним платежом.
	GetByIDForUpdate(ctx context.Context, tx *gorm.DB, tenantID, paymentID string) (*domain.Payment, error)

	// GetLatestActiveByOrder возвращает последний живой платёж заказа.
	GetLatestActiveByOrder(ctx context.Context, tenantID, orderID string) (*domain.Payment, error)

	// UpdateStatus сохраняет статус и psp_ref платежа.
	UpdateStatus(ctx context.Context, tx *gorm.DB, p *domain.Payment) error

	// AddAttempt добавляет попытку авторизации.
	AddAttempt(ctx context.Context, tx *gorm.DB, a *domain.PaymentAttempt) error

	// AddCapture добавляет списание.
	AddCapture(ctx context.Context, tx *gorm.DB, c *domain.Capture) error

	// UpdateCapture сохраняет статус и референс списания.
	UpdateCapture(ctx context.Context, tx *gorm.DB, c *domain.Capture) error

	// AddRefund добавляет возврат.
	AddRefund(ctx context.Context, tx *gorm.DB, r *domain.Refund) error

	// UpdateRefund сохраняет статус и референс возврата.
	UpdateRefund(ctx context.Context, tx *gorm.DB, r *domain.Refund) error

	// GetDispute возвращает спор по (tenant, psp, psp_dispute_id).
	GetDispute(ctx context.Context, tenantID, psp, pspDisputeID string) (*domain.Dispute, error)

	// CreateDispute создаёт спор; при конфликте по (tenant, psp,
	// psp_dispute_id) вставка молча пропускается.
	CreateDispute(ctx context.Context, tx *gorm.DB, d *domain.Dispute) error

	// UpdateDispute сохраняет статус спора.
	UpdateDispute(ctx context.Context, tx *gorm.DB, d *domain.Dispute) error

	// InsertWebhookEvent регистрирует входящий webhook.
	// Возвращает false, если (provider, event_id) уже обработан.
	InsertWebhookEvent(ctx context.Context, provider, eventID string, payload []byte, signature string) (bool, error)

	// FindStuck возвращает платежи, зависшие в AUTHORIZING дольше
	// deadline: процесс упал между вызовом провайдера и фиксацией
	// результата. CAPTURING — стабильный статус частичного списания,
	// зависшим не считается.
	FindStuck(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Payment, error)
}

// paymentStore — GORM реализация PaymentStore.
type paymentStore struct {
	db *gorm.DB
}

// NewPaymentStore создаёт репозиторий платежей.
func NewPaymentStore(db *gorm.DB) PaymentStore {
	return &paymentStore{db: db}
}

// Transaction выполняет fn в транзакции БД.
func (s *paymentStore) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

// Create создаёт платёж.
func (s *paymentStore) Create(ctx context.Context, tx *gorm.DB, p *domain.Payment) error {
	if err := p.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	if err := tx.WithContext(ctx).Create(paymentFromDomain(p)).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return apperr.ErrConflict
		}
		return apperr.Transient("payment create", err)
	}
	return nil
}

// GetBySaga возвращает платёж по (tenant, saga).
func (s *paymentStore) GetBySaga(ctx context.Context, tenantID, sagaID string) (*domain.Payment, error) {
	var model PaymentModel
	err := s.db.WithContext(ctx).
		Preload("Attempts").Preload("Captures").Preload("Refunds").Preload("Disputes").
		Where("tenant_id = ? AND saga_id = ?", tenantID, sagaID).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrNotFound
		}
		return nil, apperr.Transient("payment by saga", err)
	}
	return paymentToDomain(&model), nil
}

// GetByIDForUpdate возвращает платёж с блокировкой строки.
// Блокируется только строка payments; дочерние записи читаются после
// захвата блокировки, поэтому их состав стабилен до конца транзакции.
func (s *paymentStore) GetByIDForUpdate(ctx context.Context, tx *gorm.DB, tenantID, paymentID string) (*domain.Payment, error) {
	var model PaymentModel
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("tenant_id = ? AND id = ?", tenantID, paymentID).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrNotFound
		}
		return nil, apperr.Transient("payment lock", err)
	}

	// Чтение в свежую структуру: заполненная model добавила бы
	// условие по первичному ключу вторым аргументом запроса.
	var full PaymentModel
	err = tx.WithContext(ctx).
		Preload("Attempts").Preload("Captures").Preload("Refunds").Preload("Disputes").
		Where("id = ?", model.ID).
		First(&full).Error
	if err != nil {
		return nil, apperr.Transient("payment load children", err)
	}

	return paymentToDomain(&full), nil
}

// GetLatestActiveByOrder возвращает последний живой платёж заказа.
func (s *paymentStore) GetLatestActiveByOrder(ctx context.Context, tenantID, orderID string) (*domain.Payment, error) {
	activeStatuses := []string{
		string(domain.PaymentStatusInitiated),
		string(domain.PaymentStatusAuthorizing),
		string(domain.PaymentStatusRequiresAction),
		string(domain.PaymentStatusAuthorized),
		string(domain.PaymentStatusCapturing),
	}

	var model PaymentModel
	err := s.db.WithContext(ctx).
		Preload("Attempts").Preload("Captures").Preload("Refunds").Preload("Disputes").
		Where("tenant_id = ? AND order_id = ? AND status IN ?", tenantID, orderID, activeStatuses).
		Order("created_at DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrNotFound
		}
		return nil, apperr.Transient("payment by order", err)
	}
	return paymentToDomain(&model), nil
}

// UpdateStatus сохраняет статус и psp_ref платежа.
func (s *paymentStore) UpdateStatus(ctx context.Context, tx *gorm.DB, p *domain.Payment) error {
	result := tx.WithContext(ctx).Model(&PaymentModel{}).
		Where("id = ?", p.ID).
		Updates(map[string]any{
			"status":     string(p.Status),
			"psp":        p.PSP,
			"psp_ref":    p.PSPRef,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return apperr.Transient("payment update", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// AddAttempt добавляет попытку авторизации.
func (s *paymentStore) AddAttempt(ctx context.Context, tx *gorm.DB, a *domain.PaymentAttempt) error {
	if a.ID == "" {
		a.ID = ids.New()
	}
	a.CreatedAt = time.Now().UTC()

	if err := tx.WithContext(ctx).Create(attemptFromDomain(a)).Error; err != nil {
		return apperr.Transient("attempt create", err)
	}
	return nil
}

// AddCapture добавляет списание.
func (s *paymentStore) AddCapture(ctx context.Context, tx *gorm.DB, c *domain.Capture) error {
	if c.ID == "" {
		c.ID = ids.New()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	if err := tx.WithContext(ctx).Create(captureFromDomain(c)).Error; err != nil {
		return apperr.Transient("capture create", err)
	}
	return nil
}

// UpdateCapture сохраняет статус и референс списания.
func (s *paymentStore) UpdateCapture(ctx context.Context, tx *gorm.DB, c *domain.Capture) error {
	result := tx.WithContext(ctx).Model(&CaptureModel{}).
		Where("id = ?", c.ID).
		Updates(map[string]any{
			"status":          string(c.Status),
			"psp_capture_ref": c.PSPCaptureRef,
			"updated_at":      time.Now().UTC(),
		})
	if result.Error != nil {
		return apperr.Transient("capture update", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// AddRefund добавляет возврат.
func (s *paymentStore) AddRefund(ctx context.Context, tx *gorm.DB, r *domain.Refund) error {
	if r.ID == "" {
		r.ID = ids.New()
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	if err := tx.WithContext(ctx).Create(refundFromDomain(r)).Error; err != nil {
		return apperr.Transient("refund create", err)
	}
	return nil
}

// UpdateRefund сохраняет статус и референс возврата.
func (s *paymentStore) UpdateRefund(ctx context.Context, tx *gorm.DB, r *domain.Refund) error {
	result := tx.WithContext(ctx).Model(&RefundModel{}).
		Where("id = ?", r.ID).
		Updates(map[string]any{
			"status":         string(r.Status),
			"psp_refund_ref": r.PSPRefundRef,
			"updated_at":     time.Now().UTC(),
		})
	if result.Error != nil {
		return apperr.Transient("refund update", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// GetDispute возвращает спор по (tenant, psp, psp_dispute_id).
func (s *paymentStore) GetDispute(ctx context.Context, tenantID, psp, pspDisputeID string) (*domain.Dispute, error) {
	var model DisputeModel
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND psp = ? AND psp_dispute_id = ?", tenantID, psp, pspDisputeID).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrNotFound
		}
		return nil, apperr.Transient("dispute find", err)
	}
	d := disputeToDomain(&model)
	return &d, nil
}

// CreateDispute создаёт спор идемпотентно.
func (s *paymentStore) CreateDispute(ctx context.Context, tx *gorm.DB, d *domain.Dispute) error {
	if d.ID == "" {
		d.ID = ids.New()
	}
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now

	err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "psp"}, {Name: "psp_dispute_id"}},
			DoNothing: true,
		}).
		Create(disputeFromDomain(d)).Error
	if err != nil {
		return apperr.Transient("dispute create", err)
	}
	return nil
}

// UpdateDispute сохраняет статус спора.
func (s *paymentStore) UpdateDispute(ctx context.Context, tx *gorm.DB, d *domain.Dispute) error {
	result := tx.WithContext(ctx).Model(&DisputeModel{}).
		Where("id = ?", d.ID).
		Updates(map[string]any{
			"status":     string(d.Status),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return apperr.Transient("dispute update", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// InsertWebhookEvent регистрирует входящий webhook.
func (s *paymentStore) InsertWebhookEvent(ctx context.Context, provider, eventID string, payload []byte, signature string) (bool, error) {
	model := &WebhookInboxModel{
		ID:          ids.New(),
		Provider:    provider,
		EventID:     eventID,
		Payload:     payload,
		Signature:   signature,
		ProcessedAt: time.Now().UTC(),
	}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "event_id"}},
			DoNothing: true,
		}).
		Create(model)
	if result.Error != nil {
		return false, apperr.Transient("webhook inbox insert", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// FindStuck возвращает платежи, зависшие в промежуточных статусах.
func (s *paymentStore) FindStuck(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Payment, error) {
	var models []PaymentModel
	err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?",
			string(domain.PaymentStatusAuthorizing), olderThan.UTC()).
		Order("updated_at").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, apperr.Transient("payments stuck scan", err)
	}

	result := make([]*domain.Payment, len(models))
	for i := range models {
		result[i] = paymentToDomain(&models[i])
	}
	return result, nil
}
