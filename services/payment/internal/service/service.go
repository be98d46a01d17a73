// Package service реализует платёжную машину состояний: авторизация,
// списания, возвраты, споры и восстановление зависших платежей.
//
// Каждая операция разбита на две транзакции вокруг вызова провайдера:
// первая фиксирует намерение (PENDING запись), вторая под блокировкой
// строки платежа фиксирует исход вместе с бухгалтерской проводкой и
// событием outbox. Вызов провайдера никогда не выполняется под
// блокировкой БД.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"example.com/order-platform/pkg/apperr"
	"example.com/order-platform/pkg/ids"
	"example.com/order-platform/pkg/logger"
	"example.com/order-platform/pkg/metrics"
	"example.com/order-platform/pkg/outbox"
	"example.com/order-platform/pkg/sagaevent"

	"example.com/order-platform/services/payment/internal/domain"
	"example.com/order-platform/services/payment/internal/ledger"
	"example.com/order-platform/services/payment/internal/provider"
	"example.com/order-platform/services/payment/internal/repository"
)

// EventOutbox — запись событий в транзакционный outbox.
type EventOutbox interface {
	InsertTx(ctx context.Context, tx *gorm.DB, p outbox.InsertParams) (*outbox.Row, error)
}

var _ EventOutbox = (outbox.Store)(nil)

// Books — бухгалтерские проводки платёжных операций.
type Books interface {
	PostAuthorization(ctx context.Context, tx *gorm.DB, amountMinor int64, currency string, refs ledger.References) error
	PostCapture(ctx context.Context, tx *gorm.DB, amountMinor int64, currency string, refs ledger.References) error
	PostRefund(ctx context.Context, tx *gorm.DB, amountMinor int64, currency string, refs ledger.References) error
}

var _ Books = (*ledger.Ledger)(nil)

// StateMachine — платёжная машина состояний.
type StateMachine struct {
	store  repository.PaymentStore
	books  Books
	psp    provider.Adapter
	events EventOutbox
}

// New создаёт платёжную машину состояний.
func New(store repository.PaymentStore, books Books, psp provider.Adapter, events EventOutbox) *StateMachine {
	return &StateMachine{store: store, books: books, psp: psp, events: events}
}

// AuthorizeRequest — запрос авторизации платежа.
type AuthorizeRequest struct {
	TenantID      string
	SagaID        string
	OrderID       string
	UserID        string
	AmountMinor   int64
	CurrencyCode  string
	PaymentMethod string
}

// CaptureRequest — запрос списания.
type CaptureRequest struct {
	TenantID     string
	PaymentID    string
	AmountMinor  int64
	CurrencyCode string
}

// RefundRequest — запрос возврата.
type RefundRequest struct {
	TenantID    string
	PaymentID   string
	AmountMinor int64
	Reason      string
}

// ===== Авторизация =====

// Authorize выполняет авторизацию платежа.
//
// Идемпотентность естественная: платёж уникален по (tenant, saga),
// повторная команда возвращает существующий платёж без вызова
// провайдера. Окончательный отказ провайдера возвращается как платёж
// в статусе FAILED с nil ошибкой; error означает неизвестный исход.
func (m *StateMachine) Authorize(ctx context.Context, req AuthorizeRequest) (*domain.Payment, error) {
	log := logger.FromContext(ctx)

	if existing, err := m.store.GetBySaga(ctx, req.TenantID, req.SagaID); err == nil {
		log.Info().Str("payment_id", existing.ID).Str("saga_id", req.SagaID).
			Msg("Повторная команда авторизации, возвращаем существующий платёж")
		return existing, nil
	} else if !isNotFound(err) {
		return nil, err
	}

	// Другая сага уже ведёт живой платёж этого заказа: авторизация
	// идемпотентна по заказу, возвращаем живой платёж вместо второго
	// списания с того же покупателя.
	if req.OrderID != "" {
		if active, err := m.store.GetLatestActiveByOrder(ctx, req.TenantID, req.OrderID); err == nil && active.SagaID != req.SagaID {
			log.Info().
				Str("payment_id", active.ID).
				Str("order_id", req.OrderID).
				Str("saga_id", active.SagaID).
				Msg("Заказ уже оплачивается другой сагой, возвращаем живой платёж")
			return active, nil
		} else if err != nil && !isNotFound(err) {
			return nil, err
		}
	}

	payment := &domain.Payment{
		TenantID:     req.TenantID,
		SagaID:       req.SagaID,
		OrderID:      req.OrderID,
		UserID:       req.UserID,
		AmountMinor:  req.AmountMinor,
		CurrencyCode: req.CurrencyCode,
		Status:       domain.PaymentStatusInitiated,
		PSP:          m.psp.Name(),
	}
	if err := payment.Validate(); err != nil {
		return nil, err
	}
	payment.ID = ids.New()

	// Транзакция 1: платёж, маркер попытки и переход в AUTHORIZING.
	// Если процесс упадёт после коммита, recovery добьёт платёж в FAILED.
	err := m.store.Transaction(ctx, func(tx *gorm.DB) error {
		if err := m.store.Create(ctx, tx, payment); err != nil {
			return err
		}
		if err := m.store.AddAttempt(ctx, tx, &domain.PaymentAttempt{
			PaymentID: payment.ID,
			AttemptNo: 1,
			Status:    domain.OperationPending,
		}); err != nil {
			return err
		}
		if err := payment.TransitionTo(domain.PaymentStatusAuthorizing); err != nil {
			return err
		}
		return m.store.UpdateStatus(ctx, tx, payment)
	})
	if err != nil {
		// Гонка на (tenant, saga): параллельная команда успела первой.
		if isConflict(err) {
			if existing, getErr := m.store.GetBySaga(ctx, req.TenantID, req.SagaID); getErr == nil {
				return existing, nil
			}
		}
		metrics.PaymentOperationsTotal.WithLabelValues("authorize", "failed").Inc()
		return nil, err
	}

	// Вызов провайдера вне блокировок БД.
	result, provErr := m.psp.Authorize(ctx, provider.AuthorizeRequest{
		TenantID:       req.TenantID,
		PaymentID:      payment.ID,
		SagaID:         req.SagaID,
		AmountMinor:    req.AmountMinor,
		Currency:       req.CurrencyCode,
		PaymentMethod:  req.PaymentMethod,
		IdempotencyKey: payment.ID,
	})
	if provErr != nil {
		// Исход неизвестен: платёж остаётся в AUTHORIZING,
		// его добьёт RecoverStuck или повтор команды не случится.
		metrics.PaymentOperationsTotal.WithLabelValues("authorize", "failed").Inc()
		return nil, provErr
	}

	// Транзакция 2: фиксация исхода под блокировкой строки.
	err = m.store.Transaction(ctx, func(tx *gorm.DB) error {
		locked, err := m.store.GetByIDForUpdate(ctx, tx, req.TenantID, payment.ID)
		if err != nil {
			return err
		}
		if locked.Status != domain.PaymentStatusAuthorizing {
			// Кто-то уже зафиксировал исход (webhook, recovery).
			payment = locked
			return nil
		}

		attempt := &domain.PaymentAttempt{
			PaymentID: locked.ID,
			AttemptNo: locked.NextAttemptNo(),
		}

		switch {
		case result.OK && result.RequiresAction:
			attempt.Status = domain.OperationPending
			attempt.PSPRef = result.ExternalRef
			locked.PSPRef = result.ExternalRef
			if err := locked.TransitionTo(domain.PaymentStatusRequiresAction); err != nil {
				return err
			}
			if err := m.emit(ctx, tx, locked, "PAYMENT_REQUIRES_ACTION", "", locked.ID); err != nil {
				return err
			}

		case result.OK:
			attempt.Status = domain.OperationSucceeded
			attempt.PSPRef = result.ExternalRef
			locked.PSPRef = result.ExternalRef
			if err := locked.TransitionTo(domain.PaymentStatusAuthorized); err != nil {
				return err
			}
			if err := m.books.PostAuthorization(ctx, tx, locked.AmountMinor, locked.CurrencyCode, ledger.References{
				TenantID:  locked.TenantID,
				PaymentID: locked.ID,
			}); err != nil {
				return err
			}
			if err := m.emit(ctx, tx, locked, "PAYMENT_AUTHORIZED", "", locked.ID); err != nil {
				return err
			}

		default:
			attempt.Status = domain.OperationFailed
			attempt.FailureCode = result.FailureCode
			attempt.FailureReason = result.FailureReason
			if err := locked.TransitionTo(domain.PaymentStatusFailed); err != nil {
				return err
			}
			if err := m.emit(ctx, tx, locked, "PAYMENT_FAILED", result.FailureCode, locked.ID); err != nil {
				return err
			}
		}

		if err := m.store.AddAttempt(ctx, tx, attempt); err != nil {
			return err
		}
		if err := m.store.UpdateStatus(ctx, tx, locked); err != nil {
			return err
		}
		payment = locked
		return nil
	})
	if err != nil {
		metrics.PaymentOperationsTotal.WithLabelValues("authorize", "failed").Inc()
		return nil, err
	}

	if payment.Status == domain.PaymentStatusFailed {
		metrics.PaymentOperationsTotal.WithLabelValues("authorize", "rejected").Inc()
	} else {
		metrics.PaymentOperationsTotal.WithLabelValues("authorize", "ok").Inc()
	}

	log.Info().
		Str("payment_id", payment.ID).
		Str("saga_id", payment.SagaID).
		Str("status", string(payment.Status)).
		Msg("Авторизация завершена")
	return payment, nil
}

// ===== Списание =====

// Capture списывает часть или всю авторизованную сумму.
// Частичные списания накапливаются; платёж переходит в CAPTURED,
// когда сумма успешных списаний сравнялась с авторизованной.
func (m *StateMachine) Capture(ctx context.Context, req CaptureRequest) (*domain.Capture, error) {
	if req.AmountMinor <= 0 {
		return nil, apperr.Validationf("некорректная сумма списания: %d", req.AmountMinor)
	}

	capture := &domain.Capture{
		AmountMinor:  req.AmountMinor,
		CurrencyCode: req.CurrencyCode,
		Status:       domain.OperationPending,
	}
	var pspRef string

	// Транзакция 1: проверки под блокировкой и PENDING запись списания.
	// PENDING списания резервируют остаток, чтобы конкурирующие
	// списания вместе не превысили авторизованную сумму.
	err := m.store.Transaction(ctx, func(tx *gorm.DB) error {
		locked, err := m.store.GetByIDForUpdate(ctx, tx, req.TenantID, req.PaymentID)
		if err != nil {
			return err
		}
		if locked.Status != domain.PaymentStatusAuthorized && locked.Status != domain.PaymentStatusCapturing {
			return apperr.Invariantf("платёж %s в статусе %s не допускает списание", locked.ID, locked.Status)
		}
		if req.CurrencyCode != locked.CurrencyCode {
			return apperr.Validationf("валюта списания %s не совпадает с валютой платежа %s", req.CurrencyCode, locked.CurrencyCode)
		}

		var reserved int64
		for _, c := range locked.Captures {
			if c.Status == domain.OperationPending || c.Status == domain.OperationSucceeded {
				reserved += c.AmountMinor
			}
		}
		if reserved+req.AmountMinor > locked.AmountMinor {
			return apperr.Invariantf("списание %d превышает остаток %d платежа %s",
				req.AmountMinor, locked.AmountMinor-reserved, locked.ID)
		}

		capture.PaymentID = locked.ID
		pspRef = locked.PSPRef
		return m.store.AddCapture(ctx, tx, capture)
	})
	if err != nil {
		metrics.PaymentOperationsTotal.WithLabelValues("capture", "rejected").Inc()
		return nil, err
	}

	result, provErr := m.psp.Capture(ctx, provider.CaptureRequest{
		TenantID:       req.TenantID,
		PaymentID:      req.PaymentID,
		ExternalRef:    pspRef,
		AmountMinor:    req.AmountMinor,
		Currency:       req.CurrencyCode,
		IdempotencyKey: capture.ID,
	})
	if provErr != nil {
		metrics.PaymentOperationsTotal.WithLabelValues("capture", "failed").Inc()
		return nil, provErr
	}

	// Транзакция 2: фиксация исхода, проводка и событие.
	err = m.store.Transaction(ctx, func(tx *gorm.DB) error {
		locked, err := m.store.GetByIDForUpdate(ctx, tx, req.TenantID, req.PaymentID)
		if err != nil {
			return err
		}

		if !result.OK {
			capture.Status = domain.OperationFailed
			return m.store.UpdateCapture(ctx, tx, capture)
		}

		capture.Status = domain.OperationSucceeded
		capture.PSPCaptureRef = result.ExternalRef
		if err := m.store.UpdateCapture(ctx, tx, capture); err != nil {
			return err
		}

		captured := locked.CapturedTotal() + capture.AmountMinor
		next := domain.PaymentStatusCapturing
		if captured == locked.AmountMinor {
			next = domain.PaymentStatusCaptured
		}
		if err := locked.TransitionTo(next); err != nil {
			return err
		}
		if err := m.store.UpdateStatus(ctx, tx, locked); err != nil {
			return err
		}

		if err := m.books.PostCapture(ctx, tx, capture.AmountMinor, capture.CurrencyCode, ledger.References{
			TenantID:  locked.TenantID,
			PaymentID: locked.ID,
			CaptureID: capture.ID,
		}); err != nil {
			return err
		}
		return m.emit(ctx, tx, locked, "PAYMENT_CAPTURED", "", capture.ID)
	})
	if err != nil {
		metrics.PaymentOperationsTotal.WithLabelValues("capture", "failed").Inc()
		return nil, err
	}

	outcome := "ok"
	if capture.Status == domain.OperationFailed {
		outcome = "rejected"
	}
	metrics.PaymentOperationsTotal.WithLabelValues("capture", outcome).Inc()
	return capture, nil
}

// ===== Возврат =====

// Refund возвращает часть списанной суммы.
// Возврат привязывается к последнему успешному списанию. Отказ
// провайдера помечает возврат FAILED без проводки и события.
func (m *StateMachine) Refund(ctx context.Context, req RefundRequest) (*domain.Refund, error) {
	if req.AmountMinor <= 0 {
		return nil, apperr.Validationf("некорректная сумма возврата: %d", req.AmountMinor)
	}

	refund := &domain.Refund{
		AmountMinor: req.AmountMinor,
		Status:      domain.OperationPending,
		Reason:      req.Reason,
	}
	var captureRef string

	err := m.store.Transaction(ctx, func(tx *gorm.DB) error {
		locked, err := m.store.GetByIDForUpdate(ctx, tx, req.TenantID, req.PaymentID)
		if err != nil {
			return err
		}
		if locked.Status == domain.PaymentStatusFailed || locked.Status == domain.PaymentStatusCancelled {
			return apperr.Invariantf("платёж %s в статусе %s не допускает возврат", locked.ID, locked.Status)
		}
		if req.AmountMinor > locked.RefundableTotal() {
			return apperr.Invariantf("возврат %d превышает доступное %d платежа %s",
				req.AmountMinor, locked.RefundableTotal(), locked.ID)
		}

		lastCapture := locked.LatestSucceededCapture()
		if lastCapture == nil {
			return apperr.Invariantf("платёж %s не имеет успешных списаний для возврата", locked.ID)
		}

		refund.PaymentID = locked.ID
		refund.CurrencyCode = locked.CurrencyCode
		captureRef = lastCapture.PSPCaptureRef
		return m.store.AddRefund(ctx, tx, refund)
	})
	if err != nil {
		metrics.PaymentOperationsTotal.WithLabelValues("refund", "rejected").Inc()
		return nil, err
	}

	result, provErr := m.psp.Refund(ctx, provider.RefundRequest{
		TenantID:       req.TenantID,
		PaymentID:      req.PaymentID,
		ExternalRef:    captureRef,
		AmountMinor:    req.AmountMinor,
		Currency:       refund.CurrencyCode,
		Reason:         req.Reason,
		IdempotencyKey: refund.ID,
	})
	if provErr != nil {
		metrics.PaymentOperationsTotal.WithLabelValues("refund", "failed").Inc()
		return nil, provErr
	}

	err = m.store.Transaction(ctx, func(tx *gorm.DB) error {
		locked, err := m.store.GetByIDForUpdate(ctx, tx, req.TenantID, req.PaymentID)
		if err != nil {
			return err
		}

		if !result.OK {
			refund.Status = domain.OperationFailed
			return m.store.UpdateRefund(ctx, tx, refund)
		}

		refund.Status = domain.OperationSucceeded
		refund.PSPRefundRef = result.ExternalRef
		if err := m.store.UpdateRefund(ctx, tx, refund); err != nil {
			return err
		}
		if err := m.books.PostRefund(ctx, tx, refund.AmountMinor, refund.CurrencyCode, ledger.References{
			TenantID:  locked.TenantID,
			PaymentID: locked.ID,
			RefundID:  refund.ID,
		}); err != nil {
			return err
		}
		return m.emit(ctx, tx, locked, "PAYMENT_REFUNDED", req.Reason, refund.ID)
	})
	if err != nil {
		metrics.PaymentOperationsTotal.WithLabelValues("refund", "failed").Inc()
		return nil, err
	}

	outcome := "ok"
	if refund.Status == domain.OperationFailed {
		outcome = "rejected"
	}
	metrics.PaymentOperationsTotal.WithLabelValues("refund", outcome).Inc()
	return refund, nil
}

// ===== Споры =====

// OpenDispute регистрирует спор провайдера по платежу.
// Повторное открытие того же (tenant, psp, psp_dispute_id) — no-op.
func (m *StateMachine) OpenDispute(ctx context.Context, tenantID, pspDisputeID, paymentID, reasonCode string, amountMinor int64) (*domain.Dispute, error) {
	if existing, err := m.store.GetDispute(ctx, tenantID, m.psp.Name(), pspDisputeID); err == nil {
		return existing, nil
	} else if !isNotFound(err) {
		return nil, err
	}

	var dispute *domain.Dispute
	err := m.store.Transaction(ctx, func(tx *gorm.DB) error {
		payment, err := m.store.GetByIDForUpdate(ctx, tx, tenantID, paymentID)
		if err != nil {
			return err
		}

		dispute = &domain.Dispute{
			PaymentID:    payment.ID,
			TenantID:     tenantID,
			PSP:          m.psp.Name(),
			PSPDisputeID: pspDisputeID,
			AmountMinor:  amountMinor,
			CurrencyCode: payment.CurrencyCode,
			Status:       domain.DisputeOpened,
			ReasonCode:   reasonCode,
		}
		if err := m.store.CreateDispute(ctx, tx, dispute); err != nil {
			return err
		}
		return m.emit(ctx, tx, payment, "PAYMENT_CHARGEBACK_OPENED", reasonCode, dispute.ID)
	})
	if err != nil {
		return nil, err
	}
	return dispute, nil
}

// disputeAdvances — допустимые нефинальные переходы спора.
var disputeAdvances = map[domain.DisputeStatus][]domain.DisputeStatus{
	domain.DisputeOpened:            {domain.DisputeEvidenceSubmitted, domain.DisputeArbitration},
	domain.DisputeEvidenceSubmitted: {domain.DisputeArbitration},
}

// AdvanceDispute переводит спор в следующий нефинальный статус.
func (m *StateMachine) AdvanceDispute(ctx context.Context, tenantID, pspDisputeID string, next domain.DisputeStatus) (*domain.Dispute, error) {
	dispute, err := m.store.GetDispute(ctx, tenantID, m.psp.Name(), pspDisputeID)
	if err != nil {
		return nil, err
	}
	if dispute.Status.IsTerminal() {
		return nil, apperr.Invariantf("спор %s уже закрыт со статусом %s", dispute.ID, dispute.Status)
	}

	allowed := false
	for _, s := range disputeAdvances[dispute.Status] {
		if s == next {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, apperr.Invariantf("недопустимый переход спора %s: %s → %s", dispute.ID, dispute.Status, next)
	}

	dispute.Status = next
	err = m.store.Transaction(ctx, func(tx *gorm.DB) error {
		return m.store.UpdateDispute(ctx, tx, dispute)
	})
	if err != nil {
		return nil, err
	}
	return dispute, nil
}

// CloseDispute закрывает спор финальным исходом (WON/LOST/CLOSED/CANCELLED).
func (m *StateMachine) CloseDispute(ctx context.Context, tenantID, pspDisputeID string, outcome domain.DisputeStatus) (*domain.Dispute, error) {
	if !outcome.IsTerminal() {
		return nil, apperr.Validationf("исход спора должен быть финальным, получен %s", outcome)
	}

	dispute, err := m.store.GetDispute(ctx, tenantID, m.psp.Name(), pspDisputeID)
	if err != nil {
		return nil, err
	}
	if dispute.Status.IsTerminal() {
		if dispute.Status == outcome {
			return dispute, nil
		}
		return nil, apperr.Invariantf("спор %s уже закрыт со статусом %s", dispute.ID, dispute.Status)
	}

	dispute.Status = outcome
	err = m.store.Transaction(ctx, func(tx *gorm.DB) error {
		if err := m.store.UpdateDispute(ctx, tx, dispute); err != nil {
			return err
		}
		payment, err := m.store.GetByIDForUpdate(ctx, tx, tenantID, dispute.PaymentID)
		if err != nil {
			return err
		}
		return m.emit(ctx, tx, payment, "PAYMENT_CHARGEBACK_CLOSED", string(outcome), dispute.ID)
	})
	if err != nil {
		return nil, err
	}
	return dispute, nil
}

// ===== Асинхронные исходы (webhooks) =====

// CompleteAuthorization фиксирует исход авторизации, пришедший
// асинхронно: подтверждение 3DS либо поздний вердикт провайдера по
// платежу, зависшему в AUTHORIZING. Повторная доставка того же
// исхода — no-op.
func (m *StateMachine) CompleteAuthorization(ctx context.Context, tenantID, paymentID string, ok bool, pspRef, failureCode, failureReason string) (*domain.Payment, error) {
	var payment *domain.Payment
	err := m.store.Transaction(ctx, func(tx *gorm.DB) error {
		locked, err := m.store.GetByIDForUpdate(ctx, tx, tenantID, paymentID)
		if err != nil {
			return err
		}
		payment = locked

		if locked.Status != domain.PaymentStatusRequiresAction && locked.Status != domain.PaymentStatusAuthorizing {
			// Исход уже зафиксирован синхронным путём или recovery.
			return nil
		}

		attempt := &domain.PaymentAttempt{
			PaymentID: locked.ID,
			AttemptNo: locked.NextAttemptNo(),
		}

		if ok {
			attempt.Status = domain.OperationSucceeded
			attempt.PSPRef = pspRef
			if pspRef != "" {
				locked.PSPRef = pspRef
			}
			if err := locked.TransitionTo(domain.PaymentStatusAuthorized); err != nil {
				return err
			}
			if err := m.books.PostAuthorization(ctx, tx, locked.AmountMinor, locked.CurrencyCode, ledger.References{
				TenantID:  locked.TenantID,
				PaymentID: locked.ID,
			}); err != nil {
				return err
			}
			if err := m.emit(ctx, tx, locked, "PAYMENT_AUTHORIZED", "", locked.ID); err != nil {
				return err
			}
		} else {
			attempt.Status = domain.OperationFailed
			attempt.FailureCode = failureCode
			attempt.FailureReason = failureReason
			if err := locked.TransitionTo(domain.PaymentStatusFailed); err != nil {
				return err
			}
			if err := m.emit(ctx, tx, locked, "PAYMENT_FAILED", failureCode, locked.ID); err != nil {
				return err
			}
		}

		if err := m.store.AddAttempt(ctx, tx, attempt); err != nil {
			return err
		}
		return m.store.UpdateStatus(ctx, tx, locked)
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

// Settle переводит полностью списанный платёж в SETTLED по
// уведомлению провайдера о зачислении средств.
func (m *StateMachine) Settle(ctx context.Context, tenantID, paymentID string) (*domain.Payment, error) {
	var payment *domain.Payment
	err := m.store.Transaction(ctx, func(tx *gorm.DB) error {
		locked, err := m.store.GetByIDForUpdate(ctx, tx, tenantID, paymentID)
		if err != nil {
			return err
		}
		payment = locked

		if locked.Status == domain.PaymentStatusSettled {
			return nil
		}
		if err := locked.TransitionTo(domain.PaymentStatusSettled); err != nil {
			return err
		}
		if err := m.store.UpdateStatus(ctx, tx, locked); err != nil {
			return err
		}
		return m.emit(ctx, tx, locked, "PAYMENT_SETTLED", "", locked.ID)
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

// CompleteCapture фиксирует асинхронный исход списания: провайдер
// подтвердил или отклонил списание webhook'ом после того, как
// синхронный вызов ушёл в таймаут. Списание остаётся PENDING до
// вердикта; повторная доставка того же исхода — no-op.
func (m *StateMachine) CompleteCapture(ctx context.Context, tenantID, paymentID, captureID string, ok bool, pspCaptureRef string) (*domain.Capture, error) {
	var capture *domain.Capture
	err := m.store.Transaction(ctx, func(tx *gorm.DB) error {
		locked, err := m.store.GetByIDForUpdate(ctx, tx, tenantID, paymentID)
		if err != nil {
			return err
		}

		for i := range locked.Captures {
			if locked.Captures[i].ID == captureID {
				capture = &locked.Captures[i]
				break
			}
		}
		if capture == nil {
			return apperr.Invariantf("списание %s не найдено у платежа %s", captureID, locked.ID)
		}
		if capture.Status != domain.OperationPending {
			// Исход уже зафиксирован синхронным путём.
			return nil
		}

		if !ok {
			capture.Status = domain.OperationFailed
			return m.store.UpdateCapture(ctx, tx, capture)
		}

		capture.Status = domain.OperationSucceeded
		if pspCaptureRef != "" {
			capture.PSPCaptureRef = pspCaptureRef
		}
		if err := m.store.UpdateCapture(ctx, tx, capture); err != nil {
			return err
		}

		// CapturedTotal уже включает это списание: статус сменился выше.
		next := domain.PaymentStatusCapturing
		if locked.CapturedTotal() == locked.AmountMinor {
			next = domain.PaymentStatusCaptured
		}
		if locked.Status != next {
			if err := locked.TransitionTo(next); err != nil {
				return err
			}
			if err := m.store.UpdateStatus(ctx, tx, locked); err != nil {
				return err
			}
		}

		if err := m.books.PostCapture(ctx, tx, capture.AmountMinor, capture.CurrencyCode, ledger.References{
			TenantID:  locked.TenantID,
			PaymentID: locked.ID,
			CaptureID: capture.ID,
		}); err != nil {
			return err
		}
		return m.emit(ctx, tx, locked, "PAYMENT_CAPTURED", "", capture.ID)
	})
	if err != nil {
		return nil, err
	}
	return capture, nil
}

// ===== Восстановление =====

// RecoverStuck добивает платежи, зависшие в AUTHORIZING: процесс упал
// между вызовом провайдера и фиксацией исхода. Платёж переводится в
// FAILED с событием, сага запускает компенсацию. Возвращает число
// обработанных платежей.
func (m *StateMachine) RecoverStuck(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	log := logger.FromContext(ctx)

	stuck, err := m.store.FindStuck(ctx, time.Now().UTC().Add(-olderThan), limit)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, p := range stuck {
		err := m.store.Transaction(ctx, func(tx *gorm.DB) error {
			locked, err := m.store.GetByIDForUpdate(ctx, tx, p.TenantID, p.ID)
			if err != nil {
				return err
			}
			if locked.Status != domain.PaymentStatusAuthorizing {
				return nil
			}

			if err := m.store.AddAttempt(ctx, tx, &domain.PaymentAttempt{
				PaymentID:     locked.ID,
				AttemptNo:     locked.NextAttemptNo(),
				Status:        domain.OperationFailed,
				FailureCode:   "authorization_timeout",
				FailureReason: "исход авторизации не был зафиксирован",
			}); err != nil {
				return err
			}
			if err := locked.TransitionTo(domain.PaymentStatusFailed); err != nil {
				return err
			}
			if err := m.store.UpdateStatus(ctx, tx, locked); err != nil {
				return err
			}
			return m.emit(ctx, tx, locked, "PAYMENT_FAILED", "authorization_timeout", locked.ID)
		})
		if err != nil {
			log.Error().Err(err).Str("payment_id", p.ID).Msg("Не удалось восстановить зависший платёж")
			continue
		}
		recovered++
	}

	if recovered > 0 {
		log.Warn().Int("recovered", recovered).Msg("Зависшие платежи переведены в FAILED")
	}
	return recovered, nil
}

// RunRecovery периодически запускает RecoverStuck до отмены контекста.
func (m *StateMachine) RunRecovery(ctx context.Context, interval, olderThan time.Duration, limit int) {
	log := logger.FromContext(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.RecoverStuck(ctx, olderThan, limit); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Ошибка сканирования зависших платежей")
			}
		}
	}
}

// ===== Вспомогательные =====

// emit пишет доменное событие платежа в outbox внутри tx.
// opID различает события одного типа по одному платежу (id списания,
// возврата, спора), чтобы дневной idem_key не склеил их.
func (m *StateMachine) emit(ctx context.Context, tx *gorm.DB, p *domain.Payment, eventType, reason, opID string) error {
	event := sagaevent.Event{
		Envelope: sagaevent.Envelope{
			Type:     eventType,
			SagaID:   p.SagaID,
			TenantID: p.TenantID,
			UserID:   p.UserID,
			OrderID:  p.OrderID,
			Reason:   reason,
		},
		Timestamp: time.Now().UTC(),
		Data: map[string]any{
			"payment_id":     p.ID,
			"amount_minor":   p.AmountMinor,
			"currency_code":  p.CurrencyCode,
			"payment_status": string(p.Status),
		},
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("сериализация события %s: %w", eventType, err)
	}

	_, err = m.events.InsertTx(ctx, tx, outbox.InsertParams{
		TenantID:      p.TenantID,
		SagaID:        p.SagaID,
		AggregateType: "PAYMENT",
		AggregateID:   p.ID,
		EventType:     eventType,
		EventKey:      p.SagaID,
		Payload:       payload,
		IdemKey:       p.ID + ":" + eventType + ":" + opID,
	})
	return err
}

func isNotFound(err error) bool {
	return err != nil && apperr.Class(err) == "not_found"
}

func isConflict(err error) bool {
	return err != nil && apperr.Class(err) == "conflict"
}
