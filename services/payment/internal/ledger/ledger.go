// Package ledger ведёт двойную бухгалтерскую запись платёжных операций.
// Каждая проводка (journal) состоит ровно из двух строк: дебет и кредит
// на одинаковую сумму в одной валюте. Строки неизменяемы; исправление
// делается новой компенсирующей проводкой.
package ledger

import (
	"context"
	"time"

	"gorm.io/gorm"

	"example.com/order-platform/pkg/apperr"
	"example.com/order-platform/pkg/ids"
)

// Account — счёт из фиксированного плана счетов.
type Account string

const (
	// AccountAR — дебиторская задолженность покупателей.
	AccountAR Account = "AR"

	// AccountPSPClearing — транзитный счёт расчётов с провайдером.
	AccountPSPClearing Account = "PSP_CLEARING"

	// AccountRevenue — выручка.
	AccountRevenue Account = "REVENUE"

	// AccountRefundsPayable — обязательства по возвратам.
	AccountRefundsPayable Account = "REFUNDS_PAYABLE"
)

// validAccounts — план счетов.
var validAccounts = map[Account]struct{}{
	AccountAR:             {},
	AccountPSPClearing:    {},
	AccountRevenue:        {},
	AccountRefundsPayable: {},
}

// Entry — одна строка проводки.
type Entry struct {
	Account     Account
	DebitMinor  int64
	CreditMinor int64
}

// References связывает проводку с платёжными сущностями.
type References struct {
	TenantID  string
	PaymentID string
	CaptureID string
	RefundID  string
}

// EntryModel — GORM модель таблицы ledger_entries.
type EntryModel struct {
	ID           string    `gorm:"column:id;type:varchar(36);primaryKey"`
	TenantID     string    `gorm:"column:tenant_id;type:varchar(64);not null;index"`
	JournalID    string    `gorm:"column:journal_id;type:varchar(36);not null;index"`
	AccountCode  string    `gorm:"column:account_code;type:varchar(30);not null"`
	CurrencyCode string    `gorm:"column:currency_code;type:varchar(3);not null"`
	DebitMinor   int64     `gorm:"column:debit_minor;not null"`
	CreditMinor  int64     `gorm:"column:credit_minor;not null"`
	PaymentID    string    `gorm:"column:payment_id;type:varchar(36);index"`
	CaptureID    string    `gorm:"column:capture_id;type:varchar(36)"`
	RefundID     string    `gorm:"column:refund_id;type:varchar(36)"`
	BookingDate  time.Time `gorm:"column:booking_date;type:date"`
	CreatedAt    time.Time `gorm:"column:created_at;type:timestamptz"`
}

// TableName возвращает имя таблицы в БД.
func (EntryModel) TableName() string {
	return "ledger_entries"
}

// Ledger записывает проводки в ledger_entries.
type Ledger struct{}

// New создаёт Ledger.
func New() *Ledger {
	return &Ledger{}
}

// Post записывает проводку из ровно двух сбалансированных строк.
// Несбалансированная проводка отклоняется с InvariantViolation:
// такая запись означает баг, а не ошибочный ввод.
func (l *Ledger) Post(ctx context.Context, tx *gorm.DB, journalID, currency string, entries []Entry, refs References) error {
	if len(entries) != 2 {
		return apperr.Invariantf("проводка %s: нужно ровно 2 строки, получено %d", journalID, len(entries))
	}

	var debit, credit int64
	for _, e := range entries {
		if _, ok := validAccounts[e.Account]; !ok {
			return apperr.Invariantf("проводка %s: неизвестный счёт %q", journalID, e.Account)
		}
		if e.DebitMinor < 0 || e.CreditMinor < 0 {
			return apperr.Invariantf("проводка %s: отрицательная сумма", journalID)
		}
		if (e.DebitMinor > 0) == (e.CreditMinor > 0) {
			return apperr.Invariantf("проводка %s: строка должна быть либо дебетом, либо кредитом", journalID)
		}
		debit += e.DebitMinor
		credit += e.CreditMinor
	}
	if debit != credit || debit == 0 {
		return apperr.Invariantf("проводка %s не сбалансирована: дебет %d, кредит %d", journalID, debit, credit)
	}

	now := time.Now().UTC()
	models := make([]EntryModel, len(entries))
	for i, e := range entries {
		models[i] = EntryModel{
			ID:           ids.New(),
			TenantID:     refs.TenantID,
			JournalID:    journalID,
			AccountCode:  string(e.Account),
			CurrencyCode: currency,
			DebitMinor:   e.DebitMinor,
			CreditMinor:  e.CreditMinor,
			PaymentID:    refs.PaymentID,
			CaptureID:    refs.CaptureID,
			RefundID:     refs.RefundID,
			BookingDate:  now.Truncate(24 * time.Hour),
			CreatedAt:    now,
		}
	}

	if err := tx.WithContext(ctx).Create(&models).Error; err != nil {
		return apperr.Transient("ledger post", err)
	}
	return nil
}

// PostAuthorization проводит авторизацию: AR (дебет) ↔ PSP_CLEARING (кредит).
func (l *Ledger) PostAuthorization(ctx context.Context, tx *gorm.DB, amountMinor int64, currency string, refs References) error {
	return l.Post(ctx, tx, ids.New(), currency, []Entry{
		{Account: AccountAR, DebitMinor: amountMinor},
		{Account: AccountPSPClearing, CreditMinor: amountMinor},
	}, refs)
}

// PostCapture проводит списание: PSP_CLEARING (дебет) ↔ REVENUE (кредит).
func (l *Ledger) PostCapture(ctx context.Context, tx *gorm.DB, amountMinor int64, currency string, refs References) error {
	return l.Post(ctx, tx, ids.New(), currency, []Entry{
		{Account: AccountPSPClearing, DebitMinor: amountMinor},
		{Account: AccountRevenue, CreditMinor: amountMinor},
	}, refs)
}

// PostRefund проводит возврат: REFUNDS_PAYABLE (дебет) ↔ PSP_CLEARING (кредит).
func (l *Ledger) PostRefund(ctx context.Context, tx *gorm.DB, amountMinor int64, currency string, refs References) error {
	return l.Post(ctx, tx, ids.New(), currency, []Entry{
		{Account: AccountRefundsPayable, DebitMinor: amountMinor},
		{Account: AccountPSPClearing, CreditMinor: amountMinor},
	}, refs)
}
