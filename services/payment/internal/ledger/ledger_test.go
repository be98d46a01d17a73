package ledger

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"example.com/order-platform/pkg/apperr"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: db}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	return gormDB, mock, db
}

func refs() References {
	return References{TenantID: "t1", PaymentID: "p1"}
}

func TestLedger_Post_Balanced(t *testing.T) {
	gormDB, mock, db := newMockDB(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "ledger_entries"`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	l := New()
	err := gormDB.Transaction(func(tx *gorm.DB) error {
		return l.Post(context.Background(), tx, "j1", "RUB", []Entry{
			{Account: AccountAR, DebitMinor: 10000},
			{Account: AccountPSPClearing, CreditMinor: 10000},
		}, refs())
	})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedger_Post_RejectsInvalid(t *testing.T) {
	gormDB, _, db := newMockDB(t)
	defer db.Close()

	l := New()

	tests := []struct {
		name    string
		entries []Entry
	}{
		{
			name: "несбалансированная проводка",
			entries: []Entry{
				{Account: AccountAR, DebitMinor: 10000},
				{Account: AccountPSPClearing, CreditMinor: 9999},
			},
		},
		{
			name: "одна строка",
			entries: []Entry{
				{Account: AccountAR, DebitMinor: 10000},
			},
		},
		{
			name: "три строки",
			entries: []Entry{
				{Account: AccountAR, DebitMinor: 10000},
				{Account: AccountPSPClearing, CreditMinor: 5000},
				{Account: AccountRevenue, CreditMinor: 5000},
			},
		},
		{
			name: "неизвестный счёт",
			entries: []Entry{
				{Account: "CASH", DebitMinor: 100},
				{Account: AccountPSPClearing, CreditMinor: 100},
			},
		},
		{
			name: "строка и дебет и кредит сразу",
			entries: []Entry{
				{Account: AccountAR, DebitMinor: 100, CreditMinor: 100},
				{Account: AccountPSPClearing, CreditMinor: 100},
			},
		},
		{
			name: "нулевая проводка",
			entries: []Entry{
				{Account: AccountAR},
				{Account: AccountPSPClearing},
			},
		},
		{
			name: "отрицательная сумма",
			entries: []Entry{
				{Account: AccountAR, DebitMinor: -100},
				{Account: AccountPSPClearing, CreditMinor: -100},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := l.Post(context.Background(), gormDB, "j1", "RUB", tt.entries, refs())
			require.True(t, errors.Is(err, apperr.ErrInvariant), "ожидали InvariantViolation, получили: %v", err)
		})
	}
}

func TestLedger_PostHelpers(t *testing.T) {
	tests := []struct {
		name string
		post func(l *Ledger, ctx context.Context, tx *gorm.DB) error
	}{
		{
			name: "авторизация AR↔PSP_CLEARING",
			post: func(l *Ledger, ctx context.Context, tx *gorm.DB) error {
				return l.PostAuthorization(ctx, tx, 10000, "RUB", refs())
			},
		},
		{
			name: "списание PSP_CLEARING↔REVENUE",
			post: func(l *Ledger, ctx context.Context, tx *gorm.DB) error {
				return l.PostCapture(ctx, tx, 7000, "RUB", refs())
			},
		},
		{
			name: "возврат REFUNDS_PAYABLE↔PSP_CLEARING",
			post: func(l *Ledger, ctx context.Context, tx *gorm.DB) error {
				return l.PostRefund(ctx, tx, 3000, "RUB", refs())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gormDB, mock, db := newMockDB(t)
			defer db.Close()

			mock.ExpectBegin()
			mock.ExpectExec(`INSERT INTO "ledger_entries"`).
				WillReturnResult(sqlmock.NewResult(0, 2))
			mock.ExpectCommit()

			l := New()
			err := gormDB.Transaction(func(tx *gorm.DB) error {
				return tt.post(l, context.Background(), tx)
			})

			require.NoError(t, err)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}
