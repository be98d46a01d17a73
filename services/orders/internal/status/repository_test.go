package status

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
	"example.com/order-platform/pkg/sagaevent"
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

func statusColumns() []string {
	return []string{"saga_id", "tenant_id", "user_id", "type", "state", "reason", "created_at", "updated_at"}
}

func TestStore_FindByID(t *testing.T) {
	gormDB, mock, db := newMockDB(t)
	defer db.Close()

	store := NewStore(gormDB)

	mock.ExpectQuery(`SELECT \* FROM "saga_status" WHERE saga_id =`).
		WithArgs("saga-1", 1).
		WillReturnRows(sqlmock.NewRows(statusColumns()).
			AddRow("saga-1", "tenant-1", "user-1", "ORDER_CREATE", "PAID", "", nil, nil))

	st, err := store.FindByID(context.Background(), "saga-1")

	require.NoError(t, err)
	assert.Equal(t, "saga-1", st.SagaID)
	assert.Equal(t, sagaevent.StatePaid, st.State)
}

func TestStore_FindByID_NotFound(t *testing.T) {
	gormDB, mock, db := newMockDB(t)
	defer db.Close()

	store := NewStore(gormDB)

	mock.ExpectQuery(`SELECT \* FROM "saga_status"`).
		WillReturnRows(sqlmock.NewRows(statusColumns()))

	_, err := store.FindByID(context.Background(), "missing")

	require.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestStore_Upsert(t *testing.T) {
	gormDB, mock, db := newMockDB(t)
	defer db.Close()

	store := NewStore(gormDB)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "saga_status" (?s:.*)ON CONFLICT (?s:.*)DO UPDATE SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.Upsert(context.Background(), &SagaStatus{
		SagaID:   "saga-1",
		TenantID: "tenant-1",
		UserID:   "user-1",
		Type:     "ORDER_CREATE",
		State:    sagaevent.StateStarted,
	})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UpdateStateAndReason_NotFound(t *testing.T) {
	gormDB, mock, db := newMockDB(t)
	defer db.Close()

	store := NewStore(gormDB)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "saga_status" SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := store.UpdateStateAndReason(context.Background(), "missing", sagaevent.StateFailed, "x")

	require.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestStore_RecentByTenant_DefaultLimit(t *testing.T) {
	gormDB, mock, db := newMockDB(t)
	defer db.Close()

	store := NewStore(gormDB)

	mock.ExpectQuery(`SELECT \* FROM "saga_status" WHERE tenant_id = (?s:.*)ORDER BY updated_at DESC(?s:.*)LIMIT`).
		WithArgs("tenant-1", defaultRecentLimit).
		WillReturnRows(sqlmock.NewRows(statusColumns()).
			AddRow("saga-1", "tenant-1", "user-1", "ORDER_CREATE", "COMPLETED", "", nil, nil).
			AddRow("saga-2", "tenant-1", "user-1", "ORDER_CREATE", "STARTED", "", nil, nil))

	list, err := store.RecentByTenant(context.Background(), "tenant-1", 0)

	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, sagaevent.StateCompleted, list[0].State)
}

func TestStore_Exists(t *testing.T) {
	gormDB, mock, db := newMockDB(t)
	defer db.Close()

	store := NewStore(gormDB)

	mock.ExpectQuery(`SELECT count\(\*\) FROM "saga_status"`).
		WithArgs("saga-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	ok, err := store.Exists(context.Background(), "saga-1")

	require.NoError(t, err)
	assert.True(t, ok)
}
