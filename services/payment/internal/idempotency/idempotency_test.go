package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
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

func newTestRedis(t *testing.T) redis.UniversalClient {
	t.Helper()

	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func requestColumns() []string {
	return []string{"key_hash", "tenant_id", "request_fingerprint", "response_bytes", "status_code", "created_at", "updated_at"}
}

type testRequest struct {
	SagaID string `json:"saga_id"`
	Amount int64  `json:"amount"`
}

func TestKeyHash_TenantScoped(t *testing.T) {
	assert.NotEqual(t, KeyHash("t1", "key"), KeyHash("t2", "key"))
	assert.Equal(t, KeyHash("t1", "key"), KeyHash("t1", "key"))
	assert.Len(t, KeyHash("t1", "key"), 64)
}

func TestFingerprint_CanonicalOrder(t *testing.T) {
	a, err := Fingerprint(map[string]any{"b": 1, "a": "x"})
	require.NoError(t, err)
	b, err := Fingerprint(map[string]any{"a": "x", "b": 1})
	require.NoError(t, err)

	assert.Equal(t, a, b)

	c, err := Fingerprint(map[string]any{"a": "x", "b": 2})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestGuard_Execute_FirstRequest(t *testing.T) {
	gormDB, mock, db := newMockDB(t)
	defer db.Close()

	// Вставка ключа прошла, действие выполняется, ответ сохраняется.
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "idempotency_request"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "idempotency_request" SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	g := New(gormDB, newTestRedis(t))

	called := 0
	response, statusCode, err := g.Execute(context.Background(), "t1", "key-1",
		testRequest{SagaID: "s1", Amount: 100},
		func(ctx context.Context) ([]byte, int, error) {
			called++
			return []byte(`{"payment_id":"p1"}`), 201, nil
		})

	require.NoError(t, err)
	assert.Equal(t, 1, called)
	assert.Equal(t, 201, statusCode)
	assert.JSONEq(t, `{"payment_id":"p1"}`, string(response))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGuard_Execute_ReplaysStoredResponse(t *testing.T) {
	gormDB, mock, db := newMockDB(t)
	defer db.Close()

	req := testRequest{SagaID: "s1", Amount: 100}
	fp, err := Fingerprint(req)
	require.NoError(t, err)
	keyHash := KeyHash("t1", "key-1")

	// Вставка не прошла (ключ уже существует), читаем сохранённый ответ.
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "idempotency_request"`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectQuery(`SELECT (?s:.*)FROM "idempotency_request"`).
		WillReturnRows(sqlmock.NewRows(requestColumns()).
			AddRow(keyHash, "t1", fp, []byte(`{"payment_id":"p1"}`), 201, nil, nil))

	g := New(gormDB, nil)

	response, statusCode, err := g.Execute(context.Background(), "t1", "key-1", req,
		func(ctx context.Context) ([]byte, int, error) {
			t.Fatal("действие не должно выполняться повторно")
			return nil, 0, nil
		})

	require.NoError(t, err)
	assert.Equal(t, 201, statusCode)
	assert.JSONEq(t, `{"payment_id":"p1"}`, string(response))
}

func TestGuard_Execute_FingerprintMismatch(t *testing.T) {
	gormDB, mock, db := newMockDB(t)
	defer db.Close()

	keyHash := KeyHash("t1", "key-1")

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "idempotency_request"`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectQuery(`SELECT (?s:.*)FROM "idempotency_request"`).
		WillReturnRows(sqlmock.NewRows(requestColumns()).
			AddRow(keyHash, "t1", "другой-отпечаток", []byte(`{}`), 201, nil, nil))

	g := New(gormDB, nil)

	_, _, err := g.Execute(context.Background(), "t1", "key-1",
		testRequest{SagaID: "s1", Amount: 999},
		func(ctx context.Context) ([]byte, int, error) { return nil, 0, nil })

	require.True(t, errors.Is(err, apperr.ErrConflict))
}

func TestGuard_Execute_InProgress(t *testing.T) {
	gormDB, mock, db := newMockDB(t)
	defer db.Close()

	req := testRequest{SagaID: "s1", Amount: 100}
	fp, err := Fingerprint(req)
	require.NoError(t, err)
	keyHash := KeyHash("t1", "key-1")

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "idempotency_request"`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectQuery(`SELECT (?s:.*)FROM "idempotency_request"`).
		WillReturnRows(sqlmock.NewRows(requestColumns()).
			AddRow(keyHash, "t1", fp, nil, 0, nil, nil))

	g := New(gormDB, nil)

	_, _, execErr := g.Execute(context.Background(), "t1", "key-1", req,
		func(ctx context.Context) ([]byte, int, error) { return nil, 0, nil })

	require.True(t, errors.Is(execErr, apperr.ErrInProgress))
}

func TestGuard_Execute_ActionFailureKeepsPlaceholder(t *testing.T) {
	gormDB, mock, db := newMockDB(t)
	defer db.Close()

	req := testRequest{SagaID: "s1", Amount: 100}
	fp, err := Fingerprint(req)
	require.NoError(t, err)
	keyHash := KeyHash("t1", "key-1")

	// Только вставка ключа: упавшее действие не освобождает запись,
	// исход мог состояться на стороне провайдера.
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "idempotency_request"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rdb := newTestRedis(t)
	g := New(gormDB, rdb)

	actionErr := errors.New("провайдер недоступен")
	_, _, execErr := g.Execute(context.Background(), "t1", "key-1", req,
		func(ctx context.Context) ([]byte, int, error) { return nil, 0, actionErr })

	require.ErrorIs(t, execErr, actionErr)
	assert.NoError(t, mock.ExpectationsWereMet())

	exists, err := rdb.Exists(context.Background(), "idem:"+keyHash).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists)

	// Повтор того же ключа видит незавершённый запрос, действие не
	// выполняется второй раз.
	mock.ExpectQuery(`SELECT (?s:.*)FROM "idempotency_request"`).
		WillReturnRows(sqlmock.NewRows(requestColumns()).
			AddRow(keyHash, "t1", fp, nil, 0, nil, nil))

	_, _, retryErr := g.Execute(context.Background(), "t1", "key-1", req,
		func(ctx context.Context) ([]byte, int, error) {
			t.Fatal("действие не должно выполняться повторно")
			return nil, 0, nil
		})

	require.True(t, errors.Is(retryErr, apperr.ErrInProgress))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGuard_Execute_RedisMarkShortCircuits(t *testing.T) {
	gormDB, mock, db := newMockDB(t)
	defer db.Close()

	req := testRequest{SagaID: "s1", Amount: 100}
	fp, err := Fingerprint(req)
	require.NoError(t, err)
	keyHash := KeyHash("t1", "key-1")

	rdb := newTestRedis(t)
	require.NoError(t, rdb.Set(context.Background(), "idem:"+keyHash, fp, 0).Err())

	// Метка в Redis уже стоит: вставки нет, сразу чтение ответа.
	mock.ExpectQuery(`SELECT (?s:.*)FROM "idempotency_request"`).
		WillReturnRows(sqlmock.NewRows(requestColumns()).
			AddRow(keyHash, "t1", fp, []byte(`{"payment_id":"p1"}`), 201, nil, nil))

	g := New(gormDB, rdb)

	response, statusCode, execErr := g.Execute(context.Background(), "t1", "key-1", req,
		func(ctx context.Context) ([]byte, int, error) {
			t.Fatal("действие не должно выполняться повторно")
			return nil, 0, nil
		})

	require.NoError(t, execErr)
	assert.Equal(t, 201, statusCode)
	assert.JSONEq(t, `{"payment_id":"p1"}`, string(response))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGuard_Execute_RedisMarkWithoutRowFallsThrough(t *testing.T) {
	gormDB, mock, db := newMockDB(t)
	defer db.Close()

	req := testRequest{SagaID: "s1", Amount: 100}
	keyHash := KeyHash("t1", "key-1")

	rdb := newTestRedis(t)
	require.NoError(t, rdb.Set(context.Background(), "idem:"+keyHash, "x", 0).Err())

	// Метка есть, записи нет: прошлый запрос упал до вставки.
	mock.ExpectQuery(`SELECT (?s:.*)FROM "idempotency_request"`).
		WillReturnError(gorm.ErrRecordNotFound)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "idempotency_request"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "idempotency_request" SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	g := New(gormDB, rdb)

	called := 0
	_, statusCode, execErr := g.Execute(context.Background(), "t1", "key-1", req,
		func(ctx context.Context) ([]byte, int, error) {
			called++
			return []byte(`{}`), 200, nil
		})

	require.NoError(t, execErr)
	assert.Equal(t, 1, called)
	assert.Equal(t, 200, statusCode)
}
