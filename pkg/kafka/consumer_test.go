package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func retryTestMessage() *Message {
	return &Message{
		Topic:     "saga.events",
		Partition: 0,
		Offset:    42,
		Key:       []byte("saga-1"),
		Value:     []byte(`{"type":"CAPTURE_PAYMENT"}`),
	}
}

func TestWithRetry_TransientFailureThenSuccess(t *testing.T) {
	calls := 0
	h := withRetry(func(ctx context.Context, msg *Message) error {
		calls++
		if calls < 3 {
			return errors.New("БД недоступна")
		}
		return nil
	}, 5)

	require.NoError(t, h(context.Background(), retryTestMessage()))
	assert.Equal(t, 3, calls)
}

func TestWithRetry_ExhaustedReturnsLastError(t *testing.T) {
	lastErr := errors.New("провайдер недоступен")
	calls := 0
	h := withRetry(func(ctx context.Context, msg *Message) error {
		calls++
		return lastErr
	}, 2)

	err := h(context.Background(), retryTestMessage())

	require.ErrorIs(t, err, lastErr)
	// maxRetries повторов сверх первой попытки.
	assert.Equal(t, 3, calls)
}

func TestWithRetry_SuccessFirstTry(t *testing.T) {
	calls := 0
	h := withRetry(func(ctx context.Context, msg *Message) error {
		calls++
		return nil
	}, 5)

	require.NoError(t, h(context.Background(), retryTestMessage()))
	assert.Equal(t, 1, calls)
}

func TestWithRetry_ContextCancelStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	h := withRetry(func(ctx context.Context, msg *Message) error {
		calls++
		cancel()
		return errors.New("БД недоступна")
	}, 5)

	err := h(ctx, retryTestMessage())

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
