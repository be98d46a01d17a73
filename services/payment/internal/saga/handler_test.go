package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/order-platform/pkg/apperr"
	"example.com/order-platform/pkg/kafka"

	"example.com/order-platform/services/payment/internal/domain"
	"example.com/order-platform/services/payment/internal/service"
)

// ===== Моки =====

type MockMachine struct {
	mock.Mock
}

func (m *MockMachine) Authorize(ctx context.Context, req service.AuthorizeRequest) (*domain.Payment, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Payment), args.Error(1)
}

func (m *MockMachine) Capture(ctx context.Context, req service.CaptureRequest) (*domain.Capture, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Capture), args.Error(1)
}

func (m *MockMachine) Refund(ctx context.Context, req service.RefundRequest) (*domain.Refund, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Refund), args.Error(1)
}

type MockFinder struct {
	mock.Mock
}

func (m *MockFinder) GetBySaga(ctx context.Context, tenantID, sagaID string) (*domain.Payment, error) {
	args := m.Called(ctx, tenantID, sagaID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Payment), args.Error(1)
}

// passthroughGuard выполняет action без дедупликации, но запоминает ключи.
type passthroughGuard struct {
	keys []string
}

func (g *passthroughGuard) Execute(ctx context.Context, tenantID, key string, request any, action func(ctx context.Context) ([]byte, int, error)) ([]byte, int, error) {
	g.keys = append(g.keys, key)
	return action(ctx)
}

// conflictGuard отвечает конфликтом на любой ключ.
type conflictGuard struct{}

func (conflictGuard) Execute(ctx context.Context, tenantID, key string, request any, action func(ctx context.Context) ([]byte, int, error)) ([]byte, int, error) {
	return nil, 0, fmt.Errorf("%w: ключ занят", apperr.ErrConflict)
}

// ===== Хелперы =====

func commandMessage(cmdType, sagaID string, extra map[string]any) *kafka.Message {
	payload := map[string]any{
		"type":      cmdType,
		"saga_id":   sagaID,
		"tenant_id": "t1",
		"user_id":   "user-1",
	}
	for k, v := range extra {
		payload[k] = v
	}
	raw, _ := json.Marshal(payload)
	return &kafka.Message{
		Topic:   "saga.events",
		Value:   raw,
		Headers: map[string]string{},
	}
}

func sagaPayment() *domain.Payment {
	return &domain.Payment{
		ID:           "pay-1",
		TenantID:     "t1",
		SagaID:       "saga-1",
		OrderID:      "order-1",
		AmountMinor:  10000,
		CurrencyCode: "RUB",
		Status:       domain.PaymentStatusAuthorized,
		PSPRef:       "sim_auth_1",
		Captures: []domain.Capture{
			{ID: "cap-1", AmountMinor: 4000, Status: domain.OperationSucceeded, PSPCaptureRef: "sim_cap_1"},
		},
	}
}

// ===== Тесты =====

func TestHandle_OrderCreateAuthorizes(t *testing.T) {
	machine := new(MockMachine)
	h := NewHandler(machine, new(MockFinder), nil)

	machine.On("Authorize", mock.Anything, mock.MatchedBy(func(req service.AuthorizeRequest) bool {
		return req.TenantID == "t1" &&
			req.SagaID == "saga-1" &&
			req.OrderID == "order-7" &&
			req.AmountMinor == 10000 &&
			req.CurrencyCode == "RUB"
	})).Return(&domain.Payment{ID: "pay-1", Status: domain.PaymentStatusAuthorized}, nil)

	msg := commandMessage("ORDER_CREATE", "saga-1", map[string]any{
		"order_id":      "order-7",
		"total_minor":   10000,
		"currency_code": "RUB",
	})

	require.NoError(t, h.Handle(context.Background(), msg))
	machine.AssertExpectations(t)
}

func TestHandle_ProcessPaymentUsesAmountMinor(t *testing.T) {
	machine := new(MockMachine)
	h := NewHandler(machine, new(MockFinder), nil)

	machine.On("Authorize", mock.Anything, mock.MatchedBy(func(req service.AuthorizeRequest) bool {
		return req.AmountMinor == 5500 && req.OrderID == "saga-1"
	})).Return(&domain.Payment{ID: "pay-1"}, nil)

	msg := commandMessage("PROCESS_PAYMENT", "saga-1", map[string]any{
		"amount_minor":  5500,
		"currency_code": "RUB",
	})

	require.NoError(t, h.Handle(context.Background(), msg))
	machine.AssertExpectations(t)
}

func TestHandle_CaptureDefaultsToRemaining(t *testing.T) {
	machine := new(MockMachine)
	finder := new(MockFinder)
	h := NewHandler(machine, finder, nil)

	finder.On("GetBySaga", mock.Anything, "t1", "saga-1").Return(sagaPayment(), nil)
	// Остаток после списания 4000 из 10000.
	machine.On("Capture", mock.Anything, service.CaptureRequest{
		TenantID: "t1", PaymentID: "pay-1", AmountMinor: 6000, CurrencyCode: "RUB",
	}).Return(&domain.Capture{ID: "cap-2", Status: domain.OperationSucceeded}, nil)

	msg := commandMessage("CAPTURE_PAYMENT", "saga-1", nil)

	require.NoError(t, h.Handle(context.Background(), msg))
	machine.AssertExpectations(t)
}

func TestHandle_RefundPassesReason(t *testing.T) {
	machine := new(MockMachine)
	finder := new(MockFinder)
	h := NewHandler(machine, finder, nil)

	finder.On("GetBySaga", mock.Anything, "t1", "saga-1").Return(sagaPayment(), nil)
	machine.On("Refund", mock.Anything, service.RefundRequest{
		TenantID: "t1", PaymentID: "pay-1", AmountMinor: 3000, Reason: "отмена заказа",
	}).Return(&domain.Refund{ID: "ref-1", Status: domain.OperationSucceeded}, nil)

	msg := commandMessage("REFUND_PAYMENT", "saga-1", map[string]any{
		"amount_minor": 3000,
		"reason":       "отмена заказа",
	})

	require.NoError(t, h.Handle(context.Background(), msg))
	machine.AssertExpectations(t)
}

func TestHandle_TransientErrorRequeues(t *testing.T) {
	machine := new(MockMachine)
	h := NewHandler(machine, new(MockFinder), nil)

	machine.On("Authorize", mock.Anything, mock.Anything).
		Return(nil, apperr.Transient("db", errors.New("connection refused")))

	msg := commandMessage("ORDER_CREATE", "saga-1", map[string]any{"total_minor": 100})

	err := h.Handle(context.Background(), msg)
	require.Error(t, err)
}

func TestHandle_InvariantErrorAcked(t *testing.T) {
	machine := new(MockMachine)
	finder := new(MockFinder)
	h := NewHandler(machine, finder, nil)

	finder.On("GetBySaga", mock.Anything, "t1", "saga-1").Return(sagaPayment(), nil)
	machine.On("Capture", mock.Anything, mock.Anything).
		Return(nil, apperr.Invariantf("превышен остаток"))

	msg := commandMessage("CAPTURE_PAYMENT", "saga-1", map[string]any{"amount_minor": 999999})

	// Повтор не исправит нарушение инварианта: сообщение подтверждается.
	require.NoError(t, h.Handle(context.Background(), msg))
}

func TestHandle_ForeignEventIgnored(t *testing.T) {
	machine := new(MockMachine)
	h := NewHandler(machine, new(MockFinder), nil)

	msg := commandMessage("ORDER_COMPLETED", "saga-1", nil)

	require.NoError(t, h.Handle(context.Background(), msg))
	machine.AssertNotCalled(t, "Authorize", mock.Anything, mock.Anything)
}

func TestHandle_TombstoneAcked(t *testing.T) {
	h := NewHandler(new(MockMachine), new(MockFinder), nil)

	require.NoError(t, h.Handle(context.Background(), &kafka.Message{Topic: "saga.events"}))
}

func TestHandle_DedupKeyFromHeader(t *testing.T) {
	machine := new(MockMachine)
	finder := new(MockFinder)
	guard := &passthroughGuard{}
	h := NewHandler(machine, finder, guard)

	finder.On("GetBySaga", mock.Anything, "t1", "saga-1").Return(sagaPayment(), nil)
	machine.On("Refund", mock.Anything, mock.Anything).
		Return(&domain.Refund{ID: "ref-1"}, nil)

	msg := commandMessage("REFUND_PAYMENT", "saga-1", map[string]any{"amount_minor": 1000})
	msg.Headers["idempotency-key"] = "client-key-1"

	require.NoError(t, h.Handle(context.Background(), msg))
	require.Len(t, guard.keys, 1)
	assert.Equal(t, "client-key-1", guard.keys[0])
}

func TestHandle_DedupKeyFromOffset(t *testing.T) {
	machine := new(MockMachine)
	finder := new(MockFinder)
	guard := &passthroughGuard{}
	h := NewHandler(machine, finder, guard)

	finder.On("GetBySaga", mock.Anything, "t1", "saga-1").Return(sagaPayment(), nil)
	machine.On("Capture", mock.Anything, mock.Anything).
		Return(&domain.Capture{ID: "cap-2"}, nil)

	msg := commandMessage("CAPTURE_PAYMENT", "saga-1", map[string]any{"amount_minor": 1000})
	msg.Partition = 3
	msg.Offset = 42

	require.NoError(t, h.Handle(context.Background(), msg))
	require.Len(t, guard.keys, 1)
	assert.Equal(t, "CAPTURE_PAYMENT:saga.events:3:42", guard.keys[0])
}

func TestHandle_DuplicateCommandAcked(t *testing.T) {
	machine := new(MockMachine)
	h := NewHandler(machine, new(MockFinder), conflictGuard{})

	msg := commandMessage("REFUND_PAYMENT", "saga-1", map[string]any{"amount_minor": 1000})

	require.NoError(t, h.Handle(context.Background(), msg))
	machine.AssertNotCalled(t, "Refund", mock.Anything, mock.Anything)
}
