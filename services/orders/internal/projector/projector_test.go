package projector

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/order-platform/pkg/kafka"
	"example.com/order-platform/pkg/sagaevent"
	"example.com/order-platform/services/orders/internal/status"
)

// ===== Моки =====

type MockStatusStore struct {
	mock.Mock
}

func (m *MockStatusStore) Upsert(ctx context.Context, s *status.SagaStatus) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

type MockLiveBus struct {
	mock.Mock
}

func (m *MockLiveBus) Publish(st *status.SagaStatus) {
	m.Called(st)
}

func (m *MockLiveBus) Complete(sagaID string) {
	m.Called(sagaID)
}

// ===== Тесты =====

func TestProjector_Handle_ProjectsEvent(t *testing.T) {
	store := new(MockStatusStore)
	bus := new(MockLiveBus)
	p := New(store, bus)

	store.On("Upsert", mock.Anything, mock.MatchedBy(func(s *status.SagaStatus) bool {
		return s.SagaID == "saga-1" &&
			s.TenantID == "tenant-1" &&
			s.State == sagaevent.StatePaid
	})).Return(nil)
	bus.On("Publish", mock.Anything).Return()

	msg := &kafka.Message{
		Value: []byte(`{"type":"PAYMENT_CAPTURED","saga_id":"saga-1","tenant_id":"tenant-1","user_id":"user-1"}`),
	}

	require.NoError(t, p.Handle(context.Background(), msg))
	store.AssertExpectations(t)
	bus.AssertExpectations(t)
}

func TestProjector_Handle_TerminalStateCompletesStream(t *testing.T) {
	store := new(MockStatusStore)
	bus := new(MockLiveBus)
	p := New(store, bus)

	store.On("Upsert", mock.Anything, mock.Anything).Return(nil)
	bus.On("Publish", mock.Anything).Return()
	bus.On("Complete", "saga-1").Return()

	msg := &kafka.Message{
		Value: []byte(`{"type":"ORDER_COMPLETED","saga_id":"saga-1","tenant_id":"tenant-1"}`),
	}

	require.NoError(t, p.Handle(context.Background(), msg))
	bus.AssertCalled(t, "Complete", "saga-1")
}

func TestProjector_Handle_TombstoneAcked(t *testing.T) {
	store := new(MockStatusStore)
	bus := new(MockLiveBus)
	p := New(store, bus)

	require.NoError(t, p.Handle(context.Background(), &kafka.Message{Value: nil}))

	store.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything)
	bus.AssertNotCalled(t, "Publish", mock.Anything)
}

func TestProjector_Handle_MalformedAcked(t *testing.T) {
	store := new(MockStatusStore)
	bus := new(MockLiveBus)
	p := New(store, bus)

	// Мусорный payload подтверждается, чтобы не застопорить партицию.
	require.NoError(t, p.Handle(context.Background(), &kafka.Message{Value: []byte("не json")}))

	store.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything)
}

func TestProjector_Handle_UpsertFailureStillAcked(t *testing.T) {
	store := new(MockStatusStore)
	bus := new(MockLiveBus)
	p := New(store, bus)

	store.On("Upsert", mock.Anything, mock.Anything).Return(errors.New("БД недоступна"))

	msg := &kafka.Message{
		Value: []byte(`{"type":"ORDER_CREATE","saga_id":"saga-1"}`),
	}

	require.NoError(t, p.Handle(context.Background(), msg))
	bus.AssertNotCalled(t, "Publish", mock.Anything)
}

func TestProjector_Handle_HeadersFallback(t *testing.T) {
	store := new(MockStatusStore)
	bus := new(MockLiveBus)
	p := New(store, bus)

	store.On("Upsert", mock.Anything, mock.MatchedBy(func(s *status.SagaStatus) bool {
		return s.SagaID == "saga-h" && s.State == sagaevent.StateReserved
	})).Return(nil)
	bus.On("Publish", mock.Anything).Return()

	// Тело без идентификаторов: всё приходит из headers, включая X-написание.
	msg := &kafka.Message{
		Value: []byte(`{"note":"ничего полезного"}`),
		Headers: map[string]string{
			"X-Event-Type": "INVENTORY_RESERVED",
			"saga-id":      "saga-h",
			"tenant-id":    "tenant-1",
		},
	}

	require.NoError(t, p.Handle(context.Background(), msg))
	store.AssertExpectations(t)
}

func TestProjector_Handle_UnknownTenantDefaults(t *testing.T) {
	store := new(MockStatusStore)
	bus := new(MockLiveBus)
	p := New(store, bus)

	store.On("Upsert", mock.Anything, mock.MatchedBy(func(s *status.SagaStatus) bool {
		return s.TenantID == "unknown" && s.UserID == "unknown"
	})).Return(nil)
	bus.On("Publish", mock.Anything).Return()

	msg := &kafka.Message{
		Value: []byte(`{"type":"ORDER_CREATE","saga_id":"saga-1"}`),
	}

	require.NoError(t, p.Handle(context.Background(), msg))
	store.AssertExpectations(t)
}
