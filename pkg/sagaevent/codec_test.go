package sagaevent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_TopLevelFields(t *testing.T) {
	payload := []byte(`{
		"type": "PAYMENT_AUTHORIZED",
		"sagaId": "saga-1",
		"tenantId": "tenant-1",
		"userId": "user-1",
		"orderId": "order-1",
		"reason": ""
	}`)

	env, err := Decode(payload, nil)

	require.NoError(t, err)
	assert.Equal(t, "PAYMENT_AUTHORIZED", env.Type)
	assert.Equal(t, "saga-1", env.SagaID)
	assert.Equal(t, "tenant-1", env.TenantID)
	assert.Equal(t, "user-1", env.UserID)
	assert.Equal(t, "order-1", env.OrderID)
	assert.Equal(t, StatePaid, env.State())
}

func TestDecode_SnakeCaseFields(t *testing.T) {
	payload := []byte(`{"type":"ORDER_COMPLETED","saga_id":"saga-2","tenant_id":"t2"}`)

	env, err := Decode(payload, nil)

	require.NoError(t, err)
	assert.Equal(t, "saga-2", env.SagaID)
	assert.Equal(t, "t2", env.TenantID)
	assert.Equal(t, StateCompleted, env.State())
}

func TestDecode_NestedPayloadFallback(t *testing.T) {
	payload := []byte(`{
		"type": "INVENTORY_RESERVED",
		"payload": {"sagaId": "saga-3", "tenantId": "t3"}
	}`)

	env, err := Decode(payload, nil)

	require.NoError(t, err)
	assert.Equal(t, "saga-3", env.SagaID)
	assert.Equal(t, "t3", env.TenantID)
	assert.Equal(t, StateReserved, env.State())
}

func TestDecode_HeadersFallback(t *testing.T) {
	payload := []byte(`{"foo":"bar"}`)
	headers := map[string]string{
		"event-type": "SHIPMENT_DISPATCHED",
		"saga-id":    "saga-4",
		"tenant-id":  "t4",
	}

	env, err := Decode(payload, headers)

	require.NoError(t, err)
	assert.Equal(t, "SHIPMENT_DISPATCHED", env.Type)
	assert.Equal(t, "saga-4", env.SagaID)
	assert.Equal(t, "t4", env.TenantID)
	assert.Equal(t, StateShipped, env.State())
}

func TestDecode_LegacyHeaderCasing(t *testing.T) {
	payload := []byte(`{"type":"ORDER_CREATED"}`)
	headers := map[string]string{
		"X-Saga-ID":   "saga-5",
		"X-Tenant-ID": "t5",
	}

	env, err := Decode(payload, headers)

	require.NoError(t, err)
	assert.Equal(t, "saga-5", env.SagaID)
	assert.Equal(t, "t5", env.TenantID)
}

func TestDecode_Tombstone(t *testing.T) {
	_, err := Decode(nil, nil)
	assert.ErrorIs(t, err, ErrTombstone)

	_, err = Decode([]byte{}, nil)
	assert.ErrorIs(t, err, ErrTombstone)
}

func TestDecode_Malformed(t *testing.T) {
	_, err := Decode([]byte(`not json at all`), nil)
	assert.ErrorIs(t, err, ErrMalformed)

	// JSON-массив — тоже не объект события
	_, err = Decode([]byte(`[1,2,3]`), nil)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecode_MissingRequiredFields(t *testing.T) {
	_, err := Decode([]byte(`{"sagaId":"s"}`), nil)
	assert.ErrorIs(t, err, ErrMissingField)

	_, err = Decode([]byte(`{"type":"ORDER_CREATED"}`), nil)
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestDecode_UnknownDefaults(t *testing.T) {
	env, err := Decode([]byte(`{"type":"ORDER_CREATED","sagaId":"s1"}`), nil)

	require.NoError(t, err)
	assert.Equal(t, "unknown", env.TenantID)
	assert.Equal(t, "unknown", env.UserID)
}

func TestNormalizeTenantID(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"обычная строка", "tenant-1", "tenant-1"},
		{"java map-литерал", "{123=[a, b]}", "123"},
		{"json map-литерал", `{"123":["a","b"]}`, "123"},
		{"пустой литерал", "{}", ""},
		{"пустая строка", "", ""},
		{"пробелы", "  t9  ", "t9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeTenantID(tt.raw))
		})
	}
}

func TestStateForEventType(t *testing.T) {
	tests := []struct {
		eventType string
		want      State
	}{
		{"ORDER_CREATE", StateStarted},
		{"order_created", StateStarted},
		{"CART_ITEM_ADDED", StatePriced},
		{"SHIPPING_QUOTED", StatePriced},
		{"INVENTORY_RESERVED", StateReserved},
		{"PAYMENT_AUTHORIZED", StatePaid},
		{"payment_captured", StatePaid},
		{"ORDER_SHIPPED", StateShipped},
		{"ORDER_COMPLETED", StateCompleted},
		{"PAYMENT_FAILED", StateFailed},
		{"RESERVATION_FAILED", StateFailed},
		{"SOMETHING_NEW", StateStarted}, // неизвестный тип
	}

	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			assert.Equal(t, tt.want, StateForEventType(tt.eventType))
		})
	}
}

func TestDecode_NumericTenantID(t *testing.T) {
	env, err := Decode([]byte(`{"type":"ORDER_CREATED","sagaId":"s1","tenantId":123}`), nil)

	require.NoError(t, err)
	assert.Equal(t, "123", env.TenantID)
}
