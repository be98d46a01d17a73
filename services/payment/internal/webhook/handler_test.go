package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/order-platform/pkg/apperr"

	"example.com/order-platform/services/payment/internal/domain"
)

const testSecret = "whsec_test"

// ===== Моки =====

type MockOps struct {
	mock.Mock
}

func (m *MockOps) CompleteAuthorization(ctx context.Context, tenantID, paymentID string, ok bool, pspRef, failureCode, failureReason string) (*domain.Payment, error) {
	args := m.Called(ctx, tenantID, paymentID, ok, pspRef, failureCode, failureReason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Payment), args.Error(1)
}

func (m *MockOps) CompleteCapture(ctx context.Context, tenantID, paymentID, captureID string, ok bool, pspCaptureRef string) (*domain.Capture, error) {
	args := m.Called(ctx, tenantID, paymentID, captureID, ok, pspCaptureRef)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Capture), args.Error(1)
}

func (m *MockOps) Settle(ctx context.Context, tenantID, paymentID string) (*domain.Payment, error) {
	args := m.Called(ctx, tenantID, paymentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Payment), args.Error(1)
}

func (m *MockOps) OpenDispute(ctx context.Context, tenantID, pspDisputeID, paymentID, reasonCode string, amountMinor int64) (*domain.Dispute, error) {
	args := m.Called(ctx, tenantID, pspDisputeID, paymentID, reasonCode, amountMinor)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Dispute), args.Error(1)
}

func (m *MockOps) AdvanceDispute(ctx context.Context, tenantID, pspDisputeID string, next domain.DisputeStatus) (*domain.Dispute, error) {
	args := m.Called(ctx, tenantID, pspDisputeID, next)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Dispute), args.Error(1)
}

func (m *MockOps) CloseDispute(ctx context.Context, tenantID, pspDisputeID string, outcome domain.DisputeStatus) (*domain.Dispute, error) {
	args := m.Called(ctx, tenantID, pspDisputeID, outcome)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Dispute), args.Error(1)
}

type MockInbox struct {
	mock.Mock
}

func (m *MockInbox) InsertWebhookEvent(ctx context.Context, provider, eventID string, payload []byte, signature string) (bool, error) {
	args := m.Called(ctx, provider, eventID, payload, signature)
	return args.Bool(0), args.Error(1)
}

// ===== Хелперы =====

func newTestRouter(ops *MockOps, inbox *MockInbox) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHandler(ops, inbox, "simulated", testSecret)
	r := gin.New()
	h.Register(r)
	return r
}

func signedRequest(t *testing.T, event Event) *http.Request {
	t.Helper()

	body, err := json.Marshal(event)
	require.NoError(t, err)

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/simulated", bytes.NewReader(body))
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, Sign(testSecret, ts, body))
	return req
}

// ===== Подпись =====

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"id":"evt_1"}`)
	now := time.Now()
	ts := strconv.FormatInt(now.Unix(), 10)

	tests := []struct {
		name      string
		timestamp string
		signature string
		wantErr   bool
	}{
		{name: "валидная подпись", timestamp: ts, signature: Sign(testSecret, ts, body)},
		{name: "подделанная подпись", timestamp: ts, signature: "deadbeef", wantErr: true},
		{name: "пустая подпись", timestamp: ts, wantErr: true},
		{name: "нечисловой timestamp", timestamp: "вчера", signature: Sign(testSecret, "вчера", body), wantErr: true},
		{
			name:      "устаревший timestamp",
			timestamp: strconv.FormatInt(now.Add(-time.Hour).Unix(), 10),
			signature: Sign(testSecret, strconv.FormatInt(now.Add(-time.Hour).Unix(), 10), body),
			wantErr:   true,
		},
		{
			name:      "timestamp из будущего",
			timestamp: strconv.FormatInt(now.Add(time.Hour).Unix(), 10),
			signature: Sign(testSecret, strconv.FormatInt(now.Add(time.Hour).Unix(), 10), body),
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifySignature(testSecret, tt.timestamp, tt.signature, body, now, defaultTolerance)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestVerifySignature_BodyTampered(t *testing.T) {
	now := time.Now()
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := Sign(testSecret, ts, []byte(`{"amount":100}`))

	err := VerifySignature(testSecret, ts, sig, []byte(`{"amount":10000}`), now, defaultTolerance)
	require.Error(t, err)
}

// ===== Handler =====

func TestHandle_PaymentAuthorized(t *testing.T) {
	ops := new(MockOps)
	inbox := new(MockInbox)
	router := newTestRouter(ops, inbox)

	event := Event{
		ID: "evt_1", Type: "payment.authorized",
		TenantID: "t1", PaymentID: "pay-1", PSPRef: "pi_123",
	}

	ops.On("CompleteAuthorization", mock.Anything, "t1", "pay-1", true, "pi_123", "", "").
		Return(&domain.Payment{ID: "pay-1", Status: domain.PaymentStatusAuthorized}, nil)
	inbox.On("InsertWebhookEvent", mock.Anything, "simulated", "evt_1", mock.Anything, mock.Anything).
		Return(true, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, signedRequest(t, event))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "processed")
	ops.AssertExpectations(t)
	inbox.AssertExpectations(t)
}

func TestHandle_CaptureOutcome(t *testing.T) {
	ops := new(MockOps)
	inbox := new(MockInbox)
	router := newTestRouter(ops, inbox)

	inbox.On("InsertWebhookEvent", mock.Anything, "simulated", mock.Anything, mock.Anything, mock.Anything).
		Return(true, nil)

	ops.On("CompleteCapture", mock.Anything, "t1", "pay-1", "cap-1", true, "ch_123").
		Return(&domain.Capture{ID: "cap-1", Status: domain.OperationSucceeded}, nil)
	ops.On("CompleteCapture", mock.Anything, "t1", "pay-1", "cap-2", false, "").
		Return(&domain.Capture{ID: "cap-2", Status: domain.OperationFailed}, nil)

	events := []Event{
		{ID: "evt_1", Type: "payment.captured", TenantID: "t1", PaymentID: "pay-1", CaptureID: "cap-1", PSPRef: "ch_123"},
		{ID: "evt_2", Type: "payment.capture_failed", TenantID: "t1", PaymentID: "pay-1", CaptureID: "cap-2"},
	}

	for _, event := range events {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, signedRequest(t, event))
		assert.Equal(t, http.StatusOK, w.Code, "событие %s", event.Type)
	}
	ops.AssertExpectations(t)
}

func TestHandle_DuplicateDelivery(t *testing.T) {
	ops := new(MockOps)
	inbox := new(MockInbox)
	router := newTestRouter(ops, inbox)

	event := Event{ID: "evt_1", Type: "payment.settled", TenantID: "t1", PaymentID: "pay-1"}

	ops.On("Settle", mock.Anything, "t1", "pay-1").
		Return(&domain.Payment{ID: "pay-1", Status: domain.PaymentStatusSettled}, nil)
	inbox.On("InsertWebhookEvent", mock.Anything, "simulated", "evt_1", mock.Anything, mock.Anything).
		Return(false, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, signedRequest(t, event))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "duplicate")
}

func TestHandle_InvalidSignatureRejected(t *testing.T) {
	ops := new(MockOps)
	inbox := new(MockInbox)
	router := newTestRouter(ops, inbox)

	body, _ := json.Marshal(Event{ID: "evt_1", Type: "payment.settled", TenantID: "t1"})
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/simulated", bytes.NewReader(body))
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, "0000")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	ops.AssertNotCalled(t, "Settle", mock.Anything, mock.Anything, mock.Anything)
	inbox.AssertNotCalled(t, "InsertWebhookEvent", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandle_MissingRequiredFields(t *testing.T) {
	router := newTestRouter(new(MockOps), new(MockInbox))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, signedRequest(t, Event{Type: "payment.settled"}))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandle_TransientErrorAsksRetry(t *testing.T) {
	ops := new(MockOps)
	inbox := new(MockInbox)
	router := newTestRouter(ops, inbox)

	event := Event{ID: "evt_1", Type: "payment.settled", TenantID: "t1", PaymentID: "pay-1"}

	ops.On("Settle", mock.Anything, "t1", "pay-1").
		Return(nil, apperr.Transient("db", fmt.Errorf("connection refused")))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, signedRequest(t, event))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	// Событие не записано в inbox: повторная доставка будет обработана.
	inbox.AssertNotCalled(t, "InsertWebhookEvent", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandle_InvariantErrorAcked(t *testing.T) {
	ops := new(MockOps)
	inbox := new(MockInbox)
	router := newTestRouter(ops, inbox)

	event := Event{ID: "evt_1", Type: "payment.settled", TenantID: "t1", PaymentID: "pay-1"}

	ops.On("Settle", mock.Anything, "t1", "pay-1").
		Return(nil, apperr.Invariantf("недопустимый переход"))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, signedRequest(t, event))

	// Повтор не исправит нарушение инварианта: подтверждаем доставку.
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "rejected")
}

func TestHandle_DisputeLifecycle(t *testing.T) {
	ops := new(MockOps)
	inbox := new(MockInbox)
	router := newTestRouter(ops, inbox)

	inbox.On("InsertWebhookEvent", mock.Anything, "simulated", mock.Anything, mock.Anything, mock.Anything).
		Return(true, nil)

	ops.On("OpenDispute", mock.Anything, "t1", "dp_1", "pay-1", "fraudulent", int64(10000)).
		Return(&domain.Dispute{ID: "d1", Status: domain.DisputeOpened}, nil)
	ops.On("AdvanceDispute", mock.Anything, "t1", "dp_1", domain.DisputeEvidenceSubmitted).
		Return(&domain.Dispute{ID: "d1", Status: domain.DisputeEvidenceSubmitted}, nil)
	ops.On("CloseDispute", mock.Anything, "t1", "dp_1", domain.DisputeWon).
		Return(&domain.Dispute{ID: "d1", Status: domain.DisputeWon}, nil)

	events := []Event{
		{ID: "evt_1", Type: "dispute.opened", TenantID: "t1", PaymentID: "pay-1", DisputeID: "dp_1", ReasonCode: "fraudulent", AmountMinor: 10000},
		{ID: "evt_2", Type: "dispute.updated", TenantID: "t1", PaymentID: "pay-1", DisputeID: "dp_1", Outcome: "EVIDENCE_SUBMITTED"},
		{ID: "evt_3", Type: "dispute.closed", TenantID: "t1", PaymentID: "pay-1", DisputeID: "dp_1", Outcome: "WON"},
	}

	for _, event := range events {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, signedRequest(t, event))
		assert.Equal(t, http.StatusOK, w.Code, "событие %s", event.Type)
	}
	ops.AssertExpectations(t)
}

func TestHandle_UnknownEventTypeAcked(t *testing.T) {
	ops := new(MockOps)
	inbox := new(MockInbox)
	router := newTestRouter(ops, inbox)

	inbox.On("InsertWebhookEvent", mock.Anything, "simulated", "evt_1", mock.Anything, mock.Anything).
		Return(true, nil)

	event := Event{ID: "evt_1", Type: "payout.created", TenantID: "t1"}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, signedRequest(t, event))

	assert.Equal(t, http.StatusOK, w.Code)
}
