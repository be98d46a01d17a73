package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"example.com/order-platform/pkg/apperr"
	"example.com/order-platform/pkg/logger"

	"example.com/order-platform/services/payment/internal/domain"
	"example.com/order-platform/services/payment/internal/service"
)

// maxBodyBytes — предел размера тела webhook.
const maxBodyBytes = 256 * 1024

// Заголовки подписи webhook.
const (
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderSignature = "X-Webhook-Signature"
)

// Event — нормализованное событие провайдера.
type Event struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	TenantID      string `json:"tenant_id"`
	PaymentID     string `json:"payment_id"`
	PSPRef        string `json:"psp_ref,omitempty"`
	CaptureID     string `json:"capture_id,omitempty"`
	AmountMinor   int64  `json:"amount_minor,omitempty"`
	DisputeID     string `json:"dispute_id,omitempty"`
	ReasonCode    string `json:"reason_code,omitempty"`
	Outcome       string `json:"outcome,omitempty"`
	FailureCode   string `json:"failure_code,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// PaymentOps — операции машины состояний, доступные webhook'ам.
type PaymentOps interface {
	CompleteAuthorization(ctx context.Context, tenantID, paymentID string, ok bool, pspRef, failureCode, failureReason string) (*domain.Payment, error)
	CompleteCapture(ctx context.Context, tenantID, paymentID, captureID string, ok bool, pspCaptureRef string) (*domain.Capture, error)
	Settle(ctx context.Context, tenantID, paymentID string) (*domain.Payment, error)
	OpenDispute(ctx context.Context, tenantID, pspDisputeID, paymentID, reasonCode string, amountMinor int64) (*domain.Dispute, error)
	AdvanceDispute(ctx context.Context, tenantID, pspDisputeID string, next domain.DisputeStatus) (*domain.Dispute, error)
	CloseDispute(ctx context.Context, tenantID, pspDisputeID string, outcome domain.DisputeStatus) (*domain.Dispute, error)
}

var _ PaymentOps = (*service.StateMachine)(nil)

// Inbox — журнал обработанных webhook событий.
type Inbox interface {
	InsertWebhookEvent(ctx context.Context, provider, eventID string, payload []byte, signature string) (bool, error)
}

// Handler принимает webhook'и провайдера.
type Handler struct {
	ops       PaymentOps
	inbox     Inbox
	provider  string
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

// NewHandler создаёт webhook handler.
func NewHandler(ops PaymentOps, inbox Inbox, providerName, secret string) *Handler {
	return &Handler{
		ops:       ops,
		inbox:     inbox,
		provider:  providerName,
		secret:    secret,
		tolerance: defaultTolerance,
		now:       time.Now,
	}
}

// Register навешивает маршруты webhook на router.
func (h *Handler) Register(r gin.IRouter) {
	r.POST("/webhooks/"+h.provider, h.Handle)
}

// Handle обрабатывает одно уведомление провайдера.
//
// Порядок важен: событие сначала применяется, потом записывается в
// inbox. Все применяемые операции идемпотентны на уровне домена,
// поэтому повторная доставка после транзиентного сбоя безопасна, а
// дубликат после успешной обработки отсекается по (provider, event_id).
func (h *Handler) Handle(c *gin.Context) {
	log := logger.FromContext(c.Request.Context())

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "не удалось прочитать тело запроса"})
		return
	}

	signature := c.GetHeader(HeaderSignature)
	if err := VerifySignature(h.secret, c.GetHeader(HeaderTimestamp), signature, body, h.now(), h.tolerance); err != nil {
		log.Warn().Err(err).Msg("Webhook с невалидной подписью")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "невалидная подпись"})
		return
	}

	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "невалидный JSON"})
		return
	}
	if event.ID == "" || event.Type == "" || event.TenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "отсутствуют обязательные поля события"})
		return
	}

	if err := h.apply(c.Request.Context(), event); err != nil {
		if apperr.Class(err) == "transient" {
			// Провайдер повторит доставку.
			log.Error().Err(err).Str("event_id", event.ID).Msg("Транзиентная ошибка обработки webhook")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "временная ошибка"})
			return
		}
		// Окончательные ошибки подтверждаем: повтор не поможет.
		log.Warn().Err(err).
			Str("event_id", event.ID).
			Str("event_type", event.Type).
			Msg("Webhook событие отклонено")
		c.JSON(http.StatusOK, gin.H{"status": "rejected", "reason": apperr.Class(err)})
		return
	}

	first, err := h.inbox.InsertWebhookEvent(c.Request.Context(), h.provider, event.ID, body, signature)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "временная ошибка"})
		return
	}
	if !first {
		c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "processed"})
}

// apply применяет событие к платёжной машине состояний.
func (h *Handler) apply(ctx context.Context, event Event) error {
	switch event.Type {
	case "payment.authorized":
		_, err := h.ops.CompleteAuthorization(ctx, event.TenantID, event.PaymentID, true, event.PSPRef, "", "")
		return err

	case "payment.authorization_failed":
		_, err := h.ops.CompleteAuthorization(ctx, event.TenantID, event.PaymentID, false, "", event.FailureCode, event.FailureReason)
		return err

	case "payment.captured":
		_, err := h.ops.CompleteCapture(ctx, event.TenantID, event.PaymentID, event.CaptureID, true, event.PSPRef)
		return err

	case "payment.capture_failed":
		_, err := h.ops.CompleteCapture(ctx, event.TenantID, event.PaymentID, event.CaptureID, false, "")
		return err

	case "payment.settled":
		_, err := h.ops.Settle(ctx, event.TenantID, event.PaymentID)
		return err

	case "dispute.opened":
		_, err := h.ops.OpenDispute(ctx, event.TenantID, event.DisputeID, event.PaymentID, event.ReasonCode, event.AmountMinor)
		return err

	case "dispute.updated":
		_, err := h.ops.AdvanceDispute(ctx, event.TenantID, event.DisputeID, domain.DisputeStatus(event.Outcome))
		return err

	case "dispute.closed":
		_, err := h.ops.CloseDispute(ctx, event.TenantID, event.DisputeID, domain.DisputeStatus(event.Outcome))
		return err

	default:
		// Незнакомые типы подтверждаем, иначе провайдер будет
		// ретраить их вечно.
		return nil
	}
}
