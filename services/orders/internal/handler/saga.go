package handler

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"example.com/order-platform/pkg/apperr"
	"example.com/order-platform/pkg/logger"
	"example.com/order-platform/pkg/sagaevent"

	"example.com/order-platform/services/orders/internal/facade"
	"example.com/order-platform/services/orders/internal/live"
	"example.com/order-platform/services/orders/internal/status"
)

// SagaHandler — обработчик запуска и наблюдения саг.
type SagaHandler struct {
	facade   *facade.Facade
	statuses status.Store
	bus      *live.Bus
}

// NewSagaHandler создаёт обработчик саг.
func NewSagaHandler(f *facade.Facade, statuses status.Store, bus *live.Bus) *SagaHandler {
	return &SagaHandler{facade: f, statuses: statuses, bus: bus}
}

// === Request/Response DTOs ===

// CreateOrderRequest — запрос на запуск саги создания заказа.
type CreateOrderRequest struct {
	Lines        []OrderLineRequest `json:"lines" binding:"required,min=1,dive"`
	TotalMinor   int64              `json:"total_minor" binding:"required,min=1"`
	CurrencyCode string             `json:"currency_code" binding:"required,len=3"`
}

// OrderLineRequest — позиция заказа в запросе.
type OrderLineRequest struct {
	SKU      string `json:"sku" binding:"required,min=1"`
	Quantity int    `json:"quantity" binding:"required,min=1"`
	Price    int64  `json:"price_minor" binding:"required,min=1"`
}

// CreateOrderResponse — ответ на запуск саги.
type CreateOrderResponse struct {
	SagaID string `json:"saga_id"`
	State  string `json:"state"`
}

// SagaStatusResponse — проекция состояния саги в ответе.
type SagaStatusResponse struct {
	SagaID    string `json:"saga_id"`
	TenantID  string `json:"tenant_id"`
	UserID    string `json:"user_id"`
	Type      string `json:"type"`
	State     string `json:"state"`
	Reason    string `json:"reason,omitempty"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// ListSagasResponse — список саг тенанта.
type ListSagasResponse struct {
	Sagas []SagaStatusResponse `json:"sagas"`
}

// toSagaResponse конвертирует проекцию в DTO ответа.
func toSagaResponse(s *status.SagaStatus) SagaStatusResponse {
	return SagaStatusResponse{
		SagaID:    s.SagaID,
		TenantID:  s.TenantID,
		UserID:    s.UserID,
		Type:      s.Type,
		State:     string(s.State),
		Reason:    s.Reason,
		CreatedAt: s.CreatedAt.Unix(),
		UpdatedAt: s.UpdatedAt.Unix(),
	}
}

// === Handlers ===

// CreateOrder обрабатывает POST /api/v1/orders.
// Запускает сагу создания заказа и возвращает её id.
func (h *SagaHandler) CreateOrder(c *gin.Context) {
	identity := identityFrom(c)
	if identity == nil {
		HandleError(c, apperr.ErrUnauthorized, "CreateOrder")
		return
	}

	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		HandleError(c, apperr.Validationf("некорректное тело запроса: %v", err), "CreateOrder")
		return
	}

	lines := make([]facade.OrderLine, len(req.Lines))
	for i, l := range req.Lines {
		lines[i] = facade.OrderLine{SKU: l.SKU, Quantity: l.Quantity, Price: l.Price}
	}

	sagaID, err := h.facade.StartOrderCreate(c.Request.Context(), facade.StartOrderRequest{
		TenantID:       identity.TenantID,
		UserID:         identity.UserID,
		Lines:          lines,
		TotalMinor:     req.TotalMinor,
		CurrencyCode:   req.CurrencyCode,
		CorrelationID:  c.GetHeader("X-Correlation-ID"),
		IdempotencyKey: c.GetHeader("Idempotency-Key"),
	})
	if err != nil {
		HandleError(c, err, "CreateOrder")
		return
	}

	c.JSON(http.StatusAccepted, CreateOrderResponse{
		SagaID: sagaID,
		State:  string(sagaevent.StateStarted),
	})
}

// GetSaga обрабатывает GET /api/v1/sagas/:id.
func (h *SagaHandler) GetSaga(c *gin.Context) {
	identity := identityFrom(c)
	if identity == nil {
		HandleError(c, apperr.ErrUnauthorized, "GetSaga")
		return
	}

	st, err := h.statuses.FindByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		HandleError(c, err, "GetSaga")
		return
	}

	// Чужая сага неотличима от несуществующей.
	if st.TenantID != identity.TenantID {
		HandleError(c, apperr.ErrNotFound, "GetSaga")
		return
	}

	c.JSON(http.StatusOK, toSagaResponse(st))
}

// ListSagas обрабатывает GET /api/v1/sagas.
// Возвращает последние саги тенанта; query-параметр state фильтрует
// по состоянию, limit ограничивает выборку.
func (h *SagaHandler) ListSagas(c *gin.Context) {
	identity := identityFrom(c)
	if identity == nil {
		HandleError(c, apperr.ErrUnauthorized, "ListSagas")
		return
	}

	ctx := c.Request.Context()

	var (
		sagas []*status.SagaStatus
		err   error
	)
	if state := c.Query("state"); state != "" {
		sagas, err = h.statuses.ByTenantAndState(ctx, identity.TenantID, sagaevent.State(state))
	} else {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
		sagas, err = h.statuses.RecentByTenant(ctx, identity.TenantID, limit)
	}
	if err != nil {
		HandleError(c, err, "ListSagas")
		return
	}

	resp := ListSagasResponse{Sagas: make([]SagaStatusResponse, len(sagas))}
	for i, s := range sagas {
		resp.Sagas[i] = toSagaResponse(s)
	}

	c.JSON(http.StatusOK, resp)
}

// streamHeartbeat — период keep-alive комментариев SSE стрима.
const streamHeartbeat = 15 * time.Second

// StreamSaga обрабатывает GET /api/v1/sagas/:id/stream.
// Отдаёт переходы состояния саги как Server-Sent Events: сперва
// последнее известное значение, затем живые обновления до
// терминального состояния или отключения клиента.
func (h *SagaHandler) StreamSaga(c *gin.Context) {
	identity := identityFrom(c)
	if identity == nil {
		HandleError(c, apperr.ErrUnauthorized, "StreamSaga")
		return
	}

	sagaID := c.Param("id")
	log := logger.FromContext(c.Request.Context())

	// Подписка до проверки БД: обновление между проверкой и подпиской
	// не потеряется, replay-latest уберёт возможный дубль первого значения.
	ch, cancel := h.bus.Subscribe(sagaID)
	defer cancel()

	if _, ok := h.bus.Latest(sagaID); !ok {
		// Шина пуста (например, процесс перезапущен): поднимаем
		// последнее состояние из БД.
		st, err := h.statuses.FindByID(c.Request.Context(), sagaID)
		if err != nil {
			HandleError(c, err, "StreamSaga")
			return
		}
		if st.TenantID != identity.TenantID {
			HandleError(c, apperr.ErrNotFound, "StreamSaga")
			return
		}
		h.bus.Publish(st)
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case st, ok := <-ch:
			if !ok {
				return false
			}
			if st.TenantID != identity.TenantID {
				return false
			}
			c.SSEvent("status", toSagaResponse(st))
			return !st.IsTerminal()
		case <-heartbeat.C:
			c.SSEvent("heartbeat", time.Now().Unix())
			return true
		case <-c.Request.Context().Done():
			log.Debug().Str("saga_id", sagaID).Msg("Клиент отключился от стрима саги")
			return false
		}
	})
}
