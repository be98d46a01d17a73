package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"example.com/order-platform/pkg/authn"
)

// RouterConfig — параметры создания роутера.
type RouterConfig struct {
	SagaHandler *SagaHandler
	Verifier    *authn.Verifier
	Debug       bool // Режим отладки Gin
}

// NewRouter создаёт и настраивает HTTP роутер.
func NewRouter(cfg RouterConfig) *gin.Engine {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(CorrelationMiddleware())

	api := engine.Group("/api/v1")
	api.Use(AuthMiddleware(cfg.Verifier))
	{
		api.POST("/orders", cfg.SagaHandler.CreateOrder)
		api.GET("/sagas", cfg.SagaHandler.ListSagas)
		api.GET("/sagas/:id", cfg.SagaHandler.GetSaga)
		api.GET("/sagas/:id/stream", cfg.SagaHandler.StreamSaga)
	}

	return engine
}

// NewHTTPServer оборачивает роутер в http.Server с таймаутами.
// WriteTimeout нулевой: SSE стримы живут дольше любого разумного таймаута.
func NewHTTPServer(addr string, engine *gin.Engine) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
	}
}

// Shutdown останавливает HTTP сервер с ожиданием активных запросов.
func Shutdown(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
