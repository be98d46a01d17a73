package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"example.com/order-platform/pkg/authn"
	"example.com/order-platform/pkg/logger"
)

// Ключи контекста gin для идентичности вызывающего.
const (
	ctxIdentityKey = "identity"
)

// AuthMiddleware верифицирует Bearer токен и кладёт Identity в контекст.
func AuthMiddleware(verifier *authn.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := authn.BearerToken(c.GetHeader("Authorization"))
		if err != nil {
			HandleError(c, err, "auth")
			c.Abort()
			return
		}

		identity, err := verifier.Verify(token)
		if err != nil {
			HandleError(c, err, "auth")
			c.Abort()
			return
		}

		c.Set(ctxIdentityKey, identity)
		c.Next()
	}
}

// identityFrom достаёт Identity из контекста gin.
func identityFrom(c *gin.Context) *authn.Identity {
	v, ok := c.Get(ctxIdentityKey)
	if !ok {
		return nil
	}
	identity, _ := v.(*authn.Identity)
	return identity
}

// CorrelationMiddleware обеспечивает correlation_id у каждого запроса
// и прокидывает его в контекст логгера.
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		ctx := logger.WithCorrelationID(c.Request.Context(), correlationID)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Correlation-ID", correlationID)

		c.Next()
	}
}
