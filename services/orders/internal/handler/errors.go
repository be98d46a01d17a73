// Package handler содержит HTTP обработчики REST API сервиса заказов.
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"example.com/order-platform/pkg/apperr"
	"example.com/order-platform/pkg/logger"
)

// ErrorResponse — стандартный формат ошибки API.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HandleError преобразует доменную ошибку в HTTP ответ.
// Используется всеми handlers для единообразной обработки ошибок.
func HandleError(c *gin.Context, err error, method string) {
	if err == nil {
		logger.Error().Str("method", method).Msg("HandleError вызван с nil ошибкой — баг в коде")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Внутренняя ошибка сервера",
		})
		return
	}

	log := logger.FromContext(c.Request.Context())

	var httpStatus int
	var errorCode string

	switch {
	case errors.Is(err, apperr.ErrValidation):
		httpStatus = http.StatusBadRequest
		errorCode = "invalid_argument"
	case errors.Is(err, apperr.ErrUnauthorized):
		httpStatus = http.StatusUnauthorized
		errorCode = "unauthenticated"
	case errors.Is(err, apperr.ErrForbidden):
		httpStatus = http.StatusForbidden
		errorCode = "permission_denied"
	case errors.Is(err, apperr.ErrNotFound):
		httpStatus = http.StatusNotFound
		errorCode = "not_found"
	case errors.Is(err, apperr.ErrConflict):
		httpStatus = http.StatusConflict
		errorCode = "conflict"
	case errors.Is(err, apperr.ErrInProgress):
		httpStatus = http.StatusConflict
		errorCode = "in_progress"
	default:
		httpStatus = http.StatusInternalServerError
		errorCode = "internal_error"
		log.Error().Err(err).Str("method", method).Msg("Внутренняя ошибка")
	}

	c.JSON(httpStatus, ErrorResponse{
		Error:   errorCode,
		Message: err.Error(),
	})
}
