// Package apperr содержит общие виды ошибок ядра и их классификацию.
// Каждая ошибка принадлежит одному виду: по виду выбирается политика
// повторов и HTTP статус на границе API.
package apperr

import (
	"errors"
	"fmt"
)

// Виды ошибок ядра.
var (
	// ErrTransient — транспортная ошибка БД/шины/провайдера, подлежит повтору.
	ErrTransient = errors.New("временная ошибка транспорта")

	// ErrInvariant — нарушение инварианта: баг или порча данных, наружу без повтора.
	ErrInvariant = errors.New("нарушение инварианта")

	// ErrConflict — ключ идемпотентности переиспользован с другим запросом.
	ErrConflict = errors.New("конфликт идемпотентности")

	// ErrInProgress — дубликат запроса, результат которого ещё не сохранён.
	ErrInProgress = errors.New("запрос уже обрабатывается")

	// ErrValidation — отклонённые входные данные.
	ErrValidation = errors.New("невалидные данные")

	// ErrNotFound — сущность не найдена.
	ErrNotFound = errors.New("не найдено")

	// ErrUnauthorized — запрос без валидной аутентификации.
	ErrUnauthorized = errors.New("не аутентифицирован")

	// ErrForbidden — аутентифицирован, но не имеет доступа.
	ErrForbidden = errors.New("доступ запрещён")
)

// Transient оборачивает транспортную ошибку с сохранением вида.
func Transient(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrTransient, op, err)
}

// Invariantf создаёт ошибку нарушения инварианта.
func Invariantf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariant, fmt.Sprintf(format, args...))
}

// Validationf создаёт ошибку валидации.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Class возвращает компактный код класса ошибки для reason-полей.
func Class(err error) string {
	switch {
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.Is(err, ErrInvariant):
		return "invariant"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInProgress):
		return "in_progress"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	default:
		return "internal"
	}
}
