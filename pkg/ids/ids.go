// Package ids содержит генерацию и детерминированный вывод идентификаторов.
// Саги получают time-ordered UUID (v7) — сортировка по времени создания
// без отдельной колонки. Детерминированные UUID (v5) используются там,
// где внешний идентификатор не является UUID.
package ids

import (
	"strings"

	"github.com/google/uuid"
)

// userNamespace — пространство имён для отображения не-UUID субъектов JWT.
var userNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("user:"))

// NewSagaID возвращает time-ordered UUID для новой саги.
// При недоступности источника энтропии деградирует до случайного v4.
func NewSagaID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// New возвращает случайный UUID v4.
func New() string {
	return uuid.New().String()
}

// DeriveSagaID детерминированно выводит saga_id из тенанта, типа агрегата
// и ключа события. Используется outbox'ом, когда строка создаётся без саги.
func DeriveSagaID(tenantID, aggregateType, eventKey string) string {
	name := strings.Join([]string{tenantID, aggregateType, eventKey}, "|")
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// UserID нормализует субъект JWT к UUID. Валидный UUID проходит как есть,
// любой другой субъект детерминированно отображается в name-based UUID.
func UserID(subject string) string {
	if parsed, err := uuid.Parse(subject); err == nil {
		return parsed.String()
	}
	return uuid.NewSHA1(userNamespace, []byte(subject)).String()
}

// IsValid сообщает, является ли строка валидным UUID.
func IsValid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
