package sagaevent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Ошибки разбора событий.
var (
	// ErrTombstone — пустой payload (tombstone-запись Kafka).
	ErrTombstone = errors.New("tombstone: пустой payload")

	// ErrMalformed — payload не является JSON-объектом.
	ErrMalformed = errors.New("payload не является JSON-объектом")

	// ErrMissingField — отсутствует обязательное поле события.
	ErrMissingField = errors.New("отсутствует обязательное поле события")
)

// unknownValue подставляется вместо отсутствующих tenant_id/user_id.
const unknownValue = "unknown"

// Envelope — нормализованное доменное событие саги.
// Сервисы пишут события в разных диалектах (snake/camel case, вложенный
// payload, данные в headers) — Decode сводит их к одному виду.
type Envelope struct {
	Type     string `json:"type"`               // Тип события (ORDER_CREATED, PAYMENT_AUTHORIZED...)
	SagaID   string `json:"sagaId"`             // ID саги (обязательное)
	TenantID string `json:"tenantId,omitempty"` // ID тенанта ("unknown" при отсутствии)
	UserID   string `json:"userId,omitempty"`   // ID пользователя ("unknown" при отсутствии)
	OrderID  string `json:"orderId,omitempty"`  // ID заказа
	Reason   string `json:"reason,omitempty"`   // Причина (для FAILED состояний)
}

// State возвращает состояние саги, соответствующее типу события.
func (e *Envelope) State() State {
	return StateForEventType(e.Type)
}

// Encode сериализует конверт в JSON.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Event — полный конверт события для записи в outbox участниками.
type Event struct {
	Envelope
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"` // Доп. поля конкретного события
}

// Decode разбирает сырое сообщение шины в Envelope.
//
// Для каждого поля значение ищется по цепочке:
//  1. ключи верхнего уровня payload (snake и camel case);
//  2. ключи вложенного объекта payload.payload;
//  3. headers сообщения.
//
// Обязательные поля: type, saga_id. tenant_id и user_id при отсутствии
// получают значение "unknown". tenant_id в виде строкового map-литерала
// ("{123=[...]}" или "{\"123\":[...]}") нормализуется до первого ключа.
func Decode(payload []byte, headers map[string]string) (*Envelope, error) {
	if len(payload) == 0 {
		return nil, ErrTombstone
	}

	var top map[string]any
	if err := json.Unmarshal(payload, &top); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, err)
	}

	// Вложенный payload.* — второй уровень fallback.
	var nested map[string]any
	if raw, ok := top["payload"].(map[string]any); ok {
		nested = raw
	}

	lookup := func(keys ...string) string {
		for _, key := range keys {
			if v := stringField(top, key); v != "" {
				return v
			}
		}
		for _, key := range keys {
			if v := stringField(nested, key); v != "" {
				return v
			}
		}
		for _, key := range keys {
			if v := headerField(headers, key); v != "" {
				return v
			}
		}
		return ""
	}

	eventType := lookup("type", "event_type", "eventType")
	if eventType == "" {
		return nil, fmt.Errorf("%w: type", ErrMissingField)
	}

	sagaID := lookup("sagaId", "saga_id")
	if sagaID == "" {
		return nil, fmt.Errorf("%w: saga_id", ErrMissingField)
	}

	tenantID := NormalizeTenantID(lookup("tenantId", "tenant_id"))
	if tenantID == "" {
		tenantID = unknownValue
	}

	userID := lookup("userId", "user_id")
	if userID == "" {
		userID = unknownValue
	}

	return &Envelope{
		Type:     eventType,
		SagaID:   sagaID,
		TenantID: tenantID,
		UserID:   userID,
		OrderID:  lookup("orderId", "order_id"),
		Reason:   lookup("reason"),
	}, nil
}

// stringField достаёт строковое значение из map, приводя числа к строке.
func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		// JSON числа без дробной части — целые идентификаторы
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	default:
		return ""
	}
}

// headerField ищет значение в headers по каноническому имени поля
// с учётом исторических написаний (tenant-id / X-Tenant-ID / tenant_id).
func headerField(headers map[string]string, key string) string {
	if headers == nil {
		return ""
	}

	var candidates []string
	switch key {
	case "type", "event_type", "eventType":
		candidates = []string{"event-type", "X-Event-Type", "event_type", "eventType"}
	case "sagaId", "saga_id":
		candidates = []string{"saga-id", "X-Saga-ID", "saga_id", "sagaId"}
	case "tenantId", "tenant_id":
		candidates = []string{"tenant-id", "X-Tenant-ID", "tenant_id", "tenantId"}
	case "userId", "user_id":
		candidates = []string{"user-id", "X-User-ID", "user_id", "userId"}
	case "orderId", "order_id":
		candidates = []string{"order-id", "X-Order-ID", "order_id", "orderId"}
	default:
		candidates = []string{key}
	}

	for _, name := range candidates {
		if v, ok := headers[name]; ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// NormalizeTenantID нормализует tenant_id, который старые сервисы
// иногда присылают строковым map-литералом: "{123=[a,b]}" (Java toString)
// или "{\"123\":[...]}" (JSON). В обоих случаях берётся первый ключ.
func NormalizeTenantID(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || !strings.HasPrefix(raw, "{") {
		return raw
	}

	inner := strings.TrimSuffix(strings.TrimPrefix(raw, "{"), "}")
	inner = strings.TrimSpace(inner)
	if inner == "" {
		return ""
	}

	// JSON-вариант: {"123":[...]} — ключ до первого двоеточия, в кавычках.
	// Java-вариант: {123=[...]} — ключ до первого знака равенства.
	stop := len(inner)
	for i, r := range inner {
		if r == '=' || r == ':' {
			stop = i
			break
		}
	}

	key := strings.TrimSpace(inner[:stop])
	key = strings.Trim(key, `"`)
	return key
}
