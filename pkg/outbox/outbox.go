// Package outbox реализует Transactional Outbox для гарантированной
// доставки доменных событий в Kafka. Бизнес-данные и событие пишутся
// в одной транзакции БД; отдельный Publisher забирает строки пачками
// под арендой (lease) и отправляет в шину с гарантией at-least-once.
//
// Таблица outbox партиционирована по дате создания (created_on):
// старые партиции дёшево отцепляются целиком вместо построчного DELETE.
package outbox

import (
	"encoding/json"
	"time"

	"example.com/order-platform/pkg/ids"
)

// Row — строка таблицы outbox.
type Row struct {
	ID            string            // UUID строки
	CreatedOn     time.Time         // Дата создания (UTC, ключ партиционирования)
	TenantID      string            // Тенант-владелец
	SagaID        string            // ID саги (выводится, если не задан)
	AggregateType string            // Тип агрегата (ORDER / PAYMENT)
	AggregateID   string            // ID агрегата
	EventType     string            // Тип события (ORDER_CREATE, PAYMENT_AUTHORIZED...)
	EventKey      string            // Ключ события для партиционирования шины
	Payload       []byte            // Тело события (обычно JSON)
	Headers       map[string]string // Headers для шины
	Attempts      int               // Количество неудачных публикаций
	LeaseUntil    *time.Time        // Аренда (nil = строка свободна)
	CreatedAt     time.Time         // Время создания
	UpdatedAt     time.Time         // Время обновления
	IdemKey       *string           // Ключ идемпотентности вставки (уникален в пределах дня)
}

// Key — составной первичный ключ строки (таблица партиционирована по дате).
type Key struct {
	ID        string
	CreatedOn time.Time
}

// Key возвращает первичный ключ строки.
func (r *Row) Key() Key {
	return Key{ID: r.ID, CreatedOn: r.CreatedOn}
}

// Keys собирает первичные ключи пачки строк.
func Keys(rows []*Row) []Key {
	keys := make([]Key, 0, len(rows))
	for _, r := range rows {
		keys = append(keys, r.Key())
	}
	return keys
}

// MessageKey возвращает ключ сообщения шины: первый непустой из
// event_key, saga_id, aggregate_id, aggregate_type, затем "event".
// Ключ определяет партицию — события одного заказа сохраняют порядок.
func (r *Row) MessageKey() string {
	for _, candidate := range []string{r.EventKey, r.SagaID, r.AggregateID, r.AggregateType} {
		if candidate != "" {
			return candidate
		}
	}
	return "event"
}

// Claimable сообщает, свободна ли строка для захвата на момент now.
func (r *Row) Claimable(now time.Time) bool {
	return r.LeaseUntil == nil || r.LeaseUntil.Before(now)
}

// HeadersJSON сериализует headers для хранения в БД.
func (r *Row) HeadersJSON() ([]byte, error) {
	if r.Headers == nil {
		return nil, nil
	}
	return json.Marshal(r.Headers)
}

// SetHeadersFromJSON восстанавливает headers из БД.
func (r *Row) SetHeadersFromJSON(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, &r.Headers)
}

// InsertParams — параметры вставки новой строки outbox.
type InsertParams struct {
	TenantID      string            // Обязательно
	SagaID        string            // Опционально: выводится из tenant|aggregate_type|event_key
	AggregateType string            // Обязательно
	AggregateID   string            // Опционально
	EventType     string            // Обязательно
	EventKey      string            // Опционально
	Payload       []byte            // Тело события
	Headers       map[string]string // Headers для шины
	IdemKey       string            // Опционально: защита от двойной вставки в пределах дня
}

// newRow собирает строку outbox из параметров вставки.
func newRow(p InsertParams, now time.Time) *Row {
	sagaID := p.SagaID
	if sagaID == "" {
		sagaID = ids.DeriveSagaID(p.TenantID, p.AggregateType, p.EventKey)
	}

	var idemKey *string
	if p.IdemKey != "" {
		idemKey = &p.IdemKey
	}

	return &Row{
		ID:            ids.New(),
		CreatedOn:     now.UTC().Truncate(24 * time.Hour),
		TenantID:      p.TenantID,
		SagaID:        sagaID,
		AggregateType: p.AggregateType,
		AggregateID:   p.AggregateID,
		EventType:     p.EventType,
		EventKey:      p.EventKey,
		Payload:       p.Payload,
		Headers:       p.Headers,
		CreatedAt:     now,
		UpdatedAt:     now,
		IdemKey:       idemKey,
	}
}
