package outbox

import "time"

// RowModel — GORM модель таблицы outbox.
// Таблица партиционирована по created_on, поэтому первичный ключ
// составной: (id, created_on). Уникальность idem_key действует в
// пределах одной дневной партиции.
type RowModel struct {
	ID            string     `gorm:"column:id;type:varchar(36);primaryKey"`
	CreatedOn     time.Time  `gorm:"column:created_on;type:date;primaryKey"`
	TenantID      string     `gorm:"column:tenant_id;type:varchar(64);not null;index:idx_outbox_tenant_lease"`
	SagaID        string     `gorm:"column:saga_id;type:uuid;not null"`
	AggregateType string     `gorm:"column:aggregate_type;type:varchar(50);not null"`
	AggregateID   string     `gorm:"column:aggregate_id;type:varchar(64)"`
	EventType     string     `gorm:"column:event_type;type:varchar(100);not null"`
	EventKey      string     `gorm:"column:event_key;type:varchar(128)"`
	Payload       []byte     `gorm:"column:payload;type:text"`
	HeadersJSON   []byte     `gorm:"column:headers_json;type:text"`
	Attempts      int        `gorm:"column:attempts;not null;default:0"`
	LeaseUntil    *time.Time `gorm:"column:lease_until;type:timestamptz;index:idx_outbox_tenant_lease"`
	CreatedAt     time.Time  `gorm:"column:created_at;type:timestamptz"`
	UpdatedAt     time.Time  `gorm:"column:updated_at;type:timestamptz"`
	IdemKey       *string    `gorm:"column:idem_key;type:varchar(128);uniqueIndex:uq_outbox_day_idem,composite:created_on"`
}

// TableName возвращает имя таблицы в БД.
func (RowModel) TableName() string {
	return "outbox"
}

// toDomain конвертирует GORM модель в доменную сущность.
func (m *RowModel) toDomain() *Row {
	r := &Row{
		ID:            m.ID,
		CreatedOn:     m.CreatedOn,
		TenantID:      m.TenantID,
		SagaID:        m.SagaID,
		AggregateType: m.AggregateType,
		AggregateID:   m.AggregateID,
		EventType:     m.EventType,
		EventKey:      m.EventKey,
		Payload:       m.Payload,
		Attempts:      m.Attempts,
		LeaseUntil:    m.LeaseUntil,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
		IdemKey:       m.IdemKey,
	}

	if len(m.HeadersJSON) > 0 {
		_ = r.SetHeadersFromJSON(m.HeadersJSON)
	}

	return r
}

// modelFromDomain конвертирует доменную сущность в GORM модель.
func modelFromDomain(r *Row) *RowModel {
	model := &RowModel{
		ID:            r.ID,
		CreatedOn:     r.CreatedOn,
		TenantID:      r.TenantID,
		SagaID:        r.SagaID,
		AggregateType: r.AggregateType,
		AggregateID:   r.AggregateID,
		EventType:     r.EventType,
		EventKey:      r.EventKey,
		Payload:       r.Payload,
		Attempts:      r.Attempts,
		LeaseUntil:    r.LeaseUntil,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		IdemKey:       r.IdemKey,
	}

	if r.Headers != nil {
		if data, err := r.HeadersJSON(); err == nil {
			model.HeadersJSON = data
		}
	}

	return model
}
