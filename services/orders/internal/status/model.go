package status

import (
	"time"

	"example.com/order-platform/pkg/sagaevent"
)

// SagaStatusModel — GORM модель таблицы saga_status.
type SagaStatusModel struct {
	SagaID    string    `gorm:"column:saga_id;type:uuid;primaryKey"`
	TenantID  string    `gorm:"column:tenant_id;type:varchar(64);not null;index:idx_saga_status_tenant_updated"`
	UserID    string    `gorm:"column:user_id;type:varchar(64);not null"`
	Type      string    `gorm:"column:type;type:varchar(100);not null"`
	State     string    `gorm:"column:state;type:varchar(20);not null"`
	Reason    string    `gorm:"column:reason;type:text"`
	CreatedAt time.Time `gorm:"column:created_at;type:timestamptz"`
	UpdatedAt time.Time `gorm:"column:updated_at;type:timestamptz;index:idx_saga_status_tenant_updated,sort:desc"`
}

// TableName возвращает имя таблицы в БД.
func (SagaStatusModel) TableName() string {
	return "saga_status"
}

// toDomain конвертирует GORM модель в доменную сущность.
func (m *SagaStatusModel) toDomain() *SagaStatus {
	return &SagaStatus{
		SagaID:    m.SagaID,
		TenantID:  m.TenantID,
		UserID:    m.UserID,
		Type:      m.Type,
		State:     sagaevent.State(m.State),
		Reason:    m.Reason,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

// modelFromDomain конвертирует доменную сущность в GORM модель.
func modelFromDomain(s *SagaStatus) *SagaStatusModel {
	return &SagaStatusModel{
		SagaID:    s.SagaID,
		TenantID:  s.TenantID,
		UserID:    s.UserID,
		Type:      s.Type,
		State:     string(s.State),
		Reason:    s.Reason,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}
