package status

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/order-platform/pkg/apperr"
	"example.com/order-platform/pkg/sagaevent"
)

// defaultRecentLimit — лимит выборки последних саг тенанта.
const defaultRecentLimit = 100

// Store определяет методы работы с проекцией saga_status.
// Интерфейс для тестируемости (Dependency Inversion).
type Store interface {
	// FindByID возвращает проекцию по id саги.
	FindByID(ctx context.Context, sagaID string) (*SagaStatus, error)

	// Upsert вставляет проекцию или перезаписывает state, reason и
	// updated_at существующей (last-writer-wins).
	Upsert(ctx context.Context, s *SagaStatus) error

	// UpdateStateAndReason обновляет состояние и причину по id.
	UpdateStateAndReason(ctx context.Context, sagaID string, state sagaevent.State, reason string) error

	// RecentByTenant возвращает последние саги тенанта по updated_at desc.
	// limit <= 0 заменяется на 100.
	RecentByTenant(ctx context.Context, tenantID string, limit int) ([]*SagaStatus, error)

	// ByTenantAndState возвращает саги тенанта в заданном состоянии.
	ByTenantAndState(ctx context.Context, tenantID string, state sagaevent.State) ([]*SagaStatus, error)

	// Exists сообщает о существовании проекции.
	Exists(ctx context.Context, sagaID string) (bool, error)
}

// store — GORM реализация Store.
type store struct {
	db *gorm.DB
}

// NewStore создаёт репозиторий saga_status.
func NewStore(db *gorm.DB) Store {
	return &store{db: db}
}

// FindByID возвращает проекцию по id саги.
func (s *store) FindByID(ctx context.Context, sagaID string) (*SagaStatus, error) {
	var model SagaStatusModel
	err := s.db.WithContext(ctx).
		Where("saga_id = ?", sagaID).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrNotFound
		}
		return nil, apperr.Transient("saga_status find", err)
	}
	return model.toDomain(), nil
}

// Upsert вставляет или перезаписывает проекцию.
// ON CONFLICT обновляет только state, reason и updated_at: created_at
// и идентификаторы сохраняют значения первой записи.
func (s *store) Upsert(ctx context.Context, st *SagaStatus) error {
	now := time.Now().UTC()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	st.UpdatedAt = now

	model := modelFromDomain(st)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "saga_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"state", "reason", "updated_at"}),
		}).
		Create(model).Error
	if err != nil {
		return apperr.Transient("saga_status upsert", err)
	}
	return nil
}

// UpdateStateAndReason обновляет состояние и причину по id.
func (s *store) UpdateStateAndReason(ctx context.Context, sagaID string, state sagaevent.State, reason string) error {
	result := s.db.WithContext(ctx).Model(&SagaStatusModel{}).
		Where("saga_id = ?", sagaID).
		Updates(map[string]any{
			"state":      string(state),
			"reason":     reason,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return apperr.Transient("saga_status update", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// RecentByTenant возвращает последние саги тенанта.
func (s *store) RecentByTenant(ctx context.Context, tenantID string, limit int) ([]*SagaStatus, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}

	var models []SagaStatusModel
	err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("updated_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, apperr.Transient("saga_status recent", err)
	}

	return toDomainList(models), nil
}

// ByTenantAndState возвращает саги тенанта в заданном состоянии.
func (s *store) ByTenantAndState(ctx context.Context, tenantID string, state sagaevent.State) ([]*SagaStatus, error) {
	var models []SagaStatusModel
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND state = ?", tenantID, string(state)).
		Order("updated_at DESC").
		Find(&models).Error
	if err != nil {
		return nil, apperr.Transient("saga_status by state", err)
	}

	return toDomainList(models), nil
}

// Exists сообщает о существовании проекции.
func (s *store) Exists(ctx context.Context, sagaID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&SagaStatusModel{}).
		Where("saga_id = ?", sagaID).
		Count(&count).Error
	if err != nil {
		return false, apperr.Transient("saga_status exists", err)
	}
	return count > 0, nil
}

// toDomainList конвертирует список моделей в доменные сущности.
func toDomainList(models []SagaStatusModel) []*SagaStatus {
	result := make([]*SagaStatus, len(models))
	for i := range models {
		result[i] = models[i].toDomain()
	}
	return result
}
