// Package status содержит проекцию saga_status: грубое состояние саги,
// обновляемое проектором по событиям шины. Источник правды — события;
// проекция перезаписывается последним пришедшим (last-writer-wins).
package status

import (
	"time"

	"example.com/order-platform/pkg/sagaevent"
)

// SagaStatus — проекция состояния саги.
type SagaStatus struct {
	SagaID    string          // UUID саги (первичный ключ)
	TenantID  string          // Тенант-владелец ("unknown" при отсутствии в событии)
	UserID    string          // Пользователь-инициатор ("unknown" при отсутствии)
	Type      string          // Тип саги (ORDER_CREATE)
	State     sagaevent.State // Текущее грубое состояние
	Reason    string          // Причина (заполняется для FAILED)
	CreatedAt time.Time       // Создание проекции (facade)
	UpdatedAt time.Time       // Последнее обновление (projector)
}

// IsTerminal сообщает, достигла ли сага терминального состояния.
func (s *SagaStatus) IsTerminal() bool {
	return s.State.IsTerminal()
}
