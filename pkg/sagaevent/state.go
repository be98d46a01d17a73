// Package sagaevent содержит контракт доменных событий саги:
// JSON-конверт, его разбор с fallback-цепочками и отображение
// типов событий в крупнозернистое состояние саги.
package sagaevent

import "strings"

// State — крупнозернистое состояние саги в проекции saga_status.
type State string

const (
	StateStarted   State = "STARTED"
	StatePriced    State = "PRICED"
	StateReserved  State = "RESERVED"
	StatePaid      State = "PAID"
	StateShipped   State = "SHIPPED"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
)

// IsTerminal возвращает true для финальных состояний саги.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// stateByEventType — отображение типа события в состояние проекции.
// Ключи в верхнем регистре, сопоставление регистронезависимое.
var stateByEventType = map[string]State{
	"ORDER_CREATE":  StateStarted,
	"ORDER_CREATED": StateStarted,

	"CART_ITEM_ADDED":   StatePriced,
	"CART_ITEM_UPDATED": StatePriced,
	"CART_ITEM_REMOVED": StatePriced,
	"DISCOUNT_APPLIED":  StatePriced,
	"SHIPPING_QUOTED":   StatePriced,

	"INVENTORY_RESERVED": StateReserved,
	"RESERVATION_OK":     StateReserved,

	"PAYMENT_AUTHORIZED": StatePaid,
	"PAYMENT_CAPTURED":   StatePaid,
	"PAYMENT_OK":         StatePaid,

	"SHIPMENT_DISPATCHED": StateShipped,
	"ORDER_SHIPPED":       StateShipped,

	"ORDER_COMPLETED": StateCompleted,

	"ORDER_FAILED":       StateFailed,
	"COMPENSATED":        StateFailed,
	"CANCELLED":          StateFailed,
	"ORDER_CANCELLED":    StateFailed,
	"PAYMENT_FAILED":     StateFailed,
	"RESERVATION_FAILED": StateFailed,
}

// StateForEventType отображает тип события в состояние саги.
// Неизвестные типы трактуются как STARTED: проекция грубая,
// незнакомое событие лучше показать как "сага жива", чем потерять.
func StateForEventType(eventType string) State {
	if state, ok := stateByEventType[strings.ToUpper(strings.TrimSpace(eventType))]; ok {
		return state
	}
	return StateStarted
}
