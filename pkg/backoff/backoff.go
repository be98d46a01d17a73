// Package backoff содержит расчёт экспоненциальной задержки повторов.
// Используется Outbox Publisher'ом (повтор публикации) и проектором
// (переподключение к Kafka).
package backoff

import "time"

// maxShift ограничивает число удвоений — дальше работает только потолок.
// Страхует от переполнения при больших attempts.
const maxShift = 10

// Delay возвращает задержку перед попыткой attempt (нумерация с 1):
// base·2^(attempt-1), но не более max.
func Delay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > maxShift {
		shift = maxShift
	}
	d := base << shift
	if d <= 0 || d > max {
		return max
	}
	return d
}

// Policy — политика повторов с экспоненциальной задержкой.
type Policy struct {
	Base time.Duration // Начальная задержка
	Max  time.Duration // Потолок задержки
}

// Next возвращает задержку перед попыткой attempt.
func (p Policy) Next(attempt int) time.Duration {
	return Delay(p.Base, p.Max, attempt)
}
