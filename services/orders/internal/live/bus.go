// Package live реализует LiveStatusBus: внутрипроцессный fan-out
// переходов состояния саги для HTTP стримов. На каждую сагу держится
// слот с последним значением (replay-latest): поздний подписчик сразу
// видит текущее состояние, не дожидаясь следующего события.
package live

import (
	"context"
	"sync"
	"time"

	"example.com/order-platform/pkg/metrics"

	"example.com/order-platform/services/orders/internal/status"
)

// subscriberBuffer — ёмкость канала подписчика. Издатель никогда не
// блокируется: при переполненном буфере обновление отбрасывается,
// подписчик увидит следующее.
const subscriberBuffer = 8

// Config содержит настройки вытеснения простаивающих слотов.
type Config struct {
	// IdleTTL — срок простоя слота без подписчиков до вытеснения.
	IdleTTL time.Duration

	// EvictionInterval — период фонового сканирования.
	EvictionInterval time.Duration
}

// slot — состояние одной саги в шине.
type slot struct {
	mu          sync.Mutex
	latest      *status.SagaStatus        // Последнее опубликованное значение
	subscribers map[chan *status.SagaStatus]struct{}
	completed   bool      // Стрим завершён, слот ждёт вытеснения
	lastAccess  time.Time // Для idle-вытеснения
}

// Bus — потокобезопасный multicast по id саги.
type Bus struct {
	mu    sync.RWMutex
	slots map[string]*slot
	cfg   Config
	clock func() time.Time
}

// NewBus создаёт шину. Фоновый janitor запускается методом Run.
func NewBus(cfg Config) *Bus {
	return &Bus{
		slots: make(map[string]*slot),
		cfg:   cfg,
		clock: time.Now,
	}
}

// Run запускает фоновое вытеснение простаивающих слотов.
// Блокирует выполнение до отмены контекста.
func (b *Bus) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.EvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.evictIdle()
		}
	}
}

// Publish доставляет значение всем текущим подписчикам и сохраняет его
// для поздних. Публикация после Complete оживляет слот заново: события
// после формального завершения саги (например, поздний refund) не теряются.
func (b *Bus) Publish(st *status.SagaStatus) {
	s := b.getOrCreateSlot(st.SagaID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.completed {
		s.completed = false
	}

	s.latest = st
	s.lastAccess = b.clock()

	for ch := range s.subscribers {
		select {
		case ch <- st:
		default:
			// Подписчик не успевает: обновление отброшено.
		}
	}
}

// Subscribe возвращает канал обновлений саги и функцию отписки.
// Первым значением приходит последнее сохранённое, если оно есть.
// Канал закрывается при Complete или вытеснении слота.
func (b *Bus) Subscribe(sagaID string) (<-chan *status.SagaStatus, func()) {
	s := b.getOrCreateSlot(sagaID)

	ch := make(chan *status.SagaStatus, subscriberBuffer)

	s.mu.Lock()
	if s.latest != nil {
		ch <- s.latest
	}
	if s.completed {
		// Сага завершена: подписчик получает последнее значение и конец стрима.
		close(ch)
		s.mu.Unlock()
		return ch, func() {}
	}
	s.subscribers[ch] = struct{}{}
	s.lastAccess = b.clock()
	s.mu.Unlock()

	metrics.LiveSubscribersGauge.Inc()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			s.mu.Lock()
			if _, ok := s.subscribers[ch]; ok {
				delete(s.subscribers, ch)
				close(ch)
			}
			s.lastAccess = b.clock()
			s.mu.Unlock()
			metrics.LiveSubscribersGauge.Dec()
		})
	}

	return ch, unsubscribe
}

// Complete завершает стрим саги: каналы подписчиков закрываются,
// слот становится кандидатом на вытеснение.
func (b *Bus) Complete(sagaID string) {
	b.mu.RLock()
	s, ok := b.slots[sagaID]
	b.mu.RUnlock()
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for ch := range s.subscribers {
		delete(s.subscribers, ch)
		close(ch)
		metrics.LiveSubscribersGauge.Dec()
	}
	s.completed = true
	s.lastAccess = b.clock()
}

// Latest возвращает последнее сохранённое значение саги, если оно есть.
func (b *Bus) Latest(sagaID string) (*status.SagaStatus, bool) {
	b.mu.RLock()
	s, ok := b.slots[sagaID]
	b.mu.RUnlock()
	if !ok {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return nil, false
	}
	return s.latest, true
}

// Len возвращает текущее количество слотов (для тестов и метрик).
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.slots)
}

// getOrCreateSlot возвращает слот саги, создавая его при необходимости.
// Попутно вытесняет простаивающие слоты: даже без фонового janitor
// шина не растёт бесконечно.
func (b *Bus) getOrCreateSlot(sagaID string) *slot {
	b.mu.RLock()
	s, ok := b.slots[sagaID]
	b.mu.RUnlock()
	if ok {
		return s
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.slots[sagaID]; ok {
		return s
	}

	b.evictIdleLocked()

	s = &slot{
		subscribers: make(map[chan *status.SagaStatus]struct{}),
		lastAccess:  b.clock(),
	}
	b.slots[sagaID] = s
	return s
}

// evictIdle удаляет слоты без подписчиков, простаивающие дольше IdleTTL.
func (b *Bus) evictIdle() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evictIdleLocked()
}

// evictIdleLocked — тело вытеснения; вызывается под b.mu.
func (b *Bus) evictIdleLocked() {
	cutoff := b.clock().Add(-b.cfg.IdleTTL)
	for id, s := range b.slots {
		s.mu.Lock()
		idle := len(s.subscribers) == 0 && s.lastAccess.Before(cutoff)
		s.mu.Unlock()
		if idle {
			delete(b.slots, id)
		}
	}
}
