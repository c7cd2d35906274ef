// Package concurrency — мелкие примитивы для конкурентного кода приложения.
package concurrency

import (
	"sync"
	"time"
)

// UpdateKey — версия сообщения: правка меняет EditDate и даёт новый ключ.
type UpdateKey struct {
	ChatID   int64
	MsgID    int
	EditDate int
}

// RepeatFilter помнит недавно принятые апдейты, чтобы повтор после
// переподключения (getDifference) не породил вторую задачу. Просроченные
// ключи выметаются попутно, не чаще раза в окно. Потокобезопасен.
type RepeatFilter struct {
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	expires   map[UpdateKey]time.Time
	nextSweep time.Time
}

// NewRepeatFilter создаёт фильтр с окном window.
func NewRepeatFilter(window time.Duration) *RepeatFilter {
	return &RepeatFilter{
		window:  window,
		now:     time.Now,
		expires: make(map[UpdateKey]time.Time),
	}
}

// SetClock подменяет часы (для тестов).
func (f *RepeatFilter) SetClock(now func() time.Time) { f.now = now }

// Repeated возвращает true, если ключ уже встречался в пределах окна.
// Новый ключ запоминается.
func (f *RepeatFilter) Repeated(key UpdateKey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	if now.After(f.nextSweep) {
		f.sweepLocked(now)
		f.nextSweep = now.Add(f.window)
	}
	if exp, ok := f.expires[key]; ok && now.Before(exp) {
		return true
	}
	f.expires[key] = now.Add(f.window)
	return false
}

func (f *RepeatFilter) sweepLocked(now time.Time) {
	for k, exp := range f.expires {
		if !now.Before(exp) {
			delete(f.expires, k)
		}
	}
}

// Len — число запомненных ключей.
func (f *RepeatFilter) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.expires)
}
