package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// semEntry — семафор ключа и отметка последнего использования.
type semEntry struct {
	sem      *semaphore.Weighted
	holders  int
	lastUsed time.Time
}

// semaphores — ограниченная карта семафоров по ключу. Записи без держателей,
// не использовавшиеся дольше idleTTL, удаляются; проверка идёт раз в
// pruneEvery захватов.
type semaphores struct {
	mu         sync.Mutex
	size       int64
	entries    map[string]*semEntry
	idleTTL    time.Duration
	pruneEvery int
	acquired   int
	now        func() time.Time
}

func newSemaphores(size int, idleTTL time.Duration, pruneEvery int, now func() time.Time) *semaphores {
	return &semaphores{
		size:       int64(max(1, size)),
		entries:    make(map[string]*semEntry),
		idleTTL:    idleTTL,
		pruneEvery: max(1, pruneEvery),
		now:        now,
	}
}

// acquire захватывает семафор key. Возвращаемая функция освобождает его.
func (s *semaphores) acquire(ctx context.Context, key string) (func(), error) {
	s.mu.Lock()
	s.acquired++
	if s.acquired%s.pruneEvery == 0 {
		s.pruneLocked()
	}
	e, ok := s.entries[key]
	if !ok {
		e = &semEntry{sem: semaphore.NewWeighted(s.size)}
		s.entries[key] = e
	}
	e.holders++
	e.lastUsed = s.now()
	s.mu.Unlock()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		s.mu.Lock()
		e.holders--
		s.mu.Unlock()
		return nil, err
	}
	return func() {
		e.sem.Release(1)
		s.mu.Lock()
		e.holders--
		e.lastUsed = s.now()
		s.mu.Unlock()
	}, nil
}

func (s *semaphores) pruneLocked() {
	cutoff := s.now().Add(-s.idleTTL)
	for k, e := range s.entries {
		if e.holders == 0 && e.lastUsed.Before(cutoff) {
			delete(s.entries, k)
		}
	}
}

func (s *semaphores) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
