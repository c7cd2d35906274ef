// Package batch — групповая запись (group commit). Flusher копит строки в
// памяти и сбрасывает их одной пачкой по порогу размера или по таймеру.
// Горячие пути записи (сигнатуры дедупликации, журнал правил, статистика)
// перестают платить транзакцией за каждое сообщение.
package batch

import (
	"context"
	"sync"
	"time"

	"tg-forwarder/internal/infra/logger"

	"go.uber.org/zap"
)

// maxBacklogFactor ограничивает буфер после неудачных сбросов: не более
// size·maxBacklogFactor строк, остальное отбрасывается с предупреждением.
const maxBacklogFactor = 10

// FlushFunc записывает пачку строк, обычно в одной транзакции.
type FlushFunc[T any] func(ctx context.Context, items []T) error

// Flusher буферизует элементы типа T. Потокобезопасен.
type Flusher[T any] struct {
	name     string
	size     int
	interval time.Duration
	flush    FlushFunc[T]

	mu  sync.Mutex // защищает buf
	buf []T

	flushMu sync.Mutex // сериализует сбросы, сохраняя порядок записей
	kick    chan struct{}

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New создаёт буфер. size — порог немедленного сброса, interval — период
// фонового сброса.
func New[T any](name string, size int, interval time.Duration, fn FlushFunc[T]) *Flusher[T] {
	if size <= 0 {
		size = 100
	}
	if interval <= 0 {
		interval = 5 * time.Second //nolint:mnd
	}
	return &Flusher[T]{
		name:     name,
		size:     size,
		interval: interval,
		flush:    fn,
		kick:     make(chan struct{}, 1),
	}
}

// Start запускает фоновый цикл сброса. Повторный вызов игнорируется.
func (f *Flusher[T]) Start(ctx context.Context) {
	if ctx == nil {
		return
	}
	f.runMu.Lock()
	defer f.runMu.Unlock()
	if f.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.wg.Go(func() { f.loop(runCtx) })
}

// Stop останавливает цикл и синхронно сбрасывает остаток буфера.
func (f *Flusher[T]) Stop(ctx context.Context) error {
	f.runMu.Lock()
	cancel := f.cancel
	f.cancel = nil
	f.runMu.Unlock()

	if cancel != nil {
		cancel()
		f.wg.Wait()
	}
	return f.Flush(ctx)
}

// Add добавляет элементы; при достижении порога будит фоновый цикл. Если цикл
// не запущен, сброс по порогу выполняется синхронно.
func (f *Flusher[T]) Add(ctx context.Context, items ...T) {
	if len(items) == 0 {
		return
	}
	f.mu.Lock()
	f.buf = append(f.buf, items...)
	full := len(f.buf) >= f.size
	f.mu.Unlock()
	if !full {
		return
	}

	f.runMu.Lock()
	running := f.cancel != nil
	f.runMu.Unlock()
	if !running {
		if err := f.Flush(ctx); err != nil {
			logger.Warn("Batch flush failed", zap.String("buffer", f.name), zap.Error(err))
		}
		return
	}
	select {
	case f.kick <- struct{}{}:
	default:
	}
}

// Pending возвращает число несброшенных элементов.
func (f *Flusher[T]) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buf)
}

// Flush забирает буфер и записывает его. При ошибке элементы возвращаются в
// начало буфера (в пределах лимита) и будут записаны следующим сбросом.
func (f *Flusher[T]) Flush(ctx context.Context) error {
	f.flushMu.Lock()
	defer f.flushMu.Unlock()

	f.mu.Lock()
	items := f.buf
	f.buf = nil
	f.mu.Unlock()
	if len(items) == 0 {
		return nil
	}

	start := time.Now()
	if err := f.flush(ctx, items); err != nil {
		f.requeue(items)
		return err
	}
	logger.Debug("Batch flushed",
		zap.String("buffer", f.name),
		zap.Int("items", len(items)),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}

func (f *Flusher[T]) requeue(items []T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	merged := append(items, f.buf...) //nolint:gocritic
	limit := f.size * maxBacklogFactor
	if len(merged) > limit {
		dropped := len(merged) - limit
		merged = merged[dropped:]
		logger.Warn("Batch backlog overflow, dropping oldest items",
			zap.String("buffer", f.name),
			zap.Int("dropped", dropped),
		)
	}
	f.buf = merged
}

func (f *Flusher[T]) loop(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-f.kick:
		}
		if err := f.Flush(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("Batch flush failed", zap.String("buffer", f.name), zap.Error(err))
		}
	}
}
