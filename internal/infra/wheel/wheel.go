// Package wheel — хешированное колесо таймеров для периодических задач
// (сводки, heartbeat, обслуживание очереди). Кольцо из S слотов прокручивается
// раз в тик T; задача с задержкой d тиков лежит в слоте (cursor+d) mod S и ждёт
// нужное число полных оборотов.
package wheel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tg-forwarder/internal/infra/logger"

	"go.uber.org/zap"
)

// Значения по умолчанию: тик 1 с, 3600 слотов (один оборот — час).
const (
	DefaultTick  = time.Second
	DefaultSlots = 3600
)

// Func — колбэк задачи. Выполняется в отдельной горутине.
type Func func(ctx context.Context)

type entry struct {
	id        string
	rounds    int
	fn        Func
	cancelled bool
}

// Wheel — потокобезопасное колесо таймеров.
type Wheel struct {
	tick time.Duration

	mu     sync.Mutex
	slots  [][]*entry
	cursor int
	index  map[string]*entry
	runCtx context.Context

	runMu  sync.Mutex
	cancel context.CancelFunc
	loopWG sync.WaitGroup
	jobsWG sync.WaitGroup
}

// New создаёт колесо с тиком tick и числом слотов slots.
func New(tick time.Duration, slots int) *Wheel {
	if tick <= 0 {
		tick = DefaultTick
	}
	if slots <= 0 {
		slots = DefaultSlots
	}
	return &Wheel{
		tick:   tick,
		slots:  make([][]*entry, slots),
		index:  make(map[string]*entry),
		runCtx: context.Background(),
	}
}

// AddTask планирует fn через delay. Повторное добавление того же id заменяет
// прежнюю задачу.
func (w *Wheel) AddTask(id string, delay time.Duration, fn Func) {
	ticks := max(1, int((delay+w.tick-1)/w.tick))
	w.mu.Lock()
	defer w.mu.Unlock()

	if old, ok := w.index[id]; ok {
		old.cancelled = true
	}
	e := &entry{id: id, rounds: (ticks - 1) / len(w.slots), fn: fn}
	slot := (w.cursor + ticks) % len(w.slots)
	w.slots[slot] = append(w.slots[slot], e)
	w.index[id] = e
}

// Every регистрирует задачу, которая перепланирует себя каждые interval.
func (w *Wheel) Every(id string, interval time.Duration, fn Func) {
	var wrapped Func
	wrapped = func(ctx context.Context) {
		if ctx.Err() != nil {
			return
		}
		w.AddTask(id, interval, wrapped)
		fn(ctx)
	}
	w.AddTask(id, interval, wrapped)
}

// CancelTask помечает задачу отменённой; удаление ленивое, при срабатывании слота.
func (w *Wheel) CancelTask(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.index[id]
	if !ok {
		return false
	}
	e.cancelled = true
	delete(w.index, id)
	return true
}

// Has сообщает, запланирована ли задача с id.
func (w *Wheel) Has(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.index[id]
	return ok
}

// Len возвращает число активных задач.
func (w *Wheel) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.index)
}

// Start запускает цикл тиков. Повторный вызов игнорируется.
func (w *Wheel) Start(ctx context.Context) {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if w.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Lock()
	w.runCtx = runCtx
	w.mu.Unlock()
	w.loopWG.Go(func() { w.loop(runCtx) })
}

// Stop останавливает цикл и ждёт завершения запущенных колбэков.
func (w *Wheel) Stop() {
	w.runMu.Lock()
	cancel := w.cancel
	w.cancel = nil
	w.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	w.loopWG.Wait()
	w.jobsWG.Wait()
}

// loop тикает по абсолютному расписанию start+n·tick, поэтому длительность
// обработки слота не накапливает дрейф. При отставании пропущенные тики
// догоняются подряд.
func (w *Wheel) loop(ctx context.Context) {
	start := time.Now()
	var n int64
	timer := time.NewTimer(w.tick)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		due := int64(time.Since(start) / w.tick)
		for n < due {
			n++
			w.Tick()
		}
		next := start.Add(time.Duration(n+1) * w.tick)
		timer.Reset(max(0, time.Until(next)))
	}
}

// Tick продвигает курсор на один слот и запускает созревшие задачи.
func (w *Wheel) Tick() {
	w.mu.Lock()
	w.cursor = (w.cursor + 1) % len(w.slots)
	bucket := w.slots[w.cursor]
	keep := bucket[:0]
	var fire []*entry
	for _, e := range bucket {
		switch {
		case e.cancelled:
		case e.rounds > 0:
			e.rounds--
			keep = append(keep, e)
		default:
			fire = append(fire, e)
			if w.index[e.id] == e {
				delete(w.index, e.id)
			}
		}
	}
	clear(bucket[len(keep):])
	w.slots[w.cursor] = keep
	ctx := w.runCtx
	w.mu.Unlock()

	for _, e := range fire {
		w.jobsWG.Go(func() { run(ctx, e) })
	}
}

func run(ctx context.Context, e *entry) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Wheel task panicked", zap.String("task_id", e.id), zap.String("panic", fmt.Sprint(r)))
		}
	}()
	e.fn(ctx)
}
