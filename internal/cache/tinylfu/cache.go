// Package tinylfu — внутрипроцессный кеш W-TinyLFU: небольшое окно допуска
// (LRU) перед основной областью (LRU), вход в которую решает частотный
// Count-Min sketch. Поддерживает общий TTL; просроченные жертвы вытесняются
// без сравнения частот.
package tinylfu

import (
	"container/list"
	"hash/maphash"
	"sync"
	"time"
)

const (
	defaultWindowRatio = 0.01
	sketchWidthFactor  = 8
)

type entry[K comparable, V any] struct {
	key      K
	value    V
	expireAt time.Time
	inWindow bool
}

// Options задаёт параметры кеша.
type Options struct {
	MaxSize     int
	WindowRatio float64       // доля окна допуска, по умолчанию 1%
	TTL         time.Duration // 0 — без срока жизни
}

// Cache — потокобезопасный W-TinyLFU кеш.
type Cache[K comparable, V any] struct {
	mu sync.Mutex

	ttl       time.Duration
	windowCap int
	mainCap   int

	items  map[K]*list.Element
	window *list.List
	main   *list.List
	sketch *cmSketch
	seed   maphash.Seed
	now    func() time.Time
}

// New создаёт кеш. MaxSize < 2 поднимается до 2, чтобы у окна и основной
// области было хотя бы по одному слоту.
func New[K comparable, V any](opts Options) *Cache[K, V] {
	size := max(opts.MaxSize, 2) //nolint:mnd
	ratio := opts.WindowRatio
	if ratio <= 0 || ratio >= 1 {
		ratio = defaultWindowRatio
	}
	windowCap := max(1, int(float64(size)*ratio))
	return &Cache[K, V]{
		ttl:       opts.TTL,
		windowCap: windowCap,
		mainCap:   max(1, size-windowCap),
		items:     make(map[K]*list.Element, size),
		window:    list.New(),
		main:      list.New(),
		sketch:    newSketch(size * sketchWidthFactor),
		seed:      maphash.MakeSeed(),
		now:       time.Now,
	}
}

// SetClock подменяет источник времени (для тестов TTL).
func (c *Cache[K, V]) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *Cache[K, V]) hash(k K) uint64 {
	return maphash.Comparable(c.seed, k)
}

// Get возвращает живое значение и учитывает обращение в sketch.
func (c *Cache[K, V]) Get(k K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sketch.increment(c.hash(k))
	var zero V
	el, ok := c.items[k]
	if !ok {
		return zero, false
	}
	e := el.Value.(*entry[K, V])
	if c.expired(e) {
		c.removeElement(el)
		return zero, false
	}
	c.listOf(e).MoveToFront(el)
	return e.value, true
}

// Set добавляет или обновляет значение.
func (c *Cache[K, V]) Set(k K, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sketch.increment(c.hash(k))
	expireAt := time.Time{}
	if c.ttl > 0 {
		expireAt = c.now().Add(c.ttl)
	}

	if el, ok := c.items[k]; ok {
		e := el.Value.(*entry[K, V])
		e.value = v
		e.expireAt = expireAt
		c.listOf(e).MoveToFront(el)
		return
	}

	e := &entry[K, V]{key: k, value: v, expireAt: expireAt, inWindow: true}
	c.items[k] = c.window.PushFront(e)
	if c.window.Len() <= c.windowCap {
		return
	}

	// Окно переполнено: кандидат из хвоста окна претендует на основную область.
	candEl := c.window.Back()
	cand := candEl.Value.(*entry[K, V])
	c.window.Remove(candEl)
	cand.inWindow = false

	if c.main.Len() < c.mainCap {
		c.items[cand.key] = c.main.PushFront(cand)
		return
	}

	victimEl := c.main.Back()
	victim := victimEl.Value.(*entry[K, V])
	if c.expired(victim) || c.sketch.estimate(c.hash(cand.key)) > c.sketch.estimate(c.hash(victim.key)) {
		c.main.Remove(victimEl)
		delete(c.items, victim.key)
		c.items[cand.key] = c.main.PushFront(cand)
		return
	}
	delete(c.items, cand.key)
}

// Delete удаляет ключ.
func (c *Cache[K, V]) Delete(k K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[k]; ok {
		c.removeElement(el)
	}
}

// DeleteFunc удаляет все ключи, для которых pred вернул true.
func (c *Cache[K, V]) DeleteFunc(pred func(K) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, el := range c.items {
		if pred(k) {
			c.removeElement(el)
			n++
		}
	}
	return n
}

// Clear очищает кеш и sketch.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]*list.Element, c.windowCap+c.mainCap)
	c.window.Init()
	c.main.Init()
	c.sketch.clear()
}

// Len возвращает число записей, включая ещё не вычищенные просроченные.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Cache[K, V]) expired(e *entry[K, V]) bool {
	return !e.expireAt.IsZero() && !c.now().Before(e.expireAt)
}

func (c *Cache[K, V]) listOf(e *entry[K, V]) *list.List {
	if e.inWindow {
		return c.window
	}
	return c.main
}

func (c *Cache[K, V]) removeElement(el *list.Element) {
	e := el.Value.(*entry[K, V])
	c.listOf(e).Remove(el)
	delete(c.items, e.key)
}
