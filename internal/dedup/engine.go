// Package dedup — многоуровневая дедупликация пересылок: bloom-фильтр →
// LRU с TTL в памяти → постоянное хранилище сигнатур, плюс хеш содержимого
// и (по желанию) похожесть текста по MinHash/LSH.
//
// Протокол транзакционный: CheckAndLock ставит предварительную блокировку,
// Commit после успешной отправки делает запись долговечной, Rollback снимает
// блокировку при сбое. Положительный ответ по сигнатуре возможен только после
// того, как bloom сказал «возможно», а LRU или хранилище подтвердили.
package dedup

import (
	"context"
	"sync"
	"time"

	"tg-forwarder/internal/dedup/bloom"
	"tg-forwarder/internal/domain/models"
	"tg-forwarder/internal/infra/logger"
	"tg-forwarder/internal/infra/metrics"
	"tg-forwarder/internal/transport"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

// Причины срабатывания.
const (
	ReasonInFlight    = "in-flight"
	ReasonBloomCache  = "bloom+cache"
	ReasonBloomStore  = "bloom+store"
	ReasonContentHash = "content_hash"
	ReasonSimilarity  = "similarity"
)

const defaultLockTTL = 10 * time.Minute

// Result — итог проверки.
type Result struct {
	Duplicate bool
	Reason    string
}

// Store — постоянное хранилище сигнатур. since нулевое — без ограничения по времени.
type Store interface {
	HasSignature(ctx context.Context, chatID, signature string, since time.Time) (bool, error)
	HasContentHash(ctx context.Context, chatID, hash string, since time.Time) (bool, error)
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// Walker — необязательная возможность Store: обход сохранённых сигнатур для
// прогрева bloom-фильтра, если снимок фильтра потерян.
type Walker interface {
	WalkSince(ctx context.Context, since time.Time, fn func(chatID, signature, hash string)) error
}

// Sink принимает строки сигнатур для групповой записи.
type Sink interface {
	Add(ctx context.Context, rows ...models.MediaSignature)
}

// Options — настройки движка.
type Options struct {
	TimeWindow          time.Duration // 0 — записи бессрочны
	EnableTimeWindow    bool
	EnableContentHash   bool
	EnableSimilarity    bool
	SimilarityThreshold float64
	CacheSize           int
	LockTTL             time.Duration // срок жизни забытой предварительной блокировки
}

// Engine — потокобезопасный движок дедупликации.
type Engine struct {
	opts   Options
	filter *bloom.Filter
	cache  *expirable.LRU[string, time.Time]
	store  Store
	sink   Sink
	sim    *similarityIndex
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]time.Time
}

// New собирает движок.
func New(opts Options, filter *bloom.Filter, store Store, sink Sink) *Engine {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 10000
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = defaultLockTTL
	}
	if opts.SimilarityThreshold < 0.5 || opts.SimilarityThreshold > 1 {
		opts.SimilarityThreshold = 0.85
	}
	var ttl time.Duration
	if opts.EnableTimeWindow {
		ttl = opts.TimeWindow
	}
	return &Engine{
		opts:   opts,
		filter: filter,
		cache:  expirable.NewLRU[string, time.Time](opts.CacheSize, nil, ttl),
		store:  store,
		sink:   sink,
		sim:    newSimilarityIndex(),
		now:    time.Now,
		locks:  make(map[string]time.Time),
	}
}

// SetClock подменяет источник времени (для тестов).
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Filter возвращает bloom-фильтр (для периодического сохранения).
func (e *Engine) Filter() *bloom.Filter { return e.filter }

type probe struct {
	sig        string
	hash       string
	sigKey     string
	hashKey    string
	normalized string
	album      bool
}

// BloomKey — ключ сигнатуры в bloom-фильтре и LRU.
func BloomKey(chatID, signature string) string { return chatID + "|" + signature }

// HashKey — ключ хеша содержимого в bloom-фильтре и LRU.
func HashKey(chatID, hash string) string { return chatID + "|h:" + hash }

func newProbe(chatID string, msg *transport.Message) probe {
	p := probe{
		sig:   Signature(msg),
		hash:  ContentHash(msg),
		album: msg != nil && msg.GroupedID != 0,
	}
	p.sigKey = BloomKey(chatID, p.sig)
	if p.hash != "" {
		p.hashKey = HashKey(chatID, p.hash)
	}
	if msg != nil && msg.Media == nil {
		p.normalized = normalizeText(msg.Text)
	}
	return p
}

func (e *Engine) since() time.Time {
	if !e.opts.EnableTimeWindow || e.opts.TimeWindow <= 0 {
		return time.Time{}
	}
	return e.now().Add(-e.opts.TimeWindow)
}

// CheckAndLock проверяет сообщение на дубликат для чата-получателя и, если
// это не дубликат, ставит предварительную блокировку.
func (e *Engine) CheckAndLock(ctx context.Context, chatID string, msg *transport.Message) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	p := newProbe(chatID, msg)

	e.mu.Lock()
	if at, ok := e.locks[p.sigKey]; ok && e.now().Sub(at) < e.opts.LockTTL {
		e.mu.Unlock()
		return e.hit(chatID, p, ReasonInFlight), nil
	}
	e.mu.Unlock()

	res := e.lookup(ctx, chatID, p)
	if res.Duplicate {
		return e.hit(chatID, p, res.Reason), nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// Повторная проверка: за время поиска блокировку мог поставить другой воркер.
	if at, ok := e.locks[p.sigKey]; ok && e.now().Sub(at) < e.opts.LockTTL {
		return e.hit(chatID, p, ReasonInFlight), nil
	}
	e.locks[p.sigKey] = e.now()
	return Result{}, nil
}

// IsDuplicate — проверка без блокировки.
func (e *Engine) IsDuplicate(ctx context.Context, chatID string, msg *transport.Message) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return e.lookup(ctx, chatID, newProbe(chatID, msg)).Duplicate, nil
}

func (e *Engine) hit(chatID string, p probe, reason string) Result {
	metrics.DedupHits.WithLabelValues(reason).Inc()
	logger.Debug("Duplicate detected",
		zap.String("chat_id", chatID),
		zap.String("signature", p.sig),
		zap.String("reason", reason),
	)
	return Result{Duplicate: true, Reason: reason}
}

func (e *Engine) lookup(ctx context.Context, chatID string, p probe) Result {
	since := e.since()

	if e.filter.Contains(p.sigKey) {
		if e.cache.Contains(p.sigKey) {
			return Result{Duplicate: true, Reason: ReasonBloomCache}
		}
		found, err := e.store.HasSignature(ctx, chatID, p.sig, since)
		if err != nil {
			logger.Warn("Signature store lookup failed", zap.String("chat_id", chatID), zap.Error(err))
		}
		if found {
			e.cache.Add(p.sigKey, e.now())
			return Result{Duplicate: true, Reason: ReasonBloomStore}
		}
	}

	if e.opts.EnableContentHash && p.hashKey != "" && e.filter.Contains(p.hashKey) {
		if e.cache.Contains(p.hashKey) {
			return Result{Duplicate: true, Reason: ReasonContentHash}
		}
		found, err := e.store.HasContentHash(ctx, chatID, p.hash, since)
		if err != nil {
			logger.Warn("Content hash lookup failed", zap.String("chat_id", chatID), zap.Error(err))
		}
		if found {
			e.cache.Add(p.hashKey, e.now())
			return Result{Duplicate: true, Reason: ReasonContentHash}
		}
	}

	if e.opts.EnableSimilarity && !p.album && eligibleForSimilarity(p.normalized) {
		if score, ok := e.sim.match(chatID, p.normalized, e.opts.SimilarityThreshold, since); ok {
			logger.Debug("Similar message found", zap.String("chat_id", chatID), zap.Float64("score", score))
			return Result{Duplicate: true, Reason: ReasonSimilarity}
		}
	}
	return Result{}
}

// Rollback снимает предварительную блокировку.
func (e *Engine) Rollback(chatID string, msg *transport.Message) {
	key := BloomKey(chatID, Signature(msg))
	e.mu.Lock()
	delete(e.locks, key)
	e.mu.Unlock()
}

// Commit делает запись долговечной: строка уходит в групповую запись, LRU и
// bloom обновляются синхронно, блокировка снимается. Повторный Commit той же
// сигнатуры строку не дублирует.
func (e *Engine) Commit(ctx context.Context, chatID string, msg *transport.Message) {
	p := newProbe(chatID, msg)
	now := e.now()

	known := e.cache.Contains(p.sigKey)
	e.cache.Add(p.sigKey, now)
	e.filter.Add(p.sigKey)
	if p.hashKey != "" {
		e.cache.Add(p.hashKey, now)
		e.filter.Add(p.hashKey)
	}
	if e.opts.EnableSimilarity && !p.album && eligibleForSimilarity(p.normalized) {
		e.sim.add(chatID, p.normalized, now)
	}

	e.mu.Lock()
	delete(e.locks, p.sigKey)
	e.mu.Unlock()

	if known {
		return
	}
	row := models.MediaSignature{
		ChatID:      chatID,
		Signature:   p.sig,
		ContentHash: p.hash,
		CreatedAt:   now,
	}
	if msg != nil && msg.Media != nil {
		row.FileID = msg.Media.FileID
		row.MediaType = string(msg.Media.Kind)
	} else {
		row.MediaType = "text"
	}
	e.sink.Add(ctx, row)
}

// Cleanup удаляет записи старше окна (если окно включено) и забытые блокировки.
func (e *Engine) Cleanup(ctx context.Context) error {
	now := e.now()
	e.mu.Lock()
	for k, at := range e.locks {
		if now.Sub(at) >= e.opts.LockTTL {
			delete(e.locks, k)
		}
	}
	e.mu.Unlock()

	since := e.since()
	if since.IsZero() {
		return nil
	}
	e.sim.evictBefore(since)
	n, err := e.store.DeleteOlderThan(ctx, since)
	if err != nil {
		return err
	}
	if n > 0 {
		logger.Info("Dedup cleanup removed expired signatures", zap.Int64("rows", n))
	}
	return nil
}

// Warm заполняет bloom-фильтр из хранилища. Вызывается на старте, когда
// снимок фильтра пуст.
func (e *Engine) Warm(ctx context.Context) (int, error) {
	w, ok := e.store.(Walker)
	if !ok {
		return 0, nil
	}
	n := 0
	err := w.WalkSince(ctx, e.since(), func(chatID, signature, hash string) {
		e.filter.Add(BloomKey(chatID, signature))
		if hash != "" {
			e.filter.Add(HashKey(chatID, hash))
		}
		n++
	})
	return n, err
}

// LockCount — число активных предварительных блокировок.
func (e *Engine) LockCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.locks)
}
