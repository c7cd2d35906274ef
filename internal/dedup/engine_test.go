package dedup_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"tg-forwarder/internal/dedup"
	"tg-forwarder/internal/dedup/bloom"
	"tg-forwarder/internal/domain/models"
	"tg-forwarder/internal/infra/db/dbtest"
	"tg-forwarder/internal/repository/signatures"
	"tg-forwarder/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// directSink пишет строки сразу, без буфера.
type directSink struct {
	mu   sync.Mutex
	repo *signatures.Repo
	rows []models.MediaSignature
}

func (s *directSink) Add(ctx context.Context, rows ...models.MediaSignature) {
	s.mu.Lock()
	s.rows = append(s.rows, rows...)
	s.mu.Unlock()
	_ = s.repo.InsertBatch(ctx, rows)
}

func newEngine(t *testing.T, opts dedup.Options) (*dedup.Engine, *signatures.Repo, *directSink) {
	t.Helper()
	repo := signatures.New(dbtest.Open(t).DB)
	sink := &directSink{repo: repo}
	return dedup.New(opts, bloom.New(10_000, 0.001), repo, sink), repo, sink
}

func photo(id int, fileID string) *transport.Message {
	return &transport.Message{
		ID:     id,
		ChatID: 1,
		Media:  &transport.Media{Kind: transport.MediaPhoto, FileID: fileID, Size: 2048, Width: 800, Height: 600},
	}
}

func TestBloomHitConfirmedByStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine, repo, sink := newEngine(t, dedup.Options{})
	require.NoError(t, repo.InsertBatch(ctx, []models.MediaSignature{
		{ChatID: "100", Signature: "photo:42", CreatedAt: time.Now()},
	}))
	engine.Filter().Add(dedup.BloomKey("100", "photo:42"))

	res, err := engine.CheckAndLock(ctx, "100", photo(1, "42"))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, dedup.ReasonBloomStore, res.Reason)
	assert.Empty(t, sink.rows, "no write on duplicate")
	assert.Equal(t, 0, engine.LockCount())

	// LRU прогрет: следующий ответ приходит из памяти.
	res, err = engine.CheckAndLock(ctx, "100", photo(2, "42"))
	require.NoError(t, err)
	assert.Equal(t, dedup.ReasonBloomCache, res.Reason)
}

func TestBloomPositiveButUnconfirmedIsNotDuplicate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine, _, _ := newEngine(t, dedup.Options{})
	engine.Filter().Add(dedup.BloomKey("100", "photo:9"))

	res, err := engine.CheckAndLock(ctx, "100", photo(1, "9"))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
}

func TestCommitThenDuplicateAndRollback(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine, _, sink := newEngine(t, dedup.Options{})

	committed := photo(1, "abc")
	res, err := engine.CheckAndLock(ctx, "100", committed)
	require.NoError(t, err)
	require.False(t, res.Duplicate)

	res, err = engine.CheckAndLock(ctx, "100", photo(2, "abc"))
	require.NoError(t, err)
	assert.Equal(t, dedup.ReasonInFlight, res.Reason)

	engine.Commit(ctx, "100", committed)
	dup, err := engine.IsDuplicate(ctx, "100", committed)
	require.NoError(t, err)
	assert.True(t, dup)
	require.Len(t, sink.rows, 1)
	assert.Equal(t, "photo:abc", sink.rows[0].Signature)

	// Повторный Commit не дублирует строку.
	engine.Commit(ctx, "100", committed)
	assert.Len(t, sink.rows, 1)

	rolled := photo(3, "xyz")
	res, err = engine.CheckAndLock(ctx, "100", rolled)
	require.NoError(t, err)
	require.False(t, res.Duplicate)
	engine.Rollback("100", rolled)
	dup, err = engine.IsDuplicate(ctx, "100", rolled)
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, 0, engine.LockCount())

	// Другой чат-получатель независим.
	dup, err = engine.IsDuplicate(ctx, "200", committed)
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestContentHashCatchesReupload(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine, _, _ := newEngine(t, dedup.Options{EnableContentHash: true})

	first := photo(1, "file-a")
	engine.Commit(ctx, "100", first)

	// Другой file_id, те же признаки содержимого.
	res, err := engine.CheckAndLock(ctx, "100", photo(2, "file-b"))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, dedup.ReasonContentHash, res.Reason)

	disabled, _, _ := newEngine(t, dedup.Options{EnableContentHash: false})
	disabled.Commit(ctx, "100", first)
	res, err = disabled.CheckAndLock(ctx, "100", photo(2, "file-b"))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
}

func TestSimilarity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine, _, _ := newEngine(t, dedup.Options{EnableSimilarity: true, SimilarityThreshold: 0.6})

	base := "Breaking news: the central bank raised interest rates by half a percentage point today"
	engine.Commit(ctx, "100", &transport.Message{ID: 1, Text: base})

	near := &transport.Message{ID: 2, Text: base + " according to officials"}
	res, err := engine.CheckAndLock(ctx, "100", near)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, dedup.ReasonSimilarity, res.Reason)

	other := &transport.Message{ID: 3, Text: "Weather forecast promises sunny skies and mild temperatures all weekend long"}
	res, err = engine.CheckAndLock(ctx, "100", other)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)

	album := &transport.Message{ID: 4, GroupedID: 9, Text: base + " according to officials"}
	res, err = engine.CheckAndLock(ctx, "100", album)
	require.NoError(t, err)
	assert.False(t, res.Duplicate, "album members skip similarity")

	short := &transport.Message{ID: 5, Text: "ok"}
	engine.Commit(ctx, "100", short)
	res, err = engine.CheckAndLock(ctx, "100", &transport.Message{ID: 6, Text: "ok!"})
	require.NoError(t, err)
	assert.Equal(t, dedup.ReasonBloomCache, res.Reason, "short text still matches by signature")
}

func TestCleanupRespectsWindow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Now()
	engine, repo, _ := newEngine(t, dedup.Options{EnableTimeWindow: true, TimeWindow: time.Hour})
	engine.SetClock(func() time.Time { return now })

	require.NoError(t, repo.InsertBatch(ctx, []models.MediaSignature{
		{ChatID: "100", Signature: "photo:old", CreatedAt: now.Add(-2 * time.Hour)},
		{ChatID: "100", Signature: "photo:new", CreatedAt: now},
	}))
	require.NoError(t, engine.Cleanup(ctx))
	n, err := repo.Count(ctx, "100")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	keep, repoKeep, _ := newEngine(t, dedup.Options{EnableTimeWindow: true, TimeWindow: 0})
	require.NoError(t, repoKeep.InsertBatch(ctx, []models.MediaSignature{
		{ChatID: "100", Signature: "photo:old", CreatedAt: now.Add(-1000 * time.Hour)},
	}))
	require.NoError(t, keep.Cleanup(ctx))
	n, err = repoKeep.Count(ctx, "100")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "zero window keeps rows forever")
}

func TestWarmFillsBloomFromStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine, repo, _ := newEngine(t, dedup.Options{})
	require.NoError(t, repo.InsertBatch(ctx, []models.MediaSignature{
		{ChatID: "100", Signature: "video:5", CreatedAt: time.Now()},
	}))

	n, err := engine.Warm(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res, err := engine.CheckAndLock(ctx, "100", &transport.Message{
		ID: 1, Media: &transport.Media{Kind: transport.MediaVideo, FileID: "5"},
	})
	require.NoError(t, err)
	assert.Equal(t, dedup.ReasonBloomStore, res.Reason)
}

func TestStaleLockExpires(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Now()
	engine, _, _ := newEngine(t, dedup.Options{LockTTL: time.Minute})
	engine.SetClock(func() time.Time { return now })

	msg := photo(1, "p")
	res, err := engine.CheckAndLock(ctx, "100", msg)
	require.NoError(t, err)
	require.False(t, res.Duplicate)

	now = now.Add(2 * time.Minute)
	res, err = engine.CheckAndLock(ctx, "100", msg)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)

	now = now.Add(2 * time.Minute)
	require.NoError(t, engine.Cleanup(ctx))
	assert.Equal(t, 0, engine.LockCount())
}
