package middleware_test

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"tg-forwarder/internal/dedup"
	"tg-forwarder/internal/dedup/bloom"
	"tg-forwarder/internal/domain/events"
	"tg-forwarder/internal/domain/filters"
	"tg-forwarder/internal/domain/models"
	"tg-forwarder/internal/errs"
	"tg-forwarder/internal/infra/db/dbtest"
	"tg-forwarder/internal/infra/eventbus"
	"tg-forwarder/internal/pipeline"
	"tg-forwarder/internal/pipeline/middleware"
	"tg-forwarder/internal/ratelimit"
	"tg-forwarder/internal/repository/signatures"
	"tg-forwarder/internal/transport"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	sourceChat = int64(100)
	targetChat = int64(200)
	otherChat  = int64(300)
)

type staticRules []models.ForwardingRule

func (s staticRules) GetRulesForSourceChat(context.Context, int64) ([]models.ForwardingRule, error) {
	return slices.Clone(s), nil
}

type directSink struct{ repo *signatures.Repo }

func (s directSink) Add(ctx context.Context, rows ...models.MediaSignature) {
	_ = s.repo.InsertBatch(ctx, rows)
}

type upperRewriter struct {
	mu    sync.Mutex
	fail  bool
	calls int
}

func (u *upperRewriter) ProcessMessage(_ context.Context, text, _, _ string, _ [][]byte) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	if u.fail {
		return "", errors.New("model unavailable")
	}
	return strings.ToUpper(text), nil
}

type harness struct {
	fake     *transport.Fake
	engine   *dedup.Engine
	bus      *eventbus.Bus
	rewriter *upperRewriter
	pipe     *pipeline.Pipeline

	mu       sync.Mutex
	success  []events.Forward
	failed   []events.Forward
	filtered []events.Filtered
}

func rule(id uint, target int64) models.ForwardingRule {
	r := models.NewRule(1, 2)
	r.ID = id
	r.TargetChat = models.Chat{TelegramChatID: strconv.FormatInt(target, 10)}
	return r
}

func newHarness(t *testing.T, rules ...models.ForwardingRule) *harness {
	t.Helper()

	repo := signatures.New(dbtest.Open(t).DB)
	h := &harness{
		fake:     transport.NewFake(),
		engine:   dedup.New(dedup.Options{}, bloom.New(10_000, 0.001), repo, directSink{repo: repo}),
		bus:      eventbus.New(),
		rewriter: &upperRewriter{},
	}
	limiter := ratelimit.New(ratelimit.Options{RetryDelays: []time.Duration{}})

	middleware.SubscribeDedupCommit(h.bus, h.engine)
	h.bus.Subscribe(eventbus.TopicForwardSuccess, "test", func(_ context.Context, ev eventbus.Event) error {
		h.mu.Lock()
		h.success = append(h.success, ev.Payload.(events.Forward))
		h.mu.Unlock()
		return nil
	})
	h.bus.Subscribe(eventbus.TopicForwardFailed, "test", func(_ context.Context, ev eventbus.Event) error {
		h.mu.Lock()
		h.failed = append(h.failed, ev.Payload.(events.Forward))
		h.mu.Unlock()
		return nil
	})
	h.bus.Subscribe(eventbus.TopicRuleFiltered, "test", func(_ context.Context, ev eventbus.Event) error {
		h.mu.Lock()
		h.filtered = append(h.filtered, ev.Payload.(events.Filtered))
		h.mu.Unlock()
		return nil
	})

	h.pipe = pipeline.New(
		middleware.NewRuleLoader(staticRules(rules)),
		middleware.NewDedup(h.engine, h.bus, limiter, h.fake),
		middleware.NewFilter(filters.NewEngine(), h.bus),
		middleware.NewAI(h.rewriter, middleware.AIOptions{Concurrency: 2, DefaultModel: "gemini-test"}),
		middleware.NewSender(limiter, h.fake, h.bus),
	)
	return h
}

func (h *harness) run(t *testing.T, msg *transport.Message, group ...*transport.Message) (pipeline.Outcome, error) {
	t.Helper()
	mc := pipeline.NewMessageContext(sourceChat, msg, group, 1)
	out, err := h.pipe.Run(context.Background(), mc)
	require.NoError(t, h.bus.Wait(context.Background()))
	return out, err
}

func text(id int, body string) *transport.Message {
	return &transport.Message{ID: id, ChatID: sourceChat, Text: body, Date: time.Now().Add(-time.Hour)}
}

func TestForwardThenDuplicateDropped(t *testing.T) {
	t.Parallel()

	h := newHarness(t, rule(1, targetChat))

	out, err := h.run(t, text(10, "breaking news"))
	require.NoError(t, err)
	assert.Equal(t, pipeline.Continue, out.Kind)

	calls := h.fake.CallsOf("forward")
	require.Len(t, calls, 1)
	assert.Equal(t, targetChat, calls[0].To)
	assert.Equal(t, []int{10}, calls[0].IDs)
	require.Len(t, h.success, 1)
	assert.Equal(t, middleware.ModeForward, h.success[0].Mode)

	out, err = h.run(t, text(11, "breaking news"))
	require.NoError(t, err)
	assert.Equal(t, pipeline.Terminate, out.Kind)
	assert.Len(t, h.fake.CallsOf("forward"), 1, "duplicate is not forwarded again")
	require.Len(t, h.filtered, 1)
	assert.Contains(t, h.filtered[0].Reason, "duplicate")
	assert.Equal(t, 0, h.engine.LockCount())
}

func TestAlbumForwardedAsOneSortedCall(t *testing.T) {
	t.Parallel()

	h := newHarness(t, rule(1, targetChat))
	var album []*transport.Message
	for _, id := range []int{13, 11, 12} {
		album = append(album, &transport.Message{
			ID: id, ChatID: sourceChat, GroupedID: 77,
			Media: &transport.Media{Kind: transport.MediaPhoto, FileID: "f" + strconv.Itoa(id)},
		})
	}

	_, err := h.run(t, album[0], album...)
	require.NoError(t, err)

	calls := h.fake.CallsOf("forward")
	require.Len(t, calls, 1)
	assert.Equal(t, []int{11, 12, 13}, calls[0].IDs)
	assert.Len(t, h.success, 3, "one event per album member")
	assert.Equal(t, h.success[0].At, h.success[2].At)
}

func TestCopyModeWithReplace(t *testing.T) {
	t.Parallel()

	r := rule(1, targetChat)
	r.IsReplace = true
	r.ReplaceRules = []models.ReplaceRule{{Pattern: `@\w+`, Content: "@mirror"}}
	h := newHarness(t, r)

	_, err := h.run(t, text(10, "via @origin"))
	require.NoError(t, err)

	assert.Empty(t, h.fake.CallsOf("forward"))
	sends := h.fake.CallsOf("send")
	require.Len(t, sends, 1)
	assert.Equal(t, "via @mirror", sends[0].Text)
	assert.Equal(t, middleware.ModeCopy, h.success[0].Mode)
}

func TestForcePureForwardWins(t *testing.T) {
	t.Parallel()

	r := rule(1, targetChat)
	r.IsOriginalSender = false
	r.ForcePureForward = true
	h := newHarness(t, r)

	_, err := h.run(t, text(10, "hello"))
	require.NoError(t, err)
	assert.Len(t, h.fake.CallsOf("forward"), 1)
}

func TestAIRewriteAndFallback(t *testing.T) {
	t.Parallel()

	r := rule(1, targetChat)
	r.IsAI = true
	h := newHarness(t, r)

	_, err := h.run(t, text(10, "quiet words"))
	require.NoError(t, err)
	sends := h.fake.CallsOf("send")
	require.Len(t, sends, 1)
	assert.Equal(t, "QUIET WORDS", sends[0].Text)

	h.rewriter.fail = true
	_, err = h.run(t, text(11, "other words"))
	require.NoError(t, err)
	sends = h.fake.CallsOf("send")
	require.Len(t, sends, 2)
	assert.Equal(t, "other words", sends[1].Text, "failure keeps original text")
}

func TestKeywordFilterTerminates(t *testing.T) {
	t.Parallel()

	r := rule(1, targetChat)
	r.Keywords = []models.Keyword{{Keyword: "casino", IsBlacklist: true}}
	h := newHarness(t, r)

	out, err := h.run(t, text(10, "best CASINO bonus"))
	require.NoError(t, err)
	assert.Equal(t, pipeline.Terminate, out.Kind)
	assert.Empty(t, h.fake.CallsOf("forward"))
	require.Len(t, h.filtered, 1)
	assert.Equal(t, filters.ReasonKeyword, h.filtered[0].Reason)
	assert.Equal(t, 0, h.engine.LockCount(), "filtered rule releases its lock")
}

func TestDelayReschedulesFreshMessage(t *testing.T) {
	t.Parallel()

	r := rule(1, targetChat)
	r.EnableDelay = true
	r.DelaySeconds = 30
	h := newHarness(t, r)

	fresh := text(10, "just posted")
	fresh.Date = time.Now().Add(-10 * time.Second)

	out, err := h.run(t, fresh)
	require.NoError(t, err)
	assert.Equal(t, pipeline.Reschedule, out.Kind)
	assert.InDelta(t, (20 * time.Second).Seconds(), out.After.Seconds(), 2)
	assert.Empty(t, h.fake.Calls())

	out, err = h.run(t, text(11, "old enough"))
	require.NoError(t, err)
	assert.Equal(t, pipeline.Continue, out.Kind)
}

func TestFailedRuleRollsBackAndReportsError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, rule(1, targetChat))
	h.fake.Hook = func(op string, to int64) error {
		if op == "forward" {
			return errs.Permanentf("CHAT_WRITE_FORBIDDEN")
		}
		return nil
	}

	_, err := h.run(t, text(10, "blocked"))
	require.Error(t, err)
	assert.True(t, errs.IsPermanent(err))
	assert.Len(t, h.failed, 1)
	assert.Equal(t, 0, h.engine.LockCount())

	h.fake.Hook = nil
	_, err = h.run(t, text(11, "blocked"))
	require.NoError(t, err, "rolled back signature does not block the retry")
	assert.Len(t, h.fake.CallsOf("forward"), 1)
}

func TestPartialFailureDoesNotFailTask(t *testing.T) {
	t.Parallel()

	h := newHarness(t, rule(1, targetChat), rule(2, otherChat))
	h.fake.Hook = func(op string, to int64) error {
		if to == otherChat {
			return errs.Transient(errors.New("timeout"))
		}
		return nil
	}

	_, err := h.run(t, text(10, "partial"))
	require.NoError(t, err)
	assert.Len(t, h.success, 1)
	assert.Len(t, h.failed, 1)
}

func TestDeleteOriginalAfterSuccess(t *testing.T) {
	t.Parallel()

	r := rule(1, targetChat)
	r.IsDeleteOriginal = true
	h := newHarness(t, r)

	_, err := h.run(t, text(10, "move me"))
	require.NoError(t, err)
	deletes := h.fake.CallsOf("delete")
	require.Len(t, deletes, 1)
	assert.Equal(t, sourceChat, deletes[0].From)
	assert.Equal(t, []int{10}, deletes[0].IDs)
}

func TestNoRulesTerminates(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	out, err := h.run(t, text(10, "nobody listens"))
	require.NoError(t, err)
	assert.Equal(t, pipeline.Terminate, out.Kind)
}

func TestTextOnlyFallbackKeepsMediaUncommitted(t *testing.T) {
	t.Parallel()

	r := rule(1, targetChat)
	r.EnableMediaTypeFilter = true
	r.MediaTypes = &models.MediaTypes{Photo: true}
	r.AllowTextWhenMediaBlocked = true
	h := newHarness(t, r)

	photo := &transport.Message{
		ID: 10, ChatID: sourceChat, Text: "caption survives",
		Media: &transport.Media{Kind: transport.MediaPhoto, FileID: "p1"},
	}
	_, err := h.run(t, photo)
	require.NoError(t, err)

	sends := h.fake.CallsOf("send")
	require.Len(t, sends, 1)
	assert.Equal(t, "caption survives", sends[0].Text)
	require.Len(t, h.success, 1)
	assert.Equal(t, middleware.ModeText, h.success[0].Mode)

	assert.Equal(t, 0, h.engine.LockCount())
	dup, err := h.engine.IsDuplicate(context.Background(), strconv.FormatInt(targetChat, 10), photo)
	require.NoError(t, err)
	assert.False(t, dup, "media was not delivered, so its signature is not recorded")
}

func TestAlbumMemberDroppedByFilterReleasesLock(t *testing.T) {
	t.Parallel()

	r := rule(1, targetChat)
	r.EnableMediaTypeFilter = true
	r.MediaTypes = &models.MediaTypes{Video: true}
	h := newHarness(t, r)

	photo := &transport.Message{
		ID: 21, ChatID: sourceChat, GroupedID: 5,
		Media: &transport.Media{Kind: transport.MediaPhoto, FileID: "p21"},
	}
	video := &transport.Message{
		ID: 22, ChatID: sourceChat, GroupedID: 5,
		Media: &transport.Media{Kind: transport.MediaVideo, FileID: "v22"},
	}
	_, err := h.run(t, photo, photo, video)
	require.NoError(t, err)

	calls := h.fake.CallsOf("forward")
	require.Len(t, calls, 1)
	assert.Equal(t, []int{21}, calls[0].IDs)
	assert.Equal(t, 0, h.engine.LockCount(), "filtered member lock is rolled back")

	key := strconv.FormatInt(targetChat, 10)
	dup, err := h.engine.IsDuplicate(context.Background(), key, video)
	require.NoError(t, err)
	assert.False(t, dup)
	dup, err = h.engine.IsDuplicate(context.Background(), key, photo)
	require.NoError(t, err)
	assert.True(t, dup)
}
