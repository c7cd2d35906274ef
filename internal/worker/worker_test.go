package worker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"tg-forwarder/internal/domain/models"
	"tg-forwarder/internal/errs"
	"tg-forwarder/internal/infra/db/dbtest"
	"tg-forwarder/internal/pipeline"
	"tg-forwarder/internal/ratelimit"
	"tg-forwarder/internal/repository/tasks"
	"tg-forwarder/internal/transport"
	"tg-forwarder/internal/worker"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const chat = int64(100)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type runnerFunc func(ctx context.Context, mc *pipeline.MessageContext) (pipeline.Outcome, error)

func (f runnerFunc) Run(ctx context.Context, mc *pipeline.MessageContext) (pipeline.Outcome, error) {
	return f(ctx, mc)
}

type recordingRunner struct {
	mu   sync.Mutex
	seen []*pipeline.MessageContext
	out  pipeline.Outcome
	err  error
}

func (r *recordingRunner) Run(_ context.Context, mc *pipeline.MessageContext) (pipeline.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, mc)
	return r.out, r.err
}

type summaries struct{ ran []uint }

func (s *summaries) RunRule(_ context.Context, id uint) error {
	s.ran = append(s.ran, id)
	return nil
}

type env struct {
	repo *tasks.Repo
	fake *transport.Fake
	now  time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	repo := tasks.New(dbtest.Open(t), tasks.Options{LockTTL: time.Minute, Retry: tasks.RetryPolicy{Base: 1, Factor: 2, Max: 300}})
	e := &env{repo: repo, fake: transport.NewFake(), now: epoch}
	repo.SetClock(func() time.Time { return e.now })
	return e
}

func (e *env) pool(t *testing.T, runner worker.Runner, sum worker.Summarizer) *worker.Pool {
	t.Helper()
	limiter := ratelimit.New(ratelimit.Options{RetryDelays: []time.Duration{}})
	return worker.New(e.repo, limiter, e.fake, runner, sum, worker.Options{
		MaxRetries:  3,
		DownloadDir: t.TempDir(),
		Clock:       func() time.Time { return e.now },
	})
}

func (e *env) push(t *testing.T, p tasks.Payload) {
	t.Helper()
	ok, err := e.repo.Push(context.Background(), p, tasks.PushOptions{})
	require.NoError(t, err)
	require.True(t, ok)
}

func (e *env) task(t *testing.T, id uint64) *models.TaskQueueEntry {
	t.Helper()
	task, err := e.repo.Get(context.Background(), id)
	require.NoError(t, err)
	return task
}

func runOnce(t *testing.T, p *worker.Pool) {
	t.Helper()
	worked, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, worked)
}

func TestSuccessCompletesTask(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.fake.Put(&transport.Message{ID: 1, ChatID: chat, Text: "hello"})
	e.push(t, tasks.ProcessMessage{ChatID: chat, MessageID: 1})

	runner := &recordingRunner{out: pipeline.Done()}
	runOnce(t, e.pool(t, runner, nil))

	require.Len(t, runner.seen, 1)
	assert.Equal(t, "hello", runner.seen[0].Message.Text)
	assert.False(t, runner.seen[0].IsAlbum())
	assert.Equal(t, models.TaskCompleted, e.task(t, 1).Status)

	worked, err := e.pool(t, runner, nil).RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, worked, "queue is empty")
}

func TestAlbumProcessedAsOneUnit(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	for _, id := range []int{12, 10, 11} {
		e.fake.Put(&transport.Message{ID: id, ChatID: chat, GroupedID: 55, Media: &transport.Media{Kind: transport.MediaPhoto}})
		e.push(t, tasks.ProcessMessage{ChatID: chat, MessageID: id, GroupedID: 55})
	}

	runner := &recordingRunner{out: pipeline.Done()}
	runOnce(t, e.pool(t, runner, nil))

	require.Len(t, runner.seen, 1, "album members share one pipeline run")
	mc := runner.seen[0]
	assert.Equal(t, []int{10, 11, 12}, mc.MemberIDs())
	assert.Len(t, mc.TaskIDs, 3)
	assert.Len(t, e.fake.CallsOf("get"), 1, "ids fetched in one batch")
	for id := uint64(1); id <= 3; id++ {
		assert.Equal(t, models.TaskCompleted, e.task(t, id).Status)
	}
}

func TestMissingMessageFailsTask(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.push(t, tasks.ProcessMessage{ChatID: chat, MessageID: 404})

	runner := &recordingRunner{out: pipeline.Done()}
	runOnce(t, e.pool(t, runner, nil))

	assert.Empty(t, runner.seen)
	task := e.task(t, 1)
	assert.Equal(t, models.TaskFailed, task.Status)
	assert.Equal(t, "Source message not found", task.ErrorMessage)
}

func TestTransientErrorRetriesWithBackoff(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.fake.Put(&transport.Message{ID: 1, ChatID: chat, Text: "x"})
	e.push(t, tasks.ProcessMessage{ChatID: chat, MessageID: 1})

	runner := &recordingRunner{err: errs.Transient(errors.New("network is unreachable"))}
	p := e.pool(t, runner, nil)

	runOnce(t, p)
	task := e.task(t, 1)
	assert.Equal(t, models.TaskPending, task.Status)
	assert.Equal(t, 1, task.RetryCount)
	require.NotNil(t, task.NextRetryAt)
	assert.WithinDuration(t, epoch.Add(time.Second), *task.NextRetryAt, 100*time.Millisecond)

	e.now = e.now.Add(2 * time.Second)
	runOnce(t, p)
	assert.Equal(t, 2, e.task(t, 1).RetryCount)

	e.now = e.now.Add(3 * time.Second)
	runOnce(t, p)
	task = e.task(t, 1)
	assert.Equal(t, models.TaskFailed, task.Status, "retries exhausted")
	assert.Equal(t, 3, task.RetryCount)
}

func TestFloodWaitRetriesAtServerHint(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.fake.Put(&transport.Message{ID: 1, ChatID: chat, Text: "x"})
	e.push(t, tasks.ProcessMessage{ChatID: chat, MessageID: 1})

	runOnce(t, e.pool(t, &recordingRunner{err: errs.FloodWait(30, nil)}, nil))

	task := e.task(t, 1)
	assert.Equal(t, models.TaskPending, task.Status)
	require.NotNil(t, task.NextRetryAt)
	assert.WithinDuration(t, epoch.Add(31*time.Second), *task.NextRetryAt, time.Millisecond)
}

func TestRepeatedFloodWaitExhaustsRetries(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.fake.Put(&transport.Message{ID: 1, ChatID: chat, Text: "x"})
	e.push(t, tasks.ProcessMessage{ChatID: chat, MessageID: 1})

	p := e.pool(t, &recordingRunner{err: errs.FloodWait(10, nil)}, nil)
	for range 2 {
		runOnce(t, p)
		assert.Equal(t, models.TaskPending, e.task(t, 1).Status)
		e.now = e.now.Add(11 * time.Second)
	}

	runOnce(t, p)
	task := e.task(t, 1)
	assert.Equal(t, models.TaskFailed, task.Status, "flood wait counts against max retries")
	assert.Equal(t, 3, task.RetryCount)
	assert.Contains(t, task.ErrorMessage, "Max retries exceeded")
}

func TestCircuitOpenRetryIsCapped(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.fake.Put(&transport.Message{ID: 1, ChatID: chat, Text: "x"})
	ok, err := e.repo.Push(context.Background(), tasks.ProcessMessage{ChatID: chat, MessageID: 1}, tasks.PushOptions{})
	require.NoError(t, err)
	require.True(t, ok)

	limiter := ratelimit.New(ratelimit.Options{RetryDelays: []time.Duration{}, RecoveryTimeout: 500 * time.Millisecond})
	runner := &recordingRunner{err: &errs.CircuitOpenError{RetryAfter: time.Minute}}
	p := worker.New(e.repo, limiter, e.fake, runner, nil, worker.Options{MaxRetries: 5, Clock: func() time.Time { return e.now }})

	runOnce(t, p)
	task := e.task(t, 1)
	assert.Equal(t, models.TaskPending, task.Status)
	require.NotNil(t, task.NextRetryAt)
	assert.LessOrEqual(t, task.NextRetryAt.Sub(epoch), 500*time.Millisecond)
}

func TestPermanentAndUnhandledErrorsFail(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "permanent", err: errs.Permanentf("CHAT_WRITE_FORBIDDEN"), want: "CHAT_WRITE_FORBIDDEN"},
		{name: "unhandled", err: errors.New("boom"), want: "Unhandled: boom"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			e := newEnv(t)
			e.fake.Put(&transport.Message{ID: 1, ChatID: chat, Text: "x"})
			e.push(t, tasks.ProcessMessage{ChatID: chat, MessageID: 1})

			runOnce(t, e.pool(t, &recordingRunner{err: tc.err}, nil))
			task := e.task(t, 1)
			assert.Equal(t, models.TaskFailed, task.Status)
			assert.Equal(t, tc.want, task.ErrorMessage)
		})
	}
}

func TestRescheduleDelaysWholeGroup(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	for _, id := range []int{1, 2} {
		e.fake.Put(&transport.Message{ID: id, ChatID: chat, GroupedID: 9, Media: &transport.Media{Kind: transport.MediaPhoto}})
		e.push(t, tasks.ProcessMessage{ChatID: chat, MessageID: id, GroupedID: 9})
	}

	runner := runnerFunc(func(context.Context, *pipeline.MessageContext) (pipeline.Outcome, error) {
		return pipeline.Later(20 * time.Second), nil
	})
	runOnce(t, e.pool(t, runner, nil))

	for id := uint64(1); id <= 2; id++ {
		task := e.task(t, id)
		assert.Equal(t, models.TaskPending, task.Status)
		assert.Equal(t, 0, task.RetryCount)
		require.NotNil(t, task.NextRetryAt)
		assert.WithinDuration(t, epoch.Add(20*time.Second), *task.NextRetryAt, time.Millisecond)
	}
}

func TestDownloadAndManualDownload(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.fake.Put(
		&transport.Message{ID: 1, ChatID: chat, Media: &transport.Media{Kind: transport.MediaDocument, FileName: "a.pdf"}},
		&transport.Message{ID: 2, ChatID: chat, Text: "report", Media: &transport.Media{Kind: transport.MediaDocument, FileName: "b.pdf"}},
	)
	e.push(t, tasks.DownloadFile{ChatID: chat, MessageID: 1})
	e.push(t, tasks.ManualDownload{ChatID: chat, MessageID: 2, TargetChatID: 500})

	p := e.pool(t, &recordingRunner{}, nil)
	runOnce(t, p)
	runOnce(t, p)

	assert.Len(t, e.fake.CallsOf("download"), 2)
	files := e.fake.CallsOf("send_file")
	require.Len(t, files, 1)
	assert.Equal(t, int64(500), files[0].To)
	assert.Contains(t, files[0].Text, "|report")
	assert.Equal(t, models.TaskCompleted, e.task(t, 1).Status)
	assert.Equal(t, models.TaskCompleted, e.task(t, 2).Status)
}

func TestSummaryTaskRunsRule(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.push(t, tasks.Summary{RuleID: 7})

	sum := &summaries{}
	runOnce(t, e.pool(t, &recordingRunner{}, sum))
	assert.Equal(t, []uint{7}, sum.ran)
	assert.Equal(t, models.TaskCompleted, e.task(t, 1).Status)
}

func TestStartStopDrainsQueue(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	for id := 1; id <= 5; id++ {
		e.fake.Put(&transport.Message{ID: id, ChatID: chat, Text: "x"})
		e.push(t, tasks.ProcessMessage{ChatID: chat, MessageID: id})
	}
	runner := &recordingRunner{out: pipeline.Done()}
	limiter := ratelimit.New(ratelimit.Options{RetryDelays: []time.Duration{}})
	p := worker.New(e.repo, limiter, e.fake, runner, nil, worker.Options{Count: 2, Clock: func() time.Time { return e.now }})

	p.Start(context.Background())
	require.Eventually(t, func() bool {
		st, err := e.repo.QueueStatus(context.Background())
		return err == nil && st.Completed == 5
	}, 5*time.Second, 20*time.Millisecond)
	p.Stop()
}
