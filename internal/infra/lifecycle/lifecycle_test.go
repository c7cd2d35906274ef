package lifecycle_test

import (
	"context"
	"sync"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tg-forwarder/internal/infra/lifecycle"
)

type journal struct {
	mu     sync.Mutex
	events []string
}

func (j *journal) add(e string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, e)
}

func (j *journal) all() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.events...)
}

func (j *journal) node(name string) (lifecycle.StartFunc, lifecycle.StopFunc) {
	return func(context.Context) (context.Context, error) {
			j.add("start:" + name)
			return nil, nil
		}, func(context.Context) error {
			j.add("stop:" + name)
			return nil
		}
}

func TestStartOrderFollowsDependencies(t *testing.T) {
	t.Parallel()

	j := &journal{}
	m := lifecycle.New(context.Background())

	start, stop := j.node("workers")
	require.NoError(t, m.Register("workers", "", []string{"limiter", "stats"}, start, stop))
	start, stop = j.node("limiter")
	require.NoError(t, m.Register("limiter", "", nil, start, stop))
	start, stop = j.node("stats")
	require.NoError(t, m.Register("stats", "", nil, start, stop))

	require.NoError(t, m.StartAll())
	require.NoError(t, m.Shutdown())

	assert.Equal(t, []string{
		"start:limiter", "start:stats", "start:workers",
		"stop:workers", "stop:stats", "stop:limiter",
	}, j.all())
}

func TestChildContextFollowsParent(t *testing.T) {
	t.Parallel()

	m := lifecycle.New(context.Background())

	var childCtx context.Context
	require.NoError(t, m.Register("parent", "", nil, nil, nil))
	require.NoError(t, m.Register("child", "parent", nil,
		func(ctx context.Context) (context.Context, error) {
			childCtx = ctx
			return nil, nil
		}, nil))

	require.NoError(t, m.StartAll())
	require.NoError(t, childCtx.Err())

	require.NoError(t, m.Shutdown())
	assert.ErrorIs(t, childCtx.Err(), context.Canceled)
}

func TestStopReceivesLiveContext(t *testing.T) {
	t.Parallel()

	m := lifecycle.New(context.Background())

	var stopErr error
	require.NoError(t, m.Register("buffer", "", nil, nil, func(ctx context.Context) error {
		stopErr = ctx.Err()
		return nil
	}))

	require.NoError(t, m.StartAll())
	require.NoError(t, m.Shutdown())
	assert.NoError(t, stopErr)
}

func TestStartFailure(t *testing.T) {
	t.Parallel()

	m := lifecycle.New(context.Background())
	boom := errors.New("boom")

	require.NoError(t, m.Register("db", "", nil, func(context.Context) (context.Context, error) {
		return nil, boom
	}, nil))
	require.NoError(t, m.Register("workers", "", []string{"db"}, nil, nil))

	err := m.StartAll()
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		node   string
		parent string
		deps   []string
	}{
		{name: "empty name", node: ""},
		{name: "reserved root", node: "root"},
		{name: "unknown parent", node: "x", parent: "missing"},
		{name: "self dependency", node: "x", deps: []string{"x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m := lifecycle.New(context.Background())
			assert.Error(t, m.Register(tt.node, tt.parent, tt.deps, nil, nil))
		})
	}
}

func TestDuplicateRegistration(t *testing.T) {
	t.Parallel()

	m := lifecycle.New(context.Background())
	require.NoError(t, m.Register("a", "", nil, nil, nil))
	assert.Error(t, m.Register("a", "", nil, nil, nil))
}

func TestDependencyCycle(t *testing.T) {
	t.Parallel()

	m := lifecycle.New(context.Background())
	require.NoError(t, m.Register("a", "", []string{"b"}, nil, nil))
	require.NoError(t, m.Register("b", "", []string{"a"}, nil, nil))

	assert.Error(t, m.StartAll())
}

func TestSnapshot(t *testing.T) {
	t.Parallel()

	m := lifecycle.New(context.Background())
	boom := errors.New("boom")
	require.NoError(t, m.Register("wheel", "", nil, nil, nil))
	require.NoError(t, m.Register("summary", "wheel", nil, nil, nil))
	require.NoError(t, m.Register("web", "", nil, func(context.Context) (context.Context, error) {
		return nil, boom
	}, nil))

	require.Error(t, m.StartAll())
	assert.Equal(t, []lifecycle.NodeState{
		{Name: "wheel", Status: "running"},
		{Name: "summary", Parent: "wheel", Status: "running"},
		{Name: "web", Status: "failed", Error: "boom"},
	}, m.Snapshot())

	require.NoError(t, m.Shutdown())
	for _, st := range m.Snapshot()[:2] {
		assert.Equal(t, "stopped", st.Status, st.Name)
	}
}

func TestDerivedContextCancelledOnStop(t *testing.T) {
	t.Parallel()

	m := lifecycle.New(context.Background())
	type key struct{}

	var childCtx context.Context
	require.NoError(t, m.Register("parent", "", nil, func(ctx context.Context) (context.Context, error) {
		return context.WithValue(context.Background(), key{}, "v"), nil
	}, nil))
	require.NoError(t, m.Register("child", "parent", nil, func(ctx context.Context) (context.Context, error) {
		childCtx = ctx
		return nil, nil
	}, nil))

	require.NoError(t, m.StartAll())
	assert.Equal(t, "v", childCtx.Value(key{}))

	require.NoError(t, m.Shutdown())
	assert.ErrorIs(t, childCtx.Err(), context.Canceled)
}
