package pipeline_test

import (
	"context"
	"testing"
	"time"

	"tg-forwarder/internal/domain/models"
	"tg-forwarder/internal/pipeline"
	"tg-forwarder/internal/transport"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type step struct {
	name  string
	trace *[]string
	out   *pipeline.Outcome
}

func (s step) Name() string { return s.name }

func (s step) Process(ctx context.Context, mc *pipeline.MessageContext, next pipeline.Next) (pipeline.Outcome, error) {
	*s.trace = append(*s.trace, s.name)
	if s.out != nil {
		return *s.out, nil
	}
	return next(ctx, mc)
}

func TestRunOrderAndShortCircuit(t *testing.T) {
	t.Parallel()

	var trace []string
	later := pipeline.Later(5 * time.Second)
	p := pipeline.New(
		step{name: "a", trace: &trace},
		step{name: "b", trace: &trace, out: &later},
		step{name: "c", trace: &trace},
	)

	mc := pipeline.NewMessageContext(1, &transport.Message{ID: 1}, nil)
	out, err := p.Run(context.Background(), mc)
	require.NoError(t, err)
	assert.Equal(t, pipeline.Reschedule, out.Kind)
	assert.Equal(t, 5*time.Second, out.After)
	assert.Equal(t, []string{"a", "b"}, trace)
}

func TestRunEmptyChainContinues(t *testing.T) {
	t.Parallel()

	out, err := pipeline.New().Run(context.Background(), pipeline.NewMessageContext(1, &transport.Message{ID: 1}, nil))
	require.NoError(t, err)
	assert.Equal(t, pipeline.Continue, out.Kind)
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	t.Parallel()

	var trace []string
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := pipeline.New(step{name: "a", trace: &trace}).Run(ctx, pipeline.NewMessageContext(1, &transport.Message{ID: 1}, nil))
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, trace)
}

func TestMessageContextMembers(t *testing.T) {
	t.Parallel()

	group := []*transport.Message{{ID: 3}, {ID: 1}, {ID: 2}}
	mc := pipeline.NewMessageContext(1, group[0], group)
	assert.True(t, mc.IsAlbum())
	assert.Equal(t, []int{1, 2, 3}, mc.MemberIDs())

	single := pipeline.NewMessageContext(1, &transport.Message{ID: 9}, nil)
	assert.False(t, single.IsAlbum())
	assert.Equal(t, []int{9}, single.MemberIDs())
}

func TestResultFirstErrorOnlyWhenNothingDone(t *testing.T) {
	t.Parallel()

	first := errors.New("first")
	mc := pipeline.NewMessageContext(1, &transport.Message{ID: 1}, nil)
	a := &pipeline.RuleState{Rule: &models.ForwardingRule{ID: 1}}
	b := &pipeline.RuleState{Rule: &models.ForwardingRule{ID: 2}}
	mc.Rules = []*pipeline.RuleState{a, b}

	mc.Fail(a, first)
	mc.Fail(b, errors.New("second"))
	assert.ErrorIs(t, mc.Result(), first)

	b.Done = true
	assert.NoError(t, mc.Result())
}
