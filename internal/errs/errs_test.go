package errs_test

import (
	"testing"
	"time"

	"tg-forwarder/internal/errs"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	t.Parallel()

	base := errors.New("boom")
	tests := []struct {
		name         string
		err          error
		transient    bool
		permanent    bool
		circuit      bool
		floodSeconds int
		hasFloodWait bool
	}{
		{name: "transient", err: errs.Transient(base), transient: true},
		{name: "wrapped transient", err: errors.Wrap(errs.Transient(base), "send"), transient: true},
		{name: "flood wait", err: errs.FloodWait(30, base), transient: true, floodSeconds: 30, hasFloodWait: true},
		{name: "flood wait clamps to one second", err: errs.FloodWait(0, nil), transient: true, floodSeconds: 1, hasFloodWait: true},
		{name: "permanent", err: errs.Permanentf("bad payload %d", 1), permanent: true},
		{name: "circuit", err: &errs.CircuitOpenError{RetryAfter: time.Second}, circuit: true},
		{name: "plain", err: base},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.transient, errs.IsTransient(tt.err))
			assert.Equal(t, tt.permanent, errs.IsPermanent(tt.err))
			assert.Equal(t, tt.circuit, errs.IsCircuitOpen(tt.err))
			secs, ok := errs.FloodWaitSeconds(tt.err)
			assert.Equal(t, tt.hasFloodWait, ok)
			assert.Equal(t, tt.floodSeconds, secs)
		})
	}
}

func TestNilWrapping(t *testing.T) {
	t.Parallel()

	assert.NoError(t, errs.Transient(nil))
	assert.NoError(t, errs.Permanent(nil))
	assert.ErrorIs(t, errs.Permanent(errs.ErrMessageNotFound), errs.ErrMessageNotFound)
}
