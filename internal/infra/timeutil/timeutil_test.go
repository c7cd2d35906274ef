package timeutil_test

import (
	"testing"
	"time"

	"tg-forwarder/internal/infra/timeutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLocation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		value      string
		wantOffset int
		wantErr    bool
	}{
		{name: "utc", value: "UTC", wantOffset: 0},
		{name: "offset with colon", value: "+03:00", wantOffset: 3 * 3600},
		{name: "gmt prefix", value: "GMT-04:30", wantOffset: -(4*3600 + 30*60)},
		{name: "empty", value: "", wantErr: true},
		{name: "garbage", value: "Mars/Olympus", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			loc, err := timeutil.ParseLocation(tt.value)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			_, offset := time.Date(2024, 1, 1, 0, 0, 0, 0, loc).Zone()
			assert.Equal(t, tt.wantOffset, offset)
		})
	}
}

func TestNextDailyRun(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC+08:00", 8*3600)
	now := time.Date(2024, 5, 10, 9, 0, 0, 0, loc)

	tests := []struct {
		name  string
		clock string
		want  time.Time
	}{
		{name: "later today", clock: "21:30", want: time.Date(2024, 5, 10, 21, 30, 0, 0, loc)},
		{name: "already passed", clock: "08:00", want: time.Date(2024, 5, 11, 8, 0, 0, 0, loc)},
		{name: "exactly now", clock: "09:00", want: time.Date(2024, 5, 11, 9, 0, 0, 0, loc)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := timeutil.NextDailyRun(now, tt.clock, loc)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s want %s", got, tt.want)
		})
	}

	_, err := timeutil.NextDailyRun(now, "25:00", loc)
	assert.Error(t, err)
}

func TestParseClock(t *testing.T) {
	t.Parallel()

	tests := []struct {
		value      string
		wantHour   int
		wantMinute int
		wantErr    bool
	}{
		{value: "07:00", wantHour: 7},
		{value: " 23:59 ", wantHour: 23, wantMinute: 59},
		{value: "7:00", wantErr: true},
		{value: "24:00", wantErr: true},
		{value: "12:60", wantErr: true},
		{value: "noon", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Parallel()
			h, m, err := timeutil.ParseClock(tt.value)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHour, h)
			assert.Equal(t, tt.wantMinute, m)
		})
	}
}
