package tgutil_test

import (
	"testing"

	"tg-forwarder/internal/tgutil"

	"github.com/gotd/td/tg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want string
	}{
		{raw: "12345", want: "12345"},
		{raw: "-12345", want: "12345"},
		{raw: "-10012345", want: "12345"},
		{raw: "-1001234567890", want: "1234567890"},
		{raw: "1001234567890", want: "1234567890"},
		{raw: " 777 ", want: "777"},
		{raw: "100", want: "100"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()
			got, err := tgutil.Normalize(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeRejectsGarbage(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "-", "abc", "12a"} {
		_, err := tgutil.Normalize(raw)
		assert.Error(t, err, raw)
	}
}

func TestCandidatesCoverAllVariants(t *testing.T) {
	t.Parallel()

	variants := []string{"12345", "-12345", "-10012345"}
	for _, v := range variants {
		c := tgutil.Candidates(v)
		require.NotEmpty(t, c)
		assert.Equal(t, "12345", c[0])
		for _, other := range variants {
			assert.Contains(t, c, other)
		}
		assert.Contains(t, c, "10012345")
	}
}

func TestNormalizedInt(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int64(1234567890), tgutil.NormalizedInt(-1001234567890))
	assert.Equal(t, int64(42), tgutil.NormalizedInt(-42))
	assert.Equal(t, "42", tgutil.NormalizeInt(42))
}

func TestSplitPeer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		peer     tg.PeerClass
		wantKind tgutil.PeerKind
		wantID   int64
	}{
		{name: "user", peer: &tg.PeerUser{UserID: 1}, wantKind: tgutil.PeerUser, wantID: 1},
		{name: "chat", peer: &tg.PeerChat{ChatID: 2}, wantKind: tgutil.PeerChat, wantID: 2},
		{name: "channel", peer: &tg.PeerChannel{ChannelID: 3}, wantKind: tgutil.PeerChannel, wantID: 3},
		{name: "nil", peer: nil, wantKind: tgutil.PeerUnknown, wantID: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			kind, id := tgutil.SplitPeer(tt.peer)
			assert.Equal(t, tt.wantKind, kind)
			assert.Equal(t, tt.wantID, id)
			assert.Equal(t, tt.wantID, tgutil.ChatID(tt.peer))
		})
	}
	assert.Equal(t, "channel", tgutil.PeerChannel.String())
}
