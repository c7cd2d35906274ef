package debug_test

import (
	"testing"

	"github.com/gotd/td/tg"
	"github.com/stretchr/testify/assert"

	"tg-forwarder/internal/support/debug"
)

func TestTruncate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{name: "short", in: "hello", n: 10, want: "hello"},
		{name: "exact", in: "hello", n: 5, want: "hello"},
		{name: "ascii", in: "hello world", n: 5, want: "hello..."},
		{name: "cyrillic", in: "привет мир", n: 6, want: "привет..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, debug.Truncate(tt.in, tt.n))
		})
	}
}

func TestDescribePeer(t *testing.T) {
	t.Parallel()

	entities := tg.Entities{
		Users: map[int64]*tg.User{
			1: {ID: 1, FirstName: "Ann", LastName: "Lee", Username: "ann"},
		},
		Chats: map[int64]*tg.Chat{
			2: {ID: 2, Title: "Team"},
		},
		Channels: map[int64]*tg.Channel{
			3: {ID: 3, Title: "News", Username: "news", Broadcast: true},
			4: {ID: 4, Title: "Talk", Megagroup: true},
		},
	}

	tests := []struct {
		name     string
		peer     tg.PeerClass
		wantFrom string
		wantName string
	}{
		{name: "user", peer: &tg.PeerUser{UserID: 1}, wantFrom: "User", wantName: "'Ann Lee' (@ann)"},
		{name: "unknown user", peer: &tg.PeerUser{UserID: 9}, wantFrom: "User", wantName: "<unknown>"},
		{name: "chat", peer: &tg.PeerChat{ChatID: 2}, wantFrom: "Chat", wantName: "'Team'"},
		{name: "channel", peer: &tg.PeerChannel{ChannelID: 3}, wantFrom: "Channel", wantName: "'News' (@news)"},
		{name: "supergroup", peer: &tg.PeerChannel{ChannelID: 4}, wantFrom: "Supergroup", wantName: "'Talk'"},
		{name: "missing channel", peer: &tg.PeerChannel{ChannelID: 5}, wantFrom: "Channel-like", wantName: "<untitled channel>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			from, name := debug.DescribePeer(tt.peer, entities)
			assert.Equal(t, tt.wantFrom, from)
			assert.Equal(t, tt.wantName, name)
		})
	}
}
