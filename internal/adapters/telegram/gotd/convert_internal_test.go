package gotd

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tg-forwarder/internal/errs"
	"tg-forwarder/internal/transport"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type netSpy struct{ calls int }

func (n *netSpy) HandleError(error) bool {
	n.calls++
	return true
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		transient bool
		permanent bool
		seconds   int
		network   bool
	}{
		{name: "flood wait", err: tgerr.New(420, "FLOOD_WAIT_30"), transient: true, seconds: 30},
		{name: "slowmode", err: tgerr.New(420, "SLOWMODE_WAIT_15"), transient: true, seconds: 15},
		{name: "peer flood", err: tgerr.New(400, "PEER_FLOOD"), permanent: true},
		{name: "channel private", err: tgerr.New(406, "CHANNEL_PRIVATE"), permanent: true},
		{name: "bad request", err: tgerr.New(400, "MESSAGE_ID_INVALID"), permanent: true},
		{name: "server error", err: tgerr.New(500, "INTERNAL"), transient: true},
		{name: "network", err: io.EOF, transient: true, network: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			spy := &netSpy{}
			got := classify(tt.err, spy)
			assert.Equal(t, tt.transient, errs.IsTransient(got))
			assert.Equal(t, tt.permanent, errs.IsPermanent(got))
			if tt.seconds > 0 {
				seconds, ok := errs.FloodWaitSeconds(got)
				assert.True(t, ok)
				assert.Equal(t, tt.seconds, seconds)
			}
			assert.Equal(t, tt.network, spy.calls > 0)
		})
	}
}

func TestClassifyPassesCancellation(t *testing.T) {
	t.Parallel()

	err := classify(errors.Wrap(context.Canceled, "call"), nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errs.IsTransient(err))
	assert.NoError(t, classify(nil, nil))
}

func TestFormatText(t *testing.T) {
	t.Parallel()

	text, entities, err := formatText("<b>hi</b> there", transport.ParseHTML)
	require.NoError(t, err)
	assert.Equal(t, "hi there", text)
	require.Len(t, entities, 1)
	assert.IsType(t, &tg.MessageEntityBold{}, entities[0])

	text, entities, err = formatText("<b>raw</b>", transport.ParseNone)
	require.NoError(t, err)
	assert.Equal(t, "<b>raw</b>", text)
	assert.Empty(t, entities)
}

func TestConvertMessage(t *testing.T) {
	t.Parallel()

	date := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := &tg.Message{
		ID:        42,
		PeerID:    &tg.PeerChannel{ChannelID: 1001},
		Date:      int(date.Unix()),
		Message:   "caption",
		GroupedID: 77,
		Media: &tg.MessageMediaDocument{Document: &tg.Document{
			ID:       5,
			Size:     2048,
			MimeType: "video/mp4",
			Attributes: []tg.DocumentAttributeClass{
				&tg.DocumentAttributeVideo{W: 640, H: 360, Duration: 12},
				&tg.DocumentAttributeFilename{FileName: "clip.mp4"},
			},
		}},
	}
	m.SetFromID(&tg.PeerUser{UserID: 9})

	users := []tg.UserClass{&tg.User{ID: 9, FirstName: "Ann", LastName: "Lee"}}
	got := convertMessage(m, namesOf(users, nil))

	assert.Equal(t, 42, got.ID)
	assert.Equal(t, int64(1001), got.ChatID)
	assert.Equal(t, int64(77), got.GroupedID)
	assert.True(t, got.Date.Equal(date))
	assert.Equal(t, int64(9), got.SenderID)
	assert.Equal(t, "Ann Lee", got.SenderName)
	require.NotNil(t, got.Media)
	assert.Equal(t, transport.MediaVideo, got.Media.Kind)
	assert.Equal(t, "clip.mp4", got.Media.FileName)
	assert.Equal(t, int64(2048), got.Media.Size)
	assert.Equal(t, 12, got.Media.Duration)
	assert.Same(t, m, got.Raw)
}

func TestConvertMedia(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		media tg.MessageMediaClass
		kind  transport.MediaKind
		isNil bool
	}{
		{name: "none", media: nil, isNil: true},
		{name: "web page", media: &tg.MessageMediaWebPage{}, isNil: true},
		{name: "photo", media: &tg.MessageMediaPhoto{Photo: &tg.Photo{ID: 1, Sizes: []tg.PhotoSizeClass{
			&tg.PhotoSize{Type: "m", W: 320, H: 240, Size: 10},
			&tg.PhotoSize{Type: "y", W: 1280, H: 960, Size: 100},
		}}}, kind: transport.MediaPhoto},
		{name: "voice", media: &tg.MessageMediaDocument{Document: &tg.Document{ID: 2, Attributes: []tg.DocumentAttributeClass{
			&tg.DocumentAttributeAudio{Voice: true, Duration: 3},
		}}}, kind: transport.MediaVoice},
		{name: "sticker", media: &tg.MessageMediaDocument{Document: &tg.Document{ID: 3, Attributes: []tg.DocumentAttributeClass{
			&tg.DocumentAttributeSticker{}, &tg.DocumentAttributeAnimated{},
		}}}, kind: transport.MediaSticker},
		{name: "animation", media: &tg.MessageMediaDocument{Document: &tg.Document{ID: 4, Attributes: []tg.DocumentAttributeClass{
			&tg.DocumentAttributeVideo{}, &tg.DocumentAttributeAnimated{},
		}}}, kind: transport.MediaAnim},
		{name: "geo", media: &tg.MessageMediaGeo{}, kind: transport.MediaOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := convertMedia(tt.media)
			if tt.isNil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.kind, got.Kind)
		})
	}
}

func TestLargestPhotoSize(t *testing.T) {
	t.Parallel()

	p := &tg.Photo{Sizes: []tg.PhotoSizeClass{
		&tg.PhotoSizeProgressive{Type: "x", W: 800, H: 600, Sizes: []int{10, 20, 30}},
		&tg.PhotoSize{Type: "s", W: 90, H: 90, Size: 5},
		&tg.PhotoStrippedSize{Type: "i"},
	}}
	best := largestPhotoSize(p)
	assert.Equal(t, "x", best.typ)
	assert.Equal(t, 30, best.size)
}

func TestSentIDs(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []int{5}, sentIDs(&tg.UpdateShortSentMessage{ID: 5}))
	assert.Equal(t, []int{3, 7}, sentIDs(&tg.Updates{Updates: []tg.UpdateClass{
		&tg.UpdateNewChannelMessage{Message: &tg.Message{ID: 7}},
		&tg.UpdateMessageID{ID: 7, RandomID: 1},
		&tg.UpdateNewChannelMessage{Message: &tg.Message{ID: 3}},
	}}))
	assert.Equal(t, []int{11}, sentIDs(&tg.UpdatesCombined{Updates: []tg.UpdateClass{
		&tg.UpdateNewMessage{Message: &tg.Message{ID: 11}},
	}}))
	assert.Empty(t, sentIDs(&tg.UpdatesTooLong{}))
}

func TestInputMediaRequiresPayload(t *testing.T) {
	t.Parallel()

	_, err := inputMedia(&transport.Message{ID: 1})
	assert.True(t, errs.IsPermanent(err))

	media, err := inputMedia(&transport.Message{ID: 2, Raw: &tg.Message{
		Media: &tg.MessageMediaPhoto{Photo: &tg.Photo{ID: 9, AccessHash: 8}},
	}})
	require.NoError(t, err)
	photo, ok := media.(*tg.InputMediaPhoto)
	require.True(t, ok)
	assert.Equal(t, &tg.InputPhoto{ID: 9, AccessHash: 8}, photo.ID)
}

func TestMissingFileIsPermanent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "gone.jpg")
	_, openErr := os.Open(path)
	require.Error(t, openErr)

	err := missingFile(errors.Wrap(openErr, "open"), path)
	require.Error(t, err)
	assert.True(t, errs.IsPermanent(err))
	assert.Contains(t, err.Error(), "gone.jpg")

	assert.NoError(t, missingFile(errors.New("connection reset"), path))
}
