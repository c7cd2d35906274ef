package gotd

import (
	"context"
	"io/fs"
	"math/rand/v2"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"tg-forwarder/internal/errs"
	"tg-forwarder/internal/infra/logger"
	"tg-forwarder/internal/transport"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"
)

const (
	historyBatchMax = 100
	mediaDirPerm    = 0o700
)

// resolver разрешает нормализованный идентификатор чата в InputPeer и
// запоминает сущности из ответов API.
type resolver interface {
	InputPeer(ctx context.Context, id int64) (tg.InputPeerClass, error)
	Apply(ctx context.Context, users []tg.UserClass, chats []tg.ChatClass) error
	Forget(id int64)
}

// connectivity — состояние соединения для воркеров.
type connectivity interface {
	networkChecker
	Connected() bool
	WaitOnline(ctx context.Context) error
}

// Transport реализует transport.Transport поверх tg.Client.
type Transport struct {
	api   *tg.Client
	peers resolver
	conn  connectivity
	upl   *uploader.Uploader
	dl    *downloader.Downloader
}

var _ transport.Transport = (*Transport)(nil)

// NewTransport собирает транспорт поверх готового API-клиента.
func NewTransport(api *tg.Client, peers resolver, conn connectivity) *Transport {
	return &Transport{
		api:   api,
		peers: peers,
		conn:  conn,
		upl:   uploader.NewUploader(api),
		dl:    downloader.NewDownloader(),
	}
}

func (t *Transport) peer(ctx context.Context, chat int64) (tg.InputPeerClass, error) {
	p, err := t.peers.InputPeer(ctx, chat)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if e := classify(err, t.conn); !errs.IsPermanent(e) {
			return nil, e
		}
		return nil, errs.Permanent(errors.Wrapf(err, "resolve chat %d", chat))
	}
	return p, nil
}

// fail классифицирует ошибку RPC; для постоянных ошибок сбрасывает кэш пиров
// затронутых чатов, чтобы следующий вызов разрешил их заново.
func (t *Transport) fail(err error, op string, chats ...int64) error {
	classified := classify(err, t.conn)
	if errs.IsPermanent(classified) {
		for _, id := range chats {
			t.peers.Forget(id)
		}
	}
	logger.Debug("telegram call failed", zap.String("op", op), zap.Int64s("chats", chats), zap.Error(err))
	return classified
}

func (t *Transport) remember(ctx context.Context, users []tg.UserClass, chats []tg.ChatClass) {
	if err := t.peers.Apply(ctx, users, chats); err != nil {
		logger.Debug("apply entities failed", zap.Error(err))
	}
}

func asChannel(p tg.InputPeerClass) (*tg.InputChannel, bool) {
	ch, ok := p.(*tg.InputPeerChannel)
	if !ok {
		return nil, false
	}
	return &tg.InputChannel{ChannelID: ch.ChannelID, AccessHash: ch.AccessHash}, true
}

func randomIDs(n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = rand.Int64() //nolint:gosec
	}
	return out
}

// GetMessages возвращает сообщения в порядке ids; отсутствующие — nil.
func (t *Transport) GetMessages(ctx context.Context, chat int64, ids []int) ([]*transport.Message, error) {
	p, err := t.peer(ctx, chat)
	if err != nil {
		return nil, err
	}
	input := make([]tg.InputMessageClass, len(ids))
	for i, id := range ids {
		input[i] = &tg.InputMessageID{ID: id}
	}

	var res tg.MessagesMessagesClass
	if ch, ok := asChannel(p); ok {
		res, err = t.api.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{Channel: ch, ID: input})
	} else {
		res, err = t.api.MessagesGetMessages(ctx, input)
	}
	if err != nil {
		return nil, t.fail(err, "get", chat)
	}

	msgs, users, chats := unpackMessages(res)
	t.remember(ctx, users, chats)
	n := namesOf(users, chats)
	byID := make(map[int]*tg.Message, len(msgs))
	for _, m := range msgs {
		if msg, ok := m.(*tg.Message); ok {
			byID[msg.ID] = msg
		}
	}
	out := make([]*transport.Message, len(ids))
	for i, id := range ids {
		if msg, ok := byID[id]; ok {
			out[i] = convertMessage(msg, n)
		}
	}
	return out, nil
}

// IterMessages обходит историю от новых к старым пачками opts.BatchSize с
// паузой opts.BatchDelay между запросами.
func (t *Transport) IterMessages(ctx context.Context, chat int64, opts transport.IterOptions, fn func(*transport.Message) bool) error {
	p, err := t.peer(ctx, chat)
	if err != nil {
		return err
	}
	batch := opts.BatchSize
	if batch <= 0 || batch > historyBatchMax {
		batch = historyBatchMax
	}

	req := &tg.MessagesGetHistoryRequest{Peer: p, Limit: batch}
	if !opts.Until.IsZero() {
		req.OffsetDate = int(opts.Until.Unix()) + 1
	}
	seen := 0
	for {
		res, err := t.api.MessagesGetHistory(ctx, req)
		if err != nil {
			return t.fail(err, "iter", chat)
		}
		msgs, users, chats := unpackMessages(res)
		t.remember(ctx, users, chats)
		if len(msgs) == 0 {
			return nil
		}
		n := namesOf(users, chats)
		for _, m := range msgs {
			req.OffsetID = m.GetID()
			msg, ok := m.(*tg.Message)
			if !ok {
				continue
			}
			converted := convertMessage(msg, n)
			if !opts.Since.IsZero() && converted.Date.Before(opts.Since) {
				return nil
			}
			if !opts.Until.IsZero() && converted.Date.After(opts.Until) {
				continue
			}
			if !fn(converted) {
				return nil
			}
			seen++
			if opts.Limit > 0 && seen >= opts.Limit {
				return nil
			}
		}
		if len(msgs) < batch {
			return nil
		}
		req.OffsetDate = 0

		if opts.BatchDelay > 0 {
			timer := time.NewTimer(opts.BatchDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
}

// ForwardMessages пересылает сообщения и возвращает новые идентификаторы.
func (t *Transport) ForwardMessages(ctx context.Context, from, to int64, ids []int, opts transport.ForwardOptions) ([]int, error) {
	fromPeer, err := t.peer(ctx, from)
	if err != nil {
		return nil, err
	}
	toPeer, err := t.peer(ctx, to)
	if err != nil {
		return nil, err
	}
	res, err := t.api.MessagesForwardMessages(ctx, &tg.MessagesForwardMessagesRequest{
		FromPeer:   fromPeer,
		ID:         append([]int(nil), ids...),
		RandomID:   randomIDs(len(ids)),
		ToPeer:     toPeer,
		Silent:     opts.Silent,
		Background: opts.Background,
		DropAuthor: opts.DropAuthor,
	})
	if err != nil {
		return nil, t.fail(err, "forward", from, to)
	}
	return sentIDs(res), nil
}

// SendMessage отправляет текст; ParseHTML разбирается в сущности.
func (t *Transport) SendMessage(ctx context.Context, to int64, text string, opts transport.SendOptions) (int, error) {
	p, err := t.peer(ctx, to)
	if err != nil {
		return 0, err
	}
	body, entities, err := formatText(text, opts.ParseMode)
	if err != nil {
		return 0, err
	}
	req := &tg.MessagesSendMessageRequest{
		Peer:      p,
		Message:   body,
		Entities:  entities,
		RandomID:  randomIDs(1)[0],
		NoWebpage: opts.NoWebpage,
		Silent:    opts.Silent,
	}
	if opts.ReplyTo > 0 {
		req.ReplyTo = &tg.InputReplyToMessage{ReplyToMsgID: opts.ReplyTo}
	}
	res, err := t.api.MessagesSendMessage(ctx, req)
	if err != nil {
		return 0, t.fail(err, "send", to)
	}
	return firstID(res), nil
}

// SendMedia переотправляет вложения по ссылке; больше одного — альбомом с
// подписью на первом элементе.
func (t *Transport) SendMedia(ctx context.Context, to int64, msgs []*transport.Message, caption string, opts transport.SendOptions) ([]int, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	p, err := t.peer(ctx, to)
	if err != nil {
		return nil, err
	}
	body, entities, err := formatText(caption, opts.ParseMode)
	if err != nil {
		return nil, err
	}

	if len(msgs) == 1 {
		media, err := inputMedia(msgs[0])
		if err != nil {
			return nil, err
		}
		res, err := t.api.MessagesSendMedia(ctx, &tg.MessagesSendMediaRequest{
			Peer:     p,
			Media:    media,
			Message:  body,
			Entities: entities,
			RandomID: randomIDs(1)[0],
			Silent:   opts.Silent,
		})
		if err != nil {
			return nil, t.fail(err, "send_media", to)
		}
		return sentIDs(res), nil
	}

	multi := make([]tg.InputSingleMedia, len(msgs))
	ids := randomIDs(len(msgs))
	for i, m := range msgs {
		media, err := inputMedia(m)
		if err != nil {
			return nil, err
		}
		multi[i] = tg.InputSingleMedia{Media: media, RandomID: ids[i]}
	}
	multi[0].Message = body
	multi[0].Entities = entities

	res, err := t.api.MessagesSendMultiMedia(ctx, &tg.MessagesSendMultiMediaRequest{
		Peer:       p,
		MultiMedia: multi,
		Silent:     opts.Silent,
	})
	if err != nil {
		return nil, t.fail(err, "send_album", to)
	}
	return sentIDs(res), nil
}

// missingFile превращает отсутствие локального файла в постоянную ошибку:
// повтор его не создаст.
func missingFile(err error, path string) error {
	if !errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return errs.Permanent(errors.Wrapf(err, "upload %s", path))
}

// SendFile загружает локальный файл и отправляет его: изображения — фото,
// остальное — документом с исходным именем.
func (t *Transport) SendFile(ctx context.Context, to int64, path, caption string, opts transport.SendOptions) (int, error) {
	p, err := t.peer(ctx, to)
	if err != nil {
		return 0, err
	}
	body, entities, err := formatText(caption, opts.ParseMode)
	if err != nil {
		return 0, err
	}
	file, err := t.upl.FromPath(ctx, path)
	if err != nil {
		if missing := missingFile(err, path); missing != nil {
			return 0, missing
		}
		return 0, t.fail(err, "upload", to)
	}

	mimeType := mime.TypeByExtension(filepath.Ext(path))
	var media tg.InputMediaClass
	if strings.HasPrefix(mimeType, "image/") && mimeType != "image/gif" {
		media = &tg.InputMediaUploadedPhoto{File: file}
	} else {
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		media = &tg.InputMediaUploadedDocument{
			File:       file,
			MimeType:   mimeType,
			Attributes: []tg.DocumentAttributeClass{&tg.DocumentAttributeFilename{FileName: filepath.Base(path)}},
		}
	}
	res, err := t.api.MessagesSendMedia(ctx, &tg.MessagesSendMediaRequest{
		Peer:     p,
		Media:    media,
		Message:  body,
		Entities: entities,
		RandomID: randomIDs(1)[0],
		Silent:   opts.Silent,
	})
	if err != nil {
		return 0, t.fail(err, "send_file", to)
	}
	return firstID(res), nil
}

// DownloadMedia сохраняет вложение в dir под именем "<chat>_<id>.<ext>".
func (t *Transport) DownloadMedia(ctx context.Context, msg *transport.Message, dir string) (string, error) {
	loc, err := fileLocation(msg)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, mediaDirPerm); err != nil {
		return "", errors.Wrapf(err, "create %s", dir)
	}
	name := strconv.FormatInt(msg.ChatID, 10) + "_" + strconv.Itoa(msg.ID)
	if ext := msg.Media.Extension(); ext != "" {
		name += "." + ext
	}
	path := filepath.Join(dir, name)
	if _, err := t.dl.Download(t.api, loc).ToPath(ctx, path); err != nil {
		return "", t.fail(err, "download", msg.ChatID)
	}
	return path, nil
}

// DeleteMessages удаляет сообщения у всех участников.
func (t *Transport) DeleteMessages(ctx context.Context, chat int64, ids []int) error {
	p, err := t.peer(ctx, chat)
	if err != nil {
		return err
	}
	if ch, ok := asChannel(p); ok {
		_, err = t.api.ChannelsDeleteMessages(ctx, &tg.ChannelsDeleteMessagesRequest{Channel: ch, ID: ids})
	} else {
		_, err = t.api.MessagesDeleteMessages(ctx, &tg.MessagesDeleteMessagesRequest{Revoke: true, ID: ids})
	}
	if err != nil {
		return t.fail(err, "delete", chat)
	}
	return nil
}

func (t *Transport) IsConnected() bool {
	return t.conn.Connected()
}

func (t *Transport) WaitOnline(ctx context.Context) error {
	return t.conn.WaitOnline(ctx)
}

func firstID(u tg.UpdatesClass) int {
	ids := sentIDs(u)
	if len(ids) == 0 {
		return 0
	}
	return ids[0]
}
