package gotd

import (
	"mime"
	"slices"
	"strconv"
	"strings"
	"time"

	"tg-forwarder/internal/errs"
	"tg-forwarder/internal/tgutil"
	"tg-forwarder/internal/transport"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram/message/entity"
	"github.com/gotd/td/telegram/message/html"
	"github.com/gotd/td/tg"
)

// names — отображаемые имена сущностей из ответа API по их идентификатору.
type names map[int64]string

func namesOf(users []tg.UserClass, chats []tg.ChatClass) names {
	out := make(names, len(users)+len(chats))
	for _, u := range users {
		if user, ok := u.(*tg.User); ok {
			out[user.ID] = strings.TrimSpace(user.FirstName + " " + user.LastName)
		}
	}
	for _, c := range chats {
		switch chat := c.(type) {
		case *tg.Chat:
			out[chat.ID] = chat.Title
		case *tg.Channel:
			out[chat.ID] = chat.Title
		}
	}
	return out
}

// convertMessage переводит tg.Message в транспортную модель. Исходный объект
// сохраняется в Raw для переотправки медиа по ссылке и скачивания.
func convertMessage(m *tg.Message, n names) *transport.Message {
	out := &transport.Message{
		ID:        m.ID,
		ChatID:    tgutil.ChatID(m.PeerID),
		GroupedID: m.GroupedID,
		Date:      time.Unix(int64(m.Date), 0),
		Text:      m.Message,
		Media:     convertMedia(m.Media),
		Raw:       m,
	}
	sender := m.PeerID
	if from, ok := m.GetFromID(); ok {
		sender = from
	}
	out.SenderID = tgutil.ChatID(sender)
	out.SenderName = n[out.SenderID]
	return out
}

func convertMedia(media tg.MessageMediaClass) *transport.Media {
	switch md := media.(type) {
	case nil:
		return nil
	case *tg.MessageMediaWebPage:
		// Превью ссылки вложением не считается.
		return nil
	case *tg.MessageMediaPhoto:
		out := &transport.Media{Kind: transport.MediaPhoto, MimeType: "image/jpeg"}
		if photo, ok := md.Photo.(*tg.Photo); ok {
			out.FileID = strconv.FormatInt(photo.ID, 10)
			out.FileName = "photo_" + out.FileID + ".jpg"
			best := largestPhotoSize(photo)
			out.Width, out.Height, out.Size = best.w, best.h, int64(best.size)
		}
		return out
	case *tg.MessageMediaDocument:
		out := &transport.Media{Kind: transport.MediaDocument}
		doc, ok := md.Document.(*tg.Document)
		if !ok {
			return out
		}
		out.FileID = strconv.FormatInt(doc.ID, 10)
		out.Size = doc.Size
		out.MimeType = doc.MimeType
		applyDocumentAttributes(out, doc.Attributes)
		if out.FileName == "" {
			out.FileName = "document_" + out.FileID + extensionFor(doc.MimeType)
		}
		return out
	default:
		return &transport.Media{Kind: transport.MediaOther}
	}
}

func applyDocumentAttributes(out *transport.Media, attrs []tg.DocumentAttributeClass) {
	animated := false
	for _, attr := range attrs {
		switch a := attr.(type) {
		case *tg.DocumentAttributeFilename:
			out.FileName = a.FileName
		case *tg.DocumentAttributeVideo:
			out.Kind = transport.MediaVideo
			out.Width, out.Height = a.W, a.H
			out.Duration = int(a.Duration)
		case *tg.DocumentAttributeAudio:
			out.Kind = transport.MediaAudio
			if a.Voice {
				out.Kind = transport.MediaVoice
			}
			out.Duration = a.Duration
		case *tg.DocumentAttributeSticker:
			out.Kind = transport.MediaSticker
		case *tg.DocumentAttributeAnimated:
			animated = true
		case *tg.DocumentAttributeImageSize:
			out.Width, out.Height = a.W, a.H
		}
	}
	if animated && out.Kind != transport.MediaSticker {
		out.Kind = transport.MediaAnim
	}
}

func extensionFor(mimeType string) string {
	exts, err := mime.ExtensionsByType(mimeType)
	if err != nil || len(exts) == 0 {
		return ""
	}
	return exts[0]
}

type photoSize struct {
	typ        string
	w, h, size int
}

func largestPhotoSize(p *tg.Photo) photoSize {
	var best photoSize
	for _, s := range p.Sizes {
		var cur photoSize
		switch v := s.(type) {
		case *tg.PhotoSize:
			cur = photoSize{typ: v.Type, w: v.W, h: v.H, size: v.Size}
		case *tg.PhotoSizeProgressive:
			cur = photoSize{typ: v.Type, w: v.W, h: v.H}
			if len(v.Sizes) > 0 {
				cur.size = v.Sizes[len(v.Sizes)-1]
			}
		default:
			continue
		}
		if cur.w*cur.h >= best.w*best.h {
			best = cur
		}
	}
	return best
}

func rawMessage(m *transport.Message) (*tg.Message, error) {
	if m == nil {
		return nil, errs.Permanentf("message is nil")
	}
	raw, ok := m.Raw.(*tg.Message)
	if !ok {
		return nil, errs.Permanentf("message %d has no telegram payload", m.ID)
	}
	return raw, nil
}

// inputMedia строит ссылку на уже загруженное вложение для повторной отправки.
func inputMedia(m *transport.Message) (tg.InputMediaClass, error) {
	raw, err := rawMessage(m)
	if err != nil {
		return nil, err
	}
	switch md := raw.Media.(type) {
	case *tg.MessageMediaPhoto:
		if photo, ok := md.Photo.(*tg.Photo); ok {
			return &tg.InputMediaPhoto{ID: &tg.InputPhoto{
				ID:            photo.ID,
				AccessHash:    photo.AccessHash,
				FileReference: photo.FileReference,
			}}, nil
		}
	case *tg.MessageMediaDocument:
		if doc, ok := md.Document.(*tg.Document); ok {
			return &tg.InputMediaDocument{ID: &tg.InputDocument{
				ID:            doc.ID,
				AccessHash:    doc.AccessHash,
				FileReference: doc.FileReference,
			}}, nil
		}
	}
	return nil, errs.Permanentf("message %d: media %T cannot be re-sent", m.ID, raw.Media)
}

// fileLocation возвращает адрес файла вложения для downloader.
func fileLocation(m *transport.Message) (tg.InputFileLocationClass, error) {
	raw, err := rawMessage(m)
	if err != nil {
		return nil, err
	}
	switch md := raw.Media.(type) {
	case *tg.MessageMediaPhoto:
		if photo, ok := md.Photo.(*tg.Photo); ok {
			return &tg.InputPhotoFileLocation{
				ID:            photo.ID,
				AccessHash:    photo.AccessHash,
				FileReference: photo.FileReference,
				ThumbSize:     largestPhotoSize(photo).typ,
			}, nil
		}
	case *tg.MessageMediaDocument:
		if doc, ok := md.Document.(*tg.Document); ok {
			return &tg.InputDocumentFileLocation{
				ID:            doc.ID,
				AccessHash:    doc.AccessHash,
				FileReference: doc.FileReference,
			}, nil
		}
	}
	return nil, errs.Permanentf("message %d has no downloadable media", m.ID)
}

// formatText разбирает HTML-разметку в текст и сущности Telegram.
func formatText(text string, mode transport.ParseMode) (string, []tg.MessageEntityClass, error) {
	if mode != transport.ParseHTML {
		return text, nil, nil
	}
	var b entity.Builder
	if err := html.HTML(strings.NewReader(text), &b, html.Options{}); err != nil {
		return "", nil, errs.Permanent(errors.Wrap(err, "parse html"))
	}
	msg, entities := b.Complete()
	return msg, entities, nil
}

// sentIDs извлекает идентификаторы созданных сообщений из ответа на отправку
// в порядке возрастания.
func sentIDs(u tg.UpdatesClass) []int {
	var list []tg.UpdateClass
	switch v := u.(type) {
	case *tg.UpdateShortSentMessage:
		return []int{v.ID}
	case *tg.Updates:
		list = v.Updates
	case *tg.UpdatesCombined:
		list = v.Updates
	}
	var ids []int
	for _, upd := range list {
		switch v := upd.(type) {
		case *tg.UpdateNewMessage:
			ids = append(ids, v.Message.GetID())
		case *tg.UpdateNewChannelMessage:
			ids = append(ids, v.Message.GetID())
		}
	}
	slices.Sort(ids)
	return ids
}

// unpackMessages раскрывает все варианты messages.Messages.
func unpackMessages(res tg.MessagesMessagesClass) ([]tg.MessageClass, []tg.UserClass, []tg.ChatClass) {
	switch v := res.(type) {
	case *tg.MessagesMessages:
		return v.Messages, v.Users, v.Chats
	case *tg.MessagesMessagesSlice:
		return v.Messages, v.Users, v.Chats
	case *tg.MessagesChannelMessages:
		return v.Messages, v.Users, v.Chats
	default:
		return nil, nil, nil
	}
}
