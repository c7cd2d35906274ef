// Package transport описывает узкий интерфейс к Telegram, которым пользуется
// конвейер пересылки. Реализация на gotd лежит в internal/adapters/telegram/gotd;
// в тестах используется Fake.
package transport

import (
	"context"
	"path/filepath"
	"strings"
	"time"
)

// MediaKind — тип вложения.
type MediaKind string

const (
	MediaPhoto    MediaKind = "photo"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
	MediaAudio    MediaKind = "audio"
	MediaVoice    MediaKind = "voice"
	MediaSticker  MediaKind = "sticker"
	MediaAnim     MediaKind = "animation"
	MediaOther    MediaKind = "other"
)

// Media — описание вложения без содержимого.
type Media struct {
	Kind     MediaKind
	FileID   string // стабильный идентификатор файла у Telegram
	Size     int64  // байты
	MimeType string
	FileName string
	Width    int
	Height   int
	Duration int // секунды
}

// Extension возвращает расширение имени файла без точки в нижнем регистре.
func (m *Media) Extension() string {
	if m == nil {
		return ""
	}
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(m.FileName), "."))
}

// Message — гидратированное сообщение источника.
type Message struct {
	ID         int
	ChatID     int64 // нормализованный идентификатор чата
	GroupedID  int64
	Date       time.Time
	Text       string
	SenderID   int64
	SenderName string
	Media      *Media
	Raw        any // исходный объект библиотеки, нужен адаптеру для пересылки медиа
}

// HasMedia сообщает, есть ли вложение.
func (m *Message) HasMedia() bool { return m != nil && m.Media != nil }

// IterOptions ограничивает выборку истории.
type IterOptions struct {
	Since      time.Time
	Until      time.Time
	Limit      int
	BatchSize  int
	BatchDelay time.Duration
}

// ForwardOptions — флаги пересылки.
type ForwardOptions struct {
	Silent     bool
	Background bool
	DropAuthor bool
}

// ParseMode — режим разметки текста.
type ParseMode string

const (
	ParseNone ParseMode = ""
	ParseHTML ParseMode = "html"
)

// SendOptions — параметры отправки текста и медиа.
type SendOptions struct {
	ParseMode ParseMode
	NoWebpage bool
	ReplyTo   int
	Silent    bool
}

// Transport — операции Telegram, которые нужны ядру. Ошибка FloodWait
// возвращается как errs.TransientError{Seconds: N}, 4xx/PEER_FLOOD — как
// errs.PermanentError.
type Transport interface {
	// GetMessages возвращает сообщения в порядке ids; удалённые — nil.
	GetMessages(ctx context.Context, chat int64, ids []int) ([]*Message, error)
	// IterMessages обходит историю от новых к старым в пределах opts; fn
	// возвращает false, чтобы остановить обход.
	IterMessages(ctx context.Context, chat int64, opts IterOptions, fn func(*Message) bool) error
	ForwardMessages(ctx context.Context, from, to int64, ids []int, opts ForwardOptions) ([]int, error)
	SendMessage(ctx context.Context, to int64, text string, opts SendOptions) (int, error)
	// SendMedia переотправляет существующие вложения по ссылке; больше одного — альбомом.
	SendMedia(ctx context.Context, to int64, msgs []*Message, caption string, opts SendOptions) ([]int, error)
	SendFile(ctx context.Context, to int64, path, caption string, opts SendOptions) (int, error)
	DownloadMedia(ctx context.Context, msg *Message, dir string) (string, error)
	DeleteMessages(ctx context.Context, chat int64, ids []int) error
	IsConnected() bool
	WaitOnline(ctx context.Context) error
}
