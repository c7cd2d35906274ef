package tasks

import (
	"strconv"

	"tg-forwarder/internal/domain/models"
	"tg-forwarder/internal/errs"
	"tg-forwarder/internal/infra/codec"
)

// Типы задач.
const (
	TypeProcessMessage = "process_message"
	TypeDownloadFile   = "download_file"
	TypeManualDownload = "manual_download"
	TypeSummary        = "summary"
)

// Payload — типизированные данные задачи. Тип определяет task_type строки.
type Payload interface {
	TaskType() string
}

// messageRef реализуют payload'ы, ссылающиеся на конкретное сообщение: по ним
// строится unique_key и grouped_id.
type messageRef interface {
	Ref() (chatID int64, messageID int, groupedID int64)
}

// ProcessMessage — сообщение, которое нужно прогнать через конвейер правил.
type ProcessMessage struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int   `json:"message_id"`
	GroupedID int64 `json:"grouped_id,omitempty"`
}

func (ProcessMessage) TaskType() string { return TypeProcessMessage }

func (p ProcessMessage) Ref() (int64, int, int64) { return p.ChatID, p.MessageID, p.GroupedID }

// DownloadFile — загрузка медиа сообщения в каталог загрузок.
type DownloadFile struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int   `json:"message_id"`
	GroupedID int64 `json:"grouped_id,omitempty"`
}

func (DownloadFile) TaskType() string { return TypeDownloadFile }

func (p DownloadFile) Ref() (int64, int, int64) { return p.ChatID, p.MessageID, p.GroupedID }

// ManualDownload — загрузка по запросу; при TargetChatID != 0 файл
// отправляется в этот чат.
type ManualDownload struct {
	ChatID       int64  `json:"chat_id"`
	MessageID    int    `json:"message_id"`
	TargetChatID int64  `json:"target_chat_id,omitempty"`
	Caption      string `json:"caption,omitempty"`
}

func (ManualDownload) TaskType() string { return TypeManualDownload }

func (p ManualDownload) Ref() (int64, int, int64) { return p.ChatID, p.MessageID, 0 }

// Summary — внеплановый запуск сводки правила.
type Summary struct {
	RuleID uint `json:"rule_id"`
}

func (Summary) TaskType() string { return TypeSummary }

// Encode сериализует payload и проверяет, что тип известен.
func Encode(p Payload) (string, error) {
	if p == nil {
		return "", errs.Permanentf("nil task payload")
	}
	if _, ok := decoders[p.TaskType()]; !ok {
		return "", errs.Permanentf("unknown task type %q", p.TaskType())
	}
	data, err := codec.MarshalString(p)
	if err != nil {
		return "", errs.Permanent(err)
	}
	return data, nil
}

var decoders = map[string]func(string) (Payload, error){
	TypeProcessMessage: decodeAs[ProcessMessage],
	TypeDownloadFile:   decodeAs[DownloadFile],
	TypeManualDownload: decodeAs[ManualDownload],
	TypeSummary:        decodeAs[Summary],
}

func decodeAs[T Payload](data string) (Payload, error) {
	var v T
	if err := codec.Unmarshal([]byte(data), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Decode восстанавливает payload строки очереди. Неизвестный тип и битый
// JSON — PermanentError.
func Decode(t *models.TaskQueueEntry) (Payload, error) {
	dec, ok := decoders[t.TaskType]
	if !ok {
		return nil, errs.Permanentf("unknown task type %q", t.TaskType)
	}
	p, err := dec(t.TaskData)
	if err != nil {
		return nil, errs.Permanent(err)
	}
	return p, nil
}

// UniqueKey строит ключ идемпотентности {type}:{chat}:{msg}; пустая строка,
// если payload не ссылается на сообщение.
func UniqueKey(p Payload) string {
	ref, ok := p.(messageRef)
	if !ok {
		return ""
	}
	chatID, msgID, _ := ref.Ref()
	if chatID == 0 || msgID == 0 {
		return ""
	}
	return p.TaskType() + ":" + strconv.FormatInt(chatID, 10) + ":" + strconv.Itoa(msgID)
}

func groupOf(p Payload) string {
	ref, ok := p.(messageRef)
	if !ok {
		return ""
	}
	if _, _, g := ref.Ref(); g != 0 {
		return strconv.FormatInt(g, 10)
	}
	return ""
}
