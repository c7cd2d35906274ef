package filters

import (
	"slices"
	"strings"

	"tg-forwarder/internal/dedup"
	"tg-forwarder/internal/domain/models"
	"tg-forwarder/internal/transport"
)

// Причины отказа, попадающие в rule_log.
const (
	ReasonSender  = "sender filtered"
	ReasonKeyword = "keyword filtered"
	ReasonMedia   = "media filtered"
)

// Decision — итог проверки одного правила.
type Decision struct {
	Admit  bool
	Reason string
	// Messages — члены группы, прошедшие медиа-фильтр, в исходном порядке.
	Messages []*transport.Message
	// TextOnly — медиа заблокировано, но текст разрешено отправить отдельно.
	TextOnly bool
	// Text — текст после замен; Modified — отличается ли он от исходного.
	Text     string
	Modified bool
}

// Engine проверяет сообщение (или альбом) по правилу.
type Engine struct {
	matcher *Matcher
}

// NewEngine создаёт движок со своим кэшем автоматов и шаблонов.
func NewEngine() *Engine {
	return &Engine{matcher: NewMatcher()}
}

// Matcher открывает доступ к сопоставителю ключевых слов.
func (e *Engine) Matcher() *Matcher { return e.matcher }

// Evaluate прогоняет msgs (одно сообщение или члены альбома) через фильтры
// правила. Порядок: отправитель, ключевые слова, медиа, замены.
func (e *Engine) Evaluate(rule *models.ForwardingRule, msgs []*transport.Message) Decision {
	if len(msgs) == 0 {
		return Decision{Reason: ReasonMedia}
	}
	text := CaptionOf(msgs)

	if rule.EnableSenderFilter && !senderAllowed(rule, msgs[0].SenderID) {
		return Decision{Reason: ReasonSender}
	}

	if !e.matcher.Admit(rule, searchText(text, msgs)) {
		return Decision{Reason: ReasonKeyword}
	}

	kept := make([]*transport.Message, 0, len(msgs))
	hadMedia := false
	for _, m := range msgs {
		if !m.HasMedia() {
			kept = append(kept, m)
			continue
		}
		hadMedia = true
		if MediaAllowed(rule, m.Media) {
			kept = append(kept, m)
		}
	}

	d := Decision{Admit: true, Messages: kept, Text: text}
	if hadMedia && !hasMedia(kept) {
		if !rule.AllowTextWhenMediaBlocked || strings.TrimSpace(text) == "" {
			return Decision{Reason: ReasonMedia}
		}
		d.TextOnly = true
		d.Messages = nil
	}

	if rule.IsReplace && len(rule.ReplaceRules) > 0 {
		d.Text, d.Modified = e.matcher.Replace(rule, text)
	}
	return d
}

// CaptionOf возвращает первый непустой текст среди членов группы.
func CaptionOf(msgs []*transport.Message) string {
	for _, m := range msgs {
		if m != nil && m.Text != "" {
			return m.Text
		}
	}
	return ""
}

// searchText дополняет текст именами файлов, которых в нём ещё нет: по имени
// вложения тоже можно фильтровать.
func searchText(text string, msgs []*transport.Message) string {
	var b strings.Builder
	b.WriteString(text)
	for _, m := range msgs {
		if !m.HasMedia() || m.Media.FileName == "" || strings.Contains(text, m.Media.FileName) {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.Media.FileName)
	}
	return b.String()
}

func hasMedia(msgs []*transport.Message) bool {
	return slices.ContainsFunc(msgs, (*transport.Message).HasMedia)
}

func senderAllowed(rule *models.ForwardingRule, senderID int64) bool {
	listed := slices.ContainsFunc(rule.Senders, func(s models.RuleSender) bool { return s.SenderID == senderID })
	if rule.SenderFilterMode == models.ListDeny {
		return !listed
	}
	return listed
}

// MediaAllowed проверяет одно вложение по маске типов, расширениям и
// диапазонам. Отсутствующие характеристики (0) в диапазонах не участвуют.
func MediaAllowed(rule *models.ForwardingRule, m *transport.Media) bool {
	if m == nil {
		return true
	}
	if rule.EnableMediaTypeFilter && rule.MediaTypes.Blocks(string(m.Kind)) {
		return false
	}
	if rule.EnableExtensionFilter && !extensionAllowed(rule, m.Extension()) {
		return false
	}
	if rule.EnableMediaSizeFilter && m.Size > 0 {
		kb := m.Size / 1024 //nolint:mnd // KiB
		if outside(kb, rule.MinMediaSizeKB, rule.MaxMediaSizeKB) {
			return false
		}
	}
	if rule.EnableDurationFilter && m.Duration > 0 &&
		outside(int64(m.Duration), int64(rule.MinDurationSec), int64(rule.MaxDurationSec)) {
		return false
	}
	if rule.EnableResolutionFilter && m.Width > 0 && m.Height > 0 {
		if outside(int64(m.Width), int64(rule.MinWidth), int64(rule.MaxWidth)) ||
			outside(int64(m.Height), int64(rule.MinHeight), int64(rule.MaxHeight)) {
			return false
		}
	}
	return true
}

// extensionAllowed: вложения без имени файла (фото) фильтр расширений не трогает.
func extensionAllowed(rule *models.ForwardingRule, ext string) bool {
	if ext == "" {
		return true
	}
	listed := slices.ContainsFunc(rule.MediaExtensions, func(e models.MediaExtension) bool { return e.Normalized() == ext })
	if rule.ExtensionFilterMode == models.ListAllow {
		return listed
	}
	return !listed
}

// outside: границы <= 0 означают «без ограничения».
func outside(v, lo, hi int64) bool {
	return (lo > 0 && v < lo) || (hi > 0 && v > hi)
}

// DedupAlbum убирает повторы среди членов альбома: сначала по file id, затем
// по сигнатуре содержимого. Порядок сохраняется.
func DedupAlbum(msgs []*transport.Message) []*transport.Message {
	out := make([]*transport.Message, 0, len(msgs))
	seen := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		var key string
		switch {
		case m.HasMedia() && m.Media.FileID != "":
			key = "fid:" + m.Media.FileID
		default:
			key = dedup.Signature(m)
		}
		if key != "" {
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
		}
		out = append(out, m)
	}
	return out
}
