package dedup

import (
	"crypto/md5" //nolint:gosec // хеш для сравнения, не для защиты
	"encoding/hex"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"tg-forwarder/internal/transport"
)

var (
	reURL       = regexp.MustCompile(`(?i)(https?://|www\.|t\.me/)\S+`)
	reMention   = regexp.MustCompile(`[@#]\w+`)
	reTimestamp = regexp.MustCompile(`\d{4}[-/.]\d{1,2}[-/.]\d{1,2}|\d{1,2}:\d{2}(:\d{2})?`)
)

// maxDurationBucket — верхняя граница длительности в хеше содержимого.
const maxDurationBucket = 4095

// normalizeText убирает ссылки, упоминания и пунктуацию, схлопывает пробелы
// и приводит текст к нижнему регистру.
func normalizeText(text string) string {
	if text == "" {
		return ""
	}
	text = reURL.ReplaceAllString(text, " ")
	text = reMention.ReplaceAllString(text, " ")
	text = strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			return ' '
		}
		return r
	}, text)
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

// cleanText — форма текста для сигнатуры: normalizeText без отметок времени
// и без пробельных символов.
func cleanText(text string) string {
	text = reTimestamp.ReplaceAllString(text, " ")
	text = normalizeText(text)
	return strings.ReplaceAll(text, " ", "")
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// Signature возвращает короткий стабильный идентификатор сообщения: для медиа
// "{kind}:{file_id}" (или "{kind}:{message_id}" без file_id), для текста
// "text:{md5 очищенного текста}".
func Signature(msg *transport.Message) string {
	if msg == nil {
		return ""
	}
	if msg.Media != nil {
		kind := string(msg.Media.Kind)
		if kind == "" {
			kind = string(transport.MediaOther)
		}
		if msg.Media.FileID != "" {
			return kind + ":" + msg.Media.FileID
		}
		return kind + ":" + strconv.Itoa(msg.ID)
	}
	cleaned := cleanText(msg.Text)
	if cleaned == "" {
		return "empty:" + strconv.Itoa(msg.ID)
	}
	return "text:" + md5Hex(cleaned)
}

// sizeBucket — логарифмическая корзина размера: 8 ступеней на каждое удвоение.
func sizeBucket(size int64) int {
	if size <= 0 {
		return 0
	}
	return min(max(int(math.Log2(float64(size))*8), 0), 255) //nolint:mnd
}

// ContentHash — MD5 структурных признаков медиа (тип, корзина размера, mime,
// разрешение фото, длительность видео) или очищенного текста. Пустая строка —
// признаков нет.
func ContentHash(msg *transport.Message) string {
	if msg == nil {
		return ""
	}
	if m := msg.Media; m != nil {
		var b strings.Builder
		b.WriteString(string(m.Kind))
		b.WriteByte('|')
		b.WriteString(strconv.Itoa(sizeBucket(m.Size)))
		b.WriteByte('|')
		b.WriteString(m.MimeType)
		if m.Kind == transport.MediaPhoto {
			b.WriteByte('|')
			b.WriteString(strconv.Itoa(m.Width) + "x" + strconv.Itoa(m.Height))
		}
		if m.Kind == transport.MediaVideo {
			b.WriteByte('|')
			b.WriteString(strconv.Itoa(min(m.Duration, maxDurationBucket)))
		}
		if m.Size == 0 && m.Width == 0 && m.Duration == 0 && m.MimeType == "" {
			return ""
		}
		return md5Hex(b.String())
	}
	cleaned := cleanText(msg.Text)
	if cleaned == "" {
		return ""
	}
	return md5Hex(cleaned)
}
