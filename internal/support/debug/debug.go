// Package debug — отладочная трассировка входящих апдейтов.
// Пишет в журнал компактное описание сообщения (источник, читаемое имя,
// обрезанный текст) только при уровне debug. На бизнес-логику не влияет.
package debug

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"tg-forwarder/internal/infra/logger"

	"github.com/gotd/td/tg"
	"go.uber.org/zap"
)

// textMaxLen ограничивает длину текста в записи журнала.
const textMaxLen = 50

// Update описывает входящее сообщение. Имена берутся из entities самого
// апдейта; отсутствующие метаданные заменяются плейсхолдерами.
func Update(prefix string, msg *tg.Message, entities tg.Entities) {
	if msg == nil || !logger.IsDebugEnabled() {
		return
	}
	from, name := DescribePeer(msg.PeerID, entities)
	logger.Debug("update",
		zap.String("via", prefix),
		zap.String("from", from),
		zap.String("name", name),
		zap.Int("msg", msg.ID),
		zap.Int64("group", msg.GroupedID),
		zap.String("text", Truncate(msg.Message, textMaxLen)),
	)
}

// DescribePeer возвращает вид чата и его читаемое имя.
func DescribePeer(peer tg.PeerClass, entities tg.Entities) (string, string) {
	switch p := peer.(type) {
	case *tg.PeerUser:
		u, ok := entities.Users[p.UserID]
		if !ok {
			return "User", "<unknown>"
		}
		fullname := strings.TrimSpace(u.FirstName + " " + u.LastName)
		if fullname == "" {
			fullname = "<unknown>"
		}
		return "User", withUsername("'"+fullname+"'", u.Username)
	case *tg.PeerChat:
		c, ok := entities.Chats[p.ChatID]
		if !ok || c.Title == "" {
			return "Chat", "<unknown chat>"
		}
		return "Chat", "'" + c.Title + "'"
	case *tg.PeerChannel:
		ch, ok := entities.Channels[p.ChannelID]
		if !ok {
			return "Channel-like", "<untitled channel>"
		}
		label := "Channel-like"
		if ch.Broadcast {
			label = "Channel"
		} else if ch.Megagroup {
			label = "Supergroup"
		}
		title := ch.Title
		if title == "" {
			title = "<untitled channel>"
		}
		return label, withUsername("'"+title+"'", ch.Username)
	case nil:
		return "Unknown", "<nil>"
	default:
		return "Unknown", peer.TypeName() + " " + strconv.Quote(peer.String())
	}
}

func withUsername(name, username string) string {
	if username == "" {
		return name
	}
	return name + " (@" + username + ")"
}

// Truncate обрезает s до n рун, не разрывая UTF-8.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
