// Package tgutil — преобразования идентификаторов Telegram к форме, в которой
// чаты хранятся в каталоге правил.
package tgutil

import "github.com/gotd/td/tg"

// PeerKind — вид peer.
type PeerKind uint8

const (
	PeerUnknown PeerKind = iota
	PeerUser
	PeerChat
	PeerChannel
)

func (k PeerKind) String() string {
	switch k {
	case PeerUser:
		return "user"
	case PeerChat:
		return "chat"
	case PeerChannel:
		return "channel"
	default:
		return "unknown"
	}
}

// SplitPeer раскладывает peer на вид и числовой идентификатор. Идентификатор
// MTProto уже совпадает с нормализованной формой каталога (без -100).
func SplitPeer(peer tg.PeerClass) (PeerKind, int64) {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return PeerUser, p.UserID
	case *tg.PeerChat:
		return PeerChat, p.ChatID
	case *tg.PeerChannel:
		return PeerChannel, p.ChannelID
	default:
		return PeerUnknown, 0
	}
}

// ChatID возвращает идентификатор peer в форме каталога; 0 для неизвестного типа.
func ChatID(peer tg.PeerClass) int64 {
	_, id := SplitPeer(peer)
	return id
}
