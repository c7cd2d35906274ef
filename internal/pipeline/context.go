package pipeline

import (
	"slices"
	"strconv"

	"tg-forwarder/internal/domain/models"
	"tg-forwarder/internal/transport"
)

// RuleState — состояние одного правила внутри MessageContext.
type RuleState struct {
	Rule   *models.ForwardingRule
	Target int64

	// Messages — что отправлять по этому правилу (после медиа-фильтра).
	Messages []*transport.Message
	// Text — итоговый текст; Modified — изменён заменами или AI.
	Text     string
	Modified bool
	TextOnly bool

	// Locked — члены группы, на которые взята предварительная блокировка
	// дедупликации.
	Locked       []*transport.Message
	DeleteSource bool

	Dropped bool
	Done    bool
	Err     error
}

// TargetKey — нормализованный идентификатор получателя для дедупликации.
func (rs *RuleState) TargetKey() string {
	if rs.Rule != nil && rs.Rule.TargetChat.TelegramChatID != "" {
		return rs.Rule.TargetChat.TelegramChatID
	}
	return strconv.FormatInt(rs.Target, 10)
}

// MessageContext несёт одно исходное сообщение (или альбом) через цепочку.
type MessageContext struct {
	TaskIDs []uint64
	ChatID  int64
	// Message — основное сообщение задачи.
	Message *transport.Message
	// Group — члены альбома по возрастанию id; пусто для одиночного сообщения.
	Group []*transport.Message
	Rules []*RuleState
	// Errors — ошибки отдельных правил в порядке возникновения.
	Errors []error
}

// NewMessageContext создаёт контекст для сообщения msg и, если это альбом,
// его членов group.
func NewMessageContext(chatID int64, msg *transport.Message, group []*transport.Message, taskIDs ...uint64) *MessageContext {
	sorted := slices.Clone(group)
	slices.SortFunc(sorted, func(a, b *transport.Message) int { return a.ID - b.ID })
	return &MessageContext{
		TaskIDs: taskIDs,
		ChatID:  chatID,
		Message: msg,
		Group:   sorted,
	}
}

// IsAlbum сообщает, обрабатывается ли группа медиа.
func (mc *MessageContext) IsAlbum() bool { return len(mc.Group) > 1 }

// Delivered возвращает исходные сообщения, действительно отправленные по
// правилу. Текстовая отправка исходники не доставляет.
func (rs *RuleState) Delivered() []*transport.Message {
	if !rs.Done || rs.TextOnly {
		return nil
	}
	return rs.Messages
}

// Members возвращает все исходные сообщения задачи.
func (mc *MessageContext) Members() []*transport.Message {
	if len(mc.Group) > 0 {
		return mc.Group
	}
	return []*transport.Message{mc.Message}
}

// MemberIDs — идентификаторы Members по возрастанию.
func (mc *MessageContext) MemberIDs() []int {
	members := mc.Members()
	ids := make([]int, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ID)
	}
	slices.Sort(ids)
	return ids
}

// Active возвращает правила, ещё участвующие в обработке.
func (mc *MessageContext) Active() []*RuleState {
	out := make([]*RuleState, 0, len(mc.Rules))
	for _, rs := range mc.Rules {
		if !rs.Dropped {
			out = append(out, rs)
		}
	}
	return out
}

// Fail помечает правило проваленным и запоминает ошибку.
func (mc *MessageContext) Fail(rs *RuleState, err error) {
	rs.Err = err
	mc.Errors = append(mc.Errors, err)
}

// Result сводит исходы правил: ошибка возвращается, только если ни одно
// правило не выполнено и хотя бы одно провалилось; побеждает первая ошибка.
func (mc *MessageContext) Result() error {
	for _, rs := range mc.Rules {
		if rs.Done {
			return nil
		}
	}
	if len(mc.Errors) > 0 {
		return mc.Errors[0]
	}
	return nil
}
