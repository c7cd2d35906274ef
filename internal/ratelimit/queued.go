package ratelimit

import (
	"context"

	"tg-forwarder/internal/transport"
)

// Отправки выполняются с context.WithoutCancel: начатый вызов апстрима не
// прерывается остановкой процесса.

// ForwardMessagesQueued пересылает ids из src в dst под ограничениями пары.
// Пустой список — no-op.
func (l *Limiter) ForwardMessagesQueued(ctx context.Context, tr transport.Transport, src, dst int64, ids []int, opts transport.ForwardOptions) ([]int, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []int
	err := l.Do(ctx, Key{Source: src, Target: dst}, func(ctx context.Context) error {
		var err error
		out, err = tr.ForwardMessages(context.WithoutCancel(ctx), src, dst, ids, opts)
		return err
	})
	return out, err
}

// SendMessageQueued отправляет текст в dst от имени пары (src, dst).
func (l *Limiter) SendMessageQueued(ctx context.Context, tr transport.Transport, src, dst int64, text string, opts transport.SendOptions) (int, error) {
	var id int
	err := l.Do(ctx, Key{Source: src, Target: dst}, func(ctx context.Context) error {
		var err error
		id, err = tr.SendMessage(context.WithoutCancel(ctx), dst, text, opts)
		return err
	})
	return id, err
}

// SendMediaQueued повторно отправляет медиа msgs в dst с подписью caption.
func (l *Limiter) SendMediaQueued(ctx context.Context, tr transport.Transport, src, dst int64, msgs []*transport.Message, caption string, opts transport.SendOptions) ([]int, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	var out []int
	err := l.Do(ctx, Key{Source: src, Target: dst}, func(ctx context.Context) error {
		var err error
		out, err = tr.SendMedia(context.WithoutCancel(ctx), dst, msgs, caption, opts)
		return err
	})
	return out, err
}

// SendFileQueued загружает локальный файл в dst.
func (l *Limiter) SendFileQueued(ctx context.Context, tr transport.Transport, src, dst int64, path, caption string, opts transport.SendOptions) (int, error) {
	var id int
	err := l.Do(ctx, Key{Source: src, Target: dst}, func(ctx context.Context) error {
		var err error
		id, err = tr.SendFile(context.WithoutCancel(ctx), dst, path, caption, opts)
		return err
	})
	return id, err
}

// DeleteMessagesQueued удаляет сообщения исходного чата.
func (l *Limiter) DeleteMessagesQueued(ctx context.Context, tr transport.Transport, chat int64, ids []int) error {
	if len(ids) == 0 {
		return nil
	}
	return l.Do(ctx, Key{Source: chat, Target: chat}, func(ctx context.Context) error {
		return tr.DeleteMessages(context.WithoutCancel(ctx), chat, ids)
	})
}

// GetMessagesQueued читает сообщения под глобальными ограничениями.
func (l *Limiter) GetMessagesQueued(ctx context.Context, tr transport.Transport, chat int64, ids []int) ([]*transport.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []*transport.Message
	err := l.Do(ctx, Key{}, func(ctx context.Context) error {
		var err error
		out, err = tr.GetMessages(ctx, chat, ids)
		return err
	})
	return out, err
}

// IterMessagesQueued обходит историю чата под глобальными ограничениями. При
// повторной попытке обход начинается заново: fn должен быть идемпотентным.
func (l *Limiter) IterMessagesQueued(ctx context.Context, tr transport.Transport, chat int64, opts transport.IterOptions, fn func(*transport.Message) bool) error {
	return l.Do(ctx, Key{}, func(ctx context.Context) error {
		return tr.IterMessages(ctx, chat, opts, fn)
	})
}

// DownloadMediaQueued скачивает медиа сообщения в dir.
func (l *Limiter) DownloadMediaQueued(ctx context.Context, tr transport.Transport, msg *transport.Message, dir string) (string, error) {
	var path string
	err := l.Do(ctx, Key{}, func(ctx context.Context) error {
		var err error
		path, err = tr.DownloadMedia(ctx, msg, dir)
		return err
	})
	return path, err
}
