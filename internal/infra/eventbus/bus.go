// Package eventbus — внутрипроцессная шина событий. Publish с wait=true
// выполняет обработчики последовательно и возвращает объединённую ошибку; на
// этом пути стоит фиксация сигнатур дедупликации, поэтому задача не будет
// завершена раньше, чем сигнатура записана.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tg-forwarder/internal/infra/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Topic — имя канала событий.
type Topic string

// Топики пересылки.
const (
	TopicForwardSuccess Topic = "forward.success"
	TopicForwardFailed  Topic = "forward.failed"
	TopicRuleFiltered   Topic = "rule.filtered"
)

// Event — конверт события.
type Event struct {
	ID      string
	Topic   Topic
	At      time.Time
	Payload any
}

// Handler обрабатывает событие.
type Handler func(ctx context.Context, ev Event) error

type subscription struct {
	name string
	fn   Handler
}

// Bus — потокобезопасная шина.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Topic][]subscription
	wg       sync.WaitGroup
	now      func() time.Time
}

// New создаёт пустую шину.
func New() *Bus {
	return &Bus{handlers: make(map[Topic][]subscription), now: time.Now}
}

// Subscribe добавляет обработчик. Обработчики вызываются в порядке подписки.
func (b *Bus) Subscribe(topic Topic, name string, fn Handler) {
	b.mu.Lock()
	b.handlers[topic] = append(b.handlers[topic], subscription{name: name, fn: fn})
	b.mu.Unlock()
}

// Publish рассылает payload подписчикам topic. wait=true — синхронно и
// последовательно, с возвратом объединённой ошибки; wait=false — в отдельной
// горутине, ошибки только логируются.
func (b *Bus) Publish(ctx context.Context, topic Topic, payload any, wait bool) error {
	b.mu.RLock()
	subs := append([]subscription(nil), b.handlers[topic]...)
	b.mu.RUnlock()
	if len(subs) == 0 {
		return nil
	}

	ev := Event{ID: uuid.NewString(), Topic: topic, At: b.now(), Payload: payload}
	if wait {
		return dispatch(ctx, subs, ev)
	}

	detached := context.WithoutCancel(ctx)
	b.wg.Go(func() {
		if err := dispatch(detached, subs, ev); err != nil {
			logger.Warn("Async event handlers failed",
				zap.String("topic", string(topic)),
				zap.String("event_id", ev.ID),
				zap.Error(err),
			)
		}
	})
	return nil
}

// Wait дожидается асинхронных рассылок или отмены ctx.
func (b *Bus) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func dispatch(ctx context.Context, subs []subscription, ev Event) error {
	var errs []error
	for _, s := range subs {
		if err := safeCall(ctx, s, ev); err != nil {
			errs = append(errs, fmt.Errorf("handler %s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}

func safeCall(ctx context.Context, s subscription, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.fn(ctx, ev)
}
