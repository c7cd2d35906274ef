package ai

import (
	"context"

	"tg-forwarder/internal/infra/throttle"
)

// Throttled пропускает обращения к провайдеру через общий троттлер: не чаще
// rps в секунду, временные ошибки повторяются, постоянные возвращаются сразу.
type Throttled struct {
	next Provider
	th   *throttle.Throttler
}

// NewThrottled оборачивает provider.
func NewThrottled(provider Provider, rps, maxRetries int) *Throttled {
	return &Throttled{
		next: provider,
		th: throttle.New(rps,
			throttle.WithMaxRetries(maxRetries),
			throttle.WithWaitExtractors(throttle.ServerWait),
		),
	}
}

func (t *Throttled) Start(ctx context.Context) { t.th.Start(ctx) }

func (t *Throttled) Stop() { t.th.Stop() }

func (t *Throttled) ProcessMessage(ctx context.Context, text, prompt, model string, images [][]byte) (string, error) {
	var out string
	err := t.th.Do(ctx, func() error {
		res, err := t.next.ProcessMessage(ctx, text, prompt, model, images)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}
