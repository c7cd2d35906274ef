package middleware

import (
	"context"
	"strings"

	"tg-forwarder/internal/infra/logger"
	"tg-forwarder/internal/pipeline"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// AIOptions — значения по умолчанию для правил без собственных настроек.
type AIOptions struct {
	Concurrency   int
	DefaultModel  string
	DefaultPrompt string
}

// AI переписывает текст правил с is_ai. Правила обрабатываются параллельно;
// сбой модели оставляет исходный текст.
type AI struct {
	rewriter Rewriter
	opts     AIOptions
}

// NewAI создаёт звено AI-обработки.
func NewAI(rewriter Rewriter, opts AIOptions) *AI {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &AI{rewriter: rewriter, opts: opts}
}

func (a *AI) Name() string { return "ai" }

func (a *AI) Process(ctx context.Context, mc *pipeline.MessageContext, next pipeline.Next) (pipeline.Outcome, error) {
	if a.rewriter == nil {
		return next(ctx, mc)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(a.opts.Concurrency)

	for _, rs := range mc.Active() {
		if !rs.Rule.IsAI || strings.TrimSpace(rs.Text) == "" {
			continue
		}
		eg.Go(func() error {
			model := firstNonEmpty(rs.Rule.AIModel, a.opts.DefaultModel)
			prompt := firstNonEmpty(rs.Rule.AIPrompt, a.opts.DefaultPrompt)
			out, err := a.rewriter.ProcessMessage(egCtx, rs.Text, prompt, model, nil)
			if err != nil {
				logger.Warn("ai rewrite failed, keeping original text",
					zap.Uint("rule_id", rs.Rule.ID),
					zap.String("model", model),
					zap.Error(err),
				)
				return nil
			}
			if out = strings.TrimSpace(out); out != "" && out != rs.Text {
				rs.Text = out
				rs.Modified = true
			}
			return nil
		})
	}
	_ = eg.Wait()

	if err := ctx.Err(); err != nil {
		return pipeline.Outcome{}, err
	}
	return next(ctx, mc)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
