// Package pipeline — цепочка обработчиков одного исходного сообщения (или
// альбома). Каждый обработчик получает MessageContext и функцию next; он
// может продолжить цепочку, прервать её (Terminate) или попросить воркер
// отложить задачу (Reschedule). Отложение — не ошибка.
package pipeline

import (
	"context"
	"time"
)

// OutcomeKind — вид исхода цепочки.
type OutcomeKind int

const (
	Continue OutcomeKind = iota
	Reschedule
	Terminate
)

func (k OutcomeKind) String() string {
	switch k {
	case Continue:
		return "continue"
	case Reschedule:
		return "reschedule"
	case Terminate:
		return "terminate"
	default:
		return "unknown"
	}
}

// Outcome — результат прохождения цепочки. After имеет смысл только для
// Reschedule.
type Outcome struct {
	Kind  OutcomeKind
	After time.Duration
}

// Done — штатное завершение.
func Done() Outcome { return Outcome{Kind: Continue} }

// Stop прерывает цепочку без ошибки.
func Stop() Outcome { return Outcome{Kind: Terminate} }

// Later просит воркер вернуть задачу в очередь через d.
func Later(d time.Duration) Outcome { return Outcome{Kind: Reschedule, After: d} }

// Next вызывает остаток цепочки.
type Next func(ctx context.Context, mc *MessageContext) (Outcome, error)

// Middleware — звено цепочки.
type Middleware interface {
	Name() string
	Process(ctx context.Context, mc *MessageContext, next Next) (Outcome, error)
}

// Pipeline — неизменяемая упорядоченная цепочка.
type Pipeline struct {
	chain []Middleware
}

// New собирает цепочку в порядке аргументов.
func New(mws ...Middleware) *Pipeline {
	return &Pipeline{chain: append([]Middleware(nil), mws...)}
}

// Run прогоняет mc через цепочку. Конец цепочки возвращает Continue.
func (p *Pipeline) Run(ctx context.Context, mc *MessageContext) (Outcome, error) {
	return p.step(0)(ctx, mc)
}

func (p *Pipeline) step(i int) Next {
	if i >= len(p.chain) {
		return func(context.Context, *MessageContext) (Outcome, error) { return Done(), nil }
	}
	return func(ctx context.Context, mc *MessageContext) (Outcome, error) {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		return p.chain[i].Process(ctx, mc, p.step(i+1))
	}
}
