// Package worker — пул обработчиков очереди задач. Каждый обработчик забирает
// задачу (вместе с задачами того же media group), получает исходные сообщения,
// прогоняет их через конвейер и переводит задачу в итоговое состояние по классу
// ошибки. Только здесь статус задачи меняется по результату обработки.
package worker

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"tg-forwarder/internal/domain/models"
	"tg-forwarder/internal/errs"
	"tg-forwarder/internal/infra/logger"
	"tg-forwarder/internal/infra/metrics"
	"tg-forwarder/internal/pipeline"
	"tg-forwarder/internal/repository/tasks"
	"tg-forwarder/internal/transport"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

// getMessagesBatch — предел ids в одном запросе GetMessages.
const getMessagesBatch = 100

// Queue — операции очереди, которые нужны обработчику.
type Queue interface {
	FetchNext(ctx context.Context, limit int) ([]models.TaskQueueEntry, error)
	Complete(ctx context.Context, ids ...uint64) error
	Fail(ctx context.Context, id uint64, msg string) error
	FailOrRetryCapped(ctx context.Context, id uint64, msg string, maxRetries int, maxDelay time.Duration) (bool, error)
	RetryAt(ctx context.Context, id uint64, msg string, at time.Time, maxRetries int) (bool, error)
	Reschedule(ctx context.Context, id uint64, nextRun time.Time) error
}

// Courier — вызовы Telegram под ограничениями скорости.
type Courier interface {
	GetMessagesQueued(ctx context.Context, tr transport.Transport, chat int64, ids []int) ([]*transport.Message, error)
	DownloadMediaQueued(ctx context.Context, tr transport.Transport, msg *transport.Message, dir string) (string, error)
	SendFileQueued(ctx context.Context, tr transport.Transport, src, dst int64, path, caption string, opts transport.SendOptions) (int, error)
	RecoveryTimeout() time.Duration
}

// Runner исполняет конвейер над контекстом сообщения.
type Runner interface {
	Run(ctx context.Context, mc *pipeline.MessageContext) (pipeline.Outcome, error)
}

// Summarizer выполняет сводку правила вне расписания.
type Summarizer interface {
	RunRule(ctx context.Context, ruleID uint) error
}

// Options — настройки пула.
type Options struct {
	Count       int
	MaxRetries  int
	DownloadDir string

	IdleMin  time.Duration
	IdleStep time.Duration
	IdleMax  time.Duration

	// ReconnectMax ограничивает одну попытку ожидания соединения.
	ReconnectMax time.Duration

	// Clock позволяет подменять источник времени (для тестов).
	Clock func() time.Time
}

func (o *Options) withDefaults() {
	if o.Count <= 0 {
		o.Count = 1
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3 //nolint:mnd
	}
	if o.DownloadDir == "" {
		o.DownloadDir = "./downloads"
	}
	if o.IdleMin <= 0 {
		o.IdleMin = 100 * time.Millisecond //nolint:mnd
	}
	if o.IdleStep <= 0 {
		o.IdleStep = 100 * time.Millisecond //nolint:mnd
	}
	if o.IdleMax <= 0 {
		o.IdleMax = 2 * time.Second //nolint:mnd
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 30 * time.Second //nolint:mnd
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// Pool — набор обработчиков очереди.
type Pool struct {
	queue     Queue
	courier   Courier
	tr        transport.Transport
	runner    Runner
	summaries Summarizer
	opts      Options

	runOnce sync.Once
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New создаёт пул. summaries может быть nil: тогда задачи summary проваливаются.
func New(queue Queue, courier Courier, tr transport.Transport, runner Runner, summaries Summarizer, opts Options) *Pool {
	opts.withDefaults()
	return &Pool{
		queue:     queue,
		courier:   courier,
		tr:        tr,
		runner:    runner,
		summaries: summaries,
		opts:      opts,
	}
}

// Start поднимает Count обработчиков. Повторный вызов ничего не делает.
func (p *Pool) Start(ctx context.Context) {
	p.runOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		p.cancel = cancel
		for i := range p.opts.Count {
			p.wg.Go(func() { p.loop(runCtx, i) })
		}
		logger.Info("Worker pool started", zap.Int("workers", p.opts.Count))
	})
}

// Stop прекращает выборку новых задач и ждёт завершения текущих.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	logger.Info("Worker pool stopped")
}

func (p *Pool) loop(ctx context.Context, n int) {
	idle := p.opts.IdleMin
	for ctx.Err() == nil {
		if err := p.ensureConnected(ctx); err != nil {
			return
		}

		worked, err := p.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Error("worker loop error", zap.Int("worker", n), zap.Error(err))
			idle = p.opts.IdleMax
		}
		if worked {
			idle = p.opts.IdleMin
			continue
		}
		if !sleep(ctx, idle) {
			return
		}
		idle = min(idle+p.opts.IdleStep, p.opts.IdleMax)
	}
}

// ensureConnected ждёт соединения с ограниченной экспоненциальной паузой
// между попытками. Возвращает ошибку только при отмене ctx.
func (p *Pool) ensureConnected(ctx context.Context) error {
	if p.tr.IsConnected() {
		return nil
	}
	logger.Warn("transport offline, waiting for reconnect")

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = p.opts.ReconnectMax
	b.MaxElapsedTime = 0

	op := func() error {
		waitCtx, cancel := context.WithTimeout(ctx, p.opts.ReconnectMax)
		defer cancel()
		if err := p.tr.WaitOnline(waitCtx); err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		return nil
	}
	notify := func(err error, d time.Duration) {
		logger.Debug("transport still offline", zap.Duration("next_attempt", d), zap.Error(err))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return err
	}
	logger.Info("transport back online")
	return nil
}

// RunOnce забирает и обрабатывает одну задачу (с её media group). Возвращает
// false, если очередь пуста.
func (p *Pool) RunOnce(ctx context.Context) (bool, error) {
	entries, err := p.queue.FetchNext(ctx, 1)
	if err != nil {
		return false, errors.Wrap(err, "fetch next")
	}
	if len(entries) == 0 {
		return false, nil
	}
	// Начатая задача доводится до конца даже при остановке пула.
	p.process(context.WithoutCancel(ctx), entries)
	return true, nil
}

// unit — задачи, обрабатываемые как одно целое.
type unit struct {
	entries  []models.TaskQueueEntry
	payloads []tasks.Payload
}

func (u *unit) ids() []uint64 {
	out := make([]uint64, len(u.entries))
	for i := range u.entries {
		out[i] = u.entries[i].ID
	}
	return out
}

func (u *unit) taskType() string { return u.entries[0].TaskType }

func (p *Pool) process(ctx context.Context, entries []models.TaskQueueEntry) {
	u := &unit{}
	for i := range entries {
		payload, err := tasks.Decode(&entries[i])
		if err != nil {
			p.fail(ctx, entries[i].ID, entries[i].TaskType, err.Error())
			continue
		}
		u.entries = append(u.entries, entries[i])
		u.payloads = append(u.payloads, payload)
	}
	if len(u.entries) == 0 {
		return
	}

	log := logger.Named("worker").With(
		zap.Uint64("task_id", u.entries[0].ID),
		zap.String("task_type", u.taskType()),
		zap.Int("group_size", len(u.entries)),
	)
	log.Debug("task started")

	var (
		out pipeline.Outcome
		err error
	)
	switch first := u.payloads[0].(type) {
	case tasks.ProcessMessage:
		out, err = p.processMessage(ctx, u, first.ChatID)
	case tasks.DownloadFile:
		err = p.download(ctx, u, first.ChatID)
	case tasks.ManualDownload:
		err = p.manualDownload(ctx, first)
	case tasks.Summary:
		err = p.summary(ctx, first)
	default:
		err = errs.Permanentf("unsupported task type %q", u.taskType())
	}
	p.settle(ctx, u, out, err)
}

// fetch получает сообщения unit партиями. Удалённые сообщения пропускаются;
// если не осталось ни одного — ErrMessageNotFound.
func (p *Pool) fetch(ctx context.Context, u *unit, chatID int64) ([]*transport.Message, error) {
	ids := make([]int, 0, len(u.payloads))
	for _, pl := range u.payloads {
		switch v := pl.(type) {
		case tasks.ProcessMessage:
			ids = append(ids, v.MessageID)
		case tasks.DownloadFile:
			ids = append(ids, v.MessageID)
		case tasks.ManualDownload:
			ids = append(ids, v.MessageID)
		}
	}

	var found []*transport.Message
	for start := 0; start < len(ids); start += getMessagesBatch {
		end := min(start+getMessagesBatch, len(ids))
		msgs, err := p.courier.GetMessagesQueued(ctx, p.tr, chatID, ids[start:end])
		if err != nil {
			return nil, errors.Wrap(err, "get messages")
		}
		for _, m := range msgs {
			if m != nil {
				found = append(found, m)
			}
		}
	}
	if len(found) == 0 {
		return nil, errs.Permanent(errs.ErrMessageNotFound)
	}
	return found, nil
}

func (p *Pool) processMessage(ctx context.Context, u *unit, chatID int64) (pipeline.Outcome, error) {
	msgs, err := p.fetch(ctx, u, chatID)
	if err != nil {
		return pipeline.Outcome{}, err
	}
	var group []*transport.Message
	if len(msgs) > 1 || msgs[0].GroupedID != 0 {
		group = msgs
	}
	mc := pipeline.NewMessageContext(chatID, msgs[0], group, u.ids()...)
	if group != nil {
		mc.Message = mc.Group[0]
	}
	return p.runner.Run(ctx, mc)
}

func (p *Pool) download(ctx context.Context, u *unit, chatID int64) error {
	msgs, err := p.fetch(ctx, u, chatID)
	if err != nil {
		return err
	}
	dir := filepath.Join(p.opts.DownloadDir, strconv.FormatInt(chatID, 10))
	for _, m := range msgs {
		if !m.HasMedia() {
			continue
		}
		path, err := p.courier.DownloadMediaQueued(ctx, p.tr, m, dir)
		if err != nil {
			return errors.Wrapf(err, "download message %d", m.ID)
		}
		logger.Info("media downloaded", zap.Int64("chat_id", chatID), zap.Int("message_id", m.ID), zap.String("path", path))
	}
	return nil
}

func (p *Pool) manualDownload(ctx context.Context, pl tasks.ManualDownload) error {
	u := &unit{payloads: []tasks.Payload{pl}}
	msgs, err := p.fetch(ctx, u, pl.ChatID)
	if err != nil {
		return err
	}
	msg := msgs[0]
	if !msg.HasMedia() {
		return errs.Permanentf("message %d has no media", msg.ID)
	}
	path, err := p.courier.DownloadMediaQueued(ctx, p.tr, msg, filepath.Join(p.opts.DownloadDir, "manual"))
	if err != nil {
		return errors.Wrap(err, "manual download")
	}
	logger.Info("manual download completed", zap.String("path", path))

	if pl.TargetChatID == 0 {
		return nil
	}
	caption := pl.Caption
	if caption == "" {
		caption = msg.Text
	}
	// Файл уже скачан: ошибка отправки не делает задачу проваленной.
	if _, err := p.courier.SendFileQueued(ctx, p.tr, pl.ChatID, pl.TargetChatID, path, caption, transport.SendOptions{}); err != nil {
		logger.Error("manual forward failed", zap.Int64("target", pl.TargetChatID), zap.Error(err))
	}
	return nil
}

func (p *Pool) summary(ctx context.Context, pl tasks.Summary) error {
	if p.summaries == nil {
		return errs.Permanentf("summary service is not configured")
	}
	return p.summaries.RunRule(ctx, pl.RuleID)
}

// settle переводит все задачи unit в итоговое состояние.
func (p *Pool) settle(ctx context.Context, u *unit, out pipeline.Outcome, err error) {
	now := p.opts.Clock()
	typ := u.taskType()

	if err == nil {
		if out.Kind == pipeline.Reschedule {
			next := now.Add(out.After)
			for _, id := range u.ids() {
				if rerr := p.queue.Reschedule(ctx, id, next); rerr != nil {
					logger.Error("reschedule task", zap.Uint64("task_id", id), zap.Error(rerr))
				}
			}
			metrics.Tasks.WithLabelValues(typ, metrics.TaskRescheduled).Add(float64(len(u.entries)))
			logger.Info("task delayed", zap.Uint64s("task_ids", u.ids()), zap.Duration("after", out.After))
			return
		}
		if cerr := p.queue.Complete(ctx, u.ids()...); cerr != nil {
			logger.Error("complete tasks", zap.Uint64s("task_ids", u.ids()), zap.Error(cerr))
			return
		}
		metrics.Tasks.WithLabelValues(typ, metrics.TaskCompleted).Add(float64(len(u.entries)))
		logger.Debug("task completed", zap.Uint64s("task_ids", u.ids()))
		return
	}

	msg := err.Error()
	if seconds, ok := errs.FloodWaitSeconds(err); ok {
		at := now.Add(time.Duration(seconds+1) * time.Second)
		logger.Warn("task hit flood wait", zap.Uint64s("task_ids", u.ids()), zap.Int("seconds", seconds))
		for _, id := range u.ids() {
			retried, rerr := p.queue.RetryAt(ctx, id, msg, at, p.opts.MaxRetries)
			p.countRetry(typ, id, retried, rerr)
		}
		return
	}

	switch {
	case errs.IsPermanent(err):
		for _, id := range u.ids() {
			p.fail(ctx, id, typ, failMessage(err))
		}
	case errs.IsTransient(err), errs.IsCircuitOpen(err):
		var maxDelay time.Duration
		if errs.IsCircuitOpen(err) {
			maxDelay = p.courier.RecoveryTimeout()
		}
		for _, id := range u.ids() {
			retried, rerr := p.queue.FailOrRetryCapped(ctx, id, msg, p.opts.MaxRetries, maxDelay)
			p.countRetry(typ, id, retried, rerr)
		}
	default:
		logger.Error("unhandled task error", zap.Uint64s("task_ids", u.ids()), zap.String("task_type", typ), zap.Error(err))
		for _, id := range u.ids() {
			p.fail(ctx, id, typ, fmt.Sprintf("Unhandled: %s", msg))
		}
	}
}

func (p *Pool) fail(ctx context.Context, id uint64, typ, msg string) {
	if err := p.queue.Fail(ctx, id, msg); err != nil {
		logger.Error("fail task", zap.Uint64("task_id", id), zap.Error(err))
		return
	}
	metrics.Tasks.WithLabelValues(typ, metrics.TaskFailed).Inc()
}

// countRetry учитывает исход повтора: задача либо вернулась в очередь, либо
// исчерпала лимит.
func (p *Pool) countRetry(typ string, id uint64, retried bool, err error) {
	switch {
	case err != nil:
		logger.Error("retry task", zap.Uint64("task_id", id), zap.Error(err))
	case retried:
		metrics.Tasks.WithLabelValues(typ, metrics.TaskRetried).Inc()
	default:
		metrics.Tasks.WithLabelValues(typ, metrics.TaskFailed).Inc()
	}
}

// failMessage сохраняет для удалённого сообщения каноничный текст ошибки.
func failMessage(err error) string {
	if errors.Is(err, errs.ErrMessageNotFound) {
		return errs.ErrMessageNotFound.Error()
	}
	return err.Error()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
