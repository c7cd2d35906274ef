// Package summary — ежедневные AI-сводки по правилам с is_summary. Каждое
// правило регистрируется в колесе таймеров на ближайшее summary_time в
// таймзоне приложения; после запуска перерегистрируется на следующий день.
package summary

import (
	"context"
	"fmt"
	"html"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"tg-forwarder/internal/domain/models"
	"tg-forwarder/internal/errs"
	"tg-forwarder/internal/infra/logger"
	"tg-forwarder/internal/infra/metrics"
	"tg-forwarder/internal/infra/timeutil"
	"tg-forwarder/internal/infra/wheel"
	"tg-forwarder/internal/notify"
	"tg-forwarder/internal/transport"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Ограничения одной сводки.
const (
	MaxMessages   = 3000
	MaxPartLength = 3796
	Window        = 24 * time.Hour
)

// Результаты запуска для метрики.
const (
	resultSent    = "sent"
	resultEmpty   = "empty"
	resultFailed  = "failed"
	resultSkipped = "skipped"
)

// RuleSource — чтение правил со сводкой.
type RuleSource interface {
	ListSummaryRules(ctx context.Context) ([]models.ForwardingRule, error)
	GetRule(ctx context.Context, id uint) (*models.ForwardingRule, error)
}

// Courier — вызовы Telegram под ограничениями скорости.
type Courier interface {
	IterMessagesQueued(ctx context.Context, tr transport.Transport, chat int64, opts transport.IterOptions, fn func(*transport.Message) bool) error
	SendMessageQueued(ctx context.Context, tr transport.Transport, src, dst int64, text string, opts transport.SendOptions) (int, error)
}

// Rewriter — AI-провайдер.
type Rewriter interface {
	ProcessMessage(ctx context.Context, text, prompt, model string, images [][]byte) (string, error)
}

// Options — настройки планировщика.
type Options struct {
	Location      *time.Location
	Concurrency   int
	BatchSize     int
	BatchDelay    time.Duration
	DefaultModel  string
	DefaultPrompt string
	// RetryAfter — пауза перед повтором неудавшейся сводки.
	RetryAfter time.Duration
	// AIRetryDelay — начальная пауза между попытками AI.
	AIRetryDelay time.Duration
	Clock        func() time.Time
}

// Service планирует и выполняет сводки.
type Service struct {
	rules   RuleSource
	courier Courier
	tr      transport.Transport
	ai      Rewriter
	wheel   *wheel.Wheel
	sink    notify.Sink
	opts    Options
	sem     *semaphore.Weighted

	mu        sync.Mutex
	scheduled map[uint]struct{}
}

// New создаёт планировщик. sink может быть nil.
func New(rules RuleSource, courier Courier, tr transport.Transport, ai Rewriter, w *wheel.Wheel, sink notify.Sink, opts Options) *Service {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5 //nolint:mnd
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100 //nolint:mnd
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = 10 * time.Minute //nolint:mnd
	}
	if opts.AIRetryDelay <= 0 {
		opts.AIRetryDelay = 2 * time.Second //nolint:mnd
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if sink == nil {
		sink = notify.LogSink{}
	}
	return &Service{
		rules:     rules,
		courier:   courier,
		tr:        tr,
		ai:        ai,
		wheel:     w,
		sink:      sink,
		opts:      opts,
		sem:       semaphore.NewWeighted(int64(opts.Concurrency)),
		scheduled: make(map[uint]struct{}),
	}
}

func jobID(ruleID uint) string   { return "summary:" + strconv.FormatUint(uint64(ruleID), 10) }
func retryID(ruleID uint) string { return jobID(ruleID) + ":retry" }

// Start регистрирует все правила со сводкой.
func (s *Service) Start(ctx context.Context) error {
	return s.Reload(ctx)
}

// Reload синхронизирует расписание с текущими правилами: новые добавляются,
// изменённые перепланируются, удалённые снимаются.
func (s *Service) Reload(ctx context.Context) error {
	rules, err := s.rules.ListSummaryRules(ctx)
	if err != nil {
		return errors.Wrap(err, "list summary rules")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	live := make(map[uint]struct{}, len(rules))
	for i := range rules {
		if err := s.scheduleLocked(&rules[i]); err != nil {
			logger.Warn("summary rule not scheduled", zap.Uint("rule_id", rules[i].ID), zap.Error(err))
			continue
		}
		live[rules[i].ID] = struct{}{}
	}
	for _, id := range slices.Collect(maps.Keys(s.scheduled)) {
		if _, ok := live[id]; !ok {
			s.wheel.CancelTask(jobID(id))
			s.wheel.CancelTask(retryID(id))
			delete(s.scheduled, id)
		}
	}
	logger.Info("summary schedule loaded", zap.Int("rules", len(s.scheduled)))
	return nil
}

// Scheduled возвращает id правил, стоящих в расписании.
func (s *Service) Scheduled() []uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := slices.Collect(maps.Keys(s.scheduled))
	slices.Sort(ids)
	return ids
}

func (s *Service) scheduleLocked(rule *models.ForwardingRule) error {
	now := s.opts.Clock()
	next, err := timeutil.NextDailyRun(now, rule.SummaryTime, s.opts.Location)
	if err != nil {
		return err
	}
	id := rule.ID
	s.wheel.AddTask(jobID(id), next.Sub(now), func(ctx context.Context) { s.fire(ctx, id) })
	s.scheduled[id] = struct{}{}
	logger.Debug("summary scheduled", zap.Uint("rule_id", id), zap.Time("at", next))
	return nil
}

// fire выполняет плановую сводку и ставит следующую.
func (s *Service) fire(ctx context.Context, ruleID uint) {
	if err := s.RunRule(ctx, ruleID); err != nil && ctx.Err() == nil {
		s.wheel.AddTask(retryID(ruleID), s.opts.RetryAfter, func(ctx context.Context) {
			if err := s.RunRule(ctx, ruleID); err != nil {
				logger.Error("summary retry failed", zap.Uint("rule_id", ruleID), zap.Error(err))
			}
		})
	}

	rule, err := s.rules.GetRule(ctx, ruleID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil || !rule.IsSummary || !rule.EnableRule {
		delete(s.scheduled, ruleID)
		return
	}
	if err := s.scheduleLocked(rule); err != nil {
		logger.Warn("summary rule not rescheduled", zap.Uint("rule_id", ruleID), zap.Error(err))
	}
}

// RunRule собирает сообщения источника за последние сутки, получает сводку
// у модели и отправляет её в чат получателя.
func (s *Service) RunRule(ctx context.Context, ruleID uint) error {
	rule, err := s.rules.GetRule(ctx, ruleID)
	if err != nil {
		return errors.Wrap(err, "load summary rule")
	}
	if !rule.IsSummary {
		metrics.SummaryRuns.WithLabelValues(resultSkipped).Inc()
		return errs.Permanentf("rule %d has summary disabled", ruleID)
	}
	source, target := rule.SourceChat.PeerID(), rule.TargetChat.PeerID()
	if source == 0 || target == 0 {
		metrics.SummaryRuns.WithLabelValues(resultSkipped).Inc()
		return errs.Permanentf("rule %d has no resolvable chats", ruleID)
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)

	end := s.opts.Clock().In(s.opts.Location)
	start := end.Add(-Window)

	texts, err := s.collect(ctx, source, start, end)
	if err != nil {
		s.failed(ctx, rule, err)
		return err
	}
	if len(texts) == 0 {
		metrics.SummaryRuns.WithLabelValues(resultEmpty).Inc()
		logger.Info("summary skipped, no messages", zap.Uint("rule_id", ruleID))
		return nil
	}

	digest, err := s.generate(ctx, rule, texts)
	if err != nil {
		s.failed(ctx, rule, err)
		return err
	}

	h := header{source: firstNonEmpty(rule.SourceChat.Name, rule.SourceChat.TelegramChatID), start: start, end: end, count: len(texts)}
	parts := Split(digest, MaxPartLength)
	for i, part := range parts {
		if err := s.send(ctx, source, target, h, part, i+1, len(parts)); err != nil {
			s.failed(ctx, rule, err)
			return err
		}
	}
	metrics.SummaryRuns.WithLabelValues(resultSent).Inc()
	logger.Info("summary sent",
		zap.Uint("rule_id", ruleID),
		zap.Int("messages", len(texts)),
		zap.Int("parts", len(parts)),
	)
	return nil
}

func (s *Service) failed(ctx context.Context, rule *models.ForwardingRule, err error) {
	metrics.SummaryRuns.WithLabelValues(resultFailed).Inc()
	logger.Error("summary failed", zap.Uint("rule_id", rule.ID), zap.Error(err))
	msg := fmt.Sprintf("Summary for rule %d failed: %v", rule.ID, err)
	if nerr := s.sink.Notify(ctx, notify.LevelError, msg); nerr != nil {
		logger.Warn("summary failure notification not delivered", zap.Error(nerr))
	}
}

// collect возвращает тексты сообщений окна в хронологическом порядке.
// Обход может начаться заново после повтора, поэтому сообщения копятся по id.
func (s *Service) collect(ctx context.Context, chat int64, start, end time.Time) ([]string, error) {
	byID := make(map[int]string)
	opts := transport.IterOptions{
		Since:      start,
		Until:      end,
		Limit:      MaxMessages,
		BatchSize:  s.opts.BatchSize,
		BatchDelay: s.opts.BatchDelay,
	}
	err := s.courier.IterMessagesQueued(ctx, s.tr, chat, opts, func(m *transport.Message) bool {
		if m.Date.Before(start) {
			return false
		}
		if m.Date.After(end) || strings.TrimSpace(m.Text) == "" {
			return true
		}
		byID[m.ID] = m.Text
		return len(byID) < MaxMessages
	})
	if err != nil {
		return nil, errors.Wrap(err, "collect summary messages")
	}

	ids := slices.Sorted(maps.Keys(byID))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, byID[id])
	}
	return out, nil
}

// generate запрашивает сводку у модели; повторяемые ошибки — до трёх попыток.
func (s *Service) generate(ctx context.Context, rule *models.ForwardingRule, texts []string) (string, error) {
	model := firstNonEmpty(rule.AIModel, s.opts.DefaultModel)
	prompt := firstNonEmpty(rule.SummaryPrompt, s.opts.DefaultPrompt)
	input := strings.Join(texts, "\n")

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.AIRetryDelay
	policy := backoff.WithContext(backoff.WithMaxRetries(b, 2), ctx) //nolint:mnd

	var out string
	op := func() error {
		res, err := s.ai.ProcessMessage(ctx, input, prompt, model, nil)
		if err != nil {
			if errs.IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		out = strings.TrimSpace(res)
		if out == "" {
			return backoff.Permanent(errs.Permanentf("model %s returned an empty summary", model))
		}
		return nil
	}
	notifyFn := func(err error, d time.Duration) {
		logger.Warn("summary ai attempt failed", zap.Uint("rule_id", rule.ID), zap.Duration("retry_in", d), zap.Error(err))
	}
	if err := backoff.RetryNotify(op, policy, notifyFn); err != nil {
		return "", errors.Wrap(err, "generate summary")
	}
	return out, nil
}

type header struct {
	source     string
	start, end time.Time
	count      int
}

const stampLayout = "2006-01-02 15:04"

func (h header) text(i, n int, escape func(string) string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📋 %s: %dh summary", escape(h.source), int(h.end.Sub(h.start).Hours()))
	if n > 1 {
		fmt.Fprintf(&b, " (part %d/%d)", i, n)
	}
	fmt.Fprintf(&b, "\n🕐 %s - %s\n📊 Messages: %d\n\n", h.start.Format(stampLayout), h.end.Format(stampLayout), h.count)
	return b.String()
}

// send отправляет часть в HTML; если разметка отвергнута, повторяет текстом.
func (s *Service) send(ctx context.Context, source, target int64, h header, part string, i, n int) error {
	htmlBody := h.text(i, n, html.EscapeString) + part
	_, err := s.courier.SendMessageQueued(ctx, s.tr, source, target, htmlBody,
		transport.SendOptions{ParseMode: transport.ParseHTML, NoWebpage: true})
	if err == nil || !errs.IsPermanent(err) {
		return err
	}
	logger.Debug("summary html rejected, sending plain text", zap.Error(err))
	plain := h.text(i, n, func(v string) string { return v }) + part
	_, err = s.courier.SendMessageQueued(ctx, s.tr, source, target, plain, transport.SendOptions{NoWebpage: true})
	return err
}

// Split режет text на части не длиннее limit символов, предпочитая границы
// абзацев, строк, предложений и слов.
func Split(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var parts []string
	runes := []rune(text)
	for len(runes) > 0 {
		if len(runes) <= limit {
			parts = append(parts, string(runes))
			break
		}
		cut := splitPoint(runes[:limit])
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut:]
	}
	return parts
}

var separators = []string{"\n\n", "\n", ". ", "。", " "}

func splitPoint(window []rune) int {
	s := string(window)
	for _, sep := range separators {
		if pos := strings.LastIndex(s, sep); pos > 0 {
			return utf8.RuneCountInString(s[:pos+len(sep)])
		}
	}
	return len(window)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
