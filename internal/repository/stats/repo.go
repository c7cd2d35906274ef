// Package stats ведёт журнал правил (rule_log) и дневные счётчики
// (rule_statistics, chat_statistics). Записи приходят с шины событий и
// пишутся пачками через batch.Flusher.
package stats

import (
	"context"
	"time"

	"tg-forwarder/internal/domain/events"
	"tg-forwarder/internal/domain/models"
	"tg-forwarder/internal/infra/batch"
	"tg-forwarder/internal/infra/eventbus"
	"tg-forwarder/internal/tgutil"

	"github.com/go-faster/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const dateLayout = "2006-01-02"

// Options — параметры буферов записи.
type Options struct {
	FlushSize     int
	FlushInterval time.Duration
	Location      *time.Location
}

// delta — приращение дневных счётчиков правила и чата.
type delta struct {
	date     string
	ruleID   uint
	chatID   string
	success  int64
	errors   int64
	filtered int64
	messages int64
	forwards int64
}

// Repo — журнал и статистика.
type Repo struct {
	db     *gorm.DB
	loc    *time.Location
	logs   *batch.Flusher[models.RuleLog]
	deltas *batch.Flusher[delta]
}

// New создаёт репозиторий; буферы запускаются через Start.
func New(db *gorm.DB, opts Options) *Repo {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	r := &Repo{db: db, loc: opts.Location}
	r.logs = batch.New("rule_log", opts.FlushSize, opts.FlushInterval, r.writeLogs)
	r.deltas = batch.New("statistics", opts.FlushSize, opts.FlushInterval, r.writeDeltas)
	return r
}

// Start запускает фоновые сбросы.
func (r *Repo) Start(ctx context.Context) {
	r.logs.Start(ctx)
	r.deltas.Start(ctx)
}

// Stop сбрасывает остатки буферов.
func (r *Repo) Stop(ctx context.Context) error {
	if err := joinErr(r.logs.Stop(ctx), r.deltas.Stop(ctx)); err != nil {
		return errors.Wrap(err, "stop stats buffers")
	}
	return nil
}

// Flush сбрасывает буферы немедленно.
func (r *Repo) Flush(ctx context.Context) error {
	return joinErr(r.logs.Flush(ctx), r.deltas.Flush(ctx))
}

func joinErr(a, b error) error {
	if a != nil {
		return a
	}
	return b
}

// Subscribe подписывает журнал на события пересылки и фильтрации.
func (r *Repo) Subscribe(bus *eventbus.Bus) {
	bus.Subscribe(eventbus.TopicForwardSuccess, "stats", r.onForward)
	bus.Subscribe(eventbus.TopicForwardFailed, "stats", r.onForward)
	bus.Subscribe(eventbus.TopicRuleFiltered, "stats", r.onFiltered)
}

func (r *Repo) onForward(ctx context.Context, ev eventbus.Event) error {
	fe, ok := ev.Payload.(events.Forward)
	if !ok {
		return errors.Errorf("unexpected payload %T", ev.Payload)
	}
	at := fe.At
	if at.IsZero() {
		at = ev.At
	}
	entry := models.RuleLog{
		RuleID:          fe.RuleID,
		Action:          models.ActionForward,
		TargetMessageID: fe.TargetMessageID,
		Result:          fe.Mode,
		ProcessingTime:  fe.Duration.Milliseconds(),
		CreatedAt:       at.UTC(),
	}
	if fe.Message != nil {
		entry.SourceMessageID = fe.Message.ID
	}
	d := delta{date: at.In(r.loc).Format(dateLayout), ruleID: fe.RuleID, chatID: tgutil.NormalizeInt(fe.SourceChatID), messages: 1}
	if fe.Err != nil {
		entry.Action = models.ActionError
		entry.Result = "failed"
		entry.ErrorMessage = fe.Err.Error()
		d.errors = 1
	} else {
		d.success = 1
		d.forwards = 1
	}
	r.logs.Add(ctx, entry)
	r.deltas.Add(ctx, d)
	return nil
}

func (r *Repo) onFiltered(ctx context.Context, ev eventbus.Event) error {
	fe, ok := ev.Payload.(events.Filtered)
	if !ok {
		return errors.Errorf("unexpected payload %T", ev.Payload)
	}
	at := fe.At
	if at.IsZero() {
		at = ev.At
	}
	r.logs.Add(ctx, models.RuleLog{
		RuleID:          fe.RuleID,
		Action:          models.ActionFilter,
		SourceMessageID: fe.MessageID,
		Result:          fe.Reason,
		CreatedAt:       at.UTC(),
	})
	r.deltas.Add(ctx, delta{
		date:     at.In(r.loc).Format(dateLayout),
		ruleID:   fe.RuleID,
		chatID:   tgutil.NormalizeInt(fe.SourceChatID),
		filtered: 1,
		messages: 1,
	})
	return nil
}

func (r *Repo) writeLogs(ctx context.Context, rows []models.RuleLog) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(rows, 100).Error //nolint:mnd
	})
}

func (r *Repo) writeDeltas(ctx context.Context, rows []delta) error {
	type ruleKey struct {
		date string
		rule uint
	}
	type chatKey struct {
		date string
		chat string
	}
	rules := map[ruleKey]*models.RuleStatistics{}
	chats := map[chatKey]*models.ChatStatistics{}
	for _, d := range rows {
		if d.ruleID != 0 {
			k := ruleKey{d.date, d.ruleID}
			s, ok := rules[k]
			if !ok {
				s = &models.RuleStatistics{Date: d.date, RuleID: d.ruleID}
				rules[k] = s
			}
			s.SuccessCount += d.success
			s.ErrorCount += d.errors
			s.FilterCount += d.filtered
		}
		if d.chatID != "" {
			k := chatKey{d.date, d.chatID}
			s, ok := chats[k]
			if !ok {
				s = &models.ChatStatistics{Date: d.date, ChatID: d.chatID}
				chats[k] = s
			}
			s.MessageCount += d.messages
			s.ForwardCount += d.forwards
		}
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, s := range rules {
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "date"}, {Name: "rule_id"}},
				DoUpdates: clause.Assignments(map[string]any{
					"success_count": gorm.Expr("rule_statistics.success_count + excluded.success_count"),
					"error_count":   gorm.Expr("rule_statistics.error_count + excluded.error_count"),
					"filter_count":  gorm.Expr("rule_statistics.filter_count + excluded.filter_count"),
				}),
			}).Create(s).Error
			if err != nil {
				return errors.Wrap(err, "upsert rule statistics")
			}
		}
		for _, s := range chats {
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "date"}, {Name: "chat_id"}},
				DoUpdates: clause.Assignments(map[string]any{
					"message_count": gorm.Expr("chat_statistics.message_count + excluded.message_count"),
					"forward_count": gorm.Expr("chat_statistics.forward_count + excluded.forward_count"),
				}),
			}).Create(s).Error
			if err != nil {
				return errors.Wrap(err, "upsert chat statistics")
			}
		}
		return nil
	})
}

// RuleStats возвращает счётчики правила за день (нулевые, если записей нет).
func (r *Repo) RuleStats(ctx context.Context, ruleID uint, day time.Time) (models.RuleStatistics, error) {
	var s models.RuleStatistics
	err := r.db.WithContext(ctx).
		Where("date = ? AND rule_id = ?", day.In(r.loc).Format(dateLayout), ruleID).
		Limit(1).Find(&s).Error
	if err != nil {
		return s, errors.Wrap(err, "rule stats")
	}
	return s, nil
}

// ChatStats возвращает счётчики чата за день.
func (r *Repo) ChatStats(ctx context.Context, chatID int64, day time.Time) (models.ChatStatistics, error) {
	var s models.ChatStatistics
	err := r.db.WithContext(ctx).
		Where("date = ? AND chat_id = ?", day.In(r.loc).Format(dateLayout), tgutil.NormalizeInt(chatID)).
		Limit(1).Find(&s).Error
	if err != nil {
		return s, errors.Wrap(err, "chat stats")
	}
	return s, nil
}

// RecentLogs возвращает последние записи журнала правила.
func (r *Repo) RecentLogs(ctx context.Context, ruleID uint, limit int) ([]models.RuleLog, error) {
	var logs []models.RuleLog
	err := r.db.WithContext(ctx).
		Where("rule_id = ?", ruleID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&logs).Error
	if err != nil {
		return logs, errors.Wrap(err, "recent rule logs")
	}
	return logs, nil
}

// PurgeLogs удаляет записи журнала старше olderThan.
func (r *Repo) PurgeLogs(ctx context.Context, olderThan time.Duration) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("created_at < ?", time.Now().UTC().Add(-olderThan)).
		Delete(&models.RuleLog{})
	if res.Error != nil {
		return res.RowsAffected, errors.Wrap(res.Error, "purge rule logs")
	}
	return res.RowsAffected, nil
}

// ErrorCount возвращает число ошибок правила за последние window.
func (r *Repo) ErrorCount(ctx context.Context, ruleID uint, window time.Duration) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.RuleLog{}).
		Where("rule_id = ? AND action = ? AND created_at >= ?", ruleID, models.ActionError, time.Now().UTC().Add(-window)).
		Count(&n).Error
	if err != nil {
		return n, errors.Wrap(err, "count rule errors")
	}
	return n, nil
}
