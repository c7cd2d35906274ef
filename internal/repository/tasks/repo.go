// Package tasks — постоянная очередь задач поверх gorm. Выборка атомарна:
// PostgreSQL забирает строки через FOR UPDATE SKIP LOCKED, SQLite — условным
// UPDATE ... WHERE status='pending' с повторным чтением. Задачи одного
// media group забираются вместе.
package tasks

import (
	"context"
	"strings"
	"time"

	"tg-forwarder/internal/domain/models"
	"tg-forwarder/internal/infra/db"
	"tg-forwarder/internal/infra/logger"
	"tg-forwarder/internal/infra/metrics"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrDuplicateTask — задача с тем же unique_key уже ожидает или выполняется.
var ErrDuplicateTask = errors.New("duplicate task")

// ErrTaskNotFound — задачи с таким id нет.
var ErrTaskNotFound = errors.New("task not found")

// RescueSuffix дописывается к error_message задачи, возвращённой из зависшего состояния.
const RescueSuffix = " [System] Task rescued from zombie state"

// PushOptions — параметры постановки задачи. Пустой UniqueKey/GroupedID
// выводится из payload.
type PushOptions struct {
	Priority  int
	UniqueKey string
	GroupedID string
}

// Item — элемент пакетной постановки.
type Item struct {
	Payload Payload
	Options PushOptions
}

// Options — настройки репозитория.
type Options struct {
	LockTTL time.Duration
	Retry   RetryPolicy
}

// Repo — репозиторий очереди.
type Repo struct {
	db      *gorm.DB
	dialect db.Dialect
	lockTTL time.Duration
	retry   RetryPolicy
	now     func() time.Time
}

// New создаёт репозиторий поверх пула conn.
func New(conn *db.DB, opts Options) *Repo {
	if opts.LockTTL <= 0 {
		opts.LockTTL = 10 * time.Minute //nolint:mnd
	}
	if opts.Retry.Base <= 0 {
		opts.Retry = DefaultRetryPolicy
	}
	return &Repo{
		db:      conn.DB,
		dialect: conn.Dialect,
		lockTTL: opts.LockTTL,
		retry:   opts.Retry,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock подменяет источник времени (для тестов).
func (r *Repo) SetClock(now func() time.Time) {
	r.now = func() time.Time { return now().UTC() }
}

// Push ставит задачу в очередь. pushed=false без ошибки, если задача с тем же
// ключом уже активна; завершённая строка с тем же ключом переиспользуется.
func (r *Repo) Push(ctx context.Context, p Payload, opts PushOptions) (bool, error) {
	var pushed bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		pushed, err = r.pushTx(tx, p, opts)
		return err
	})
	if err != nil {
		return false, err
	}
	return pushed, nil
}

// PushBatch ставит несколько задач в одной транзакции, пропуская дубликаты.
// Возвращает число фактически поставленных задач.
func (r *Repo) PushBatch(ctx context.Context, items []Item) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	var pushed int
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, it := range items {
			ok, err := r.pushTx(tx, it.Payload, it.Options)
			if err != nil {
				return err
			}
			if ok {
				pushed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "push batch")
	}
	logger.Debug("Tasks pushed", zap.Int("pushed", pushed), zap.Int("total", len(items)))
	return pushed, nil
}

func (r *Repo) pushTx(tx *gorm.DB, p Payload, opts PushOptions) (bool, error) {
	data, err := Encode(p)
	if err != nil {
		return false, err
	}
	key := opts.UniqueKey
	if key == "" {
		key = UniqueKey(p)
	}
	group := opts.GroupedID
	if group == "" {
		group = groupOf(p)
	}
	now := r.now()

	entry := models.TaskQueueEntry{
		TaskType:  p.TaskType(),
		TaskData:  data,
		Priority:  opts.Priority,
		Status:    models.TaskPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if group != "" {
		entry.GroupedID = &group
	}
	if key == "" {
		if err := tx.Create(&entry).Error; err != nil {
			return false, errors.Wrap(err, "insert task")
		}
		return true, nil
	}
	entry.UniqueKey = &key

	var existing models.TaskQueueEntry
	err = tx.Where("unique_key = ?", key).Take(&existing).Error
	switch {
	case err == nil && !existing.IsTerminal():
		logger.Debug("Task already queued", zap.String("unique_key", key), zap.Uint64("task_id", existing.ID))
		return false, nil
	case err == nil:
		// Завершённая строка с тем же ключом превращается в новую задачу.
		res := tx.Model(&models.TaskQueueEntry{}).
			Where("id = ? AND status IN ?", existing.ID, []models.TaskStatus{models.TaskCompleted, models.TaskFailed}).
			Updates(map[string]any{
				"task_type":     entry.TaskType,
				"task_data":     entry.TaskData,
				"priority":      entry.Priority,
				"grouped_id":    entry.GroupedID,
				"status":        models.TaskPending,
				"retry_count":   0,
				"next_retry_at": nil,
				"locked_until":  nil,
				"started_at":    nil,
				"completed_at":  nil,
				"error_message": "",
				"created_at":    now,
				"updated_at":    now,
			})
		if res.Error != nil {
			return false, errors.Wrap(res.Error, "recycle task")
		}
		return res.RowsAffected > 0, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return false, errors.Wrap(err, "lookup unique key")
	}

	err = tx.Create(&entry).Error
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "insert task")
	}
	return true, nil
}

// isUniqueViolation распознаёт нарушение уникального индекса в обоих диалектах.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// FetchNext атомарно забирает до limit готовых задач (наибольший priority,
// затем самые старые) вместе со всеми ожидающими задачами их media group.
func (r *Repo) FetchNext(ctx context.Context, limit int) ([]models.TaskQueueEntry, error) {
	if limit <= 0 {
		limit = 1
	}
	var (
		tasks []models.TaskQueueEntry
		err   error
	)
	if r.dialect == db.DialectPostgres {
		tasks, err = r.fetchPostgres(ctx, limit)
	} else {
		tasks, err = r.fetchSQLite(ctx, limit)
	}
	if err != nil {
		return nil, errors.Wrap(err, "fetch next")
	}
	if len(tasks) > 0 {
		logger.Debug("Tasks claimed", zap.Int("count", len(tasks)), zap.Uint64("head_id", tasks[0].ID))
	}
	return tasks, nil
}

func (r *Repo) fetchSQLite(ctx context.Context, limit int) ([]models.TaskQueueEntry, error) {
	now := r.now()
	lock := now.Add(r.lockTTL)
	claim := map[string]any{
		"status":       models.TaskRunning,
		"locked_until": lock,
		"started_at":   now,
		"updated_at":   now,
	}

	var tasks []models.TaskQueueEntry
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []models.TaskQueueEntry
		err := tx.Select("id", "grouped_id").
			Where("status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)", models.TaskPending, now).
			Order("priority DESC, created_at ASC, id ASC").
			Limit(limit).
			Find(&candidates).Error
		if err != nil {
			return err
		}

		var ids []uint64
		groups := map[string]struct{}{}
		for _, c := range candidates {
			res := tx.Model(&models.TaskQueueEntry{}).
				Where("id = ? AND status = ?", c.ID, models.TaskPending).
				Updates(claim)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}
			ids = append(ids, c.ID)
			if g := c.Group(); g != "" {
				groups[g] = struct{}{}
			}
		}
		if len(ids) == 0 {
			return nil
		}
		for g := range groups {
			var siblings []uint64
			err := tx.Model(&models.TaskQueueEntry{}).
				Where("grouped_id = ? AND status = ?", g, models.TaskPending).
				Pluck("id", &siblings).Error
			if err != nil {
				return err
			}
			if len(siblings) == 0 {
				continue
			}
			res := tx.Model(&models.TaskQueueEntry{}).
				Where("id IN ? AND status = ?", siblings, models.TaskPending).
				Updates(claim)
			if res.Error != nil {
				return res.Error
			}
			ids = append(ids, siblings...)
		}
		return tx.Where("id IN ? AND status = ?", ids, models.TaskRunning).
			Order("priority DESC, created_at ASC, id ASC").
			Find(&tasks).Error
	})
	return tasks, err
}

const pgClaimSQL = `
WITH claimed AS (
	SELECT id
	FROM task_queue
	WHERE status = 'pending' AND (next_retry_at IS NULL OR next_retry_at <= @now)
	ORDER BY priority DESC, created_at ASC, id ASC
	LIMIT @limit
	FOR UPDATE SKIP LOCKED
)
UPDATE task_queue t
SET status = 'running', locked_until = @lock, started_at = @now, updated_at = @now
FROM claimed
WHERE t.id = claimed.id
RETURNING t.*`

const pgClaimGroupSQL = `
WITH siblings AS (
	SELECT id
	FROM task_queue
	WHERE status = 'pending' AND grouped_id IN @groups
	FOR UPDATE SKIP LOCKED
)
UPDATE task_queue t
SET status = 'running', locked_until = @lock, started_at = @now, updated_at = @now
FROM siblings
WHERE t.id = siblings.id
RETURNING t.*`

func (r *Repo) fetchPostgres(ctx context.Context, limit int) ([]models.TaskQueueEntry, error) {
	now := r.now()
	args := map[string]any{"now": now, "lock": now.Add(r.lockTTL), "limit": limit}

	var tasks []models.TaskQueueEntry
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Raw(pgClaimSQL, args).Scan(&tasks).Error; err != nil {
			return err
		}
		var groups []string
		for i := range tasks {
			if g := tasks[i].Group(); g != "" {
				groups = append(groups, g)
			}
		}
		if len(groups) == 0 {
			return nil
		}
		args["groups"] = groups
		var siblings []models.TaskQueueEntry
		if err := tx.Raw(pgClaimGroupSQL, args).Scan(&siblings).Error; err != nil {
			return err
		}
		tasks = append(tasks, siblings...)
		return nil
	})
	return tasks, err
}

// Get возвращает задачу по id.
func (r *Repo) Get(ctx context.Context, id uint64) (*models.TaskQueueEntry, error) {
	var t models.TaskQueueEntry
	err := r.db.WithContext(ctx).Take(&t, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get task")
	}
	return &t, nil
}

// Complete помечает задачи выполненными.
func (r *Repo) Complete(ctx context.Context, ids ...uint64) error {
	if len(ids) == 0 {
		return nil
	}
	now := r.now()
	err := r.db.WithContext(ctx).Model(&models.TaskQueueEntry{}).
		Where("id IN ? AND status IN ?", ids, []models.TaskStatus{models.TaskRunning, models.TaskPending}).
		Updates(map[string]any{
			"status":       models.TaskCompleted,
			"completed_at": now,
			"locked_until": nil,
			"updated_at":   now,
		}).Error
	if err != nil {
		return errors.Wrap(err, "complete tasks")
	}
	return nil
}

// Fail окончательно помечает задачу проваленной. Выполненная задача не
// понижается.
func (r *Repo) Fail(ctx context.Context, id uint64, msg string) error {
	now := r.now()
	res := r.db.WithContext(ctx).Model(&models.TaskQueueEntry{}).
		Where("id = ? AND status <> ?", id, models.TaskCompleted).
		Updates(map[string]any{
			"status":        models.TaskFailed,
			"error_message": msg,
			"locked_until":  nil,
			"updated_at":    now,
		})
	if res.Error != nil {
		return errors.Wrap(res.Error, "fail task")
	}
	if msg == errMessageNotFound {
		logger.Debug("Task failed", zap.Uint64("task_id", id), zap.String("error", msg))
	} else {
		logger.Warn("Task failed", zap.Uint64("task_id", id), zap.String("error", msg))
	}
	return nil
}

// errMessageNotFound — ожидаемый исход удалённого исходного сообщения; не
// поднимается до warn.
const errMessageNotFound = "Source message not found"

// FailOrRetry возвращает задачу в очередь с экспоненциальной задержкой и
// priority+1, пока retry_count+1 < maxRetries; иначе помечает её проваленной.
func (r *Repo) FailOrRetry(ctx context.Context, id uint64, msg string, maxRetries int) (bool, error) {
	return r.FailOrRetryCapped(ctx, id, msg, maxRetries, 0)
}

// FailOrRetryCapped — FailOrRetry, у которого задержка не превышает maxDelay
// (0 — без ограничения). Нужен для отказов автомата размыкания: ждать дольше
// его восстановления бессмысленно.
func (r *Repo) FailOrRetryCapped(ctx context.Context, id uint64, msg string, maxRetries int, maxDelay time.Duration) (bool, error) {
	return r.retryOrFail(ctx, id, msg, maxRetries, func(t models.TaskQueueEntry, now time.Time) time.Time {
		delay := r.retry.Delay(t.RetryCount)
		if maxDelay > 0 {
			delay = min(delay, maxDelay)
		}
		return now.Add(delay)
	})
}

// RetryAt возвращает задачу в очередь к явному времени at (например, после
// FloodWait). Повтор засчитывается и подчиняется тому же лимиту maxRetries,
// что и FailOrRetry.
func (r *Repo) RetryAt(ctx context.Context, id uint64, msg string, at time.Time, maxRetries int) (bool, error) {
	return r.retryOrFail(ctx, id, msg, maxRetries, func(models.TaskQueueEntry, time.Time) time.Time {
		return at.UTC()
	})
}

// retryOrFail — общая часть повторов: priority+1 и next_retry_at от nextAt,
// пока retry_count+1 < maxRetries; иначе failed.
func (r *Repo) retryOrFail(
	ctx context.Context,
	id uint64,
	msg string,
	maxRetries int,
	nextAt func(t models.TaskQueueEntry, now time.Time) time.Time,
) (bool, error) {
	var retried bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t models.TaskQueueEntry
		if err := tx.Take(&t, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTaskNotFound
			}
			return err
		}
		if t.Status == models.TaskCompleted {
			return nil
		}
		now := r.now()
		if t.RetryCount+1 < maxRetries {
			retried = true
			return tx.Model(&models.TaskQueueEntry{}).Where("id = ?", id).Updates(map[string]any{
				"status":        models.TaskPending,
				"retry_count":   t.RetryCount + 1,
				"priority":      t.Priority + 1,
				"next_retry_at": nextAt(t, now),
				"locked_until":  nil,
				"error_message": msg,
				"updated_at":    now,
			}).Error
		}
		return tx.Model(&models.TaskQueueEntry{}).Where("id = ?", id).Updates(map[string]any{
			"status":        models.TaskFailed,
			"retry_count":   t.RetryCount + 1,
			"locked_until":  nil,
			"error_message": "Max retries exceeded: " + msg,
			"updated_at":    now,
		}).Error
	})
	if err != nil {
		return false, errors.Wrap(err, "fail or retry")
	}
	if retried {
		logger.Info("Task scheduled for retry", zap.Uint64("task_id", id), zap.String("error", msg))
	} else {
		logger.Warn("Task failed after retries", zap.Uint64("task_id", id), zap.String("error", msg))
	}
	return retried, nil
}

// Reschedule откладывает задачу до nextRun без учёта повтора.
func (r *Repo) Reschedule(ctx context.Context, id uint64, nextRun time.Time) error {
	err := r.db.WithContext(ctx).Model(&models.TaskQueueEntry{}).
		Where("id = ? AND status IN ?", id, []models.TaskStatus{models.TaskRunning, models.TaskPending}).
		Updates(map[string]any{
			"status":        models.TaskPending,
			"next_retry_at": nextRun.UTC(),
			"locked_until":  nil,
			"updated_at":    r.now(),
		}).Error
	if err != nil {
		return errors.Wrap(err, "reschedule task")
	}
	return nil
}

// RescueStuckTasks возвращает в pending задачи, которые выполняются дольше
// timeout и чья блокировка истекла. retry_count растёт на единицу.
func (r *Repo) RescueStuckTasks(ctx context.Context, timeout time.Duration) (int, error) {
	now := r.now()
	res := r.db.WithContext(ctx).Model(&models.TaskQueueEntry{}).
		Where("status = ? AND updated_at < ? AND (locked_until IS NULL OR locked_until < ?)",
			models.TaskRunning, now.Add(-timeout), now).
		Updates(map[string]any{
			"status":        models.TaskPending,
			"retry_count":   gorm.Expr("retry_count + 1"),
			"error_message": gorm.Expr("COALESCE(error_message, '') || ?", RescueSuffix),
			"locked_until":  nil,
			"updated_at":    now,
		})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "rescue stuck tasks")
	}
	if res.RowsAffected > 0 {
		metrics.Tasks.WithLabelValues("any", metrics.TaskRescued).Add(float64(res.RowsAffected))
		logger.Info("Stuck tasks rescued", zap.Int64("count", res.RowsAffected))
	}
	return int(res.RowsAffected), nil
}

// Status — сводка состояния очереди.
type Status struct {
	Pending   int64   `json:"pending"`
	Running   int64   `json:"running"`
	Completed int64   `json:"completed"`
	Failed    int64   `json:"failed"`
	Total     int64   `json:"total"`
	Active    int64   `json:"active"`
	ErrorRate float64 `json:"error_rate"` // процент failed среди завершённых
}

// QueueStatus считает задачи по статусам и обновляет метрику глубины очереди.
func (r *Repo) QueueStatus(ctx context.Context) (Status, error) {
	var rows []struct {
		Status models.TaskStatus
		Count  int64
	}
	err := r.db.WithContext(ctx).Model(&models.TaskQueueEntry{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return Status{}, errors.Wrap(err, "queue status")
	}

	var st Status
	for _, row := range rows {
		switch row.Status {
		case models.TaskPending:
			st.Pending = row.Count
		case models.TaskRunning:
			st.Running = row.Count
		case models.TaskCompleted:
			st.Completed = row.Count
		case models.TaskFailed:
			st.Failed = row.Count
		}
		st.Total += row.Count
	}
	st.Active = st.Pending + st.Running
	if done := st.Completed + st.Failed; done > 0 {
		st.ErrorRate = float64(st.Failed) / float64(done) * 100 //nolint:mnd
	}

	metrics.QueueDepth.WithLabelValues(string(models.TaskPending)).Set(float64(st.Pending))
	metrics.QueueDepth.WithLabelValues(string(models.TaskRunning)).Set(float64(st.Running))
	metrics.QueueDepth.WithLabelValues(string(models.TaskFailed)).Set(float64(st.Failed))
	return st, nil
}

// PurgeCompleted удаляет выполненные задачи старше olderThan.
func (r *Repo) PurgeCompleted(ctx context.Context, olderThan time.Duration) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status = ? AND completed_at < ?", models.TaskCompleted, r.now().Add(-olderThan)).
		Delete(&models.TaskQueueEntry{})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "purge completed")
	}
	if res.RowsAffected > 0 {
		logger.Info("Completed tasks purged", zap.Int64("count", res.RowsAffected))
	}
	return res.RowsAffected, nil
}
