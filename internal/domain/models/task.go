package models

import "time"

// TaskStatus — состояние задачи очереди.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// TaskQueueEntry — постоянная единица работы. UniqueKey nullable: уникальный
// индекс допускает множество NULL.
type TaskQueueEntry struct {
	ID           uint64     `gorm:"primaryKey"`
	TaskType     string     `gorm:"not null;size:32;index"`
	TaskData     string     `gorm:"type:text"`
	GroupedID    *string    `gorm:"size:64;index"`
	Priority     int        `gorm:"not null;default:0;index:idx_task_fetch,priority:2"`
	Status       TaskStatus `gorm:"not null;size:16;index:idx_task_fetch,priority:1"`
	RetryCount   int        `gorm:"not null;default:0"`
	LockedUntil  *time.Time
	NextRetryAt  *time.Time `gorm:"index"`
	UniqueKey    *string    `gorm:"size:255;uniqueIndex"`
	ErrorMessage string     `gorm:"type:text"`
	CreatedAt    time.Time  `gorm:"index:idx_task_fetch,priority:3"`
	StartedAt    *time.Time
	CompletedAt  *time.Time
	UpdatedAt    time.Time
}

func (TaskQueueEntry) TableName() string { return "task_queue" }

// IsTerminal сообщает, завершена ли задача окончательно.
func (t *TaskQueueEntry) IsTerminal() bool {
	return t.Status == TaskCompleted || t.Status == TaskFailed
}

// Group возвращает grouped_id или пустую строку.
func (t *TaskQueueEntry) Group() string {
	if t.GroupedID == nil {
		return ""
	}
	return *t.GroupedID
}
