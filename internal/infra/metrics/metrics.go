// Package metrics — счётчики и датчики Prometheus для очереди, пересылки,
// дедупликации и слоя ограничения скорости. Коллекторы регистрируются в
// стандартном реестре и отдаются через /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "forwarder"

// Результаты обработки задачи.
const (
	TaskCompleted   = "completed"
	TaskFailed      = "failed"
	TaskRetried     = "retried"
	TaskRescheduled = "rescheduled"
	TaskRescued     = "rescued"
)

var (
	// Tasks — обработанные задачи по типу и исходу.
	Tasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_total",
		Help:      "Processed queue tasks by type and result.",
	}, []string{"type", "result"})

	// QueueDepth — число задач в очереди по статусу (обновляется heartbeat).
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_tasks",
		Help:      "Queue tasks by status.",
	}, []string{"status"})

	// Forwards — попытки доставки по исходу и режиму.
	Forwards = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "forwards_total",
		Help:      "Delivery attempts by result and mode.",
	}, []string{"result", "mode"})

	// DedupHits — найденные дубликаты по причине.
	DedupHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dedup_hits_total",
		Help:      "Duplicates detected by reason.",
	}, []string{"reason"})

	// FloodWaits — сигналы FloodWait от Telegram.
	FloodWaits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "flood_waits_total",
		Help:      "FloodWait responses observed.",
	})

	// BreakerState — 0 closed, 1 half-open, 2 open.
	BreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "circuit_breaker_state",
		Help:      "Upstream circuit breaker state (0 closed, 1 half-open, 2 open).",
	})

	// BackpressureLimit — текущий динамический лимит параллельных отправок.
	BackpressureLimit = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "backpressure_limit",
		Help:      "Dynamic concurrency limit of outgoing sends.",
	})

	// InFlight — отправки, выполняющиеся прямо сейчас.
	InFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sends_in_flight",
		Help:      "Outgoing sends currently in flight.",
	})

	// SummaryRuns — запуски сводок по исходу.
	SummaryRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "summary_runs_total",
		Help:      "Summary jobs by result.",
	}, []string{"result"})

	// Ingested — сообщения, поставленные в очередь приёмом.
	Ingested = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingested_messages_total",
		Help:      "Messages enqueued by the ingest path.",
	})
)
