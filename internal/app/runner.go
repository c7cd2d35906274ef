// Файл runner.go — точка оркестрации: здесь сервисы запускаются в правильном
// порядке после авторизации и организуется корректный graceful shutdown.
// Сервисы гасятся раньше MTProto-движка, чтобы отправки, начатые воркерами,
// успели завершиться, а буферы записали хвосты в БД.
package app

import (
	"context"
	"sync"

	"tg-forwarder/internal/infra/lifecycle"
	"tg-forwarder/internal/infra/logger"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

// Runner инкапсулирует сценарий запуска и остановки клиента и подсистем.
// Отвечает за:
//   - запуск клиента (авторизация, прогрев пиров, поток апдейтов),
//   - регистрацию сервисов в менеджере жизненного цикла и их старт,
//   - корректное завершение: сначала сервисы, затем MTProto-движок.
type Runner struct {
	app        *App
	mainCtx    context.Context    // Внешний контекст процесса: отменяется по Ctrl+C/сигналам.
	mainCancel context.CancelFunc // Инициирует общий shutdown.

	mu      sync.Mutex
	manager *lifecycle.Manager
	stopped bool // shutdown начался раньше, чем клиент стал готов
}

// NewRunner подготавливает Runner поверх собранного приложения.
func NewRunner(mainCtx context.Context, mainCancel context.CancelFunc, app *App) *Runner {
	return &Runner{
		app:        app,
		mainCtx:    mainCtx,
		mainCancel: mainCancel,
	}
}

// Run — главный цикл. Блокируется до завершения клиентского контекста.
// MTProto-движок живёт на отдельном контексте: он отменяется только после
// остановки сервисов.
func (r *Runner) Run() error {
	clientCtx, clientCancel := context.WithCancel(context.Background())
	defer clientCancel()

	var shutdownWG sync.WaitGroup
	shutdownWG.Go(func() {
		<-r.mainCtx.Done()
		logger.Debug("Shutdown signal received, stopping runner...")
		r.stopAllServices()
		clientCancel()
	})

	err := r.app.client.Run(clientCtx, r.startAllServices)
	// Клиент мог завершиться сам (ошибка сети, авторизации): инициируем общий shutdown.
	r.mainCancel()
	shutdownWG.Wait()
	r.app.close()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// startAllServices вызывается клиентом после авторизации и запуска потока апдейтов.
func (r *Runner) startAllServices(ctx context.Context) error {
	m := lifecycle.New(ctx)
	if err := r.register(m); err != nil {
		return err
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return context.Canceled
	}
	r.manager = m
	r.mu.Unlock()

	if err := m.StartAll(); err != nil {
		return errors.Wrap(err, "start services")
	}
	logger.Info("Forwarder running...")
	return nil
}

func (r *Runner) stopAllServices() {
	r.mu.Lock()
	m := r.manager
	r.manager = nil
	r.stopped = true
	r.mu.Unlock()

	if m == nil {
		return
	}
	if err := m.Shutdown(); err != nil {
		logger.Warn("services stopped with errors", zap.Error(err))
	}
}

// Services возвращает снимок дерева сервисов или nil до запуска.
func (r *Runner) Services() []lifecycle.NodeState {
	r.mu.Lock()
	m := r.manager
	r.mu.Unlock()
	if m == nil {
		return nil
	}
	return m.Snapshot()
}

// service — узел дерева сервисов.
type service struct {
	name   string
	parent string
	deps   []string
	start  lifecycle.StartFunc
	stop   lifecycle.StopFunc
}

// register описывает дерево сервисов. Воркеры зависят от всего, что они
// вызывают, поэтому стартуют последними и останавливаются первыми.
func (r *Runner) register(m *lifecycle.Manager) error {
	a := r.app

	nodes := []service{
		{
			name: "limiter",
			start: func(ctx context.Context) (context.Context, error) {
				a.limiter.Start(ctx)
				return nil, nil
			},
			stop: func(context.Context) error {
				a.limiter.Stop()
				return nil
			},
		},
		{
			name: "ai",
			start: func(ctx context.Context) (context.Context, error) {
				a.ai.Start(ctx)
				return nil, nil
			},
			stop: func(context.Context) error {
				a.ai.Stop()
				return nil
			},
		},
		{
			name: "stats",
			start: func(ctx context.Context) (context.Context, error) {
				a.stats.Start(ctx)
				return nil, nil
			},
			stop: a.stats.Stop,
		},
		{
			name: "signatures",
			start: func(ctx context.Context) (context.Context, error) {
				a.sigBuf.Start(ctx)
				return nil, nil
			},
			stop: a.sigBuf.Stop,
		},
		{
			name: "ingest",
			start: func(ctx context.Context) (context.Context, error) {
				a.ingest.Start(ctx)
				return nil, nil
			},
			stop: a.ingest.Stop,
		},
		{
			name: "wheel",
			deps: []string{"signatures", "stats"},
			start: func(ctx context.Context) (context.Context, error) {
				a.scheduleMaintenance()
				a.wheel.Start(ctx)
				return nil, nil
			},
			stop: func(context.Context) error {
				a.wheel.Stop()
				return nil
			},
		},
		{
			name:   "summary",
			parent: "wheel",
			deps:   []string{"limiter", "ai"},
			start: func(ctx context.Context) (context.Context, error) {
				return nil, a.summary.Start(ctx)
			},
		},
		{
			name: "workers",
			deps: []string{"limiter", "ai", "stats", "signatures", "summary"},
			start: func(ctx context.Context) (context.Context, error) {
				a.workers.Start(ctx)
				return nil, nil
			},
			stop: func(context.Context) error {
				a.workers.Stop()
				return nil
			},
		},
	}
	if a.web != nil {
		nodes = append(nodes, service{
			name: "web",
			start: func(context.Context) (context.Context, error) {
				return nil, a.web.Start()
			},
			stop: func(ctx context.Context) error {
				shutdownCtx, cancel := context.WithTimeout(ctx, webShutdownTimeout)
				defer cancel()
				return a.web.Shutdown(shutdownCtx)
			},
		})
	}

	for _, n := range nodes {
		if err := m.Register(n.name, n.parent, n.deps, n.start, n.stop); err != nil {
			return err
		}
	}
	return nil
}
