// Package lifecycle поднимает сервисы процесса деревом: у каждого узла есть
// родитель (его контекст наследуется) и явные зависимости, которые стартуют
// раньше. Останавливаются узлы в порядке, обратном фактическому запуску.
package lifecycle

import (
	"context"
	"errors"
	"slices"
	"sync"

	"tg-forwarder/internal/infra/logger"

	gferrors "github.com/go-faster/errors"
	"go.uber.org/zap"
)

// StartFunc запускает узел. Возвращённый контекст (если не nil) становится
// родительским для дочерних узлов.
type StartFunc func(ctx context.Context) (context.Context, error)

// StopFunc останавливает узел. Контекст узла к этому моменту уже отменён, сама
// функция получает его копию без отмены: буферы успевают сбросить данные в БД.
type StopFunc func(ctx context.Context) error

// Status — стадия узла.
type Status int

const (
	StatusRegistered Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
	StatusStopped
	StatusFailed
)

var statusNames = [...]string{"registered", "starting", "running", "stopping", "stopped", "failed"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "unknown"
}

// NodeState — снимок узла для диагностики.
type NodeState struct {
	Name   string `json:"name"`
	Parent string `json:"parent,omitempty"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

const rootName = "root"

type node struct {
	name   string
	parent string
	deps   []string
	start  StartFunc
	stop   StopFunc

	ctx    context.Context
	cancel context.CancelFunc
	status Status
	err    error
}

// Manager — дерево узлов. Потокобезопасен.
type Manager struct {
	mu      sync.Mutex
	nodes   map[string]*node
	names   []string // порядок регистрации
	started []string // фактический порядок запуска
}

// New создаёт менеджер, корень которого живёт на rootCtx.
func New(rootCtx context.Context) *Manager {
	if rootCtx == nil {
		rootCtx = context.Background()
	}
	return &Manager{
		nodes: map[string]*node{
			rootName: {name: rootName, ctx: rootCtx, status: StatusRunning},
		},
	}
}

// Register добавляет узел. Пустой parent означает корень; зависимость от
// родителя подразумевается и из deps убирается.
func (m *Manager) Register(name, parent string, deps []string, start StartFunc, stop StopFunc) error {
	if name == "" || name == rootName {
		return gferrors.Errorf("lifecycle: invalid node name %q", name)
	}
	if parent == "" {
		parent = rootName
	}
	if slices.Contains(deps, name) {
		return gferrors.Errorf("lifecycle: node %q depends on itself", name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.nodes[name]; ok {
		return gferrors.Errorf("lifecycle: node %q already registered", name)
	}
	if _, ok := m.nodes[parent]; !ok {
		return gferrors.Errorf("lifecycle: node %q: parent %q not registered", name, parent)
	}

	own := make([]string, 0, len(deps))
	for _, d := range deps {
		if d != parent && !slices.Contains(own, d) {
			own = append(own, d)
		}
	}
	m.nodes[name] = &node{name: name, parent: parent, deps: own, start: start, stop: stop}
	m.names = append(m.names, name)
	return nil
}

// StartAll запускает все узлы. Обход идёт по алфавиту, чтобы порядок в
// журнале не зависел от порядка регистрации. Ошибки узлов объединяются.
func (m *Manager) StartAll() error {
	m.mu.Lock()
	names := slices.Sorted(slices.Values(m.names))
	m.mu.Unlock()

	var errs []error
	for _, name := range names {
		if err := m.ensure(name); err != nil {
			errs = append(errs, err)
		}
	}
	logger.Debug("lifecycle: started", zap.Strings("order", m.startOrder()))
	return errors.Join(errs...)
}

// ensure поднимает узел вместе с родителем и зависимостями. Повторный вход
// в узел со статусом starting означает цикл.
func (m *Manager) ensure(name string) error {
	m.mu.Lock()
	n, ok := m.nodes[name]
	switch {
	case !ok:
		m.mu.Unlock()
		return gferrors.Errorf("lifecycle: node %q not registered", name)
	case n.status == StatusRunning:
		m.mu.Unlock()
		return nil
	case n.status == StatusStarting:
		m.mu.Unlock()
		return gferrors.Errorf("lifecycle: dependency cycle at %q", name)
	case n.status == StatusFailed:
		err := n.err
		m.mu.Unlock()
		return err
	}
	n.status = StatusStarting
	m.mu.Unlock()

	for _, dep := range append([]string{n.parent}, n.deps...) {
		if err := m.ensure(dep); err != nil {
			return m.fail(n, gferrors.Wrapf(err, "node %q", name))
		}
	}

	m.mu.Lock()
	parentCtx := m.nodes[n.parent].ctx
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(parentCtx)
	if n.start != nil {
		derived, err := n.start(ctx)
		if err != nil {
			cancel()
			return m.fail(n, err)
		}
		if derived != nil && derived != ctx {
			ctx, cancel = bridge(ctx, cancel, derived)
		}
	}

	m.mu.Lock()
	n.ctx, n.cancel, n.status, n.err = ctx, cancel, StatusRunning, nil
	m.started = append(m.started, name)
	m.mu.Unlock()

	logger.Debug("lifecycle: node running", zap.String("node", name))
	return nil
}

// bridge привязывает контекст, возвращённый StartFunc, к контексту узла:
// отмена узла гасит и его.
func bridge(own context.Context, ownCancel context.CancelFunc, derived context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(derived)
	detach := context.AfterFunc(own, cancel)
	return ctx, func() {
		ownCancel()
		detach()
		cancel()
	}
}

func (m *Manager) fail(n *node, err error) error {
	m.mu.Lock()
	n.status, n.err = StatusFailed, err
	m.mu.Unlock()
	logger.Error("lifecycle: node failed", zap.String("node", n.name), zap.Error(err))
	return err
}

// Shutdown останавливает запущенные узлы от последнего к первому.
func (m *Manager) Shutdown() error {
	order := m.startOrder()
	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		if err := m.stopNode(order[i]); err != nil {
			errs = append(errs, gferrors.Wrapf(err, "stop %q", order[i]))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) stopNode(name string) error {
	m.mu.Lock()
	n := m.nodes[name]
	if n.status != StatusRunning {
		m.mu.Unlock()
		return nil
	}
	n.status = StatusStopping
	ctx, cancel, stop := n.ctx, n.cancel, n.stop
	m.mu.Unlock()

	cancel()
	var err error
	if stop != nil {
		err = stop(context.WithoutCancel(ctx))
	}

	m.mu.Lock()
	n.status, n.err = StatusStopped, err
	if err != nil {
		n.status = StatusFailed
	}
	m.mu.Unlock()

	if err != nil {
		logger.Warn("lifecycle: node stopped with error", zap.String("node", name), zap.Error(err))
		return err
	}
	logger.Debug("lifecycle: node stopped", zap.String("node", name))
	return nil
}

func (m *Manager) startOrder() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.started)
}

// Snapshot возвращает состояние узлов в порядке регистрации.
func (m *Manager) Snapshot() []NodeState {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]NodeState, 0, len(m.names))
	for _, name := range m.names {
		n := m.nodes[name]
		st := NodeState{Name: name, Status: n.status.String()}
		if n.parent != rootName {
			st.Parent = n.parent
		}
		if n.err != nil {
			st.Error = n.err.Error()
		}
		out = append(out, st)
	}
	return out
}
