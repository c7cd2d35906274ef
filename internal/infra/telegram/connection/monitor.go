// Package connection следит за состоянием MTProto-соединения. Транспорт
// сообщает о сетевых сбоях, монитор переходит в offline и пробует связь с
// нарастающими паузами, а воркеры ждут восстановления в WaitOnline.
package connection

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"tg-forwarder/internal/infra/logger"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"github.com/gotd/td/pool"
	"github.com/gotd/td/rpc"
	"go.uber.org/zap"
)

const (
	defaultPingInterval = 10 * time.Second
	defaultPingTimeout  = 5 * time.Second
	maxIntervalFactor   = 6
)

// ErrClosed — монитор закрыт, восстановления не будет.
var ErrClosed = errors.New("connection monitor closed")

// Pinger — лёгкий RPC, которому нужна рабочая сессия (обычно client.Self).
type Pinger func(ctx context.Context) error

// Options настраивает монитор. PingInterval — первая пауза между пробами;
// дальше она растёт до 6×PingInterval.
type Options struct {
	PingInterval time.Duration
	PingTimeout  time.Duration
}

// Monitor — состояние связи. Пока связь есть, ready закрыт; при обрыве
// заводится новый открытый ready, который закроется при восстановлении.
type Monitor struct {
	ping Pinger
	opts Options
	ctx  context.Context

	mu          sync.Mutex
	online      bool
	closed      bool
	ready       chan struct{}
	downSince   time.Time
	cancelProbe context.CancelFunc
}

// New создаёт монитор в состоянии online. ctx ограничивает жизнь проб.
func New(ctx context.Context, ping Pinger, opts Options) *Monitor {
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = defaultPingTimeout
	}
	ready := make(chan struct{})
	close(ready)
	return &Monitor{ping: ping, opts: opts, ctx: ctx, online: true, ready: ready}
}

// Connected сообщает текущее состояние.
func (m *Monitor) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// MarkConnected переводит монитор в online и будит ожидающих.
func (m *Monitor) MarkConnected() {
	m.mu.Lock()
	if m.online || m.closed {
		m.mu.Unlock()
		return
	}
	m.online = true
	m.stopProbeLocked()
	close(m.ready)
	downtime := time.Since(m.downSince)
	m.mu.Unlock()

	logger.Info("Connection restored", zap.Duration("downtime", downtime))
}

// MarkDisconnected переводит монитор в offline и запускает пробы.
func (m *Monitor) MarkDisconnected() {
	m.mu.Lock()
	if !m.online || m.closed {
		m.mu.Unlock()
		return
	}
	m.online = false
	m.downSince = time.Now()
	m.ready = make(chan struct{})
	ctx, cancel := context.WithCancel(m.ctx)
	m.cancelProbe = cancel
	m.mu.Unlock()

	logger.Warn("Connection lost, waiting for restore")
	go m.probe(ctx)
}

// HandleError переводит монитор в offline, если err — разрыв связи.
func (m *Monitor) HandleError(err error) bool {
	if !IsNetworkError(err) {
		return false
	}
	m.MarkDisconnected()
	return true
}

// WaitOnline блокирует до восстановления связи, отмены ctx или Close.
func (m *Monitor) WaitOnline(ctx context.Context) error {
	for {
		m.mu.Lock()
		online, closed, ready := m.online, m.closed, m.ready
		m.mu.Unlock()

		switch {
		case online:
			return nil
		case closed:
			return ErrClosed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ready:
		}
	}
}

// Close останавливает пробы и отпускает ожидающих с ErrClosed.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.stopProbeLocked()
	if !m.online {
		close(m.ready)
	}
}

func (m *Monitor) stopProbeLocked() {
	if m.cancelProbe != nil {
		m.cancelProbe()
		m.cancelProbe = nil
	}
}

// probe пингует с экспоненциальной паузой, пока не получится или ctx не отменят.
func (m *Monitor) probe(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.PingInterval
	b.MaxInterval = maxIntervalFactor * m.opts.PingInterval
	b.MaxElapsedTime = 0

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		pingCtx, cancel := context.WithTimeout(ctx, m.opts.PingTimeout)
		defer cancel()
		return m.safePing(pingCtx)
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		log := logger.Debug
		if !IsNetworkError(err) {
			log = logger.Warn
		}
		log("Connection probe failed", zap.Int("attempt", attempt), zap.Duration("next", next), zap.Error(err))
	})
	if err == nil {
		m.MarkConnected()
	}
}

// safePing переводит панику RPC-слоя (движок уже закрыт) в net.ErrClosed.
func (m *Monitor) safePing(ctx context.Context) (err error) {
	if m.ping == nil {
		return net.ErrClosed
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Debug("Connection probe panicked", zap.Any("panic", r))
			err = net.ErrClosed
		}
	}()
	return m.ping(ctx)
}

// IsNetworkError — признак разрыва связи: мёртвое соединение или движок,
// исчерпанные ретраи RPC, таймауты, EOF, net.Error. Отмена контекста сюда
// не относится.
func IsNetworkError(err error) bool {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, pool.ErrConnDead),
		errors.Is(err, rpc.ErrEngineClosed),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.EOF),
		errors.Is(err, net.ErrClosed):
		return true
	}
	var (
		retryErr *rpc.RetryLimitReachedErr
		netErr   net.Error
	)
	return errors.As(err, &retryErr) || errors.As(err, &netErr)
}
