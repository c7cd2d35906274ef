// Package web — служебный HTTP-сервер: метрики Prometheus, проверка
// живости и состояние очереди.
package web

import (
	"context"
	"net"
	"net/http"
	"time"

	"tg-forwarder/internal/infra/lifecycle"
	"tg-forwarder/internal/infra/logger"
	"tg-forwarder/internal/repository/tasks"

	"github.com/go-faster/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	readTimeout  = 15 * time.Second
	writeTimeout = 15 * time.Second
	idleTimeout  = 60 * time.Second
)

// QueueStatter отдаёт сводку по очереди задач.
type QueueStatter interface {
	QueueStatus(ctx context.Context) (tasks.Status, error)
}

// Probe — состояние зависимостей для /health.
type Probe interface {
	IsConnected() bool
}

// BreakerState возвращает имя состояния автомата защиты.
type BreakerState func() string

// ServicesFunc отдаёт состояние дерева сервисов; nil, пока оно не запущено.
type ServicesFunc func() []lifecycle.NodeState

// Server — служебный HTTP-сервер.
type Server struct {
	srv      *http.Server
	queue    QueueStatter
	probe    Probe
	breaker  BreakerState
	services ServicesFunc
}

// NewServer собирает сервер; breaker может быть nil.
func NewServer(addr string, queue QueueStatter, probe Probe, breaker BreakerState) *Server {
	s := &Server{queue: queue, probe: probe, breaker: breaker}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/queue-status", s.handleQueueStatus)
	mux.HandleFunc("GET /api/services", s.handleServices)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      recoverMiddleware(loggingMiddleware(mux)),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	return s
}

// SetServices подключает источник для /api/services. Вызывать до Start.
func (s *Server) SetServices(fn ServicesFunc) {
	s.services = fn
}

// Handler возвращает корневой обработчик.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start начинает принимать соединения в фоне. Ошибка bind возвращается сразу.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", s.srv.Addr)
	}
	logger.Info("Starting ops server", zap.String("address", ln.Addr().String()))
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown корректно останавливает сервер.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info("Shutting down ops server...")
	return s.srv.Shutdown(ctx)
}

type healthResponse struct {
	Status    string `json:"status"`
	Connected bool   `json:"connected"`
	Breaker   string `json:"breaker,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", Connected: true}
	if s.probe != nil {
		resp.Connected = s.probe.IsConnected()
	}
	if s.breaker != nil {
		resp.Breaker = s.breaker()
	}
	code := http.StatusOK
	if !resp.Connected {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.queue.QueueStatus(r.Context())
	if err != nil {
		logger.Warn("queue status failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleServices(w http.ResponseWriter, _ *http.Request) {
	nodes := []lifecycle.NodeState{}
	if s.services != nil {
		if got := s.services(); got != nil {
			nodes = got
		}
	}
	writeJSON(w, http.StatusOK, nodes)
}
