// Package gotd — адаптер MTProto поверх gotd/td: авторизация, поток апдейтов
// и реализация transport.Transport.
package gotd

import (
	"context"
	"sync"
	"time"

	"tg-forwarder/internal/infra/logger"
	"tg-forwarder/internal/infra/storage"
	"tg-forwarder/internal/infra/telegram/connection"
	"tg-forwarder/internal/infra/telegram/peersmgr"
	"tg-forwarder/internal/infra/telegram/session"

	"github.com/go-faster/errors"
	boltstor "github.com/gotd/contrib/bbolt"
	"github.com/gotd/contrib/middleware/ratelimit"
	contribstorage "github.com/gotd/contrib/storage"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/dcs"
	tgupdates "github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	stateFilePerm    = 0o600
	stateOpenTimeout = time.Second
)

// Options — параметры подключения к Telegram.
type Options struct {
	APIID       int
	APIHash     string
	PhoneNumber string
	Password    string
	SessionFile string
	StateFile   string
	PeersDB     string
	RPS         int
	TestDC      bool
}

// lazyUpdateHandler откладывает установку реального обработчика апдейтов:
// клиенту он нужен раньше, чем готов менеджер апдейтов.
type lazyUpdateHandler struct {
	mu      sync.RWMutex
	handler telegram.UpdateHandler
}

func (h *lazyUpdateHandler) Handle(ctx context.Context, u tg.UpdatesClass) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.handler != nil {
		return h.handler.Handle(ctx, u)
	}
	return nil
}

func (h *lazyUpdateHandler) set(realHandler telegram.UpdateHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = realHandler
}

// Client связывает MTProto-клиент, кэш пиров, хранилище состояния апдейтов и
// монитор соединения.
type Client struct {
	opts       Options
	client     *telegram.Client
	dispatcher tg.UpdateDispatcher
	peers      *peersmgr.Service
	stateDB    *bbolt.DB
	updMgr     *tgupdates.Manager
	monitor    *connection.Monitor
	transport  *Transport

	updatesWG sync.WaitGroup
}

// New собирает клиент; сетевых запросов не выполняет.
func New(ctx context.Context, opts Options) (*Client, error) {
	c := &Client{opts: opts, dispatcher: tg.NewUpdateDispatcher()}
	c.monitor = connection.New(ctx, func(ctx context.Context) error {
		_, err := c.client.Self(ctx)
		return err
	}, connection.Options{})

	lazyHandler := &lazyUpdateHandler{}
	rps := max(opts.RPS, 1)
	options := telegram.Options{
		SessionStorage: session.NewFile(opts.SessionFile, c.monitor.MarkConnected),
		UpdateHandler:  lazyHandler,
		Middlewares: []telegram.Middleware{
			ratelimit.New(rate.Limit(rps), rps*2), //nolint:mnd // burst = 2*rate
		},
		OnDead: c.monitor.MarkDisconnected,
	}
	if opts.TestDC {
		options.DCList = dcs.Test()
	}
	c.client = telegram.NewClient(opts.APIID, opts.APIHash, options)

	peersSvc, err := peersmgr.New(c.client.API(), opts.PeersDB)
	if err != nil {
		c.monitor.Close()
		return nil, errors.Wrap(err, "init peers manager")
	}
	c.peers = peersSvc

	if err := storage.EnsureDir(opts.StateFile); err != nil {
		c.closeStores()
		return nil, errors.Wrap(err, "ensure state file dir")
	}
	c.stateDB, err = bbolt.Open(opts.StateFile, stateFilePerm, &bbolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		c.closeStores()
		return nil, errors.Wrap(err, "open state storage")
	}

	c.updMgr = tgupdates.New(tgupdates.Config{
		Handler:      c.dispatcher,
		Storage:      boltstor.NewStateStorage(c.stateDB),
		AccessHasher: peersSvc.Mgr,
		Logger:       logger.Named("updates"),
	})
	lazyHandler.set(contribstorage.UpdateHook(peersSvc.Mgr.UpdateHook(c.updMgr), peersSvc.Store()))

	c.transport = NewTransport(c.client.API(), peersSvc, c.monitor)
	return c, nil
}

// Dispatcher возвращает диспетчер апдейтов для регистрации обработчиков.
// Регистрировать нужно до Run.
func (c *Client) Dispatcher() *tg.UpdateDispatcher {
	return &c.dispatcher
}

// Transport возвращает реализацию transport.Transport.
func (c *Client) Transport() *Transport {
	return c.transport
}

// Peers возвращает сервис пиров.
func (c *Client) Peers() *peersmgr.Service {
	return c.peers
}

// Run подключается, при необходимости проходит авторизацию, прогревает кэш
// пиров, запускает поток апдейтов и вызывает ready. Блокируется до отмены ctx.
func (c *Client) Run(ctx context.Context, ready func(ctx context.Context) error) error {
	return c.client.Run(ctx, func(ctx context.Context) error {
		self, err := c.login(ctx)
		if err != nil {
			return err
		}
		c.monitor.MarkConnected()
		c.initPeers(ctx)

		updatesCtx, updatesCancel := context.WithCancel(ctx)
		defer func() {
			updatesCancel()
			c.updatesWG.Wait()
		}()
		c.updatesWG.Go(func() {
			err := c.updMgr.Run(updatesCtx, c.client.API(), self.ID, tgupdates.AuthOptions{
				OnStart: func(context.Context) {
					logger.Info("Updates manager started")
				},
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("updates manager stopped", zap.Error(err))
			}
		})

		if ready != nil {
			if err := ready(ctx); err != nil {
				return err
			}
		}
		<-ctx.Done()
		return ctx.Err()
	})
}

// Login выполняет только авторизацию и сохраняет сессию.
func (c *Client) Login(ctx context.Context) error {
	return c.client.Run(ctx, func(ctx context.Context) error {
		_, err := c.login(ctx)
		return err
	})
}

func (c *Client) login(ctx context.Context) (*tg.User, error) {
	flow := auth.NewFlow(
		TerminalAuthenticator{PhoneNumber: c.opts.PhoneNumber, Password2FA: c.opts.Password},
		auth.SendCodeOptions{},
	)
	if err := c.client.Auth().IfNecessary(ctx, flow); err != nil {
		return nil, errors.Wrap(err, "auth")
	}
	self, err := c.client.Self(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "get self")
	}
	logger.Info("Logged in",
		zap.String("first_name", self.FirstName),
		zap.String("username", self.Username),
		zap.Int64("id", self.ID),
	)
	return self, nil
}

func (c *Client) initPeers(ctx context.Context) {
	if err := c.peers.Mgr.Init(ctx); err != nil {
		logger.Warn("init peers manager failed", zap.Error(err))
	}
	if err := c.peers.LoadFromStorage(ctx); err != nil {
		logger.Warn("load peers from storage failed", zap.Error(err))
	}
	if err := c.peers.WarmupIfEmpty(ctx, c.client.API()); err != nil {
		logger.Warn("warm up peers failed", zap.Error(err))
	}
	logger.Debug("Peers warmup complete")
}

func (c *Client) closeStores() {
	if c.stateDB != nil {
		if err := c.stateDB.Close(); err != nil {
			logger.Warn("close state storage failed", zap.Error(err))
		}
	}
	if c.peers != nil {
		if err := c.peers.Close(); err != nil {
			logger.Warn("close peers storage failed", zap.Error(err))
		}
	}
}

// Close освобождает локальные хранилища и останавливает монитор.
func (c *Client) Close() {
	c.monitor.Close()
	c.closeStores()
}
