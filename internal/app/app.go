// Package app — верхний уровень сборки форвардера.
// Здесь связываются конфигурация, хранилища, MTProto-клиент, лимитер, конвейер
// обработки, воркеры и фоновые задачи. Отсюда стартует цикл обработки
// и обеспечивается корректный shutdown.
package app

import (
	"context"
	"time"

	"tg-forwarder/internal/adapters/telegram/gotd"
	"tg-forwarder/internal/ai"
	"tg-forwarder/internal/dedup"
	"tg-forwarder/internal/dedup/bloom"
	"tg-forwarder/internal/domain/filters"
	"tg-forwarder/internal/domain/models"
	"tg-forwarder/internal/infra/batch"
	"tg-forwarder/internal/infra/config"
	"tg-forwarder/internal/infra/eventbus"
	"tg-forwarder/internal/infra/logger"
	"tg-forwarder/internal/infra/telegram/session"
	"tg-forwarder/internal/infra/wheel"
	"tg-forwarder/internal/ingest"
	"tg-forwarder/internal/notify"
	"tg-forwarder/internal/pipeline"
	"tg-forwarder/internal/pipeline/middleware"
	"tg-forwarder/internal/ratelimit"
	"tg-forwarder/internal/repository/stats"
	"tg-forwarder/internal/summary"
	"tg-forwarder/internal/web"
	"tg-forwarder/internal/worker"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

const (
	repeatWindow       = time.Minute
	summaryRetryAfter  = 10 * time.Minute
	summaryAIRetry     = 2 * time.Second
	webShutdownTimeout = 10 * time.Second
)

// App агрегирует зависимости форвардера и управляет их связью.
// Отвечает за:
//   - хранилища и репозитории (очередь, правила, сигнатуры, статистика),
//   - MTProto-клиент и транспорт,
//   - конвейер обработки сообщений и пул воркеров,
//   - фоновые задачи колеса и службу сводок.
type App struct {
	env        config.EnvConfig
	mainCtx    context.Context    // Контекст жизненного цикла приложения.
	mainCancel context.CancelFunc // Инициирует отмену mainCtx.

	store   *Store
	client  *gotd.Client
	limiter *ratelimit.Limiter
	bus     *eventbus.Bus
	stats   *stats.Repo
	sigBuf  *batch.Flusher[models.MediaSignature]
	bloom   *bloom.Filter
	dedup   *dedup.Engine
	ai      *ai.Throttled
	sink    notify.Sink
	wheel   *wheel.Wheel
	summary *summary.Service
	workers *worker.Pool
	ingest  *ingest.Ingestor
	web     *web.Server
	runner  *Runner
}

// NewApp создаёт пустой контейнер; сборка выполняется в Init.
func NewApp() *App {
	return &App{}
}

// Init собирает все компоненты. Сетевых запросов к Telegram не выполняет.
// При ошибке уже открытые хранилища закрываются.
func (a *App) Init(ctx context.Context, cancel context.CancelFunc) (err error) {
	a.mainCtx, a.mainCancel = ctx, cancel
	a.env = config.Env()
	env := a.env

	if err := env.ValidateTelegram(); err != nil {
		return err
	}
	if !session.NewFile(env.SessionFile, nil).Exists() {
		logger.Warn("No stored session, interactive login will be requested", zap.String("path", env.SessionFile))
	}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	store, err := OpenStore(ctx, env)
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	a.store = store
	if _, err := store.KV.Resolve(ctx); err != nil {
		return errors.Wrap(err, "open kv")
	}
	logger.Info("Storage ready",
		zap.String("dialect", string(store.DB.Dialect)),
		zap.String("kv", store.KV.Backend()),
	)

	a.client, err = gotd.New(ctx, ClientOptions(env))
	if err != nil {
		return errors.Wrap(err, "init telegram client")
	}
	tr := a.client.Transport()

	a.limiter = ratelimit.New(limiterOptions(env))
	a.bus = eventbus.New()

	a.stats = stats.New(store.DB.DB, stats.Options{
		FlushSize:     env.BatchFlushSize,
		FlushInterval: env.BatchFlushInterval,
		Location:      config.AppLocation,
	})
	a.stats.Subscribe(a.bus)

	if err := a.initDedup(ctx); err != nil {
		return err
	}

	registry := ai.NewRegistry(ai.Config{
		GeminiAPIKey:  env.GeminiAPIKey,
		OpenAIAPIKey:  env.OpenAIAPIKey,
		OpenAIBaseURL: env.OpenAIBaseURL,
	})
	if env.AIModelsFile != "" {
		if err := registry.LoadModels(env.AIModelsFile); err != nil {
			return errors.Wrap(err, "load ai models")
		}
	}
	a.ai = ai.NewThrottled(registry, env.AIRPS, env.AIMaxRetries)

	pipe := pipeline.New(
		middleware.NewRuleLoader(store.Rules),
		middleware.NewDedup(a.dedup, a.bus, a.limiter, tr),
		middleware.NewFilter(filters.NewEngine(), a.bus),
		middleware.NewAI(a.ai, middleware.AIOptions{
			Concurrency:   env.ForwardConcurrency,
			DefaultModel:  env.DefaultAIModel,
			DefaultPrompt: env.DefaultAIPrompt,
		}),
		middleware.NewSender(a.limiter, tr, a.bus),
	)
	middleware.SubscribeDedupCommit(a.bus, a.dedup)

	sinks := notify.Multi{notify.LogSink{}}
	if env.AdminChatID != 0 {
		sinks = append(sinks, notify.NewTelegramSink(a.limiter, tr, env.AdminChatID))
	}
	a.sink = sinks

	a.wheel = wheel.New(0, 0)
	a.summary = summary.New(store.Rules, a.limiter, tr, a.ai, a.wheel, a.sink, summary.Options{
		Location:      config.AppLocation,
		Concurrency:   env.SummaryConcurrency,
		BatchSize:     env.SummaryBatchSize,
		BatchDelay:    env.SummaryBatchDelay,
		DefaultModel:  env.DefaultAIModel,
		DefaultPrompt: env.DefaultSummaryPrompt,
		RetryAfter:    summaryRetryAfter,
		AIRetryDelay:  summaryAIRetry,
	})

	a.workers = worker.New(store.Tasks, a.limiter, tr, pipe, a.summary, worker.Options{
		Count:       env.WorkerCount,
		MaxRetries:  env.MaxRetries,
		DownloadDir: env.DownloadDir,
	})

	a.ingest = ingest.New(store.Rules, store.Tasks, ingest.Options{
		FlushSize:    env.IngestFlushSize,
		FlushEvery:   env.IngestFlushEvery,
		GroupTTL:     env.ProcessedGroupTTL,
		GroupMax:     env.ProcessedGroupMax,
		RepeatWindow: repeatWindow,
	})
	a.ingest.Subscribe(a.bus)
	a.ingest.Register(a.client.Dispatcher())

	if env.MetricsAddr != "" {
		a.web = web.NewServer(env.MetricsAddr, store.Tasks, tr, func() string {
			return a.limiter.Stats().BreakerState
		})
	}

	a.runner = NewRunner(a.mainCtx, a.mainCancel, a)
	if a.web != nil {
		a.web.SetServices(a.runner.Services)
	}
	return nil
}

// initDedup поднимает bloom-снимок, буфер записи сигнатур и движок.
func (a *App) initDedup(ctx context.Context) error {
	env := a.env

	filter, err := bloom.Load(env.BloomFile, env.BloomCapacity, env.BloomFPRate)
	if err != nil {
		return errors.Wrap(err, "load bloom filter")
	}
	a.bloom = filter

	a.sigBuf = batch.New("signatures", env.BatchFlushSize, env.BatchFlushInterval, a.store.Signatures.InsertBatch)
	a.dedup = dedup.New(dedup.Options{
		TimeWindow:          env.DedupTimeWindow,
		EnableTimeWindow:    env.DedupEnableTimeWindow,
		EnableContentHash:   env.DedupEnableContentHash,
		EnableSimilarity:    env.DedupEnableSimilarity,
		SimilarityThreshold: env.DedupSimilarity,
		CacheSize:           env.DedupCacheSize,
		LockTTL:             env.TaskLockTTL,
	}, filter, a.store.Signatures, a.sigBuf)

	if filter.Added() == 0 {
		n, err := a.dedup.Warm(ctx)
		if err != nil {
			logger.Warn("warm bloom filter failed", zap.Error(err))
		} else {
			logger.Info("Bloom filter warmed", zap.Int("signatures", n))
		}
	}
	return nil
}

// Run запускает Runner и блокируется до завершения.
func (a *App) Run() error {
	if a.runner == nil {
		return errors.New("app is not initialized")
	}
	return a.runner.Run()
}

// close сохраняет bloom-снимок и освобождает хранилища. Вызывается после
// остановки всех сервисов.
func (a *App) close() {
	if a.bloom != nil {
		if err := a.bloom.Save(a.env.BloomFile); err != nil {
			logger.Warn("save bloom filter failed", zap.Error(err))
		}
	}
	if a.client != nil {
		a.client.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Warn("close store failed", zap.Error(err))
		}
	}
}

// ClientOptions переносит параметры Telegram из конфигурации.
func ClientOptions(env config.EnvConfig) gotd.Options {
	return gotd.Options{
		APIID:       env.APIID,
		APIHash:     env.APIHash,
		PhoneNumber: env.PhoneNumber,
		Password:    env.Password,
		SessionFile: env.SessionFile,
		StateFile:   env.StateFile,
		PeersDB:     env.PeersDB,
		RPS:         env.TelegramRPS,
		TestDC:      env.TestDC,
	}
}

func limiterOptions(env config.EnvConfig) ratelimit.Options {
	opts := ratelimit.DefaultOptions()
	opts.GlobalConcurrency = env.MaxConcurrencyGlobal
	opts.TargetConcurrency = env.MaxConcurrencyTarget
	opts.PairConcurrency = env.MaxConcurrencyPair
	opts.GlobalInterval = env.GlobalMinInterval
	opts.TargetInterval = env.TargetMinInterval
	opts.PairInterval = env.PairMinInterval
	opts.Jitter = env.PacingJitter
	opts.FailureThreshold = env.CircuitThreshold
	opts.RecoveryTimeout = env.CircuitRecoveryTimeout
	opts.RPS = env.TelegramRPS
	return opts
}
