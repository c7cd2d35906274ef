// Пакет config отвечает за сбор и предоставление конфигурации форвардера.
// Он:
//  1. читает переменные окружения из .env (через godotenv),
//  2. нормализует и валидирует входные значения,
//  3. подставляет значения по умолчанию и копит предупреждения,
//  4. предоставляет потокобезопасный доступ к результату через R/W мьютекс.
//
// Бизнес-контекст: параметры окружения управляют подключением к Telegram API,
// хранилищами (SQL, Redis, встроенный KV), лимитами отправки, повторами,
// дедупликацией, AI-провайдерами и расписанием сводок.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"tg-forwarder/internal/infra/timeutil"

	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
)

// EnvConfig описывает параметры, приходящие из окружения (.env).
//
// NB: значения уже прошли минимальную валидацию в loadConfig, поэтому в
// рантайме их можно использовать без дополнительных проверок.
type EnvConfig struct {
	// Telegram
	APIID       int
	APIHash     string
	PhoneNumber string
	Password    string
	SessionFile string
	StateFile   string
	PeersDB     string
	TelegramRPS int
	TestDC      bool
	AdminChatID int64

	// Хранилища
	DBDSN              string
	RedisURL           string
	PersistCacheSQLite string
	DownloadDir        string

	// Логирование и метрики
	LogLevel          string
	LogFile           string
	LogFileMaxSize    int
	LogFileMaxBackups int
	LogFileMaxAge     int
	MetricsAddr       string

	// Очередь и воркеры
	WorkerCount       int
	TaskLockTTL       time.Duration
	RescueTimeout     time.Duration
	RescueInterval    time.Duration
	HeartbeatInterval time.Duration
	MaxRetries        int
	RetryBaseDelay    float64
	RetryBackoff      float64
	RetryMaxDelay     float64

	// Лимиты отправки
	ForwardConcurrency     int
	MaxConcurrencyGlobal   int
	MaxConcurrencyTarget   int
	MaxConcurrencyPair     int
	GlobalMinInterval      time.Duration
	TargetMinInterval      time.Duration
	PairMinInterval        time.Duration
	PacingJitter           float64
	CircuitThreshold       int
	CircuitRecoveryTimeout time.Duration

	// Приём сообщений
	ProcessedGroupTTL time.Duration
	ProcessedGroupMax int
	IngestFlushSize   int
	IngestFlushEvery  time.Duration

	// Сводки
	SummaryConcurrency int
	SummaryBatchSize   int
	SummaryBatchDelay  time.Duration

	// Дедупликация
	BloomCapacity          uint
	BloomFPRate            float64
	BloomFile              string
	BloomSaveInterval      time.Duration
	DedupTimeWindow        time.Duration
	DedupCleanupInterval   time.Duration
	DedupCacheSize         int
	DedupEnableTimeWindow  bool
	DedupEnableContentHash bool
	DedupEnableSimilarity  bool
	DedupSimilarity        float64

	// Кеши и групповая запись
	RuleCacheTTL       time.Duration
	BatchFlushSize     int
	BatchFlushInterval time.Duration

	// AI
	DefaultAIModel       string
	DefaultAIPrompt      string
	DefaultSummaryPrompt string
	GeminiAPIKey         string
	OpenAIAPIKey         string
	OpenAIBaseURL        string
	AIModelsFile         string
	AIRPS                int
	AIMaxRetries         int

	DefaultTimezone string
}

// Config хранит конфигурацию среды.
type Config struct {
	Env      EnvConfig
	warnings []string     // предупреждения, накопленные при чтении окружения
	mu       sync.RWMutex // защита конкурентного доступа к конфигурации
}

// Значения по умолчанию для параметров окружения.
const (
	defaultLogLevel           = "info"
	defaultSessionFile        = "data/session.json"
	defaultStateFile          = "data/state.bbolt"
	defaultPeersDB            = "data/peers.bbolt"
	defaultDBDSN              = "data/forwarder.db"
	defaultPersistCacheSQLite = "data/cache.db"
	defaultDownloadDir        = "data/downloads"
	defaultTelegramRPS        = 10
	defaultLogFileMaxSize     = 50
	defaultLogFileMaxBackups  = 5
	defaultLogFileMaxAge      = 14
	defaultWorkerCount        = 2
	defaultTaskLockTTL        = 10 * time.Minute
	defaultRescueTimeoutMin   = 10
	defaultRescueInterval     = 5 * time.Minute
	defaultHeartbeatInterval  = time.Minute
	defaultMaxRetries         = 3
	defaultRetryBaseDelay     = 1.0
	defaultRetryBackoff       = 2.0
	defaultRetryMaxDelay      = 300.0

	defaultForwardConcurrency   = 5
	defaultMaxConcurrencyGlobal = 50
	defaultMaxConcurrencyTarget = 2
	defaultMaxConcurrencyPair   = 1
	defaultGlobalIntervalMS     = 0
	defaultTargetIntervalMS     = 250
	defaultPairIntervalMS       = 100
	defaultPacingJitter         = 0.2
	defaultCircuitThreshold     = 10
	defaultCircuitRecoverySec   = 60

	defaultProcessedGroupTTLSec = 300
	defaultProcessedGroupMax    = 10000
	defaultIngestFlushSize      = 50
	defaultIngestFlushMS        = 500

	defaultSummaryConcurrency = 5
	defaultSummaryBatchSize   = 100
	defaultSummaryBatchDelay  = time.Second

	defaultBloomCapacity        = 1_000_000
	defaultBloomFPRate          = 0.001
	defaultBloomFile            = "data/bloom.cbor"
	defaultBloomSaveInterval    = 10 * time.Minute
	defaultDedupWindowHours     = 24
	defaultDedupCleanupInterval = time.Hour
	defaultDedupCacheSize       = 10000
	defaultDedupSimilarity      = 0.85

	defaultRuleCacheTTL       = 5 * time.Minute
	defaultBatchFlushSize     = 100
	defaultBatchFlushInterval = 5 * time.Second

	defaultAIModel       = "gemini-2.0-flash"
	defaultAIPrompt      = "Rewrite the following message concisely, keep the original language and meaning."
	defaultSummaryPrompt = "Summarize the key points of the following chat messages as a short digest."
	defaultTimezone      = "Asia/Shanghai"
	defaultAIRPS         = 2
	defaultAIMaxRetries  = 1
)

var (
	cfgInstance = &Config{}
	cfgDone     bool
)

// AppLocation — таймзона, в которой интерпретируется расписание сводок.
var AppLocation = time.UTC

// Load — точка входа для инициализации глобальной конфигурации приложения.
// Повторный вызов запрещен (возвращается ошибка), чтобы избежать гонок
// конфигурации на старте.
func Load(envPath string) error {
	cfgInstance.mu.Lock()
	defer cfgInstance.mu.Unlock()
	if cfgDone {
		return errors.New("config already loaded")
	}
	newCfg, err := loadConfig(envPath)
	if err != nil {
		return err
	}
	cfgInstance.Env = newCfg.Env
	cfgInstance.warnings = newCfg.warnings
	cfgDone = true
	return nil
}

// loadConfig выполняет фактическую загрузку/валидацию без установки глобального
// состояния. Отсутствующий .env не считается ошибкой: переменные могут прийти
// из окружения контейнера.
func loadConfig(envPath string) (*Config, error) {
	var warnings []string

	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			if !os.IsNotExist(err) {
				return nil, errors.Wrap(err, "load .env")
			}
			appendWarningf(&warnings, "env file %q not found; using process environment", envPath)
		}
	}

	apiID := parseIntDefault("API_ID", 0, nonNegative, &warnings)
	retryBase := parseFloatDefault("RETRY_BASE_DELAY", defaultRetryBaseDelay, positiveFloat, &warnings)
	retryMax := parseFloatDefault("RETRY_MAX_DELAY", defaultRetryMaxDelay, positiveFloat, &warnings)
	if retryMax < retryBase {
		appendWarningf(&warnings, "env RETRY_MAX_DELAY %.2f is below RETRY_BASE_DELAY; using %.2f", retryMax, retryBase)
		retryMax = retryBase
	}

	tz := sanitizeTimezoneFlexible(os.Getenv("DEFAULT_TIMEZONE"), defaultTimezone, &warnings)
	loc, err := timeutil.ParseLocation(tz)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid DEFAULT_TIMEZONE %q", tz)
	}
	AppLocation = loc

	env := EnvConfig{
		APIID:       apiID,
		APIHash:     strings.TrimSpace(os.Getenv("API_HASH")),
		PhoneNumber: strings.TrimSpace(os.Getenv("PHONE_NUMBER")),
		Password:    os.Getenv("TG_PASSWORD"),
		SessionFile: sanitizeFile("SESSION_FILE", os.Getenv("SESSION_FILE"), defaultSessionFile, &warnings),
		StateFile:   sanitizeFile("STATE_FILE", os.Getenv("STATE_FILE"), defaultStateFile, &warnings),
		PeersDB:     sanitizeFile("PEERS_DB", os.Getenv("PEERS_DB"), defaultPeersDB, &warnings),
		TelegramRPS: parseIntDefault("TELEGRAM_RPS", defaultTelegramRPS, greaterThanZero, &warnings),
		TestDC:      parseBoolDefault("TEST_DC", false, &warnings),
		AdminChatID: int64(parseIntDefault("ADMIN_CHAT_ID", 0, nil, &warnings)),

		DBDSN:              sanitizeFile("DB_DSN", os.Getenv("DB_DSN"), defaultDBDSN, &warnings),
		RedisURL:           strings.TrimSpace(os.Getenv("REDIS_URL")),
		PersistCacheSQLite: sanitizeFile("PERSIST_CACHE_SQLITE", os.Getenv("PERSIST_CACHE_SQLITE"), defaultPersistCacheSQLite, &warnings),
		DownloadDir:        sanitizeFile("DOWNLOAD_DIR", os.Getenv("DOWNLOAD_DIR"), defaultDownloadDir, &warnings),

		LogLevel:          sanitizeLogLevel(os.Getenv("LOG_LEVEL"), defaultLogLevel, &warnings),
		LogFile:           strings.TrimSpace(os.Getenv("LOG_FILE")),
		LogFileMaxSize:    parseIntDefault("LOG_MAX_SIZE_MB", defaultLogFileMaxSize, greaterThanZero, &warnings),
		LogFileMaxBackups: parseIntDefault("LOG_MAX_BACKUPS", defaultLogFileMaxBackups, nonNegative, &warnings),
		LogFileMaxAge:     parseIntDefault("LOG_MAX_AGE_DAYS", defaultLogFileMaxAge, nonNegative, &warnings),
		MetricsAddr:       strings.TrimSpace(os.Getenv("METRICS_ADDR")),

		WorkerCount:       parseIntDefault("WORKER_COUNT", defaultWorkerCount, greaterThanZero, &warnings),
		TaskLockTTL:       parseDurationDefault("TASK_LOCK_TTL", defaultTaskLockTTL, &warnings),
		RescueTimeout:     time.Duration(parseIntDefault("RESCUE_TIMEOUT_MINUTES", defaultRescueTimeoutMin, greaterThanZero, &warnings)) * time.Minute,
		RescueInterval:    parseDurationDefault("RESCUE_INTERVAL", defaultRescueInterval, &warnings),
		HeartbeatInterval: parseDurationDefault("HEARTBEAT_INTERVAL", defaultHeartbeatInterval, &warnings),
		MaxRetries:        parseIntDefault("MAX_RETRIES", defaultMaxRetries, nonNegative, &warnings),
		RetryBaseDelay:    retryBase,
		RetryBackoff:      parseFloatDefault("RETRY_BACKOFF_FACTOR", defaultRetryBackoff, atLeastOne, &warnings),
		RetryMaxDelay:     retryMax,

		ForwardConcurrency:     parseIntDefault("FORWARD_CONCURRENCY", defaultForwardConcurrency, greaterThanZero, &warnings),
		MaxConcurrencyGlobal:   parseIntDefault("FORWARD_MAX_CONCURRENCY_GLOBAL", defaultMaxConcurrencyGlobal, greaterThanZero, &warnings),
		MaxConcurrencyTarget:   parseIntDefault("FORWARD_MAX_CONCURRENCY_PER_TARGET", defaultMaxConcurrencyTarget, greaterThanZero, &warnings),
		MaxConcurrencyPair:     parseIntDefault("FORWARD_MAX_CONCURRENCY_PER_PAIR", defaultMaxConcurrencyPair, greaterThanZero, &warnings),
		GlobalMinInterval:      parseMillisDefault("FORWARD_GLOBAL_MIN_INTERVAL_MS", defaultGlobalIntervalMS, &warnings),
		TargetMinInterval:      parseMillisDefault("FORWARD_TARGET_MIN_INTERVAL_MS", defaultTargetIntervalMS, &warnings),
		PairMinInterval:        parseMillisDefault("FORWARD_PAIR_MIN_INTERVAL_MS", defaultPairIntervalMS, &warnings),
		PacingJitter:           parseFloatDefault("FORWARD_PACING_JITTER", defaultPacingJitter, unitInterval, &warnings),
		CircuitThreshold:       parseIntDefault("CIRCUIT_FAILURE_THRESHOLD", defaultCircuitThreshold, greaterThanZero, &warnings),
		CircuitRecoveryTimeout: time.Duration(parseIntDefault("CIRCUIT_RECOVERY_SECONDS", defaultCircuitRecoverySec, greaterThanZero, &warnings)) * time.Second,

		ProcessedGroupTTL: time.Duration(parseIntDefault("PROCESSED_GROUP_TTL_SECONDS", defaultProcessedGroupTTLSec, greaterThanZero, &warnings)) * time.Second,
		ProcessedGroupMax: parseIntDefault("PROCESSED_GROUP_MAX", defaultProcessedGroupMax, greaterThanZero, &warnings),
		IngestFlushSize:   parseIntDefault("INGEST_FLUSH_SIZE", defaultIngestFlushSize, greaterThanZero, &warnings),
		IngestFlushEvery:  parseMillisDefault("INGEST_FLUSH_INTERVAL_MS", defaultIngestFlushMS, &warnings),

		SummaryConcurrency: parseIntDefault("SUMMARY_CONCURRENCY", defaultSummaryConcurrency, greaterThanZero, &warnings),
		SummaryBatchSize:   parseIntDefault("SUMMARY_BATCH_SIZE", defaultSummaryBatchSize, greaterThanZero, &warnings),
		SummaryBatchDelay:  parseDurationDefault("SUMMARY_BATCH_DELAY", defaultSummaryBatchDelay, &warnings),

		BloomCapacity:          uint(parseIntDefault("BLOOM_CAPACITY", defaultBloomCapacity, greaterThanZero, &warnings)),
		BloomFPRate:            parseFloatDefault("BLOOM_FP_RATE", defaultBloomFPRate, openUnitInterval, &warnings),
		BloomFile:              sanitizeFile("BLOOM_FILE", os.Getenv("BLOOM_FILE"), defaultBloomFile, &warnings),
		BloomSaveInterval:      parseDurationDefault("BLOOM_SAVE_INTERVAL", defaultBloomSaveInterval, &warnings),
		DedupTimeWindow:        time.Duration(parseIntDefault("DEDUP_TIME_WINDOW_HOURS", defaultDedupWindowHours, nonNegative, &warnings)) * time.Hour,
		DedupCleanupInterval:   parseDurationDefault("DEDUP_CLEANUP_INTERVAL", defaultDedupCleanupInterval, &warnings),
		DedupCacheSize:         parseIntDefault("DEDUP_CACHE_SIZE", defaultDedupCacheSize, greaterThanZero, &warnings),
		DedupEnableTimeWindow:  parseBoolDefault("DEDUP_ENABLE_TIME_WINDOW", true, &warnings),
		DedupEnableContentHash: parseBoolDefault("DEDUP_ENABLE_CONTENT_HASH", true, &warnings),
		DedupEnableSimilarity:  parseBoolDefault("DEDUP_ENABLE_SMART_SIMILARITY", false, &warnings),
		DedupSimilarity:        parseFloatDefault("DEDUP_SIMILARITY_THRESHOLD", defaultDedupSimilarity, similarityRange, &warnings),

		RuleCacheTTL:       parseDurationDefault("RULE_CACHE_TTL", defaultRuleCacheTTL, &warnings),
		BatchFlushSize:     parseIntDefault("BATCH_FLUSH_SIZE", defaultBatchFlushSize, greaterThanZero, &warnings),
		BatchFlushInterval: parseDurationDefault("BATCH_FLUSH_INTERVAL", defaultBatchFlushInterval, &warnings),

		DefaultAIModel:       sanitizeFile("DEFAULT_AI_MODEL", os.Getenv("DEFAULT_AI_MODEL"), defaultAIModel, &warnings),
		DefaultAIPrompt:      sanitizeFile("DEFAULT_AI_PROMPT", os.Getenv("DEFAULT_AI_PROMPT"), defaultAIPrompt, &warnings),
		DefaultSummaryPrompt: sanitizeFile("DEFAULT_SUMMARY_PROMPT", os.Getenv("DEFAULT_SUMMARY_PROMPT"), defaultSummaryPrompt, &warnings),
		GeminiAPIKey:         strings.TrimSpace(os.Getenv("GEMINI_API_KEY")),
		OpenAIAPIKey:         strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		OpenAIBaseURL:        strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")),
		AIModelsFile:         strings.TrimSpace(os.Getenv("AI_MODELS_FILE")),
		AIRPS:                parseIntDefault("AI_RPS", defaultAIRPS, greaterThanZero, &warnings),
		AIMaxRetries:         parseIntDefault("AI_MAX_RETRIES", defaultAIMaxRetries, nonNegative, &warnings),

		DefaultTimezone: tz,
	}

	if env.BatchFlushInterval > defaultBatchFlushInterval {
		appendWarningf(&warnings, "env BATCH_FLUSH_INTERVAL %s exceeds %s; clamped", env.BatchFlushInterval, defaultBatchFlushInterval)
		env.BatchFlushInterval = defaultBatchFlushInterval
	}

	return &Config{Env: env, warnings: warnings}, nil
}

// ValidateTelegram проверяет параметры, без которых MTProto-клиент не стартует.
// Служебные команды (миграции, статус очереди) их не требуют.
func (e EnvConfig) ValidateTelegram() error {
	if e.APIID <= 0 {
		return errors.New("env API_ID must be set")
	}
	if e.APIHash == "" {
		return errors.New("env API_HASH must be set")
	}
	if e.PhoneNumber == "" {
		return errors.New("env PHONE_NUMBER must be set")
	}
	return nil
}

// Warnings возвращает накопленные предупреждения, возникшие при загрузке .env
// (например, когда подставлено значение по умолчанию). Возвращается копия.
func Warnings() []string {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	result := make([]string, len(cfgInstance.warnings))
	copy(result, cfgInstance.warnings)
	return result
}

// Env возвращает EnvConfig из глобального singleton.
func Env() EnvConfig {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	return cfgInstance.Env
}

// parseIntDefault читает name как int. Если пусто/некорректно/не проходит
// дополнительную проверку validator — возвращает defaultVal и пишет предупреждение.
func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

// parseFloatDefault — аналог parseIntDefault для дробных значений.
func parseFloatDefault(name string, defaultVal float64, validator func(float64) bool, warnings *[]string) float64 {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultVal
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid number; using default %g", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %g does not satisfy constraints; using default %g", name, v, defaultVal)
		return defaultVal
	}
	return v
}

// parseDurationDefault принимает как Go-длительности ("90s", "5m"), так и
// голое число секунд.
func parseDurationDefault(name string, defaultVal time.Duration, warnings *[]string) time.Duration {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultVal
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs < 0 {
			appendWarningf(warnings, "env %s value %q is negative; using default %s", name, value, defaultVal)
			return defaultVal
		}
		return time.Duration(secs * float64(time.Second))
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		appendWarningf(warnings, "env %s value %q is not a valid duration; using default %s", name, value, defaultVal)
		return defaultVal
	}
	return d
}

func parseMillisDefault(name string, defaultMS int, warnings *[]string) time.Duration {
	return time.Duration(parseIntDefault(name, defaultMS, nonNegative, warnings)) * time.Millisecond
}

// appendWarningf — служебная функция для накопления предупреждений о некорректных
// переменных окружения. Список затем доступен через Warnings().
func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

// Простые валидаторы чисел для parseIntDefault/parseFloatDefault.
func greaterThanZero(v int) bool      { return v > 0 }
func nonNegative(v int) bool          { return v >= 0 }
func positiveFloat(v float64) bool    { return v > 0 }
func atLeastOne(v float64) bool       { return v >= 1 }
func unitInterval(v float64) bool     { return v >= 0 && v < 1 }
func openUnitInterval(v float64) bool { return v > 0 && v < 1 }
func similarityRange(v float64) bool  { return v >= 0.5 && v <= 1 }

// parseBoolDefault читает name как bool. Если некорректно — возвращает defaultVal и пишет предупреждение.
func parseBoolDefault(name string, defaultVal bool, warnings *[]string) bool {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultVal
	}
	v, err := strconv.ParseBool(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid boolean; using default %v", name, value, defaultVal)
		return defaultVal
	}
	return v
}

// sanitizeLogLevel нормализует LOG_LEVEL и ограничивает значения набором
// {debug, info, warn, error}. Всё остальное превращается в defaultLogLevel.
func sanitizeLogLevel(level string, defaultVal string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		return defaultVal
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env LOG_LEVEL value %q is invalid; using default %q", level, defaultVal)
		return defaultVal
	}
}

// sanitizeFile возвращает непустое строковое значение или fallback.
func sanitizeFile(name, value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, fallback)
		return fallback
	}
	return v
}

// sanitizeTimezoneFlexible проверяет, что значение — корректная IANA‑зона или UTC‑смещение.
// При неудаче возвращает значение по умолчанию и добавляет предупреждение.
func sanitizeTimezoneFlexible(value string, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return fallback
	}
	if _, err := timeutil.ParseLocation(v); err != nil {
		appendWarningf(warnings, "timezone %q is invalid; using default %q", v, fallback)
		return fallback
	}
	return v
}
