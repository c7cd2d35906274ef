// Package logger — глобальный zap-логгер форвардера. Консольный вывод
// можно перенаправить (readline в CLI), а копию записей в JSON держать
// в ротируемом файле через lumberjack.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const consoleTimeLayout = "2006-01-02 15:04:05"

// FileOptions — параметры ротации файлового лога. Пустой Path выключает файл.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// sinks — текущие приёмники записей. Доступ только под mu.
type sinks struct {
	console zapcore.WriteSyncer
	errs    zapcore.WriteSyncer
	file    *lumberjack.Logger
}

var (
	mu    sync.Mutex
	level = zap.NewAtomicLevelAt(zap.InfoLevel)
	out   = sinks{
		console: zapcore.Lock(os.Stdout),
		errs:    zapcore.Lock(os.Stderr),
	}
	current *zap.Logger
)

func consoleEncoder() zapcore.Encoder {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout(consoleTimeLayout)
	cfg.EncodeDuration = zapcore.StringDurationEncoder
	cfg.EncodeCaller = zapcore.ShortCallerEncoder
	return zapcore.NewConsoleEncoder(cfg)
}

func fileEncoder() zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "time"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder
	return zapcore.NewJSONEncoder(cfg)
}

// rebuildLocked собирает новый логгер из out и level. Вызывается под mu.
func rebuildLocked() {
	core := zapcore.NewCore(consoleEncoder(), out.console, level)
	if out.file != nil {
		core = zapcore.NewTee(core, zapcore.NewCore(fileEncoder(), zapcore.AddSync(out.file), level))
	}
	if current != nil {
		_ = current.Sync()
	}
	current = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.ErrorOutput(out.errs))
}

// parseLevel понимает debug/info/warn/error без учёта регистра; остальное — info.
func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// Init выставляет уровень и пересобирает логгер.
func Init(lvl string) {
	mu.Lock()
	defer mu.Unlock()
	level.SetLevel(parseLevel(lvl))
	rebuildLocked()
}

// SetWriters подменяет консольный поток и поток внутренних ошибок zap.
// nil возвращает os.Stdout / os.Stderr.
func SetWriters(stdout, stderr io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out.console = lockedOr(stdout, os.Stdout)
	out.errs = lockedOr(stderr, os.Stderr)
	rebuildLocked()
}

func lockedOr(w io.Writer, fallback *os.File) zapcore.WriteSyncer {
	if w == nil {
		return zapcore.Lock(fallback)
	}
	return zapcore.Lock(zapcore.AddSync(w))
}

// EnableFile включает (или, при пустом Path, выключает) JSON-копию логов.
func EnableFile(opts FileOptions) {
	mu.Lock()
	defer mu.Unlock()

	if out.file != nil {
		_ = out.file.Close()
		out.file = nil
	}
	if path := strings.TrimSpace(opts.Path); path != "" {
		out.file = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
	}
	rebuildLocked()
}

// Logger отдаёт текущий логгер, при первом вызове создавая его с настройками по умолчанию.
func Logger() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		rebuildLocked()
	}
	return current
}

// Named — дочерний логгер подсистемы без пропуска кадра обёртки.
func Named(name string) *zap.Logger {
	return Logger().WithOptions(zap.AddCallerSkip(-1)).Named(name)
}

// Sync сбрасывает буферы.
func Sync() { _ = Logger().Sync() }

func IsDebugEnabled() bool { return level.Enabled(zap.DebugLevel) }

func Debug(msg string, fields ...zap.Field) { Logger().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field) { Logger().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field) { Logger().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { Logger().Error(msg, fields...) }

// Fatal пишет запись и завершает процесс с кодом 1.
func Fatal(msg string, fields ...zap.Field) { Logger().Fatal(msg, fields...) }

// Варианты с fmt-форматированием. В горячих путях лучше поля zap.

func Debugf(format string, a ...any) { Logger().Debug(fmt.Sprintf(format, a...)) }
func Infof(format string, a ...any) { Logger().Info(fmt.Sprintf(format, a...)) }
func Warnf(format string, a ...any) { Logger().Warn(fmt.Sprintf(format, a...)) }
func Errorf(format string, a ...any) { Logger().Error(fmt.Sprintf(format, a...)) }
