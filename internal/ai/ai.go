// Package ai — реестр AI-провайдеров. Провайдеры регистрируются при сборке
// (gemini, openai), экземпляры создаются лениво при первом обращении к
// модели. Модель сопоставляется провайдеру по файлу AI_MODELS_FILE, а при его
// отсутствии — по префиксу имени.
package ai

import (
	"context"
	"net/http"
	"os"
	"strings"
	"sync"

	"tg-forwarder/internal/errs"
	"tg-forwarder/internal/infra/logger"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Имена встроенных провайдеров.
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// Provider обрабатывает текст моделью. images — необязательные вложения.
type Provider interface {
	ProcessMessage(ctx context.Context, text, prompt, model string, images [][]byte) (string, error)
}

// Config — ключи и адреса провайдеров.
type Config struct {
	GeminiAPIKey  string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	HTTPClient    *http.Client
}

// Constructor создаёт экземпляр провайдера.
type Constructor func(ctx context.Context, cfg Config) (Provider, error)

var (
	ctorMu       sync.RWMutex
	constructors = map[string]Constructor{}
)

// Register добавляет конструктор провайдера под именем name.
func Register(name string, ctor Constructor) {
	ctorMu.Lock()
	defer ctorMu.Unlock()
	constructors[name] = ctor
}

func constructor(name string) (Constructor, bool) {
	ctorMu.RLock()
	defer ctorMu.RUnlock()
	c, ok := constructors[name]
	return c, ok
}

// prefixes — сопоставление по умолчанию, если модель не описана в файле.
var prefixes = []struct {
	prefix   string
	provider string
}{
	{"gemini-", ProviderGemini},
	{"gpt-", ProviderOpenAI},
	{"o1", ProviderOpenAI},
	{"deepseek-", ProviderOpenAI},
	{"qwen-", ProviderOpenAI},
}

// Registry маршрутизирует вызовы к провайдеру модели.
type Registry struct {
	cfg Config

	mu        sync.Mutex
	models    map[string]string
	instances map[string]Provider
}

// NewRegistry создаёт пустой реестр.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:       cfg,
		models:    make(map[string]string),
		instances: make(map[string]Provider),
	}
}

// modelsFile — формат AI_MODELS_FILE: провайдер → список моделей.
//
//	providers:
//	  gemini: [gemini-2.0-flash]
//	  openai: [gpt-4o-mini, deepseek-chat]
type modelsFile struct {
	Providers map[string][]string `yaml:"providers"`
}

// LoadModels читает файл сопоставления моделей. Пустой path ничего не делает.
func (r *Registry) LoadModels(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read ai models file")
	}
	var f modelsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return errors.Wrap(err, "parse ai models file")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for provider, models := range f.Providers {
		for _, m := range models {
			r.models[strings.ToLower(strings.TrimSpace(m))] = provider
		}
	}
	logger.Info("ai models loaded", zap.String("path", path), zap.Int("models", len(r.models)))
	return nil
}

// Use подставляет готовый экземпляр провайдера (например, фейк в тестах).
func (r *Registry) Use(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[name] = p
}

// ProviderFor возвращает имя провайдера модели.
func (r *Registry) ProviderFor(model string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(model))
	r.mu.Lock()
	name, ok := r.models[key]
	r.mu.Unlock()
	if ok {
		return name, nil
	}
	for _, p := range prefixes {
		if strings.HasPrefix(key, p.prefix) {
			return p.provider, nil
		}
	}
	return "", errs.Permanentf("no ai provider for model %q", model)
}

func (r *Registry) provider(ctx context.Context, name string) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.instances[name]; ok {
		return p, nil
	}
	ctor, ok := constructor(name)
	if !ok {
		return nil, errs.Permanentf("ai provider %q is not registered", name)
	}
	p, err := ctor(ctx, r.cfg)
	if err != nil {
		return nil, errs.Permanent(errors.Wrapf(err, "init ai provider %s", name))
	}
	r.instances[name] = p
	logger.Debug("ai provider initialized", zap.String("provider", name))
	return p, nil
}

// ProcessMessage отправляет текст провайдеру модели model.
func (r *Registry) ProcessMessage(ctx context.Context, text, prompt, model string, images [][]byte) (string, error) {
	name, err := r.ProviderFor(model)
	if err != nil {
		return "", err
	}
	p, err := r.provider(ctx, name)
	if err != nil {
		return "", err
	}
	return p.ProcessMessage(ctx, text, prompt, model, images)
}

// classify переводит текст ошибки API в класс errs. Лимиты и 5xx повторяемы,
// исчерпанная квота и 4xx — нет.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errs.Transient(err)
	}
	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "quota") || strings.Contains(s, "daily limit"):
		return errs.Permanent(err)
	case containsAny(s, "429", "rate limit", "too many requests", "resource exhausted",
		"500", "502", "503", "504", "unavailable", "overloaded", "timeout", "connection reset"):
		return errs.Transient(err)
	default:
		return errs.Permanent(err)
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
