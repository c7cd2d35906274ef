package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"strings"
	"time"

	"tg-forwarder/internal/errs"
	"tg-forwarder/internal/infra/codec"
	"tg-forwarder/internal/infra/logger"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

func init() {
	Register(ProviderOpenAI, newOpenAI)
}

// openAI — клиент OpenAI-совместимого /chat/completions (OpenAI, DeepSeek,
// Qwen и прокси с тем же протоколом).
type openAI struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newOpenAI(_ context.Context, cfg Config) (Provider, error) {
	if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
		return nil, errors.New("OPENAI_API_KEY is required")
	}
	base := strings.TrimSpace(cfg.OpenAIBaseURL)
	if base == "" {
		base = defaultOpenAIBaseURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 90 * time.Second} //nolint:mnd
	}
	return &openAI{baseURL: strings.TrimRight(base, "/"), apiKey: cfg.OpenAIAPIKey, http: hc}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (c *openAI) ProcessMessage(ctx context.Context, text, prompt, model string, images [][]byte) (string, error) {
	var msgs []chatMessage
	if prompt != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: prompt})
	}
	if len(images) == 0 {
		msgs = append(msgs, chatMessage{Role: "user", Content: text})
	} else {
		parts := []contentPart{{Type: "text", Text: text}}
		for _, img := range images {
			url := "data:" + http.DetectContentType(img) + ";base64," + base64.StdEncoding.EncodeToString(img)
			parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: url}})
		}
		msgs = append(msgs, chatMessage{Role: "user", Content: parts})
	}

	body, err := codec.Marshal(chatRequest{Model: model, Messages: msgs, Temperature: 0.3}) //nolint:mnd
	if err != nil {
		return "", errs.Permanent(errors.Wrap(err, "marshal chat request"))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", errs.Permanent(errors.Wrap(err, "build chat request"))
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errs.Transient(errors.Wrap(err, "chat request"))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errs.Transient(errors.Wrap(err, "read chat response"))
	}
	if resp.StatusCode != http.StatusOK {
		logger.Warn("openai response", zap.Int("status", resp.StatusCode), zap.String("body", truncate(string(data), 512))) //nolint:mnd
		err := errors.Errorf("chat completions: status %d", resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			return "", errs.Transient(err)
		}
		return "", errs.Permanent(err)
	}

	var out chatResponse
	if err := codec.Unmarshal(data, &out); err != nil {
		return "", errs.Permanent(errors.Wrap(err, "decode chat response"))
	}
	if out.Error != nil {
		return "", classify(errors.New(out.Error.Message))
	}
	if len(out.Choices) == 0 {
		return "", errs.Permanentf("chat response has no choices")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
