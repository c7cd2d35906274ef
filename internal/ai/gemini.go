package ai

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-faster/errors"
	"google.golang.org/genai"
)

func init() {
	Register(ProviderGemini, newGemini)
}

// gemini — провайдер поверх официального SDK.
type gemini struct {
	client *genai.Client
}

func newGemini(ctx context.Context, cfg Config) (Provider, error) {
	if cfg.GeminiAPIKey == "" {
		return nil, errors.New("GEMINI_API_KEY is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.GeminiAPIKey})
	if err != nil {
		return nil, errors.Wrap(err, "create genai client")
	}
	return &gemini{client: client}, nil
}

func (g *gemini) ProcessMessage(ctx context.Context, text, prompt, model string, images [][]byte) (string, error) {
	parts := make([]*genai.Part, 0, 2+len(images)) //nolint:mnd
	if prompt != "" {
		parts = append(parts, &genai.Part{Text: prompt})
	}
	parts = append(parts, &genai.Part{Text: text})
	for _, img := range images {
		parts = append(parts, &genai.Part{InlineData: &genai.Blob{Data: img, MIMEType: http.DetectContentType(img)}})
	}

	res, err := g.client.Models.GenerateContent(ctx, model, []*genai.Content{{Role: "user", Parts: parts}}, nil)
	if err != nil {
		return "", classify(errors.Wrap(err, "generate content"))
	}
	out, err := res.Text()
	if err != nil {
		return "", classify(errors.Wrap(err, "read gemini response"))
	}
	return strings.TrimSpace(out), nil
}
