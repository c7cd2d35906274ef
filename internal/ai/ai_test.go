package ai_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"tg-forwarder/internal/ai"
	"tg-forwarder/internal/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echo struct{ name string }

func (e echo) ProcessMessage(_ context.Context, text, _, model string, _ [][]byte) (string, error) {
	return e.name + ":" + model + ":" + text, nil
}

func TestProviderForPrefixFallback(t *testing.T) {
	t.Parallel()
	r := ai.NewRegistry(ai.Config{})

	cases := []struct {
		model string
		want  string
	}{
		{"gemini-2.0-flash", ai.ProviderGemini},
		{"GPT-4o-mini", ai.ProviderOpenAI},
		{"deepseek-chat", ai.ProviderOpenAI},
		{"qwen-max", ai.ProviderOpenAI},
	}
	for _, tc := range cases {
		t.Run(tc.model, func(t *testing.T) {
			t.Parallel()
			got, err := r.ProviderFor(tc.model)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := r.ProviderFor("llama-3")
	assert.True(t, errs.IsPermanent(err))
}

func TestLoadModelsOverridesPrefix(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte("providers:\n  openai: [gemini-proxy, llama-3]\n"), 0o600))

	r := ai.NewRegistry(ai.Config{})
	require.NoError(t, r.LoadModels(path))
	r.Use(ai.ProviderOpenAI, echo{name: "oa"})
	r.Use(ai.ProviderGemini, echo{name: "gm"})

	out, err := r.ProcessMessage(context.Background(), "hi", "", "gemini-proxy", nil)
	require.NoError(t, err)
	assert.Equal(t, "oa:gemini-proxy:hi", out)

	out, err = r.ProcessMessage(context.Background(), "hi", "", "gemini-2.0-flash", nil)
	require.NoError(t, err)
	assert.Equal(t, "gm:gemini-2.0-flash:hi", out)
}

func TestMissingKeyIsPermanent(t *testing.T) {
	t.Parallel()
	r := ai.NewRegistry(ai.Config{})
	_, err := r.ProcessMessage(context.Background(), "hi", "", "gpt-4o", nil)
	require.Error(t, err)
	assert.True(t, errs.IsPermanent(err))
}

func TestOpenAICompatibleProvider(t *testing.T) {
	t.Parallel()

	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"  rewritten  "}}]}`)
	}))
	defer srv.Close()

	r := ai.NewRegistry(ai.Config{OpenAIAPIKey: "secret", OpenAIBaseURL: srv.URL + "/v1"})
	out, err := r.ProcessMessage(context.Background(), "source text", "be brief", "deepseek-chat", nil)
	require.NoError(t, err)
	assert.Equal(t, "rewritten", out)
	assert.True(t, strings.Contains(body, `"role":"system"`))
	assert.True(t, strings.Contains(body, "source text"))
}

func TestOpenAIStatusClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status    int
		transient bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
		{http.StatusUnauthorized, false},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			r := ai.NewRegistry(ai.Config{OpenAIAPIKey: "k", OpenAIBaseURL: srv.URL})
			_, err := r.ProcessMessage(context.Background(), "x", "", "gpt-4o-mini", nil)
			require.Error(t, err)
			assert.Equal(t, tc.transient, errs.IsTransient(err))
			assert.Equal(t, !tc.transient, errs.IsPermanent(err))
		})
	}
}

type flakyProvider struct {
	calls int
	fail  int
	err   error
}

func (f *flakyProvider) ProcessMessage(_ context.Context, text, _, _ string, _ [][]byte) (string, error) {
	f.calls++
	if f.calls <= f.fail {
		return "", f.err
	}
	return "ok:" + text, nil
}

func TestThrottledRetriesTransient(t *testing.T) {
	t.Parallel()

	p := &flakyProvider{fail: 1, err: errs.FloodWait(1, nil)}
	th := ai.NewThrottled(p, 50, 2)
	out, err := th.ProcessMessage(context.Background(), "hi", "", "m", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok:hi", out)
	assert.Equal(t, 2, p.calls)
}

func TestThrottledStopsOnPermanent(t *testing.T) {
	t.Parallel()

	p := &flakyProvider{fail: 5, err: errs.Permanentf("no key")}
	th := ai.NewThrottled(p, 50, 2)
	_, err := th.ProcessMessage(context.Background(), "hi", "", "m", nil)
	assert.True(t, errs.IsPermanent(err))
	assert.Equal(t, 1, p.calls)
}
