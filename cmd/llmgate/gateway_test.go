package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"

	"github.com/pario-ai/llmgate/pkg/cache"
	"github.com/pario-ai/llmgate/pkg/config"
	"github.com/pario-ai/llmgate/pkg/gwerr"
	"github.com/pario-ai/llmgate/pkg/models"
)

func quietLogger() *log.Logger {
	l := log.New()
	l.SetOutput(io.Discard)
	return l
}

// fakeOllama answers /api/chat with a fixed completion and counts calls.
func fakeOllama(t *testing.T, calls *int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		*calls++
		var body struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":             body.Model,
			"message":           map[string]any{"role": "assistant", "content": "hi from " + body.Model},
			"done":              true,
			"done_reason":       "stop",
			"prompt_eval_count": 4,
			"eval_count":        3,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Tracker.Enabled = false
	cfg.Cache.Disk.Path = filepath.Join(t.TempDir(), "cache.db")
	return cfg
}

func newRequest(t *testing.T, model string) *models.GenerateRequest {
	t.Helper()
	req, err := models.NewRequest(models.RequestInput{Prompt: "hello", Parameters: map[string]any{"model": model}})
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func TestBuildGatewayRequiresBackend(t *testing.T) {
	_, err := buildGateway(testConfig(t), quietLogger(), io.Discard)
	if !gwerr.IsConfiguration(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestBuildGatewayMemoryOnly(t *testing.T) {
	var calls int
	srv := fakeOllama(t, &calls)

	cfg := testConfig(t)
	cfg.Backends.Ollama = &config.ProviderConfig{BaseURL: srv.URL, DefaultModel: "llama3"}

	gw, err := buildGateway(cfg, quietLogger(), io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	defer gw.Close()

	if _, ok := gw.cache.(*cache.MemoryCache); !ok {
		t.Errorf("expected memory cache, got %T", gw.cache)
	}
	if gw.registry == nil {
		t.Error("metrics registry not created")
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		resp, err := gw.pipeline.Generate(ctx, newRequest(t, "llama3"))
		if err != nil {
			t.Fatal(err)
		}
		if resp.OutputText != "hi from llama3" {
			t.Errorf("unexpected text %q", resp.OutputText)
		}
	}
	if calls != 1 {
		t.Errorf("expected the second call to hit the cache, got %d provider calls", calls)
	}
}

func TestBuildGatewayMultiWithDiskAndTracker(t *testing.T) {
	var calls int
	srv := fakeOllama(t, &calls)

	dir := t.TempDir()
	cfg := testConfig(t)
	cfg.Cache.Disk.Enabled = true
	cfg.Tracker.Enabled = true
	cfg.Tracker.DBPath = filepath.Join(dir, "usage.db")
	cfg.Telemetry.Tracing = true
	cfg.Telemetry.LogStages = true
	cfg.Backends.Multi = &config.MultiConfig{
		DefaultModel: "ollama:llama3",
		Providers: map[string]config.ProviderConfig{
			config.BackendOllama: {BaseURL: srv.URL},
		},
	}

	gw, err := buildGateway(cfg, quietLogger(), io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	defer gw.Close()

	if _, ok := gw.cache.(*cache.LayeredCache); !ok {
		t.Errorf("expected layered cache, got %T", gw.cache)
	}
	if len(gw.backends) != 1 || gw.backends[0] != "multi" {
		t.Errorf("unexpected backends %v", gw.backends)
	}

	resp, err := gw.pipeline.Generate(context.Background(), newRequest(t, "ollama:mistral"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.OutputText != "hi from mistral" || resp.MetaString(models.MetaProvider) != "ollama" {
		t.Errorf("unexpected response %+v", resp)
	}

	summaries, err := gw.tracker.Summary(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(summaries) != 1 || summaries[0].Model != "ollama/mistral" || summaries[0].TotalTokens != 7 {
		t.Errorf("unexpected usage summary %+v", summaries)
	}
}

func TestGenerateFlagsParameters(t *testing.T) {
	f := generateFlags{model: "openai:gpt-4o", maxTokens: 64, noCache: true}
	req, err := models.NewRequest(models.RequestInput{Prompt: "x", Parameters: f.parameters()})
	if err != nil {
		t.Fatal(err)
	}
	if req.Parameters.Model != "openai:gpt-4o" || *req.Parameters.MaxTokens != 64 || !req.Parameters.NoCache {
		t.Errorf("unexpected parameters %+v", req.Parameters)
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := newLogger(config.LogConfig{Level: "debug", Format: "json"}); err != nil {
		t.Fatal(err)
	}
	if _, err := newLogger(config.LogConfig{Level: "loud"}); err == nil {
		t.Error("expected level error")
	}
	if _, err := newLogger(config.LogConfig{Format: "xml"}); err == nil {
		t.Error("expected format error")
	}
}
