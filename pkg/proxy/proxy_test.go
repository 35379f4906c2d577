package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/pario-ai/llmgate/pkg/backend"
	"github.com/pario-ai/llmgate/pkg/budget"
	"github.com/pario-ai/llmgate/pkg/cache"
	"github.com/pario-ai/llmgate/pkg/models"
	"github.com/pario-ai/llmgate/pkg/pipeline"
	"github.com/pario-ai/llmgate/pkg/telemetry"
)

type echoBackend struct {
	fail  error
	calls int
}

func (e *echoBackend) ID() string { return "echo" }

func (e *echoBackend) Generate(_ context.Context, req *models.GenerateRequest, _ backend.RouteInfo) (*models.GenerateResponse, error) {
	e.calls++
	if e.fail != nil {
		return backend.ErrorResponse("echo", "m", req, e.fail, 0), nil
	}
	return backend.Respond("echo", req, backend.Result{Text: "echo: " + req.Prompt, ProviderReason: "stop", Model: "m"}, time.Millisecond)
}

type chunks struct{ list []string }

func (c *chunks) Next() (backend.Delta, error) {
	if len(c.list) == 0 {
		return backend.Delta{}, io.EOF
	}
	d := backend.Delta{Text: c.list[0]}
	c.list = c.list[1:]
	return d, nil
}

func (c *chunks) Close() error { return nil }

type streamingEcho struct{ echoBackend }

func (s *streamingEcho) GenerateStream(_ context.Context, req *models.GenerateRequest, _ backend.RouteInfo) (backend.Stream, error) {
	return backend.NewStream("echo", "m", req, &chunks{list: []string{"hel", "lo"}}, time.Now()), nil
}

type fixture struct {
	server *httptest.Server
	cache  *cache.MemoryCache
	be     *echoBackend
}

func setupProxy(t *testing.T, be backend.Backend) *fixture {
	t.Helper()
	logger := log.New()
	logger.SetOutput(io.Discard)

	mem := cache.NewMemory(cache.MemoryOptions{MaxEntries: 10})
	reg := prometheus.NewRegistry()
	metrics, err := telemetry.NewMetrics(reg)
	if err != nil {
		t.Fatal(err)
	}

	p, err := pipeline.New(pipeline.Options{
		Backends:        []backend.Backend{be},
		Cache:           mem,
		Publishers:      []pipeline.EventPublisher{metrics},
		Instrumentation: metrics,
		Logger:          logger,
	})
	if err != nil {
		t.Fatal(err)
	}

	srv := New(Options{Pipeline: p, Cache: mem, Registry: reg, Logger: logger})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	f := &fixture{server: ts, cache: mem}
	switch b := be.(type) {
	case *echoBackend:
		f.be = b
	case *streamingEcho:
		f.be = &b.echoBackend
	}
	return f
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

const helloBody = `{"prompt":"hello","parameters":{"model":"m"}}`

func TestGenerateAndCacheHeader(t *testing.T) {
	f := setupProxy(t, &echoBackend{})

	first := post(t, f.server.URL+"/v1/generate", helloBody)
	if first.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", first.StatusCode)
	}
	if got := first.Header.Get(HeaderCache); got != pipeline.CacheMiss {
		t.Errorf("expected miss header, got %q", got)
	}
	var out models.GenerateResponse
	if err := json.NewDecoder(first.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.OutputText != "echo: hello" || out.FinishReason != models.FinishStop {
		t.Errorf("unexpected response %+v", out)
	}

	second := post(t, f.server.URL+"/v1/generate", helloBody)
	if got := second.Header.Get(HeaderCache); got != pipeline.CacheHit {
		t.Errorf("expected hit header, got %q", got)
	}
	if f.be.calls != 1 {
		t.Errorf("expected one backend call, got %d", f.be.calls)
	}
}

func TestGenerateInvalidBody(t *testing.T) {
	f := setupProxy(t, &echoBackend{})

	resp := post(t, f.server.URL+"/v1/generate", `{not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "llmgate_error") {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestGenerateValidationError(t *testing.T) {
	f := setupProxy(t, &echoBackend{})

	resp := post(t, f.server.URL+"/v1/generate", `{"prompt":"x","parameters":{"model":"m","temperature":-1}}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	var out struct {
		Error struct {
			Kind string `json:"kind"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Error.Kind != "validation" {
		t.Errorf("expected validation kind, got %q", out.Error.Kind)
	}
}

func TestGenerateProviderFailure(t *testing.T) {
	f := setupProxy(t, &echoBackend{fail: errors.New("upstream down")})

	resp := post(t, f.server.URL+"/v1/generate", helloBody)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get(HeaderFinishReason); got != string(models.FinishError) {
		t.Errorf("expected error finish reason, got %q", got)
	}
	if f.cache.Len() != 0 {
		t.Error("error response should not be cached")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := setupProxy(t, &echoBackend{})

	resp, err := http.Get(f.server.URL + "/v1/generate")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", resp.StatusCode)
	}
}

func TestGenerateStream(t *testing.T) {
	f := setupProxy(t, &streamingEcho{})

	resp := post(t, f.server.URL+"/v1/generate/stream", helloBody)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("unexpected content type %q", ct)
	}

	var events []string
	var last string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			events = append(events, strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			last = strings.TrimPrefix(line, "data: ")
			if events[len(events)-1] == "response" {
				var out models.GenerateResponse
				if err := json.Unmarshal([]byte(last), &out); err != nil {
					t.Fatal(err)
				}
				if out.OutputText != "hello" {
					t.Errorf("unexpected final text %q", out.OutputText)
				}
			}
		}
	}

	want := []string{"partial", "partial", "response", "done"}
	if strings.Join(events, ",") != strings.Join(want, ",") {
		t.Errorf("expected events %v, got %v", want, events)
	}
	if last != "[DONE]" {
		t.Errorf("expected [DONE] terminator, got %q", last)
	}
	if f.cache.Len() != 1 {
		t.Errorf("expected completed stream to be cached, got %d entries", f.cache.Len())
	}
}

func TestCacheEndpoints(t *testing.T) {
	f := setupProxy(t, &echoBackend{})
	client := f.server.Client()

	post(t, f.server.URL+"/v1/generate", `{"prompt":"hello","cache_key":"k1","parameters":{"model":"m"}}`)
	post(t, f.server.URL+"/v1/generate", `{"prompt":"hello","cache_key":"k1","parameters":{"model":"m"}}`)

	resp, err := client.Get(f.server.URL + "/v1/cache/stats")
	if err != nil {
		t.Fatal(err)
	}
	var stats CacheStatsBody
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if stats.Cache.Hits != 1 || stats.Cache.Size != 1 {
		t.Errorf("unexpected stats %+v", stats.Cache)
	}

	req, _ := http.NewRequest(http.MethodDelete, f.server.URL+"/v1/cache/k1", nil)
	resp, err = client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("expected 204, got %d", resp.StatusCode)
	}
	if f.cache.Len() != 0 {
		t.Error("entry not invalidated")
	}

	post(t, f.server.URL+"/v1/generate", helloBody)
	req, _ = http.NewRequest(http.MethodDelete, f.server.URL+"/v1/cache", nil)
	resp, err = client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent || f.cache.Len() != 0 {
		t.Errorf("clear failed: status %d, %d entries", resp.StatusCode, f.cache.Len())
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := setupProxy(t, &echoBackend{})
	post(t, f.server.URL+"/v1/generate", helloBody)

	resp, err := http.Get(f.server.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health returned %d", resp.StatusCode)
	}

	resp, err = http.Get(f.server.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `llmgate_responses_total{backend="echo",cached="false",finish_reason="stop"} 1`) {
		t.Errorf("metrics missing response counter:\n%s", body)
	}
}

func TestListenAndServeShutdown(t *testing.T) {
	logger := log.New()
	logger.SetOutput(io.Discard)
	srv := New(Options{Listen: "127.0.0.1:0", Logger: logger})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected shutdown error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down")
	}
}

type spentUsage struct{}

func (spentUsage) TotalSince(context.Context, time.Time) (int64, error) { return 500, nil }

func TestBudgetExceededIs429(t *testing.T) {
	logger := log.New()
	logger.SetOutput(io.Discard)
	enforcer := budget.New([]budget.Policy{{Name: "day", Period: budget.Daily, MaxTokens: 100}}, spentUsage{})

	be := &echoBackend{}
	p, err := pipeline.New(pipeline.Options{
		Canonicalizers: []pipeline.Canonicalizer{enforcer},
		Backends:       []backend.Backend{be},
		Logger:         logger,
	})
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(New(Options{Pipeline: p, Logger: logger}))
	defer ts.Close()

	resp := post(t, ts.URL+"/v1/generate", helloBody)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", resp.StatusCode)
	}
	if be.calls != 0 {
		t.Error("backend should not be called once the budget is spent")
	}
}
