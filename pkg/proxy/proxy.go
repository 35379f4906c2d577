package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/pario-ai/llmgate/pkg/budget"
	"github.com/pario-ai/llmgate/pkg/cache"
	"github.com/pario-ai/llmgate/pkg/gwerr"
	"github.com/pario-ai/llmgate/pkg/models"
	"github.com/pario-ai/llmgate/pkg/pipeline"
)

// Response headers set on generate calls.
const (
	HeaderCache        = "X-Llmgate-Cache"
	HeaderFinishReason = "X-Llmgate-Finish-Reason"
	HeaderRequestID    = "X-Llmgate-Request-Id"
)

const maxBodyBytes = 8 << 20

// Options wires a Server.
type Options struct {
	Listen   string
	Pipeline *pipeline.Pipeline
	// Cache backs the cache endpoints; nil disables them.
	Cache cache.Cache
	// Registry backs /metrics; nil disables it.
	Registry *prometheus.Registry
	Logger   log.FieldLogger
}

// Server is the gateway's HTTP front.
type Server struct {
	listen   string
	pipeline *pipeline.Pipeline
	cache    cache.Cache
	log      log.FieldLogger
	mux      *http.ServeMux
}

// New creates a Server with all routes registered.
func New(opts Options) *Server {
	s := &Server{
		listen:   opts.Listen,
		pipeline: opts.Pipeline,
		cache:    opts.Cache,
		log:      opts.Logger,
		mux:      http.NewServeMux(),
	}
	if s.log == nil {
		s.log = log.StandardLogger()
	}
	s.mux.HandleFunc("POST /v1/generate", s.handleGenerate)
	s.mux.HandleFunc("POST /v1/generate/stream", s.handleGenerateStream)
	s.mux.HandleFunc("GET /v1/cache/stats", s.handleCacheStats)
	s.mux.HandleFunc("DELETE /v1/cache/{key}", s.handleCacheInvalidate)
	s.mux.HandleFunc("DELETE /v1/cache", s.handleCacheClear)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	if opts.Registry != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{}))
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)
	s.log.WithFields(log.Fields{
		"method":     r.Method,
		"path":       r.URL.Path,
		"status":     rec.status,
		"elapsed_ms": time.Since(start).Milliseconds(),
		"event":      "http_request",
	}).Debug("Request served")
}

// ListenAndServe starts the server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithFields(log.Fields{
			"listen": s.listen,
			"event":  "server_start",
		}).Info("llmgate listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.log.WithField("event", "server_stop").Info("Shutting down")
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

// GenerateBody is the JSON body accepted by the generate endpoints.
type GenerateBody struct {
	ID           string            `json:"id,omitempty"`
	Prompt       string            `json:"prompt"`
	SystemPrompt string            `json:"system_prompt,omitempty"`
	History      []models.Message  `json:"history,omitempty"`
	Metadata     map[string]any    `json:"metadata,omitempty"`
	Parameters   map[string]any    `json:"parameters,omitempty"`
	CacheKey     string            `json:"cache_key,omitempty"`
	RouteHint    string            `json:"route_hint,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	Tools        []models.ToolSpec `json:"tools,omitempty"`
}

func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request) (*models.GenerateRequest, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return nil, false
	}
	r.Body.Close()

	var in GenerateBody
	if err := json.Unmarshal(body, &in); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}

	req, err := models.NewRequest(models.RequestInput{
		ID:           in.ID,
		Prompt:       in.Prompt,
		SystemPrompt: in.SystemPrompt,
		History:      in.History,
		Metadata:     in.Metadata,
		Parameters:   in.Parameters,
		CacheKey:     in.CacheKey,
		RouteHint:    in.RouteHint,
		Tags:         in.Tags,
		Tools:        in.Tools,
	})
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return req, true
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}

	resp, err := s.pipeline.Generate(r.Context(), req)
	if err != nil {
		s.logFailure(req, err)
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(HeaderRequestID, req.ID)
	w.Header().Set(HeaderCache, resp.MetaString(models.MetaCache))
	w.Header().Set(HeaderFinishReason, string(resp.FinishReason))
	_ = json.NewEncoder(w).Encode(resp)
}

// handleGenerateStream relays the pipeline stream as server-sent events:
// "partial" events while text arrives, then one "response" event, or an
// "error" event if the stream fails.
func (s *Server) handleGenerateStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "response writer does not support flushing")
		return
	}

	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}

	stream, err := s.pipeline.GenerateStream(r.Context(), req)
	if err != nil {
		s.logFailure(req, err)
		writeError(w, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set(HeaderRequestID, req.ID)
	w.WriteHeader(http.StatusOK)

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.logFailure(req, err)
			writeEvent(w, "error", errorBody(err))
			flusher.Flush()
			return
		}
		name := "response"
		if resp.IsPartial() {
			name = "partial"
		}
		writeEvent(w, name, resp)
		flusher.Flush()
	}
	fmt.Fprint(w, "event: done\ndata: [DONE]\n\n")
	flusher.Flush()
}

// CacheStatsBody is returned by GET /v1/cache/stats.
type CacheStatsBody struct {
	Cache models.CacheStats            `json:"cache"`
	Tiers map[string]models.CacheStats `json:"tiers,omitempty"`
}

func (s *Server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	sp, ok := s.cache.(cache.StatsProvider)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "cache statistics unavailable")
		return
	}
	out := CacheStatsBody{Cache: sp.Stats()}
	if l, ok := s.cache.(*cache.LayeredCache); ok {
		out.Tiers = make(map[string]models.CacheStats)
		mem, disk := l.Tiers()
		for name, tier := range map[string]cache.Cache{"memory": mem, "disk": disk} {
			if tsp, ok := tier.(cache.StatsProvider); ok {
				out.Tiers[name] = tsp.Stats()
			}
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeJSONError(w, http.StatusNotFound, "cache disabled")
		return
	}
	if err := s.cache.Invalidate(r.Context(), r.PathValue("key")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	c, ok := s.cache.(cache.Clearer)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "cache cannot be cleared")
		return
	}
	if err := c.Clear(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) logFailure(req *models.GenerateRequest, err error) {
	s.log.WithFields(log.Fields{
		"request_id": req.ID,
		"kind":       string(gwerr.KindOf(err)),
		"error":      err.Error(),
		"event":      "generate_failed",
	}).Warn("Generate failed")
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	if errors.Is(err, budget.ErrBudgetExceeded) {
		return http.StatusTooManyRequests
	}
	switch gwerr.KindOf(err) {
	case gwerr.KindValidation:
		return http.StatusBadRequest
	case gwerr.KindBackend:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) map[string]any {
	if ge, ok := gwerr.As(err); ok {
		return map[string]any{"error": ge}
	}
	return map[string]any{"error": map[string]any{"message": err.Error()}}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorBody(err))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"llmgate_error","code":%d}}`, message, code)
}

func writeEvent(w io.Writer, name string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"error":{"message":%q}}`, err.Error()))
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
}

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
