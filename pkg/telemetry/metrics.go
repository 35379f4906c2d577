package telemetry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pario-ai/llmgate/pkg/cache"
	"github.com/pario-ai/llmgate/pkg/gwerr"
	"github.com/pario-ai/llmgate/pkg/models"
	"github.com/pario-ai/llmgate/pkg/pipeline"
)

// Metrics reports stage and response metrics using Prometheus primitives.
// It is both a pipeline.Instrumentation and a pipeline.EventPublisher.
type Metrics struct {
	stages    *prometheus.CounterVec
	errors    *prometheus.CounterVec
	durations *prometheus.HistogramVec
	responses *prometheus.CounterVec
	tokens    *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) (*Metrics, error) {
	if registry == nil {
		return nil, fmt.Errorf("prometheus registry is nil")
	}

	m := &Metrics{
		stages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmgate_stage_runs_total",
			Help: "Total pipeline stage executions",
		}, []string{"stage"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmgate_stage_errors_total",
			Help: "Total pipeline stage failures by error kind",
		}, []string{"stage", "kind"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llmgate_stage_duration_seconds",
			Help:    "Pipeline stage latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmgate_responses_total",
			Help: "Total served responses by backend, finish reason and cache status",
		}, []string{"backend", "finish_reason", "cached"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmgate_tokens_total",
			Help: "Total provider tokens by backend and direction",
		}, []string{"backend", "direction"}),
	}

	for _, collector := range []prometheus.Collector{m.stages, m.errors, m.durations, m.responses, m.tokens} {
		if err := registry.Register(collector); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) OnStageStart(ctx context.Context, stage pipeline.Stage, _ *models.GenerateRequest) context.Context {
	m.stages.WithLabelValues(string(stage)).Inc()
	return ctx
}

func (m *Metrics) OnStageEnd(_ context.Context, stage pipeline.Stage, _ *models.GenerateRequest, elapsed time.Duration) {
	m.durations.WithLabelValues(string(stage)).Observe(elapsed.Seconds())
}

func (m *Metrics) OnError(_ context.Context, stage pipeline.Stage, _ *models.GenerateRequest, err error) {
	kind := string(gwerr.KindOf(err))
	if kind == "" {
		kind = "unknown"
	}
	m.errors.WithLabelValues(string(stage), kind).Inc()
}

// Publish counts the response. Cache hits add no token usage.
func (m *Metrics) Publish(_ context.Context, ev pipeline.Event) error {
	backend := ev.Backend
	if backend == "" {
		backend = ev.Response.MetaString(models.MetaBackend)
	}
	m.responses.WithLabelValues(backend, string(ev.Response.FinishReason), strconv.FormatBool(ev.CacheHit)).Inc()
	if !ev.CacheHit {
		m.tokens.WithLabelValues(backend, "prompt").Add(float64(ev.Response.Usage.PromptTokens))
		m.tokens.WithLabelValues(backend, "completion").Add(float64(ev.Response.Usage.CompletionTokens))
	}
	return nil
}

// CacheCollector exports hit, miss, eviction and size figures for named
// cache tiers at scrape time.
type CacheCollector struct {
	tiers map[string]cache.StatsProvider

	hits      *prometheus.Desc
	misses    *prometheus.Desc
	evictions *prometheus.Desc
	size      *prometheus.Desc
}

// NewCacheCollector returns a collector over tiers, keyed by tier label.
func NewCacheCollector(tiers map[string]cache.StatsProvider) *CacheCollector {
	return &CacheCollector{
		tiers:     tiers,
		hits:      prometheus.NewDesc("llmgate_cache_hits_total", "Cache hits by tier", []string{"tier"}, nil),
		misses:    prometheus.NewDesc("llmgate_cache_misses_total", "Cache misses by tier", []string{"tier"}, nil),
		evictions: prometheus.NewDesc("llmgate_cache_evictions_total", "Cache evictions by tier", []string{"tier"}, nil),
		size:      prometheus.NewDesc("llmgate_cache_size", "Current cache size by tier", []string{"tier"}, nil),
	}
}

func (c *CacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hits
	ch <- c.misses
	ch <- c.evictions
	ch <- c.size
}

func (c *CacheCollector) Collect(ch chan<- prometheus.Metric) {
	for tier, sp := range c.tiers {
		s := sp.Stats()
		ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(s.Hits), tier)
		ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(s.Misses), tier)
		ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(s.Evictions), tier)
		ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(s.Size), tier)
	}
}
