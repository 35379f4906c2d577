package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/pario-ai/llmgate/pkg/backend"
	"github.com/pario-ai/llmgate/pkg/backend/anthropic"
	"github.com/pario-ai/llmgate/pkg/backend/multi"
	"github.com/pario-ai/llmgate/pkg/backend/ollama"
	"github.com/pario-ai/llmgate/pkg/backend/openai"
	"github.com/pario-ai/llmgate/pkg/budget"
	"github.com/pario-ai/llmgate/pkg/cache"
	"github.com/pario-ai/llmgate/pkg/cache/sqlite"
	"github.com/pario-ai/llmgate/pkg/config"
	"github.com/pario-ai/llmgate/pkg/pipeline"
	"github.com/pario-ai/llmgate/pkg/router"
	"github.com/pario-ai/llmgate/pkg/telemetry"
	"github.com/pario-ai/llmgate/pkg/tracker"
)

// gateway is a fully wired pipeline plus the resources it owns.
type gateway struct {
	pipeline *pipeline.Pipeline
	cache    cache.Cache
	registry *prometheus.Registry
	tracker  *tracker.SQLiteTracker
	budget   *budget.Enforcer
	backends []string
	closers  []func() error
}

// Close releases resources in reverse order of acquisition.
func (g *gateway) Close() error {
	var errs []error
	for i := len(g.closers) - 1; i >= 0; i-- {
		errs = append(errs, g.closers[i]())
	}
	return errors.Join(errs...)
}

// buildGateway wires backends, cache, router, telemetry and tracker into
// a pipeline. Spans are written to traceOut when tracing is enabled.
func buildGateway(cfg *config.Config, logger *log.Logger, traceOut io.Writer) (_ *gateway, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	g := &gateway{}
	defer func() {
		if err != nil {
			_ = g.Close()
		}
	}()

	backends, err := g.buildBackends(cfg.Backends, logger)
	if err != nil {
		return nil, err
	}

	tiers, err := g.buildCache(cfg.Cache, logger)
	if err != nil {
		return nil, err
	}

	var (
		instrs     []pipeline.Instrumentation
		publishers []pipeline.EventPublisher
	)

	if cfg.Telemetry.Metrics {
		g.registry = prometheus.NewRegistry()
		m, err := telemetry.NewMetrics(g.registry)
		if err != nil {
			return nil, err
		}
		instrs = append(instrs, m)
		publishers = append(publishers, m)
		if len(tiers) > 0 {
			if err := g.registry.Register(telemetry.NewCacheCollector(tiers)); err != nil {
				return nil, fmt.Errorf("register cache collector: %w", err)
			}
		}
	}

	if cfg.Telemetry.Tracing {
		rt, err := telemetry.SetupTracing(cfg.Telemetry.ServiceName, true, traceOut)
		if err != nil {
			return nil, err
		}
		g.closers = append(g.closers, func() error { return rt.Shutdown(context.Background()) })
		instrs = append(instrs, telemetry.NewTracing(rt.Tracer))
	}

	if cfg.Telemetry.LogStages {
		instrs = append(instrs, telemetry.NewLogging(logger))
	}

	if cfg.Tracker.Enabled {
		tr, err := tracker.New(cfg.Tracker.DBPath)
		if err != nil {
			return nil, fmt.Errorf("init tracker: %w", err)
		}
		g.tracker = tr
		g.closers = append(g.closers, tr.Close)
		publishers = append(publishers, tr)
	}

	canon := []pipeline.Canonicalizer{pipeline.DefaultCanonicalizer{}}
	if cfg.Budget.Enabled {
		g.budget = newBudget(cfg.Budget, g.tracker)
		canon = append(canon, g.budget)
	}

	g.pipeline, err = pipeline.New(pipeline.Options{
		Canonicalizers:  canon,
		Router:          router.New(cfg.Router, cfg.DefaultBackend(), g.backends),
		Backends:        backends,
		Cache:           g.cache,
		CacheTTL:        cfg.Cache.TTL,
		Publishers:      publishers,
		Instrumentation: telemetry.NewMulti(instrs...),
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (g *gateway) buildBackends(cfg config.BackendsConfig, logger *log.Logger) ([]backend.Backend, error) {
	var out []backend.Backend
	scoped := func(id string) log.FieldLogger { return logger.WithField("backend", id) }

	if p := cfg.OpenAI; p != nil {
		out = append(out, openai.New(p.Backend(), openai.WithLogger(scoped(openai.ID))))
	}
	if p := cfg.Anthropic; p != nil {
		out = append(out, anthropic.New(p.Backend(), anthropic.WithLogger(scoped(anthropic.ID))))
	}
	if p := cfg.Ollama; p != nil {
		out = append(out, ollama.New(p.Backend(), ollama.WithLogger(scoped(ollama.ID))))
	}
	if m := cfg.Multi; m != nil {
		providers := make(map[string]backend.Config, len(m.Providers))
		for name, p := range m.Providers {
			providers[name] = p.Backend()
		}
		mb, err := multi.New(multi.Config{
			Separator:       m.Separator,
			DefaultProvider: m.DefaultProvider,
			DefaultModel:    m.DefaultModel,
			RateLimit:       m.RateLimit(),
			Providers:       providers,
		}, multi.DefaultFactories(), multi.WithLogger(scoped(multi.ID)))
		if err != nil {
			return nil, err
		}
		g.closers = append(g.closers, mb.Close)
		out = append(out, mb)
	}

	for _, b := range out {
		g.backends = append(g.backends, b.ID())
	}
	return out, nil
}

// buildCache sets g.cache and returns the stats providers to export,
// keyed by tier name.
func (g *gateway) buildCache(cfg config.CacheConfig, logger *log.Logger) (map[string]cache.StatsProvider, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	mem := cache.NewMemory(cache.MemoryOptions{
		MaxEntries:   cfg.Memory.MaxEntries,
		DefaultTTL:   cfg.Memory.DefaultTTL,
		EagerExpiry:  cfg.Memory.EagerExpiry,
		DisableStats: cfg.DisableStats,
		Logger:       logger.WithField("tier", "memory"),
	})
	if !cfg.Disk.Enabled {
		g.cache = mem
		return map[string]cache.StatsProvider{"memory": mem}, nil
	}

	disk, err := openDiskCache(cfg, logger)
	if err != nil {
		return nil, err
	}
	layered := cache.NewLayered(mem, disk, cache.LayeredOptions{
		PromoteOnHit: cfg.PromoteOnHit,
		DisableStats: cfg.DisableStats,
		Logger:       logger.WithField("tier", "layered"),
	})
	g.cache = layered
	g.closers = append(g.closers, layered.Close)
	return map[string]cache.StatsProvider{
		"memory":  mem,
		"disk":    disk,
		"layered": layered,
	}, nil
}

func openDiskCache(cfg config.CacheConfig, logger *log.Logger) (*sqlite.Cache, error) {
	disk, err := sqlite.New(sqlite.Options{
		Path:           cfg.Disk.Path,
		MaxSizeMB:      cfg.Disk.MaxSizeMB,
		CompactOnStart: cfg.Disk.CompactOnStart,
		SkipCreateDir:  cfg.Disk.SkipCreateDir,
		DefaultTTL:     cfg.Disk.DefaultTTL,
		DisableStats:   cfg.DisableStats,
		Logger:         logger.WithField("tier", "disk"),
	})
	if err != nil {
		return nil, fmt.Errorf("init disk cache: %w", err)
	}
	return disk, nil
}

func newBudget(cfg config.BudgetConfig, usage budget.UsageSource) *budget.Enforcer {
	policies := make([]budget.Policy, 0, len(cfg.Policies))
	for _, p := range cfg.Policies {
		policies = append(policies, budget.Policy{
			Name:      p.Name,
			Period:    budget.Period(p.Period),
			MaxTokens: p.MaxTokens,
		})
	}
	return budget.New(policies, usage)
}
