package pipeline

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"github.com/pario-ai/llmgate/pkg/backend"
	"github.com/pario-ai/llmgate/pkg/cache"
	"github.com/pario-ai/llmgate/pkg/gwerr"
	"github.com/pario-ai/llmgate/pkg/models"
)

// Cache metadata values recorded under models.MetaCache.
const (
	CacheHit  = "hit"
	CacheMiss = "miss"
	CacheSkip = "skip"
)

// Options configures a Pipeline. Backends and Router are required unless
// exactly one backend is given, in which case it is routed to statically.
type Options struct {
	Canonicalizers  []Canonicalizer
	Router          Router
	Backends        []backend.Backend
	Cache           cache.Cache
	CacheTTL        time.Duration
	Validators      []Validator
	PostProcessors  []PostProcessor
	Publishers      []EventPublisher
	Instrumentation Instrumentation
	Logger          log.FieldLogger
}

// Pipeline runs a request through canonicalization, cache lookup, routing,
// the backend call, validation, post-processing, cache store and event
// publishing.
type Pipeline struct {
	canon      []Canonicalizer
	router     Router
	backends   map[string]backend.Backend
	cache      cache.Cache
	ttl        time.Duration
	validators []Validator
	post       []PostProcessor
	publishers []EventPublisher
	instr      Instrumentation
	log        log.FieldLogger
}

// New builds a Pipeline.
func New(opts Options) (*Pipeline, error) {
	if len(opts.Backends) == 0 {
		return nil, gwerr.Configuration("pipeline requires at least one backend", nil)
	}
	p := &Pipeline{
		canon:      opts.Canonicalizers,
		router:     opts.Router,
		backends:   make(map[string]backend.Backend, len(opts.Backends)),
		cache:      opts.Cache,
		ttl:        opts.CacheTTL,
		validators: opts.Validators,
		post:       opts.PostProcessors,
		publishers: opts.Publishers,
		instr:      opts.Instrumentation,
		log:        opts.Logger,
	}
	for _, b := range opts.Backends {
		if _, dup := p.backends[b.ID()]; dup {
			return nil, gwerr.Configuration("duplicate backend id", map[string]any{gwerr.CtxBackend: b.ID()})
		}
		p.backends[b.ID()] = b
	}
	if p.router == nil {
		if len(opts.Backends) != 1 {
			return nil, gwerr.Configuration("pipeline with several backends requires a router", nil)
		}
		p.router = StaticRouter(opts.Backends[0].ID())
	}
	if p.instr == nil {
		p.instr = Nop{}
	}
	if p.log == nil {
		p.log = log.StandardLogger()
	}
	return p, nil
}

// Backend returns the backend registered under id.
func (p *Pipeline) Backend(id string) (backend.Backend, bool) {
	b, ok := p.backends[id]
	return b, ok
}

// Cache returns the configured cache, or nil.
func (p *Pipeline) Cache() cache.Cache { return p.cache }

// Generate serves req. Provider failures come back as an error-shaped
// response; the returned error is reserved for invalid requests, stage
// failures and configuration problems.
func (p *Pipeline) Generate(ctx context.Context, req *models.GenerateRequest) (*models.GenerateResponse, error) {
	start := time.Now()

	req, key, cached, err := p.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		p.publish(ctx, Event{Request: req, Response: cached, Backend: cached.MetaString(models.MetaBackend), CacheHit: true, Elapsed: time.Since(start)})
		return cached, nil
	}

	id, b, err := p.route(ctx, req)
	if err != nil {
		return nil, err
	}

	var resp *models.GenerateResponse
	err = p.stage(ctx, StageBackend, req, func(ctx context.Context) error {
		var genErr error
		resp, genErr = b.Generate(ctx, req, backend.RouteInfo{RoutedTo: id})
		if genErr == nil && resp == nil {
			genErr = gwerr.Backend("backend returned no response", nil, map[string]any{gwerr.CtxBackend: id})
		}
		return genErr
	})
	if err != nil {
		return nil, err
	}

	return p.finish(ctx, req, key, id, resp, start)
}

// prepare validates and canonicalizes req and consults the cache. cached is
// non-nil on a hit.
func (p *Pipeline) prepare(ctx context.Context, req *models.GenerateRequest) (_ *models.GenerateRequest, key string, cached *models.GenerateResponse, err error) {
	if err := req.Validate(); err != nil {
		return nil, "", nil, gwerr.WithContext(err, map[string]any{gwerr.CtxStage: string(StageCanonicalize)})
	}

	err = p.stage(ctx, StageCanonicalize, req, func(ctx context.Context) error {
		for _, c := range p.canon {
			next, cErr := c.Canonicalize(ctx, req)
			if cErr != nil {
				return cErr
			}
			req = next
		}
		return nil
	})
	if err != nil {
		return nil, "", nil, err
	}

	if !p.cacheable(req) {
		return req, "", nil, nil
	}
	key = HashKey(req)
	err = p.stage(ctx, StageCacheLookup, req, func(ctx context.Context) error {
		resp, ok, getErr := p.cache.Get(ctx, key)
		if getErr != nil {
			// A broken cache degrades to a miss.
			p.log.WithFields(log.Fields{
				"request_id": req.ID,
				"key":        key,
				"error":      getErr.Error(),
				"event":      "cache_fault",
			}).Warn("Cache lookup failed")
			return nil
		}
		if ok {
			cached = resp.WithMetadata(models.MetaCache, CacheHit)
		}
		return nil
	})
	return req, key, cached, err
}

func (p *Pipeline) cacheable(req *models.GenerateRequest) bool {
	return p.cache != nil && !req.Parameters.NoCache
}

func (p *Pipeline) route(ctx context.Context, req *models.GenerateRequest) (string, backend.Backend, error) {
	var id string
	var b backend.Backend
	err := p.stage(ctx, StageRoute, req, func(context.Context) error {
		var rErr error
		id, rErr = p.router.Route(req)
		if rErr != nil {
			return rErr
		}
		var ok bool
		if b, ok = p.backends[id]; !ok {
			return gwerr.Configuration("router selected an unknown backend", map[string]any{gwerr.CtxBackend: id})
		}
		return nil
	})
	return id, b, err
}

// finish runs validators and post-processors, stores the result and
// publishes the event.
func (p *Pipeline) finish(ctx context.Context, req *models.GenerateRequest, key, backendID string, resp *models.GenerateResponse, start time.Time) (*models.GenerateResponse, error) {
	err := p.stage(ctx, StageValidate, req, func(ctx context.Context) error {
		for _, v := range p.validators {
			next, vErr := v.Validate(ctx, resp, req)
			if vErr != nil {
				return vErr
			}
			resp = next
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = p.stage(ctx, StagePostProcess, req, func(ctx context.Context) error {
		for _, pp := range p.post {
			next, pErr := pp.Process(ctx, resp, req)
			if pErr != nil {
				return pErr
			}
			resp = next
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := resp.Validate(); err != nil {
		return nil, gwerr.WithContext(err, map[string]any{gwerr.CtxStage: string(StagePostProcess), gwerr.CtxRequestID: req.ID})
	}

	switch {
	case !p.cacheable(req):
		resp = resp.WithMetadata(models.MetaCache, CacheSkip)
	case resp.FinishReason == models.FinishError:
		// Error-shaped responses are served but never stored.
		resp = resp.WithMetadata(models.MetaCache, CacheMiss)
	default:
		resp = resp.WithMetadata(models.MetaCache, CacheMiss)
		_ = p.stage(ctx, StageCacheStore, req, func(ctx context.Context) error {
			if setErr := p.cache.Set(ctx, key, resp, p.ttl); setErr != nil {
				p.log.WithFields(log.Fields{
					"request_id": req.ID,
					"key":        key,
					"error":      setErr.Error(),
					"event":      "cache_fault",
				}).Warn("Cache store failed")
			}
			return nil
		})
	}

	p.publish(ctx, Event{Request: req, Response: resp, Backend: backendID, Elapsed: time.Since(start)})
	return resp, nil
}

func (p *Pipeline) publish(ctx context.Context, ev Event) {
	if len(p.publishers) == 0 {
		return
	}
	_ = p.stage(ctx, StagePublish, ev.Request, func(ctx context.Context) error {
		for _, pub := range p.publishers {
			if err := pub.Publish(ctx, ev); err != nil {
				p.log.WithFields(log.Fields{
					"request_id": ev.Request.ID,
					"error":      err.Error(),
					"event":      "publish_failed",
				}).Warn("Event publisher failed")
			}
		}
		return nil
	})
}

// stage runs fn between the instrumentation hooks. A returned error is
// enriched with the stage, request id and trace id.
func (p *Pipeline) stage(ctx context.Context, s Stage, req *models.GenerateRequest, fn func(context.Context) error) error {
	ctx = p.instr.OnStageStart(ctx, s, req)
	start := time.Now()
	err := fn(ctx)
	if err != nil {
		fields := map[string]any{
			gwerr.CtxStage:     string(s),
			gwerr.CtxRequestID: req.ID,
		}
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			fields[gwerr.CtxTraceID] = sc.TraceID().String()
		}
		err = gwerr.WithContext(err, fields)
		p.instr.OnError(ctx, s, req, err)
	}
	p.instr.OnStageEnd(ctx, s, req, time.Since(start))
	return err
}
