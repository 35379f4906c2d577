// Package pipeline defines the stage contracts that sit around a backend
// call (canonicalization, routing, validation, post-processing, event
// publishing and instrumentation) and a reference Pipeline composing them
// with a response cache.
package pipeline

import (
	"context"
	"time"

	"github.com/pario-ai/llmgate/pkg/models"
)

// Stage names a pipeline step for instrumentation and error context.
type Stage string

const (
	StageCanonicalize Stage = "canonicalize"
	StageCacheLookup  Stage = "cache_lookup"
	StageRoute        Stage = "route"
	StageBackend      Stage = "backend"
	StageValidate     Stage = "validate"
	StagePostProcess  Stage = "post_process"
	StageCacheStore   Stage = "cache_store"
	StagePublish      Stage = "publish"
)

// Canonicalizer normalizes a request before its cache key is computed.
// Implementations must be idempotent and must not modify req in place.
type Canonicalizer interface {
	Canonicalize(ctx context.Context, req *models.GenerateRequest) (*models.GenerateRequest, error)
}

// Router selects the backend id for a request. It must not call a backend
// or a cache.
type Router interface {
	Route(req *models.GenerateRequest) (string, error)
}

// Validator may reject or rewrite a response. Rewrites should be recorded
// with GenerateResponse.WithValidatorEvent rather than dropping information.
type Validator interface {
	Validate(ctx context.Context, resp *models.GenerateResponse, req *models.GenerateRequest) (*models.GenerateResponse, error)
}

// PostProcessor applies transforms after validation and before caching.
type PostProcessor interface {
	Process(ctx context.Context, resp *models.GenerateResponse, req *models.GenerateRequest) (*models.GenerateResponse, error)
}

// Event describes one served response.
type Event struct {
	Request  *models.GenerateRequest
	Response *models.GenerateResponse
	Backend  string
	CacheHit bool
	Elapsed  time.Duration
}

// EventPublisher receives an Event for every served response. Publish
// errors are logged and never fail the request.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Instrumentation observes every stage. OnStageStart may return a derived
// context that is passed to the stage and to the matching OnError and
// OnStageEnd calls. Errors passed to OnError already carry stage context.
type Instrumentation interface {
	OnStageStart(ctx context.Context, stage Stage, req *models.GenerateRequest) context.Context
	OnStageEnd(ctx context.Context, stage Stage, req *models.GenerateRequest, elapsed time.Duration)
	OnError(ctx context.Context, stage Stage, req *models.GenerateRequest, err error)
}

// Nop is an Instrumentation that does nothing.
type Nop struct{}

func (Nop) OnStageStart(ctx context.Context, _ Stage, _ *models.GenerateRequest) context.Context {
	return ctx
}
func (Nop) OnStageEnd(context.Context, Stage, *models.GenerateRequest, time.Duration) {}
func (Nop) OnError(context.Context, Stage, *models.GenerateRequest, error)            {}

// Func adapters.

type CanonicalizerFunc func(ctx context.Context, req *models.GenerateRequest) (*models.GenerateRequest, error)

func (f CanonicalizerFunc) Canonicalize(ctx context.Context, req *models.GenerateRequest) (*models.GenerateRequest, error) {
	return f(ctx, req)
}

type RouterFunc func(req *models.GenerateRequest) (string, error)

func (f RouterFunc) Route(req *models.GenerateRequest) (string, error) { return f(req) }

type ValidatorFunc func(ctx context.Context, resp *models.GenerateResponse, req *models.GenerateRequest) (*models.GenerateResponse, error)

func (f ValidatorFunc) Validate(ctx context.Context, resp *models.GenerateResponse, req *models.GenerateRequest) (*models.GenerateResponse, error) {
	return f(ctx, resp, req)
}

type PostProcessorFunc func(ctx context.Context, resp *models.GenerateResponse, req *models.GenerateRequest) (*models.GenerateResponse, error)

func (f PostProcessorFunc) Process(ctx context.Context, resp *models.GenerateResponse, req *models.GenerateRequest) (*models.GenerateResponse, error) {
	return f(ctx, resp, req)
}

// StaticRouter routes every request to one backend.
func StaticRouter(id string) Router {
	return RouterFunc(func(*models.GenerateRequest) (string, error) { return id, nil })
}
