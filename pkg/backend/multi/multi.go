// Package multi implements the multi-provider registry adapter. A model id
// such as "anthropic:claude-3-haiku" selects both the provider and the
// model; calls are serialized through a rate-limited FIFO queue and tool
// definitions are sanitized before dispatch.
package multi

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pario-ai/llmgate/pkg/backend"
	"github.com/pario-ai/llmgate/pkg/gwerr"
	"github.com/pario-ai/llmgate/pkg/models"
)

const (
	ID               = "multi"
	DefaultSeparator = ":"

	// emptyCompletion is the synthetic error message for a completion with
	// neither text nor tool calls.
	emptyCompletion = "model returned no text and no tool calls"
)

// Factory builds a provider backend from its config block.
type Factory func(cfg backend.Config, logger log.FieldLogger) (backend.Backend, error)

// Config configures the registry.
type Config struct {
	// Separator splits "provider<sep>model"; defaults to ":".
	Separator string
	// DefaultProvider handles model ids without a separator. When empty it
	// is taken from DefaultModel's provider prefix.
	DefaultProvider string
	// DefaultModel is used when the request names no model.
	DefaultModel string
	// RateLimit is the minimum gap between consecutive provider calls.
	RateLimit time.Duration
	Providers map[string]backend.Config
}

// Backend is the multi-provider registry adapter.
type Backend struct {
	sep             string
	defaultProvider string
	defaultModel    string
	registry        map[string]backend.Backend
	queue           *Queue
	log             log.FieldLogger
}

type Option func(*options)

type options struct {
	logger    log.FieldLogger
	providers map[string]backend.Backend
}

func WithLogger(l log.FieldLogger) Option { return func(o *options) { o.logger = l } }

// WithProvider registers an already-built provider backend under name.
func WithProvider(name string, b backend.Backend) Option {
	return func(o *options) {
		if o.providers == nil {
			o.providers = make(map[string]backend.Backend)
		}
		o.providers[name] = b
	}
}

// New builds the registry from cfg.Providers using factories, plus any
// providers passed with WithProvider. It fails with a configuration error
// when a provider has no factory, the registry is empty, or the default
// provider is not registered.
func New(cfg Config, factories map[string]Factory, opts ...Option) (*Backend, error) {
	o := options{logger: log.StandardLogger()}
	for _, opt := range opts {
		opt(&o)
	}

	b := &Backend{
		sep:             cfg.Separator,
		defaultProvider: cfg.DefaultProvider,
		defaultModel:    cfg.DefaultModel,
		registry:        make(map[string]backend.Backend),
		log:             o.logger,
	}
	if b.sep == "" {
		b.sep = DefaultSeparator
	}

	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		factory, ok := factories[name]
		if !ok {
			return nil, gwerr.Configuration("no factory for provider", map[string]any{gwerr.CtxBackend: name})
		}
		p, err := factory(cfg.Providers[name], o.logger)
		if err != nil {
			return nil, gwerr.WithContext(err, map[string]any{gwerr.CtxBackend: name})
		}
		b.registry[name] = p
	}
	for name, p := range o.providers {
		b.registry[name] = p
	}
	if len(b.registry) == 0 {
		return nil, gwerr.Configuration("multi backend has no providers", nil)
	}

	if b.defaultProvider == "" {
		if p, _, ok := strings.Cut(b.defaultModel, b.sep); ok {
			b.defaultProvider = p
		} else if len(b.registry) == 1 {
			for name := range b.registry {
				b.defaultProvider = name
			}
		}
	}
	if _, ok := b.registry[b.defaultProvider]; !ok {
		return nil, gwerr.Configuration("default provider is not registered", map[string]any{
			"defaultProvider": b.defaultProvider,
			"providers":       b.Providers(),
		})
	}

	b.queue = NewQueue(cfg.RateLimit, o.logger)
	return b, nil
}

func (b *Backend) ID() string { return ID }

// Providers returns the registered provider names, sorted.
func (b *Backend) Providers() []string {
	out := make([]string, 0, len(b.registry))
	for name := range b.registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Close stops the dispatch queue.
func (b *Backend) Close() error {
	b.queue.Close()
	return nil
}

// Resolve splits a model id into provider and model. Ids without the
// separator belong to the default provider.
func (b *Backend) Resolve(modelID string) (provider, model string) {
	if p, m, ok := strings.Cut(modelID, b.sep); ok {
		return p, m
	}
	return b.defaultProvider, modelID
}

// dispatch is the per-call state shared by Generate and GenerateStream.
type dispatch struct {
	provider string
	model    string
	backend  backend.Backend
	req      *models.GenerateRequest
	names    map[string]string
	repairs  []RepairEvent
}

func (b *Backend) prepare(req *models.GenerateRequest) (*dispatch, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	provider, model := b.Resolve(backend.ResolveModel(req, b.defaultModel))
	p, ok := b.registry[provider]
	if !ok {
		return nil, gwerr.Validation("unknown provider", map[string]any{
			gwerr.CtxRequestID: req.ID,
			gwerr.CtxBackend:   provider,
			"providers":        b.Providers(),
		})
	}

	tools, names, repairs := SanitizeTools(req.Tools, b.log.WithField("request_id", req.ID))
	sub := req.Clone()
	sub.Parameters.Model = model
	sub.Tools = tools

	return &dispatch{
		provider: provider,
		model:    model,
		backend:  p,
		req:      sub,
		names:    names,
		repairs:  repairs,
	}, nil
}

func (b *Backend) Generate(ctx context.Context, req *models.GenerateRequest, route backend.RouteInfo) (*models.GenerateResponse, error) {
	d, err := b.prepare(req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var resp *models.GenerateResponse
	err = b.queue.Do(ctx, func(ctx context.Context) error {
		var callErr error
		resp, callErr = d.backend.Generate(ctx, d.req, route)
		return callErr
	})
	if err != nil {
		if gwerr.IsValidation(err) {
			return nil, err
		}
		b.log.WithFields(log.Fields{
			"request_id": req.ID,
			"provider":   d.provider,
			"model":      d.model,
			"error":      err.Error(),
			"event":      "backend_failed",
		}).Warn("Provider call failed")
		resp = backend.ErrorResponse(ID, d.model, req, err, time.Since(start))
	}
	return b.finalize(d, resp)
}

func (b *Backend) GenerateStream(ctx context.Context, req *models.GenerateRequest, route backend.RouteInfo) (backend.Stream, error) {
	d, err := b.prepare(req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var inner backend.Stream
	err = b.queue.Do(ctx, func(ctx context.Context) error {
		if s, ok := d.backend.(backend.Streamer); ok {
			var openErr error
			inner, openErr = s.GenerateStream(ctx, d.req, route)
			return openErr
		}
		resp, genErr := d.backend.Generate(ctx, d.req, route)
		if genErr != nil {
			return genErr
		}
		inner = backend.StreamOf(resp)
		return nil
	})
	if err != nil {
		if inner != nil {
			_ = inner.Close()
		}
		if gwerr.IsValidation(err) {
			return nil, err
		}
		inner = backend.StreamOf(backend.ErrorResponse(ID, d.model, req, err, time.Since(start)))
	}
	return &stream{b: b, d: d, inner: inner}, nil
}

// finalize applies the strict finish-reason mapping, restores original tool
// names and records provider metadata.
func (b *Backend) finalize(d *dispatch, resp *models.GenerateResponse) (*models.GenerateResponse, error) {
	meta := models.CloneMap(resp.Metadata)
	if meta == nil {
		meta = make(map[string]any)
	}
	meta[models.MetaBackend] = ID
	meta[models.MetaProvider] = d.provider
	meta[models.MetaModel] = d.model
	if len(d.repairs) > 0 {
		list := make([]any, len(d.repairs))
		for i, r := range d.repairs {
			list[i] = r.toMap()
		}
		meta[models.MetaToolRepairs] = list
	}

	calls := make([]models.ToolCall, len(resp.ToolCalls))
	for i, c := range resp.ToolCalls {
		if orig, ok := d.names[c.Name]; ok {
			c.Name = orig
		}
		calls[i] = c
	}

	reason := resp.FinishReason
	if reason != models.FinishError {
		raw, _ := meta[models.MetaProviderFinishReason].(string)
		var known bool
		reason, known = mapFinishReason(raw, len(calls) > 0)
		if !known {
			meta[models.MetaError] = fmt.Sprintf("unmapped provider finish reason %q", raw)
		}
	}
	if resp.OutputText == "" && len(calls) == 0 && reason != models.FinishError {
		reason = models.FinishError
		meta[models.MetaError] = emptyCompletion
	}
	if reason == models.FinishError && meta[models.MetaError] == nil {
		meta[models.MetaError] = emptyCompletion
	}

	return models.NewResponse(models.ResponseInput{
		ID:              resp.ID,
		RequestID:       resp.RequestID,
		OutputText:      resp.OutputText,
		FinishReason:    reason,
		Usage:           resp.Usage,
		LatencyMs:       resp.LatencyMs,
		Metadata:        meta,
		ValidatorEvents: resp.ValidatorEvents,
		ToolCalls:       calls,
	})
}

// mapFinishReason is the strict mapping: unrecognized reasons become error
// and known is false.
func mapFinishReason(raw string, hasToolCalls bool) (reason models.FinishReason, known bool) {
	switch strings.ToLower(raw) {
	case "stop", "end_turn", "stop_sequence", "eos", "complete":
		if hasToolCalls {
			return models.FinishToolCalls, true
		}
		return models.FinishStop, true
	case "length", "max_tokens", "max_output_tokens":
		return models.FinishLength, true
	case "content_filter", "content-filter", "refusal", "safety", "recitation":
		return models.FinishContentFilter, true
	case "tool_calls", "tool-calls", "tool_use", "function_call":
		if hasToolCalls {
			return models.FinishToolCalls, true
		}
		return models.FinishStop, true
	case "error":
		return models.FinishError, true
	default:
		return models.FinishError, false
	}
}

// stream decorates a provider stream with registry metadata and applies
// finalize to its completed response.
type stream struct {
	b     *Backend
	d     *dispatch
	inner backend.Stream

	mu   sync.Mutex
	done bool
}

func (s *stream) Recv() (*models.GenerateResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil, io.EOF
	}
	resp, err := s.inner.Recv()
	if err != nil {
		return nil, err
	}
	if resp.IsPartial() {
		p := models.NewPartial(resp.RequestID, resp.OutputText, resp.Metadata)
		if p.Metadata == nil {
			p.Metadata = make(map[string]any)
		}
		p.Metadata[models.MetaBackend] = ID
		p.Metadata[models.MetaProvider] = s.d.provider
		p.Metadata[models.MetaModel] = s.d.model
		return p, nil
	}
	s.done = true
	return s.b.finalize(s.d, resp)
}

func (s *stream) Close() error { return s.inner.Close() }
