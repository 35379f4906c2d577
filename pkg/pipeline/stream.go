package pipeline

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pario-ai/llmgate/pkg/backend"
	"github.com/pario-ai/llmgate/pkg/gwerr"
	"github.com/pario-ai/llmgate/pkg/models"
)

// GenerateStream serves req as a stream of partials ending in one completed
// response. A cache hit is replayed as a single completed response.
// Completed responses run through validators and post-processors, and are
// cached only once the stream has finished.
func (p *Pipeline) GenerateStream(ctx context.Context, req *models.GenerateRequest) (backend.Stream, error) {
	start := time.Now()

	req, key, cached, err := p.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		p.publish(ctx, Event{Request: req, Response: cached, Backend: cached.MetaString(models.MetaBackend), CacheHit: true, Elapsed: time.Since(start)})
		return backend.StreamOf(cached), nil
	}

	id, b, err := p.route(ctx, req)
	if err != nil {
		return nil, err
	}

	var inner backend.Stream
	err = p.stage(ctx, StageBackend, req, func(ctx context.Context) error {
		route := backend.RouteInfo{RoutedTo: id}
		if s, ok := b.(backend.Streamer); ok {
			var openErr error
			inner, openErr = s.GenerateStream(ctx, req, route)
			return openErr
		}
		resp, genErr := b.Generate(ctx, req, route)
		if genErr != nil {
			return genErr
		}
		inner = backend.StreamOf(resp)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &stream{
		ctx:     ctx,
		p:       p,
		req:     req,
		key:     key,
		backend: id,
		start:   start,
		inner:   inner,
	}, nil
}

type stream struct {
	ctx     context.Context
	p       *Pipeline
	req     *models.GenerateRequest
	key     string
	backend string
	start   time.Time
	inner   backend.Stream

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
	if err == io.EOF {
		s.done = true
		return nil, gwerr.Backend("stream ended without a completed response", io.ErrUnexpectedEOF, map[string]any{
			gwerr.CtxBackend:   s.backend,
			gwerr.CtxRequestID: s.req.ID,
		})
	}
	if err != nil {
		s.done = true
		return nil, gwerr.WithContext(err, map[string]any{
			gwerr.CtxStage:     string(StageBackend),
			gwerr.CtxRequestID: s.req.ID,
		})
	}
	if resp.IsPartial() {
		return resp, nil
	}

	s.done = true
	return s.p.finish(s.ctx, s.req, s.key, s.backend, resp, s.start)
}

func (s *stream) Close() error { return s.inner.Close() }
