// Package anthropic adapts the Anthropic Messages API to the gateway's
// backend contract.
package anthropic

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pario-ai/llmgate/pkg/backend"
	"github.com/pario-ai/llmgate/pkg/models"
)

const (
	ID           = "anthropic"
	DefaultModel = "claude-3-5-sonnet-latest"
	APIKeyEnv    = "ANTHROPIC_API_KEY"
)

// Backend is the Anthropic adapter.
type Backend struct {
	client       MessagesClient
	defaultModel string
	log          log.FieldLogger
}

type Option func(*Backend)

func WithClient(c MessagesClient) Option { return func(b *Backend) { b.client = c } }

func WithLogger(l log.FieldLogger) Option { return func(b *Backend) { b.log = l } }

// New creates the adapter. Without WithClient it uses an HTTPClient built
// from cfg, with the API key falling back to ANTHROPIC_API_KEY.
func New(cfg backend.Config, opts ...Option) *Backend {
	b := &Backend{defaultModel: cfg.DefaultModel, log: log.StandardLogger()}
	if b.defaultModel == "" {
		b.defaultModel = DefaultModel
	}
	for _, o := range opts {
		o(b)
	}
	if b.client == nil {
		b.client = NewHTTPClient(
			backend.APIKeyOr(cfg.APIKey, APIKeyEnv),
			&http.Client{Timeout: cfg.Timeout},
			cfg.BaseURL,
		)
	}
	return b
}

func (b *Backend) ID() string { return ID }

func (b *Backend) Generate(ctx context.Context, req *models.GenerateRequest, route backend.RouteInfo) (*models.GenerateResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	model := backend.ResolveModel(req, b.defaultModel)

	start := time.Now()
	out, err := b.client.Create(ctx, buildRequest(req, model))
	latency := time.Since(start)
	if err != nil {
		b.log.WithFields(log.Fields{
			"request_id": req.ID,
			"backend":    ID,
			"routed_to":  route.RoutedTo,
			"model":      model,
			"error":      err.Error(),
			"event":      "backend_failed",
		}).Warn("Anthropic call failed")
		return backend.ErrorResponse(ID, model, req, err, latency), nil
	}

	res := backend.Result{
		ProviderReason: out.StopReason,
		Model:          out.Model,
		Usage: models.Usage{
			PromptTokens:     out.Usage.InputTokens,
			CompletionTokens: out.Usage.OutputTokens,
		},
	}
	if res.Model == "" {
		res.Model = model
	}
	for _, block := range out.Content {
		switch block.Type {
		case "text":
			res.Text += block.Text
		case "tool_use":
			res.ToolCalls = append(res.ToolCalls, models.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: models.ToolArguments{Map: block.Input},
			})
		}
	}
	return backend.Respond(ID, req, res, latency)
}

func (b *Backend) GenerateStream(ctx context.Context, req *models.GenerateRequest, route backend.RouteInfo) (backend.Stream, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	model := backend.ResolveModel(req, b.defaultModel)

	start := time.Now()
	events, err := b.client.Stream(ctx, buildRequest(req, model))
	if err != nil {
		b.log.WithFields(log.Fields{
			"request_id": req.ID,
			"backend":    ID,
			"routed_to":  route.RoutedTo,
			"error":      err.Error(),
			"event":      "backend_failed",
		}).Warn("Anthropic stream failed to open")
		return backend.StreamOf(backend.ErrorResponse(ID, model, req, err, time.Since(start))), nil
	}
	return backend.NewStream(ID, model, req, &eventSource{events: events}, start), nil
}

func buildRequest(req *models.GenerateRequest, model string) MessagesRequest {
	system, rest := backend.SplitSystem(backend.Conversation(req))
	out := MessagesRequest{
		Model:         model,
		System:        system,
		MaxTokens:     defaultMaxTokens,
		Temperature:   req.Parameters.Temperature,
		TopP:          req.Parameters.TopP,
		StopSequences: req.Parameters.Stop,
		ToolChoice:    req.Parameters.ToolChoice,
	}
	if req.Parameters.MaxTokens != nil && *req.Parameters.MaxTokens > 0 {
		out.MaxTokens = *req.Parameters.MaxTokens
	}
	for _, m := range rest {
		out.Messages = append(out.Messages, Message{Role: m.Role, Content: m.Content})
	}
	for _, t := range req.Tools {
		schema := t.Parameters
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out.Tools = append(out.Tools, Tool{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	return out
}

// eventSource turns stream events into backend deltas.
type eventSource struct {
	events EventStream
}

func (s *eventSource) Next() (backend.Delta, error) {
	for {
		ev, err := s.events.Next()
		if err != nil {
			return backend.Delta{}, err
		}
		switch ev.Type {
		case "message_start":
			if ev.Message == nil {
				continue
			}
			return backend.Delta{
				Model: ev.Message.Model,
				Usage: &models.Usage{PromptTokens: ev.Message.Usage.InputTokens},
			}, nil
		case "content_block_start":
			if ev.ContentBlock == nil || ev.ContentBlock.Type != "tool_use" {
				continue
			}
			return backend.Delta{ToolCall: &backend.ToolCallDelta{
				Index: ev.Index,
				ID:    ev.ContentBlock.ID,
				Name:  ev.ContentBlock.Name,
			}}, nil
		case "content_block_delta":
			switch ev.Delta.Type {
			case "text_delta":
				return backend.Delta{Text: ev.Delta.Text}, nil
			case "input_json_delta":
				return backend.Delta{ToolCall: &backend.ToolCallDelta{
					Index:     ev.Index,
					Arguments: ev.Delta.PartialJSON,
				}}, nil
			}
		case "message_delta":
			d := backend.Delta{ProviderReason: ev.Delta.StopReason}
			if ev.Usage != nil {
				d.Usage = &models.Usage{CompletionTokens: ev.Usage.OutputTokens}
			}
			return d, nil
		}
	}
}

func (s *eventSource) Close() error { return s.events.Close() }
