// Package ollama adapts a local or hosted Ollama server's chat API to the
// gateway's backend contract.
package ollama

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pario-ai/llmgate/pkg/backend"
	"github.com/pario-ai/llmgate/pkg/models"
)

const (
	ID           = "ollama"
	DefaultModel = "llama3.1"
	APIKeyEnv    = "OLLAMA_API_KEY"
)

// Backend is the Ollama adapter.
type Backend struct {
	client       ChatClient
	defaultModel string
	log          log.FieldLogger
}

type Option func(*Backend)

func WithClient(c ChatClient) Option { return func(b *Backend) { b.client = c } }

func WithLogger(l log.FieldLogger) Option { return func(b *Backend) { b.log = l } }

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
	out, err := b.client.Chat(ctx, buildRequest(req, model))
	latency := time.Since(start)
	if err != nil {
		b.log.WithFields(log.Fields{
			"request_id": req.ID,
			"backend":    ID,
			"routed_to":  route.RoutedTo,
			"model":      model,
			"error":      err.Error(),
			"event":      "backend_failed",
		}).Warn("Ollama call failed")
		return backend.ErrorResponse(ID, model, req, err, latency), nil
	}

	res := backend.Result{
		Text:           out.Message.Content,
		ProviderReason: out.DoneReason,
		Model:          out.Model,
		Usage: models.Usage{
			PromptTokens:     out.PromptEvalCount,
			CompletionTokens: out.EvalCount,
		},
	}
	if res.Model == "" {
		res.Model = model
	}
	res.ToolCalls = toolCalls(out.Message.ToolCalls)
	return backend.Respond(ID, req, res, latency)
}

func (b *Backend) GenerateStream(ctx context.Context, req *models.GenerateRequest, route backend.RouteInfo) (backend.Stream, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	model := backend.ResolveModel(req, b.defaultModel)

	start := time.Now()
	chunks, err := b.client.ChatStream(ctx, buildRequest(req, model))
	if err != nil {
		b.log.WithFields(log.Fields{
			"request_id": req.ID,
			"backend":    ID,
			"routed_to":  route.RoutedTo,
			"error":      err.Error(),
			"event":      "backend_failed",
		}).Warn("Ollama stream failed to open")
		return backend.StreamOf(backend.ErrorResponse(ID, model, req, err, time.Since(start))), nil
	}
	return backend.NewStream(ID, model, req, &chunkSource{chunks: chunks}, start), nil
}

func buildRequest(req *models.GenerateRequest, model string) ChatRequest {
	out := ChatRequest{Model: model}
	for _, m := range backend.Conversation(req) {
		out.Messages = append(out.Messages, Message{Role: m.Role, Content: m.Content})
	}

	opts := make(map[string]any)
	p := req.Parameters
	if p.Temperature != nil {
		opts["temperature"] = *p.Temperature
	}
	if p.TopP != nil {
		opts["top_p"] = *p.TopP
	}
	if p.MaxTokens != nil {
		opts["num_predict"] = *p.MaxTokens
	}
	if len(p.Stop) > 0 {
		opts["stop"] = p.Stop
	}
	for k, v := range p.ProviderOptions {
		opts[k] = v
	}
	if len(opts) > 0 {
		out.Options = opts
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, Tool{
			Type:     "function",
			Function: ToolFunction{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}
	return out
}

func toolCalls(calls []ToolCall) []models.ToolCall {
	var out []models.ToolCall
	for _, c := range calls {
		args := c.Function.Arguments
		if args == nil {
			args = map[string]any{}
		}
		out = append(out, models.ToolCall{Name: c.Function.Name, Arguments: models.ToolArguments{Map: args}})
	}
	return out
}

// chunkSource turns streamed chat responses into backend deltas.
type chunkSource struct {
	chunks  ChunkStream
	index   int
	pending []backend.Delta
}

func (s *chunkSource) Next() (backend.Delta, error) {
	if len(s.pending) > 0 {
		d := s.pending[0]
		s.pending = s.pending[1:]
		return d, nil
	}
	c, err := s.chunks.Next()
	if err != nil {
		return backend.Delta{}, err
	}
	d := backend.Delta{Text: c.Message.Content, Model: c.Model}
	if c.Done {
		d.ProviderReason = c.DoneReason
		d.Usage = &models.Usage{PromptTokens: c.PromptEvalCount, CompletionTokens: c.EvalCount}
	}
	// Ollama sends whole tool calls in one chunk rather than fragments.
	for _, tc := range toolCalls(c.Message.ToolCalls) {
		s.pending = append(s.pending, backend.Delta{ToolCall: &backend.ToolCallDelta{
			Index: s.index,
			Name:  tc.Name,
			Map:   tc.Arguments.Map,
		}})
		s.index++
	}
	return d, nil
}

func (s *chunkSource) Close() error { return s.chunks.Close() }
