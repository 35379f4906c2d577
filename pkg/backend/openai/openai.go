// Package openai adapts the OpenAI chat completions API to the gateway's
// backend contract.
package openai

import (
	"context"
	"io"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	log "github.com/sirupsen/logrus"

	"github.com/pario-ai/llmgate/pkg/backend"
	"github.com/pario-ai/llmgate/pkg/gwerr"
	"github.com/pario-ai/llmgate/pkg/models"
)

const (
	ID           = "openai"
	DefaultModel = "gpt-4o-mini"
	APIKeyEnv    = "OPENAI_API_KEY"
)

// ChatClient is the slice of the SDK this adapter calls.
type ChatClient interface {
	Complete(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error)
	Stream(ctx context.Context, params openai.ChatCompletionNewParams) ChunkStream
}

// ChunkStream is satisfied by the SDK's streaming iterator.
type ChunkStream interface {
	Next() bool
	Current() openai.ChatCompletionChunk
	Err() error
	Close() error
}

type sdkClient struct {
	client openai.Client
}

// NewSDKClient builds a ChatClient on the official SDK.
func NewSDKClient(cfg backend.Config) ChatClient {
	opts := []option.RequestOption{option.WithAPIKey(backend.APIKeyOr(cfg.APIKey, APIKeyEnv))}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	return &sdkClient{client: openai.NewClient(opts...)}
}

func (c *sdkClient) Complete(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	return c.client.Chat.Completions.New(ctx, params)
}

func (c *sdkClient) Stream(ctx context.Context, params openai.ChatCompletionNewParams) ChunkStream {
	return c.client.Chat.Completions.NewStreaming(ctx, params)
}

// Backend is the OpenAI adapter.
type Backend struct {
	client       ChatClient
	defaultModel string
	log          log.FieldLogger
}

// Option customizes a Backend.
type Option func(*Backend)

func WithClient(c ChatClient) Option { return func(b *Backend) { b.client = c } }

func WithLogger(l log.FieldLogger) Option { return func(b *Backend) { b.log = l } }

// New creates the adapter. Without WithClient it talks to the SDK.
func New(cfg backend.Config, opts ...Option) *Backend {
	b := &Backend{defaultModel: cfg.DefaultModel, log: log.StandardLogger()}
	if b.defaultModel == "" {
		b.defaultModel = DefaultModel
	}
	for _, o := range opts {
		o(b)
	}
	if b.client == nil {
		b.client = NewSDKClient(cfg)
	}
	return b
}

func (b *Backend) ID() string { return ID }

func (b *Backend) Generate(ctx context.Context, req *models.GenerateRequest, route backend.RouteInfo) (*models.GenerateResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	model := backend.ResolveModel(req, b.defaultModel)
	params := buildParams(req, model)

	start := time.Now()
	completion, err := b.client.Complete(ctx, params)
	latency := time.Since(start)
	if err != nil {
		b.logFailure(req, model, route, err)
		return backend.ErrorResponse(ID, model, req, err, latency), nil
	}
	if len(completion.Choices) == 0 {
		err := gwerr.Backend("completion has no choices", nil, map[string]any{gwerr.CtxBackend: ID})
		b.logFailure(req, model, route, err)
		return backend.ErrorResponse(ID, model, req, err, latency), nil
	}

	choice := completion.Choices[0]
	res := backend.Result{
		Text:           choice.Message.Content,
		ProviderReason: choice.FinishReason,
		Model:          completion.Model,
		Usage: models.Usage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:      int(completion.Usage.TotalTokens),
		},
	}
	if res.Model == "" {
		res.Model = model
	}
	for _, tc := range choice.Message.ToolCalls {
		res.ToolCalls = append(res.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: models.ToolArguments{Raw: tc.Function.Arguments},
		})
	}
	return backend.Respond(ID, req, res, latency)
}

func (b *Backend) GenerateStream(ctx context.Context, req *models.GenerateRequest, route backend.RouteInfo) (backend.Stream, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	model := backend.ResolveModel(req, b.defaultModel)
	params := buildParams(req, model)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}

	start := time.Now()
	return backend.NewStream(ID, model, req, &chunkSource{stream: b.client.Stream(ctx, params)}, start), nil
}

func (b *Backend) logFailure(req *models.GenerateRequest, model string, route backend.RouteInfo, err error) {
	b.log.WithFields(log.Fields{
		"request_id": req.ID,
		"backend":    ID,
		"routed_to":  route.RoutedTo,
		"model":      model,
		"error":      err.Error(),
		"event":      "backend_failed",
	}).Warn("OpenAI call failed")
}

func buildParams(req *models.GenerateRequest, model string) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{Model: model}

	for _, m := range backend.Conversation(req) {
		switch m.Role {
		case backend.RoleSystem:
			params.Messages = append(params.Messages, openai.SystemMessage(m.Content))
		case backend.RoleUser:
			params.Messages = append(params.Messages, openai.UserMessage(m.Content))
		default:
			params.Messages = append(params.Messages, openai.AssistantMessage(m.Content))
		}
	}

	p := req.Parameters
	if p.Temperature != nil {
		params.Temperature = openai.Float(*p.Temperature)
	}
	if p.TopP != nil {
		params.TopP = openai.Float(*p.TopP)
	}
	if p.MaxTokens != nil {
		params.MaxTokens = openai.Int(int64(*p.MaxTokens))
	}
	if len(p.Stop) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{OfStringArray: p.Stop}
	}

	for _, t := range req.Tools {
		fn := openai.FunctionDefinitionParam{
			Name:       t.Name,
			Parameters: openai.FunctionParameters(t.Parameters),
		}
		if t.Description != "" {
			fn.Description = openai.String(t.Description)
		}
		params.Tools = append(params.Tools, openai.ChatCompletionFunctionTool(fn))
	}
	return params
}

// chunkSource turns SDK chunks into backend deltas.
type chunkSource struct {
	stream  ChunkStream
	pending []backend.Delta
}

func (s *chunkSource) Next() (backend.Delta, error) {
	for len(s.pending) == 0 {
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				return backend.Delta{}, err
			}
			return backend.Delta{}, io.EOF
		}
		s.pending = chunkDeltas(s.stream.Current())
	}
	d := s.pending[0]
	s.pending = s.pending[1:]
	return d, nil
}

func (s *chunkSource) Close() error { return s.stream.Close() }

func chunkDeltas(chunk openai.ChatCompletionChunk) []backend.Delta {
	var out []backend.Delta
	head := backend.Delta{Model: chunk.Model}
	if chunk.Usage.TotalTokens > 0 || chunk.Usage.PromptTokens > 0 {
		head.Usage = &models.Usage{
			PromptTokens:     int(chunk.Usage.PromptTokens),
			CompletionTokens: int(chunk.Usage.CompletionTokens),
			TotalTokens:      int(chunk.Usage.TotalTokens),
		}
	}
	if len(chunk.Choices) > 0 {
		c := chunk.Choices[0]
		head.Text = c.Delta.Content
		head.ProviderReason = c.FinishReason
		for _, tc := range c.Delta.ToolCalls {
			out = append(out, backend.Delta{ToolCall: &backend.ToolCallDelta{
				Index:     int(tc.Index),
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			}})
		}
	}
	return append([]backend.Delta{head}, out...)
}
