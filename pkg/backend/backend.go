// Package backend defines the adapter contract every model provider
// implements, plus the projection and mapping helpers the adapters share.
package backend

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pario-ai/llmgate/pkg/models"
)

// RouteInfo tells an adapter which backend id the router selected.
type RouteInfo struct {
	RoutedTo string
}

// Backend generates canonical responses from one provider.
//
// Provider failures are returned as a response with FinishReason error and
// the message in metadata.error. A non-nil error is reserved for invalid
// input and unrecoverable configuration problems.
type Backend interface {
	ID() string
	Generate(ctx context.Context, req *models.GenerateRequest, route RouteInfo) (*models.GenerateResponse, error)
}

// Streamer is implemented by backends that can stream.
type Streamer interface {
	GenerateStream(ctx context.Context, req *models.GenerateRequest, route RouteInfo) (Stream, error)
}

// Stream yields growing partial responses and finishes with one completed
// response, after which Recv returns io.EOF. Partials satisfy IsPartial.
type Stream interface {
	Recv() (*models.GenerateResponse, error)
	Close() error
}

// Config is the construction configuration shared by the single-provider
// adapters.
type Config struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
}

// APIKeyOr returns key, or the value of env when key is empty.
func APIKeyOr(key, env string) string {
	if key != "" {
		return key
	}
	return os.Getenv(env)
}

// ResolveModel returns the request's model override, else def.
func ResolveModel(req *models.GenerateRequest, def string) string {
	if m := strings.TrimSpace(req.Parameters.Model); m != "" {
		return m
	}
	return def
}

// Roles understood by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// CoerceRole maps a history role onto system, user or assistant. Anything
// else becomes assistant.
func CoerceRole(role string) string {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case RoleSystem:
		return RoleSystem
	case RoleUser:
		return RoleUser
	default:
		return RoleAssistant
	}
}

// Conversation projects the system prompt, history and current prompt into
// one ordered message list with coerced roles. Empty messages are skipped.
func Conversation(req *models.GenerateRequest) []models.Message {
	msgs := make([]models.Message, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, models.Message{Role: RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.History {
		if m.Content == "" {
			continue
		}
		msgs = append(msgs, models.Message{Role: CoerceRole(m.Role), Content: m.Content, Name: m.Name})
	}
	if req.Prompt != "" {
		msgs = append(msgs, models.Message{Role: RoleUser, Content: req.Prompt})
	}
	return msgs
}

// SplitSystem separates system messages from the rest, joining the system
// contents with blank lines. Providers with a top-level system field use it.
func SplitSystem(msgs []models.Message) (string, []models.Message) {
	var system []string
	rest := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}

// MapFinishReason is the permissive mapping used by single-provider
// adapters: length and content-filter reasons are recognized, everything
// else, tool-call completion and unknown reasons included, becomes stop.
// The multi-provider adapter applies its own strict mapping instead.
func MapFinishReason(raw string) models.FinishReason {
	switch strings.ToLower(raw) {
	case "length", "max_tokens", "max_output_tokens":
		return models.FinishLength
	case "content_filter", "content-filter", "refusal", "safety":
		return models.FinishContentFilter
	default:
		return models.FinishStop
	}
}

// Result is what an adapter learned from one provider call.
type Result struct {
	Text           string
	ToolCalls      []models.ToolCall
	ProviderReason string
	Usage          models.Usage
	Model          string
}

// Respond builds the canonical response for a successful call. When the
// provider returned neither text nor tool calls the response is forced to
// an error so it still satisfies the response invariant.
func Respond(backendID string, req *models.GenerateRequest, res Result, latency time.Duration) (*models.GenerateResponse, error) {
	meta := map[string]any{
		models.MetaBackend:              backendID,
		models.MetaModel:                res.Model,
		models.MetaProviderFinishReason: res.ProviderReason,
	}
	reason := MapFinishReason(res.ProviderReason)
	if res.Text == "" && len(res.ToolCalls) == 0 {
		reason = models.FinishError
		meta[models.MetaError] = "provider returned an empty completion"
	}
	return models.NewResponse(models.ResponseInput{
		RequestID:    req.ID,
		OutputText:   res.Text,
		FinishReason: reason,
		Usage:        res.Usage,
		LatencyMs:    latency.Milliseconds(),
		Metadata:     meta,
		ToolCalls:    res.ToolCalls,
	})
}

// ErrorResponse converts a provider failure into an error-shaped response.
func ErrorResponse(backendID, model string, req *models.GenerateRequest, err error, latency time.Duration) *models.GenerateResponse {
	resp, buildErr := models.NewResponse(models.ResponseInput{
		RequestID:    req.ID,
		FinishReason: models.FinishError,
		LatencyMs:    latency.Milliseconds(),
		Metadata: map[string]any{
			models.MetaBackend: backendID,
			models.MetaModel:   model,
			models.MetaError:   err.Error(),
		},
	})
	if buildErr != nil {
		// Only reachable with a negative latency.
		resp, _ = models.NewResponse(models.ResponseInput{
			RequestID:    req.ID,
			FinishReason: models.FinishError,
			Metadata:     map[string]any{models.MetaError: err.Error()},
		})
	}
	return resp
}

// Collect drains s and returns its final response.
func Collect(s Stream) (*models.GenerateResponse, error) {
	defer s.Close()
	var last *models.GenerateResponse
	for {
		resp, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		last = resp
	}
	if last == nil || last.IsPartial() {
		return nil, io.ErrUnexpectedEOF
	}
	return last, nil
}
