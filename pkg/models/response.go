package models

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/pario-ai/llmgate/pkg/gwerr"
)

// FinishReason is the canonical classification of why generation stopped.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
	FinishError         FinishReason = "error"
	FinishToolCalls     FinishReason = "tool_calls"
)

// Well-known response metadata keys.
const (
	MetaBackend     = "backend"
	MetaProvider    = "provider"
	MetaModel       = "model"
	MetaError       = "error"
	MetaCache       = "cache"
	MetaToolRepairs = "tool_repairs"

	// MetaProviderFinishReason holds the provider's own finish reason before
	// canonical mapping.
	MetaProviderFinishReason = "provider_finish_reason"
)

// ToolArguments holds tool-call arguments as either a structured map or the
// raw string the provider returned. Whichever form was supplied is preserved.
type ToolArguments struct {
	Map map[string]any
	Raw string
}

func (a ToolArguments) MarshalJSON() ([]byte, error) {
	if a.Map != nil {
		return json.Marshal(a.Map)
	}
	return json.Marshal(a.Raw)
}

func (a *ToolArguments) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		return json.Unmarshal(data, &a.Map)
	}
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	return json.Unmarshal(data, &a.Raw)
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string        `json:"id,omitempty"`
	Name      string        `json:"name" validate:"required"`
	Arguments ToolArguments `json:"arguments"`
}

// Usage reports token accounting for one backend invocation.
type Usage struct {
	PromptTokens     int            `json:"prompt_tokens" validate:"gte=0"`
	CompletionTokens int            `json:"completion_tokens" validate:"gte=0"`
	TotalTokens      int            `json:"total_tokens" validate:"gte=0"`
	Extra            map[string]any `json:"extra,omitempty"`
}

// Normalize derives TotalTokens when it is unset.
func (u Usage) Normalize() Usage {
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}

// ValidatorEvent is one entry of a response's audit trail.
type ValidatorEvent struct {
	Validator string    `json:"validator"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// GenerateResponse is the canonical generation result. It is created once
// per backend invocation by NewResponse and never mutated; the With* helpers
// return modified copies.
type GenerateResponse struct {
	ID              string           `json:"id" validate:"required"`
	RequestID       string           `json:"request_id"`
	OutputText      string           `json:"output_text"`
	FinishReason    FinishReason     `json:"finish_reason" validate:"required,oneof=stop length content_filter error tool_calls"`
	Usage           Usage            `json:"usage"`
	LatencyMs       int64            `json:"latency_ms" validate:"gte=0"`
	Metadata        map[string]any   `json:"metadata,omitempty"`
	ValidatorEvents []ValidatorEvent `json:"validator_events,omitempty"`
	ToolCalls       []ToolCall       `json:"tool_calls,omitempty" validate:"dive"`
}

// ResponseInput carries the fields for NewResponse. ID is generated when empty.
type ResponseInput struct {
	ID              string
	RequestID       string
	OutputText      string
	FinishReason    FinishReason
	Usage           Usage
	LatencyMs       int64
	Metadata        map[string]any
	ValidatorEvents []ValidatorEvent
	ToolCalls       []ToolCall
}

// NewResponse builds and validates a GenerateResponse. Empty output text is
// only accepted when the finish reason is error or tool calls are present.
func NewResponse(in ResponseInput) (*GenerateResponse, error) {
	resp := &GenerateResponse{
		ID:              in.ID,
		RequestID:       in.RequestID,
		OutputText:      in.OutputText,
		FinishReason:    in.FinishReason,
		Usage:           cloneUsage(in.Usage).Normalize(),
		LatencyMs:       in.LatencyMs,
		Metadata:        cloneMap(in.Metadata),
		ValidatorEvents: append([]ValidatorEvent(nil), in.ValidatorEvents...),
		ToolCalls:       cloneToolCalls(in.ToolCalls),
	}
	if resp.ID == "" {
		resp.ID = "resp_" + uuid.NewString()
	}
	if err := resp.Validate(); err != nil {
		return nil, err
	}
	return resp, nil
}

// Validate checks the response invariants.
func (r *GenerateResponse) Validate() error {
	if err := structErr(validate.Struct(r), "GenerateResponse"); err != nil {
		return err
	}
	if r.OutputText == "" && r.FinishReason != FinishError && len(r.ToolCalls) == 0 {
		return gwerr.Validation("response output text is empty", map[string]any{
			gwerr.CtxRequestID: r.RequestID,
			"finishReason":     string(r.FinishReason),
		})
	}
	return nil
}

// Clone returns a deep copy of r.
func (r *GenerateResponse) Clone() *GenerateResponse {
	if r == nil {
		return nil
	}
	out := *r
	out.Usage = cloneUsage(r.Usage)
	out.Metadata = cloneMap(r.Metadata)
	out.ValidatorEvents = append([]ValidatorEvent(nil), r.ValidatorEvents...)
	out.ToolCalls = cloneToolCalls(r.ToolCalls)
	return &out
}

// WithValidatorEvent returns a copy of r with ev appended to the audit trail.
func (r *GenerateResponse) WithValidatorEvent(ev ValidatorEvent) *GenerateResponse {
	out := r.Clone()
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	out.ValidatorEvents = append(out.ValidatorEvents, ev)
	return out
}

// WithMetadata returns a copy of r with key set in its metadata.
func (r *GenerateResponse) WithMetadata(key string, value any) *GenerateResponse {
	out := r.Clone()
	if out.Metadata == nil {
		out.Metadata = make(map[string]any)
	}
	out.Metadata[key] = value
	return out
}

// NewPartial builds an in-flight streaming response. Partials carry the
// text accumulated so far and no finish reason; they are not validated.
func NewPartial(requestID, text string, metadata map[string]any) *GenerateResponse {
	return &GenerateResponse{
		ID:         "resp_" + uuid.NewString(),
		RequestID:  requestID,
		OutputText: text,
		Metadata:   cloneMap(metadata),
	}
}

// IsPartial reports whether r is an in-flight streaming chunk rather than a
// completed response.
func (r *GenerateResponse) IsPartial() bool {
	return r.FinishReason == ""
}

// MetaString returns a string metadata value, or "".
func (r *GenerateResponse) MetaString(key string) string {
	s, _ := r.Metadata[key].(string)
	return s
}

func cloneUsage(u Usage) Usage {
	u.Extra = cloneMap(u.Extra)
	return u
}

func cloneToolCalls(calls []ToolCall) []ToolCall {
	if calls == nil {
		return nil
	}
	out := make([]ToolCall, len(calls))
	for i, c := range calls {
		out[i] = ToolCall{
			ID:   c.ID,
			Name: c.Name,
			Arguments: ToolArguments{
				Map: cloneMap(c.Arguments.Map),
				Raw: c.Arguments.Raw,
			},
		}
	}
	return out
}
