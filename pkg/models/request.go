package models

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pario-ai/llmgate/pkg/gwerr"
)

// Message is a single history record. Role values are passed through
// untouched; backends decide how to project unknown roles.
type Message struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	Name       string `json:"name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolSpec describes a tool the model may call. Parameters is a JSON schema
// object passed opaquely to backends.
type ToolSpec struct {
	Name        string         `json:"name" validate:"required"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// GenerateRequest is the canonical, provider-agnostic generation request.
//
// Values are produced by NewRequest and treated as read-only afterwards;
// stages that need a modified request work on a Clone.
type GenerateRequest struct {
	ID           string         `json:"id" validate:"required"`
	CreatedAt    time.Time      `json:"created_at" validate:"required"`
	Prompt       string         `json:"prompt"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	History      []Message      `json:"history,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Parameters   Parameters     `json:"parameters"`
	CacheKey     string         `json:"cache_key,omitempty"`
	RouteHint    string         `json:"route_hint,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	Tools        []ToolSpec     `json:"tools,omitempty" validate:"dive"`
}

// RequestInput carries the caller-supplied fields of a request. ID and
// CreatedAt are generated when empty. Parameters is an open map parsed by
// ParseParameters.
type RequestInput struct {
	ID           string
	CreatedAt    time.Time
	Prompt       string
	SystemPrompt string
	History      []Message
	Metadata     map[string]any
	Parameters   map[string]any
	CacheKey     string
	RouteHint    string
	Tags         []string
	Tools        []ToolSpec
}

// NewRequest builds and validates a GenerateRequest. It fails with a
// validation error when neither a prompt nor history is supplied.
func NewRequest(in RequestInput) (*GenerateRequest, error) {
	params, err := ParseParameters(in.Parameters)
	if err != nil {
		return nil, err
	}

	req := &GenerateRequest{
		ID:           in.ID,
		CreatedAt:    in.CreatedAt,
		Prompt:       in.Prompt,
		SystemPrompt: in.SystemPrompt,
		History:      append([]Message(nil), in.History...),
		Metadata:     cloneMap(in.Metadata),
		Parameters:   params,
		CacheKey:     in.CacheKey,
		RouteHint:    in.RouteHint,
		Tags:         dedupeTags(in.Tags),
		Tools:        cloneTools(in.Tools),
	}
	if req.ID == "" {
		req.ID = "req_" + uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

// Validate checks the request invariants.
func (r *GenerateRequest) Validate() error {
	if err := structErr(validate.Struct(r), "GenerateRequest"); err != nil {
		return err
	}
	if r.Prompt == "" && len(r.History) == 0 {
		return gwerr.Validation("request requires a non-empty prompt or history", map[string]any{
			gwerr.CtxRequestID: r.ID,
		})
	}
	if err := r.Parameters.validate(); err != nil {
		return err
	}
	return nil
}

// Clone returns a deep copy of r.
func (r *GenerateRequest) Clone() *GenerateRequest {
	if r == nil {
		return nil
	}
	out := *r
	out.History = append([]Message(nil), r.History...)
	out.Metadata = cloneMap(r.Metadata)
	out.Parameters = r.Parameters.Clone()
	out.Tags = append([]string(nil), r.Tags...)
	out.Tools = cloneTools(r.Tools)
	return &out
}

// HasTag reports whether tag is among the request's tags.
func (r *GenerateRequest) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

func dedupeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func cloneTools(tools []ToolSpec) []ToolSpec {
	if tools == nil {
		return nil
	}
	out := make([]ToolSpec, len(tools))
	for i, t := range tools {
		out[i] = ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  cloneMap(t.Parameters),
		}
	}
	return out
}
