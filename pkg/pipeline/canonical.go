package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/pario-ai/llmgate/pkg/models"
)

// DefaultCanonicalizer trims prompt text, fills in the default model and
// normalizes tags to lower case, sorted and deduplicated.
type DefaultCanonicalizer struct {
	DefaultModel string
}

func (c DefaultCanonicalizer) Canonicalize(_ context.Context, req *models.GenerateRequest) (*models.GenerateRequest, error) {
	out := req.Clone()
	out.Prompt = strings.TrimSpace(out.Prompt)
	out.SystemPrompt = strings.TrimSpace(out.SystemPrompt)
	out.Parameters.Model = strings.TrimSpace(out.Parameters.Model)
	if out.Parameters.Model == "" {
		out.Parameters.Model = c.DefaultModel
	}

	if len(out.Tags) > 0 {
		tags := make([]string, 0, len(out.Tags))
		for _, t := range out.Tags {
			if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
				tags = append(tags, t)
			}
		}
		slices.Sort(tags)
		out.Tags = slices.Compact(tags)
	}

	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// keyMaterial is everything that influences a completion. Metadata, tags,
// route hints and ids are left out.
type keyMaterial struct {
	Model       string            `json:"model"`
	System      string            `json:"system"`
	History     []models.Message  `json:"history"`
	Prompt      string            `json:"prompt"`
	Temperature *float64          `json:"temperature"`
	TopP        *float64          `json:"top_p"`
	MaxTokens   *int              `json:"max_tokens"`
	Stop        []string          `json:"stop"`
	ToolChoice  any               `json:"tool_choice"`
	Options     map[string]any    `json:"options"`
	Tools       []models.ToolSpec `json:"tools"`
}

// HashKey returns the cache key for req: its CacheKey when set, otherwise a
// SHA-256 hex digest of the fields that influence the completion.
func HashKey(req *models.GenerateRequest) string {
	if req.CacheKey != "" {
		return req.CacheKey
	}
	p := req.Parameters
	data, _ := json.Marshal(keyMaterial{
		Model:       p.Model,
		System:      req.SystemPrompt,
		History:     req.History,
		Prompt:      req.Prompt,
		Temperature: p.Temperature,
		TopP:        p.TopP,
		MaxTokens:   p.MaxTokens,
		Stop:        p.Stop,
		ToolChoice:  p.ToolChoice,
		Options:     p.ProviderOptions,
		Tools:       req.Tools,
	})
	return fmt.Sprintf("%x", sha256.Sum256(data))
}
