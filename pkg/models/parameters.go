package models

import (
	"encoding/json"
	"fmt"
	"maps"

	"github.com/pario-ai/llmgate/pkg/gwerr"
)

// Parameters holds the recognized sampling and routing keys of a request.
// Unrecognized keys land in Extra untouched.
type Parameters struct {
	Model           string         `json:"model,omitempty"`
	Temperature     *float64       `json:"temperature,omitempty"`
	TopP            *float64       `json:"top_p,omitempty"`
	MaxTokens       *int           `json:"max_tokens,omitempty"`
	Stop            []string       `json:"stop,omitempty"`
	ToolChoice      any            `json:"tool_choice,omitempty"`
	ProviderOptions map[string]any `json:"provider_options,omitempty"`
	// NoCache skips both cache read and cache write for the request.
	NoCache bool           `json:"no_cache,omitempty"`
	Extra   map[string]any `json:"extra,omitempty"`
}

// ParseParameters maps an open parameter map onto Parameters. Aliases
// (modelId, topP, maxTokens, stop_sequences, providerOptions) are accepted.
func ParseParameters(raw map[string]any) (Parameters, error) {
	var p Parameters
	for k, v := range raw {
		var err error
		switch k {
		case "model", "modelId":
			p.Model, err = asString(k, v)
		case "temperature":
			p.Temperature, err = asFloatPtr(k, v)
		case "top_p", "topP":
			p.TopP, err = asFloatPtr(k, v)
		case "maxTokens", "max_tokens":
			var f *float64
			f, err = asFloatPtr(k, v)
			if f != nil {
				n := int(*f)
				p.MaxTokens = &n
			}
		case "stop", "stop_sequences":
			p.Stop, err = asStrings(k, v)
		case "tool_choice":
			p.ToolChoice = cloneValue(v)
		case "providerOptions", "provider_options":
			m, ok := v.(map[string]any)
			if !ok && v != nil {
				err = fieldErr(k, "object")
			}
			p.ProviderOptions = cloneMap(m)
		case "cache":
			if b, ok := v.(bool); ok {
				p.NoCache = !b
			}
		default:
			if p.Extra == nil {
				p.Extra = make(map[string]any)
			}
			p.Extra[k] = cloneValue(v)
		}
		if err != nil {
			return Parameters{}, err
		}
	}
	return p, p.validate()
}

func (p Parameters) validate() error {
	if p.Temperature != nil && *p.Temperature < 0 {
		return gwerr.Validation("temperature must be non-negative", map[string]any{"field": "temperature"})
	}
	if p.TopP != nil && (*p.TopP < 0 || *p.TopP > 1) {
		return gwerr.Validation("top_p must be within [0,1]", map[string]any{"field": "top_p"})
	}
	if p.MaxTokens != nil && *p.MaxTokens < 0 {
		return gwerr.Validation("max_tokens must be non-negative", map[string]any{"field": "max_tokens"})
	}
	return nil
}

// Clone returns a deep copy of p.
func (p Parameters) Clone() Parameters {
	out := p
	if p.Temperature != nil {
		v := *p.Temperature
		out.Temperature = &v
	}
	if p.TopP != nil {
		v := *p.TopP
		out.TopP = &v
	}
	if p.MaxTokens != nil {
		v := *p.MaxTokens
		out.MaxTokens = &v
	}
	out.Stop = append([]string(nil), p.Stop...)
	out.ToolChoice = cloneValue(p.ToolChoice)
	out.ProviderOptions = cloneMap(p.ProviderOptions)
	out.Extra = cloneMap(p.Extra)
	return out
}

// Float is a convenience for building optional numeric parameters.
func Float(v float64) *float64 { return &v }

// Int is a convenience for building optional integer parameters.
func Int(v int) *int { return &v }

func fieldErr(field, want string) error {
	return gwerr.Validation(fmt.Sprintf("parameter %q must be %s", field, want), map[string]any{"field": field})
}

func asString(field string, v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fieldErr(field, "a string")
	}
	return s, nil
}

func asFloatPtr(field string, v any) (*float64, error) {
	var f float64
	switch n := v.(type) {
	case nil:
		return nil, nil
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		var err error
		if f, err = n.Float64(); err != nil {
			return nil, fieldErr(field, "a number")
		}
	default:
		return nil, fieldErr(field, "a number")
	}
	return &f, nil
}

func asStrings(field string, v any) ([]string, error) {
	switch s := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{s}, nil
	case []string:
		return append([]string(nil), s...), nil
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			str, ok := item.(string)
			if !ok {
				return nil, fieldErr(field, "an array of strings")
			}
			out = append(out, str)
		}
		return out, nil
	}
	return nil, fieldErr(field, "an array of strings")
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case map[string]string:
		return maps.Clone(t)
	default:
		return v
	}
}

// CloneMap returns a deep copy of an open key-value map.
func CloneMap(m map[string]any) map[string]any { return cloneMap(m) }
