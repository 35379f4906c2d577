package multi

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/pario-ai/llmgate/pkg/models"
)

// MaxToolNameLen is the longest tool name every provider accepts.
const MaxToolNameLen = 64

var (
	validToolName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_.:-]{0,63}$`)
	invalidChars  = regexp.MustCompile(`[^a-zA-Z0-9_.:-]+`)
	underscores   = regexp.MustCompile(`_{2,}`)
)

// Repair kinds recorded in RepairEvent.Kind.
const (
	RepairRenamed   = "renamed"
	RepairSchema    = "schema"
	RepairDuplicate = "duplicate_dropped"
)

// RepairEvent records one change made to a tool before dispatch.
type RepairEvent struct {
	Tool   string `json:"tool"`
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

func (e RepairEvent) toMap() map[string]any {
	return map[string]any{"tool": e.Tool, "kind": e.Kind, "detail": e.Detail}
}

// SanitizeToolName rewrites name so it starts with a letter or underscore,
// uses only alphanumerics, '_', '.', ':' and '-', and is at most 64 chars.
func SanitizeToolName(name string) string {
	if validToolName.MatchString(name) {
		return name
	}

	s := invalidChars.ReplaceAllString(strings.TrimSpace(name), "_")
	s = underscores.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s != "" && !isNameStart(s[0]) {
		s = "_" + s
	}
	if len(s) > MaxToolNameLen {
		s = s[:MaxToolNameLen]
	}
	if validToolName.MatchString(s) {
		return s
	}

	// Last resort: keep only plain identifier characters.
	var b strings.Builder
	for i := 0; i < len(name) && b.Len() < MaxToolNameLen; i++ {
		c := name[i]
		if isNameStart(c) || (c >= '0' && c <= '9') {
			b.WriteByte(c)
		}
	}
	s = b.String()
	if s == "" {
		return "tool"
	}
	if !isNameStart(s[0]) {
		s = "_" + s
		if len(s) > MaxToolNameLen {
			s = s[:MaxToolNameLen]
		}
	}
	return s
}

func isNameStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// SanitizeTools returns provider-safe copies of tools. Duplicate names after
// sanitization are dropped, first occurrence wins. Names maps each
// sanitized name back to the caller's original.
func SanitizeTools(tools []models.ToolSpec, logger log.FieldLogger) (out []models.ToolSpec, names map[string]string, repairs []RepairEvent) {
	if len(tools) == 0 {
		return nil, nil, nil
	}
	names = make(map[string]string, len(tools))

	for _, t := range tools {
		name := SanitizeToolName(t.Name)
		if name != t.Name {
			repairs = append(repairs, RepairEvent{
				Tool:   t.Name,
				Kind:   RepairRenamed,
				Detail: fmt.Sprintf("renamed to %q", name),
			})
			logger.WithFields(log.Fields{
				"tool":      t.Name,
				"sanitized": name,
				"event":     "tool_sanitized",
			}).Warn("Tool name rewritten for provider compatibility")
		}

		if _, dup := names[name]; dup {
			repairs = append(repairs, RepairEvent{
				Tool:   t.Name,
				Kind:   RepairDuplicate,
				Detail: fmt.Sprintf("duplicate of %q after sanitization", name),
			})
			logger.WithFields(log.Fields{
				"tool":      t.Name,
				"sanitized": name,
				"event":     "tool_dropped",
			}).Warn("Dropping duplicate tool")
			continue
		}
		names[name] = t.Name

		schema := models.CloneMap(t.Parameters)
		var fixes []string
		switch {
		case len(schema) == 0:
			schema = map[string]any{"type": "object"}
		case schema["type"] == nil:
			schema["type"] = "object"
			fixes = append(fixes, "$: added type object")
		}
		fixes = append(fixes, repairSchema(schema, "$")...)
		if schema["type"] == "object" {
			if _, ok := schema["properties"].(map[string]any); !ok {
				schema["properties"] = map[string]any{}
			}
		}
		for _, f := range fixes {
			repairs = append(repairs, RepairEvent{Tool: t.Name, Kind: RepairSchema, Detail: f})
		}
		if len(fixes) > 0 {
			logger.WithFields(log.Fields{
				"tool":    t.Name,
				"repairs": fixes,
				"event":   "schema_repaired",
			}).Warn("Tool schema repaired")
		}

		out = append(out, models.ToolSpec{Name: name, Description: t.Description, Parameters: schema})
	}
	return out, names, repairs
}

// repairSchema normalizes s in place and returns a description of each fix.
// Every array gets an items schema and every object's required list only
// names properties that exist.
func repairSchema(s map[string]any, path string) []string {
	var fixes []string

	typ, _ := s["type"].(string)
	props, hasProps := s["properties"].(map[string]any)
	if typ == "" && hasProps {
		s["type"] = "object"
		typ = "object"
		fixes = append(fixes, path+": added type object")
	}

	switch typ {
	case "array":
		items, ok := s["items"].(map[string]any)
		if !ok {
			items = map[string]any{"type": "string"}
			s["items"] = items
			fixes = append(fixes, path+": added missing items schema")
		}
		fixes = append(fixes, repairSchema(items, path+"[]")...)

	case "object":
		if _, ok := s["properties"]; ok && !hasProps {
			s["properties"] = map[string]any{}
			props = map[string]any{}
			fixes = append(fixes, path+": replaced malformed properties")
		}
		if req, ok := s["required"]; ok {
			kept, changed := filterRequired(req, props)
			if changed {
				fixes = append(fixes, path+": removed unknown required entries")
			}
			if len(kept) == 0 {
				delete(s, "required")
			} else {
				s["required"] = kept
			}
		}
		keys := make([]string, 0, len(props))
		for k := range props {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			child, ok := props[k].(map[string]any)
			if !ok {
				props[k] = map[string]any{}
				fixes = append(fixes, path+"."+k+": replaced malformed property schema")
				continue
			}
			fixes = append(fixes, repairSchema(child, path+"."+k)...)
		}
	}
	return fixes
}

func filterRequired(req any, props map[string]any) ([]any, bool) {
	list, ok := req.([]any)
	if !ok {
		if strs, isStrs := req.([]string); isStrs {
			for _, s := range strs {
				list = append(list, s)
			}
		} else {
			return nil, true
		}
	}
	kept := make([]any, 0, len(list))
	for _, r := range list {
		name, ok := r.(string)
		if !ok {
			continue
		}
		if _, exists := props[name]; exists {
			kept = append(kept, name)
		}
	}
	return kept, len(kept) != len(list)
}
