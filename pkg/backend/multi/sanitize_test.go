package multi

import (
	"reflect"
	"strings"
	"testing"

	"github.com/pario-ai/llmgate/pkg/models"
)

func TestSanitizeToolName(t *testing.T) {
	cases := map[string]string{
		"get_weather":     "get_weather",
		"ns.tool:v1-beta": "ns.tool:v1-beta",
		"My Tool!!":       "My_Tool",
		"  spaced  name ": "spaced_name",
		"9lives":          "_9lives",
		"a///b":           "a_b",
		"!!!":             "tool",
		"":                "tool",
		"ünïcode":         "n_code",
	}
	for in, want := range cases {
		if got := SanitizeToolName(in); got != want {
			t.Errorf("SanitizeToolName(%q) = %q, want %q", in, got, want)
		}
	}

	long := SanitizeToolName(strings.Repeat("x", 100))
	if len(long) != MaxToolNameLen || !validToolName.MatchString(long) {
		t.Errorf("long name not truncated: %q", long)
	}
}

func TestSanitizeToolsDropsDuplicates(t *testing.T) {
	tools := []models.ToolSpec{
		{Name: "lookup item"},
		{Name: "lookup_item"},
		{Name: "other"},
	}
	out, names, repairs := SanitizeTools(tools, quietLogger())

	if len(out) != 2 || out[0].Name != "lookup_item" || out[1].Name != "other" {
		t.Fatalf("unexpected tools %+v", out)
	}
	if names["lookup_item"] != "lookup item" {
		t.Errorf("first occurrence should win, names=%v", names)
	}
	var kinds []string
	for _, r := range repairs {
		kinds = append(kinds, r.Kind)
	}
	if !reflect.DeepEqual(kinds, []string{RepairRenamed, RepairDuplicate}) {
		t.Errorf("unexpected repair kinds %v", kinds)
	}
	if tools[0].Name != "lookup item" {
		t.Error("input tools were modified")
	}
}

func TestSanitizeToolsSchema(t *testing.T) {
	tools := []models.ToolSpec{
		{Name: "empty"},
		{Name: "search", Parameters: map[string]any{
			"properties": map[string]any{
				"tags":  map[string]any{"type": "array"},
				"query": map[string]any{"type": "string"},
				"opts":  "not a schema",
			},
			"required": []any{"query", "missing"},
		}},
	}
	out, _, repairs := SanitizeTools(tools, quietLogger())

	if !reflect.DeepEqual(out[0].Parameters, map[string]any{"type": "object", "properties": map[string]any{}}) {
		t.Errorf("empty schema not normalized: %v", out[0].Parameters)
	}

	s := out[1].Parameters
	if s["type"] != "object" {
		t.Errorf("missing object type: %v", s)
	}
	props := s["properties"].(map[string]any)
	if items := props["tags"].(map[string]any)["items"]; !reflect.DeepEqual(items, map[string]any{"type": "string"}) {
		t.Errorf("array items not added: %v", items)
	}
	if !reflect.DeepEqual(props["opts"], map[string]any{}) {
		t.Errorf("malformed property not replaced: %v", props["opts"])
	}
	if !reflect.DeepEqual(s["required"], []any{"query"}) {
		t.Errorf("required not filtered: %v", s["required"])
	}

	for _, r := range repairs {
		if r.Tool != "search" || r.Kind != RepairSchema {
			t.Errorf("unexpected repair %+v", r)
		}
	}
	if len(repairs) != 4 {
		t.Errorf("expected 4 schema repairs, got %d: %+v", len(repairs), repairs)
	}

	if _, ok := tools[1].Parameters["type"]; ok {
		t.Error("input schema was modified")
	}
}

func TestSanitizeToolsNone(t *testing.T) {
	out, names, repairs := SanitizeTools(nil, quietLogger())
	if out != nil || names != nil || repairs != nil {
		t.Errorf("expected nils, got %v %v %v", out, names, repairs)
	}
}
