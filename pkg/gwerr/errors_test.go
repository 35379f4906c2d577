package gwerr

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestErrorString(t *testing.T) {
	err := Validation("prompt or history required", nil)
	if err.Error() != "validation: prompt or history required" {
		t.Errorf("unexpected message: %s", err.Error())
	}
	if err.Name() != "ValidationError" {
		t.Errorf("unexpected name: %s", err.Name())
	}
}

func TestWithContextWrapsForeignError(t *testing.T) {
	orig := fmt.Errorf("boom")
	err := WithContext(orig, map[string]any{CtxStage: "route"})

	ge, ok := As(err)
	if !ok {
		t.Fatal("expected taxonomy error")
	}
	if ge.Kind != KindStage {
		t.Errorf("expected stage kind, got %s", ge.Kind)
	}
	if ge.Context[CtxStage] != "route" {
		t.Errorf("stage context missing: %v", ge.Context)
	}
	if ge.Context[CtxOriginalName] == "" {
		t.Error("expected original error name in context")
	}
	if !errors.Is(err, orig) {
		t.Error("wrapped error should unwrap to original")
	}
}

func TestWithContextMergesExisting(t *testing.T) {
	inner := Backend("provider down", nil, map[string]any{CtxStage: "backend", CtxBackend: "openai"})

	err := WithContext(inner, map[string]any{CtxStage: "pipeline", CtxRequestID: "req-1"})
	err = WithContext(err, map[string]any{CtxTraceID: "trace-9"})

	ge, _ := As(err)
	if ge != inner {
		t.Fatal("taxonomy error should be enriched in place")
	}
	if ge.Context[CtxStage] != "backend" {
		t.Errorf("innermost stage must survive, got %v", ge.Context[CtxStage])
	}
	if ge.Context[CtxRequestID] != "req-1" || ge.Context[CtxTraceID] != "trace-9" {
		t.Errorf("context not merged: %v", ge.Context)
	}
	if !IsBackend(err) {
		t.Error("kind must be preserved")
	}
}

func TestWithContextThroughWrap(t *testing.T) {
	inner := Cache("disk full", nil, nil)
	wrapped := fmt.Errorf("set: %w", inner)

	out := WithContext(wrapped, map[string]any{CtxStage: "cache"})
	if out != wrapped {
		t.Error("wrapped taxonomy error should be returned as-is")
	}
	if inner.Context[CtxStage] != "cache" {
		t.Error("context should reach inner taxonomy error")
	}
}

func TestMarshalJSON(t *testing.T) {
	err := Configuration("unknown backend", map[string]any{"backend": "x"})
	data, jerr := json.Marshal(err)
	if jerr != nil {
		t.Fatal(jerr)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out["name"] != "ConfigurationError" {
		t.Errorf("unexpected name: %v", out["name"])
	}
	ctx, _ := out["context"].(map[string]any)
	if ctx["backend"] != "x" {
		t.Errorf("context not serialized: %s", data)
	}
}

func TestWithContextNil(t *testing.T) {
	if WithContext(nil, map[string]any{"a": 1}) != nil {
		t.Error("nil error should stay nil")
	}
}
