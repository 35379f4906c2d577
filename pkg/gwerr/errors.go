// Package gwerr defines the gateway's error taxonomy.
//
// Every error that crosses a package boundary inside the gateway is either a
// *gwerr.Error or wraps one. Each carries a mutable context map (stage, plugin
// id, request id, trace id, arbitrary extra fields) that accumulates as the
// error travels outward through pipeline stages.
package gwerr

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"reflect"
)

// Kind classifies an Error.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindBackend       Kind = "backend"
	KindStage         Kind = "stage"
	KindConfiguration Kind = "configuration"
	KindPlugin        Kind = "plugin"
	KindCache         Kind = "cache"
)

// Well-known context keys.
const (
	CtxStage        = "stage"
	CtxPluginID     = "pluginId"
	CtxRequestID    = "requestId"
	CtxTraceID      = "traceId"
	CtxBackend      = "backend"
	CtxOriginalName = "originalName"
)

var kindNames = map[Kind]string{
	KindValidation:    "ValidationError",
	KindBackend:       "BackendError",
	KindStage:         "StageError",
	KindConfiguration: "ConfigurationError",
	KindPlugin:        "PluginError",
	KindCache:         "CacheError",
}

// Error is the single concrete error type of the taxonomy.
type Error struct {
	Kind    Kind
	Message string
	Context map[string]any
	Cause   error
}

// New creates an Error of the given kind. ctx may be nil.
func New(kind Kind, message string, ctx map[string]any) *Error {
	e := &Error{Kind: kind, Message: message, Context: make(map[string]any, len(ctx))}
	maps.Copy(e.Context, ctx)
	return e
}

func Validation(message string, ctx map[string]any) *Error {
	return New(KindValidation, message, ctx)
}

func Backend(message string, cause error, ctx map[string]any) *Error {
	e := New(KindBackend, message, ctx)
	e.Cause = cause
	return e
}

func Stage(message string, cause error, ctx map[string]any) *Error {
	e := New(KindStage, message, ctx)
	e.Cause = cause
	return e
}

func Configuration(message string, ctx map[string]any) *Error {
	return New(KindConfiguration, message, ctx)
}

func Plugin(message string, cause error, ctx map[string]any) *Error {
	e := New(KindPlugin, message, ctx)
	e.Cause = cause
	return e
}

func Cache(message string, cause error, ctx map[string]any) *Error {
	e := New(KindCache, message, ctx)
	e.Cause = cause
	return e
}

// Name returns the taxonomy name, e.g. "ValidationError".
func (e *Error) Name() string {
	if n, ok := kindNames[e.Kind]; ok {
		return n
	}
	return "GatewayError"
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Message
	if msg == "" {
		msg = e.Name()
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Set stores a context field and returns e for chaining.
func (e *Error) Set(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Merge adds fields from ctx that are not already present. Existing keys win
// so the innermost detail survives as the error crosses stage boundaries.
func (e *Error) Merge(ctx map[string]any) *Error {
	for k, v := range ctx {
		if _, ok := e.Context[k]; ok {
			continue
		}
		e.Set(k, v)
	}
	return e
}

type jsonError struct {
	Name    string         `json:"name"`
	Kind    Kind           `json:"kind"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
	Cause   string         `json:"cause,omitempty"`
}

func (e *Error) MarshalJSON() ([]byte, error) {
	out := jsonError{
		Name:    e.Name(),
		Kind:    e.Kind,
		Message: e.Message,
		Context: e.Context,
	}
	if e.Cause != nil {
		out.Cause = e.Cause.Error()
	}
	return json.Marshal(out)
}

// WithContext enriches err with ctx. Taxonomy errors have ctx merged into
// their existing context; any other error is wrapped as a StageError whose
// context records the original error's type name.
func WithContext(err error, ctx map[string]any) error {
	if err == nil {
		return nil
	}
	if ge, ok := As(err); ok {
		ge.Merge(ctx)
		return err
	}
	wrapped := Stage(err.Error(), err, ctx)
	wrapped.Set(CtxOriginalName, typeName(err))
	return wrapped
}

// As returns the outermost *Error in err's chain.
func As(err error) (*Error, bool) {
	var ge *Error
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// KindOf returns the kind of the outermost taxonomy error, or "".
func KindOf(err error) Kind {
	if ge, ok := As(err); ok {
		return ge.Kind
	}
	return ""
}

func IsValidation(err error) bool    { return KindOf(err) == KindValidation }
func IsBackend(err error) bool       { return KindOf(err) == KindBackend }
func IsStage(err error) bool         { return KindOf(err) == KindStage }
func IsConfiguration(err error) bool { return KindOf(err) == KindConfiguration }
func IsCache(err error) bool         { return KindOf(err) == KindCache }

func typeName(err error) string {
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" {
		return t.String()
	}
	if t.PkgPath() == "" {
		return t.Name()
	}
	return t.String()
}
