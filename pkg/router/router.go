package router

import (
	"strings"

	"github.com/pario-ai/llmgate/pkg/config"
	"github.com/pario-ai/llmgate/pkg/gwerr"
	"github.com/pario-ai/llmgate/pkg/models"
)

// Router selects a backend id for each request from configured rules. It
// implements pipeline.Router.
type Router struct {
	rules    []config.RouteRule
	def      string
	backends map[string]bool
}

// New creates a Router. backends lists the ids a route hint may name
// directly; def is used when nothing else matches.
func New(cfg config.RouterConfig, def string, backends []string) *Router {
	known := make(map[string]bool, len(backends))
	for _, id := range backends {
		known[id] = true
	}
	return &Router{rules: cfg.Rules, def: def, backends: known}
}

// Route returns the backend for req. A route hint naming a backend wins,
// then the first matching rule, then the default.
func (r *Router) Route(req *models.GenerateRequest) (string, error) {
	if req.RouteHint != "" && r.backends[req.RouteHint] {
		return req.RouteHint, nil
	}

	for _, rule := range r.rules {
		if matches(rule, req) {
			return rule.Backend, nil
		}
	}

	if r.def == "" {
		return "", gwerr.Configuration("no route matched and no default backend configured", map[string]any{
			gwerr.CtxRequestID: req.ID,
		})
	}
	return r.def, nil
}

func matches(rule config.RouteRule, req *models.GenerateRequest) bool {
	switch {
	case rule.RouteHint != "":
		return req.RouteHint == rule.RouteHint
	case rule.MatchPrefix != "":
		return strings.HasPrefix(req.Parameters.Model, rule.MatchPrefix)
	case rule.Tag != "":
		return req.HasTag(rule.Tag)
	}
	return false
}
