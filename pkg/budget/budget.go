// Package budget rejects requests once a token budget for the current
// period has been spent.
package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pario-ai/llmgate/pkg/gwerr"
	"github.com/pario-ai/llmgate/pkg/models"
)

// ErrBudgetExceeded is the cause of the error returned when a policy is
// exhausted.
var ErrBudgetExceeded = errors.New("budget exceeded")

// Period is the window a policy's token limit applies to.
type Period string

const (
	Daily   Period = "daily"
	Monthly Period = "monthly"
)

// Policy caps the tokens served in one period.
type Policy struct {
	Name      string
	Period    Period
	MaxTokens int64
}

// Status reports how much of a policy is spent.
type Status struct {
	Policy    Policy
	Used      int64
	Remaining int64
	Since     time.Time
}

// UsageSource reports tokens served since a point in time.
type UsageSource interface {
	TotalSince(ctx context.Context, since time.Time) (int64, error)
}

// Enforcer checks usage against policies. It runs as a pipeline
// canonicalizer so exhausted budgets fail before cache lookup.
type Enforcer struct {
	policies []Policy
	usage    UsageSource
	now      func() time.Time
}

func New(policies []Policy, usage UsageSource) *Enforcer {
	return &Enforcer{policies: policies, usage: usage, now: time.Now}
}

// Canonicalize returns req unchanged, or a plugin error wrapping
// ErrBudgetExceeded when any policy is spent.
func (e *Enforcer) Canonicalize(ctx context.Context, req *models.GenerateRequest) (*models.GenerateRequest, error) {
	if err := e.Check(ctx); err != nil {
		return nil, err
	}
	return req, nil
}

// Check returns an error wrapping ErrBudgetExceeded if any policy is spent.
func (e *Enforcer) Check(ctx context.Context) error {
	statuses, err := e.Status(ctx)
	if err != nil {
		return err
	}
	for _, s := range statuses {
		if s.Remaining == 0 {
			return gwerr.Plugin("token budget exceeded", ErrBudgetExceeded, map[string]any{
				"policy":     s.Policy.Name,
				"period":     string(s.Policy.Period),
				"used":       s.Used,
				"max_tokens": s.Policy.MaxTokens,
			})
		}
	}
	return nil
}

// Status returns the spend for every policy.
func (e *Enforcer) Status(ctx context.Context) ([]Status, error) {
	out := make([]Status, 0, len(e.policies))
	for _, p := range e.policies {
		since := periodStart(p.Period, e.now())
		used, err := e.usage.TotalSince(ctx, since)
		if err != nil {
			return nil, gwerr.Plugin("budget usage lookup failed", fmt.Errorf("budget status: %w", err), map[string]any{"policy": p.Name})
		}
		out = append(out, Status{
			Policy:    p,
			Used:      used,
			Remaining: max(p.MaxTokens-used, 0),
			Since:     since,
		})
	}
	return out, nil
}

func periodStart(period Period, now time.Time) time.Time {
	now = now.UTC()
	switch period {
	case Monthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default: // daily
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
}
