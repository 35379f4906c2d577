package budget

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/pario-ai/llmgate/pkg/gwerr"
	"github.com/pario-ai/llmgate/pkg/models"
	"github.com/pario-ai/llmgate/pkg/tracker"
)

func setup(t *testing.T) (*tracker.SQLiteTracker, context.Context) {
	t.Helper()
	tr, err := tracker.New(filepath.Join(t.TempDir(), "budget_test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr, context.Background()
}

func record(t *testing.T, tr *tracker.SQLiteTracker, tokens int, at time.Time) {
	t.Helper()
	err := tr.Record(context.Background(), models.UsageRecord{
		RequestID:    "req",
		ResponseID:   "resp",
		Backend:      "openai",
		Model:        "gpt-4o",
		FinishReason: models.FinishStop,
		TotalTokens:  tokens,
		CreatedAt:    at,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func newRequest(t *testing.T) *models.GenerateRequest {
	t.Helper()
	req, err := models.NewRequest(models.RequestInput{Prompt: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func TestCanonicalizeUnderBudget(t *testing.T) {
	tr, ctx := setup(t)
	record(t, tr, 150, time.Now().UTC())

	e := New([]Policy{{Name: "day", Period: Daily, MaxTokens: 1000}}, tr)
	req := newRequest(t)
	out, err := e.Canonicalize(ctx, req)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != req {
		t.Error("request should pass through unchanged")
	}
}

func TestCanonicalizeExceeded(t *testing.T) {
	tr, ctx := setup(t)
	record(t, tr, 1100, time.Now().UTC())

	e := New([]Policy{{Name: "day", Period: Daily, MaxTokens: 1000}}, tr)
	_, err := e.Canonicalize(ctx, newRequest(t))
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}
	ge, ok := gwerr.As(err)
	if !ok || ge.Kind != gwerr.KindPlugin || ge.Context["policy"] != "day" {
		t.Errorf("unexpected error %#v", err)
	}
}

func TestPeriodWindows(t *testing.T) {
	tr, ctx := setup(t)
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	record(t, tr, 400, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	record(t, tr, 100, time.Date(2026, 3, 15, 8, 0, 0, 0, time.UTC))
	record(t, tr, 900, time.Date(2026, 2, 27, 8, 0, 0, 0, time.UTC))

	e := New([]Policy{
		{Name: "day", Period: Daily, MaxTokens: 1000},
		{Name: "month", Period: Monthly, MaxTokens: 450},
	}, tr)
	e.now = func() time.Time { return now }

	statuses, err := e.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[0].Used != 100 || statuses[0].Remaining != 900 {
		t.Errorf("daily: used %d remaining %d", statuses[0].Used, statuses[0].Remaining)
	}
	if statuses[1].Used != 500 || statuses[1].Remaining != 0 {
		t.Errorf("monthly: used %d remaining %d", statuses[1].Used, statuses[1].Remaining)
	}
	if !statuses[1].Since.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected monthly window start %v", statuses[1].Since)
	}

	if err := e.Check(ctx); !errors.Is(err, ErrBudgetExceeded) {
		t.Errorf("expected monthly policy to be exhausted, got %v", err)
	}
}

func TestNoPolicies(t *testing.T) {
	tr, ctx := setup(t)
	record(t, tr, 1_000_000, time.Now().UTC())
	if err := New(nil, tr).Check(ctx); err != nil {
		t.Errorf("expected no error without policies, got %v", err)
	}
}
