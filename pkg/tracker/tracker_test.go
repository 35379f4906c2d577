package tracker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pario-ai/llmgate/pkg/models"
	"github.com/pario-ai/llmgate/pkg/pipeline"
)

func newTestTracker(t *testing.T) *SQLiteTracker {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	tr, err := New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestRecordAndRecent(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, model := range []string{"gpt-4o", "llama3.1"} {
		rec := models.UsageRecord{
			RequestID:        "req",
			ResponseID:       "resp",
			Backend:          "openai",
			Model:            model,
			FinishReason:     models.FinishStop,
			PromptTokens:     100,
			CompletionTokens: 50,
			TotalTokens:      150,
			LatencyMs:        20,
			CreatedAt:        now.Add(time.Duration(i) * time.Second),
		}
		if err := tr.Record(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	records, err := tr.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Model != "llama3.1" || records[0].FinishReason != models.FinishStop {
		t.Errorf("expected newest first, got %+v", records[0])
	}
}

func TestTotalSinceSkipsCacheHits(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := range 3 {
		_ = tr.Record(ctx, models.UsageRecord{
			Backend: "openai", Model: "gpt-4o", FinishReason: models.FinishStop,
			PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150,
			Cached:    i == 2,
			CreatedAt: now.Add(time.Duration(i) * time.Second),
		})
	}

	total, err := tr.TotalSince(ctx, now.Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if total != 300 {
		t.Errorf("expected 300, got %d", total)
	}
}

func TestSummary(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	recs := []models.UsageRecord{
		{Backend: "multi", Model: "anthropic/claude-3-haiku", FinishReason: models.FinishStop, TotalTokens: 10, PromptTokens: 6, CompletionTokens: 4, LatencyMs: 100},
		{Backend: "multi", Model: "anthropic/claude-3-haiku", FinishReason: models.FinishError, LatencyMs: 300},
		{Backend: "multi", Model: "anthropic/claude-3-haiku", FinishReason: models.FinishStop, TotalTokens: 10, PromptTokens: 6, CompletionTokens: 4, Cached: true, LatencyMs: 2},
		{Backend: "ollama", Model: "llama3.1", FinishReason: models.FinishStop, TotalTokens: 7, LatencyMs: 40},
	}
	for _, r := range recs {
		if err := tr.Record(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	all, err := tr.Summary(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(all))
	}
	s := all[0]
	if s.Backend != "multi" || s.RequestCount != 3 || s.ErrorCount != 1 || s.CacheHits != 1 || s.TotalTokens != 20 || s.AvgLatencyMs != 134 {
		t.Errorf("unexpected summary %+v", s)
	}

	filtered, err := tr.Summary(ctx, "ollama")
	if err != nil {
		t.Fatal(err)
	}
	if len(filtered) != 1 || filtered[0].Model != "llama3.1" {
		t.Errorf("unexpected filtered summary %+v", filtered)
	}
}

func TestPublish(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	req, err := models.NewRequest(models.RequestInput{Prompt: "x"})
	if err != nil {
		t.Fatal(err)
	}
	resp, err := models.NewResponse(models.ResponseInput{
		RequestID:    req.ID,
		OutputText:   "y",
		FinishReason: models.FinishStop,
		Usage:        models.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
		Metadata: map[string]any{
			models.MetaBackend:  "multi",
			models.MetaProvider: "anthropic",
			models.MetaModel:    "claude-3-haiku",
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	ev := pipeline.Event{Request: req, Response: resp, Elapsed: 42 * time.Millisecond}
	if err := tr.Publish(ctx, ev); err != nil {
		t.Fatal(err)
	}

	records, err := tr.Recent(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	r := records[0]
	if r.Backend != "multi" || r.Model != "anthropic/claude-3-haiku" || r.TotalTokens != 5 || r.LatencyMs != 42 || r.RequestID != req.ID {
		t.Errorf("unexpected record %+v", r)
	}
}
