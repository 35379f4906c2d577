package models

import "time"

// UsageRecord tracks token usage for one served response.
type UsageRecord struct {
	ID               int64        `json:"id"`
	RequestID        string       `json:"request_id"`
	ResponseID       string       `json:"response_id"`
	Backend          string       `json:"backend"`
	Model            string       `json:"model"`
	FinishReason     FinishReason `json:"finish_reason"`
	PromptTokens     int          `json:"prompt_tokens"`
	CompletionTokens int          `json:"completion_tokens"`
	TotalTokens      int          `json:"total_tokens"`
	LatencyMs        int64        `json:"latency_ms"`
	Cached           bool         `json:"cached"`
	CreatedAt        time.Time    `json:"created_at"`
}

// UsageSummary aggregates usage across requests for a backend and model.
type UsageSummary struct {
	Backend         string `json:"backend"`
	Model           string `json:"model"`
	RequestCount    int    `json:"request_count"`
	ErrorCount      int    `json:"error_count"`
	CacheHits       int    `json:"cache_hits"`
	TotalPrompt     int    `json:"total_prompt"`
	TotalCompletion int    `json:"total_completion"`
	TotalTokens     int    `json:"total_tokens"`
	AvgLatencyMs    int64  `json:"avg_latency_ms"`
}
