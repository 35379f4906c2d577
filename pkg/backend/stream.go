package backend

import (
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pario-ai/llmgate/pkg/models"
)

// Delta is one decoded provider stream chunk. Any field may be empty.
type Delta struct {
	Text           string
	ToolCall       *ToolCallDelta
	Usage          *models.Usage
	ProviderReason string
	Model          string
}

// ToolCallDelta is a fragment of a tool call. Fragments sharing an Index
// are merged; Arguments fragments are concatenated.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
	// Complete arguments delivered in one piece replace any fragments.
	Map map[string]any
}

// DeltaSource reads provider chunks until io.EOF.
type DeltaSource interface {
	Next() (Delta, error)
	Close() error
}

// Accumulator folds deltas into the state of a final response.
type Accumulator struct {
	Text           string
	ProviderReason string
	Usage          models.Usage
	Model          string

	calls map[int]*models.ToolCall
	args  map[int]*strings.Builder
}

// Apply folds d into the accumulator and reports whether it carried text.
func (a *Accumulator) Apply(d Delta) bool {
	if d.Model != "" {
		a.Model = d.Model
	}
	if d.ProviderReason != "" {
		a.ProviderReason = d.ProviderReason
	}
	if d.Usage != nil {
		if d.Usage.PromptTokens > 0 {
			a.Usage.PromptTokens = d.Usage.PromptTokens
		}
		if d.Usage.CompletionTokens > 0 {
			a.Usage.CompletionTokens = d.Usage.CompletionTokens
		}
		if d.Usage.TotalTokens > 0 {
			a.Usage.TotalTokens = d.Usage.TotalTokens
		}
	}
	if tc := d.ToolCall; tc != nil {
		if a.calls == nil {
			a.calls = make(map[int]*models.ToolCall)
			a.args = make(map[int]*strings.Builder)
		}
		call, ok := a.calls[tc.Index]
		if !ok {
			call = &models.ToolCall{}
			a.calls[tc.Index] = call
			a.args[tc.Index] = &strings.Builder{}
		}
		if tc.ID != "" {
			call.ID = tc.ID
		}
		if tc.Name != "" {
			call.Name = tc.Name
		}
		if tc.Map != nil {
			call.Arguments.Map = tc.Map
		}
		a.args[tc.Index].WriteString(tc.Arguments)
	}
	a.Text += d.Text
	return d.Text != ""
}

// ToolCalls returns the merged tool calls ordered by index.
func (a *Accumulator) ToolCalls() []models.ToolCall {
	if len(a.calls) == 0 {
		return nil
	}
	idx := make([]int, 0, len(a.calls))
	for i := range a.calls {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	out := make([]models.ToolCall, 0, len(idx))
	for _, i := range idx {
		call := *a.calls[i]
		if call.Arguments.Map == nil {
			call.Arguments.Raw = a.args[i].String()
		}
		out = append(out, call)
	}
	return out
}

// Result returns the accumulated state as a Result.
func (a *Accumulator) Result(fallbackModel string) Result {
	model := a.Model
	if model == "" {
		model = fallbackModel
	}
	return Result{
		Text:           a.Text,
		ToolCalls:      a.ToolCalls(),
		ProviderReason: a.ProviderReason,
		Usage:          a.Usage,
		Model:          model,
	}
}

// deltaStream adapts a DeltaSource to Stream.
type deltaStream struct {
	backendID string
	model     string
	req       *models.GenerateRequest
	src       DeltaSource
	started   time.Time

	mu   sync.Mutex
	acc  Accumulator
	done bool
}

// NewStream wraps src. Each chunk carrying text yields a partial with the
// text so far; the end of src yields the completed response. A source error
// ends the stream with an error-shaped response.
func NewStream(backendID, model string, req *models.GenerateRequest, src DeltaSource, started time.Time) Stream {
	return &deltaStream{
		backendID: backendID,
		model:     model,
		req:       req,
		src:       src,
		started:   started,
	}
}

func (s *deltaStream) Recv() (*models.GenerateResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil, io.EOF
	}
	for {
		d, err := s.src.Next()
		if errors.Is(err, io.EOF) {
			s.done = true
			return Respond(s.backendID, s.req, s.acc.Result(s.model), time.Since(s.started))
		}
		if err != nil {
			s.done = true
			return ErrorResponse(s.backendID, s.model, s.req, err, time.Since(s.started)), nil
		}
		if s.acc.Apply(d) {
			return models.NewPartial(s.req.ID, s.acc.Text, map[string]any{
				models.MetaBackend: s.backendID,
				models.MetaModel:   s.model,
			}), nil
		}
	}
}

func (s *deltaStream) Close() error {
	return s.src.Close()
}

// singleStream yields one completed response.
type singleStream struct {
	mu   sync.Mutex
	resp *models.GenerateResponse
}

// StreamOf returns a Stream that yields resp once and then io.EOF. Adapters
// use it to report a failure to open a provider stream.
func StreamOf(resp *models.GenerateResponse) Stream {
	return &singleStream{resp: resp}
}

func (s *singleStream) Recv() (*models.GenerateResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resp == nil {
		return nil, io.EOF
	}
	resp := s.resp
	s.resp = nil
	return resp, nil
}

func (s *singleStream) Close() error { return nil }
