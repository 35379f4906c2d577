package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pario-ai/llmgate/pkg/backend/internal/httpjson"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 1024
)

// MessagesRequest is the Messages API request body.
type MessagesRequest struct {
	Model         string         `json:"model"`
	System        string         `json:"system,omitempty"`
	Messages      []Message      `json:"messages"`
	MaxTokens     int            `json:"max_tokens"`
	Temperature   *float64       `json:"temperature,omitempty"`
	TopP          *float64       `json:"top_p,omitempty"`
	StopSequences []string       `json:"stop_sequences,omitempty"`
	Tools         []Tool         `json:"tools,omitempty"`
	ToolChoice    any            `json:"tool_choice,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

// ContentBlock is one block of a Messages API response.
type ContentBlock struct {
	Type  string         `json:"type"`
	Text  string         `json:"text,omitempty"`
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// MessagesResponse is the Messages API response body.
type MessagesResponse struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

// StreamEvent is one decoded Messages API stream event. Only the fields the
// adapter reads are modeled.
type StreamEvent struct {
	Type         string            `json:"type"`
	Index        int               `json:"index"`
	Message      *MessagesResponse `json:"message,omitempty"`
	ContentBlock *ContentBlock     `json:"content_block,omitempty"`
	Delta        struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Usage *Usage `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// EventStream reads stream events until io.EOF.
type EventStream interface {
	Next() (StreamEvent, error)
	Close() error
}

// MessagesClient is the slice of the Messages API the adapter calls.
type MessagesClient interface {
	Create(ctx context.Context, req MessagesRequest) (*MessagesResponse, error)
	Stream(ctx context.Context, req MessagesRequest) (EventStream, error)
}

// HTTPClient talks to the Messages API over HTTP.
type HTTPClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewHTTPClient(apiKey string, httpClient *http.Client, baseURL string) *HTTPClient {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPClient{apiKey: apiKey, httpClient: httpClient, baseURL: strings.TrimRight(baseURL, "/")}
}

var ErrMissingAPIKey = errors.New("missing api key")

func (c *HTTPClient) newRequest(ctx context.Context) (*http.Request, error) {
	if strings.TrimSpace(c.apiKey) == "" {
		return nil, ErrMissingAPIKey
	}
	hReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	hReq.Header.Set("x-api-key", c.apiKey)
	hReq.Header.Set("anthropic-version", apiVersion)
	return hReq, nil
}

func (c *HTTPClient) Create(ctx context.Context, req MessagesRequest) (*MessagesResponse, error) {
	hReq, err := c.newRequest(ctx)
	if err != nil {
		return nil, err
	}
	req.Stream = false
	var out MessagesResponse
	if err := httpjson.Do(ctx, c.httpClient, hReq, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) Stream(ctx context.Context, req MessagesRequest) (EventStream, error) {
	hReq, err := c.newRequest(ctx)
	if err != nil {
		return nil, err
	}
	hReq.Header.Set("Accept", "text/event-stream")
	req.Stream = true
	resp, err := httpjson.Open(ctx, c.httpClient, hReq, req)
	if err != nil {
		return nil, err
	}
	return &sseStream{body: resp.Body, dec: httpjson.NewSSEDecoder(resp.Body)}, nil
}

type sseStream struct {
	body io.ReadCloser
	dec  *httpjson.SSEDecoder
}

func (s *sseStream) Next() (StreamEvent, error) {
	for {
		ev, err := s.dec.Next()
		if err != nil {
			return StreamEvent{}, err
		}
		if len(ev.Data) == 0 {
			continue
		}
		var out StreamEvent
		if err := json.Unmarshal(ev.Data, &out); err != nil {
			return StreamEvent{}, fmt.Errorf("decode stream event: %w", err)
		}
		switch out.Type {
		case "ping":
			continue
		case "message_stop":
			return StreamEvent{}, io.EOF
		case "error":
			msg := "stream error"
			if out.Error != nil {
				msg = out.Error.Type + ": " + out.Error.Message
			}
			return StreamEvent{}, errors.New(msg)
		}
		return out, nil
	}
}

func (s *sseStream) Close() error { return s.body.Close() }
