package ollama

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pario-ai/llmgate/pkg/backend/internal/httpjson"
)

const defaultBaseURL = "http://localhost:11434"

// ChatRequest is the /api/chat request body.
type ChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Tools    []Tool         `json:"tools,omitempty"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type ToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

// ChatResponse is one /api/chat response object. Streaming responses are a
// sequence of these, the last with Done set.
type ChatResponse struct {
	Model           string  `json:"model"`
	Message         Message `json:"message"`
	Done            bool    `json:"done"`
	DoneReason      string  `json:"done_reason"`
	PromptEvalCount int     `json:"prompt_eval_count"`
	EvalCount       int     `json:"eval_count"`
	Error           string  `json:"error,omitempty"`
}

// ChunkStream reads streamed chat responses until io.EOF.
type ChunkStream interface {
	Next() (ChatResponse, error)
	Close() error
}

// ChatClient is the slice of the Ollama API the adapter calls.
type ChatClient interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	ChatStream(ctx context.Context, req ChatRequest) (ChunkStream, error)
}

// HTTPClient talks to an Ollama server. The API key is optional and sent as
// a bearer token for hosted deployments.
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

func (c *HTTPClient) newRequest(ctx context.Context) (*http.Request, error) {
	hReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.apiKey != "" {
		hReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return hReq, nil
}

func (c *HTTPClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	hReq, err := c.newRequest(ctx)
	if err != nil {
		return nil, err
	}
	req.Stream = false
	var out ChatResponse
	if err := httpjson.Do(ctx, c.httpClient, hReq, req, &out); err != nil {
		return nil, err
	}
	if out.Error != "" {
		return nil, fmt.Errorf("ollama: %s", out.Error)
	}
	return &out, nil
}

func (c *HTTPClient) ChatStream(ctx context.Context, req ChatRequest) (ChunkStream, error) {
	hReq, err := c.newRequest(ctx)
	if err != nil {
		return nil, err
	}
	req.Stream = true
	resp, err := httpjson.Open(ctx, c.httpClient, hReq, req)
	if err != nil {
		return nil, err
	}
	return &ndjsonStream{body: resp.Body, dec: httpjson.NewLineDecoder(resp.Body)}, nil
}

type ndjsonStream struct {
	body io.ReadCloser
	dec  *httpjson.LineDecoder
	done bool
}

func (s *ndjsonStream) Next() (ChatResponse, error) {
	if s.done {
		return ChatResponse{}, io.EOF
	}
	var out ChatResponse
	if err := s.dec.Next(&out); err != nil {
		return ChatResponse{}, err
	}
	if out.Error != "" {
		return ChatResponse{}, fmt.Errorf("ollama: %s", out.Error)
	}
	s.done = out.Done
	return out, nil
}

func (s *ndjsonStream) Close() error { return s.body.Close() }
