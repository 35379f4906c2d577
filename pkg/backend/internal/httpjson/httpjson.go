// Package httpjson holds the JSON-over-HTTP plumbing shared by the HTTP
// provider clients: request encoding, status checks and line-oriented
// stream decoding (SSE and NDJSON).
package httpjson

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// StatusError is returned when a provider answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, e.Body)
}

// Open sends payload as JSON and returns the response once its status has
// been checked. The caller closes the body.
func Open(ctx context.Context, client *http.Client, req *http.Request, payload any) (*http.Response, error) {
	if client == nil {
		client = http.DefaultClient
	}

	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		req.Body = io.NopCloser(bytes.NewReader(b))
		req.ContentLength = int64(len(b))
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return resp, nil
}

// Do sends payload as JSON and decodes the response body into out.
func Do(ctx context.Context, client *http.Client, req *http.Request, payload, out any) error {
	resp, err := Open(ctx, client, req, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

// SSEDecoder reads server-sent events.
type SSEDecoder struct {
	r *bufio.Reader
}

func NewSSEDecoder(r io.Reader) *SSEDecoder {
	return &SSEDecoder{r: bufio.NewReaderSize(r, 64*1024)}
}

// Event is one server-sent event.
type Event struct {
	Name string
	Data []byte
}

// Next returns the next event. Multiple data lines are joined with "\n".
// Comment lines are skipped.
func (d *SSEDecoder) Next() (Event, error) {
	var ev Event
	var data [][]byte
	flush := func() (Event, bool) {
		if len(data) == 0 && ev.Name == "" {
			return Event{}, false
		}
		ev.Data = bytes.Join(data, []byte("\n"))
		return ev, true
	}

	for {
		line, err := d.r.ReadBytes('\n')
		if err != nil {
			line = bytes.TrimRight(line, "\r\n")
			if len(line) > 0 {
				d.field(line, &ev, &data)
			}
			if out, ok := flush(); ok {
				return out, nil
			}
			return Event{}, err
		}

		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 {
			if out, ok := flush(); ok {
				return out, nil
			}
			continue
		}
		if line[0] == ':' {
			continue
		}
		d.field(line, &ev, &data)
	}
}

func (d *SSEDecoder) field(line []byte, ev *Event, data *[][]byte) {
	name, val, _ := bytes.Cut(line, []byte(":"))
	if len(val) > 0 && val[0] == ' ' {
		val = val[1:]
	}
	switch string(name) {
	case "event":
		ev.Name = string(val)
	case "data":
		*data = append(*data, append([]byte(nil), val...))
	}
}

// LineDecoder reads newline-delimited JSON values, skipping blank lines.
type LineDecoder struct {
	r *bufio.Reader
}

func NewLineDecoder(r io.Reader) *LineDecoder {
	return &LineDecoder{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next decodes the next line into v.
func (d *LineDecoder) Next(v any) error {
	for {
		line, err := d.r.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			if jerr := json.Unmarshal(line, v); jerr != nil {
				return fmt.Errorf("decode stream line: %w", jerr)
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
}
