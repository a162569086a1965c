// Package brain talks to the external assistant service that turns a caller
// transcript plus context into a structured reply.
package brain

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// TokenHandler receives streamed reply tokens in order. Returning an error
// aborts the stream.
type TokenHandler func(token string) error

// Client calls the assistant endpoint, either request/response or as an SSE
// stream of tokens terminated by a done event carrying the final reply.
type Client struct {
	url     string
	timeout time.Duration
	client  *http.Client
}

func NewClient(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 12 * time.Second
	}
	return &Client{
		url:     strings.TrimSpace(url),
		timeout: timeout,
		// The stream may legitimately stay open for the full reply, so the
		// per-request deadline comes from the context, not the client.
		client: &http.Client{},
	}
}

// Reply performs a non-streaming call.
func (c *Client) Reply(ctx context.Context, req Request) (Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.post(ctx, req, "application/json")
	if err != nil {
		return Reply{}, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return Reply{}, fmt.Errorf("read reply: %w", err)
	}
	var reply Reply
	if err := json.Unmarshal(body, &reply); err != nil {
		return Reply{}, fmt.Errorf("decode reply: %w", err)
	}
	return reply, nil
}

// ReplyStream performs a streaming call, surfacing tokens through onToken as
// they arrive. If the stream errors after tokens were already emitted, the
// assembled text is returned as a best-effort reply instead of the error.
func (c *Client) ReplyStream(ctx context.Context, req Request, onToken TokenHandler) (Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.post(ctx, req, "text/event-stream")
	if err != nil {
		return Reply{}, err
	}
	defer res.Body.Close()

	ct := strings.ToLower(res.Header.Get("Content-Type"))
	if !strings.Contains(ct, "text/event-stream") {
		// The endpoint answered plainly; fall back to one-shot decoding.
		body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
		if err != nil {
			return Reply{}, fmt.Errorf("read reply: %w", err)
		}
		var reply Reply
		if err := json.Unmarshal(body, &reply); err != nil {
			return Reply{}, fmt.Errorf("decode reply: %w", err)
		}
		if reply.Text != "" && onToken != nil {
			if err := onToken(reply.Text); err != nil {
				return Reply{}, err
			}
		}
		return reply, nil
	}

	return c.consumeStream(res.Body, onToken)
}

func (c *Client) post(ctx context.Context, req Request, accept string) (*http.Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", accept)

	res, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		res.Body.Close()
		return nil, fmt.Errorf("brain http status %d: %s", res.StatusCode, string(body))
	}
	return res, nil
}

type streamToken struct {
	T string `json:"t"`
}

type streamError struct {
	Message string `json:"message"`
}

func (c *Client) consumeStream(body io.Reader, onToken TokenHandler) (Reply, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var (
		assembled strings.Builder
		event     string
	)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			event = ""
			continue
		}
		if name, ok := strings.CutPrefix(line, "event:"); ok {
			event = strings.TrimSpace(name)
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)

		switch event {
		case "token", "":
			var tok streamToken
			if err := json.Unmarshal([]byte(data), &tok); err != nil || tok.T == "" {
				continue
			}
			assembled.WriteString(tok.T)
			if onToken != nil {
				if err := onToken(tok.T); err != nil {
					return Reply{}, err
				}
			}
		case "done":
			var reply Reply
			if err := json.Unmarshal([]byte(data), &reply); err != nil {
				return Reply{}, fmt.Errorf("decode done event: %w", err)
			}
			if reply.Text == "" {
				reply.Text = assembled.String()
			}
			return reply, nil
		case "error":
			var se streamError
			_ = json.Unmarshal([]byte(data), &se)
			if assembled.Len() > 0 {
				// Tokens already reached the caller; surface what we have.
				return Reply{Text: assembled.String()}, nil
			}
			if se.Message == "" {
				se.Message = "stream error"
			}
			return Reply{}, fmt.Errorf("brain stream error: %s", se.Message)
		case "meta", "ping":
			// Keepalive and metadata events carry nothing the runtime needs.
		}
	}
	if err := scanner.Err(); err != nil {
		if assembled.Len() > 0 {
			return Reply{Text: assembled.String()}, nil
		}
		return Reply{}, fmt.Errorf("stream read: %w", err)
	}

	// Stream ended without a done event; treat accumulated text as the reply.
	if assembled.Len() > 0 {
		return Reply{Text: assembled.String()}, nil
	}
	return Reply{}, fmt.Errorf("brain stream ended without done event")
}
