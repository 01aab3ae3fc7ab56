// Package agentrt is a client for a locally reachable opencode server.
package agentrt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultURL is where `opencode serve` listens by default.
const DefaultURL = "http://127.0.0.1:4096"

// Client talks to the agent runtime's HTTP API.
type Client struct {
	baseURL   string
	directory string
	http      *http.Client
	stream    *http.Client // No timeout; the event stream is long-lived
}

// NewClient creates a client. directory, when set, scopes sessions to a project checkout.
func NewClient(baseURL, directory string) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		directory: directory,
		http:      &http.Client{Timeout: 30 * time.Second},
		stream:    &http.Client{},
	}
}

// CreateSession starts a new agent session and returns its id.
func (c *Client) CreateSession(ctx context.Context, title string) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/session", map[string]string{"title": title}, &resp); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("create session: empty session id")
	}
	return resp.ID, nil
}

// PromptAsync sends a prompt without waiting for the agent's reply.
func (c *Client) PromptAsync(ctx context.Context, sessionID, prompt string) error {
	body := map[string]interface{}{
		"parts": []map[string]string{{"type": "text", "text": prompt}},
	}
	if err := c.post(ctx, "/session/"+url.PathEscape(sessionID)+"/prompt_async", body, nil); err != nil {
		return fmt.Errorf("send prompt: %w", err)
	}
	return nil
}

// Abort stops whatever the agent is doing in the session.
func (c *Client) Abort(ctx context.Context, sessionID string) error {
	if err := c.post(ctx, "/session/"+url.PathEscape(sessionID)+"/abort", nil, nil); err != nil {
		return fmt.Errorf("abort session: %w", err)
	}
	return nil
}

// Subscribe opens the runtime's event stream. The channel carries events for
// every session on the server and is closed when the stream ends or ctx is done.
func (c *Client) Subscribe(ctx context.Context) (<-chan Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/event"), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return nil, fmt.Errorf("subscribe: %s - %s", resp.Status, strings.TrimSpace(string(data)))
	}

	events := make(chan Event, 64)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		scanner := newSSEScanner(resp.Body)
		for scanner.Next() {
			ev, ok := parseEvent([]byte(scanner.Data()))
			if !ok {
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

func (c *Client) url(path string) string {
	u := c.baseURL + path
	if c.directory != "" {
		u += "?directory=" + url.QueryEscape(c.directory)
	}
	return u
}

func (c *Client) post(ctx context.Context, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path), body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s - %s", resp.Status, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
