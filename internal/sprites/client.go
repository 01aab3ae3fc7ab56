package sprites

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

	sdk "github.com/superfly/sprites-go"
)

// Sprite is the control plane's view of a sandbox.
type Sprite struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	URL    string `json:"url,omitempty"`
}

// ExecOptions configures a command run inside a sprite.
type ExecOptions struct {
	Env   []string  // KEY=value pairs
	Dir   string    // Working directory
	Stdin io.Reader // Used to upload file content without a transfer API
}

// Client talks to the Sprites control plane. Resource operations go over the
// REST API directly; command execution goes through the SDK.
type Client struct {
	sdk     *sdk.Client
	token   string
	baseURL string
	http    *http.Client
}

// NewClient creates a Sprites client for the given token and API URL.
func NewClient(token, baseURL string) (*Client, error) {
	if token == "" {
		return nil, ErrConfig
	}
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}
	return &Client{
		sdk:     sdk.New(token),
		token:   token,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// Create creates a sprite with the given name.
func (c *Client) Create(ctx context.Context, name string) (*Sprite, error) {
	body, _ := json.Marshal(map[string]string{"name": name})
	var sprite Sprite
	if err := c.do(ctx, "create", http.MethodPost, "/v1/sprites", body, &sprite); err != nil {
		return nil, err
	}
	if sprite.Name == "" {
		sprite.Name = name
	}
	return &sprite, nil
}

// Get returns the named sprite.
func (c *Client) Get(ctx context.Context, name string) (*Sprite, error) {
	var sprite Sprite
	if err := c.do(ctx, "get", http.MethodGet, "/v1/sprites/"+url.PathEscape(name), nil, &sprite); err != nil {
		return nil, err
	}
	return &sprite, nil
}

// List returns the names of all sprites starting with prefix.
func (c *Client) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	token := ""
	for {
		q := url.Values{}
		if prefix != "" {
			q.Set("prefix", prefix)
		}
		if token != "" {
			q.Set("continuation_token", token)
		}
		path := "/v1/sprites"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		var page struct {
			Sprites   []Sprite `json:"sprites"`
			HasMore   bool     `json:"has_more"`
			NextToken string   `json:"next_continuation_token"`
		}
		if err := c.do(ctx, "list", http.MethodGet, path, nil, &page); err != nil {
			return nil, err
		}
		for _, s := range page.Sprites {
			// The API filters by prefix, but don't depend on it
			if strings.HasPrefix(s.Name, prefix) {
				names = append(names, s.Name)
			}
		}
		if !page.HasMore || page.NextToken == "" {
			return names, nil
		}
		token = page.NextToken
	}
}

// Destroy deletes the named sprite. Returns ErrNotFound if it does not exist.
func (c *Client) Destroy(ctx context.Context, name string) error {
	return c.do(ctx, "destroy", http.MethodDelete, "/v1/sprites/"+url.PathEscape(name), nil, nil)
}

// Exec runs argv inside the sprite and returns its combined output.
func (c *Client) Exec(ctx context.Context, name string, argv []string, opts ExecOptions) ([]byte, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("exec on %s: empty command", name)
	}
	sprite := c.sdk.Sprite(name)
	cmd := sprite.CommandContext(ctx, argv[0], argv[1:]...)
	if len(opts.Env) > 0 {
		cmd.Env = opts.Env
	}
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	if opts.Stdin != nil {
		cmd.Stdin = opts.Stdin
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("exec %s on %s: %w", argv[0], name, err)
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sprites %s: %w", op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}
