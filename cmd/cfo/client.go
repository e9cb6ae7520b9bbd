package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// client calls the operator API of a running agent.
type client struct {
	base   string
	apiKey string
	http   *http.Client
}

func newClient(base, apiKey string) *client {
	return &client{
		base:   strings.TrimRight(base, "/"),
		apiKey: apiKey,
		http:   &http.Client{},
	}
}

func (c *client) Status(ctx context.Context) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/api/status", nil)
}

func (c *client) Cycle(ctx context.Context) ([]byte, error) {
	return c.do(ctx, http.MethodPost, "/api/cycle", nil)
}

func (c *client) Pause(ctx context.Context, reason string, exit bool) ([]byte, error) {
	path := "/api/pause"
	if exit {
		path += "?exit=true"
	}
	return c.do(ctx, http.MethodPost, path, reasonOf(reason))
}

func (c *client) Resume(ctx context.Context, reason string) ([]byte, error) {
	return c.do(ctx, http.MethodPost, "/api/resume", reasonOf(reason))
}

func (c *client) Approve(ctx context.Context, id int64) ([]byte, error) {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/approvals/%d/approve", id), nil)
}

func (c *client) Reject(ctx context.Context, id int64, reason string) ([]byte, error) {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/approvals/%d/reject", id), reasonOf(reason))
}

func reasonOf(reason string) any {
	if reason == "" {
		return nil
	}
	return map[string]string{"reason": reason}
}

// do sends one request and returns the indented response body. Non-2xx
// responses return the body together with an error.
func (c *client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("cfo: encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("cfo: build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cfo: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("cfo: read response: %w", err)
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		raw = pretty.Bytes()
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return raw, fmt.Errorf("cfo: %s %s: %s", method, path, resp.Status)
	}
	return raw, nil
}
