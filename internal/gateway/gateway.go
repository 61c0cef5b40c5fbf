// Package gateway is an optional CRUD passthrough client against an
// external API-gateway admin API (services, routes, consumers,
// plugins). It has no coupling to the core dispatch data model; it is
// only wired into ControlAPI when config enables it.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is a thin typed HTTP client against one gateway admin API,
// in the same shape as internal/upstream's per-backend client.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a Client bound to one gateway admin API base URL.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: timeout}}
}

// Resource is one of the gateway's manageable entity kinds.
type Resource string

const (
	ResourceServices  Resource = "services"
	ResourceRoutes    Resource = "routes"
	ResourceConsumers Resource = "consumers"
	ResourcePlugins   Resource = "plugins"
)

// List fetches every entity of a resource kind.
func (c *Client) List(ctx context.Context, res Resource) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, string(res), nil)
}

// Get fetches one entity by id.
func (c *Client) Get(ctx context.Context, res Resource, id string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, string(res)+"/"+id, nil)
}

// Create posts a new entity.
func (c *Client) Create(ctx context.Context, res Resource, body any) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, string(res), body)
}

// Delete removes an entity by id.
func (c *Client) Delete(ctx context.Context, res Resource, id string) error {
	_, err := c.do(ctx, http.MethodDelete, string(res)+"/"+id, nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("gateway: %s %s: status %d: %s", method, path, resp.StatusCode, string(respBody))
	}
	if len(respBody) == 0 {
		return nil, nil
	}
	return respBody, nil
}
