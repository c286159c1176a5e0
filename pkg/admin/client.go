package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// HTTPClient can perform any http request.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client talks to the admin API of a running server.
type Client struct {
	client  HTTPClient
	address string
	logger  *slog.Logger
}

// NewClient creates a Client for the admin API at address, e.g. http://localhost:8081.
func NewClient(address string, logger *slog.Logger) *Client {
	return NewClientWithHTTPClient(address, logger, &http.Client{})
}

func NewClientWithHTTPClient(address string, logger *slog.Logger, httpClient HTTPClient) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}
	return &Client{
		client:  httpClient,
		address: strings.TrimRight(address, "/"),
		logger:  logger,
	}
}

// Slots fetches the current slot statistics.
func (c *Client) Slots(ctx context.Context) (SlotsResponse, error) {
	var out SlotsResponse
	err := c.do(ctx, http.MethodGet, "/slots", nil, &out)
	return out, err
}

// SetEnabled turns admission control on or off and returns the new statistics.
func (c *Client) SetEnabled(ctx context.Context, enabled bool) (SlotsResponse, error) {
	body, err := json.Marshal(EnabledRequest{Enabled: &enabled})
	if err != nil {
		return SlotsResponse{}, err
	}

	var out SlotsResponse
	err = c.do(ctx, http.MethodPut, "/slots/enabled", body, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.address+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("admin request failed", "method", method, "path", path, "error", err)
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Error("error closing the response body", "error", err)
		}
	}()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("admin: %s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(b)))
	}
	return json.Unmarshal(b, out)
}
