package monarch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/voltgrid/voltgrid/reload"
)

// Client is the online-mode HTTP client against a running service.
type Client struct {
	BaseURL string
	http    *http.Client
}

// NewClient creates a client with sane timeouts.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("monarch: %s %s: %s: %s", method, path, resp.Status, string(raw))
	}
	if out != nil {
		return json.Unmarshal(raw, out)
	}
	return nil
}

// Health fetches the service health document.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

// Channels lists channel summaries.
func (c *Client) Channels(ctx context.Context) ([]map[string]any, error) {
	var out []map[string]any
	err := c.do(ctx, http.MethodGet, "/api/channels", nil, &out)
	return out, err
}

// ChannelStatus fetches one channel's status.
func (c *Client) ChannelStatus(ctx context.Context, id uint16) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/channels/%d/status", id), nil, &out)
	return out, err
}

// Control sends a control command.
func (c *Client) Control(ctx context.Context, id uint16, pointID uint32, value float64) (string, error) {
	var out struct {
		CommandID string `json:"command_id"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/channels/%d/control", id),
		map[string]any{"point_id": pointID, "value": value}, &out)
	return out.CommandID, err
}

// Adjust sends an adjustment setpoint.
func (c *Client) Adjust(ctx context.Context, id uint16, pointID uint32, value float64) (string, error) {
	var out struct {
		CommandID string `json:"command_id"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/channels/%d/points/%d/adjustment", id, pointID),
		map[string]any{"value": value}, &out)
	return out.CommandID, err
}

// ReloadChannels issues the comsrv reload RPC. The RPC is idempotent.
func (c *Client) ReloadChannels(ctx context.Context) (reload.Result, error) {
	var out reload.Result
	err := c.do(ctx, http.MethodPost, "/api/channels/reload", nil, &out)
	return out, err
}

// ReloadInstances issues the modsrv reload RPC.
func (c *Client) ReloadInstances(ctx context.Context) (reload.Result, error) {
	var out reload.Result
	err := c.do(ctx, http.MethodPost, "/api/instances/reload", nil, &out)
	return out, err
}
