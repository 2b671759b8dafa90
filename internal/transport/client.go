package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/fieldbooks/fieldbooks/internal/protocol"
	"github.com/fieldbooks/fieldbooks/internal/schema"
)

// Client talks to a sync server over HTTP. It satisfies the engine's
// Remote interface.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a client for the server at baseURL, authenticating
// with the given bearer token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Upload pushes a batch of records for one table.
func (c *Client) Upload(ctx context.Context, req *protocol.UploadRequest) (*protocol.UploadResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode upload request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/sync/%s/upload", c.baseURL, url.PathEscape(req.Table))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var resp protocol.UploadResponse
	if err := c.do(httpReq, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Download pulls one page of foreign-device records.
func (c *Client) Download(ctx context.Context, req *protocol.DownloadRequest) (*protocol.DownloadResponse, error) {
	q := url.Values{}
	q.Set("device_id", req.DeviceID)
	if req.Cursor > 0 {
		q.Set("cursor", strconv.FormatInt(req.Cursor, 10))
	}
	if !req.Since.IsZero() {
		q.Set("since", schema.FormatTime(req.Since))
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}

	endpoint := fmt.Sprintf("%s/v1/sync/%s/download?%s",
		c.baseURL, url.PathEscape(req.Table), q.Encode())
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	var resp protocol.DownloadResponse
	if err := c.do(httpReq, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Conflicts fetches lost-write audit entries.
func (c *Client) Conflicts(ctx context.Context, req *protocol.ConflictsRequest) ([]protocol.ConflictRecord, error) {
	q := url.Values{}
	if req.DeviceID != "" {
		q.Set("device_id", req.DeviceID)
	}
	if !req.Since.IsZero() {
		q.Set("since", schema.FormatTime(req.Since))
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}

	endpoint := fmt.Sprintf("%s/v1/sync/conflicts?%s", c.baseURL, q.Encode())
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	var conflicts []protocol.ConflictRecord
	if err := c.do(httpReq, &conflicts); err != nil {
		return nil, err
	}
	return conflicts, nil
}

// Status fetches the server's aggregate view.
func (c *Client) Status(ctx context.Context) (*protocol.ServerStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/sync/status", nil)
	if err != nil {
		return nil, err
	}

	var status protocol.ServerStatus
	if err := c.do(httpReq, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", req.URL.Path, err)
	}
	return nil
}
