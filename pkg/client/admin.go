// Package client talks to a running master: its admin HTTP API and its gRPC
// health endpoint.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"fsgrid/pkg/admin"
	"fsgrid/pkg/types"
)

// APIError is a non-2xx answer from the admin API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("master returned %d: %s", e.StatusCode, e.Message)
}

// NotFound reports whether err is an APIError for a missing slave.
func NotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

type AdminClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewAdminClient(baseURL string, timeout time.Duration) *AdminClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &AdminClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *AdminClient) ListSlaves(ctx context.Context) ([]types.SlaveInfo, error) {
	var out []types.SlaveInfo
	err := c.do(ctx, http.MethodGet, "/slaves", nil, &out)
	return out, err
}

func (c *AdminClient) GetSlave(ctx context.Context, name string) (*types.SlaveInfo, error) {
	var out types.SlaveInfo
	if err := c.do(ctx, http.MethodGet, "/slaves/"+url.PathEscape(name), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *AdminClient) AddSlave(ctx context.Context, req admin.AddRequest) (*types.SlaveInfo, error) {
	var out types.SlaveInfo
	if err := c.do(ctx, http.MethodPost, "/slaves", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *AdminClient) RemoveSlave(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/slaves/"+url.PathEscape(name), nil, nil)
}

func (c *AdminClient) KickSlave(ctx context.Context, name, by string) error {
	return c.do(ctx, http.MethodPost, "/slaves/"+url.PathEscape(name)+"/kick", admin.KickRequest{By: by}, nil)
}

func (c *AdminClient) RemergeSlave(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/slaves/"+url.PathEscape(name)+"/remerge", nil, nil)
}

func (c *AdminClient) Verify(ctx context.Context) (int, error) {
	var out admin.VerifyResponse
	err := c.do(ctx, http.MethodPost, "/slaves/verify", nil, &out)
	return out.Removed, err
}

func (c *AdminClient) Status(ctx context.Context) (*admin.StatusResponse, error) {
	var out admin.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *AdminClient) Select(ctx context.Context, count int, exempt []string, ascending bool) ([]types.SlaveInfo, error) {
	q := url.Values{}
	q.Set("count", strconv.Itoa(count))
	q.Set("ascending", strconv.FormatBool(ascending))
	if len(exempt) > 0 {
		q.Set("exempt", strings.Join(exempt, ","))
	}

	var out []types.SlaveInfo
	err := c.do(ctx, http.MethodGet, "/select?"+q.Encode(), nil, &out)
	return out, err
}

// Files copies the master's namespace listing to w.
func (c *AdminClient) Files(ctx context.Context, w io.Writer) error {
	resp, err := c.send(ctx, http.MethodGet, "/files", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("failed to read namespace: %w", err)
	}
	return nil
}

func (c *AdminClient) do(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	return nil
}

// send returns the response only when its status is 2xx.
func (c *AdminClient) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach master at %s: %w", c.baseURL, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var apiErr struct {
		Error string `json:"error"`
	}
	message := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
		message = apiErr.Error
	}
	return nil, &APIError{StatusCode: resp.StatusCode, Message: message}
}
