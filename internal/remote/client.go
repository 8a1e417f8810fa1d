package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/vanishlist/vanish/internal/schema"
)

// Client is a Store that talks to a Server over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the API at baseURL. A nil httpClient
// means http.DefaultClient; per-call deadlines come from the context.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// ListTasks implements Store.
func (c *Client) ListTasks(ctx context.Context) ([]schema.Record, error) {
	var records []schema.Record
	if err := c.do(ctx, http.MethodGet, "/tasks", nil, &records); err != nil {
		return nil, err
	}
	if records == nil {
		records = []schema.Record{}
	}
	return records, nil
}

// InsertTask implements Store.
func (c *Client) InsertTask(ctx context.Context, r schema.Record) (string, error) {
	req := InsertRequest{ID: r.ID, Text: r.Text, Checked: r.Checked, Time: r.Time}
	var resp InsertResponse
	if err := c.do(ctx, http.MethodPost, "/tasks", req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// DeleteTask implements Store.
func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/tasks/"+url.PathEscape(id), nil, nil)
}

// ToggleChecked implements Store.
func (c *Client) ToggleChecked(ctx context.Context, id string) (bool, error) {
	var resp ToggleResponse
	if err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(id)+"/toggle", nil, &resp); err != nil {
		return false, err
	}
	return resp.Checked, nil
}

// EditText implements Store.
func (c *Client) EditText(ctx context.Context, id, text string) error {
	return c.do(ctx, http.MethodPatch, "/tasks/"+url.PathEscape(id), EditRequest{Text: text}, nil)
}

// do sends one request and decodes the answer into out when out is non-nil.
// Transport failures and 5xx answers are reported as ErrUnavailable.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return errorFromResponse(method, path, resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode %s %s response: %v", ErrUnavailable, method, path, err)
	}
	return nil
}

// errorFromResponse maps an error answer to a sentinel. Only answers that
// carry this server's code for their status are mapped; a bare 4xx from a
// proxy or gateway in front of the API is reported as a plain error so the
// caller retries rather than acting on it.
func errorFromResponse(method, path string, resp *http.Response) error {
	var e ErrorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &e); err != nil || e.Error == "" {
		e = ErrorResponse{Error: strings.TrimSpace(string(data))}
	}

	var sentinel error
	switch {
	case resp.StatusCode == http.StatusNotFound && e.Code == CodeNotFound:
		sentinel = ErrNotFound
	case resp.StatusCode == http.StatusConflict && e.Code == CodeAlreadyExists:
		sentinel = ErrAlreadyExists
	case resp.StatusCode == http.StatusBadRequest && e.Code == CodeInvalidTask:
		sentinel = schema.ErrInvalidTask
	case resp.StatusCode >= 500:
		sentinel = ErrUnavailable
	default:
		return fmt.Errorf("%s %s: unexpected status %d: %s", method, path, resp.StatusCode, e.Error)
	}
	return fmt.Errorf("%w: %s %s: %s", sentinel, method, path, e.Error)
}
