package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/crawlpoint/crawlpoint/pkg/apierr"
	"github.com/crawlpoint/crawlpoint/pkg/queue"
	"github.com/crawlpoint/crawlpoint/pkg/types"
)

// Client is a Go client for the Crawlpoint HTTP API. It is what run
// containers and operator tooling use to talk back to the server.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a client. token is an API key or a per-run token.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// WithHTTPClient swaps the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apierr.Dependency(err, "crawlpoint api")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("failed to decode response data: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	var envelope struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil || envelope.Error.Type == "" {
		return apierr.New(apierr.TypeInternal, "unexpected status %d", resp.StatusCode)
	}
	return apierr.New(apierr.Type(envelope.Error.Type), "%s", envelope.Error.Message)
}

// CreateActor registers an actor definition.
func (c *Client) CreateActor(ctx context.Context, name string, opts types.RunOptions) (*types.Actor, error) {
	var actor types.Actor
	err := c.do(ctx, http.MethodPost, "/v2/acts", map[string]any{
		"name":              name,
		"defaultRunOptions": opts,
	}, &actor)
	if err != nil {
		return nil, err
	}
	return &actor, nil
}

// GetActor reads an actor.
func (c *Client) GetActor(ctx context.Context, actorID string) (*types.Actor, error) {
	var actor types.Actor
	if err := c.do(ctx, http.MethodGet, "/v2/acts/"+actorID, nil, &actor); err != nil {
		return nil, err
	}
	return &actor, nil
}

// StartRunOptions carries per-run overrides.
type StartRunOptions struct {
	Input       any
	TimeoutSecs int
	MemoryMB    int
}

// StartRun creates a run of the actor.
func (c *Client) StartRun(ctx context.Context, actorID string, opts StartRunOptions) (*types.Run, error) {
	body := map[string]any{}
	if opts.Input != nil {
		body["input"] = opts.Input
	}
	if opts.TimeoutSecs > 0 {
		body["timeout"] = opts.TimeoutSecs
	}
	if opts.MemoryMB > 0 {
		body["memory"] = opts.MemoryMB
	}
	var run types.Run
	if err := c.do(ctx, http.MethodPost, "/v2/acts/"+actorID+"/runs", body, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// GetRun reads a run.
func (c *Client) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	var run types.Run
	if err := c.do(ctx, http.MethodGet, "/v2/actor-runs/"+runID, nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// AbortRun aborts a running run.
func (c *Client) AbortRun(ctx context.Context, runID string) (*types.Run, error) {
	var run types.Run
	if err := c.do(ctx, http.MethodPost, "/v2/actor-runs/"+runID+"/abort", nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ResurrectRun restarts a finished run.
func (c *Client) ResurrectRun(ctx context.Context, runID string) (*types.Run, error) {
	var run types.Run
	if err := c.do(ctx, http.MethodPost, "/v2/actor-runs/"+runID+"/resurrect", nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// UpdateRunStatus is the trusted transition used by containers holding a
// per-run token.
func (c *Client) UpdateRunStatus(ctx context.Context, runID string, status types.RunStatus, message string) (*types.Run, error) {
	var run types.Run
	err := c.do(ctx, http.MethodPut, "/v2/actor-runs/"+runID, map[string]any{
		"status":        status,
		"statusMessage": message,
	}, &run)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// PushItems appends items to a dataset.
func (c *Client) PushItems(ctx context.Context, datasetID string, items ...any) error {
	return c.do(ctx, http.MethodPost, "/v2/datasets/"+datasetID+"/items", items, nil)
}

// ListItems reads a window of dataset items into out, which must be a
// pointer to a slice.
func (c *Client) ListItems(ctx context.Context, datasetID string, offset, limit int64, out any) error {
	path := fmt.Sprintf("/v2/datasets/%s/items?offset=%d&limit=%d", datasetID, offset, limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.http.Do(req)
	if err != nil {
		return apierr.Dependency(err, "crawlpoint api")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	// Items come back as a bare array, not enveloped.
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode items: %w", err)
	}
	return nil
}

// SetRecord writes a key-value record.
func (c *Client) SetRecord(ctx context.Context, storeID, key, contentType string, value []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.baseURL+"/v2/key-value-stores/"+storeID+"/records/"+url.PathEscape(key), bytes.NewReader(value))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", contentType)
	resp, err := c.http.Do(req)
	if err != nil {
		return apierr.Dependency(err, "crawlpoint api")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	return nil
}

// GetRecord reads a key-value record. A missing key returns (nil, "", nil).
func (c *Client) GetRecord(ctx context.Context, storeID, key string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v2/key-value-stores/"+storeID+"/records/"+url.PathEscape(key), nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", apierr.Dependency(err, "crawlpoint api")
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return nil, "", nil
	}
	if resp.StatusCode >= 400 {
		return nil, "", decodeAPIError(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read record: %w", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// DeleteRecord removes a key-value record.
func (c *Client) DeleteRecord(ctx context.Context, storeID, key string) error {
	return c.do(ctx, http.MethodDelete, "/v2/key-value-stores/"+storeID+"/records/"+url.PathEscape(key), nil, nil)
}

// AddRequest enqueues one request.
func (c *Client) AddRequest(ctx context.Context, queueID string, req *queue.NewRequest, forefront bool) (*queue.AddResult, error) {
	path := "/v2/request-queues/" + queueID + "/requests"
	if forefront {
		path += "?forefront=true"
	}
	var res queue.AddResult
	if err := c.do(ctx, http.MethodPost, path, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// AcquireHead leases up to limit requests for lockSecs under clientKey.
func (c *Client) AcquireHead(ctx context.Context, queueID, clientKey string, limit, lockSecs int) (*queue.HeadResult, error) {
	path := fmt.Sprintf("/v2/request-queues/%s/head/lock?limit=%d&lockSecs=%d&clientKey=%s",
		queueID, limit, lockSecs, url.QueryEscape(clientKey))
	var res queue.HeadResult
	if err := c.do(ctx, http.MethodPost, path, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// MarkHandled marks a leased request handled.
func (c *Client) MarkHandled(ctx context.Context, queueID, requestID, clientKey string) (*types.Request, error) {
	handledAt := time.Now().UTC()
	path := fmt.Sprintf("/v2/request-queues/%s/requests/%s?clientKey=%s",
		queueID, requestID, url.QueryEscape(clientKey))
	var req types.Request
	if err := c.do(ctx, http.MethodPut, path, queue.RequestPatch{HandledAt: &handledAt}, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// ProlongLock extends the caller's lease.
func (c *Client) ProlongLock(ctx context.Context, queueID, requestID, clientKey string, lockSecs int) (time.Time, error) {
	path := fmt.Sprintf("/v2/request-queues/%s/requests/%s/lock?clientKey=%s&lockSecs=%d",
		queueID, requestID, url.QueryEscape(clientKey), lockSecs)
	var res struct {
		LockExpiresAt time.Time `json:"lockExpiresAt"`
	}
	if err := c.do(ctx, http.MethodPut, path, nil, &res); err != nil {
		return time.Time{}, err
	}
	return res.LockExpiresAt, nil
}

// ReleaseLock drops the caller's lease.
func (c *Client) ReleaseLock(ctx context.Context, queueID, requestID, clientKey string) error {
	path := fmt.Sprintf("/v2/request-queues/%s/requests/%s/lock?clientKey=%s",
		queueID, requestID, url.QueryEscape(clientKey))
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}
