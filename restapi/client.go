// Package restapi is the client side of the remote REST boundary. Each domain
// collection has one create/update/delete endpoint; the server returns the
// canonical entity (including its server-assigned id) on success and a
// structured error on failure. Failures are classified into connectivity-class
// (retryable) and validation-class (not retryable) before they leave this
// package.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rxops/pharmsync/queue"
	"github.com/rxops/pharmsync/syncerrors"
)

// Entity is the canonical server representation of a domain record.
type Entity struct {
	// ID is the server-assigned identifier.
	ID string

	// Data holds the full decoded entity body.
	Data map[string]any
}

// Client is the remote API boundary consumed by the dispatch gateway and the
// sync engine.
type Client interface {
	Create(ctx context.Context, collection queue.Collection, payload map[string]any) (*Entity, error)
	Update(ctx context.Context, collection queue.Collection, id string, payload map[string]any) (*Entity, error)
	Delete(ctx context.Context, collection queue.Collection, id string) error
}

// errorBody is the structured error shape the server returns.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type idempotencyKeyContextKey struct{}

// WithIdempotencyKey returns a context carrying an idempotency key. The HTTP
// client sends it as the Idempotency-Key header so a create replayed after an
// ambiguous failure is applied at most once server-side.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyContextKey{}, key)
}

// IdempotencyKeyFrom returns the key set by WithIdempotencyKey, or "".
func IdempotencyKeyFrom(ctx context.Context) string {
	if v, ok := ctx.Value(idempotencyKeyContextKey{}).(string); ok {
		return v
	}
	return ""
}

// HTTPClient implements Client over HTTP+JSON.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	maxBody int64
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(cl *http.Client) Option {
	return func(c *HTTPClient) {
		c.http = cl
	}
}

// WithTimeout sets the per-request timeout on the underlying HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *HTTPClient) {
		c.http.Timeout = d
	}
}

// WithMaxBodyBytes bounds response body reads.
func WithMaxBodyBytes(n int64) Option {
	return func(c *HTTPClient) {
		c.maxBody = n
	}
}

// NewHTTPClient creates a client for the pharmacy API at baseURL.
func NewHTTPClient(baseURL string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		maxBody: 4 << 20, // 4MB
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

var _ Client = (*HTTPClient)(nil)

func (c *HTTPClient) Create(ctx context.Context, collection queue.Collection, payload map[string]any) (*Entity, error) {
	url := fmt.Sprintf("%s/api/%s", c.baseURL, collection)
	return c.doEntity(ctx, http.MethodPost, url, payload)
}

func (c *HTTPClient) Update(ctx context.Context, collection queue.Collection, id string, payload map[string]any) (*Entity, error) {
	url := fmt.Sprintf("%s/api/%s/%s", c.baseURL, collection, id)
	return c.doEntity(ctx, http.MethodPut, url, payload)
}

func (c *HTTPClient) Delete(ctx context.Context, collection queue.Collection, id string) error {
	url := fmt.Sprintf("%s/api/%s/%s", c.baseURL, collection, id)
	_, err := c.do(ctx, http.MethodDelete, url, nil)
	return err
}

func (c *HTTPClient) doEntity(ctx context.Context, method, url string, payload map[string]any) (*Entity, error) {
	body, err := c.do(ctx, method, url, payload)
	if err != nil {
		return nil, err
	}
	return decodeEntity(body)
}

func (c *HTTPClient) do(ctx context.Context, method, url string, payload map[string]any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, syncerrors.NewValidationError(syncerrors.OpDispatch, err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, syncerrors.NewValidationError(syncerrors.OpDispatch, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key := IdempotencyKeyFrom(ctx); key != "" {
		req.Header.Set("Idempotency-Key", key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, syncerrors.ClassifyTransportError(syncerrors.OpDispatch, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	if err != nil {
		return nil, syncerrors.ClassifyTransportError(syncerrors.OpDispatch, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}

	return nil, syncerrors.FromHTTPStatus(syncerrors.OpDispatch, resp.StatusCode, serverError(resp.StatusCode, body))
}

func serverError(status int, body []byte) error {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil && eb.Error.Message != "" {
		if eb.Error.Code != "" {
			return fmt.Errorf("%s: %s", eb.Error.Code, eb.Error.Message)
		}
		return fmt.Errorf("%s", eb.Error.Message)
	}
	return fmt.Errorf("server returned status %d", status)
}

func decodeEntity(body []byte) (*Entity, error) {
	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, syncerrors.NewConnectivityError(syncerrors.OpDispatch,
			fmt.Errorf("malformed entity response: %w", err))
	}

	id, ok := entityID(data)
	if !ok {
		return nil, syncerrors.NewConnectivityError(syncerrors.OpDispatch,
			fmt.Errorf("entity response missing id"))
	}

	return &Entity{ID: id, Data: data}, nil
}

// entityID extracts the server-assigned id, tolerating numeric ids.
func entityID(data map[string]any) (string, bool) {
	switch v := data["id"].(type) {
	case string:
		return v, v != ""
	case float64:
		return strconv.FormatInt(int64(v), 10), true
	case json.Number:
		return v.String(), true
	default:
		return "", false
	}
}
