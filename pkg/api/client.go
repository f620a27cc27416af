package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/openfroyo/modulefactory/pkg/engine"
	"github.com/openfroyo/modulefactory/pkg/protocol"
)

// Client is a typed client for the factory HTTP API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithToken sets the bearer token sent on every request.
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a client for the API at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Message    string
	Code       string
	Kind       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("HTTP %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// HTTPStatus returns the response status code.
func (e *APIError) HTTPStatus() int {
	return e.StatusCode
}

// Submit posts a build request.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	var resp SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/v1/builds", req, http.StatusAccepted, &resp); err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}
	return &resp, nil
}

// Get returns one instance.
func (c *Client) Get(ctx context.Context, id string) (*engine.WorkflowInstance, error) {
	var inst engine.WorkflowInstance
	if err := c.do(ctx, http.MethodGet, "/v1/builds/"+url.PathEscape(id), nil, http.StatusOK, &inst); err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	return &inst, nil
}

// List returns instances, optionally restricted to states.
func (c *Client) List(ctx context.Context, filter engine.InstanceFilter) ([]*engine.WorkflowInstance, error) {
	q := url.Values{}
	for _, s := range filter.States {
		q.Add("state", string(s))
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		q.Set("offset", strconv.Itoa(filter.Offset))
	}

	path := "/v1/builds"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp ListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &resp); err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	return resp.Instances, nil
}

// Cancel requests cancellation of an instance.
func (c *Client) Cancel(ctx context.Context, id string) (*SubmitResponse, error) {
	var resp SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/v1/builds/"+url.PathEscape(id)+"/cancel", nil, http.StatusAccepted, &resp); err != nil {
		return nil, fmt.Errorf("cancel %s: %w", id, err)
	}
	return &resp, nil
}

// Signal posts a completion callback.
func (c *Client) Signal(ctx context.Context, req protocol.CallbackRequest) (*protocol.CallbackResponse, error) {
	var resp protocol.CallbackResponse
	if err := c.do(ctx, http.MethodPost, CallbackPath, req, http.StatusOK, &resp); err != nil {
		return nil, fmt.Errorf("signal: %w", err)
	}
	return &resp, nil
}

// Events returns stored events, optionally for one instance.
func (c *Client) Events(ctx context.Context, instanceID string, limit int) ([]*engine.Event, error) {
	var resp EventsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/events"+listQuery(instanceID, limit), nil, http.StatusOK, &resp); err != nil {
		return nil, fmt.Errorf("events: %w", err)
	}
	return resp.Events, nil
}

// Audit returns stored audit entries, optionally for one instance.
func (c *Client) Audit(ctx context.Context, instanceID string, limit int) (*AuditResponse, error) {
	var resp AuditResponse
	if err := c.do(ctx, http.MethodGet, "/v1/audit"+listQuery(instanceID, limit), nil, http.StatusOK, &resp); err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	return &resp, nil
}

// Health returns the server health.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, http.StatusOK, &resp); err != nil {
		return nil, fmt.Errorf("health: %w", err)
	}
	return &resp, nil
}

func listQuery(instanceID string, limit int) string {
	q := url.Values{}
	if instanceID != "" {
		q.Set("instance", instanceID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, want int, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var er ErrorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		if json.Unmarshal(data, &er) == nil && er.Error != "" {
			apiErr.Message, apiErr.Code, apiErr.Kind = er.Error, er.Code, er.Kind
		} else {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
