package fireworks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
)

const (
	DefaultBaseURL = "https://api.fireworks.ai/inference/v1"
	DefaultModel   = "flux-kontext-pro"
)

// Workflow statuses reported by get_result. Anything else means the job
// is still running.
const (
	StatusReady            = "Ready"
	StatusErrored          = "Error"
	StatusContentModerated = "Content Moderated"
	StatusRequestModerated = "Request Moderated"
)

// IsTerminalFailure reports whether status ends a job without a result.
func IsTerminalFailure(status string) bool {
	switch status {
	case StatusErrored, StatusContentModerated, StatusRequestModerated:
		return true
	}
	return false
}

type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client

	maxRetries      uint64
	initialInterval time.Duration
}

type CreateRequest struct {
	Prompt              string   `json:"prompt"`
	InputImage          *string  `json:"input_image"`
	Seed                *int64   `json:"seed"`
	AspectRatio         *string  `json:"aspect_ratio"`
	OutputFormat        string   `json:"output_format"`
	PromptUpsampling    bool     `json:"prompt_upsampling"`
	SafetyTolerance     int      `json:"safety_tolerance"`
	ImagePromptStrength *float64 `json:"image_prompt_strength,omitempty"`
}

type CreateResponse struct {
	RequestID string
	// Raw is the decoded response body, or {"_raw": text} when it was not JSON.
	Raw json.RawMessage
}

type ResultResponse struct {
	Status string
	Result json.RawMessage
	Raw    json.RawMessage
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       json.RawMessage
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d, body: %s", e.StatusCode, string(e.Body))
}

type Option func(*Client)

// WithHTTPClient replaces the default 30s-timeout client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithRetry sets how often a poll is retried after a transport error and
// the first backoff interval.
func WithRetry(maxRetries uint64, initial time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.initialInterval = initial
	}
}

func NewClient(baseURL, model string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if model == "" {
		model = DefaultModel
	}
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		maxRetries:      2,
		initialInterval: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Model() string {
	return c.model
}

func (c *Client) workflowURL() string {
	return c.baseURL + "/workflows/accounts/fireworks/models/" + c.model
}

// Create submits a workflow job. A 2xx response without request_id is not
// an error here; callers decide how to treat it.
func (c *Client) Create(ctx context.Context, apiKey string, req CreateRequest) (*CreateResponse, error) {
	status, raw, err := c.post(ctx, apiKey, c.workflowURL(), req)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	if status < 200 || status >= 300 {
		return nil, &StatusError{StatusCode: status, Body: raw}
	}

	var body struct {
		RequestID string `json:"request_id"`
	}
	_ = json.Unmarshal(raw, &body)
	return &CreateResponse{RequestID: body.RequestID, Raw: raw}, nil
}

// GetResult fetches the state of job id. Transport failures are retried
// with exponential backoff; a non-2xx answer is returned at once as a
// *StatusError.
func (c *Client) GetResult(ctx context.Context, apiKey, id string) (*ResultResponse, error) {
	var (
		status int
		raw    json.RawMessage
	)
	op := func() error {
		var err error
		status, raw, err = c.post(ctx, apiKey, c.workflowURL()+"/get_result", map[string]string{"id": id})
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := c.RetryWithBackoff(ctx, op, c.maxRetries); err != nil {
		return nil, fmt.Errorf("failed to get result: %w", err)
	}
	if status < 200 || status >= 300 {
		return nil, &StatusError{StatusCode: status, Body: raw}
	}

	var body struct {
		Status string          `json:"status"`
		Result json.RawMessage `json:"result"`
	}
	_ = json.Unmarshal(raw, &body)
	return &ResultResponse{Status: body.Status, Result: body.Result, Raw: raw}, nil
}

// DownloadFile fetches a finished image so it can be archived.
func (c *Client) DownloadFile(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, "", fmt.Errorf("failed to download file: status %d, body: %s", resp.StatusCode, string(body))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read file: %w", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// RetryWithBackoff runs fn until it succeeds, maxRetries retries are used
// up or ctx ends.
func (c *Client) RetryWithBackoff(ctx context.Context, fn func() error, maxRetries uint64) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.initialInterval
	expo.MaxInterval = 2 * time.Second
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, maxRetries), ctx)

	if err := backoff.Retry(fn, bo); err != nil {
		return fmt.Errorf("failed after %d retries: %w", maxRetries, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, apiKey, url string, payload interface{}) (int, json.RawMessage, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp.StatusCode, SafeJSON(body), nil
}

// SafeJSON returns body unchanged when it is valid JSON and wraps it as
// {"_raw": text} otherwise.
func SafeJSON(body []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	wrapped, _ := json.Marshal(map[string]string{"_raw": string(body)})
	return wrapped
}

// ExtractImageURL pulls the image location out of a Ready result, trying
// result.sample, then result.url, then result itself as a string.
func ExtractImageURL(result json.RawMessage) string {
	if len(result) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(result, &s); err == nil {
		return s
	}

	var envelope struct {
		Sample interface{} `json:"sample"`
		URL    interface{} `json:"url"`
	}
	if err := json.Unmarshal(result, &envelope); err != nil {
		return ""
	}
	if v, ok := envelope.Sample.(string); ok && v != "" {
		return v
	}
	if v, ok := envelope.URL.(string); ok && v != "" {
		return v
	}
	return ""
}

// IsStatusError reports whether err carries a non-2xx provider answer.
func IsStatusError(err error) (*StatusError, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
