package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vyvo/compute/reviewci/pkg/builder"
	"github.com/vyvo/compute/reviewci/pkg/queue"
)

// ErrNotFound is returned when the server reports a missing job or build.
var ErrNotFound = errors.New("resource not found")

// APIError carries a non-success response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("reviewci server returned %d: %s", e.Status, e.Message)
}

// Client talks to reviewci-server over HTTP.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client. token may be empty when the server does not
// require one.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.httpClient.Do(req)
}

func readError(resp *http.Response) error {
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(payload))
	if json.Unmarshal(payload, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}

// Poll runs a selection cycle for job and returns the queued item, if any.
func (c *Client) Poll(ctx context.Context, job string) (*queue.Item, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(job)+"/poll", nil)
	if err != nil {
		return nil, fmt.Errorf("poll: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return nil, readError(resp)
	}
	var out struct {
		Queued *queue.Item `json:"queued"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode poll response: %w", err)
	}
	return out.Queued, nil
}

// Claim takes the next queued build of job, waiting up to wait. It returns
// nil when nothing is queued.
func (c *Client) Claim(ctx context.Context, job string, wait time.Duration) (*builder.Build, error) {
	path := fmt.Sprintf("/api/jobs/%s/builds/claim?wait=%s", url.PathEscape(job), url.QueryEscape(wait.String()))
	resp, err := c.do(ctx, http.MethodPost, path, nil)
	if err != nil {
		return nil, fmt.Errorf("claim build: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusCreated:
	default:
		return nil, readError(resp)
	}
	var out struct {
		Build builder.Build `json:"build"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode claim response: %w", err)
	}
	return &out.Build, nil
}

// Complete reports a build result. The returned build is valid even when the
// server could not notify the review server; the error then describes why.
func (c *Client) Complete(ctx context.Context, buildID string, req builder.CompleteRequest) (builder.Build, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/builds/"+url.PathEscape(buildID)+"/complete", req)
	if err != nil {
		return builder.Build{}, fmt.Errorf("complete build: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return builder.Build{}, fmt.Errorf("read complete response: %w", err)
	}
	var out struct {
		Build builder.Build `json:"build"`
		Error string        `json:"error"`
	}
	_ = json.Unmarshal(payload, &out)

	if resp.StatusCode == http.StatusOK {
		return out.Build, nil
	}
	if resp.StatusCode == http.StatusNotFound {
		return out.Build, ErrNotFound
	}
	msg := out.Error
	if msg == "" {
		msg = out.Build.Error
	}
	if msg == "" {
		msg = strings.TrimSpace(string(payload))
	}
	return out.Build, &APIError{Status: resp.StatusCode, Message: msg}
}

// GetBuild fetches a build by id.
func (c *Client) GetBuild(ctx context.Context, buildID string) (builder.Build, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/builds/"+url.PathEscape(buildID), nil)
	if err != nil {
		return builder.Build{}, fmt.Errorf("get build: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return builder.Build{}, readError(resp)
	}
	var out struct {
		Build builder.Build `json:"build"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return builder.Build{}, fmt.Errorf("decode build: %w", err)
	}
	return out.Build, nil
}

// StreamLogs follows a build's console until the server closes the stream
// or ctx is done, calling fn for every line.
func (c *Client) StreamLogs(ctx context.Context, buildID string, fn func(line string) error) error {
	resp, err := c.do(ctx, http.MethodGet, "/api/builds/"+url.PathEscape(buildID)+"/logs", nil)
	if err != nil {
		return fmt.Errorf("stream logs: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return readError(resp)
	}
	return ReadEvents(resp.Body, fn)
}

const streamClosed = "[stream closed]"

// ReadEvents reads server-sent events and calls fn with each event's data.
// The end-of-stream marker is not passed on.
func ReadEvents(body io.Reader, fn func(data string) error) error {
	reader := bufio.NewReader(body)
	var data []string
	dispatch := func() error {
		if len(data) == 0 {
			return nil
		}
		payload := strings.Join(data, "\n")
		data = data[:0]
		if payload == streamClosed {
			return nil
		}
		return fn(payload)
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return dispatch()
			}
			return err
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			if err := dispatch(); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(trimmed, "data:") {
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(trimmed, "data:"), " "))
		}
	}
}
