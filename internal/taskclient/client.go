// Package taskclient talks to the orchestration server's task endpoints:
// polling for work and reporting results.
package taskclient

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

	"github.com/seantiz/ember/internal/model"
)

// Client polls for tasks and pushes their results.
type Client interface {
	// Poll returns the next task of taskType, or nil when none is available
	// within timeout.
	Poll(ctx context.Context, taskType, workerID, domain string, timeout time.Duration) (*model.Task, error)
	// Update reports a task result.
	Update(ctx context.Context, result *model.TaskResult) error
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: server returned %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: server returned %d: %s", e.Op, e.StatusCode, e.Body)
}

const (
	// requestSlack is added to the poll timeout for the HTTP round trip.
	requestSlack    = 10 * time.Second
	maxErrorBodyLen = 512
)

// HTTPClient implements Client against the server's REST API.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient returns a client for the API rooted at baseURL
// (for example http://localhost:8080/api). A nil hc uses a client whose
// timeout covers the longest expected poll.
func NewHTTPClient(baseURL string, hc *http.Client) (*HTTPClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url %q: scheme must be http or https", baseURL)
	}
	if hc == nil {
		hc = &http.Client{Timeout: requestSlack + time.Minute}
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    hc,
	}, nil
}

// Poll implements Client.
func (c *HTTPClient) Poll(ctx context.Context, taskType, workerID, domain string, timeout time.Duration) (*model.Task, error) {
	q := url.Values{}
	q.Set("count", "1")
	q.Set("timeout", strconv.FormatInt(timeout.Milliseconds(), 10))
	if workerID != "" {
		q.Set("workerid", workerID)
	}
	if domain != "" {
		q.Set("domain", domain)
	}
	endpoint := c.baseURL + "/tasks/poll/batch/" + url.PathEscape(taskType) + "?" + q.Encode()

	ctx, cancel := context.WithTimeout(ctx, timeout+requestSlack)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build poll request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll %s: %w", taskType, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode/100 != 2 {
		return nil, statusError("poll "+taskType, resp)
	}

	var tasks []model.Task
	if err := json.NewDecoder(resp.Body).Decode(&tasks); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("decode poll response: %w", err)
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return &tasks[0], nil
}

// Update implements Client.
func (c *HTTPClient) Update(ctx context.Context, result *model.TaskResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal task result: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, requestSlack)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tasks", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build update request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("update task %s: %w", result.TaskID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return statusError("update task "+result.TaskID, resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func statusError(op string, resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
	return &StatusError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(b)),
	}
}
