// Package client talks to the asserted HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"time"
)

const (
	DefaultBaseURL    = "https://api.asserted.io/v1"
	DefaultTimeout    = 30 * time.Second
	DefaultRunTimeout = 6 * time.Minute
)

// ErrRoutineNotFound is returned by PushRoutine when the routine id is
// unknown to the API.
var ErrRoutineNotFound = errors.New("routine ID does not exist or does not exist in this project")

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
	Data    json.RawMessage
}

func (e *APIError) Error() string {
	if e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden {
		return fmt.Sprintf("%s: try explicitly setting the project ID or re-running `asrtd login`", http.StatusText(e.Status))
	}
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("HTTP %d", e.Status)
}

// CredentialSource returns the stored API key, or "" when unauthenticated.
type CredentialSource interface {
	APIKey() string
}

// Client provides HTTP client functionality to communicate with the API
type Client struct {
	baseURL    string
	client     *http.Client
	creds      CredentialSource
	version    string
	timeout    time.Duration
	runTimeout time.Duration
	logger     *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL     string
	Timeout     time.Duration // per request
	RunTimeout  time.Duration // synchronous runs
	Version     string        // sent in the asrtd header
	Credentials CredentialSource
	HTTPClient  *http.Client
	Logger      *slog.Logger // Optional logger for client operations
}

// New creates an API client.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.RunTimeout <= 0 {
		config.RunTimeout = DefaultRunTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	if config.Version == "" {
		config.Version = "dev"
	}
	return &Client{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		client:     config.HTTPClient,
		creds:      config.Credentials,
		version:    config.Version,
		timeout:    config.Timeout,
		runTimeout: config.RunTimeout,
		logger:     config.Logger.With("component", "client"),
	}
}

// CheckKey reports whether key is accepted by the API.
func (c *Client) CheckKey(ctx context.Context, key string) bool {
	err := c.do(ctx, request{method: http.MethodGet, path: "/user", token: key})
	if err != nil {
		c.logger.Debug("Key verification failed", "error", err)
		return false
	}
	c.logger.Debug("Key verified")
	return true
}

// ListProjects lists the projects visible to the key.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var out []Project
	err := c.do(ctx, request{method: http.MethodGet, path: "/projects", out: &out})
	return out, err
}

// ListRoutines lists routines, optionally restricted to a project.
func (c *Client) ListRoutines(ctx context.Context, projectID string) ([]Routine, error) {
	q := url.Values{}
	if projectID != "" {
		q.Set("project", projectID)
	}
	var out []Routine
	err := c.do(ctx, request{method: http.MethodGet, path: "/routines", query: q, out: &out})
	return out, err
}

func (c *Client) RemoveRoutine(ctx context.Context, routineID string) error {
	return c.do(ctx, request{method: http.MethodDelete, path: "/routines/" + url.PathEscape(routineID)})
}

func (c *Client) EnableRoutine(ctx context.Context, routineID string) error {
	return c.do(ctx, request{method: http.MethodPost, path: "/routines/" + url.PathEscape(routineID) + "/enable"})
}

func (c *Client) DisableRoutine(ctx context.Context, routineID string) error {
	return c.do(ctx, request{method: http.MethodPost, path: "/routines/" + url.PathEscape(routineID) + "/disable"})
}

// PushRoutine replaces the pushed version of a routine. An unknown routine
// yields an error wrapping ErrRoutineNotFound.
func (c *Client) PushRoutine(ctx context.Context, routineID string, update UpdateRoutine) error {
	c.logger.Debug("Pushing routine", "routine", routineID, "package_bytes", len(update.Package))
	err := c.do(ctx, request{method: http.MethodPut, path: "/routines/" + url.PathEscape(routineID), body: update})
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return fmt.Errorf("%w.\nRun 'asrtd init --merge' to create a new routine ID with existing routine", ErrRoutineNotFound)
	}
	return err
}

// RunImmediate runs the pushed routine once and waits for the result.
func (c *Client) RunImmediate(ctx context.Context, routineID string) (*CompletedRunRecord, error) {
	var out CompletedRunRecord
	err := c.do(ctx, request{
		method:  http.MethodPost,
		path:    "/routines/" + url.PathEscape(routineID) + "/run",
		out:     &out,
		timeout: c.runTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Debug runs a package once and blocks until the run completes. It returns
// nil without error when the response carries no record.
func (c *Client) Debug(ctx context.Context, run DebugRun) (*CompletedRunRecord, error) {
	var out *CompletedRunRecord
	err := c.do(ctx, request{method: http.MethodPost, path: "/debug", body: run, out: &out, timeout: c.runTimeout})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DebugAsync submits a debug run and returns as soon as it is accepted.
// Completion is announced on the push channel.
func (c *Client) DebugAsync(ctx context.Context, run DebugRun) (*DebugAsyncResponse, error) {
	var out DebugAsyncResponse
	q := url.Values{"async": []string{"true"}}
	if err := c.do(ctx, request{method: http.MethodPost, path: "/debug", query: q, body: run, out: &out}); err != nil {
		return nil, err
	}
	c.logger.Debug("Debug run accepted", "record", out.RecordID, "cached_dependencies", out.CachedDependencies, "build", out.Dependencies)
	return &out, nil
}

// GetDebugRecord fetches the result of an asynchronous debug run. It returns
// nil without error when the API has no record.
func (c *Client) GetDebugRecord(ctx context.Context, recordID string) (*CompletedRunRecord, error) {
	var out *CompletedRunRecord
	err := c.do(ctx, request{method: http.MethodGet, path: "/debug/" + url.PathEscape(recordID), out: &out})
	return out, err
}

// SearchRecords pages through a routine's records.
func (c *Client) SearchRecords(ctx context.Context, routineID string, search Search) (*RecordList, error) {
	var out RecordList
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/routines/" + url.PathEscape(routineID) + "/records",
		body:   search,
		out:    &out,
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetRecord(ctx context.Context, routineID, recordID string) (*CompletedRunRecord, error) {
	var out CompletedRunRecord
	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/routines/" + url.PathEscape(routineID) + "/records/" + url.PathEscape(recordID),
		out:    &out,
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateRoutine registers a routine and returns it with its new id.
func (c *Client) CreateRoutine(ctx context.Context, create CreateRoutine) (*Routine, error) {
	var out Routine
	if err := c.do(ctx, request{method: http.MethodPost, path: "/routines", body: create, out: &out}); err != nil {
		return nil, err
	}
	c.logger.Debug("Routine created", "routine", out.ID, "project", out.ProjectID)
	return &out, nil
}

// RoutineStatus fetches a routine's current status and uptimes.
func (c *Client) RoutineStatus(ctx context.Context, routineID string) (*RoutineStatus, error) {
	var out RoutineStatus
	err := c.do(ctx, request{method: http.MethodGet, path: "/routines/" + url.PathEscape(routineID) + "/status", out: &out})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Timeline pages through a routine's status changes.
func (c *Client) Timeline(ctx context.Context, routineID string, search Search) (*TimelineList, error) {
	var out TimelineList
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/routines/" + url.PathEscape(routineID) + "/timelines",
		body:   search,
		out:    &out,
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetProject(ctx context.Context, projectID string) (*Project, error) {
	var out Project
	if err := c.do(ctx, request{method: http.MethodGet, path: "/projects/" + url.PathEscape(projectID), out: &out}); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListPlans lists every plan offered.
func (c *Client) ListPlans(ctx context.Context) ([]Plan, error) {
	var out struct {
		List []Plan `json:"list"`
	}
	err := c.do(ctx, request{method: http.MethodGet, path: "/plans", out: &out})
	return out.List, err
}

// GetProjectPlan fetches the plan and limits of a project.
func (c *Client) GetProjectPlan(ctx context.Context, projectID string) (*ProjectPlan, error) {
	var out ProjectPlan
	err := c.do(ctx, request{method: http.MethodGet, path: "/projects/" + url.PathEscape(projectID) + "/billing", out: &out})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

type request struct {
	method  string
	path    string
	query   url.Values
	body    any
	out     any
	token   string // overrides the stored credential
	timeout time.Duration
}

// do performs a request and unwraps the response envelope into r.out.
func (c *Client) do(ctx context.Context, r request) error {
	timeout := r.timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u := c.baseURL + r.path
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}

	var body io.Reader
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, u, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req, r.token)

	c.logger.Debug("API request", "method", r.method, "url", u)
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", u)
		return fmt.Errorf("%s %s: %w", r.method, r.path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.handleErrorResponse(resp)
	}
	if r.out == nil {
		return nil
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode response: %w", err)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, r.out); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request, token string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("asrtd", c.version)
	req.Header.Set("platform", runtime.GOOS+"; "+runtime.GOARCH)
	if token == "" && c.creds != nil {
		token = c.creds.APIKey()
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// handleErrorResponse decodes the error envelope into an *APIError
func (c *Client) handleErrorResponse(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		c.logger.Debug("Failed to decode error response", "status", resp.StatusCode)
		return apiErr
	}
	apiErr.Message = errorResp.Message
	apiErr.Data = errorResp.Data
	c.logger.Debug("API request failed", "error", errorResp.Message, "status", resp.StatusCode)
	return apiErr
}
