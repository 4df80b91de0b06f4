// Package remote is the HTTP client for the job, labor and material API.
package remote

import (
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

	"field-sync-agent/internal/models"
)

// JobService is the set of remote operations the agent depends on.
type JobService interface {
	UpdateJob(ctx context.Context, jobID string, patch models.JobPatch) error
	AddJobLabor(ctx context.Context, jobID string, entry models.LaborEntry) error
	AddJobMaterial(ctx context.Context, jobID string, material models.MaterialUsage) error
	GetJobs(ctx context.Context, filter models.JobFilter) ([]models.Job, error)
}

type idempotencyKey struct{}

// WithIdempotencyKey marks requests made with ctx so the server can drop
// duplicates of an already applied action.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKey{}, key)
}

// IdempotencyKey returns the key attached by WithIdempotencyKey.
func IdempotencyKey(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(idempotencyKey{}).(string)
	return key, ok && key != ""
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	msg := strings.TrimSpace(e.Body)
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Code)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, msg)
}

// Permanent reports whether retrying the same request cannot succeed.
func (e *StatusError) Permanent() bool {
	if e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests {
		return false
	}
	return e.Code >= 400 && e.Code < 500
}

// IsPermanent reports whether err is a non-retryable remote rejection.
func IsPermanent(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Permanent()
}

// Client talks JSON over HTTP to the job service.
type Client struct {
	baseURL   string
	token     string
	probePath string
	http      *http.Client
}

// New builds a client. timeout bounds every request; zero means 15s.
func New(baseURL, token, probePath string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	if probePath == "" {
		probePath = "/health"
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		token:     token,
		probePath: probePath,
		http: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *Client) UpdateJob(ctx context.Context, jobID string, patch models.JobPatch) error {
	return c.do(ctx, http.MethodPatch, "/jobs/"+url.PathEscape(jobID), patch, nil)
}

func (c *Client) AddJobLabor(ctx context.Context, jobID string, entry models.LaborEntry) error {
	return c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(jobID)+"/labor", entry, nil)
}

func (c *Client) AddJobMaterial(ctx context.Context, jobID string, material models.MaterialUsage) error {
	return c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(jobID)+"/materials", material, nil)
}

func (c *Client) GetJobs(ctx context.Context, filter models.JobFilter) ([]models.Job, error) {
	q := url.Values{}
	if filter.Status != "" {
		q.Set("status", filter.Status)
	}
	if filter.AssignedTo != "" {
		q.Set("assigned_to", filter.AssignedTo)
	}
	path := "/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var jobs []models.Job
	if err := c.do(ctx, http.MethodGet, path, nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// Ping checks that the job service answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, c.probePath, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if key, ok := IdempotencyKey(ctx); ok {
		req.Header.Set("Idempotency-Key", key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: string(msg)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
