// Package backend is the HTTP client for the upstream practice API. Grading,
// question generation and time accounting all live behind it.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/stemsi/exstem-practice/internal/model"
)

const maxErrorBody = 4 << 10

// APIError is returned for any non-2xx response.
type APIError struct {
	Op     string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: backend returned %d: %s", e.Op, e.Status, e.Body)
}

// Client talks to the upstream API on behalf of one bearer token per call.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Client for baseURL (e.g. http://host/api/v1).
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// NewWithHTTPClient lets callers supply their own transport.
func NewWithHTTPClient(baseURL string, hc *http.Client) *Client {
	return &Client{baseURL: baseURL, http: hc}
}

// ListModules returns the practice modules visible to the token holder.
func (c *Client) ListModules(ctx context.Context, token string) ([]model.Module, error) {
	var modules []model.Module
	if err := c.getJSON(ctx, "list modules", token, "/practice/modules", &modules); err != nil {
		return nil, err
	}
	return modules, nil
}

// GetModule returns a single module.
func (c *Client) GetModule(ctx context.Context, token, moduleID string) (*model.Module, error) {
	var m model.Module
	if err := c.getJSON(ctx, "get module", token, "/practice/modules/"+url.PathEscape(moduleID), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// GetQuestions fetches the questions of a module for a new session.
func (c *Client) GetQuestions(ctx context.Context, token, moduleID string) ([]model.Question, error) {
	var qs []model.Question
	path := "/practice/modules/" + url.PathEscape(moduleID) + "/questions"
	if err := c.getJSON(ctx, "get questions", token, path, &qs); err != nil {
		return nil, err
	}
	return qs, nil
}

// SyncTime reports the remaining exam time.
func (c *Client) SyncTime(ctx context.Context, token, moduleID string, secondsRemaining int) error {
	path := "/practice/modules/" + url.PathEscape(moduleID) + "/time-sync"
	_, err := c.post(ctx, "sync time", token, path, map[string]int{"seconds_remaining": secondsRemaining})
	return err
}

// Autosave pushes a single answer ahead of submission.
func (c *Client) Autosave(ctx context.Context, token, moduleID, questionID string, answer []string) error {
	path := "/practice/modules/" + url.PathEscape(moduleID) + "/autosave"
	_, err := c.post(ctx, "autosave", token, path, map[string]any{
		"question_id": questionID,
		"answer":      answer,
	})
	return err
}

// Submit sends the attempt for grading and returns the backend's result.
// The raw body is kept on the result for verbatim persistence.
func (c *Client) Submit(ctx context.Context, token, moduleID string, sub *model.Submission) (*model.Result, error) {
	path := "/practice/modules/" + url.PathEscape(moduleID) + "/submit"
	raw, err := c.post(ctx, "submit", token, path, sub)
	if err != nil {
		return nil, err
	}
	res, err := model.DecodeResult(unwrapData(raw))
	if err != nil {
		return nil, fmt.Errorf("submit: decode result: %w", err)
	}
	return res, nil
}

func (c *Client) getJSON(ctx context.Context, op, token, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	raw, err := c.do(op, token, req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(unwrapData(raw), dst); err != nil {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, op, token, path string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: encode: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(op, token, req)
}

func (c *Client) do(op, token string, req *http.Request) ([]byte, error) {
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer res.Body.Close()

	if res.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return nil, &APIError{Op: op, Status: res.StatusCode, Body: string(bytes.TrimSpace(body))}
	}

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", op, err)
	}
	return raw, nil
}

// unwrapData accepts both bare payloads and the {"data": ...} envelope.
func unwrapData(raw []byte) []byte {
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return raw
	}
	if err := json.Unmarshal(trimmed, &env); err != nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return raw
	}
	return env.Data
}
