// Package answer is a client for the external question-answering service that
// answers questions about a page's text.
//
// The service contract is a single call:
//
//	POST {base_url}/answer  {"context": "...", "question": "..."}  ->  {"answer": "..."}
package answer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"render-proxy/internal/config"
)

// ErrNotConfigured is returned when answer.base_url is empty.
var ErrNotConfigured = errors.New("answer service not configured")

// maxResponseBytes bounds the collaborator's reply.
const maxResponseBytes = 1 << 20

type request struct {
	Context  string `json:"context"`
	Question string `json:"question"`
}

type response struct {
	Answer string `json:"answer"`
}

// Client calls the answer service with retries on transient failures.
type Client struct {
	baseURL string
	http    *retryablehttp.Client
	logger  *slog.Logger
}

// NewClient creates a Client. It is usable even when the service is not
// configured; Answer then returns ErrNotConfigured.
func NewClient(cfg *config.Config, logger *slog.Logger) *Client {
	logger = logger.With("component", "answer_client")

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.Answer.MaxRetries
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = time.Duration(cfg.Answer.TimeoutSeconds) * time.Second
	rc.Logger = logger

	return &Client{
		baseURL: cfg.Answer.BaseURL,
		http:    rc,
		logger:  logger,
	}
}

// Configured reports whether a service URL is set.
func (c *Client) Configured() bool {
	return c.baseURL != ""
}

// Answer asks question about pageContext.
func (c *Client) Answer(ctx context.Context, pageContext, question string) (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}

	body, err := json.Marshal(request{Context: pageContext, Question: question})
	if err != nil {
		return "", fmt.Errorf("encode answer request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/answer", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build answer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("answer request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("read answer response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("answer service returned %d", resp.StatusCode)
	}

	var out response
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode answer response: %w", err)
	}
	return out.Answer, nil
}
