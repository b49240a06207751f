// Package aiclient talks to the external AI gateway used for message scoring
// and report summarization.
package aiclient

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

	"news_sniper/internal/model"
)

// ErrNotConfigured is returned when no gateway URL is set.
var ErrNotConfigured = errors.New("ai gateway not configured")

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ScoreRequest is the Layer 3 scoring request.
type ScoreRequest struct {
	Text        string              `json:"text"`
	SourceTitle string              `json:"source_title"`
	Layer1      model.KeywordResult `json:"layer1_result"`
	Layer2      model.ContentResult `json:"layer2_result"`
}

// ReportItem is one buffered message included in a report request.
type ReportItem struct {
	Source    string    `json:"source"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// ReportRequest asks the gateway to summarize buffered messages for a template.
type ReportRequest struct {
	TemplateCode string       `json:"template_code"`
	TemplateName string       `json:"template_name"`
	Messages     []ReportItem `json:"messages"`
}

type reportResponse struct {
	Report string `json:"report"`
}

// Client is a small JSON-over-HTTP client for the gateway.
type Client struct {
	client  HTTPClient
	baseURL string
	apiKey  string
	timeout time.Duration
}

// New creates a Client. An empty baseURL yields a client whose calls fail with
// ErrNotConfigured.
func New(client HTTPClient, baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		timeout: timeout,
	}
}

// Score sends a scoring request and returns the raw response text. The text
// is model output and may not be valid JSON; parsing is left to the caller.
func (c *Client) Score(ctx context.Context, req ScoreRequest) (string, error) {
	body, err := c.post(ctx, "/v1/score", req)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// Report asks the gateway for a summary of the given messages.
func (c *Client) Report(ctx context.Context, req ReportRequest) (string, error) {
	body, err := c.post(ctx, "/v1/report", req)
	if err != nil {
		return "", err
	}
	var resp reportResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode report response: %w", err)
	}
	if strings.TrimSpace(resp.Report) == "" {
		return "", errors.New("empty report")
	}
	return resp.Report, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	if c.baseURL == "" {
		return nil, ErrNotConfigured
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http post %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, path)
	}
	return body, nil
}
