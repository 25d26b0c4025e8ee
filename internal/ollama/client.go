// Package ollama is a minimal client for a local Ollama server's generate and
// tags endpoints, plus the prompt and reply conventions the gateway's chat
// endpoint uses to let a model request tool calls.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:11434"
	DefaultModel   = "aya"
	DefaultTimeout = 300 * time.Second

	maxRetries  = 3
	baseBackoff = 500 * time.Millisecond
)

// GenerateOptions are the sampling and placement options sent with every
// generate request.
type GenerateOptions struct {
	NumThread   int     `json:"num_thread"`
	NumGPU      int     `json:"num_gpu"`
	Temperature float64 `json:"temperature"`
}

// DefaultGenerateOptions pins inference to four CPU threads.
func DefaultGenerateOptions() GenerateOptions {
	return GenerateOptions{NumThread: 4, NumGPU: 0, Temperature: 0.7}
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("ollama: status %d", e.Code)
	}
	return fmt.Sprintf("ollama: status %d: %s", e.Code, e.Body)
}

// Client talks to one Ollama server with one model.
type Client struct {
	baseURL    string
	model      string
	options    GenerateOptions
	httpClient *http.Client
	log        *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout bounds each HTTP exchange, including reading the body.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithGenerateOptions overrides DefaultGenerateOptions.
func WithGenerateOptions(o GenerateOptions) Option {
	return func(c *Client) { c.options = o }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New returns a client for baseURL and model, falling back to the defaults
// for empty values.
func New(baseURL, model string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if model == "" {
		model = DefaultModel
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		options:    DefaultGenerateOptions(),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options GenerateOptions `json:"options"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Generate sends prompt to /api/generate without streaming and returns the
// model's full reply.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{Model: c.model, Prompt: prompt, Options: c.options})
	if err != nil {
		return "", err
	}

	start := time.Now()
	resp, err := c.do(ctx, http.MethodPost, "/api/generate", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("ollama: decode generate response: %w", err)
	}
	c.log.DebugContext(ctx, "ollama.generate.ok",
		slog.String("model", c.model),
		slog.Int("prompt_len", len(prompt)),
		slog.Int("reply_len", len(out.Response)),
		slog.Duration("took", time.Since(start)))
	return out.Response, nil
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Models lists the models the server has pulled.
func (c *Client) Models(ctx context.Context) ([]string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/tags", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("ollama: decode tags: %w", err)
	}
	names := make([]string, 0, len(out.Models))
	for _, m := range out.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// Ping checks that the server answers /api/tags.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Models(ctx)
	return err
}

// do sends the request, retrying 429 and 5xx responses with exponential
// backoff. Non-2xx final responses become a *StatusError.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var lastErr error
	for attempt := range maxRetries {
		if attempt > 0 {
			if err := sleepWithContext(ctx, baseBackoff<<(attempt-1)); err != nil {
				return nil, err
			}
		}

		var rdr io.Reader
		if body != nil {
			rdr = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
		if err != nil {
			return nil, fmt.Errorf("ollama: build request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("ollama: %s %s: %w", method, path, err)
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		lastErr = &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
		if !retryable(resp.StatusCode) {
			return nil, lastErr
		}
		c.log.DebugContext(ctx, "ollama.retry", slog.String("path", path), slog.Int("status", resp.StatusCode), slog.Int("attempt", attempt+1))
	}
	return nil, lastErr
}

func retryable(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsStatus reports whether err is a *StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}
