// Package vlm is the chat-completions client for the vision model. Each
// turn sends exactly three messages: the fixed system prompt, the model's
// previous output verbatim, and the executor feedback with the current frame
// attached as a data URI. The returned text is passed through untouched; it
// becomes the next turn's second message byte for byte.
package vlm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"franz/internal/params"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultMaxAttempts    = 5
	retryBackoffBase      = 500 * time.Millisecond
	retryBackoffCap       = 8 * time.Second
)

// ErrRetriesExhausted means every attempt failed. The turn engine treats
// this as fatal: the loop stops rather than advancing without model output.
var ErrRetriesExhausted = errors.New("vlm: retries exhausted")

// Options configures a client. APIKey may stay empty for local servers that
// do not authenticate.
type Options struct {
	BaseURL     string
	Model       string
	APIKey      string
	APIKeyEnv   string
	Headers     map[string]string
	Timeout     time.Duration
	MaxAttempts int
}

// Request is one turn's model input.
type Request struct {
	System   string
	Story    string
	Feedback string
	ImagePNG []byte
	Params   params.Snapshot
}

// RetryFunc observes a failed attempt before the client backs off.
type RetryFunc func(attempt int, err error)

type Client struct {
	baseURL     string
	model       string
	apiKey      string
	headers     map[string]string
	httpClient  *http.Client
	maxAttempts int
	timeout     time.Duration

	// OnRetry, when set, is called for each failed attempt that will be
	// retried.
	OnRetry RetryFunc
}

func NewClient(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("vlm: base url is required")
	}
	base = strings.TrimSuffix(base, "/chat/completions")
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		return nil, errors.New("vlm: model name is required")
	}

	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" && opts.APIKeyEnv != "" {
		apiKey = strings.TrimSpace(os.Getenv(opts.APIKeyEnv))
	}

	headers := map[string]string{}
	for k, v := range opts.Headers {
		headers[k] = v
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	return &Client{
		baseURL:     base,
		model:       model,
		apiKey:      apiKey,
		headers:     headers,
		httpClient:  &http.Client{Timeout: timeout},
		maxAttempts: maxAttempts,
		timeout:     timeout,
	}, nil
}

// Generate runs one inference with retry and returns the model's raw output
// text. The text is not trimmed or normalized in any way.
func (c *Client) Generate(ctx context.Context, req Request) (string, error) {
	raw, err := json.Marshal(buildBody(c.model, req))
	if err != nil {
		return "", err
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		text, err := c.doOnce(attemptCtx, raw)
		cancel()
		if err == nil {
			return text, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return "", err
		}
		if !retryable(err) {
			return "", err
		}
		if attempt == c.maxAttempts {
			break
		}
		if c.OnRetry != nil {
			c.OnRetry(attempt, err)
		}

		backoff := retryBackoffBase << (attempt - 1)
		if backoff > retryBackoffCap {
			backoff = retryBackoffCap
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
	}
	return "", fmt.Errorf("%w: %v", ErrRetriesExhausted, lastErr)
}

func (c *Client) doOnce(ctx context.Context, raw []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return "", fmt.Errorf("retryable model status: %d", resp.StatusCode)
	}

	var payload struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Error any `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", err
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("model request failed: status=%d error=%v", resp.StatusCode, payload.Error)
	}
	if len(payload.Choices) == 0 {
		return "", errors.New("model returned no choices")
	}
	return payload.Choices[0].Message.Content, nil
}

// buildBody assembles the three-slot message list. The story slot is the
// previous raw output untouched; it is never merged with the feedback slot.
func buildBody(model string, req Request) map[string]any {
	feedbackParts := []map[string]any{
		{"type": "text", "text": req.Feedback},
	}
	if len(req.ImagePNG) > 0 {
		uri := "data:image/png;base64," + base64.StdEncoding.EncodeToString(req.ImagePNG)
		feedbackParts = append(feedbackParts, map[string]any{
			"type":      "image_url",
			"image_url": map[string]any{"url": uri},
		})
	}

	messages := []map[string]any{
		{"role": "system", "content": req.System},
		{"role": "user", "content": []map[string]any{
			{"type": "text", "text": req.Story},
		}},
		{"role": "user", "content": feedbackParts},
	}

	return map[string]any{
		"model":       model,
		"messages":    messages,
		"temperature": req.Params.Temperature,
		"top_p":       req.Params.TopP,
		"max_tokens":  req.Params.MaxTokens,
	}
}

func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "retryable model status") ||
		strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "connection refused") ||
		strings.Contains(lower, "unexpected eof")
}
