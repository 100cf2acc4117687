// Package llm wraps the reasoning backend used for critiques and fix generation.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/joescharf/aprgen/internal/pacing"
)

var (
	// ErrQuotaExceeded means the account cannot make further calls. It is
	// fatal to the current bug run.
	ErrQuotaExceeded = errors.New("reasoning backend quota exceeded")
	// ErrEmptyResponse is returned when the backend answered without text.
	ErrEmptyResponse = errors.New("no text content in API response")
)

// Completer sends one system+user prompt pair and returns the text answer.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// BackendError is a failed backend call other than quota exhaustion.
type BackendError struct {
	Status    int
	Transient bool
	Err       error
}

func (e *BackendError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("anthropic API call: status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("anthropic API call: %v", e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

const (
	defaultMaxTokens = 4096
	defaultTimeout   = 2 * time.Minute
)

// Client wraps the Anthropic Messages API.
type Client struct {
	api       *anthropic.Client
	model     anthropic.Model
	maxTokens int64
	timeout   time.Duration
}

// Option configures a Client.
type Option func(*clientConfig)

type clientConfig struct {
	maxTokens  int64
	timeout    time.Duration
	maxRetries int
	baseURL    string
	gate       *pacing.Gate
}

// WithMaxTokens caps the answer length.
func WithMaxTokens(n int64) Option { return func(c *clientConfig) { c.maxTokens = n } }

// WithTimeout bounds each call.
func WithTimeout(d time.Duration) Option { return func(c *clientConfig) { c.timeout = d } }

// WithMaxRetries sets how often the SDK itself retries a failed request.
func WithMaxRetries(n int) Option { return func(c *clientConfig) { c.maxRetries = n } }

// WithBaseURL points the client at another endpoint.
func WithBaseURL(u string) Option { return func(c *clientConfig) { c.baseURL = u } }

// WithPacing makes every HTTP attempt, SDK retries included, wait on gate.
func WithPacing(gate *pacing.Gate) Option { return func(c *clientConfig) { c.gate = gate } }

// NewClient creates an LLM client with the given API key and model.
func NewClient(apiKey, model string, opts ...Option) *Client {
	cfg := clientConfig{maxTokens: defaultMaxTokens, timeout: defaultTimeout, maxRetries: 2}
	for _, o := range opts {
		o(&cfg)
	}

	reqOpts := []option.RequestOption{option.WithMaxRetries(cfg.maxRetries)}
	if apiKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(apiKey))
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.gate != nil {
		reqOpts = append(reqOpts, option.WithMiddleware(pacingMiddleware(cfg.gate)))
	}
	client := anthropic.NewClient(reqOpts...)
	return &Client{
		api:       &client,
		model:     anthropic.Model(model),
		maxTokens: cfg.maxTokens,
		timeout:   cfg.timeout,
	}
}

// Complete implements Completer.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := c.api.Messages.New(callCtx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", classify(err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if strings.TrimSpace(sb.String()) == "" {
		return "", &BackendError{Err: ErrEmptyResponse}
	}
	return sb.String(), nil
}

func classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.StatusCode, apiErr.Error(), err)
	}
	// Network failures and per-call timeouts.
	return &BackendError{Transient: true, Err: err}
}

// classifyStatus maps an API status and message onto the error taxonomy.
// Billing failures come back as 402 or as a 400 mentioning the credit balance.
func classifyStatus(status int, message string, err error) error {
	lower := strings.ToLower(message)
	switch {
	case status == http.StatusPaymentRequired,
		strings.Contains(lower, "credit balance"),
		strings.Contains(lower, "billing"):
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	case status == http.StatusTooManyRequests, status == 529, status >= 500:
		return &BackendError{Status: status, Transient: true, Err: err}
	default:
		return &BackendError{Status: status, Err: err}
	}
}

// IsQuotaExceeded reports whether err is fatal quota exhaustion.
func IsQuotaExceeded(err error) bool { return errors.Is(err, ErrQuotaExceeded) }

func pacingMiddleware(gate *pacing.Gate) option.Middleware {
	return func(req *http.Request, next option.MiddlewareNext) (*http.Response, error) {
		if err := gate.Wait(req.Context()); err != nil {
			return nil, err
		}
		return next(req)
	}
}

// StripFences removes a surrounding markdown code fence such as ```json or
// ```diff, returning the trimmed inner text. Text without a leading fence is
// only trimmed.
func StripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.SplitN(text, "\n", 2)
	if len(lines) < 2 {
		return ""
	}
	text = lines[1]
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}
