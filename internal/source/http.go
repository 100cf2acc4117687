package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultTimeout = 30 * time.Second
	defaultMaxBody = 8 << 20
	userAgent      = "aprgen/1.0"
)

// Options configure the HTTP behaviour shared by all adapters.
type Options struct {
	// Timeout bounds each individual request. A request that runs past it is
	// reported as a TransientError.
	Timeout time.Duration
	// HTTPClient overrides the default client, mostly for tests.
	HTTPClient *http.Client
	// MaxBody caps the size of a response. A larger body is rejected as
	// malformed rather than cut short.
	MaxBody int64
}

type httpGetter struct {
	base    string
	client  *http.Client
	timeout time.Duration
	maxBody int64
}

func newGetter(base string, opts Options) *httpGetter {
	g := &httpGetter{
		base:    strings.TrimRight(base, "/"),
		client:  opts.HTTPClient,
		timeout: opts.Timeout,
		maxBody: opts.MaxBody,
	}
	if g.client == nil {
		g.client = &http.Client{}
	}
	if g.timeout <= 0 {
		g.timeout = defaultTimeout
	}
	if g.maxBody <= 0 {
		g.maxBody = defaultMaxBody
	}
	return g
}

// get issues a GET against base+path.
func (g *httpGetter) get(ctx context.Context, op, path string, query url.Values, accept string) ([]byte, error) {
	return g.do(ctx, op, http.MethodGet, path, query, nil, accept)
}

// postForm issues a form-encoded POST against base+path.
func (g *httpGetter) postForm(ctx context.Context, op, path string, form url.Values) ([]byte, error) {
	return g.do(ctx, op, http.MethodPost, path, nil, form, "application/json")
}

func (g *httpGetter) do(ctx context.Context, op, method, path string, query, form url.Values, accept string) ([]byte, error) {
	u := g.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(callCtx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("User-Agent", userAgent)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		// Cancellation of the caller's context is not a source failure.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, g.maxBody+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientError{Op: op, Err: fmt.Errorf("read body: %w", err)}
	}

	if err := classifyStatus(op, resp.StatusCode); err != nil {
		return nil, err
	}
	if int64(len(data)) > g.maxBody {
		return nil, &MalformedError{Op: op, Reason: fmt.Sprintf("response exceeds %d bytes", g.maxBody)}
	}
	return data, nil
}

func classifyStatus(op string, code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound, code == http.StatusGone,
		code == http.StatusUnauthorized, code == http.StatusForbidden:
		return fmt.Errorf("%s: http %d: %w", op, code, ErrNotFound)
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return &TransientError{Op: op, Err: fmt.Errorf("http %d", code)}
	default:
		return &MalformedError{Op: op, Reason: fmt.Sprintf("unexpected http status %d", code)}
	}
}

