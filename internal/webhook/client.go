// Package webhook calls per-tenant Apps Script webhooks.
//
// Apps Script deployments answer a POST with a 302 whose Location serves the
// result. A generic client follows that redirect as a bodyless GET, which is
// harmless for the result hop but fatal if the redirect happens before the
// action ran. Client therefore never lets net/http follow the POST's
// redirect on its own:
//  1. POST the envelope with redirects disabled.
//  2. On 3xx with a Location, GET that Location (the result, not a new action).
//  3. Otherwise the POST response is final.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/TOOL2U/BookMate-sub002/internal/logging"
	"github.com/TOOL2U/BookMate-sub002/internal/traces"
)

const (
	maxResponseSize    = 5 * 1024 * 1024 // 5MB
	bodyPreviewSize    = 256
	DefaultTimeout     = 9 * time.Second
	DefaultContentType = "text/plain;charset=utf-8"
)

// Endpoint is one tenant's upstream webhook and its shared secret.
type Endpoint struct {
	URL         string
	Secret      string
	ContentType string // empty = DefaultContentType
}

// Envelope is the upstream response shape.
type Envelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Items json.RawMessage `json:"items,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Response is a successful upstream call.
type Response struct {
	StatusCode int
	Body       json.RawMessage // full final body
	Envelope   Envelope
	Redirected bool
	LatencyMs  int64
}

// Client performs redirect-safe webhook calls.
type Client struct {
	post    *http.Client
	get     *http.Client
	timeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithTransport replaces the HTTP transport for both hops (tests inject fakes here).
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.post.Transport = rt
		c.get.Transport = rt
	}
}

// NewClient creates a webhook client with a hard per-call timeout.
// Pass timeout=0 to use DefaultTimeout.
func NewClient(timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		post: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		get:     &http.Client{Timeout: timeout},
		timeout: timeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Timeout returns the hard per-call timeout.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// Call sends {action, secret, ...params} to the endpoint and returns the
// final parsed envelope. It never retries.
func (c *Client) Call(ctx context.Context, ep Endpoint, action string, params map[string]any) (resp *Response, err error) {
	host := ""
	if u, perr := url.Parse(ep.URL); perr == nil {
		host = u.Host
	}
	ctx, span := traces.StartSpan(ctx, "webhook.call", traces.Action(action), traces.UpstreamHost(host))
	defer func() { traces.End(span, err) }()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := encodeEnvelope(action, ep.Secret, params)
	if err != nil {
		return nil, fmt.Errorf("webhook: encode envelope: %w", err)
	}
	contentType := ep.ContentType
	if contentType == "" {
		contentType = DefaultContentType
	}

	start := time.Now()
	httpResp, redirected, err := RedirectSafePost(ctx, c.post, c.get, ep.URL, contentType, body)
	latency := time.Since(start)
	whLatency.Observe(latency.Seconds())
	if err != nil {
		ue := classifyTransportError(err)
		if ue.Timeout {
			whCalls.WithLabelValues("timeout").Inc()
		} else {
			whCalls.WithLabelValues("unavailable").Inc()
		}
		return nil, ue
	}
	defer httpResp.Body.Close()
	if redirected {
		whRedirects.Inc()
	}

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		whCalls.WithLabelValues("unavailable").Inc()
		return nil, classifyTransportError(err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		whCalls.WithLabelValues("http_error").Inc()
		return nil, &HTTPError{Status: httpResp.StatusCode, BodyPreview: preview(raw, ep.Secret)}
	}

	env, err := ParseEnvelope(raw)
	if err != nil {
		whCalls.WithLabelValues("protocol_error").Inc()
		return nil, &ProtocolError{Reason: err.Error(), BodyPreview: preview(raw, ep.Secret)}
	}

	whCalls.WithLabelValues("ok").Inc()
	return &Response{
		StatusCode: httpResp.StatusCode,
		Body:       json.RawMessage(raw),
		Envelope:   *env,
		Redirected: redirected,
		LatencyMs:  latency.Milliseconds(),
	}, nil
}

// RedirectSafePost POSTs body to target using post (which must not follow
// redirects). If the answer is a redirect with a Location, the redirect body
// is discarded and the Location is fetched with get. The returned response
// is the final one; the caller closes its body.
func RedirectSafePost(ctx context.Context, post, get *http.Client, target, contentType string, body []byte) (*http.Response, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := post.Do(req)
	if err != nil {
		return nil, false, err
	}

	if !isRedirect(resp.StatusCode) {
		return resp, false, nil
	}
	loc, err := resp.Location()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
	resp.Body.Close()
	if err != nil {
		// No usable Location: surface the redirect itself as the final status.
		return &http.Response{
			StatusCode: resp.StatusCode,
			Body:       io.NopCloser(bytes.NewReader(nil)),
			Header:     resp.Header,
		}, false, nil
	}

	followReq, err := http.NewRequestWithContext(ctx, http.MethodGet, loc.String(), nil)
	if err != nil {
		return nil, true, fmt.Errorf("create redirect request: %w", err)
	}
	followReq.Header.Set("Accept", "application/json")

	final, err := get.Do(followReq)
	if err != nil {
		return nil, true, err
	}
	return final, true, nil
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func encodeEnvelope(action, secret string, params map[string]any) ([]byte, error) {
	env := make(map[string]any, len(params)+2)
	for k, v := range params {
		env[k] = v
	}
	// action and secret always win over caller params.
	env["action"] = action
	env["secret"] = secret
	return json.Marshal(env)
}

// ParseEnvelope decodes an upstream body and rejects anything that is not an
// object with ok:true.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, errors.New("empty body")
	}
	if trimmed[0] != '{' {
		return nil, errors.New("body is not a JSON object")
	}
	var probe struct {
		OK *bool `json:"ok"`
	}
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return nil, fmt.Errorf("invalid JSON: %v", err)
	}
	if probe.OK == nil {
		return nil, errors.New("envelope has no \"ok\" field")
	}
	var env Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %v", err)
	}
	if !env.OK {
		msg := env.Error
		if msg == "" {
			msg = "no error message"
		}
		return nil, fmt.Errorf("upstream reported failure: %s", msg)
	}
	return &env, nil
}

func classifyTransportError(err error) *UnavailableError {
	timeout := errors.Is(err, context.DeadlineExceeded)
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		timeout = true
	}
	return &UnavailableError{Err: err, Timeout: timeout}
}

func preview(raw []byte, secret string) string {
	return logging.Preview(logging.Redact(string(raw), secret), bodyPreviewSize)
}
