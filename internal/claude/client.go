// Package claude implements a streaming chat client for Claude-compatible
// backends (native Anthropic API, OpenRouter, OneAPI) with automatic
// credential rotation.
//
// A quota-exhaustion error from the backend marks the active credential as
// exhausted in the token pool and transparently retries the request with the
// next available credential. The response stream is normalized into a lazy
// sequence of (kind, text) events regardless of the provider's wire grammar.
package claude

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/deepclaude/claude-relay/internal/metrics"
	"github.com/deepclaude/claude-relay/internal/tokenpool"
)

// quotaErrorCode is the structured error code that marks the active
// credential as out of allowance and triggers rotation.
const quotaErrorCode = "insufficient_user_quota"

const (
	ssePrefix   = "data: "
	sseSentinel = "[DONE]"

	// sseMaxLineBytes bounds a single SSE line; fragments are normally
	// delta-sized, so 1 MiB leaves ample headroom.
	sseMaxLineBytes = 1 << 20
)

// EventKind classifies a stream event.
type EventKind string

// KindAnswer marks incremental answer text, currently the only kind produced.
const KindAnswer EventKind = "answer"

// Event is one normalized fragment of a streamed chat response.
type Event struct {
	Kind EventKind
	Text string
}

// Client issues streaming chat requests against one provider variant.
// It is safe for concurrent use: each call works on its own copy of the
// active credential, and rotations are persisted under a mutex.
type Client struct {
	provider  Provider
	variant   variant
	apiURL    string
	pool      *tokenpool.Pool
	http      *http.Client
	maxTokens int

	mu     sync.Mutex
	apiKey string
}

// Option configures a Client.
type Option func(*Client)

// WithTransport overrides the HTTP transport, mainly for tests.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.http = &http.Client{Transport: rt}
	}
}

// WithMaxTokens overrides the max_tokens request limit for providers whose
// payload carries one.
func WithMaxTokens(n int) Option {
	return func(c *Client) {
		c.maxTokens = n
	}
}

// New builds a client for the given provider. An explicit apiKey becomes the
// active credential; otherwise the first available pool token is used. New
// fails when the provider is unknown or no credential is available at all.
// An empty apiURL selects the provider's default endpoint.
func New(provider Provider, apiKey, apiURL string, pool *tokenpool.Pool, opts ...Option) (*Client, error) {
	v, ok := variants[provider]
	if !ok {
		return nil, fmt.Errorf("unsupported provider %q", provider)
	}

	if pool == nil {
		pool = tokenpool.New()
	}

	if apiKey == "" {
		token, err := pool.Next()
		if err != nil {
			return nil, fmt.Errorf("no credential available: %w", err)
		}
		apiKey = token
	}

	if apiURL == "" {
		apiURL = v.defaultURL
	}
	if apiURL == "" {
		return nil, fmt.Errorf("provider %q requires an explicit API URL", provider)
	}

	c := &Client{
		provider:  provider,
		variant:   v,
		apiURL:    apiURL,
		apiKey:    apiKey,
		pool:      pool,
		maxTokens: defaultMaxTokens,
		// Client.Timeout stays zero so long-running SSE streams are not
		// cut off; deadlines come from the request context.
		http: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Provider returns the configured backend variant.
func (c *Client) Provider() Provider {
	return c.provider
}

// StreamChat issues a streaming chat request and returns a lazy sequence of
// normalized events. The sequence ends on the stream sentinel, when the
// transport closes, or on an unrecoverable error; terminal errors are yielded
// as the final element so callers can tell truncation from completion.
// A tokenpool.ErrNoTokens error means the whole pool was exhausted.
//
// The underlying connection is released on every exit path, including the
// caller abandoning the sequence early. The sequence is not restartable.
func (c *Client) StreamChat(ctx context.Context, messages []Message, model string) (iter.Seq2[Event, error], error) {
	if model == "" {
		model = DefaultModel
	}
	if c.variant.overrideModel != nil {
		model = c.variant.overrideModel(model)
	}

	payload, err := json.Marshal(c.variant.body(model, messages, c.maxTokens))
	if err != nil {
		return nil, fmt.Errorf("marshaling request body: %w", err)
	}

	// The active credential is per-call state: rotation mutates the local
	// copy and the pool, then persists the result, so concurrent calls
	// never race on the shared field.
	token := c.activeKey()
	headers := c.variant.headers(token)

	return func(yield func(Event, error) bool) {
		for {
			resp, err := c.send(ctx, headers, payload)
			if err != nil {
				slog.ErrorContext(ctx, "chat request failed", "provider", c.provider, "error", err)
				metrics.UpstreamRequestsTotal.WithLabelValues("transport_error").Inc()
				yield(Event{}, err)
				return
			}

			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(resp.Body)
				_ = resp.Body.Close()

				if errorCode(body) == quotaErrorCode {
					c.pool.MarkExhausted(token)

					next, err := c.pool.Next()
					if err != nil {
						slog.ErrorContext(ctx, "token pool exhausted", "provider", c.provider)
						metrics.PoolExhaustedTotal.Inc()
						yield(Event{}, fmt.Errorf("rotating credential: %w", err))
						return
					}

					slog.WarnContext(ctx, "rotating exhausted credential", "provider", c.provider)
					metrics.TokenRotationsTotal.Inc()
					token = next
					c.storeKey(next)
					c.provider.setAuth(headers, next)
					continue
				}

				slog.ErrorContext(ctx, "chat request rejected",
					"provider", c.provider, "status", resp.StatusCode, "body", string(body))
				metrics.UpstreamRequestsTotal.WithLabelValues("upstream_error").Inc()
				yield(Event{}, fmt.Errorf("upstream returned status %d", resp.StatusCode))
				return
			}

			metrics.UpstreamRequestsTotal.WithLabelValues("success").Inc()
			c.decode(ctx, resp.Body, yield)
			return
		}
	}, nil
}

// activeKey snapshots the shared credential for one call.
func (c *Client) activeKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.apiKey
}

// storeKey persists a rotated credential so later calls start from it.
func (c *Client) storeKey(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = token
}

func (c *Client) send(ctx context.Context, headers http.Header, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	// Clone so a credential swap between retries cannot touch an in-flight request.
	req.Header = headers.Clone()

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	return resp, nil
}

// decode normalizes the SSE body into events, closing it on every exit path.
// Only "data: "-prefixed lines carry payloads; the sentinel ends the sequence
// even if more chunks follow, and malformed JSON lines are skipped.
func (c *Client) decode(ctx context.Context, body io.ReadCloser, yield func(Event, error) bool) {
	defer func() { _ = body.Close() }()

	scanner := bufio.NewScanner(body)
	// Data lines can outgrow Scanner's default 64 KiB cap.
	scanner.Buffer(make([]byte, 0, 64*1024), sseMaxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, ssePrefix) {
			continue
		}

		data := strings.TrimPrefix(line, ssePrefix)
		if strings.TrimSpace(data) == sseSentinel {
			return
		}

		fragment := c.variant.fragment([]byte(data))
		if fragment == "" {
			continue
		}

		metrics.StreamFragmentsTotal.Inc()
		if !yield(Event{Kind: KindAnswer, Text: fragment}, nil) {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		slog.ErrorContext(ctx, "stream read failed", "provider", c.provider, "error", err)
		yield(Event{}, fmt.Errorf("reading stream: %w", err))
	}
}

// errorCode extracts the structured error code from a non-success response
// body. Unparseable bodies yield an empty code.
func errorCode(body []byte) string {
	var payload struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.Error.Code
}
