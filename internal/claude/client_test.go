package claude

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepclaude/claude-relay/internal/tokenpool"
)

// scriptedTransport returns pre-recorded responses without network calls and
// records every request it sees, including the auth headers.
type scriptedTransport struct {
	t         *testing.T
	responses []scriptedResponse
	requests  []*http.Request
}

type scriptedResponse struct {
	status int
	body   string
	err    error
}

func (s *scriptedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	s.requests = append(s.requests, req)
	if len(s.responses) == 0 {
		s.t.Fatalf("unexpected request #%d to %s", len(s.requests), req.URL)
	}

	next := s.responses[0]
	s.responses = s.responses[1:]

	if next.err != nil {
		return nil, next.err
	}
	return &http.Response{
		StatusCode: next.status,
		Body:       io.NopCloser(strings.NewReader(next.body)),
		Header:     http.Header{"Content-Type": []string{"text/event-stream"}},
		Request:    req,
	}, nil
}

func newTestPool(t *testing.T, tokens ...string) *tokenpool.Pool {
	t.Helper()

	path := filepath.Join(t.TempDir(), "tokens.json")
	for _, token := range tokens {
		require.NoError(t, tokenpool.AppendToken(path, token))
	}
	return tokenpool.Load(path)
}

func collect(t *testing.T, c *Client, messages []Message, model string) ([]Event, error) {
	t.Helper()

	stream, err := c.StreamChat(context.Background(), messages, model)
	require.NoError(t, err)

	var events []Event
	for event, err := range stream {
		if err != nil {
			return events, err
		}
		events = append(events, event)
	}
	return events, nil
}

func TestNewUnsupportedProvider(t *testing.T) {
	_, err := New("bedrock", "key", "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported provider")
}

func TestNewWithoutAnyCredential(t *testing.T) {
	_, err := New(ProviderAnthropic, "", "", tokenpool.New())
	assert.ErrorIs(t, err, tokenpool.ErrNoTokens)
}

func TestNewExplicitKeyWinsOverPool(t *testing.T) {
	pool := newTestPool(t, "pool-token")
	c, err := New(ProviderAnthropic, "explicit", "", pool)
	require.NoError(t, err)
	assert.Equal(t, "explicit", c.apiKey)
}

func TestNewFallsBackToPool(t *testing.T) {
	pool := newTestPool(t, "pool-token")
	c, err := New(ProviderAnthropic, "", "", pool)
	require.NoError(t, err)
	assert.Equal(t, "pool-token", c.apiKey)
}

func TestNewOneAPIRequiresURL(t *testing.T) {
	_, err := New(ProviderOneAPI, "key", "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API URL")
}

func TestStreamChatDecodesAnthropicEvents(t *testing.T) {
	transport := &scriptedTransport{t: t, responses: []scriptedResponse{{
		status: http.StatusOK,
		body: "event: content_block_delta\n" +
			"data: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"Hel\"}}\n" +
			"\n" +
			"data: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"lo\"}}\n" +
			"data: {\"type\":\"message_stop\"}\n",
	}}}

	c, err := New(ProviderAnthropic, "t1", "", nil, WithTransport(transport))
	require.NoError(t, err)

	events, streamErr := collect(t, c, []Message{{Role: "user", Content: "hi"}}, "")
	require.NoError(t, streamErr)
	assert.Equal(t, []Event{
		{Kind: KindAnswer, Text: "Hel"},
		{Kind: KindAnswer, Text: "lo"},
	}, events)

	require.Len(t, transport.requests, 1)
	req := transport.requests[0]
	assert.Equal(t, "t1", req.Header.Get("x-api-key"))
	assert.Equal(t, "2023-06-01", req.Header.Get("anthropic-version"))
	assert.Equal(t, "text/event-stream", req.Header.Get("Accept"))
}

func TestStreamChatSentinelStopsBeforeTrailingChunks(t *testing.T) {
	transport := &scriptedTransport{t: t, responses: []scriptedResponse{{
		status: http.StatusOK,
		body: "data: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"Hi\"}}\n" +
			"data: [DONE]\n" +
			"data: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"ignored\"}}\n",
	}}}

	c, err := New(ProviderAnthropic, "t1", "", nil, WithTransport(transport))
	require.NoError(t, err)

	events, streamErr := collect(t, c, nil, "")
	require.NoError(t, streamErr)
	assert.Equal(t, []Event{{Kind: KindAnswer, Text: "Hi"}}, events)
}

func TestStreamChatSkipsMalformedLines(t *testing.T) {
	transport := &scriptedTransport{t: t, responses: []scriptedResponse{{
		status: http.StatusOK,
		body: "data: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"a\"}}\n" +
			"data: {not json\n" +
			"data: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"b\"}}\n" +
			"data: [DONE]\n",
	}}}

	c, err := New(ProviderAnthropic, "t1", "", nil, WithTransport(transport))
	require.NoError(t, err)

	events, streamErr := collect(t, c, nil, "")
	require.NoError(t, streamErr)
	assert.Equal(t, []Event{
		{Kind: KindAnswer, Text: "a"},
		{Kind: KindAnswer, Text: "b"},
	}, events)
}

func TestStreamChatQuotaRotatesCredential(t *testing.T) {
	transport := &scriptedTransport{t: t, responses: []scriptedResponse{
		{
			status: http.StatusTooManyRequests,
			body:   `{"error":{"code":"insufficient_user_quota","message":"quota"}}`,
		},
		{
			status: http.StatusOK,
			body: "data: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"Hi\"}}\n" +
				"data: [DONE]\n",
		},
	}}

	pool := newTestPool(t, "t1", "t2")
	c, err := New(ProviderAnthropic, "", "", pool, WithTransport(transport))
	require.NoError(t, err)

	events, streamErr := collect(t, c, []Message{{Role: "user", Content: "hi"}}, "")
	require.NoError(t, streamErr)
	assert.Equal(t, []Event{{Kind: KindAnswer, Text: "Hi"}}, events)

	require.Len(t, transport.requests, 2)
	assert.Equal(t, "t1", transport.requests[0].Header.Get("x-api-key"))
	assert.Equal(t, "t2", transport.requests[1].Header.Get("x-api-key"))
}

func TestStreamChatQuotaWithEmptyPoolTerminates(t *testing.T) {
	transport := &scriptedTransport{t: t, responses: []scriptedResponse{{
		status: http.StatusTooManyRequests,
		body:   `{"error":{"code":"insufficient_user_quota","message":"quota"}}`,
	}}}

	pool := newTestPool(t, "t1")
	c, err := New(ProviderAnthropic, "", "", pool, WithTransport(transport))
	require.NoError(t, err)

	events, streamErr := collect(t, c, nil, "")
	assert.Empty(t, events)
	assert.ErrorIs(t, streamErr, tokenpool.ErrNoTokens)
	assert.Len(t, transport.requests, 1)
}

func TestStreamChatNonQuotaErrorIsNotRetried(t *testing.T) {
	transport := &scriptedTransport{t: t, responses: []scriptedResponse{{
		status: http.StatusInternalServerError,
		body:   `{"error":{"code":"server_error","message":"boom"}}`,
	}}}

	pool := newTestPool(t, "t1", "t2")
	c, err := New(ProviderAnthropic, "", "", pool, WithTransport(transport))
	require.NoError(t, err)

	events, streamErr := collect(t, c, nil, "")
	assert.Empty(t, events)
	require.Error(t, streamErr)
	assert.Contains(t, streamErr.Error(), "status 500")
	assert.Len(t, transport.requests, 1)
}

func TestStreamChatUnparseableErrorBodyIsNotRetried(t *testing.T) {
	transport := &scriptedTransport{t: t, responses: []scriptedResponse{{
		status: http.StatusBadGateway,
		body:   "<html>bad gateway</html>",
	}}}

	c, err := New(ProviderAnthropic, "t1", "", nil, WithTransport(transport))
	require.NoError(t, err)

	events, streamErr := collect(t, c, nil, "")
	assert.Empty(t, events)
	require.Error(t, streamErr)
	assert.Len(t, transport.requests, 1)
}

func TestStreamChatTransportErrorTerminates(t *testing.T) {
	transport := &scriptedTransport{t: t, responses: []scriptedResponse{{
		err: errors.New("connection refused"),
	}}}

	c, err := New(ProviderAnthropic, "t1", "", nil, WithTransport(transport))
	require.NoError(t, err)

	events, streamErr := collect(t, c, nil, "")
	assert.Empty(t, events)
	require.Error(t, streamErr)
	assert.Len(t, transport.requests, 1)
}

func TestStreamChatOpenRouter(t *testing.T) {
	transport := &scriptedTransport{t: t, responses: []scriptedResponse{{
		status: http.StatusOK,
		body: "data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n" +
			"data: [DONE]\n",
	}}}

	c, err := New(ProviderOpenRouter, "or-key", "", nil, WithTransport(transport))
	require.NoError(t, err)

	events, streamErr := collect(t, c, []Message{{Role: "user", Content: "hi"}}, "claude-3-5-sonnet-20241022")
	require.NoError(t, streamErr)
	assert.Equal(t, []Event{{Kind: KindAnswer, Text: "ok"}}, events)

	require.Len(t, transport.requests, 1)
	req := transport.requests[0]
	assert.Equal(t, "Bearer or-key", req.Header.Get("Authorization"))
	assert.NotEmpty(t, req.Header.Get("HTTP-Referer"))
	assert.NotEmpty(t, req.Header.Get("X-Title"))

	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"model":"anthropic/claude-3.5-sonnet"`)
}

func TestStreamChatEarlyAbandonReleasesBody(t *testing.T) {
	body := &closeTrackingBody{Reader: strings.NewReader(
		"data: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"a\"}}\n" +
			"data: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"b\"}}\n" +
			"data: [DONE]\n",
	)}
	transport := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusOK, Body: body, Request: req}, nil
	})

	c, err := New(ProviderAnthropic, "t1", "", nil, WithTransport(transport))
	require.NoError(t, err)

	stream, err := c.StreamChat(context.Background(), nil, "")
	require.NoError(t, err)

	for event, streamErr := range stream {
		require.NoError(t, streamErr)
		assert.Equal(t, "a", event.Text)
		break
	}

	assert.True(t, body.closed)
}

func TestStreamChatHonorsMaxTokensOption(t *testing.T) {
	transport := &scriptedTransport{t: t, responses: []scriptedResponse{{
		status: http.StatusOK,
		body:   "data: [DONE]\n",
	}}}

	c, err := New(ProviderAnthropic, "t1", "", nil, WithTransport(transport), WithMaxTokens(1024))
	require.NoError(t, err)

	_, streamErr := collect(t, c, []Message{{Role: "user", Content: "hi"}}, "")
	require.NoError(t, streamErr)

	require.Len(t, transport.requests, 1)
	body, err := io.ReadAll(transport.requests[0].Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"max_tokens":1024`)
}

func TestStreamChatDecodesOversizedLines(t *testing.T) {
	// Beyond bufio.Scanner's default 64 KiB line cap.
	long := strings.Repeat("a", 100_000)
	transport := &scriptedTransport{t: t, responses: []scriptedResponse{{
		status: http.StatusOK,
		body: "data: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"" + long + "\"}}\n" +
			"data: [DONE]\n",
	}}}

	c, err := New(ProviderAnthropic, "t1", "", nil, WithTransport(transport))
	require.NoError(t, err)

	events, streamErr := collect(t, c, nil, "")
	require.NoError(t, streamErr)
	require.Len(t, events, 1)
	assert.Len(t, events[0].Text, 100_000)
}

func TestStreamChatConcurrentCallsShareClient(t *testing.T) {
	const okSSE = "data: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"Hi\"}}\n" +
		"data: [DONE]\n"

	// The first request hits the quota error and forces a rotation while
	// the other call is in flight on the same client.
	var quotaSent atomic.Bool
	transport := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if quotaSent.CompareAndSwap(false, true) {
			return &http.Response{
				StatusCode: http.StatusTooManyRequests,
				Body:       io.NopCloser(strings.NewReader(`{"error":{"code":"insufficient_user_quota"}}`)),
				Request:    req,
			}, nil
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(strings.NewReader(okSSE)),
			Request:    req,
		}, nil
	})

	pool := newTestPool(t, "t1", "t2")
	c, err := New(ProviderAnthropic, "", "", pool, WithTransport(transport))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()

			stream, err := c.StreamChat(context.Background(), []Message{{Role: "user", Content: "hi"}}, "")
			if err != nil {
				t.Errorf("StreamChat: %v", err)
				return
			}

			var got []Event
			for event, streamErr := range stream {
				if streamErr != nil {
					t.Errorf("stream error: %v", streamErr)
					return
				}
				got = append(got, event)
			}
			if len(got) != 1 || got[0].Text != "Hi" {
				t.Errorf("unexpected events: %v", got)
			}
		}()
	}
	wg.Wait()
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

type closeTrackingBody struct {
	io.Reader
	closed bool
}

func (b *closeTrackingBody) Close() error {
	b.closed = true
	return nil
}
