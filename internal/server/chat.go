package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/deepclaude/claude-relay/internal/claude"
	"github.com/deepclaude/claude-relay/internal/metrics"
	"github.com/deepclaude/claude-relay/internal/tokenpool"
)

// chatRequest is the subset of the OpenAI chat completions request the relay
// consumes. Unknown fields are ignored.
type chatRequest struct {
	Model    string           `json:"model"`
	Messages []claude.Message `json:"messages"`
	Stream   bool             `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatResponse struct {
	Object  string       `json:"object"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

type chatDelta struct {
	Content string `json:"content,omitempty"`
}

type chunkChoice struct {
	Index int       `json:"index"`
	Delta chatDelta `json:"delta"`
}

type chatChunk struct {
	Object  string        `json:"object"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
}

// chatHandler serves OpenAI-compatible chat completion requests by driving
// the Claude streaming client.
type chatHandler struct {
	client       *claude.Client
	defaultModel string
}

var _ http.Handler = (*chatHandler)(nil)

func (h *chatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	defer func() {
		metrics.RequestLatency.WithLabelValues("chat_completions").Observe(time.Since(start).Seconds())
	}()

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			slog.WarnContext(ctx, "request exceeds size limit", "limit_bytes", maxBytesErr.Limit)
			writeJSONError(ctx, w, "invalid_request_error", http.StatusText(http.StatusRequestEntityTooLarge))
			return
		}
		slog.ErrorContext(ctx, "failed to decode request", "error", err)
		writeJSONError(ctx, w, "invalid_request_error", http.StatusText(http.StatusBadRequest))
		return
	}

	model := req.Model
	if model == "" {
		model = h.defaultModel
	}

	if req.Stream {
		h.streamResponse(ctx, w, req.Messages, model)
		return
	}
	h.writeResponse(ctx, w, req.Messages, model)
}

// writeResponse buffers the whole answer into a single JSON response.
func (h *chatHandler) writeResponse(ctx context.Context, w http.ResponseWriter, messages []claude.Message, model string) {
	if ctx.Err() != nil {
		return
	}

	stream, err := h.client.StreamChat(ctx, messages, model)
	if err != nil {
		slog.ErrorContext(ctx, "chat request failed", "error", err)
		writeJSONError(ctx, w, "api_error", http.StatusText(http.StatusInternalServerError))
		return
	}

	var answer strings.Builder
	finishReason := "stop"
	for event, streamErr := range stream {
		if streamErr != nil {
			if answer.Len() == 0 {
				writeJSONError(ctx, w, errorType(streamErr), streamErr.Error())
				return
			}
			// A partial answer already streamed in; return what we have,
			// flagged so the caller can tell it from a complete reply.
			slog.WarnContext(ctx, "answer truncated by stream error", "error", streamErr)
			finishReason = "error"
			break
		}
		answer.WriteString(event.Text)
	}

	writeJSON(ctx, w, chatResponse{
		Object: "chat.completion",
		Model:  model,
		Choices: []chatChoice{{
			Message:      chatMessage{Role: "assistant", Content: answer.String()},
			FinishReason: finishReason,
		}},
	}, http.StatusOK)
}

// streamResponse re-emits adapter events as OpenAI-style SSE chunks.
func (h *chatHandler) streamResponse(ctx context.Context, w http.ResponseWriter, messages []claude.Message, model string) {
	if ctx.Err() != nil {
		return
	}

	stream, err := h.client.StreamChat(ctx, messages, model)
	if err != nil {
		slog.ErrorContext(ctx, "streaming chat request failed", "error", err)
		writeJSONError(ctx, w, "api_error", http.StatusText(http.StatusInternalServerError))
		return
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		slog.ErrorContext(ctx, "SSE not supported", "error", err)
		writeJSONError(ctx, w, "api_error", http.StatusText(http.StatusInternalServerError))
		return
	}

	for event, streamErr := range stream {
		if ctx.Err() != nil {
			slog.DebugContext(ctx, "client disconnected during stream")
			return
		}

		if streamErr != nil {
			slog.ErrorContext(ctx, "stream error", "error", streamErr)
			// Clients recognize the {"error": {...}} payload and stop
			// reading; no [DONE] marker follows an error event.
			if writeErr := sse.WriteEvent("error"); writeErr != nil {
				return
			}
			_ = sse.WriteData(errorBody{Err: errorDetail{
				Message: streamErr.Error(),
				Type:    errorType(streamErr),
			}})
			return
		}

		chunk := chatChunk{
			Object: "chat.completion.chunk",
			Model:  model,
			Choices: []chunkChoice{{
				Delta: chatDelta{Content: event.Text},
			}},
		}
		if err := sse.WriteData(chunk); err != nil {
			slog.ErrorContext(ctx, "failed to write chunk", "error", err)
			return
		}
	}

	if err := sse.WriteRaw("[DONE]"); err != nil {
		slog.ErrorContext(ctx, "failed to write stream termination marker", "error", err)
	}
}

// errorType maps adapter failures to OpenAI error taxonomy strings.
func errorType(err error) string {
	if errors.Is(err, tokenpool.ErrNoTokens) {
		return "insufficient_quota"
	}
	return "api_error"
}
