package claude

import (
	"encoding/json"
	"net/http"
)

// Provider selects one of the supported Claude-compatible backends.
// It determines the header shape, payload shape, and response grammar.
type Provider string

const (
	ProviderAnthropic  Provider = "anthropic"
	ProviderOpenRouter Provider = "openrouter"
	ProviderOneAPI     Provider = "oneapi"
)

const (
	// DefaultModel is used when the caller does not name a model.
	DefaultModel = "claude-3-5-sonnet-20241022"

	anthropicVersion = "2023-06-01"

	// OpenRouter routes every request to this vendor-qualified model id
	// regardless of the caller's choice.
	openRouterModel = "anthropic/claude-3.5-sonnet"

	defaultMaxTokens = 8192
)

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// variant bundles the per-provider request construction and response
// decoding, so the client dispatches through one table instead of branching
// at every call site.
type variant struct {
	defaultURL    string
	overrideModel func(model string) string
	headers       func(token string) http.Header
	body          func(model string, messages []Message, maxTokens int) any
	fragment      func(data []byte) string
}

var variants = map[Provider]variant{
	ProviderAnthropic: {
		defaultURL: "https://api.anthropic.com/v1/messages",
		headers: func(token string) http.Header {
			h := http.Header{}
			h.Set("x-api-key", token)
			h.Set("anthropic-version", anthropicVersion)
			h.Set("Content-Type", "application/json")
			h.Set("Accept", "text/event-stream")
			return h
		},
		body: func(model string, messages []Message, maxTokens int) any {
			return anthropicRequest{
				Model:     model,
				Messages:  messages,
				MaxTokens: maxTokens,
				Stream:    true,
			}
		},
		fragment: anthropicFragment,
	},
	ProviderOpenRouter: {
		defaultURL:    "https://openrouter.ai/api/v1/chat/completions",
		overrideModel: func(string) string { return openRouterModel },
		headers: func(token string) http.Header {
			h := http.Header{}
			h.Set("Authorization", "Bearer "+token)
			h.Set("Content-Type", "application/json")
			// OpenRouter wants the calling application identified.
			h.Set("HTTP-Referer", "https://github.com/deepclaude/claude-relay")
			h.Set("X-Title", "claude-relay")
			return h
		},
		body:     chatCompletionBody,
		fragment: openAIFragment,
	},
	ProviderOneAPI: {
		headers: func(token string) http.Header {
			h := http.Header{}
			h.Set("Authorization", "Bearer "+token)
			h.Set("Content-Type", "application/json")
			return h
		},
		body:     chatCompletionBody,
		fragment: openAIFragment,
	},
}

// setAuth swaps the credential on an already-built header set, used when the
// pool rotates between retries.
func (p Provider) setAuth(h http.Header, token string) {
	if p == ProviderAnthropic {
		h.Set("x-api-key", token)
		return
	}
	h.Set("Authorization", "Bearer "+token)
}

type anthropicRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens"`
	Stream    bool      `json:"stream"`
}

type chatCompletionRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

// chatCompletionBody builds the OpenAI-style payload shared by OpenRouter
// and OneAPI; neither carries a max_tokens field.
func chatCompletionBody(model string, messages []Message, _ int) any {
	return chatCompletionRequest{Model: model, Messages: messages, Stream: true}
}

// openAIFragment extracts the incremental content from an OpenAI-style stream
// chunk (choices[0].delta.content). Malformed or content-free chunks yield
// an empty fragment, which the caller skips.
func openAIFragment(data []byte) string {
	var chunk struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(data, &chunk); err != nil {
		return ""
	}
	if len(chunk.Choices) == 0 {
		return ""
	}
	return chunk.Choices[0].Delta.Content
}

// anthropicFragment extracts the incremental text from an Anthropic stream
// event, gated on the content_block_delta event type.
func anthropicFragment(data []byte) string {
	var event struct {
		Type  string `json:"type"`
		Delta struct {
			Text string `json:"text"`
		} `json:"delta"`
	}
	if err := json.Unmarshal(data, &event); err != nil {
		return ""
	}
	if event.Type != "content_block_delta" {
		return ""
	}
	return event.Delta.Text
}
