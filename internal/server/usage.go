package server

import (
	"github.com/tidwall/gjson"

	gateway "github.com/dittolabs/ditto/internal"
)

// extractUsage pulls token usage out of an OpenAI-shaped response body.
// Both chat-completions field names (prompt/completion) and responses-API
// names (input/output) are understood. Returns nil when the body carries no
// usage object.
func extractUsage(body []byte) *gateway.Usage {
	u := gjson.GetBytes(body, "usage")
	if !u.Exists() || !u.IsObject() {
		return nil
	}

	usage := &gateway.Usage{}
	if v := u.Get("prompt_tokens"); v.Exists() {
		usage.PromptTokens = int(v.Int())
	} else if v := u.Get("input_tokens"); v.Exists() {
		usage.PromptTokens = int(v.Int())
	}
	if v := u.Get("completion_tokens"); v.Exists() {
		usage.CompletionTokens = int(v.Int())
	} else if v := u.Get("output_tokens"); v.Exists() {
		usage.CompletionTokens = int(v.Int())
	}
	if v := u.Get("total_tokens"); v.Exists() {
		usage.TotalTokens = int(v.Int())
	} else {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}

	if v := u.Get("prompt_tokens_details.cached_tokens"); v.Exists() {
		usage.CachedTokens = int(v.Int())
	} else if v := u.Get("input_tokens_details.cached_tokens"); v.Exists() {
		usage.CachedTokens = int(v.Int())
	}
	if v := u.Get("completion_tokens_details.reasoning_tokens"); v.Exists() {
		usage.ReasoningTokens = int(v.Int())
	} else if v := u.Get("output_tokens_details.reasoning_tokens"); v.Exists() {
		usage.ReasoningTokens = int(v.Int())
	}

	if usage.TotalTokens == 0 && usage.PromptTokens == 0 && usage.CompletionTokens == 0 {
		return nil
	}
	return usage
}
