// Package tokencount provides token estimation for rate limiting and budget
// reservation. Uses a character-based heuristic (~4 chars per token for
// English) which is sufficient for admission control; actual usage reported
// by the upstream closes out reservations with exact numbers.
package tokencount

import (
	"github.com/tidwall/gjson"
)

// Counter estimates token counts for proxied request bodies.
type Counter struct {
	// DefaultMaxOutputTokens is assumed when the request carries no
	// max_tokens / max_output_tokens field.
	DefaultMaxOutputTokens int
}

// NewCounter creates a Counter with the given output-token fallback.
func NewCounter(defaultMaxOutput int) *Counter {
	if defaultMaxOutput <= 0 {
		defaultMaxOutput = 1024
	}
	return &Counter{DefaultMaxOutputTokens: defaultMaxOutput}
}

// EstimateInput estimates the input tokens of an OpenAI-shaped JSON body.
// Chat bodies count message contents; completions count the prompt;
// embeddings and moderations count the input field. Unknown shapes fall
// back to the whole body length.
func (c *Counter) EstimateInput(body []byte) int {
	if len(body) == 0 {
		return 1
	}

	if messages := gjson.GetBytes(body, "messages"); messages.IsArray() {
		total := 0
		messages.ForEach(func(_, m gjson.Result) bool {
			total += 4 // per-message framing overhead
			total += estimateTokens(m.Get("role").String())
			total += estimateTokens(m.Get("content").Raw)
			if tc := m.Get("tool_calls"); tc.Exists() {
				total += estimateTokens(tc.Raw)
			}
			return true
		})
		total += 3 // reply priming
		return max(total, 1)
	}

	for _, field := range [...]string{"prompt", "input", "query", "instructions"} {
		if v := gjson.GetBytes(body, field); v.Exists() {
			return max(estimateTokens(v.Raw), 1)
		}
	}

	return max(estimateTokens(string(body)), 1)
}

// EstimateOutput returns the requested completion budget: max_tokens or
// max_output_tokens when present, else the configured default.
func (c *Counter) EstimateOutput(body []byte) int {
	for _, field := range [...]string{"max_tokens", "max_output_tokens", "max_completion_tokens"} {
		if v := gjson.GetBytes(body, field); v.Exists() {
			if n := int(v.Int()); n > 0 {
				return n
			}
		}
	}
	return c.DefaultMaxOutputTokens
}

// CountText estimates tokens for a plain text string.
func (c *Counter) CountText(text string) int {
	return max(estimateTokens(text), 1)
}

// estimateTokens uses the ~4 characters per token heuristic.
// This is a reasonable approximation for English text with GPT-family tokenizers.
func estimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + 3) / 4
}
