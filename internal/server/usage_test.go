package server

import (
	"testing"

	gateway "github.com/dittolabs/ditto/internal"
)

func TestExtractUsage(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		body string
		want *gateway.Usage
	}{
		{
			name: "openai chat fields",
			body: `{"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`,
			want: &gateway.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		},
		{
			name: "responses api fields",
			body: `{"usage":{"input_tokens":8,"output_tokens":4,"total_tokens":12}}`,
			want: &gateway.Usage{PromptTokens: 8, CompletionTokens: 4, TotalTokens: 12},
		},
		{
			name: "total derived from parts",
			body: `{"usage":{"prompt_tokens":7,"completion_tokens":3}}`,
			want: &gateway.Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10},
		},
		{
			name: "cached and reasoning detail",
			body: `{"usage":{"prompt_tokens":10,"completion_tokens":20,"total_tokens":30,` +
				`"prompt_tokens_details":{"cached_tokens":4},"completion_tokens_details":{"reasoning_tokens":6}}}`,
			want: &gateway.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30, CachedTokens: 4, ReasoningTokens: 6},
		},
		{
			name: "responses detail variants",
			body: `{"usage":{"input_tokens":10,"output_tokens":20,` +
				`"input_tokens_details":{"cached_tokens":2},"output_tokens_details":{"reasoning_tokens":5}}}`,
			want: &gateway.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30, CachedTokens: 2, ReasoningTokens: 5},
		},
		{
			name: "no usage object",
			body: `{"id":"chatcmpl-1","choices":[]}`,
			want: nil,
		},
		{
			name: "all zero usage",
			body: `{"usage":{"prompt_tokens":0,"completion_tokens":0,"total_tokens":0}}`,
			want: nil,
		},
		{
			name: "not json",
			body: `garbage`,
			want: nil,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := extractUsage([]byte(tc.body))
			if tc.want == nil {
				if got != nil {
					t.Fatalf("extractUsage = %+v, want nil", got)
				}
				return
			}
			if got == nil {
				t.Fatalf("extractUsage = nil, want %+v", tc.want)
			}
			if *got != *tc.want {
				t.Errorf("extractUsage = %+v, want %+v", got, tc.want)
			}
		})
	}
}
