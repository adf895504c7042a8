// Package guardrails enforces per-key content and model policy before a
// request is admitted: banned phrases and regexes, built-in PII patterns,
// input-size caps, model allow/deny lists, and minimal body shape checks.
package guardrails

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	gateway "github.com/dittolabs/ditto/internal"
)

// Built-in PII patterns checked when block_pii is set.
var (
	emailPattern = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	ssnPattern   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
)

// Checker evaluates guardrail policy. Compiled regexes are cached per
// pattern string so repeated requests on the same key pay compilation once.
type Checker struct {
	mu       sync.RWMutex
	compiled map[string]*regexp.Regexp
}

// NewChecker creates a Checker with an empty regex cache.
func NewChecker() *Checker {
	return &Checker{compiled: make(map[string]*regexp.Regexp)}
}

// ValidatePatterns compiles every banned regex in cfg, returning an error on
// the first invalid one. Admin upsert calls this before accepting a key.
func (c *Checker) ValidatePatterns(cfg *gateway.GuardrailsConfig) error {
	for _, pat := range cfg.BannedRegexes {
		if _, err := c.compile(pat); err != nil {
			return fmt.Errorf("%w: invalid banned_regex %q: %v", gateway.ErrInvalidRequest, pat, err)
		}
	}
	return nil
}

// Check applies cfg to the request's model, decoded prompt text, and
// estimated input tokens. Returns a GuardrailError on the first violation.
func (c *Checker) Check(cfg *gateway.GuardrailsConfig, model, prompt string, inputTokens int) error {
	if reason := checkModel(cfg, model); reason != "" {
		return &gateway.GuardrailError{Reason: reason}
	}

	if cfg.MaxInputTokens != nil && inputTokens > *cfg.MaxInputTokens {
		return &gateway.GuardrailError{Reason: fmt.Sprintf("input_tokens>%d", *cfg.MaxInputTokens)}
	}

	if len(cfg.BannedPhrases) > 0 {
		lowered := strings.ToLower(prompt)
		for _, phrase := range cfg.BannedPhrases {
			if phrase == "" {
				continue
			}
			if strings.Contains(lowered, strings.ToLower(phrase)) {
				return &gateway.GuardrailError{Reason: "banned_phrase:" + phrase}
			}
		}
	}

	for _, pat := range cfg.BannedRegexes {
		re, err := c.compile(pat)
		if err != nil {
			return &gateway.GuardrailError{Reason: "banned_regex_invalid:" + pat}
		}
		if re.MatchString(prompt) {
			return &gateway.GuardrailError{Reason: "banned_regex:" + pat}
		}
	}

	if cfg.BlockPII {
		if emailPattern.MatchString(prompt) {
			return &gateway.GuardrailError{Reason: "pii:email"}
		}
		if ssnPattern.MatchString(prompt) {
			return &gateway.GuardrailError{Reason: "pii:ssn"}
		}
	}

	return nil
}

// CheckModel applies only the allow/deny model policy.
func (c *Checker) CheckModel(cfg *gateway.GuardrailsConfig, model string) error {
	if reason := checkModel(cfg, model); reason != "" {
		return &gateway.GuardrailError{Reason: reason}
	}
	return nil
}

// checkModel returns a rejection reason or "". Deny is checked before allow.
func checkModel(cfg *gateway.GuardrailsConfig, model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		return ""
	}
	for _, pattern := range cfg.DenyModels {
		if modelMatchesPattern(model, pattern) {
			return "deny_model:" + pattern
		}
	}
	if len(cfg.AllowModels) > 0 {
		for _, pattern := range cfg.AllowModels {
			if modelMatchesPattern(model, pattern) {
				return ""
			}
		}
		return "model_not_allowed:" + model
	}
	return ""
}

// modelMatchesPattern matches a literal pattern or a "prefix*" wildcard.
func modelMatchesPattern(model, pattern string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return false
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(model, prefix)
	}
	return model == pattern
}

// compile returns a cached case-insensitive regex for pat.
func (c *Checker) compile(pat string) (*regexp.Regexp, error) {
	c.mu.RLock()
	re, ok := c.compiled[pat]
	c.mu.RUnlock()
	if ok {
		return re, nil
	}

	re, err := regexp.Compile("(?i)" + pat)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.compiled[pat] = re
	c.mu.Unlock()
	return re, nil
}

// ValidateSchema runs minimal shape validation of the inbound JSON body for
// known endpoints. path must be canonical ("/v1/chat/completions" form).
func ValidateSchema(path string, body []byte) error {
	switch path {
	case "/v1/chat/completions":
		if !gjson.GetBytes(body, "messages").IsArray() {
			return fmt.Errorf("%w: chat completions require a messages array", gateway.ErrInvalidRequest)
		}
	case "/v1/completions":
		if !gjson.GetBytes(body, "prompt").Exists() {
			return fmt.Errorf("%w: completions require a prompt", gateway.ErrInvalidRequest)
		}
	case "/v1/embeddings":
		if !gjson.GetBytes(body, "input").Exists() {
			return fmt.Errorf("%w: embeddings require an input", gateway.ErrInvalidRequest)
		}
	case "/v1/moderations":
		if !gjson.GetBytes(body, "input").Exists() {
			return fmt.Errorf("%w: moderations require an input", gateway.ErrInvalidRequest)
		}
	case "/v1/rerank":
		if !gjson.GetBytes(body, "query").Exists() || !gjson.GetBytes(body, "documents").Exists() {
			return fmt.Errorf("%w: rerank requires query and documents", gateway.ErrInvalidRequest)
		}
	case "/v1/responses":
		if !gjson.GetBytes(body, "input").Exists() && !gjson.GetBytes(body, "instructions").Exists() {
			return fmt.Errorf("%w: responses require input or instructions", gateway.ErrInvalidRequest)
		}
	}
	return nil
}

// PromptText extracts the human-readable prompt content from an OpenAI-shaped
// body for phrase and PII matching. Falls back to the raw body.
func PromptText(body []byte) string {
	if messages := gjson.GetBytes(body, "messages"); messages.IsArray() {
		var sb strings.Builder
		messages.ForEach(func(_, m gjson.Result) bool {
			content := m.Get("content")
			if content.IsArray() {
				content.ForEach(func(_, part gjson.Result) bool {
					if t := part.Get("text"); t.Exists() {
						sb.WriteString(t.String())
						sb.WriteByte('\n')
					}
					return true
				})
			} else {
				sb.WriteString(content.String())
				sb.WriteByte('\n')
			}
			return true
		})
		return sb.String()
	}
	for _, field := range [...]string{"prompt", "input", "query", "instructions"} {
		if v := gjson.GetBytes(body, field); v.Exists() {
			return v.String()
		}
	}
	return string(body)
}
