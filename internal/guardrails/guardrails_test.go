package guardrails

import (
	"errors"
	"strings"
	"testing"

	gateway "github.com/dittolabs/ditto/internal"
)

func TestCheck_BannedPhrase(t *testing.T) {
	t.Parallel()
	c := NewChecker()
	cfg := &gateway.GuardrailsConfig{BannedPhrases: []string{"Forbidden Topic"}}

	err := c.Check(cfg, "gpt-4o", "let's discuss the forbidden topic now", 10)
	if !errors.Is(err, gateway.ErrGuardrailRejected) {
		t.Fatalf("err = %v, want guardrail rejection", err)
	}
	var ge *gateway.GuardrailError
	if !errors.As(err, &ge) || !strings.HasPrefix(ge.Reason, "banned_phrase:") {
		t.Errorf("reason = %v, want banned_phrase prefix", err)
	}

	if err := c.Check(cfg, "gpt-4o", "a perfectly fine prompt", 10); err != nil {
		t.Errorf("clean prompt rejected: %v", err)
	}
}

func TestCheck_BannedRegexAndValidate(t *testing.T) {
	t.Parallel()
	c := NewChecker()
	cfg := &gateway.GuardrailsConfig{BannedRegexes: []string{`secret\s+project`}}

	if err := c.ValidatePatterns(cfg); err != nil {
		t.Fatalf("valid pattern rejected: %v", err)
	}
	if err := c.Check(cfg, "m", "the SECRET   project plans", 1); !errors.Is(err, gateway.ErrGuardrailRejected) {
		t.Errorf("regex should match case-insensitively, got %v", err)
	}

	bad := &gateway.GuardrailsConfig{BannedRegexes: []string{`[unclosed`}}
	if err := c.ValidatePatterns(bad); !errors.Is(err, gateway.ErrInvalidRequest) {
		t.Errorf("invalid pattern should fail validation, got %v", err)
	}
	if err := c.Check(bad, "m", "anything", 1); !errors.Is(err, gateway.ErrGuardrailRejected) {
		t.Errorf("invalid pattern at runtime should reject, got %v", err)
	}
}

func TestCheck_PII(t *testing.T) {
	t.Parallel()
	c := NewChecker()
	cfg := &gateway.GuardrailsConfig{BlockPII: true}

	if err := c.Check(cfg, "m", "mail me at alice@example.com", 1); !errors.Is(err, gateway.ErrGuardrailRejected) {
		t.Error("email should be blocked")
	}
	if err := c.Check(cfg, "m", "my ssn is 123-45-6789", 1); !errors.Is(err, gateway.ErrGuardrailRejected) {
		t.Error("SSN should be blocked")
	}
	if err := c.Check(cfg, "m", "no pii here", 1); err != nil {
		t.Errorf("clean prompt rejected: %v", err)
	}
}

func TestCheck_MaxInputTokens(t *testing.T) {
	t.Parallel()
	c := NewChecker()
	limit := 5
	cfg := &gateway.GuardrailsConfig{MaxInputTokens: &limit}

	if err := c.Check(cfg, "m", "p", 6); !errors.Is(err, gateway.ErrGuardrailRejected) {
		t.Error("over-limit input should reject")
	}
	if err := c.Check(cfg, "m", "p", 5); err != nil {
		t.Errorf("at-limit input rejected: %v", err)
	}
}

func TestCheckModel_AllowDeny(t *testing.T) {
	t.Parallel()
	c := NewChecker()

	cfg := &gateway.GuardrailsConfig{
		AllowModels: []string{"gpt-4o*", "claude-3-5-sonnet"},
		DenyModels:  []string{"gpt-4o-audio*"},
	}

	if err := c.CheckModel(cfg, "gpt-4o-mini"); err != nil {
		t.Errorf("allowed prefix rejected: %v", err)
	}
	if err := c.CheckModel(cfg, "claude-3-5-sonnet"); err != nil {
		t.Errorf("allowed literal rejected: %v", err)
	}
	// Deny wins over allow.
	if err := c.CheckModel(cfg, "gpt-4o-audio-preview"); !errors.Is(err, gateway.ErrGuardrailRejected) {
		t.Error("denied model should reject")
	}
	if err := c.CheckModel(cfg, "gemini-pro"); !errors.Is(err, gateway.ErrGuardrailRejected) {
		t.Error("model outside allow list should reject")
	}
}

func TestValidateSchema(t *testing.T) {
	t.Parallel()

	if err := ValidateSchema("/v1/chat/completions", []byte(`{"model":"m"}`)); !errors.Is(err, gateway.ErrInvalidRequest) {
		t.Error("chat without messages should fail")
	}
	if err := ValidateSchema("/v1/chat/completions", []byte(`{"messages":[{"role":"user","content":"hi"}]}`)); err != nil {
		t.Errorf("valid chat body rejected: %v", err)
	}
	if err := ValidateSchema("/v1/embeddings", []byte(`{"model":"m"}`)); !errors.Is(err, gateway.ErrInvalidRequest) {
		t.Error("embeddings without input should fail")
	}
	// Unknown endpoints pass through.
	if err := ValidateSchema("/v1/images/generations", []byte(`{}`)); err != nil {
		t.Errorf("unknown endpoint should not validate: %v", err)
	}
}

func TestPromptText(t *testing.T) {
	t.Parallel()

	got := PromptText([]byte(`{"messages":[{"role":"user","content":"hello"},{"role":"user","content":[{"type":"text","text":"world"}]}]}`))
	if !strings.Contains(got, "hello") || !strings.Contains(got, "world") {
		t.Errorf("PromptText = %q, want both parts", got)
	}
	if got := PromptText([]byte(`{"prompt":"plain"}`)); got != "plain" {
		t.Errorf("PromptText = %q, want plain", got)
	}
}
