// Package gateway defines domain types and interfaces for the Ditto LLM gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"net/http"
	"time"
)

// --- Virtual keys ---

// LimitsConfig holds per-minute request and token ceilings.
// A nil value means unlimited; an explicit 0 denies all traffic.
type LimitsConfig struct {
	RPM *int64 `yaml:"rpm,omitempty" json:"rpm,omitempty"`
	TPM *int64 `yaml:"tpm,omitempty" json:"tpm,omitempty"`
}

// BudgetConfig holds lifetime spend ceilings. Nil means unlimited.
type BudgetConfig struct {
	TotalTokens    *uint64 `yaml:"total_tokens,omitempty" json:"total_tokens,omitempty"`
	TotalUSDMicros *uint64 `yaml:"total_usd_micros,omitempty" json:"total_usd_micros,omitempty"`
}

// CacheConfig controls per-key response caching.
type CacheConfig struct {
	Enabled    bool `yaml:"enabled" json:"enabled"`
	TTLSeconds int  `yaml:"ttl_seconds" json:"ttl_seconds"`
	MaxEntries int  `yaml:"max_entries" json:"max_entries"`
}

// GuardrailsConfig holds content and model policy for a key or route rule.
type GuardrailsConfig struct {
	BannedPhrases  []string `yaml:"banned_phrases,omitempty" json:"banned_phrases,omitempty"`
	BannedRegexes  []string `yaml:"banned_regexes,omitempty" json:"banned_regexes,omitempty"`
	BlockPII       bool     `yaml:"block_pii,omitempty" json:"block_pii,omitempty"`
	MaxInputTokens *int     `yaml:"max_input_tokens,omitempty" json:"max_input_tokens,omitempty"`
	AllowModels    []string `yaml:"allow_models,omitempty" json:"allow_models,omitempty"`
	DenyModels     []string `yaml:"deny_models,omitempty" json:"deny_models,omitempty"`
	ValidateSchema bool     `yaml:"validate_schema,omitempty" json:"validate_schema,omitempty"`
}

// PassthroughConfig controls raw proxying behavior for a key.
type PassthroughConfig struct {
	Allow       bool `yaml:"allow,omitempty" json:"allow,omitempty"`
	BypassCache bool `yaml:"bypass_cache,omitempty" json:"bypass_cache,omitempty"`
}

// VirtualKey is a tenant-facing credential governing limits, budgets,
// guardrails, routing and caching. Token is the secret; ID is stable.
type VirtualKey struct {
	ID          string            `yaml:"id" json:"id"`
	Token       string            `yaml:"token" json:"token"`
	Enabled     bool              `yaml:"enabled" json:"enabled"`
	TenantID    string            `yaml:"tenant_id,omitempty" json:"tenant_id,omitempty"`
	ProjectID   string            `yaml:"project_id,omitempty" json:"project_id,omitempty"`
	UserID      string            `yaml:"user_id,omitempty" json:"user_id,omitempty"`
	Route       string            `yaml:"route,omitempty" json:"route,omitempty"`
	Limits      LimitsConfig      `yaml:"limits" json:"limits"`
	Budget      BudgetConfig      `yaml:"budget" json:"budget"`
	Cache       CacheConfig       `yaml:"cache" json:"cache"`
	Guardrails  GuardrailsConfig  `yaml:"guardrails" json:"guardrails"`
	Passthrough PassthroughConfig `yaml:"passthrough" json:"passthrough"`
}

// Scopes returns the budget/rate-limit partitions this key participates in,
// ordered key, project, user, tenant. The key scope is always present.
func (k *VirtualKey) Scopes() []string {
	scopes := make([]string, 0, 4)
	scopes = append(scopes, "key:"+k.ID)
	if k.ProjectID != "" {
		scopes = append(scopes, "project:"+k.ProjectID)
	}
	if k.UserID != "" {
		scopes = append(scopes, "user:"+k.UserID)
	}
	if k.TenantID != "" {
		scopes = append(scopes, "tenant:"+k.TenantID)
	}
	return scopes
}

// Redacted returns a copy with the secret token replaced.
func (k *VirtualKey) Redacted() VirtualKey {
	c := *k
	c.Token = "redacted"
	return c
}

// --- Backends ---

// Backend is an upstream LLM endpoint.
type Backend struct {
	Name           string            `yaml:"name" json:"name"`
	BaseURL        string            `yaml:"base_url" json:"base_url"`
	Headers        map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	QueryParams    map[string]string `yaml:"query_params,omitempty" json:"query_params,omitempty"`
	TimeoutSeconds int               `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	MaxInFlight    int               `yaml:"max_in_flight,omitempty" json:"max_in_flight,omitempty"`
	ModelMap       map[string]string `yaml:"model_map,omitempty" json:"model_map,omitempty"`
	Auth           *BackendAuth      `yaml:"auth,omitempty" json:"auth,omitempty"`
	Translation    string            `yaml:"translation,omitempty" json:"translation,omitempty"`
}

// MappedModel applies the backend's model map to the client-supplied model id.
// An exact entry wins over the "*" wildcard; absent both, model is unchanged.
func (b *Backend) MappedModel(model string) string {
	if b.ModelMap == nil {
		return model
	}
	if mapped, ok := b.ModelMap[model]; ok {
		return mapped
	}
	if mapped, ok := b.ModelMap["*"]; ok {
		return mapped
	}
	return model
}

// BackendAuth is a tagged auth variant applied to outbound requests.
// Type is one of "bearer", "header", "query", "oauth2".
type BackendAuth struct {
	Type         string   `yaml:"type" json:"type"`
	Token        string   `yaml:"token,omitempty" json:"-"`
	Name         string   `yaml:"name,omitempty" json:"name,omitempty"`
	TokenURL     string   `yaml:"token_url,omitempty" json:"token_url,omitempty"`
	ClientID     string   `yaml:"client_id,omitempty" json:"client_id,omitempty"`
	ClientSecret string   `yaml:"client_secret,omitempty" json:"-"`
	Scopes       []string `yaml:"scopes,omitempty" json:"scopes,omitempty"`
}

// --- Routing ---

// RouteBackend pairs a backend name with a selection weight.
type RouteBackend struct {
	Backend string  `yaml:"backend" json:"backend"`
	Weight  float64 `yaml:"weight" json:"weight"`
}

// RouteRule selects candidate backends for model ids matching a prefix.
type RouteRule struct {
	ModelPrefix string            `yaml:"model_prefix" json:"model_prefix"`
	Exact       bool              `yaml:"exact,omitempty" json:"exact,omitempty"`
	Backends    []RouteBackend    `yaml:"backends" json:"backends"`
	Guardrails  *GuardrailsConfig `yaml:"guardrails,omitempty" json:"guardrails,omitempty"`
}

// Matches reports whether the rule applies to the given model id.
// A trailing "*" in the prefix is stripped before comparison.
func (r *RouteRule) Matches(model string) bool {
	if r.Exact {
		return model == r.ModelPrefix
	}
	prefix := r.ModelPrefix
	if n := len(prefix); n > 0 && prefix[n-1] == '*' {
		prefix = prefix[:n-1]
	}
	return len(model) >= len(prefix) && model[:len(prefix)] == prefix
}

// RouterConfig holds default candidates and prefix rules.
type RouterConfig struct {
	DefaultBackends []RouteBackend `yaml:"default_backends" json:"default_backends"`
	Rules           []RouteRule    `yaml:"rules,omitempty" json:"rules,omitempty"`
}

// --- Ledgers and reservations ---

// ReservationKind distinguishes token and cost ledger rows.
type ReservationKind string

const (
	ReserveTokens    ReservationKind = "tokens"
	ReserveUSDMicros ReservationKind = "usd_micros"
)

// Reservation is a request-scoped pending charge against one scope's ledger.
type Reservation struct {
	ID          string          `json:"id"`
	Scope       string          `json:"scope"`
	Amount      uint64          `json:"amount"`
	Kind        ReservationKind `json:"kind"`
	CreatedAtMS uint64          `json:"created_at_ms"`
}

// BudgetLedger tracks token spend for one scope.
type BudgetLedger struct {
	Scope          string `json:"scope"`
	SpentTokens    uint64 `json:"spent_tokens"`
	ReservedTokens uint64 `json:"reserved_tokens"`
	UpdatedAtMS    uint64 `json:"updated_at_ms"`
}

// CostLedger tracks USD-micro spend for one scope.
type CostLedger struct {
	Scope             string `json:"scope"`
	SpentUSDMicros    uint64 `json:"spent_usd_micros"`
	ReservedUSDMicros uint64 `json:"reserved_usd_micros"`
	UpdatedAtMS       uint64 `json:"updated_at_ms"`
}

// --- Backend health ---

// BackendHealthSnapshot is the externally visible health state of a backend.
type BackendHealthSnapshot struct {
	Backend                    string  `json:"backend"`
	ConsecutiveFailures        int     `json:"consecutive_failures"`
	UnhealthyUntilEpochSeconds *int64  `json:"unhealthy_until_epoch_seconds,omitempty"`
	LastError                  string  `json:"last_error,omitempty"`
	LastFailureTSMS            *uint64 `json:"last_failure_ts_ms,omitempty"`
	HealthCheckHealthy         *bool   `json:"health_check_healthy,omitempty"`
	HealthCheckLastError       string  `json:"health_check_last_error,omitempty"`
}

// --- Audit ---

// AuditRecord is one hash-chained audit log entry. Hash covers the base
// fields (id, ts_ms, kind, payload) plus the predecessor's hash.
type AuditRecord struct {
	ID       int64  `json:"id"`
	TSMS     uint64 `json:"ts_ms"`
	Kind     string `json:"kind"`
	Payload  any    `json:"payload"`
	PrevHash string `json:"prev_hash,omitempty"`
	Hash     string `json:"hash,omitempty"`
}

// --- Usage ---

// Usage is token usage extracted from an upstream response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	CachedTokens     int `json:"cached_tokens,omitempty"`
	ReasoningTokens  int `json:"reasoning_tokens,omitempty"`
}

// --- Clock ---

// Clock supplies the current time. Rate-limit minutes and cache TTLs are
// derived from it so tests can inject a fake.
type Clock interface {
	Now() time.Time
}

// RealClock is the wall clock.
type RealClock struct{}

// Now returns the current wall time.
func (RealClock) Now() time.Time { return time.Now() }

// --- Translation seam ---

// TranslationBackend accepts an OpenAI-shaped request and returns an
// OpenAI-shaped response. Implementations own the provider-native exchange;
// the core only routes to them by name.
type TranslationBackend interface {
	// Name returns the backend identifier used in routes and key pins.
	Name() string
	// Complete handles a non-streaming request for the given canonical path.
	Complete(ctx context.Context, path string, body []byte, hdr http.Header) (status int, respBody []byte, respHdr http.Header, err error)
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Key field is set later by the authenticate stage via mutation of the
// same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Key       *VirtualKey
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// KeyFromContext extracts the authenticated virtual key from ctx, or nil.
func KeyFromContext(ctx context.Context) *VirtualKey {
	if m := metaFromContext(ctx); m != nil {
		return m.Key
	}
	return nil
}

// ContextWithKey stores the key in the existing requestMeta if present,
// avoiding a new context.WithValue allocation.
func ContextWithKey(ctx context.Context, k *VirtualKey) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Key = k
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Key: k})
}

// RequestIDFromContext extracts the request ID from ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// NowMillis converts a time to unix milliseconds, clamped at zero.
func NowMillis(t time.Time) uint64 {
	ms := t.UnixMilli()
	if ms < 0 {
		return 0
	}
	return uint64(ms)
}
