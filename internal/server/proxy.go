package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	gateway "github.com/dittolabs/ditto/internal"
	"github.com/dittolabs/ditto/internal/budget"
	cachepkg "github.com/dittolabs/ditto/internal/cache"
	"github.com/dittolabs/ditto/internal/guardrails"
	"github.com/dittolabs/ditto/internal/telemetry"
)

// proxyErrorPayload is the audit payload appended when a proxy request fails
// after admission.
type proxyErrorPayload struct {
	RequestID string   `json:"request_id"`
	Path      string   `json:"path"`
	Model     string   `json:"model,omitempty"`
	Backends  []string `json:"backends,omitempty"`
	Status    int      `json:"status,omitempty"`
	Message   string   `json:"message"`
}

// handleProxy is the OpenAI-compatible proxy pipeline. Stages run in order
// and any failure short-circuits with the mapped error envelope; reservations
// taken before the failure are rolled back.
func (s *server) handleProxy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	path, known := NormalizePath(r.URL.Path)
	if !known {
		writeError(w, http.StatusNotFound, "not_found_error", "not_found", "unknown endpoint "+path)
		return
	}
	pathAndQuery := path
	if r.URL.RawQuery != "" {
		pathAndQuery = path + "?" + r.URL.RawQuery
	}
	class := classify(path)

	body, err := readBounded(r.Body, s.deps.Cfg.Limits.MaxBodyBytes)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_request", "request body too large")
		return
	}

	key := gateway.KeyFromContext(ctx)
	requestID := gateway.RequestIDFromContext(ctx)
	model := gjson.GetBytes(body, "model").String()

	ctx, span := s.tracer.Start(ctx, "proxy.request", trace.WithAttributes(
		attribute.String("http.method", r.Method),
		attribute.String("url.path", path),
		attribute.String("request.id", requestID),
		attribute.String("gen_ai.request.model", model),
	))
	defer span.End()

	var scopes []string
	if key != nil {
		scopes = key.Scopes()
	}

	inputTokens := s.deps.Tokens.EstimateInput(body)

	// Rate limiting across every active scope.
	if key != nil {
		if err := s.checkRateLimits(ctx, key, scopes, path, int64(inputTokens)); err != nil {
			writeMappedError(w, err)
			return
		}
	}

	// Guardrails: key policy, then the matching route rule's policy.
	if key != nil {
		if err := s.checkGuardrails(key, model, path, body, inputTokens, r.Header); err != nil {
			writeMappedError(w, err)
			return
		}
	}

	// Passthrough is a per-request flag the key policy must allow.
	passthrough := gjson.GetBytes(body, "passthrough").Bool()
	if passthrough && key != nil && !key.Passthrough.Allow {
		err := &gateway.GuardrailError{Reason: "passthrough_disabled"}
		s.recordGuardrailBlock(err)
		writeMappedError(w, err)
		return
	}

	group, candidates, err := s.selectBackends(model, key, requestID)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	// Cache lookup. The key owns its cache partition; allowed passthrough
	// requests may bypass it.
	bypassCache := passthrough && key != nil &&
		key.Passthrough.Allow && key.Passthrough.BypassCache
	cacheable := key != nil && key.Cache.Enabled && !bypassCache
	var cacheKey string
	if cacheable {
		cacheKey = cachepkg.Key(key.ID, r.Method, pathAndQuery, body, group)
		if resp, source, ok := s.deps.Cache.Lookup(ctx, key.ID, cacheKey, key.Cache.TTLSeconds, key.Cache.MaxEntries); ok {
			if s.deps.Metrics != nil {
				s.deps.Metrics.CacheHits.WithLabelValues(source).Inc()
			}
			s.writeCached(w, resp, cacheKey, source)
			return
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.CacheMisses.Inc()
		}
	}

	// Charge and cost estimation for token-based endpoints.
	var tokenEstimate, costEstimate uint64
	if class == chargeToken {
		outputTokens := s.deps.Tokens.EstimateOutput(body)
		tokenEstimate = uint64(inputTokens + outputTokens)
		costEstimate = s.estimateCost(body, model, candidates, uint64(inputTokens), uint64(outputTokens))
	}

	// Two-phase reservation: tokens first, cost only if all token scopes
	// admitted. Any denial releases everything taken so far.
	var tokenResv, costResv []gateway.Reservation
	if key != nil && class == chargeToken {
		tokenResv, err = s.deps.Budget.Reserve(ctx, requestID, gateway.ReserveTokens,
			scopeLimits(key, scopes, gateway.ReserveTokens), tokenEstimate)
		if err != nil {
			s.recordBudgetDenial(err)
			writeMappedError(w, err)
			return
		}
		if costEstimate > 0 {
			costResv, err = s.deps.Budget.Reserve(ctx, requestID, gateway.ReserveUSDMicros,
				scopeLimits(key, scopes, gateway.ReserveUSDMicros), costEstimate)
			if err != nil {
				s.deps.Budget.Rollback(ctx, tokenResv)
				s.recordBudgetDenial(err)
				writeMappedError(w, err)
				return
			}
		}
	}

	streaming := class == chargeToken && supportsStreaming(path) &&
		gjson.GetBytes(body, "stream").Bool()

	res, err := s.forward(ctx, w, forwardInput{
		method:     r.Method,
		path:       path,
		query:      r.URL.Query(),
		header:     r.Header,
		body:       body,
		model:      model,
		candidates: candidates,
		streaming:  streaming,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.deps.Budget.Rollback(ctx, tokenResv)
		s.deps.Budget.Rollback(ctx, costResv)
		s.auditProxyError(ctx, proxyErrorPayload{
			RequestID: requestID,
			Path:      path,
			Model:     model,
			Backends:  candidates,
			Message:   err.Error(),
		})
		if !res.headerSent {
			writeMappedError(w, err)
		}
		return
	}

	span.SetAttributes(attribute.String("backend.name", res.backend))

	// Close out reservations with the actual observed usage. Absent usage
	// commits the full reserved amount.
	if len(tokenResv) > 0 || len(costResv) > 0 {
		s.settleReservations(ctx, res, model, tokenEstimate, costEstimate, tokenResv, costResv)
	}

	if res.streamed {
		// Body already written chunk-by-chunk; streams are never cached.
		return
	}

	if cacheable && res.status >= 200 && res.status < 300 {
		stored := make(http.Header, len(res.header))
		copySanitizedResponseHeaders(stored, res.header)
		s.deps.Cache.Store(ctx, key.ID, cacheKey, cachepkg.Response{
			Status:  res.status,
			Headers: stored,
			Body:    res.body,
			Backend: res.backend,
		}, key.Cache.TTLSeconds, key.Cache.MaxEntries)
	}

	h := w.Header()
	copySanitizedResponseHeaders(h, res.header)
	if res.translated {
		h["X-Ditto-Translation"] = []string{res.backend}
	}
	w.WriteHeader(res.status)
	if _, err := w.Write(res.body); err != nil {
		s.deps.Log.LogAttrs(ctx, slog.LevelWarn, "write response", slog.Any("error", err))
	}
}

// readBounded reads at most limit bytes, erroring when the body exceeds it.
func readBounded(rc io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		limit = 4 << 20
	}
	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("body exceeds %d bytes", limit)
	}
	return data, nil
}

// checkRateLimits consumes request and token credits on every active scope.
// The shared Redis limiter takes over when configured so all instances see
// the same buckets.
func (s *server) checkRateLimits(ctx context.Context, key *gateway.VirtualKey, scopes []string, route string, tokens int64) error {
	if key.Limits.RPM == nil && key.Limits.TPM == nil {
		return nil
	}
	for _, scope := range scopes {
		var err error
		if s.deps.SharedRL != nil {
			err = s.deps.SharedRL.Check(ctx, scope, key.Limits.RPM, key.Limits.TPM, tokens)
		} else {
			err = s.deps.Limiter.Check(scope, route, key.Limits, tokens)
		}
		if err != nil {
			if s.deps.Metrics != nil {
				var rle *gateway.RateLimitError
				limit := "rpm"
				if errors.As(err, &rle) && len(rle.Limit) >= 3 {
					limit = rle.Limit[:3]
				}
				s.deps.Metrics.RateLimitRejects.WithLabelValues(telemetry.ScopeKind(scope), limit).Inc()
			}
			return err
		}
	}
	return nil
}

// checkGuardrails applies the key's policy, the matching route rule's policy,
// and optional schema validation.
func (s *server) checkGuardrails(key *gateway.VirtualKey, model, path string, body []byte, inputTokens int, hdr http.Header) error {
	prompt := ""
	needPrompt := func(cfg *gateway.GuardrailsConfig) bool {
		return len(cfg.BannedPhrases) > 0 || len(cfg.BannedRegexes) > 0 || cfg.BlockPII
	}

	cfgs := make([]*gateway.GuardrailsConfig, 0, 2)
	cfgs = append(cfgs, &key.Guardrails)
	if rule := s.deps.Router.RuleFor(model, key); rule != nil && rule.Guardrails != nil {
		cfgs = append(cfgs, rule.Guardrails)
	}

	for _, cfg := range cfgs {
		if prompt == "" && needPrompt(cfg) {
			prompt = guardrails.PromptText(body)
		}
		if err := s.deps.Guard.Check(cfg, model, prompt, inputTokens); err != nil {
			s.recordGuardrailBlock(err)
			return err
		}
	}

	if key.Guardrails.ValidateSchema {
		if isMultipart(path) {
			if err := validateMultipart(hdr, body, path); err != nil {
				return err
			}
		} else if err := guardrails.ValidateSchema(path, body); err != nil {
			return err
		}
	}
	return nil
}

// validateMultipart checks the content type and the presence of the expected
// form parts for upload-style endpoints.
func validateMultipart(hdr http.Header, body []byte, path string) error {
	mediaType, params, err := mime.ParseMediaType(hdr.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		return fmt.Errorf("%w: expected multipart/form-data", gateway.ErrInvalidRequest)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return fmt.Errorf("%w: multipart boundary missing", gateway.ErrInvalidRequest)
	}

	parts := map[string]bool{}
	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: malformed multipart body", gateway.ErrInvalidRequest)
		}
		parts[p.FormName()] = true
		p.Close()
	}

	if !parts["file"] {
		return fmt.Errorf("%w: missing file part", gateway.ErrInvalidRequest)
	}
	if !parts["purpose"] && !parts["model"] {
		return fmt.Errorf("%w: missing purpose or model part", gateway.ErrInvalidRequest)
	}
	return nil
}

// selectBackends resolves the candidate list and the cache grouping label.
// The group is derived from the routing decision, not the shuffled order, so
// cache keys stay stable across requests.
func (s *server) selectBackends(model string, key *gateway.VirtualKey, requestID string) (group string, candidates []string, err error) {
	if key != nil && key.Route != "" {
		if _, ok := s.deps.Backends[key.Route]; !ok {
			if _, ok := s.deps.Translations.Lookup(key.Route); !ok {
				return "", nil, &gateway.BackendNotFoundError{Name: key.Route}
			}
		}
		return key.Route, []string{key.Route}, nil
	}

	group = "default"
	if rule := s.deps.Router.RuleFor(model, key); rule != nil {
		group = rule.ModelPrefix
	}
	candidates = s.deps.Router.Candidates(model, key, requestID)
	if len(candidates) == 0 {
		return "", nil, fmt.Errorf("%w: no backends configured", gateway.ErrBackend)
	}
	return group, candidates, nil
}

// estimateCost returns the worst-case USD-micro estimate across the request
// model and every candidate backend's mapped model. Unpriced models cost 0.
func (s *server) estimateCost(body []byte, model string, candidates []string, inputTokens, outputTokens uint64) uint64 {
	if s.deps.Pricing == nil || s.deps.Pricing.Len() == 0 || model == "" {
		return 0
	}
	serviceTier := gjson.GetBytes(body, "service_tier").String()

	models := make([]string, 0, 1+len(candidates))
	models = append(models, model)
	for _, name := range candidates {
		if b, ok := s.deps.Backends[name]; ok {
			if mapped := b.MappedModel(model); mapped != model {
				models = append(models, mapped)
			}
		}
	}

	var worst uint64
	for _, m := range models {
		if cost, ok := s.deps.Pricing.EstimateUSDMicros(m, serviceTier, inputTokens, 0, outputTokens); ok && cost > worst {
			worst = cost
		}
	}
	return worst
}

// scopeLimits pairs every scope with its ceiling. Only the key scope carries
// a configured limit; the wider scopes accrue spend for inspection.
func scopeLimits(key *gateway.VirtualKey, scopes []string, kind gateway.ReservationKind) []budget.ScopeLimit {
	keyScope := "key:" + key.ID
	out := make([]budget.ScopeLimit, 0, len(scopes))
	for _, scope := range scopes {
		sl := budget.ScopeLimit{Scope: scope}
		if scope == keyScope {
			if kind == gateway.ReserveUSDMicros {
				sl.Limit = key.Budget.TotalUSDMicros
			} else {
				sl.Limit = key.Budget.TotalTokens
			}
		}
		out = append(out, sl)
	}
	return out
}

// settleReservations commits both reservation kinds with observed usage.
func (s *server) settleReservations(ctx context.Context, res upstreamResult, model string, tokenEstimate, costEstimate uint64, tokenResv, costResv []gateway.Reservation) {
	usage := res.usage

	actualTokens := tokenEstimate
	if usage != nil && usage.TotalTokens > 0 {
		actualTokens = uint64(usage.TotalTokens)
	}
	if err := s.deps.Budget.Commit(ctx, tokenResv, actualTokens); err != nil {
		s.deps.Log.LogAttrs(ctx, slog.LevelWarn, "token commit failed", slog.Any("error", err))
	}

	if len(costResv) > 0 {
		actualCost := costEstimate
		if usage != nil && usage.TotalTokens > 0 {
			m := res.model
			if m == "" {
				m = model
			}
			tier := ""
			if cost, ok := s.deps.Pricing.EstimateUSDMicros(m, tier,
				uint64(usage.PromptTokens), uint64(usage.CachedTokens), uint64(usage.CompletionTokens)); ok {
				actualCost = cost
			}
		}
		if err := s.deps.Budget.Commit(ctx, costResv, actualCost); err != nil {
			s.deps.Log.LogAttrs(ctx, slog.LevelWarn, "cost commit failed", slog.Any("error", err))
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.CostMicrosTotal.WithLabelValues(model).Add(float64(min(actualCost, costEstimate)))
		}
	}

	if s.deps.Metrics != nil && usage != nil {
		s.deps.Metrics.TokensProcessed.WithLabelValues(model, "input").Add(float64(usage.PromptTokens))
		s.deps.Metrics.TokensProcessed.WithLabelValues(model, "output").Add(float64(usage.CompletionTokens))
	}
}

// writeCached replays a stored response with the cache annotation headers.
func (s *server) writeCached(w http.ResponseWriter, resp cachepkg.Response, cacheKey, source string) {
	h := w.Header()
	for k, v := range resp.Headers {
		h[k] = v
	}
	h["X-Ditto-Cache-Key"] = []string{cacheKey}
	h["X-Ditto-Cache-Source"] = []string{source}
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}

func (s *server) recordBudgetDenial(err error) {
	if s.deps.Metrics == nil {
		return
	}
	var be *gateway.BudgetError
	if errors.As(err, &be) {
		s.deps.Metrics.BudgetDenials.WithLabelValues(string(be.Kind), telemetry.ScopeKind(be.Scope)).Inc()
	}
}

func (s *server) recordGuardrailBlock(err error) {
	if s.deps.Metrics == nil {
		return
	}
	var ge *gateway.GuardrailError
	if errors.As(err, &ge) {
		reason := ge.Reason
		for i := 0; i < len(reason); i++ {
			if reason[i] == ':' {
				reason = reason[:i]
				break
			}
		}
		s.deps.Metrics.GuardrailBlocks.WithLabelValues(reason).Inc()
	}
}

// auditProxyError appends a proxy.error record; audit failures only log.
func (s *server) auditProxyError(ctx context.Context, payload proxyErrorPayload) {
	s.audit(ctx, "proxy.error", payload)
}
