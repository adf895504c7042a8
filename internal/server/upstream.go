package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/sjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	gateway "github.com/dittolabs/ditto/internal"
	"github.com/dittolabs/ditto/internal/backendauth"
	"github.com/dittolabs/ditto/internal/health"
)

// retryableStatuses are upstream statuses that trigger failover to the next
// candidate backend.
var retryableStatuses = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// hopByHopHeaders are stripped from forwarded requests and cached responses.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Content-Length":      true,
}

// clientAuthHeaders are additionally stripped when strip_client_auth_headers
// is set, so virtual-key secrets never reach an upstream.
var clientAuthHeaders = map[string]bool{
	"Authorization":     true,
	"X-Api-Key":         true,
	"X-Litellm-Api-Key": true,
}

type forwardInput struct {
	method     string
	path       string
	query      url.Values
	header     http.Header
	body       []byte
	model      string
	candidates []string
	streaming  bool
}

type upstreamResult struct {
	status     int
	header     http.Header
	body       []byte
	backend    string
	model      string // model actually sent upstream
	translated bool
	streamed   bool
	headerSent bool
	usage      *gateway.Usage
}

// forward runs the attempt loop: healthy candidates in order, capped by
// retry.max_attempts when set. Each attempt is a fresh request with sanitised
// headers, per-backend timeout, and bounded body read. Retryable failures
// record against the breaker and move on; the last error surfaces after
// exhaustion.
func (s *server) forward(ctx context.Context, w http.ResponseWriter, in forwardInput) (upstreamResult, error) {
	healthy := s.deps.Health.FilterHealthy(in.candidates)
	if len(healthy) == 0 {
		return upstreamResult{}, fmt.Errorf("%w: no healthy backends", gateway.ErrBackend)
	}
	if max := s.deps.Cfg.Retry.MaxAttempts; max > 0 && max < len(healthy) {
		healthy = healthy[:max]
	}

	var lastErr error
	for i, name := range healthy {
		if s.deps.Metrics != nil {
			s.deps.Metrics.BackendAttempts.WithLabelValues(name).Inc()
		}

		actx, span := s.tracer.Start(ctx, "backend.attempt", trace.WithAttributes(
			attribute.String("backend.name", name),
			attribute.Int("attempt.number", i+1),
		))
		res, err := s.attempt(actx, w, name, in)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if err == nil {
			s.deps.Health.RecordSuccess(name)
			return res, nil
		}
		if res.headerSent {
			// Failed mid-stream after the status went out; no retry possible.
			return res, err
		}
		lastErr = err
		if ctx.Err() != nil {
			return upstreamResult{}, fmt.Errorf("%w: %v", gateway.ErrBackend, ctx.Err())
		}
	}
	return upstreamResult{}, lastErr
}

// attempt performs one upstream exchange against the named backend.
func (s *server) attempt(ctx context.Context, w http.ResponseWriter, name string, in forwardInput) (upstreamResult, error) {
	backend, ok := s.deps.Backends[name]
	if !ok {
		if tb, found := s.deps.Translations.Lookup(name); found {
			return s.attemptTranslation(ctx, tb, in)
		}
		s.recordFailure(name, health.FailureNetwork, 0, "backend not configured")
		return upstreamResult{}, &gateway.BackendNotFoundError{Name: name}
	}
	if backend.BaseURL == "" && backend.Translation != "" {
		if tb, found := s.deps.Translations.Lookup(backend.Translation); found {
			return s.attemptTranslation(ctx, tb, in)
		}
		s.recordFailure(name, health.FailureNetwork, 0, "translation backend missing")
		return upstreamResult{}, &gateway.BackendNotFoundError{Name: backend.Translation}
	}

	release, ok := s.acquireSlot(&backend)
	if !ok {
		s.recordFailure(name, health.FailureNetwork, 0, "max in-flight reached")
		return upstreamResult{}, fmt.Errorf("%w: backend %s saturated", gateway.ErrBackend, name)
	}
	defer release()

	outBody := in.body
	mapped := in.model
	if in.model != "" {
		mapped = backend.MappedModel(in.model)
		if mapped != in.model {
			var err error
			outBody, err = sjson.SetBytes(in.body, "model", mapped)
			if err != nil {
				return upstreamResult{}, fmt.Errorf("%w: model remap: %v", gateway.ErrBackend, err)
			}
		}
	}

	req, err := s.buildRequest(ctx, &backend, in, outBody)
	if err != nil {
		return upstreamResult{}, err
	}

	actx := ctx
	var cancel context.CancelFunc
	if backend.TimeoutSeconds > 0 {
		actx, cancel = context.WithTimeout(ctx, time.Duration(backend.TimeoutSeconds)*time.Second)
		defer cancel()
	}
	req = req.WithContext(actx)

	start := time.Now()
	resp, err := s.deps.Client.Do(req)
	if s.deps.Metrics != nil {
		s.deps.Metrics.BackendDuration.WithLabelValues(name, mapped).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		s.recordFailure(name, health.FailureNetwork, 0, err.Error())
		return upstreamResult{}, fmt.Errorf("%w: %s: %v", gateway.ErrBackend, name, err)
	}

	if retryableStatuses[resp.StatusCode] {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		s.recordFailure(name, health.FailureStatus, resp.StatusCode, "status "+strconv.Itoa(resp.StatusCode))
		return upstreamResult{}, fmt.Errorf("%w: %s returned %d", gateway.ErrBackend, name, resp.StatusCode)
	}

	if in.streaming && isEventStream(resp.Header) {
		return s.pipeStream(ctx, w, name, mapped, resp)
	}

	defer resp.Body.Close()
	body, err := readBounded(resp.Body, s.deps.Cfg.Limits.MaxBodyBytes)
	if err != nil {
		s.recordFailure(name, health.FailureNetwork, 0, "response body: "+err.Error())
		return upstreamResult{}, fmt.Errorf("%w: %s response body: %v", gateway.ErrBackend, name, err)
	}

	return upstreamResult{
		status:  resp.StatusCode,
		header:  resp.Header,
		body:    body,
		backend: name,
		model:   mapped,
		usage:   extractUsage(body),
	}, nil
}

// attemptTranslation dispatches to a registered translation backend, which
// owns the provider-native exchange and returns an OpenAI-shaped response.
func (s *server) attemptTranslation(ctx context.Context, tb gateway.TranslationBackend, in forwardInput) (upstreamResult, error) {
	hdr := make(http.Header, len(in.header))
	s.copyForwardHeaders(hdr, in.header)

	status, body, respHdr, err := tb.Complete(ctx, in.path, in.body, hdr)
	if err != nil {
		s.recordFailure(tb.Name(), health.FailureNetwork, 0, err.Error())
		return upstreamResult{}, fmt.Errorf("%w: translation %s: %v", gateway.ErrBackend, tb.Name(), err)
	}
	if retryableStatuses[status] {
		s.recordFailure(tb.Name(), health.FailureStatus, status, "status "+strconv.Itoa(status))
		return upstreamResult{}, fmt.Errorf("%w: translation %s returned %d", gateway.ErrBackend, tb.Name(), status)
	}
	return upstreamResult{
		status:     status,
		header:     respHdr,
		body:       body,
		backend:    tb.Name(),
		model:      in.model,
		translated: true,
		usage:      extractUsage(body),
	}, nil
}

// buildRequest assembles the outbound request: base URL + canonical path,
// merged query params, sanitised headers, backend headers and auth.
func (s *server) buildRequest(ctx context.Context, backend *gateway.Backend, in forwardInput, body []byte) (*http.Request, error) {
	target := strings.TrimSuffix(backend.BaseURL, "/") + in.path
	if len(in.query) > 0 || len(backend.QueryParams) > 0 {
		q := url.Values{}
		for k, v := range in.query {
			q[k] = v
		}
		for k, v := range backend.QueryParams {
			q.Set(k, v)
		}
		target += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, in.method, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", gateway.ErrBackend, err)
	}

	s.copyForwardHeaders(req.Header, in.header)
	for k, v := range backend.Headers {
		req.Header.Set(k, v)
	}

	applier, err := s.authFor(backend)
	if err != nil {
		return nil, fmt.Errorf("%w: %s auth: %v", gateway.ErrBackend, backend.Name, err)
	}
	if err := applier.Apply(req); err != nil {
		return nil, fmt.Errorf("%w: %s auth: %v", gateway.ErrBackend, backend.Name, err)
	}
	return req, nil
}

// copyForwardHeaders copies client headers minus hop-by-hop and, when
// configured, client credentials.
func (s *server) copyForwardHeaders(dst, src http.Header) {
	strip := s.deps.Cfg.Limits.StripClientAuthHeaders
	for k, v := range src {
		if hopByHopHeaders[k] || strings.HasPrefix(k, "Proxy-") {
			continue
		}
		if strip && clientAuthHeaders[k] {
			continue
		}
		dst[k] = v
	}
}

// copySanitizedResponseHeaders copies upstream response headers minus
// hop-by-hop ones. Content-Length is recomputed by net/http on write.
func copySanitizedResponseHeaders(dst, src http.Header) {
	for k, v := range src {
		if hopByHopHeaders[k] || strings.HasPrefix(k, "Proxy-") {
			continue
		}
		dst[k] = v
	}
}

// authFor returns the cached auth applier for a backend, building it on
// first use.
func (s *server) authFor(backend *gateway.Backend) (backendauth.Applier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.auth[backend.Name]; ok {
		return a, nil
	}
	a, err := backendauth.New(backend.Auth)
	if err != nil {
		return nil, err
	}
	s.auth[backend.Name] = a
	return a, nil
}

// acquireSlot enforces the backend's max_in_flight cap without blocking.
// The returned release must be called once the exchange finishes.
func (s *server) acquireSlot(backend *gateway.Backend) (func(), bool) {
	if backend.MaxInFlight <= 0 {
		return func() {}, true
	}
	s.mu.Lock()
	sem, ok := s.inFlight[backend.Name]
	if !ok {
		sem = make(chan struct{}, backend.MaxInFlight)
		s.inFlight[backend.Name] = sem
	}
	s.mu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, true
	default:
		return nil, false
	}
}

func (s *server) recordFailure(name string, kind health.FailureKind, status int, msg string) {
	s.deps.Health.RecordFailure(name, kind, status, msg)
	if s.deps.Metrics != nil {
		reason := "network"
		if kind == health.FailureStatus {
			reason = "status_" + strconv.Itoa(status)
		}
		s.deps.Metrics.BackendFailures.WithLabelValues(name, reason).Inc()
	}
	s.deps.Log.LogAttrs(context.Background(), slog.LevelWarn, "backend attempt failed",
		slog.String("backend", name),
		slog.Int("status", status),
		slog.String("error", msg),
	)
}

// isEventStream reports whether the upstream is replying with SSE.
func isEventStream(h http.Header) bool {
	return strings.HasPrefix(h.Get("Content-Type"), "text/event-stream")
}
