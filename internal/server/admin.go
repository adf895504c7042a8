package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	gateway "github.com/dittolabs/ditto/internal"
	"github.com/dittolabs/ditto/internal/audit"
)

// maxAdminBody bounds admin request bodies.
const maxAdminBody = 1 << 20

// maxListLimit caps admin pagination.
const maxListLimit = 10_000

// adminPerm is the resolved permission of an admin request.
type adminPerm struct {
	write  bool
	tenant string // non-empty restricts the token to one tenant
}

type adminCtxKey struct{}

func permFromContext(ctx context.Context) adminPerm {
	p, _ := ctx.Value(adminCtxKey{}).(adminPerm)
	return p
}

// adminToken extracts the credential from the Authorization bearer header or
// x-admin-token.
func adminToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if tok, ok := cutBearer(auth); ok {
			return tok
		}
	}
	return r.Header.Get("x-admin-token")
}

func cutBearer(auth string) (string, bool) {
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):], true
	}
	return "", false
}

// adminAuth resolves the admin token to a permission set. The write token
// grants everything, the read token GET only, tenant tokens read and write
// scoped to one tenant's resources.
func (s *server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := adminToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "", "admin token required")
			return
		}

		cfg := s.deps.Cfg.Admin
		var perm adminPerm
		switch {
		case cfg.Token != "" && token == cfg.Token:
			perm = adminPerm{write: true}
		case cfg.ReadToken != "" && token == cfg.ReadToken:
			perm = adminPerm{write: false}
		default:
			found := false
			for tenant, t := range cfg.TenantTokens {
				if t == token {
					perm = adminPerm{write: true, tenant: tenant}
					found = true
					break
				}
			}
			if !found {
				writeError(w, http.StatusUnauthorized, "unauthorized", "", "invalid admin token")
				return
			}
		}

		if !perm.write && r.Method != http.MethodGet {
			writeError(w, http.StatusForbidden, "forbidden", "forbidden", "read-only admin token")
			return
		}

		ctx := context.WithValue(r.Context(), adminCtxKey{}, perm)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// decodeJSON reads and unmarshals a bounded admin request body.
func decodeJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxAdminBody))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", gateway.ErrInvalidRequest, err)
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", gateway.ErrInvalidRequest, err)
	}
	return nil
}

// audit appends an audit record and persists it to the store. Failures are
// logged, never surfaced; the mutation already happened.
func (s *server) audit(ctx context.Context, kind string, payload any) {
	if s.deps.Audit == nil {
		return
	}
	rec, err := s.deps.Audit.Append(kind, payload)
	if err != nil {
		s.deps.Log.Warn("audit append failed", "kind", kind, "error", err)
		return
	}
	if s.deps.Store != nil {
		if err := s.deps.Store.AppendAudit(ctx, rec); err != nil {
			s.deps.Log.Warn("audit persist failed", "kind", kind, "error", err)
		}
	}
}

// --- Keys ---

type keyListResponse struct {
	Keys  []gateway.VirtualKey `json:"keys"`
	Count int                  `json:"count"`
}

func (s *server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	perm := permFromContext(r.Context())
	q := r.URL.Query()

	var enabledFilter *bool
	if v := q.Get("enabled"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_request", "bad enabled filter")
			return
		}
		enabledFilter = &b
	}
	idPrefix := q.Get("id_prefix")
	tenant := q.Get("tenant")
	project := q.Get("project")
	user := q.Get("user")
	includeTokens := q.Get("include_tokens") == "true"

	offset, limit := 0, maxListLimit
	if v := q.Get("offset"); v != "" {
		offset, _ = strconv.Atoi(v)
	}
	if v := q.Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	if perm.tenant != "" {
		tenant = perm.tenant
	}

	all := s.deps.Keys.List()
	filtered := make([]gateway.VirtualKey, 0, len(all))
	for _, k := range all {
		if enabledFilter != nil && k.Enabled != *enabledFilter {
			continue
		}
		if idPrefix != "" && (len(k.ID) < len(idPrefix) || k.ID[:len(idPrefix)] != idPrefix) {
			continue
		}
		if tenant != "" && k.TenantID != tenant {
			continue
		}
		if project != "" && k.ProjectID != project {
			continue
		}
		if user != "" && k.UserID != user {
			continue
		}
		if !includeTokens {
			k = k.Redacted()
		}
		filtered = append(filtered, k)
	}

	if offset > len(filtered) {
		offset = len(filtered)
	}
	end := min(offset+limit, len(filtered))
	page := filtered[offset:end]
	writeJSON(w, http.StatusOK, keyListResponse{Keys: page, Count: len(page)})
}

func (s *server) handleUpsertKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	perm := permFromContext(ctx)

	var key gateway.VirtualKey
	if err := decodeJSON(r, &key); err != nil {
		writeMappedError(w, err)
		return
	}
	if id := chi.URLParam(r, "id"); id != "" {
		key.ID = id
	}
	if key.ID == "" || key.Token == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_request", "key id and token are required")
		return
	}

	if perm.tenant != "" {
		if key.TenantID != perm.tenant {
			writeError(w, http.StatusForbidden, "forbidden", "forbidden", "token is scoped to tenant "+perm.tenant)
			return
		}
		if existing, ok := s.deps.Keys.Get(key.ID); ok && existing.TenantID != perm.tenant {
			writeError(w, http.StatusForbidden, "forbidden", "forbidden", "key belongs to another tenant")
			return
		}
	}

	if err := s.deps.Guard.ValidatePatterns(&key.Guardrails); err != nil {
		writeMappedError(w, err)
		return
	}
	if key.Route != "" {
		if _, ok := s.deps.Backends[key.Route]; !ok {
			if _, ok := s.deps.Translations.Lookup(key.Route); !ok {
				writeMappedError(w, &gateway.BackendNotFoundError{Name: key.Route})
				return
			}
		}
	}
	if existing, ok := s.deps.Keys.Lookup(key.Token); ok && existing.ID != key.ID {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_request", "token already in use")
		return
	}
	_, existed := s.deps.Keys.Get(key.ID)

	// Write through before acknowledging; a failed persist leaves the
	// in-memory keyring untouched.
	next := upsertInto(s.deps.Keys.List(), key)
	if err := s.deps.Store.ReplaceKeys(ctx, next); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "storage_error", err.Error())
		return
	}
	if err := s.deps.Keys.Upsert(key); err != nil {
		writeMappedError(w, err)
		return
	}

	s.audit(ctx, "admin.key.upsert", key.Redacted())
	status := http.StatusCreated
	if existed {
		status = http.StatusOK
	}
	writeJSON(w, status, key.Redacted())
}

func (s *server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	perm := permFromContext(ctx)
	id := chi.URLParam(r, "id")

	existing, ok := s.deps.Keys.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found_error", "not_found", "no such key")
		return
	}
	if perm.tenant != "" && existing.TenantID != perm.tenant {
		writeError(w, http.StatusForbidden, "forbidden", "forbidden", "key belongs to another tenant")
		return
	}

	next := make([]gateway.VirtualKey, 0)
	for _, k := range s.deps.Keys.List() {
		if k.ID != id {
			next = append(next, k)
		}
	}
	if err := s.deps.Store.ReplaceKeys(ctx, next); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "storage_error", err.Error())
		return
	}
	s.deps.Keys.Delete(id)

	s.audit(ctx, "admin.key.delete", map[string]string{"id": id})
	w.WriteHeader(http.StatusNoContent)
}

// upsertInto replaces or appends key in the list, preserving order.
func upsertInto(keys []gateway.VirtualKey, key gateway.VirtualKey) []gateway.VirtualKey {
	for i := range keys {
		if keys[i].ID == key.ID {
			keys[i] = key
			return keys
		}
	}
	return append(keys, key)
}

// --- Ledgers ---

type ledgerGroup struct {
	Group    string `json:"group"`
	Spent    uint64 `json:"spent"`
	Reserved uint64 `json:"reserved"`
}

func (s *server) handleBudgetLedgers(w http.ResponseWriter, r *http.Request) {
	ledgers, err := s.deps.Store.ListBudgetLedgers(r.Context())
	if err != nil {
		writeMappedError(w, err)
		return
	}

	perm := permFromContext(r.Context())
	ledgers = filterLedgers(ledgers, perm.tenant, s.keyTenant,
		func(l gateway.BudgetLedger) string { return l.Scope })

	if groupBy := r.URL.Query().Get("group_by"); groupBy != "" {
		groups, err := groupKeyLedgers(s.deps.Keys, groupBy, ledgers,
			func(l gateway.BudgetLedger) (string, uint64, uint64) {
				return l.Scope, l.SpentTokens, l.ReservedTokens
			})
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ledgers": ledgers})
}

func (s *server) handleCostLedgers(w http.ResponseWriter, r *http.Request) {
	ledgers, err := s.deps.Store.ListCostLedgers(r.Context())
	if err != nil {
		writeMappedError(w, err)
		return
	}

	perm := permFromContext(r.Context())
	ledgers = filterLedgers(ledgers, perm.tenant, s.keyTenant,
		func(l gateway.CostLedger) string { return l.Scope })

	if groupBy := r.URL.Query().Get("group_by"); groupBy != "" {
		groups, err := groupKeyLedgers(s.deps.Keys, groupBy, ledgers,
			func(l gateway.CostLedger) (string, uint64, uint64) {
				return l.Scope, l.SpentUSDMicros, l.ReservedUSDMicros
			})
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ledgers": ledgers})
}

// keyTenant resolves a "key:{id}" scope to its tenant, or "" when the key is
// unknown or untenanted.
func (s *server) keyTenant(scope string) string {
	id, ok := cutScopePrefix(scope, "key:")
	if !ok {
		return ""
	}
	if k, found := s.deps.Keys.Get(id); found {
		return k.TenantID
	}
	return ""
}

func cutScopePrefix(scope, prefix string) (string, bool) {
	if len(scope) > len(prefix) && scope[:len(prefix)] == prefix {
		return scope[len(prefix):], true
	}
	return "", false
}

// filterLedgers restricts ledgers for tenant-scoped tokens: the tenant's own
// scope plus key scopes resolving to that tenant.
func filterLedgers[T any](ledgers []T, tenant string, keyTenant func(string) string, scope func(T) string) []T {
	if tenant == "" {
		return ledgers
	}
	out := make([]T, 0, len(ledgers))
	for _, l := range ledgers {
		sc := scope(l)
		if sc == "tenant:"+tenant || keyTenant(sc) == tenant {
			out = append(out, l)
		}
	}
	return out
}

// groupKeyLedgers aggregates key-scoped ledgers by a virtual-key attribute.
// Keys missing from the current configuration land in the "None" bucket.
func groupKeyLedgers[T any](keys *Keyring, groupBy string, ledgers []T, fields func(T) (string, uint64, uint64)) ([]ledgerGroup, error) {
	var attr func(gateway.VirtualKey) string
	switch groupBy {
	case "tenant":
		attr = func(k gateway.VirtualKey) string { return k.TenantID }
	case "project":
		attr = func(k gateway.VirtualKey) string { return k.ProjectID }
	case "user":
		attr = func(k gateway.VirtualKey) string { return k.UserID }
	default:
		return nil, fmt.Errorf("%w: unknown group_by %q", gateway.ErrInvalidRequest, groupBy)
	}

	agg := make(map[string]*ledgerGroup)
	for _, l := range ledgers {
		scope, spent, reserved := fields(l)
		id, ok := cutScopePrefix(scope, "key:")
		if !ok {
			continue
		}
		group := "None"
		if k, found := keys.Get(id); found {
			if v := attr(k); v != "" {
				group = v
			}
		}
		g, ok := agg[group]
		if !ok {
			g = &ledgerGroup{Group: group}
			agg[group] = g
		}
		g.Spent += spent
		g.Reserved += reserved
	}

	names := make([]string, 0, len(agg))
	for name := range agg {
		names = append(names, name)
	}
	slices.Sort(names)
	out := make([]ledgerGroup, 0, len(names))
	for _, name := range names {
		out = append(out, *agg[name])
	}
	return out, nil
}

// --- Backends ---

func (s *server) handleBackends(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.deps.Backends))
	for name := range s.deps.Backends {
		names = append(names, name)
	}
	for _, name := range s.deps.Translations.Names() {
		if _, dup := s.deps.Backends[name]; !dup {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	writeJSON(w, http.StatusOK, map[string]any{
		"backends": s.deps.Health.SnapshotAll(names),
	})
}

func (s *server) handleBackendReset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if perm := permFromContext(ctx); perm.tenant != "" {
		writeError(w, http.StatusForbidden, "forbidden", "forbidden", "tenant tokens cannot reset backends")
		return
	}
	name := chi.URLParam(r, "name")
	if _, ok := s.deps.Backends[name]; !ok {
		if _, ok := s.deps.Translations.Lookup(name); !ok {
			writeError(w, http.StatusNotFound, "not_found_error", "not_found", "no such backend")
			return
		}
	}
	s.deps.Health.Reset(name)
	s.audit(ctx, "admin.backend.reset", map[string]string{"backend": name})
	writeJSON(w, http.StatusOK, map[string]string{"reset": name})
}

// --- Proxy cache ---

type cachePurgeRequest struct {
	KeyID string `json:"key_id,omitempty"`
}

func (s *server) handleCachePurge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	perm := permFromContext(ctx)

	var req cachePurgeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeMappedError(w, err)
		return
	}

	var purged int
	if req.KeyID != "" {
		if perm.tenant != "" {
			k, ok := s.deps.Keys.Get(req.KeyID)
			if !ok || k.TenantID != perm.tenant {
				writeError(w, http.StatusForbidden, "forbidden", "forbidden", "key belongs to another tenant")
				return
			}
		}
		purged = s.deps.Cache.Purge(req.KeyID)
	} else {
		if perm.tenant != "" {
			writeError(w, http.StatusForbidden, "forbidden", "forbidden", "tenant tokens cannot purge all")
			return
		}
		purged = s.deps.Cache.PurgeAll(ctx)
	}

	s.audit(ctx, "admin.cache.purge", map[string]any{"key_id": req.KeyID, "purged": purged})
	writeJSON(w, http.StatusOK, map[string]int{"purged": purged})
}

// --- Reservations ---

type reapRequest struct {
	OlderThanSecs int64 `json:"older_than_secs"`
	Limit         int   `json:"limit"`
	DryRun        bool  `json:"dry_run"`
}

func (s *server) handleReap(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if perm := permFromContext(ctx); perm.tenant != "" {
		writeError(w, http.StatusForbidden, "forbidden", "forbidden", "tenant tokens cannot reap reservations")
		return
	}

	var req reapRequest
	if err := decodeJSON(r, &req); err != nil {
		writeMappedError(w, err)
		return
	}
	olderThan := s.deps.Cfg.Reaper.OlderThan
	if req.OlderThanSecs > 0 {
		olderThan = time.Duration(req.OlderThanSecs) * time.Second
	}

	reaped, err := s.deps.Store.ReapReservations(ctx, olderThan, req.Limit, req.DryRun)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	if !req.DryRun {
		if s.deps.Metrics != nil {
			s.deps.Metrics.ReapedResv.Add(float64(len(reaped)))
		}
		s.audit(ctx, "admin.reservations.reap", map[string]any{
			"older_than_secs": int64(olderThan.Seconds()),
			"count":           len(reaped),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reservations": reaped,
		"count":        len(reaped),
		"dry_run":      req.DryRun,
	})
}

// --- Audit log ---

func (s *server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f audit.ListFilter
	if v := q.Get("since_ts_ms"); v != "" {
		f.SinceTSMS, _ = strconv.ParseUint(v, 10, 64)
	}
	if v := q.Get("before_ts_ms"); v != "" {
		f.BeforeTSMS, _ = strconv.ParseUint(v, 10, 64)
	}
	if v := q.Get("limit"); v != "" {
		f.Limit, _ = strconv.Atoi(v)
	}
	if f.Limit <= 0 || f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}

	records := s.deps.Audit.List(f)
	writeJSON(w, http.StatusOK, map[string]any{"records": records, "count": len(records)})
}

func (s *server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	w.Header()["Content-Type"] = []string{"application/x-ndjson"}
	if err := s.deps.Audit.ExportNDJSON(w); err != nil {
		s.deps.Log.Warn("audit export failed", "error", err)
	}
}

// --- Metrics snapshot ---

// handleMetricsJSON summarises the Prometheus registry as a flat JSON
// document: family name to summed value across label sets.
func (s *server) handleMetricsJSON(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]float64)
	if s.deps.Registry != nil {
		families, err := s.deps.Registry.Gather()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "", err.Error())
			return
		}
		for _, mf := range families {
			var total float64
			for _, m := range mf.GetMetric() {
				switch {
				case m.GetCounter() != nil:
					total += m.GetCounter().GetValue()
				case m.GetGauge() != nil:
					total += m.GetGauge().GetValue()
				case m.GetHistogram() != nil:
					total += float64(m.GetHistogram().GetSampleCount())
				}
			}
			out[mf.GetName()] = total
		}
	}
	writeJSON(w, http.StatusOK, out)
}
