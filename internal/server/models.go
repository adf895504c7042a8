package server

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/tidwall/gjson"

	gateway "github.com/dittolabs/ditto/internal"
)

// modelListTTL is how long one backend's model list stays cached. Short
// enough to notice upstream changes, long enough that listing does not fan
// out on every call.
const modelListTTL = 30 * time.Second

// modelEntry is one element of the merged /v1/models response.
type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created,omitempty"`
	OwnedBy string `json:"owned_by,omitempty"`
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

// modelCache caches per-backend model listings.
type modelCache = otter.Cache[string, []modelEntry]

func newModelCache() *modelCache {
	return otter.Must(&otter.Options[string, []modelEntry]{
		MaximumSize:      64,
		ExpiryCalculator: otter.ExpiryWriting[string, []modelEntry](modelListTTL),
	})
}

// handleListModels merges the model lists of every configured backend,
// deduplicated by id, first backend wins. Backends that fail to answer are
// skipped so one bad upstream does not empty the listing.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	names := make([]string, 0, len(s.deps.Backends))
	for name := range s.deps.Backends {
		names = append(names, name)
	}
	slices.Sort(names)

	results := make([][]modelEntry, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = s.modelsFor(ctx, name)
		}()
	}
	wg.Wait()

	seen := make(map[string]bool)
	out := modelList{Object: "list", Data: []modelEntry{}}
	for _, models := range results {
		for _, m := range models {
			if m.ID == "" || seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			out.Data = append(out.Data, m)
		}
	}

	writeJSON(w, http.StatusOK, out)
}

// modelsFor returns one backend's model list, served from the TTL cache when
// fresh.
func (s *server) modelsFor(ctx context.Context, name string) []modelEntry {
	if cached, ok := s.models.GetIfPresent(name); ok {
		return cached
	}

	backend, ok := s.deps.Backends[name]
	if !ok || backend.BaseURL == "" {
		return nil
	}

	models, err := s.fetchModels(ctx, &backend)
	if err != nil {
		s.deps.Log.LogAttrs(ctx, slog.LevelWarn, "model listing failed",
			slog.String("backend", name),
			slog.Any("error", err),
		)
		return nil
	}
	s.models.Set(name, models)
	return models
}

// fetchModels performs the upstream GET /v1/models exchange with a bounded
// body read.
func (s *server) fetchModels(ctx context.Context, backend *gateway.Backend) ([]modelEntry, error) {
	in := forwardInput{
		method: http.MethodGet,
		path:   "/v1/models",
		header: http.Header{},
	}
	req, err := s.buildRequest(ctx, backend, in, nil)
	if err != nil {
		return nil, err
	}

	timeout := 10 * time.Second
	if backend.TimeoutSeconds > 0 {
		timeout = time.Duration(backend.TimeoutSeconds) * time.Second
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req = req.WithContext(actx)

	resp, err := s.deps.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := readBounded(resp.Body, s.deps.Cfg.Limits.MaxBodyBytes)
	if err != nil {
		return nil, err
	}

	var models []modelEntry
	gjson.GetBytes(body, "data").ForEach(func(_, m gjson.Result) bool {
		models = append(models, modelEntry{
			ID:      m.Get("id").String(),
			Object:  "model",
			Created: m.Get("created").Int(),
			OwnedBy: m.Get("owned_by").String(),
		})
		return true
	})
	return models, nil
}
