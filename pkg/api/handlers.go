package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dbtlens/dbtlens/pkg/api/cache"
	"github.com/dbtlens/dbtlens/pkg/api/runstore"
	"github.com/dbtlens/dbtlens/pkg/health"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// writeError maps a view error onto a status code.
func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var fetchErr *health.FetchError

	switch {
	case errors.Is(err, health.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})
	case errors.Is(err, runstore.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{err.Error()})
	case errors.As(err, &fetchErr):
		s.log.WithError(err).WithField("path", r.URL.Path).
			Warn("Run store unavailable")

		writeJSON(w, http.StatusServiceUnavailable,
			errorResponse{"run store unavailable"})
	default:
		s.log.WithError(err).WithField("path", r.URL.Path).
			Error("Request failed")

		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})
	}
}

// viewFunc computes a JSON-serializable view for a request.
type viewFunc func(r *http.Request) (any, error)

// cached serves fn through the response cache. Only successful responses
// are stored.
func (s *server) cached(view string, fn viewFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := cache.Key(view, r.URL.Path, r.URL.Query(), s.now(), s.cacheTTL)
		enabled := s.cacheTTL > 0

		if enabled {
			body, ok, err := s.cache.Get(r.Context(), key)
			if err != nil {
				s.log.WithError(err).Warn("Cache lookup failed")
			}

			s.metrics.cacheLookup(view, ok)

			if ok {
				writeBody(w, body, "HIT")

				return
			}
		}

		v, err := fn(r)
		if err != nil {
			s.writeError(w, r, err)

			return
		}

		body, err := json.Marshal(v)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("encoding %s: %w", view, err))

			return
		}

		if enabled {
			if err := s.cache.Set(r.Context(), key, body); err != nil {
				s.log.WithError(err).Warn("Cache store failed")
			}
		}

		writeBody(w, body, "MISS")
	}
}

func writeBody(w http.ResponseWriter, body []byte, cacheStatus string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Cache", cacheStatus)
	w.WriteHeader(http.StatusOK)

	_, _ = w.Write(body)
}

// parseRequest reads the common query parameters.
func parseRequest(r *http.Request) (health.Request, error) {
	q := r.URL.Query()

	req := health.Request{
		Search: q.Get("search"),
		Trend:  q.Get("trend"),
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"days", &req.Days},
		{"limit", &req.Limit},
		{"offset", &req.Offset},
	}

	for _, p := range ints {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}

		n, err := strconv.Atoi(raw)
		if err != nil {
			return req, fmt.Errorf("%w: %s must be an integer", health.ErrInvalidRequest, p.name)
		}

		*p.dst = n
	}

	if raw := q.Get("show_all"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return req, fmt.Errorf("%w: show_all must be a boolean", health.ErrInvalidRequest)
		}

		req.ShowAll = b
	}

	return req, nil
}

// --- Public handlers ---

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleConfig returns the public server configuration and the active
// analytics thresholds.
func (s *server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	s3Paths := []string{}
	if s.cfg.Storage.S3.Enabled {
		s3Paths = s.cfg.Storage.S3.DiscoveryPaths
	}

	localPaths := []string{}
	if s.cfg.Storage.Local.Enabled {
		// Only the names, sorted, so local and S3 paths look the same.
		localPaths = slices.Sorted(maps.Keys(s.cfg.Storage.Local.DiscoveryPaths))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"auth": map[string]any{
			"anonymous_read": s.cfg.Auth.AnonymousRead,
			"tokens_enabled": len(s.cfg.Auth.Tokens) > 0,
		},
		"storage": map[string]any{
			"s3": map[string]any{
				"enabled":         s.cfg.Storage.S3.Enabled,
				"discovery_paths": s3Paths,
			},
			"local": map[string]any{
				"enabled":         s.cfg.Storage.Local.Enabled,
				"discovery_paths": localPaths,
			},
		},
		"indexing": map[string]any{
			"enabled": s.cfg.Indexing.Enabled,
		},
		"analytics": s.health.Analytics(),
	})
}

// --- View handlers ---

func (s *server) handleOverview(r *http.Request) (any, error) {
	req, err := parseRequest(r)
	if err != nil {
		return nil, err
	}

	return s.health.Overview(r.Context(), req)
}

func (s *server) handleModels(r *http.Request) (any, error) {
	req, err := parseRequest(r)
	if err != nil {
		return nil, err
	}

	return s.health.Models(r.Context(), req)
}

func (s *server) handleModel(r *http.Request) (any, error) {
	req, err := parseRequest(r)
	if err != nil {
		return nil, err
	}

	return s.health.ModelDetail(r.Context(), chi.URLParam(r, "id"), req.Days)
}

func (s *server) handleModelsWithoutTests(r *http.Request) (any, error) {
	req, err := parseRequest(r)
	if err != nil {
		return nil, err
	}

	return s.health.ModelsWithoutTests(r.Context(), req)
}

func (s *server) handleTests(r *http.Request) (any, error) {
	req, err := parseRequest(r)
	if err != nil {
		return nil, err
	}

	return s.health.Tests(r.Context(), req)
}

func (s *server) handleFlakyTests(r *http.Request) (any, error) {
	req, err := parseRequest(r)
	if err != nil {
		return nil, err
	}

	return s.health.FlakyTests(r.Context(), req)
}

func (s *server) handleTest(r *http.Request) (any, error) {
	req, err := parseRequest(r)
	if err != nil {
		return nil, err
	}

	return s.health.TestDetail(r.Context(), chi.URLParam(r, "id"), req.Days)
}

func (s *server) handleAlerts(r *http.Request) (any, error) {
	req, err := parseRequest(r)
	if err != nil {
		return nil, err
	}

	return s.health.Alerts(r.Context(), req)
}

func (s *server) handlePerformance(r *http.Request) (any, error) {
	req, err := parseRequest(r)
	if err != nil {
		return nil, err
	}

	return s.health.Performance(r.Context(), req)
}

func (s *server) handleGrowth(r *http.Request) (any, error) {
	req, err := parseRequest(r)
	if err != nil {
		return nil, err
	}

	return s.health.Growth(r.Context(), req)
}

func (s *server) handleGrowthSeries(r *http.Request) (any, error) {
	req, err := parseRequest(r)
	if err != nil {
		return nil, err
	}

	return s.health.GrowthSeries(r.Context(), chi.URLParam(r, "name"), req.Days)
}

func (s *server) handleInvocations(r *http.Request) (any, error) {
	req, err := parseRequest(r)
	if err != nil {
		return nil, err
	}

	return s.health.Invocations(r.Context(), req)
}

func (s *server) handleInvocation(r *http.Request) (any, error) {
	return s.health.InvocationDetail(r.Context(), chi.URLParam(r, "id"))
}

func (s *server) handleTimeline(r *http.Request) (any, error) {
	return s.health.Timeline(r.Context(), chi.URLParam(r, "id"))
}
