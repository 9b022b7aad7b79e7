package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/dbtlens/dbtlens/pkg/analytics"
	"github.com/dbtlens/dbtlens/pkg/api/runstore"
	"github.com/dbtlens/dbtlens/pkg/config"
)

func f64(v float64) *float64 { return &v }

func newTestServer(t *testing.T, mutate func(cfg *config.APIConfig)) *server {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	cfg := &config.APIConfig{
		Auth: config.APIAuthConfig{AnonymousRead: true},
		Database: config.APIDatabaseConfig{
			Driver: "sqlite",
			SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
		},
		Cache:   config.APICacheConfig{Driver: config.CacheDriverMemory, TTL: "1m"},
		Metrics: config.APIMetricsConfig{Enabled: true, Path: "/metrics"},
	}

	if mutate != nil {
		mutate(cfg)
	}

	s := NewServer(log, cfg, config.DefaultAnalyticsConfig()).(*server)
	require.NoError(t, s.init(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	seed(t, s.store)

	return s
}

// seed writes one invocation: orders succeeds, customers fails and one
// test on orders fails.
func seed(t *testing.T, store runstore.Store) {
	t.Helper()

	ctx := context.Background()
	at := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	started := at.Add(-5 * time.Minute)

	records := []analytics.RunRecord{
		{EntityID: "model.shop.orders", Name: "orders", Schema: "marts",
			Status: analytics.StatusSuccess, ObservedAt: at, ExecutionTimeSeconds: f64(12), InvocationID: "inv-1"},
		{EntityID: "model.shop.customers", Name: "customers", Schema: "marts",
			Status: analytics.StatusError, ObservedAt: at, InvocationID: "inv-1"},
	}

	results := &runstore.Results{}
	for _, r := range records {
		results.ModelRuns = append(results.ModelRuns, runstore.NewModelRun("prod", r))
	}

	results.TestRuns = append(results.TestRuns, runstore.NewTestRun("prod", analytics.TestRunRecord{
		EntityID: "test.shop.not_null_orders_id", Name: "not_null_orders_id", ModelName: "orders",
		Status: analytics.StatusFail, ObservedAt: at, InvocationID: "inv-1",
	}))

	require.NoError(t, store.ReplaceInvocation(ctx, &runstore.Invocation{
		DiscoveryPath:  "prod",
		InvocationID:   "inv-1",
		Command:        "build",
		GeneratedAt:    at,
		RunStartedAt:   &started,
		RunCompletedAt: &at,
		HasResults:     true,
		ModelCount:     2,
		TestCount:      1,
		IndexedAt:      at,
	}, results))
}

func get(t *testing.T, h http.Handler, path string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "192.0.2.1:1234"

	for k, v := range header {
		req.Header[k] = v
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	return body
}

func TestRoutes(t *testing.T) {
	s := newTestServer(t, nil)
	h := s.buildRouter()

	tests := []struct {
		path   string
		status int
	}{
		{"/api/v1/health", http.StatusOK},
		{"/api/v1/config", http.StatusOK},
		{"/api/v1/overview", http.StatusOK},
		{"/api/v1/models?show_all=true", http.StatusOK},
		{"/api/v1/models/model.shop.orders", http.StatusOK},
		{"/api/v1/models/model.shop.unknown", http.StatusNotFound},
		{"/api/v1/models-without-tests", http.StatusOK},
		{"/api/v1/tests", http.StatusOK},
		{"/api/v1/tests/flaky", http.StatusOK},
		{"/api/v1/tests/test.shop.not_null_orders_id", http.StatusOK},
		{"/api/v1/alerts", http.StatusOK},
		{"/api/v1/performance", http.StatusOK},
		{"/api/v1/growth?trend=growing", http.StatusOK},
		{"/api/v1/growth/orders", http.StatusNotFound},
		{"/api/v1/invocations", http.StatusOK},
		{"/api/v1/invocations/inv-1", http.StatusOK},
		{"/api/v1/invocations/inv-1/timeline", http.StatusOK},
		{"/api/v1/invocations/missing", http.StatusNotFound},
		{"/api/v1/overview?days=0", http.StatusOK},
		{"/api/v1/overview?days=31", http.StatusBadRequest},
		{"/api/v1/overview?days=abc", http.StatusBadRequest},
		{"/api/v1/models?show_all=maybe", http.StatusBadRequest},
		{"/api/v1/growth?trend=sideways", http.StatusBadRequest},
		{"/metrics", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := get(t, h, tt.path, nil)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestAlertsView(t *testing.T) {
	s := newTestServer(t, nil)
	h := s.buildRouter()

	rec := get(t, h, "/api/v1/alerts", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.EqualValues(t, 1, body["model_count"])
	assert.EqualValues(t, 1, body["test_count"])
	assert.EqualValues(t, 2, body["total_alerts"])

	models := body["models"].([]any)
	require.Len(t, models, 1)
	assert.Equal(t, "customers", models[0].(map[string]any)["name"])
}

func TestResponseCache(t *testing.T) {
	s := newTestServer(t, nil)
	h := s.buildRouter()

	// Keys roll over with the ttl bucket of the current time.
	fixed := time.Now()
	s.now = func() time.Time { return fixed }

	first := get(t, h, "/api/v1/overview?days=7&search=x", nil)
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "MISS", first.Header().Get("X-Cache"))

	second := get(t, h, "/api/v1/overview?search=x&days=7", nil)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "HIT", second.Header().Get("X-Cache"))
	assert.Equal(t, first.Body.String(), second.Body.String())

	// Errors are not cached.
	bad := get(t, h, "/api/v1/overview?days=99", nil)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
	bad = get(t, h, "/api/v1/overview?days=99", nil)
	assert.Equal(t, http.StatusBadRequest, bad.Code)

	// Reloading thresholds drops cached responses.
	cfg := config.DefaultAnalyticsConfig()
	cfg.FlakyMinRuns = 5
	require.NoError(t, s.SetAnalytics(context.Background(), cfg))

	third := get(t, h, "/api/v1/overview?days=7&search=x", nil)
	assert.Equal(t, "MISS", third.Header().Get("X-Cache"))

	cfgBody := decode(t, get(t, h, "/api/v1/config", nil))
	assert.EqualValues(t, 5, cfgBody["analytics"].(map[string]any)["flaky_min_runs"])

	metrics := get(t, h, "/metrics", nil)
	assert.Contains(t, metrics.Body.String(), `dbtlens_cache_lookups_total{result="hit",view="overview"} 1`)
	assert.Contains(t, metrics.Body.String(), `route="/api/v1/overview"`)
}

func TestAuthentication(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	s := newTestServer(t, func(cfg *config.APIConfig) {
		cfg.Auth = config.APIAuthConfig{
			Tokens: []config.APIToken{{Name: "ci", Hash: string(hash)}},
		}
	})
	h := s.buildRouter()

	tests := []struct {
		name   string
		header string
		status int
	}{
		{name: "missing", status: http.StatusUnauthorized},
		{name: "wrong", header: "Bearer nope", status: http.StatusUnauthorized},
		{name: "valid", header: "Bearer s3cret", status: http.StatusOK},
		{name: "valid again from memo", header: "Bearer s3cret", status: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.header != "" {
				header.Set("Authorization", tt.header)
			}

			rec := get(t, h, "/api/v1/overview", header)
			assert.Equal(t, tt.status, rec.Code)
		})
	}

	// Health stays public.
	assert.Equal(t, http.StatusOK, get(t, h, "/api/v1/health", nil).Code)
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, func(cfg *config.APIConfig) {
		cfg.Cache.Driver = config.CacheDriverNone
		cfg.Server.RateLimit = config.RateLimitConfig{
			Enabled:       true,
			Public:        config.RateLimitTier{RequestsPerMinute: 2},
			Authenticated: config.RateLimitTier{RequestsPerMinute: 100},
		}
	})
	h := s.buildRouter()

	codes := make([]int, 0, 3)
	for range 3 {
		codes = append(codes, get(t, h, "/api/v1/alerts", nil).Code)
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// Another client has its own budget.
	other := get(t, h, "/api/v1/alerts", http.Header{"X-Forwarded-For": {"198.51.100.7, 10.0.0.1"}})
	assert.Equal(t, http.StatusOK, other.Code)
}

func TestExtractIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.9:5555"
	assert.Equal(t, "203.0.113.9", extractIP(req))

	req.Header.Set("X-Forwarded-For", " 198.51.100.7 , 10.0.0.1")
	assert.Equal(t, "198.51.100.7", extractIP(req))
}

func TestParseRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet,
		"/x?days=14&search=Ord&limit=5&offset=10&show_all=1&trend=growing", nil)

	got, err := parseRequest(req)
	require.NoError(t, err)
	assert.Equal(t, 14, got.Days)
	assert.Equal(t, "Ord", got.Search)
	assert.Equal(t, 5, got.Limit)
	assert.Equal(t, 10, got.Offset)
	assert.True(t, got.ShowAll)
	assert.Equal(t, "growing", got.Trend)

	_, err = parseRequest(httptest.NewRequest(http.MethodGet, "/x?limit=ten", nil))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "limit"))
}
