package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/inspect-gateway/internal/cache"
	"github.com/user/inspect-gateway/internal/dispatch"
	"github.com/user/inspect-gateway/internal/fleet"
	"github.com/user/inspect-gateway/internal/proxypool"
	"github.com/user/inspect-gateway/internal/queue"
	"github.com/user/inspect-gateway/internal/ratelimit"
	"github.com/user/inspect-gateway/internal/upstream"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func fastFleetRetryConfig() fleet.RetryConfig {
	c := fleet.DefaultRetryConfig()
	c.MaintenanceTick = 10 * time.Millisecond
	c.UnreadyRecheck = 10 * time.Millisecond
	c.SpareAccountDelay = 10 * time.Millisecond
	return c
}

// newTestServer builds a fully wired Server with one already-ready bot
// bound into a cached-only lookup path, so handler tests don't depend on
// a live inspect round trip.
func newTestServer(t *testing.T, cfg Config) (*Server, *cache.MockCacheStore) {
	t.Helper()

	pool := proxypool.NewPool(nil, 5, 0, proxypool.RetryPolicy{})
	factory := func(proxyURL *string) (upstream.Transport, error) {
		return upstream.NewFakeTransport(proxyURL)
	}
	f := fleet.New([]upstream.Account{{Username: "bot1"}}, 1, pool, factory, upstream.DefaultConfig(), fastFleetRetryConfig(), discardLogger())

	require.Eventually(t, func() bool { return f.ReadyCount() == 1 }, time.Second, 5*time.Millisecond)

	cacheStore := cache.NewMockCacheStore()
	d := dispatch.New(pool, cacheStore, nil)

	q := queue.New(queue.DefaultConfig(), f.ReadyCount, pool.MaxConcurrency, pool.CanAcceptMoreRequests, d.Handler())
	q.Start()
	t.Cleanup(q.Stop)

	if cfg.JobTimeout == 0 {
		cfg = DefaultConfig()
	}
	s := New(cfg, f, pool, q, cacheStore, nil, nil, nil, discardLogger())
	return s, cacheStore
}

// newTestServerWithCapStore is like newTestServer but wires a
// ratelimit.ClientCapStore, for exercising Config.ClientCapMax.
func newTestServerWithCapStore(t *testing.T, cfg Config, capStore ratelimit.ClientCapStore) (*Server, *cache.MockCacheStore) {
	t.Helper()

	pool := proxypool.NewPool(nil, 5, 0, proxypool.RetryPolicy{})
	factory := func(proxyURL *string) (upstream.Transport, error) {
		return upstream.NewFakeTransport(proxyURL)
	}
	f := fleet.New([]upstream.Account{{Username: "bot1"}}, 1, pool, factory, upstream.DefaultConfig(), fastFleetRetryConfig(), discardLogger())
	require.Eventually(t, func() bool { return f.ReadyCount() == 1 }, time.Second, 5*time.Millisecond)

	cacheStore := cache.NewMockCacheStore()
	d := dispatch.New(pool, cacheStore, nil)
	q := queue.New(queue.DefaultConfig(), f.ReadyCount, pool.MaxConcurrency, pool.CanAcceptMoreRequests, d.Handler())
	q.Start()
	t.Cleanup(q.Stop)

	if cfg.JobTimeout == 0 {
		cfg = DefaultConfig()
	}
	s := New(cfg, f, pool, q, cacheStore, nil, nil, capStore, discardLogger())
	return s, cacheStore
}

func TestAdminAddAccountPersistsToStore(t *testing.T) {
	pool := proxypool.NewPool(nil, 5, 0, proxypool.RetryPolicy{})
	factory := func(proxyURL *string) (upstream.Transport, error) {
		return upstream.NewFakeTransport(proxyURL)
	}
	f := fleet.New([]upstream.Account{{Username: "bot1"}}, 1, pool, factory, upstream.DefaultConfig(), fastFleetRetryConfig(), discardLogger())
	require.Eventually(t, func() bool { return f.ReadyCount() == 1 }, time.Second, 5*time.Millisecond)

	cacheStore := cache.NewMockCacheStore()
	d := dispatch.New(pool, cacheStore, nil)
	q := queue.New(queue.DefaultConfig(), f.ReadyCount, pool.MaxConcurrency, pool.CanAcceptMoreRequests, d.Handler())
	q.Start()
	t.Cleanup(q.Stop)

	accountStore := &cache.MockAccountStore{}
	cfg := DefaultConfig()
	cfg.AdminKey = "topsecret"
	s := New(cfg, f, pool, q, cacheStore, accountStore, nil, nil, discardLogger())

	body, _ := json.Marshal(map[string]string{"username": "newbot", "password": "pw"})
	req := httptest.NewRequest(http.MethodPost, "/admin/accounts", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Key", "topsecret")
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, accountStore.Accounts, 1)
	assert.Equal(t, "newbot", accountStore.Accounts[0].Username)
}

func TestHandleInspectReturnsCachedItem(t *testing.T) {
	s, cacheStore := newTestServer(t, DefaultConfig())
	require.NoError(t, cacheStore.Put(context.Background(), &cache.Record{
		AssetID: "555",
		Item:    upstream.NormalizedItem{FloatValue: 0.42},
	}))

	req := httptest.NewRequest(http.MethodGet, "/?a=555&d=dparam&s=owner1", nil)
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var item upstream.NormalizedItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &item))
	assert.Equal(t, 0.42, item.FloatValue)
}

func TestHandleInspectMissingParamsIsBadRequest(t *testing.T) {
	s, _ := newTestServer(t, DefaultConfig())

	req := httptest.NewRequest(http.MethodGet, "/?a=555", nil)
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleInspectSteamOfflineWhenNoBotsReady(t *testing.T) {
	pool := proxypool.NewPool(nil, 5, 0, proxypool.RetryPolicy{})
	f := fleet.New(nil, 0, pool, nil, upstream.DefaultConfig(), fastFleetRetryConfig(), discardLogger())
	cacheStore := cache.NewMockCacheStore()
	d := dispatch.New(pool, cacheStore, nil)
	q := queue.New(queue.DefaultConfig(), f.ReadyCount, pool.MaxConcurrency, pool.CanAcceptMoreRequests, d.Handler())
	q.Start()
	t.Cleanup(q.Stop)

	s := New(DefaultConfig(), f, pool, q, cacheStore, nil, nil, nil, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/?a=555&d=dparam&s=owner1", nil)
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleInspectPerClientCapRejectsSecondInFlight(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSimultaneousRequests = 1
	s, cacheStore := newTestServer(t, cfg)
	require.NoError(t, cacheStore.Put(context.Background(), &cache.Record{
		AssetID: "1",
		Item:    upstream.NormalizedItem{FloatValue: 0.1},
	}))

	// Directly charge the per-client counter to simulate an in-flight
	// request from the same IP, bypassing the instant cache-hit path.
	job := queue.NewJob([]queue.LinkRequest{{AssetID: "in-flight"}})
	s.queue.AddJob(job, "203.0.113.5")

	req := httptest.NewRequest(http.MethodGet, "/?a=1&d=dparam&s=owner1", nil)
	req.RemoteAddr = "203.0.113.5:1234"
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestHandleBulkRejectsBadBulkKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BulkKey = "secret"
	s, _ := newTestServer(t, cfg)

	body, _ := json.Marshal(map[string]any{
		"bulk_key": "wrong",
		"links":    []map[string]string{{"link": "?a=1&d=2&s=3"}},
	})
	req := httptest.NewRequest(http.MethodPost, "/bulk", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleBulkAcceptsPricedMarketLink(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PriceKey = "pk"
	s, cacheStore := newTestServer(t, cfg)
	require.NoError(t, cacheStore.Put(context.Background(), &cache.Record{
		AssetID: "77",
		Item:    upstream.NormalizedItem{FloatValue: 0.3},
	}))

	body, _ := json.Marshal(map[string]any{
		"priceKey": "pk",
		"links": []map[string]string{
			{"link": "steam://rungame/730/76561202255233023/+csgo_econ_action_preview M99A77D5", "price": "12345"},
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/bulk", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Results []struct {
			Item map[string]any `json:"item"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
}

func TestHandleStatusReportsOptimalWhenAtTarget(t *testing.T) {
	s, _ := newTestServer(t, DefaultConfig())

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var status fleet.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "optimal", status.StatusText)
}

func TestHandleAuthRejectsUnknownUsername(t *testing.T) {
	s, _ := newTestServer(t, DefaultConfig())

	body, _ := json.Marshal(map[string]string{"username": "nobody", "code": "123456"})
	req := httptest.NewRequest(http.MethodPost, "/auth", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminRoutesRequireAdminKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AdminKey = "topsecret"
	s, _ := newTestServer(t, cfg)

	body, _ := json.Marshal(map[string]string{"username": "newbot"})
	req := httptest.NewRequest(http.MethodPost, "/admin/accounts", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/admin/accounts", bytes.NewReader(body))
	req2.Header.Set("Content-Type", "application/json")
	req2.Header.Set("X-Admin-Key", "topsecret")
	rec2 := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusOK, rec2.Code)
}

func TestClientCapStoreRejectsOverWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ClientCapMax = 2
	cfg.ClientCapWindow = time.Minute
	s, cacheStore := newTestServerWithCapStore(t, cfg, ratelimit.NewInMemoryClientCapStore())
	require.NoError(t, cacheStore.Put(context.Background(), &cache.Record{
		AssetID: "777",
		Item:    upstream.NormalizedItem{FloatValue: 0.1},
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/?a=777&d=d&s=owner1", nil)
		rec := httptest.NewRecorder()
		s.Engine().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/?a=777&d=d&s=owner1", nil)
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}
