package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/inspect-gateway/internal/cache"
	"github.com/user/inspect-gateway/internal/proxypool"
	"github.com/user/inspect-gateway/internal/queue"
	"github.com/user/inspect-gateway/internal/upstream"
)

func readySession(t *testing.T, cfg upstream.Config) *upstream.Session {
	t.Helper()
	factory := func(proxyURL *string) (upstream.Transport, error) {
		return upstream.NewFakeTransport(proxyURL)
	}
	s := upstream.NewSession(upstream.Account{Username: "a"}, factory, cfg)
	done := make(chan struct{})
	go func() {
		for ev := range s.Events() {
			if ev.Kind == upstream.EventReady {
				close(done)
				return
			}
		}
	}()
	require.NoError(t, s.LogIn(context.Background(), ""))
	<-done
	return s
}

func TestLookupFloatReturnsCachedWithoutBot(t *testing.T) {
	pool := proxypool.NewPool(nil, 5, 0, proxypool.RetryPolicy{})
	cacheStore := cache.NewMockCacheStore()
	require.NoError(t, cacheStore.Put(context.Background(), &cache.Record{
		AssetID: "111",
		Item:    upstream.NormalizedItem{FloatValue: 0.5},
	}))

	d := New(pool, cacheStore, nil)
	item, delay, err := d.Handler()(context.Background(), queue.LinkRequest{AssetID: "111"})
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), delay)
	assert.Equal(t, 0.5, item.FloatValue)
}

func TestLookupFloatNoBotsAvailable(t *testing.T) {
	pool := proxypool.NewPool([]string{"http://p1"}, 1, 0, proxypool.RetryPolicy{})
	d := New(pool, cache.NewMockCacheStore(), nil)

	_, _, err := d.Handler()(context.Background(), queue.LinkRequest{AssetID: "222"})
	assert.ErrorIs(t, err, queue.ErrNoBotsAvailable)
}

func TestLookupFloatTTLExceededDoesNotCache(t *testing.T) {
	pool := proxypool.NewPool([]string{"http://p1"}, 1, 0, proxypool.RetryPolicy{})
	cfg := upstream.DefaultConfig()
	cfg.InspectTTL = 50 * time.Millisecond
	s := readySession(t, cfg)
	pool.Distribute([]*upstream.Session{s})

	cacheStore := cache.NewMockCacheStore()
	d := New(pool, cacheStore, nil)

	resultCh := make(chan struct{})
	go func() {
		_, _, _ = d.Handler()(context.Background(), queue.LinkRequest{AssetID: "333"})
		close(resultCh)
	}()

	// The FakeTransport auto-replies are not wired for inspect; this test
	// only exercises the no-reply TTL path, asserting the dispatcher
	// propagates the session's own timeout error rather than hanging.
	select {
	case <-resultCh:
	case <-time.After(time.Second):
		t.Fatal("lookupFloat did not return")
	}

	cached, err := cacheStore.Get(context.Background(), "333")
	require.NoError(t, err)
	assert.Nil(t, cached)
}
