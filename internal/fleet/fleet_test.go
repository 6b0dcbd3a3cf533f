package fleet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/inspect-gateway/internal/upstream"
)

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		SteamGuardDelay:   5 * time.Millisecond,
		ProxyDelay:        5 * time.Millisecond,
		RateLimitBase:     5 * time.Millisecond,
		RateLimitCap:      20 * time.Millisecond,
		DefaultDelay:      5 * time.Millisecond,
		SpareAccountDelay: 20 * time.Millisecond,
		MaintenanceTick:   time.Hour,
		UnreadyRecheck:    10 * time.Millisecond,
	}
}

func fakeFactory() upstream.TransportFactory {
	return func(proxyURL *string) (upstream.Transport, error) {
		return upstream.NewFakeTransport(proxyURL)
	}
}

func waitFor(t *testing.T, cond func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	require.Fail(t, "condition not met within timeout")
}

func TestFleetActivatesInitialAccountsAndBecomesReady(t *testing.T) {
	accounts := []upstream.Account{{Username: "a"}, {Username: "b"}}
	f := New(accounts, 2, nil, fakeFactory(), upstream.DefaultConfig(), fastRetryConfig(), nil)

	waitFor(t, func() bool { return f.ReadyCount() == 2 }, time.Second)
	assert.Equal(t, 2, f.TotalCount())
	assert.Equal(t, 0, f.SpareCount())
}

func TestFleetSplitsSparesBeyondTarget(t *testing.T) {
	accounts := []upstream.Account{{Username: "a"}, {Username: "b"}, {Username: "c"}}
	f := New(accounts, 1, nil, fakeFactory(), upstream.DefaultConfig(), fastRetryConfig(), nil)

	waitFor(t, func() bool { return f.ReadyCount() == 1 }, time.Second)
	assert.Equal(t, 1, f.TotalCount())
	assert.Equal(t, 2, f.SpareCount())
}

func TestFleetActivatesSpareAfterAuthFailure(t *testing.T) {
	accounts := []upstream.Account{{Username: "a"}, {Username: "b"}}
	transports := make(chan *upstream.FakeTransport, len(accounts))
	factory := func(proxyURL *string) (upstream.Transport, error) {
		tr, err := upstream.NewFakeTransport(proxyURL)
		transports <- tr.(*upstream.FakeTransport)
		return tr, err
	}
	f := New(accounts, 1, nil, factory, upstream.DefaultConfig(), fastRetryConfig(), nil)

	waitFor(t, func() bool { return f.ReadyCount() == 1 }, time.Second)

	// An auth failure only reaches the fleet from a session that has
	// already gone offline; take "a" offline first.
	(<-transports).Emit(upstream.TransportEvent{Kind: upstream.EventGCDisconnected})
	waitFor(t, func() bool { return f.ReadyCount() == 0 }, time.Second)

	s := f.Sessions()[0]
	f.onSessionEvent(s, upstream.Account{Username: "a"}, upstream.SessionEvent{
		Kind: upstream.EventAuthFailed,
		Err:  assert.AnError,
	})

	waitFor(t, func() bool { return f.TotalCount() == 2 }, time.Second)
	assert.Equal(t, 1, f.FailedCount())
	waitFor(t, func() bool { return f.ReadyCount() == 1 }, time.Second)
}

func TestFleetStatusReflectsReadyVsTarget(t *testing.T) {
	accounts := []upstream.Account{{Username: "a"}}
	f := New(accounts, 2, nil, fakeFactory(), upstream.DefaultConfig(), fastRetryConfig(), nil)

	waitFor(t, func() bool { return f.GetStatus().Online == 1 }, time.Second)
	st := f.GetStatus()
	assert.Equal(t, 2, st.Target)
	assert.Equal(t, "recovering", st.StatusText)
}

func TestSubmitAuthCodeRejectsUnknownUsername(t *testing.T) {
	f := New(nil, 0, nil, fakeFactory(), upstream.DefaultConfig(), fastRetryConfig(), nil)
	err := f.SubmitAuthCode("nobody", "123456")
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestRetryDelayTable(t *testing.T) {
	f := &Fleet{retryCfg: DefaultRetryConfig()}
	assert.Equal(t, 15*time.Second, f.retryDelay(upstream.ReasonSteamGuard, 1))
	assert.Equal(t, 10*time.Second, f.retryDelay(upstream.ReasonProxy, 1))
	assert.Equal(t, 30*time.Second, f.retryDelay(upstream.ReasonRateLimit, 1))
	assert.Equal(t, 60*time.Second, f.retryDelay(upstream.ReasonRateLimit, 2))
	assert.Equal(t, 120*time.Second, f.retryDelay(upstream.ReasonRateLimit, 10))
	assert.Equal(t, 5*time.Second, f.retryDelay(upstream.ReasonOther, 1))
}
