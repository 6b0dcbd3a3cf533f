package upstream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		RequestDelay:    20 * time.Millisecond,
		InspectTTL:      50 * time.Millisecond,
		ReloginInterval: time.Hour,
		ReloginJitter:   time.Minute,
	}
}

func newReadySession(t *testing.T) (*Session, *FakeTransport) {
	t.Helper()
	var ft *FakeTransport
	factory := func(proxyURL *string) (Transport, error) {
		tr, _ := NewFakeTransport(proxyURL)
		ft = tr.(*FakeTransport)
		return tr, nil
	}
	s := NewSession(Account{Username: "bot1"}, factory, testConfig())

	done := make(chan struct{})
	go func() {
		for ev := range s.Events() {
			if ev.Kind == EventReady {
				close(done)
				return
			}
		}
	}()

	require.NoError(t, s.LogIn(context.Background(), ""))
	<-done
	return s, ft
}

func TestSession_ReadyAfterLogin(t *testing.T) {
	s, _ := newReadySession(t)
	assert.True(t, s.Ready())
	assert.False(t, s.Busy())
}

func TestSession_InspectNormalizesReply(t *testing.T) {
	s, ft := newReadySession(t)

	resCh := make(chan InspectResult, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := s.Inspect(context.Background(), "m", "asset123", "d1")
		if err != nil {
			errCh <- err
			return
		}
		resCh <- res
	}()

	// Busy invariant: busy implies a currentRequest is tracked.
	time.Sleep(5 * time.Millisecond)
	assert.True(t, s.Busy())

	ft.Emit(TransportEvent{
		Kind:    EventInspectReply,
		AssetID: "asset123",
		Raw: map[string]any{
			"paintwear": 0.123,
			"paintseed": nil,
			"stickers": []any{
				map[string]any{"slot": 0, "sticker_id": 5},
			},
		},
	})

	select {
	case res := <-resCh:
		assert.InDelta(t, 0.123, res.Item.FloatValue, 1e-9)
		assert.Equal(t, 0, res.Item.PaintSeed)
		require.Len(t, res.Item.Stickers, 1)
		assert.Equal(t, 5, res.Item.Stickers[0].StickerID)
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inspect result")
	}

	// busy clears only after the request-delay spacing elapses.
	assert.True(t, s.Busy())
	time.Sleep(40 * time.Millisecond)
	assert.False(t, s.Busy())
}

func TestSession_InspectDropsMismatchedReply(t *testing.T) {
	s, ft := newReadySession(t)

	go s.Inspect(context.Background(), "m", "assetA", "d1")
	time.Sleep(5 * time.Millisecond)

	ft.Emit(TransportEvent{Kind: EventInspectReply, AssetID: "assetB", Raw: map[string]any{}})
	time.Sleep(5 * time.Millisecond)

	// Still busy: the mismatched reply must not have resolved the pending request.
	assert.True(t, s.Busy())
}

func TestSession_InspectTTLExceeded(t *testing.T) {
	s, _ := newReadySession(t)

	_, err := s.Inspect(context.Background(), "m", "assetX", "d1")
	assert.ErrorIs(t, err, ErrTTLExceeded)
	assert.False(t, s.Busy())
}

func TestSession_NotReadyRejectsInspect(t *testing.T) {
	factory := func(proxyURL *string) (Transport, error) { return NewFakeTransport(proxyURL) }
	s := NewSession(Account{Username: "bot2"}, factory, testConfig())

	_, err := s.Inspect(context.Background(), "m", "a", "d")
	assert.ErrorIs(t, err, ErrNotAvailable)
}

func TestClassifyFailureReasons(t *testing.T) {
	cases := []struct {
		name   string
		f      *LoginFailure
		reason FailureReason
	}{
		{"steamguard eresult", &LoginFailure{EResult: 63}, ReasonSteamGuard},
		{"ratelimit eresult", &LoginFailure{EResult: 84}, ReasonRateLimit},
		{"auth eresult", &LoginFailure{EResult: 61}, ReasonAuth},
		{"proxy message", &LoginFailure{Message: "Proxy connection refused"}, ReasonProxy},
		{"ratelimit message", &LoginFailure{Message: "RateLimitExceeded"}, ReasonRateLimit},
		{"other", &LoginFailure{Message: "weird unknown thing"}, ReasonOther},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.reason, Classify(tc.f))
		})
	}
	assert.True(t, ReasonAuth.IsTerminal())
	assert.False(t, ReasonSteamGuard.IsTerminal())
}

func TestAccountOneTimeCode(t *testing.T) {
	now := time.Now()

	a := Account{AuthSecret: "ABCDE"}
	assert.Equal(t, "ABCDE", a.OneTimeCode("", now))

	a2 := Account{AuthSecret: "JBSWY3DPEHPK3PXP"}
	code := a2.OneTimeCode("", now)
	assert.Len(t, code, 5)

	a3 := Account{AuthSecret: "JBSWY3DPEHPK3PXP"}
	assert.Equal(t, "OVERRIDE", a3.OneTimeCode("OVERRIDE", now))
}
