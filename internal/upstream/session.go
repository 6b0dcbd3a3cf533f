package upstream

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// State is the session's position in the readiness state machine of
// spec.md §4.1.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateLoggedOn
	StateLicenseRequested
	StateGCConnecting
	StateReady
	StateGCDisconnected
	StateDisconnected
)

// SessionEventKind enumerates the lifecycle signals a Session emits. This
// replaces the teacher-unrelated event-emitter graph the original system
// uses with a typed channel, per spec.md §9 "Event-emitter graph -> typed
// channels".
type SessionEventKind int

const (
	EventReady SessionEventKind = iota
	EventUnready
	EventLoginSuccess
	EventLoginFailed
	EventAuthFailed
	// EventPendingAuth fires when the upstream flow genuinely requires an
	// interactive one-time code (spec.md §4.3 "Pending-auth surface"),
	// distinct from the steamguard false-positive retry path.
	EventPendingAuth
)

// SessionEvent is a single lifecycle notification from a Session.
type SessionEvent struct {
	Kind   SessionEventKind
	Err    error
	Reason FailureReason
}

var (
	ErrNotAvailable = errors.New("upstream: session not ready or busy")
	ErrTTLExceeded  = errors.New("upstream: ttl exceeded")
)

// Config tunes per-session timing.
type Config struct {
	RequestDelay    time.Duration // post-reply busy spacing
	InspectTTL      time.Duration // per-inspect timeout
	ReloginInterval time.Duration // base relogin period (30m)
	ReloginJitter   time.Duration // max added jitter (0-4m)
}

// DefaultConfig matches spec.md's stated timings.
func DefaultConfig() Config {
	return Config{
		RequestDelay:    1100 * time.Millisecond,
		InspectTTL:      5 * time.Second,
		ReloginInterval: 30 * time.Minute,
		ReloginJitter:   4 * time.Minute,
	}
}

type pendingInspect struct {
	assetID   string
	issuedAt  time.Time
	resultCh  chan inspectOutcome
	ttlTimer  *time.Timer
}

type inspectOutcome struct {
	result InspectResult
	err    error
}

// InspectResult is the value an Inspect call resolves with: the normalized
// item plus the delay the caller (the pool/queue) must wait before this
// session is considered free again.
type InspectResult struct {
	Item  NormalizedItem
	Delay time.Duration
}

// Session is a runtime instance bound to one Account (spec.md §3).
type Session struct {
	mu sync.Mutex

	account Account
	factory TransportFactory
	cfg     Config

	transport Transport
	proxyURL  *string

	state          State
	ready          bool
	busy           bool
	relogin        bool
	currentRequest *pendingInspect
	proxyGroupID   int
	proxyBound     bool

	events    chan SessionEvent
	reloginT  *time.Timer
	closeOnce sync.Once
	closed    bool

	// cb trips per-session when this bot's own inspect round trips keep
	// failing, ahead of (and independent from) the proxy pool's group-wide
	// health accounting in proxypool.Pool.
	cb *gobreaker.CircuitBreaker
}

// NewSession constructs a Session bound to account, whose Transport is
// created lazily (and recreated on every proxy rebind) via factory.
func NewSession(account Account, factory TransportFactory, cfg Config) *Session {
	s := &Session{
		account:      account,
		factory:      factory,
		cfg:          cfg,
		events:       make(chan SessionEvent, 16),
		proxyGroupID: -1,
	}
	s.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "upstream-inspect:" + account.Username,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
	})
	return s
}

// Events returns the session's lifecycle channel. Callers MUST start
// draining it before calling LogIn, so synchronous login failures are
// observed (spec.md §4.3 "Session creation").
func (s *Session) Events() <-chan SessionEvent { return s.events }

func (s *Session) emit(ev SessionEvent) {
	select {
	case s.events <- ev:
	default:
		// Slow consumer: drop rather than block the transport loop. The
		// supervisor is expected to keep up; this only protects against a
		// wedged caller from stalling every session in the fleet.
	}
}

// Account returns the bound account.
func (s *Session) Account() Account { return s.account }

func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ProxyGroupID is the cached copy of this session's current proxy-group
// binding. The pool's botToGroup map is authoritative (spec.md §9 "weak
// back-reference"); this is a convenience mirror for logging/stats.
func (s *Session) ProxyGroupID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proxyGroupID
}

func (s *Session) SetProxyGroupID(id int) {
	s.mu.Lock()
	s.proxyGroupID = id
	s.mu.Unlock()
}

// LogIn initiates an authenticated connection. An explicit oneTimeCode
// overrides both a static Steam Guard code and a derived TOTP code.
func (s *Session) LogIn(ctx context.Context, oneTimeCode string) error {
	s.mu.Lock()
	if s.transport == nil {
		t, err := s.factory(s.proxyURL)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.transport = t
		go s.runTransportLoop(t)
	}
	t := s.transport
	code := s.account.OneTimeCode(oneTimeCode, time.Now())
	s.state = StateConnecting
	s.mu.Unlock()

	if err := t.Connect(ctx); err != nil {
		s.handleSyncLoginError(err)
		return err
	}
	if err := t.LogOn(ctx, s.account, code); err != nil {
		s.handleSyncLoginError(err)
		return err
	}
	return nil
}

func (s *Session) handleSyncLoginError(err error) {
	f := &LoginFailure{Message: err.Error()}
	reason := Classify(f)
	s.mu.Lock()
	s.state = StateDisconnected
	s.mu.Unlock()
	if reason.IsTerminal() {
		s.emit(SessionEvent{Kind: EventAuthFailed, Err: f})
		return
	}
	s.emit(SessionEvent{Kind: EventLoginFailed, Err: f, Reason: reason})
}

// UpdateProxy tears down the current transport and recreates it bound to
// the given proxy (nil clears the binding). All transport event handling
// is re-attached to the new transport.
func (s *Session) UpdateProxy(ctx context.Context, proxyURL *string) error {
	s.mu.Lock()
	old := s.transport
	s.proxyURL = proxyURL
	s.transport = nil
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	t, err := s.factory(proxyURL)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.transport = t
	s.mu.Unlock()
	go s.runTransportLoop(t)
	return nil
}

// Inspect issues a single inspect identified by the triple. Valid only when
// ready and not busy. The round trip runs behind this session's own
// circuit breaker: a bot whose inspects keep failing stops accepting new
// ones for a cooldown period even if the proxy pool hasn't yet flagged its
// group as unhealthy.
func (s *Session) Inspect(ctx context.Context, owner, assetID, d string) (InspectResult, error) {
	out, err := s.cb.Execute(func() (interface{}, error) {
		res, err := s.doInspect(ctx, owner, assetID, d)
		return res, err
	})
	if err != nil {
		return InspectResult{}, err
	}
	return out.(InspectResult), nil
}

func (s *Session) doInspect(ctx context.Context, owner, assetID, d string) (InspectResult, error) {
	s.mu.Lock()
	if !s.ready || s.busy {
		s.mu.Unlock()
		return InspectResult{}, ErrNotAvailable
	}
	resultCh := make(chan inspectOutcome, 1)
	pr := &pendingInspect{assetID: assetID, issuedAt: time.Now(), resultCh: resultCh}
	s.busy = true
	s.currentRequest = pr
	t := s.transport
	ttl := s.cfg.InspectTTL
	s.mu.Unlock()

	pr.ttlTimer = time.AfterFunc(ttl, func() { s.timeoutInspect(pr) })

	if err := t.SendInspect(ctx, owner, assetID, d); err != nil {
		s.mu.Lock()
		if s.currentRequest == pr {
			pr.ttlTimer.Stop()
			s.currentRequest = nil
			s.busy = false
		}
		s.mu.Unlock()
		return InspectResult{}, err
	}

	select {
	case out := <-resultCh:
		if out.err != nil {
			return InspectResult{}, out.err
		}
		return out.result, nil
	case <-ctx.Done():
		return InspectResult{}, ctx.Err()
	}
}

func (s *Session) timeoutInspect(pr *pendingInspect) {
	s.mu.Lock()
	if s.currentRequest != pr {
		s.mu.Unlock()
		return
	}
	s.currentRequest = nil
	s.busy = false
	s.mu.Unlock()

	select {
	case pr.resultCh <- inspectOutcome{err: ErrTTLExceeded}:
	default:
	}
}

func (s *Session) runTransportLoop(t Transport) {
	for ev := range t.Events() {
		switch ev.Kind {
		case EventLoggedOn:
			s.handleLoggedOn(t)
		case EventGCReady:
			s.handleGCReady()
		case EventGCDisconnected:
			s.handleGCDisconnected()
		case EventDisconnected:
			s.handleDisconnected(ev.Failure)
			return
		case EventInspectReply:
			s.handleInspectReply(ev.AssetID, ev.Raw)
		}
	}
}

func (s *Session) handleLoggedOn(t Transport) {
	s.mu.Lock()
	wasRelogin := s.relogin
	if wasRelogin {
		s.state = StateGCConnecting
	} else {
		s.state = StateLicenseRequested
	}
	s.mu.Unlock()

	ctx := context.Background()
	_ = t.PlayGames(ctx, nil)
	_ = t.PlayGames(ctx, []uint32{730})

	s.mu.Lock()
	s.state = StateGCConnecting
	s.mu.Unlock()

	s.emit(SessionEvent{Kind: EventLoginSuccess})
}

func (s *Session) handleGCReady() {
	s.mu.Lock()
	s.state = StateReady
	first := !s.ready
	s.ready = true
	s.relogin = false
	s.mu.Unlock()
	_ = first
	s.emit(SessionEvent{Kind: EventReady})
	s.scheduleRelogin()
}

func (s *Session) handleGCDisconnected() {
	s.mu.Lock()
	s.state = StateGCDisconnected
	wasReady := s.ready
	s.ready = false
	s.mu.Unlock()
	if wasReady {
		s.emit(SessionEvent{Kind: EventUnready})
	}
}

func (s *Session) handleDisconnected(f *LoginFailure) {
	s.mu.Lock()
	s.state = StateDisconnected
	wasReady := s.ready
	s.ready = false
	if s.currentRequest != nil {
		pr := s.currentRequest
		s.currentRequest = nil
		s.busy = false
		s.mu.Unlock()
		pr.ttlTimer.Stop()
		select {
		case pr.resultCh <- inspectOutcome{err: errors.New("session disconnected")}:
		default:
		}
		s.mu.Lock()
	}
	s.mu.Unlock()

	if wasReady {
		s.emit(SessionEvent{Kind: EventUnready})
	}

	reason := Classify(f)
	switch {
	case reason.IsTerminal():
		s.emit(SessionEvent{Kind: EventAuthFailed, Err: f})
	case f.RequiresInteractiveAuth() && reason != ReasonSteamGuard:
		s.emit(SessionEvent{Kind: EventPendingAuth, Err: f})
	default:
		s.emit(SessionEvent{Kind: EventLoginFailed, Err: f, Reason: reason})
	}
}

func (s *Session) handleInspectReply(assetID string, raw map[string]any) {
	s.mu.Lock()
	cur := s.currentRequest
	if cur == nil || cur.assetID != assetID {
		s.mu.Unlock()
		return
	}
	elapsed := time.Since(cur.issuedAt)
	delay := s.cfg.RequestDelay - elapsed
	if delay < 0 {
		delay = 0
	}
	cur.ttlTimer.Stop()
	s.currentRequest = nil
	s.mu.Unlock()

	item := Normalize(raw)
	select {
	case cur.resultCh <- inspectOutcome{result: InspectResult{Item: item, Delay: delay}}:
	default:
	}

	time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
	})
}

// scheduleRelogin arms the 30-minute-plus-jitter relogin cycle described in
// spec.md §4.1.
func (s *Session) scheduleRelogin() {
	s.mu.Lock()
	if s.reloginT != nil {
		s.reloginT.Stop()
	}
	jitter := time.Duration(rand.Int64N(int64(s.cfg.ReloginJitter) + 1))
	delay := s.cfg.ReloginInterval + jitter
	s.reloginT = time.AfterFunc(delay, s.performRelogin)
	s.mu.Unlock()
}

func (s *Session) performRelogin() {
	s.mu.Lock()
	if s.state != StateReady {
		s.mu.Unlock()
		return
	}
	s.relogin = true
	t := s.transport
	code := s.account.OneTimeCode("", time.Now())
	s.mu.Unlock()

	if t == nil {
		return
	}
	_ = t.LogOn(context.Background(), s.account, code)
}

// Close tears down the transport and stops the relogin timer. Idempotent.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		t := s.transport
		if s.reloginT != nil {
			s.reloginT.Stop()
		}
		s.mu.Unlock()
		if t != nil {
			err = t.Close()
		}
	})
	return err
}
