// Package fleet implements C3, the Session Fleet Supervisor: brings up N
// sessions, maintains a target online count using spare accounts, and
// drives the per-session retry state machine across heterogeneous failure
// modes.
package fleet

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/user/inspect-gateway/internal/proxypool"
	"github.com/user/inspect-gateway/internal/upstream"
)

// ErrNotPending is returned by SubmitAuthCode when no session is parked
// waiting for that username.
var ErrNotPending = errors.New("fleet: account is not pending auth")

// FailedAccount records why and when an account was permanently retired.
type FailedAccount struct {
	Reason string
	At     time.Time
}

// PendingAuthEntry is a session parked waiting for an operator-submitted
// one-time code (spec.md §4.3 "Pending-auth surface").
type PendingAuthEntry struct {
	Session *upstream.Session
	Account upstream.Account
	AuthType string
	At      time.Time
}

// Status is the supervisor-health summary rendered by the HTTP surface's
// /status endpoint.
type Status struct {
	Online       int    `json:"online"`
	Target       int    `json:"target"`
	Total        int    `json:"total"`
	Busy         int    `json:"busy"`
	Failed       int    `json:"failed"`
	Spares       int    `json:"spares"`
	QueuedSpares int    `json:"queuedSpares"`
	PendingAuth  int    `json:"pendingAuth"`
	StatusText   string `json:"status"`
}

// RetryConfig is the reason -> delay table for transient login failures
// (spec.md §9 "Retry state machine").
type RetryConfig struct {
	SteamGuardDelay   time.Duration
	ProxyDelay        time.Duration
	RateLimitBase     time.Duration
	RateLimitCap      time.Duration
	DefaultDelay      time.Duration
	SpareAccountDelay time.Duration
	MaintenanceTick   time.Duration
	UnreadyRecheck    time.Duration
}

// DefaultRetryConfig matches the timings named in spec.md §4.3 and §9.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		SteamGuardDelay:   15 * time.Second,
		ProxyDelay:        10 * time.Second,
		RateLimitBase:     30 * time.Second,
		RateLimitCap:      120 * time.Second,
		DefaultDelay:      5 * time.Second,
		SpareAccountDelay: 5 * time.Second,
		MaintenanceTick:   30 * time.Second,
		UnreadyRecheck:    5 * time.Second,
	}
}

// Fleet is C3.
type Fleet struct {
	mu sync.Mutex

	sessions      []*upstream.Session
	accountOf     map[*upstream.Session]upstream.Account
	spareAccounts []upstream.Account
	failedAccounts map[string]FailedAccount
	pendingAuth   map[string]PendingAuthEntry
	retryCount    map[string]int // username -> consecutive login-failure retry count (drives ratelimit backoff)

	spareQueue      []upstream.Account
	spareQueueBusy  bool

	maxOnlineBots int
	pool          *proxypool.Pool
	factory       upstream.TransportFactory
	sessionCfg    upstream.Config
	retryCfg      RetryConfig

	anyReady bool
	events   chan Event

	maintTicker *time.Ticker
	stopCh      chan struct{}
	log         *slog.Logger
}

// EventKind enumerates fleet-level lifecycle transitions.
type EventKind int

const (
	EventFleetReady EventKind = iota
	EventFleetUnready
)

// Event is a fleet-wide lifecycle notification.
type Event struct{ Kind EventKind }

// New builds a Fleet ready to Start. accounts is the full configured
// account list; the first maxOnlineBots become initial activations and the
// remainder become spares (spec.md §4.3 "Startup").
func New(accounts []upstream.Account, maxOnlineBots int, pool *proxypool.Pool, factory upstream.TransportFactory, sessionCfg upstream.Config, retryCfg RetryConfig, log *slog.Logger) *Fleet {
	if log == nil {
		log = slog.Default()
	}
	f := &Fleet{
		accountOf:      make(map[*upstream.Session]upstream.Account),
		failedAccounts: make(map[string]FailedAccount),
		pendingAuth:    make(map[string]PendingAuthEntry),
		retryCount:     make(map[string]int),
		maxOnlineBots:  maxOnlineBots,
		pool:           pool,
		factory:        factory,
		sessionCfg:     sessionCfg,
		retryCfg:       retryCfg,
		events:         make(chan Event, 8),
		stopCh:         make(chan struct{}),
		log:            log.With("component", "fleet"),
	}

	initialN := maxOnlineBots
	if initialN > len(accounts) {
		initialN = len(accounts)
	}
	initial := append([]upstream.Account{}, accounts[:initialN]...)
	f.spareAccounts = append([]upstream.Account{}, accounts[initialN:]...)

	go f.runInitialActivation(context.Background(), initial)
	return f
}

// Events returns the fleet-wide ready/unready channel.
func (f *Fleet) Events() <-chan Event { return f.events }

func (f *Fleet) emit(ev Event) {
	select {
	case f.events <- ev:
	default:
	}
}

func (f *Fleet) runInitialActivation(ctx context.Context, accounts []upstream.Account) {
	for i := 0; i < len(accounts); i += 3 {
		end := i + 3
		if end > len(accounts) {
			end = len(accounts)
		}
		for _, a := range accounts[i:end] {
			f.addBot(a)
		}
		if f.pool != nil {
			f.redistribute(ctx)
		}
		if end < len(accounts) {
			time.Sleep(3 * time.Second)
		}
	}

	f.maintTicker = time.NewTicker(f.retryCfg.MaintenanceTick)
	go func() {
		for {
			select {
			case <-f.stopCh:
				return
			case <-f.maintTicker.C:
				f.checkAndMaintainBotCount()
			}
		}
	}()
}

// addBot creates a Session for account, attaches its event consumer before
// logging in (spec.md §4.3 "Session creation"), and initiates login.
func (f *Fleet) addBot(account upstream.Account) *upstream.Session {
	s := upstream.NewSession(account, f.factory, f.sessionCfg)

	f.mu.Lock()
	f.sessions = append(f.sessions, s)
	f.accountOf[s] = account
	f.mu.Unlock()

	go f.consumeEvents(s, account)

	if err := s.LogIn(context.Background(), ""); err != nil {
		f.log.Warn("synchronous login error", "account", account.Username, "error", err)
	}
	return s
}

func (f *Fleet) consumeEvents(s *upstream.Session, account upstream.Account) {
	for ev := range s.Events() {
		f.onSessionEvent(s, account, ev)
	}
}

func (f *Fleet) onSessionEvent(s *upstream.Session, account upstream.Account, ev upstream.SessionEvent) {
	switch ev.Kind {
	case upstream.EventReady:
		f.mu.Lock()
		first := !f.anyReady
		f.anyReady = true
		f.mu.Unlock()
		if first {
			f.emit(Event{Kind: EventFleetReady})
		}
	case upstream.EventUnready:
		f.mu.Lock()
		noneReady := !f.anyReadyLocked()
		if noneReady {
			f.anyReady = false
		}
		f.mu.Unlock()
		if noneReady {
			f.emit(Event{Kind: EventFleetUnready})
		}
		time.AfterFunc(f.retryCfg.UnreadyRecheck, f.checkAndMaintainBotCount)
	case upstream.EventLoginSuccess:
		if f.pool != nil {
			f.pool.RecordLoginSuccess(s)
		}
		f.mu.Lock()
		delete(f.pendingAuth, account.Username)
		delete(f.retryCount, account.Username)
		f.mu.Unlock()
	case upstream.EventLoginFailed:
		f.handleLoginFailed(s, account, ev)
	case upstream.EventAuthFailed:
		f.mu.Lock()
		f.failedAccounts[account.Username] = FailedAccount{Reason: errString(ev.Err), At: time.Now()}
		f.mu.Unlock()
		f.trySpareAccount()
	case upstream.EventPendingAuth:
		f.mu.Lock()
		f.pendingAuth[account.Username] = PendingAuthEntry{Session: s, Account: account, AuthType: "interactive", At: time.Now()}
		f.mu.Unlock()
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (f *Fleet) handleLoginFailed(s *upstream.Session, account upstream.Account, ev upstream.SessionEvent) {
	var decision proxypool.RetryDecision
	if f.pool != nil {
		decision = f.pool.RecordLoginFailure(s, ev.Reason)
		if !decision.ShouldRetry {
			return
		}
	} else {
		decision = proxypool.RetryDecision{ShouldRetry: true}
	}

	f.mu.Lock()
	f.retryCount[account.Username]++
	retryN := f.retryCount[account.Username]
	f.mu.Unlock()
	if decision.RetryCount > 0 {
		retryN = decision.RetryCount
	}

	delay := f.retryDelay(ev.Reason, retryN)
	newProxy := decision.NewProxyURL

	time.AfterFunc(delay, func() {
		ctx := context.Background()
		if newProxy != nil {
			_ = s.UpdateProxy(ctx, newProxy)
		}
		_ = s.LogIn(ctx, "")
	})
}

func (f *Fleet) retryDelay(reason upstream.FailureReason, retryN int) time.Duration {
	switch reason {
	case upstream.ReasonSteamGuard:
		return f.retryCfg.SteamGuardDelay
	case upstream.ReasonProxy:
		return f.retryCfg.ProxyDelay
	case upstream.ReasonRateLimit:
		d := time.Duration(float64(f.retryCfg.RateLimitBase) * math.Pow(2, float64(retryN-1)))
		if d > f.retryCfg.RateLimitCap {
			d = f.retryCfg.RateLimitCap
		}
		return d
	default:
		return f.retryCfg.DefaultDelay
	}
}

// AddSpareAccount grows the fleet's spare pool at runtime (spec.md
// SUPPLEMENTED FEATURES admin surface). If the fleet is below its online
// target, a spare is queued for activation right away rather than waiting
// for the next maintenance tick.
func (f *Fleet) AddSpareAccount(account upstream.Account) {
	f.mu.Lock()
	f.spareAccounts = append(f.spareAccounts, account)
	belowTarget := f.readyCountLocked()+len(f.spareQueue) < f.maxOnlineBots
	f.mu.Unlock()

	if belowTarget {
		f.trySpareAccount()
	}
}

// trySpareAccount pushes one spare account onto the activation queue and
// ensures exactly one drain goroutine is running.
func (f *Fleet) trySpareAccount() {
	f.mu.Lock()
	if len(f.spareAccounts) == 0 {
		f.mu.Unlock()
		return
	}
	acct := f.spareAccounts[0]
	f.spareAccounts = f.spareAccounts[1:]
	f.spareQueue = append(f.spareQueue, acct)
	alreadyDraining := f.spareQueueBusy
	if !alreadyDraining {
		f.spareQueueBusy = true
	}
	f.mu.Unlock()

	if !alreadyDraining {
		go f.drainSpareQueue()
	}
}

func (f *Fleet) drainSpareQueue() {
	for {
		time.Sleep(f.retryCfg.SpareAccountDelay)

		f.mu.Lock()
		if len(f.spareQueue) == 0 {
			f.spareQueueBusy = false
			f.mu.Unlock()
			return
		}
		if f.readyCountLocked() >= f.maxOnlineBots {
			f.spareQueue = nil
			f.spareQueueBusy = false
			f.mu.Unlock()
			return
		}
		acct := f.spareQueue[0]
		f.spareQueue = f.spareQueue[1:]
		f.mu.Unlock()

		f.addBot(acct)
		if f.pool != nil {
			f.redistribute(context.Background())
		}
	}
}

// checkAndMaintainBotCount tops the activation queue up to
// maxOnlineBots - readyCount - queued, bounded by available spares.
func (f *Fleet) checkAndMaintainBotCount() {
	f.mu.Lock()
	needed := f.maxOnlineBots - f.readyCountLocked() - len(f.spareQueue)
	if needed > len(f.spareAccounts) {
		needed = len(f.spareAccounts)
	}
	f.mu.Unlock()

	for i := 0; i < needed; i++ {
		f.trySpareAccount()
	}
}

// redistribute recomputes the proxy pool's session assignment and applies
// any newly-changed binding by rebinding and relogging the affected
// sessions only (unchanged bindings are left alone).
func (f *Fleet) redistribute(ctx context.Context) {
	f.mu.Lock()
	sessions := append([]*upstream.Session{}, f.sessions...)
	f.mu.Unlock()

	prior := make(map[*upstream.Session]int, len(sessions))
	for _, s := range sessions {
		prior[s] = s.ProxyGroupID()
	}

	f.pool.Distribute(sessions)

	urlByGroup := make(map[int]*string)
	for _, g := range f.pool.Groups() {
		urlByGroup[g.ID] = g.ProxyURL
	}

	for _, s := range sessions {
		if s.ProxyGroupID() == prior[s] {
			continue
		}
		url := urlByGroup[s.ProxyGroupID()]
		go func(s *upstream.Session, url *string) {
			_ = s.UpdateProxy(ctx, url)
			_ = s.LogIn(ctx, "")
		}(s, url)
	}
}

// SubmitAuthCode retries the named pending-auth session with an
// operator-submitted code.
func (f *Fleet) SubmitAuthCode(username, code string) error {
	f.mu.Lock()
	entry, ok := f.pendingAuth[username]
	f.mu.Unlock()
	if !ok {
		return ErrNotPending
	}
	if err := entry.Session.LogIn(context.Background(), code); err != nil {
		return err
	}
	f.mu.Lock()
	delete(f.pendingAuth, username)
	f.mu.Unlock()
	return nil
}

// PendingAuthEntries lists pending sessions with elapsed wait time.
func (f *Fleet) PendingAuthEntries() map[string]PendingAuthEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]PendingAuthEntry, len(f.pendingAuth))
	for k, v := range f.pendingAuth {
		out[k] = v
	}
	return out
}

func (f *Fleet) anyReadyLocked() bool {
	for _, s := range f.sessions {
		if s.Ready() {
			return true
		}
	}
	return false
}

func (f *Fleet) readyCountLocked() int {
	n := 0
	for _, s := range f.sessions {
		if s.Ready() {
			n++
		}
	}
	return n
}

// ReadyCount is the number of currently-ready sessions.
func (f *Fleet) ReadyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readyCountLocked()
}

// TotalCount is the number of sessions the fleet has ever created.
func (f *Fleet) TotalCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *Fleet) BusyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sessions {
		if s.Busy() {
			n++
		}
	}
	return n
}

func (f *Fleet) SpareCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spareAccounts)
}

func (f *Fleet) QueuedSpareCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spareQueue)
}

func (f *Fleet) FailedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.failedAccounts)
}

func (f *Fleet) PendingAuthCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pendingAuth)
}

// Sessions returns a snapshot of the fleet's sessions for selection by
// the dispatcher/pool, and for stats surfaces.
func (f *Fleet) Sessions() []*upstream.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*upstream.Session, len(f.sessions))
	copy(out, f.sessions)
	return out
}

// GetStatus computes the /status snapshot, spec.md §6.
func (f *Fleet) GetStatus() Status {
	online := f.ReadyCount()
	target := f.maxOnlineBots
	st := Status{
		Online:       online,
		Target:       target,
		Total:        f.TotalCount(),
		Busy:         f.BusyCount(),
		Failed:       f.FailedCount(),
		Spares:       f.SpareCount(),
		QueuedSpares: f.QueuedSpareCount(),
		PendingAuth:  f.PendingAuthCount(),
	}
	switch {
	case online >= target && target > 0:
		st.StatusText = "optimal"
	case online > 0:
		st.StatusText = "recovering"
	default:
		st.StatusText = "degraded"
	}
	return st
}

// Shutdown stops the maintenance ticker and logs off every session.
func (f *Fleet) Shutdown(ctx context.Context) error {
	close(f.stopCh)
	if f.maintTicker != nil {
		f.maintTicker.Stop()
	}
	for _, s := range f.Sessions() {
		_ = s.Close()
	}
	return nil
}
