package proxypool

import (
	"bufio"
	"errors"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/user/inspect-gateway/internal/upstream"
)

// ErrNoAvailableBot is returned by GetAvailableBot when no group currently
// admits a request with a ready, non-busy session.
var ErrNoAvailableBot = errors.New("proxypool: no available bot")

// RetryPolicy governs whether a login failure gets a reassignment + retry.
type RetryPolicy struct {
	Enabled       bool
	MaxRetries    int
	ExcludeFailed bool
	RetryDelay    time.Duration
}

// RetryDecision is the outcome of RecordLoginFailure.
type RetryDecision struct {
	ShouldRetry bool
	NewProxyURL *string
	RetryDelay  time.Duration
	RetryCount  int
}

// Strategy names the bot-selection algorithm.
type Strategy string

const (
	StrategyLeastLoaded Strategy = "least_loaded"
	StrategyRoundRobin  Strategy = "round_robin"
)

// Pool is C2: the proxy scheduling, admission, health, and reassignment
// authority. All bot<->group bindings live here, never inside a Session
// (spec.md §9 "weak back-reference").
type Pool struct {
	mu sync.Mutex

	groups              []*Group
	maxRequestsPerProxy int
	requestCooldown     time.Duration
	retry               RetryPolicy

	botToGroup    map[*upstream.Session]int
	botRetryCount map[*upstream.Session]int
	failedProxies map[int]bool
	cursor        int
}

// NewPool builds a Pool with one Group per proxy URL (nil URL means "no
// proxy" and is used as the sole fallback group when none are configured).
func NewPool(proxyURLs []string, maxRequestsPerProxy int, requestCooldown time.Duration, retry RetryPolicy) *Pool {
	p := &Pool{
		maxRequestsPerProxy: maxRequestsPerProxy,
		requestCooldown:     requestCooldown,
		retry:               retry,
		botToGroup:          make(map[*upstream.Session]int),
		botRetryCount:       make(map[*upstream.Session]int),
		failedProxies:       make(map[int]bool),
	}
	if len(proxyURLs) == 0 {
		p.groups = []*Group{{ID: 0}}
		return p
	}
	p.groups = make([]*Group, len(proxyURLs))
	for i, u := range proxyURLs {
		url := u
		p.groups[i] = &Group{ID: i, ProxyURL: &url}
	}
	return p
}

// LoadProxyFile reads one proxy URL per line from path, skipping blank
// lines. Returns an empty slice (never an error) when the caller should
// fall back to a single no-proxy group, per spec.md §4.2 "Loading".
func LoadProxyFile(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var urls []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		urls = append(urls, line)
	}
	return urls
}

// AddGroup appends a new proxy group at runtime (spec.md SUPPLEMENTED
// FEATURES admin surface). Existing bindings are left alone; the new group
// only gets bots on the next Distribute call.
func (p *Pool) AddGroup(proxyURL string) *Group {
	p.mu.Lock()
	defer p.mu.Unlock()
	url := proxyURL
	g := &Group{ID: len(p.groups), ProxyURL: &url}
	p.groups = append(p.groups, g)
	return g
}

// Groups returns a snapshot slice of the pool's groups, for stats/admin
// surfaces. Callers must not mutate the returned Groups' exported fields
// concurrently with pool operations.
func (p *Pool) Groups() []*Group {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Group, len(p.groups))
	copy(out, p.groups)
	return out
}

// Distribute assigns sessions to groups in sequential chunks of
// ceil(len(sessions)/len(groups)), filling each group before moving to the
// next (spec.md §4.2 "Initial distribution"). It rebinds every session,
// replacing any prior assignment, and records the new group id on each
// session; it does not apply the group's proxy URL to the session (the
// caller does that).
func (p *Pool) Distribute(sessions []*upstream.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, g := range p.groups {
		g.Sessions = g.Sessions[:0]
	}
	p.botToGroup = make(map[*upstream.Session]int)

	if len(sessions) == 0 || len(p.groups) == 0 {
		return
	}
	perGroup := int(math.Ceil(float64(len(sessions)) / float64(len(p.groups))))
	if perGroup < 1 {
		perGroup = 1
	}

	gi := 0
	count := 0
	for _, s := range sessions {
		if count == perGroup && gi < len(p.groups)-1 {
			gi++
			count = 0
		}
		g := p.groups[gi]
		g.Sessions = append(g.Sessions, s)
		p.botToGroup[s] = g.ID
		s.SetProxyGroupID(g.ID)
		count++
	}
}

// MaxConcurrency is the theoretical ceiling across every group, used by the
// request queue to size its concurrency (spec.md §4.4).
func (p *Pool) MaxConcurrency() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, g := range p.groups {
		total += p.maxRequestsPerProxy
	}
	return total
}

// CanAcceptMoreRequests reports whether any group currently admits a new
// request and has a ready, non-busy session to serve it.
func (p *Pool) CanAcceptMoreRequests() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for _, g := range p.groups {
		if g.admits(now, p.maxRequestsPerProxy, p.requestCooldown) && g.hasAvailableSession() {
			return true
		}
	}
	return false
}

// GetAvailableBot selects a session per the named strategy, atomically
// incrementing the winning group's counters (spec.md §4.2 "Selection").
func (p *Pool) GetAvailableBot(strategy Strategy) (*upstream.Session, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()

	switch strategy {
	case StrategyRoundRobin:
		n := len(p.groups)
		for i := 0; i < n; i++ {
			idx := (p.cursor + i) % n
			g := p.groups[idx]
			if g.admits(now, p.maxRequestsPerProxy, p.requestCooldown) {
				if s := g.availableSession(); s != nil {
					p.cursor = (idx + 1) % n
					p.admitLocked(g, now)
					return s, g.ID, nil
				}
			}
		}
		return nil, 0, ErrNoAvailableBot
	default: // least_loaded
		var best *Group
		var bestSession *upstream.Session
		bestLoad := math.Inf(1)
		for _, g := range p.groups {
			if !g.admits(now, p.maxRequestsPerProxy, p.requestCooldown) {
				continue
			}
			s := g.availableSession()
			if s == nil {
				continue
			}
			load := float64(g.ActiveRequests) / math.Max(1, float64(len(g.Sessions)))
			if load < bestLoad {
				bestLoad = load
				best = g
				bestSession = s
			}
		}
		if best == nil {
			return nil, 0, ErrNoAvailableBot
		}
		p.admitLocked(best, now)
		return bestSession, best.ID, nil
	}
}

func (p *Pool) admitLocked(g *Group, now time.Time) {
	g.ActiveRequests++
	g.TotalRequests++
	g.LastRequestAt = now
}

// Release returns a session's slot to its group after its inspect
// completes (successfully or not).
func (p *Pool) Release(s *upstream.Session, success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	gid, ok := p.botToGroup[s]
	if !ok {
		return
	}
	g := p.groupByIDLocked(gid)
	if g == nil {
		return
	}
	if g.ActiveRequests > 0 {
		g.ActiveRequests--
	}
	if !success {
		g.Failures++
	}
}

// RecordLoginSuccess clears the session's retry counter and credits its
// group's successfulLogins (spec.md §4.2 "Success accounting").
func (p *Pool) RecordLoginSuccess(s *upstream.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gid, ok := p.botToGroup[s]; ok {
		if g := p.groupByIDLocked(gid); g != nil {
			g.SuccessfulLogins++
		}
	}
	delete(p.botRetryCount, s)
}

// RecordLoginFailure implements spec.md §4.2 "Health and reassignment".
func (p *Pool) RecordLoginFailure(s *upstream.Session, reason upstream.FailureReason) RetryDecision {
	p.mu.Lock()
	defer p.mu.Unlock()

	gid, hasGroup := p.botToGroup[s]
	var g *Group
	if hasGroup {
		g = p.groupByIDLocked(gid)
	}
	if g != nil {
		g.Failures++
		if reason != upstream.ReasonSteamGuard {
			g.LoginFailures++
			p.updateHealthLocked(g)
		}
	}

	if !p.retry.Enabled || p.botRetryCount[s] >= p.retry.MaxRetries {
		return RetryDecision{ShouldRetry: false}
	}
	p.botRetryCount[s]++
	retryCount := p.botRetryCount[s]

	delay := p.retry.RetryDelay
	if reason == upstream.ReasonSteamGuard {
		delay = 10 * time.Second
	}

	var newGroup *Group
	if hasGroup {
		newGroup = p.pickReassignmentLocked(gid)
	}
	if newGroup != nil {
		p.unbindLocked(s, gid)
		p.bindLocked(s, newGroup)
		s.SetProxyGroupID(newGroup.ID)
		return RetryDecision{ShouldRetry: true, NewProxyURL: newGroup.ProxyURL, RetryDelay: delay, RetryCount: retryCount}
	}
	return RetryDecision{ShouldRetry: true, RetryDelay: delay, RetryCount: retryCount}
}

func (p *Pool) updateHealthLocked(g *Group) {
	if g.LoginFailures > 5 && g.SuccessRate() < 0.3 {
		p.failedProxies[g.ID] = true
	}
}

func (p *Pool) pickReassignmentLocked(excludeID int) *Group {
	var candidates []*Group
	for _, g := range p.groups {
		if g.ID == excludeID {
			continue
		}
		if p.retry.ExcludeFailed && p.failedProxies[g.ID] {
			continue
		}
		if len(g.Sessions) >= p.maxRequestsPerProxy {
			continue
		}
		candidates = append(candidates, g)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		bi := math.Floor(candidates[i].SuccessRate()*10) / 10
		bj := math.Floor(candidates[j].SuccessRate()*10) / 10
		if bi != bj {
			return bi > bj
		}
		return len(candidates[i].Sessions) < len(candidates[j].Sessions)
	})
	return candidates[0]
}

func (p *Pool) unbindLocked(s *upstream.Session, gid int) {
	if g := p.groupByIDLocked(gid); g != nil {
		for i, bound := range g.Sessions {
			if bound == s {
				g.Sessions = append(g.Sessions[:i], g.Sessions[i+1:]...)
				break
			}
		}
	}
	delete(p.botToGroup, s)
}

func (p *Pool) bindLocked(s *upstream.Session, g *Group) {
	g.Sessions = append(g.Sessions, s)
	p.botToGroup[s] = g.ID
}

func (p *Pool) groupByIDLocked(id int) *Group {
	for _, g := range p.groups {
		if g.ID == id {
			return g
		}
	}
	return nil
}

// FailedGroupIDs returns the ids currently marked failed, for /stats.
func (p *Pool) FailedGroupIDs() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]int, 0, len(p.failedProxies))
	for id := range p.failedProxies {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
