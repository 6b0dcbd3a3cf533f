// Package proxypool implements C2, the Proxy Pool Scheduler: partitions
// sessions across proxy groups, enforces per-proxy admission control,
// tracks proxy health, and reassigns sessions to healthy proxies on
// failure.
package proxypool

import (
	"time"

	"github.com/user/inspect-gateway/internal/upstream"
)

// Group is one outbound proxy plus the sessions bound to it (spec.md §3
// "ProxyGroup").
type Group struct {
	ID       int
	ProxyURL *string // nil means "no proxy"

	Sessions []*upstream.Session

	ActiveRequests   int
	TotalRequests    int64
	LastRequestAt    time.Time
	Failures         int64
	LoginFailures    int64
	SuccessfulLogins int64
}

// SuccessRate is successfulLogins / (successfulLogins + loginFailures),
// treated as 0 when the denominator is 0.
func (g *Group) SuccessRate() float64 {
	total := g.SuccessfulLogins + g.LoginFailures
	if total == 0 {
		return 0
	}
	return float64(g.SuccessfulLogins) / float64(total)
}

func (g *Group) admits(now time.Time, maxRequests int, cooldown time.Duration) bool {
	if g.ActiveRequests >= maxRequests {
		return false
	}
	if !g.LastRequestAt.IsZero() && now.Sub(g.LastRequestAt) < cooldown {
		return false
	}
	return true
}

func (g *Group) availableSession() *upstream.Session {
	for _, s := range g.Sessions {
		if s.Ready() && !s.Busy() {
			return s
		}
	}
	return nil
}

func (g *Group) hasAvailableSession() bool {
	return g.availableSession() != nil
}
