package upstream

import "strings"

// FailureReason is the stable taxonomy produced for every upstream login or
// transport error; it drives the supervisor's and proxy pool's retry policy.
type FailureReason string

const (
	ReasonSteamGuard FailureReason = "steamguard"
	ReasonRateLimit  FailureReason = "ratelimit"
	ReasonProxy      FailureReason = "proxy"
	ReasonAuth       FailureReason = "auth"
	ReasonOther      FailureReason = "other"
)

// eresult mirrors the subset of Steam EResult codes the failure classifier
// cares about. The full enum lives in the upstream protocol, out of scope
// here; only the values referenced by spec.md's failure table are named.
type eresult int

const (
	eresultInvalidPassword            eresult = 61
	eresultAccountLogonDenied         eresult = 63
	eresultAccountDisabled            eresult = 66
	eresultAccountLoginDenied2        eresult = 65
	eresultRateLimitExceeded          eresult = 84
	eresultAccountLoginDeniedThrottle eresult = 87
)

// LoginFailure is the error surface an upstream login attempt produces.
type LoginFailure struct {
	EResult int
	Message string

	// InteractiveAuthNeeded is set by the transport when the upstream
	// protocol genuinely requires an operator-submitted code, distinct
	// from the steamguard false-positive reclassification above.
	InteractiveAuthNeeded bool
}

func (f *LoginFailure) Error() string { return f.Message }

// Classify maps a raw login failure onto the stable FailureReason taxonomy.
// Auth failures (eresult 61/66) are terminal; everything else is treated as
// retryable by the caller, subject to the proxy pool's retry policy.
func Classify(f *LoginFailure) FailureReason {
	if f == nil {
		return ReasonOther
	}

	r := eresult(f.EResult)
	switch r {
	case eresultAccountLogonDenied, eresultAccountLoginDenied2:
		return ReasonSteamGuard
	case eresultRateLimitExceeded, eresultAccountLoginDeniedThrottle:
		return ReasonRateLimit
	case eresultInvalidPassword, eresultAccountDisabled:
		return ReasonAuth
	}

	msg := strings.ToLower(f.Message)
	switch {
	case strings.Contains(msg, "ratelimitexceeded"), strings.Contains(msg, "accountlogindeniedthrottle"):
		return ReasonRateLimit
	case strings.Contains(msg, "steamguard"), strings.Contains(msg, "two-factor"), strings.Contains(msg, "2fa"):
		return ReasonSteamGuard
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "proxy "),
		strings.Contains(msg, "500 internal server error"),
		strings.Contains(msg, "self-signed certificate"):
		return ReasonProxy
	}
	return ReasonOther
}

// IsTerminal reports whether the reason should never be retried by the
// fleet supervisor (the account is moved to failedAccounts).
func (r FailureReason) IsTerminal() bool {
	return r == ReasonAuth
}

// RequiresInteractiveAuth reports whether the failure genuinely needs an
// operator-submitted code, as opposed to the steamguard false-positive path
// (spec.md §4.1/§4.3 "pendingAuth"). The upstream protocol surfaces this
// distinctly from the transient steamguard reclassification; we key off an
// explicit flag on LoginFailure rather than guessing from the message.
func (f *LoginFailure) RequiresInteractiveAuth() bool {
	return f != nil && f.InteractiveAuthNeeded
}
