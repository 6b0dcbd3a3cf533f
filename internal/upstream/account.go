// Package upstream implements C1, the UpstreamSession abstraction: a single
// authenticated upstream client session bound to an outbound proxy.
//
// The upstream wire protocol itself (Steam networking, the game-coordinator
// handshake) is treated as an external collaborator and modeled behind the
// Transport interface — this package owns the readiness state machine,
// failure classification, inspect bookkeeping, and reply normalization that
// sit on top of it.
package upstream

import (
	"bufio"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base32"
	"encoding/binary"
	"os"
	"strings"
	"time"
)

// Account is the immutable identity bound to one Session.
type Account struct {
	Username string
	Password string

	// AuthSecret is optional. A value of 5 characters or fewer is a static
	// Steam Guard code sent verbatim; anything longer is treated as a
	// base32 shared secret and a time-based one-time code is derived from
	// it on every login attempt.
	AuthSecret string
}

// LoadAccountFile reads one account per line as "username:password" or
// "username:password:authsecret", skipping blank lines, the same tolerant
// file format proxypool.LoadProxyFile uses for proxy lists. Returns nil
// (never an error) on a missing file so the caller can fall back to
// DynamoDB-sourced accounts.
func LoadAccountFile(path string) []Account {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var accounts []Account
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 3)
		a := Account{Username: parts[0]}
		if len(parts) > 1 {
			a.Password = parts[1]
		}
		if len(parts) > 2 {
			a.AuthSecret = parts[2]
		}
		accounts = append(accounts, a)
	}
	return accounts
}

// steamGuardAlphabet is Steam's proprietary alphabet for mobile
// authenticator codes. It is not part of RFC 6238 and isn't produced by a
// standard decimal-digit TOTP library, which is why the code derivation is
// hand-rolled against crypto/hmac+crypto/sha1 instead of wiring
// github.com/pquerna/otp, which only emits RFC 6238 decimal codes.
const steamGuardAlphabet = "23456789BCDFGHJKMNPQRTVWXY"

// OneTimeCode resolves the login code to send for this account: an explicit
// override always wins, then a short AuthSecret is sent as-is, then a long
// AuthSecret is treated as a shared secret and a fresh time-based code is
// derived from it.
func (a Account) OneTimeCode(override string, now time.Time) string {
	if override != "" {
		return override
	}
	if a.AuthSecret == "" {
		return ""
	}
	if len(a.AuthSecret) <= 5 {
		return a.AuthSecret
	}
	return steamGuardCode(a.AuthSecret, now)
}

// steamGuardCode derives Steam's 5-character mobile-authenticator code from
// a base32 shared secret at the given time, following the public
// time-step-30s / HMAC-SHA1 / dynamic-truncation algorithm shared with RFC
// 6238, but re-mapped onto Steam's 26-character alphabet instead of decimal
// digits.
func steamGuardCode(secret string, now time.Time) string {
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(normalizeSecret(secret))
	if err != nil {
		return ""
	}

	counter := uint64(now.Unix()) / 30
	var counterBytes [8]byte
	binary.BigEndian.PutUint64(counterBytes[:], counter)

	mac := hmac.New(sha1.New, key)
	mac.Write(counterBytes[:])
	digest := mac.Sum(nil)

	offset := digest[len(digest)-1] & 0x0F
	value := binary.BigEndian.Uint32(digest[offset:offset+4]) & 0x7FFFFFFF

	code := make([]byte, 5)
	for i := range code {
		code[i] = steamGuardAlphabet[value%uint32(len(steamGuardAlphabet))]
		value /= uint32(len(steamGuardAlphabet))
	}
	return string(code)
}

func normalizeSecret(secret string) string {
	out := make([]byte, 0, len(secret))
	for i := 0; i < len(secret); i++ {
		c := secret[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}
