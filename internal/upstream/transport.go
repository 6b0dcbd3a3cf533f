package upstream

import "context"

// Transport is the opaque upstream capability a Session drives: a single
// authenticated connection to the upstream network plus its
// game-coordinator channel. The real implementation (Steam CM + GC
// protocol) is out of scope for this module; production wires a concrete
// Transport the way other pack examples wire a CM client (compare
// steamclient.Client's Option/callback shape in the retrieved examples).
// Tests and local development use the in-memory FakeTransport below.
type Transport interface {
	// Connect establishes the underlying network connection through
	// whatever proxy this transport was constructed with.
	Connect(ctx context.Context) error

	// LogOn authenticates using the account and resolved one-time code.
	// Emits TransportEvents on the channel returned by Events as the
	// login progresses (loggedOn, gcReady) or fails (disconnected).
	LogOn(ctx context.Context, account Account, code string) error

	// PlayGames forces a game-coordinator handshake by announcing the
	// given app IDs are being played (spec.md: "games played [] then
	// [730]").
	PlayGames(ctx context.Context, appIDs []uint32) error

	// SendInspect issues a single inspect request identified by owner,
	// asset id, and d-token; the reply (or lack thereof) surfaces as a
	// TransportEvent carrying the matching asset id.
	SendInspect(ctx context.Context, owner, assetID, d string) error

	// Events returns the transport's lifecycle/reply stream. Closed when
	// the transport is torn down.
	Events() <-chan TransportEvent

	// Close tears down the connection. Safe to call multiple times.
	Close() error
}

// TransportEventKind enumerates the signals a Transport can emit.
type TransportEventKind int

const (
	EventLoggedOn TransportEventKind = iota
	EventGCReady
	EventGCDisconnected
	EventDisconnected
	EventInspectReply
)

// TransportEvent is a single lifecycle or reply signal from a Transport.
type TransportEvent struct {
	Kind TransportEventKind

	// Populated on EventDisconnected.
	Failure *LoginFailure

	// Populated on EventInspectReply.
	AssetID string
	Raw     map[string]any
}

// TransportFactory builds a fresh Transport bound to the given proxy URL
// (nil means no proxy). A Session calls this every time UpdateProxy is
// invoked, tearing down the old transport first.
type TransportFactory func(proxyURL *string) (Transport, error)
