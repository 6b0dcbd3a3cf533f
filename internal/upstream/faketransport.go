package upstream

import (
	"context"
	"sync"
)

// FakeTransport is an in-memory Transport used by tests and local
// development, modeled on the Option/callback-driven CM client shape seen
// in the retrieved steam client examples (connect/logon/events), minus any
// real networking.
type FakeTransport struct {
	mu       sync.Mutex
	events   chan TransportEvent
	closed   bool
	proxyURL *string

	// ConnectErr, LogOnErr let tests force failures.
	ConnectErr error
	LogOnErr   error

	// AutoGCReady, when true, emits EventGCReady immediately after a
	// successful LogOn (skipping a separate license step).
	AutoGCReady bool
}

// NewFakeTransport builds a FakeTransport bound to proxyURL.
func NewFakeTransport(proxyURL *string) (Transport, error) {
	return &FakeTransport{
		events:      make(chan TransportEvent, 16),
		proxyURL:    proxyURL,
		AutoGCReady: true,
	}, nil
}

func (f *FakeTransport) Connect(ctx context.Context) error { return f.ConnectErr }

func (f *FakeTransport) LogOn(ctx context.Context, account Account, code string) error {
	if f.LogOnErr != nil {
		f.emit(TransportEvent{Kind: EventDisconnected, Failure: &LoginFailure{Message: f.LogOnErr.Error()}})
		return f.LogOnErr
	}
	f.emit(TransportEvent{Kind: EventLoggedOn})
	if f.AutoGCReady {
		f.emit(TransportEvent{Kind: EventGCReady})
	}
	return nil
}

func (f *FakeTransport) PlayGames(ctx context.Context, appIDs []uint32) error { return nil }

func (f *FakeTransport) SendInspect(ctx context.Context, owner, assetID, d string) error {
	return nil
}

func (f *FakeTransport) Events() <-chan TransportEvent { return f.events }

func (f *FakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.events)
	return nil
}

// Emit lets a test push an arbitrary event (e.g. a reply for an assetID, or
// a disconnect) into the transport's stream.
func (f *FakeTransport) Emit(ev TransportEvent) { f.emit(ev) }

func (f *FakeTransport) emit(ev TransportEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.events <- ev:
	default:
	}
}
