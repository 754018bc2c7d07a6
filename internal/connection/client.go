package connection

import "context"

// Events carries the callbacks a client uses to report asynchronous
// protocol outcomes back to the manager. Callbacks may fire from any
// goroutine.
type Events struct {
	// OnPaired fires when a QR pairing handshake completes. The blob is
	// the serialized credential material to persist for reconnects.
	OnPaired func(sessionBlob []byte)
	// OnDisconnected fires when an established connection drops
	// unexpectedly.
	OnDisconnected func(reason error)
}

// Client is the underlying messaging-protocol client for one bot. The
// manager owns exactly one per actively-managed bot and is the only
// caller; implementations do not need to be safe for concurrent use.
type Client interface {
	// Restore attempts a silent handshake using previously saved session
	// material. It may be called again after a disconnect.
	Restore(ctx context.Context, sessionBlob []byte) error
	// StartPairing begins a QR pairing handshake and returns the pairing
	// payload. Completion is reported through Events.OnPaired.
	StartPairing(ctx context.Context) (string, error)
	// Ping probes protocol-level liveness of the current session.
	Ping(ctx context.Context) error
	// Disconnect tears the connection down. Safe to call at any point,
	// including mid-handshake.
	Disconnect()
}

// ClientFactory constructs protocol clients. Construction failure is a
// retryable condition, not fatal.
type ClientFactory interface {
	New(botID string, events Events) (Client, error)
}
