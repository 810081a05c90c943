// Package engine defines the boundary to the wire-level media engine. The
// registry only ever references engine connections through Session handles;
// the engine owns the connections themselves.
package engine

import "context"

// Session is a handle to one live connection (publisher or viewer) inside the
// media engine. Byte counters are cumulative and monotonically non-decreasing
// for the lifetime of the connection.
type Session interface {
	// ID returns the engine's stable identifier for the connection.
	ID() string
	// BytesIn reports cumulative bytes received from a publisher.
	BytesIn(ctx context.Context) (uint64, error)
	// BytesOut reports cumulative bytes sent to a viewer.
	BytesOut(ctx context.Context) (uint64, error)
	// Terminate closes the underlying connection. Terminating an already
	// closed connection is not an error.
	Terminate(ctx context.Context) error
}

// Controller resolves Session handles from engine connection identifiers.
type Controller interface {
	// Handle returns a Session handle for the identifier. The handle may be
	// created before the engine reports the connection as established;
	// counter reads on a connection the engine no longer knows fail instead.
	Handle(id string) Session
}

// NoopController is used when no engine endpoint is configured; handles it
// returns report zero counters and terminate successfully.
type NoopController struct{}

func (NoopController) Handle(id string) Session { return noopSession{id: id} }

type noopSession struct {
	id string
}

func (s noopSession) ID() string { return s.id }

func (s noopSession) BytesIn(ctx context.Context) (uint64, error) { return 0, nil }

func (s noopSession) BytesOut(ctx context.Context) (uint64, error) { return 0, nil }

func (s noopSession) Terminate(ctx context.Context) error { return nil }
