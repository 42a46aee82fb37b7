package interfaces

import "tickstream/pkg/types"

// Subscriber is the write path of one connection as seen by the topic registry
type Subscriber interface {
	// ID returns the opaque connection identifier
	ID() string

	// Send enqueues a pre-encoded frame without blocking.
	// An error means the frame was not queued; the connection handles its own teardown.
	Send(data []byte) error
}

// Peer is a live client connection managed by the fan-out server
type Peer interface {
	Subscriber

	// Close starts the Closing transition; safe to call more than once
	Close() error

	// Info returns a point-in-time description of the connection
	Info() types.SessionInfo

	// AllowPublish reports whether a client publish fits the connection's publish budget
	AllowPublish() bool
}
