package interfaces

import (
	"encoding/json"

	"tickstream/pkg/types"
)

// RelayMessage is a broadcast crossing process boundaries through the broker
type RelayMessage struct {
	Origin string          `json:"origin"`
	Topic  string          `json:"topic,omitempty"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data,omitempty"`
	// All marks a broadcast to every connection rather than one topic
	All bool `json:"all,omitempty"`
}

// Relay republishes local broadcasts to peer processes.
// Implementations treat failures as non-fatal: callers only log them.
type Relay interface {
	Publish(msg RelayMessage) error
	Start(deliver func(RelayMessage)) error
	Close() error
}

// TokenValidator checks the optional bearer token presented at handshake
type TokenValidator interface {
	// Validate returns the token subject (user ID) or an error
	Validate(token string) (string, error)
}

// Journal records connection lifecycle events.
// Methods return without waiting on storage.
type Journal interface {
	ConnectionOpened(info types.SessionInfo)
	ConnectionClosed(info types.SessionInfo)
}
