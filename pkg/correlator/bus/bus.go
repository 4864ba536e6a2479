// Package bus abstracts the pub/sub transport the correlator sits on.
//
// The engine only needs subject-based publish/subscribe plus connection
// lifecycle callbacks; durability is the transport's concern. NATSBus
// is the production transport, LocalBus the in-memory one for tests.
package bus

import (
	"context"
	"errors"
)

// Handler consumes one inbound message.
type Handler func(data []byte)

// ErrNotConnected is returned when publishing without a connection.
// The dispatcher treats it as retryable.
var ErrNotConnected = errors.New("bus: not connected")

// Bus is the transport contract.
type Bus interface {
	// Publish sends data on a subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for a subject.
	Subscribe(subject string, h Handler) error

	// Connected reports whether the transport is usable.
	Connected() bool

	// OnConnectionUp registers a callback fired when the connection
	// becomes ready (including reconnects).
	OnConnectionUp(fn func())

	// OnConnectionDown registers a callback fired when the connection
	// is lost.
	OnConnectionDown(fn func())

	// Close tears the transport down.
	Close() error
}
