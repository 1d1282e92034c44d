// Package transport provides the bidirectional event socket the session layer
// is built on: connect, subscribe to events, emit with optional
// acknowledgement, disconnect, and reconnect automatically with backoff.
package transport

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrNotConnected = errors.New("socket not connected")
	ErrClosed       = errors.New("socket closed")
	ErrDisconnected = errors.New("connection lost before acknowledgement")
)

// Handler receives the raw payload of a server event.
type Handler func(data json.RawMessage)

// AckFunc receives the acknowledgement payload of an emit, or an error when
// the connection dropped before the server answered.
type AckFunc func(data json.RawMessage, err error)

// Socket is the transport abstraction. Handlers run on the socket's reader
// goroutine in arrival order and must not block on another acknowledgement.
type Socket interface {
	// Connect starts connecting in the background. Failures are reported to
	// OnConnectError handlers and retried with backoff until Disconnect.
	Connect(ctx context.Context) error
	Disconnect() error
	Connected() bool

	On(event string, h Handler)
	OnConnect(fn func())
	OnDisconnect(fn func(err error))
	OnConnectError(fn func(err error))

	Emit(event string, data any, ack AckFunc) error
}
