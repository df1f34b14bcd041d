// Package channel owns the physical hub↔relay connection: the transport
// abstraction, the websocket implementation used in deployments, an
// in-memory pipe for tests, and the Manager state machine that keeps the
// hub side of the link alive across relay restarts.
package channel

import "context"

// MessageConn is a single bidirectional message pipe. Implementations must
// allow one concurrent reader and one concurrent writer; Close unblocks
// both.
type MessageConn interface {
	// ReadMessage blocks until the next whole message arrives.
	ReadMessage() ([]byte, error)

	// WriteMessage sends one whole message.
	WriteMessage(data []byte) error

	// Close tears the pipe down. Pending reads and writes fail.
	Close() error
}

// Dialer opens a connection to the relay at the given URL. The Manager
// depends on this interface so reconnect logic is testable without a live
// socket.
type Dialer interface {
	DialContext(ctx context.Context, url string) (MessageConn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, url string) (MessageConn, error)

func (f DialerFunc) DialContext(ctx context.Context, url string) (MessageConn, error) {
	return f(ctx, url)
}
