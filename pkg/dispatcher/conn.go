// Package dispatcher translates decoded wire frames into calls against
// pkg/bus, one instance per connection.
package dispatcher

// Conn is the transport-agnostic surface a Dispatcher drives. A transport
// (transport/grpcstream, or a fake in tests) adapts its own stream type to
// this interface.
type Conn interface {
	// ReadFrame blocks for the next client frame. It returns the raw bytes
	// undecoded so the Dispatcher can distinguish INVALID_JSON from a
	// transport failure.
	ReadFrame() ([]byte, error)
	// WriteFrame sends one server frame: an InfoFrame, AckFrame, EventFrame,
	// ErrorFrame or PongFrame from pkg/protocol.
	WriteFrame(v any) error
	Close() error
}
