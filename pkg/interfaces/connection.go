package interfaces

// Connection is the outbound half of a client connection as seen by the relay
type Connection interface {
	// WriteJSON queues v for delivery and returns immediately. A full queue or
	// closed connection is reported as an error; it never blocks the caller.
	WriteJSON(v interface{}) error

	// Close closes the connection and releases its writer
	Close() error
}
