package websocket

import "errors"

// Connection errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("send buffer full")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)
