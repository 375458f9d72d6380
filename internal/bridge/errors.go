package bridge

import "errors"

// Bridge errors
var (
	ErrBridgeNotRunning     = errors.New("bridge is not running")
	ErrBridgeAlreadyRunning = errors.New("bridge is already running")
	ErrOutboundFull         = errors.New("bridge outbound queue is full")
)
