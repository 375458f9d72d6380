package hub

import (
	"errors"

	"tripsync/internal/relay"
	"tripsync/internal/session"
	"tripsync/pkg/interfaces"
	"tripsync/pkg/types"
)

// Hub errors
var (
	ErrHubAlreadyRunning = errors.New("hub is already running")
	ErrHubNotRunning     = errors.New("hub is not running")
	ErrInboundQueueFull  = errors.New("inbound queue is full")
	ErrUnknownFrameType  = errors.New("no handler for frame type")
	ErrNotInRoom         = errors.New("session is not in the named trip room")
)

// ErrorFrameFor maps an error to the frame sent back to the client. It
// returns nil when the client should not be told anything.
func ErrorFrameFor(err error) *types.ErrorFrame {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrSessionNotFound):
		return nil
	case errors.Is(err, session.ErrUnauthenticated):
		return types.NewErrorFrame(types.CodeUnauthenticated, "authenticate before joining or editing a trip")
	case errors.Is(err, session.ErrAlreadyBound):
		return types.NewErrorFrame(types.CodeForbidden, "connection is already bound to another user")
	case errors.Is(err, interfaces.ErrAccessDenied), errors.Is(err, interfaces.ErrTripNotFound):
		return types.NewErrorFrame(types.CodeForbidden, "no access to this trip")
	case errors.Is(err, ErrNotInRoom), errors.Is(err, relay.ErrSenderNotInRoom):
		return types.NewErrorFrame(types.CodeNotInRoom, "join the trip before sending edits")
	case errors.Is(err, relay.ErrRateLimited):
		return types.NewErrorFrame(types.CodeRateLimited, "too many edits, slow down")
	case errors.Is(err, ErrInboundQueueFull):
		return types.NewErrorFrame(types.CodeBusy, "server is busy, retry shortly")
	default:
		return types.NewErrorFrame(types.CodeInvalidFrame, err.Error())
	}
}
