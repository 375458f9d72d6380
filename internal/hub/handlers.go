package hub

import (
	"context"

	"go.uber.org/zap"

	"tripsync/internal/session"
	"tripsync/pkg/types"
)

func (h *Hub) handleAuthenticate(ctx context.Context, msg *Inbound) error {
	if err := h.sessions.Bind(msg.SessionID, msg.Identity); err != nil {
		return err
	}
	return h.relay.SendTo(msg.SessionID, &types.AuthenticatedFrame{
		Type:      types.FrameAuthenticated,
		UserID:    msg.Identity.UserID,
		SessionID: msg.SessionID,
	})
}

func (h *Hub) handleJoinRoom(ctx context.Context, msg *Inbound) error {
	tr, err := h.sessions.SetRoom(msg.SessionID, msg.Frame.TripID)
	if err != nil {
		return err
	}

	state := h.presence.Apply(ctx, tr)
	if state == nil {
		// already in this room; resend the roster so the client can resync
		state = h.roomState(msg.SessionID, tr.To)
	}
	if err := h.relay.SendTo(msg.SessionID, state); err != nil {
		h.logger.Debug("room state not delivered",
			zap.String("session_id", msg.SessionID),
			zap.Error(err))
	}
	return nil
}

func (h *Hub) handleLeaveRoom(ctx context.Context, msg *Inbound) error {
	tr, err := h.sessions.LeaveRoom(msg.SessionID)
	if err != nil {
		return err
	}
	h.presence.Apply(ctx, tr)
	return nil
}

// handleEdit relays edit-event and presence-cursor frames. Both must name
// the room the session is currently in.
func (h *Hub) handleEdit(ctx context.Context, msg *Inbound) error {
	s, ok := h.sessions.Get(msg.SessionID)
	if !ok {
		return session.ErrSessionNotFound
	}
	if s.UserID == "" {
		return session.ErrUnauthenticated
	}
	if s.RoomID == "" || s.RoomID != msg.Frame.TripID {
		return ErrNotInRoom
	}

	event := types.EventFromFrame(msg.Frame)
	_, _, err := h.relay.Publish(ctx, msg.SessionID, s.RoomID, event)
	return err
}

func (h *Hub) handleDisconnect(ctx context.Context, msg *Inbound) error {
	h.relay.ForgetSender(msg.SessionID)

	tr, ok := h.sessions.Unbind(msg.SessionID)
	if !ok {
		return nil
	}
	h.presence.Apply(ctx, tr)
	return nil
}

func (h *Hub) roomState(sessionID, tripID string) *types.RoomStateFrame {
	return &types.RoomStateFrame{
		Type:      types.FrameRoomState,
		TripID:    tripID,
		SessionID: sessionID,
		Members:   h.presence.Roster(tripID),
	}
}
