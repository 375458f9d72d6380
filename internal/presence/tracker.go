package presence

import (
	"context"
	"time"

	"go.uber.org/zap"

	"tripsync/internal/metrics"
	"tripsync/internal/relay"
	"tripsync/internal/session"
	"tripsync/pkg/types"
)

// RosterSource lists the current members of a room
type RosterSource interface {
	Roster(roomID string) []types.Member
}

// Tracker derives presence from room membership changes and announces
// them through the relay
type Tracker struct {
	relay  *relay.Relay
	roster RosterSource
	logger *zap.Logger
	now    func() time.Time
}

// NewTracker creates a presence tracker
func NewTracker(r *relay.Relay, roster RosterSource, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{relay: r, roster: roster, logger: logger, now: time.Now}
}

// Joined tells the existing members of tripID that the session arrived and
// returns the room-state frame for the entrant. The entrant does not
// receive its own joined notification.
func (t *Tracker) Joined(ctx context.Context, sessionID, userID, tripID string) (*types.RoomStateFrame, relay.Result) {
	result := t.announce(ctx, types.PresenceJoined, sessionID, userID, tripID)
	return &types.RoomStateFrame{
		Type:      types.FrameRoomState,
		TripID:    tripID,
		SessionID: sessionID,
		Members:   t.Roster(tripID),
	}, result
}

// Left tells the remaining members of tripID that the session is gone
func (t *Tracker) Left(ctx context.Context, sessionID, userID, tripID string) relay.Result {
	return t.announce(ctx, types.PresenceLeft, sessionID, userID, tripID)
}

// Apply announces whatever a session transition implies: left for the room
// it exited, joined for the room it entered. The returned frame is non-nil
// only when a room was entered.
func (t *Tracker) Apply(ctx context.Context, tr session.Transition) *types.RoomStateFrame {
	if !tr.Changed() {
		return nil
	}
	if tr.From != "" {
		t.Left(ctx, tr.SessionID, tr.UserID, tr.From)
	}
	if tr.To == "" {
		return nil
	}
	state, _ := t.Joined(ctx, tr.SessionID, tr.UserID, tr.To)
	return state
}

// Roster returns the members of tripID connected to this instance. With
// the cluster bridge enabled, peers on other instances are announced
// through peer-presence but never listed here.
func (t *Tracker) Roster(tripID string) []types.Member {
	return t.roster.Roster(tripID)
}

func (t *Tracker) announce(ctx context.Context, kind types.PresenceKind, sessionID, userID, tripID string) relay.Result {
	n := types.PresenceNotification{
		Kind:      kind,
		UserID:    userID,
		SessionID: sessionID,
		TripID:    tripID,
		Timestamp: t.now().UTC(),
	}
	result := t.relay.Announce(ctx, n)
	metrics.PresenceEmitted(string(kind))

	t.logger.Info("presence",
		zap.String("kind", string(kind)),
		zap.String("session_id", sessionID),
		zap.String("user_id", userID),
		zap.String("trip_id", tripID),
		zap.Int("notified", result.Delivered))
	return result
}
