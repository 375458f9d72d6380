package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tripsync/internal/metrics"
	"tripsync/internal/registry"
	"tripsync/pkg/interfaces"
	"tripsync/pkg/types"
)

// Result summarises one fan-out. Recipients is the member count minus the
// excluded session; Delivered + Dropped == Recipients.
type Result struct {
	Recipients int `json:"recipients"`
	Delivered  int `json:"delivered"`
	Dropped    int `json:"dropped"`
}

// Relay stamps edit events with provenance and fans them out to the other
// members of a trip room. Delivery is best-effort: a recipient that cannot
// take a frame is skipped and never reported to the sender.
type Relay struct {
	registry *registry.Registry
	sessions interfaces.SessionDirectory
	limiter  *RateLimiter
	logger   *zap.Logger
	now      func() time.Time

	mu     sync.RWMutex
	bridge interfaces.Bridge
}

// New creates a relay. limiter may be nil to disable rate limiting.
func New(reg *registry.Registry, sessions interfaces.SessionDirectory, limiter *RateLimiter, logger *zap.Logger) *Relay {
	if limiter == nil {
		limiter = NewRateLimiter(0, time.Minute)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		registry: reg,
		sessions: sessions,
		limiter:  limiter,
		logger:   logger,
		now:      time.Now,
	}
}

// SetBridge attaches the cluster bridge. Passing nil detaches it.
func (r *Relay) SetBridge(b interfaces.Bridge) {
	r.mu.Lock()
	r.bridge = b
	r.mu.Unlock()
}

// Limiter exposes the rate limiter for maintenance jobs
func (r *Relay) Limiter() *RateLimiter {
	return r.limiter
}

// Publish stamps event with the sender's identity, a server timestamp and
// an event ID, then delivers it to every member of roomID except the
// sender. The stamped event is returned.
func (r *Relay) Publish(ctx context.Context, senderSessionID, roomID string, event types.EditEvent) (types.EditEvent, Result, error) {
	sender, ok := r.sessions.Participant(senderSessionID)
	if !ok || sender.RoomID != roomID {
		return types.EditEvent{}, Result{}, ErrSenderNotInRoom
	}
	if !r.limiter.Allow(senderSessionID) {
		return types.EditEvent{}, Result{}, ErrRateLimited
	}

	event.ID = uuid.New().String()
	event.TripID = roomID
	event.AuthorUserID = sender.UserID
	event.AuthorSessionID = sender.SessionID
	event.Timestamp = r.now().UTC()

	result := r.Broadcast(roomID, senderSessionID, types.NewPeerEditFrame(event))
	metrics.EventPublished(string(event.Kind))

	stamped := event
	r.forward(ctx, &types.ClusterEnvelope{
		Kind:   types.EnvelopeEdit,
		TripID: roomID,
		Edit:   &stamped,
	})

	r.logger.Debug("edit relayed",
		zap.String("session_id", senderSessionID),
		zap.String("user_id", sender.UserID),
		zap.String("trip_id", roomID),
		zap.String("kind", string(event.Kind)),
		zap.Int("delivered", result.Delivered),
		zap.Int("dropped", result.Dropped))
	return event, result, nil
}

// Announce delivers a presence notification to every member of its room
// except the session it describes, and forwards it to the cluster.
func (r *Relay) Announce(ctx context.Context, n types.PresenceNotification) Result {
	result := r.Broadcast(n.TripID, n.SessionID, types.NewPeerPresenceFrame(n))

	notification := n
	r.forward(ctx, &types.ClusterEnvelope{
		Kind:     types.EnvelopePresence,
		TripID:   n.TripID,
		Presence: &notification,
	})
	return result
}

// DeliverRemote fans out an envelope received from another instance to the
// local members of its room. The author session is excluded in case it is
// also known locally.
func (r *Relay) DeliverRemote(env *types.ClusterEnvelope) (Result, error) {
	if env == nil || !types.IsValidTripID(env.TripID) {
		return Result{}, ErrInvalidEnvelope
	}

	switch env.Kind {
	case types.EnvelopeEdit:
		if env.Edit == nil || env.Edit.TripID != env.TripID {
			return Result{}, ErrInvalidEnvelope
		}
		return r.Broadcast(env.TripID, env.Edit.AuthorSessionID, types.NewPeerEditFrame(*env.Edit)), nil
	case types.EnvelopePresence:
		if env.Presence == nil || env.Presence.TripID != env.TripID {
			return Result{}, ErrInvalidEnvelope
		}
		return r.Broadcast(env.TripID, env.Presence.SessionID, types.NewPeerPresenceFrame(*env.Presence)), nil
	default:
		return Result{}, ErrInvalidEnvelope
	}
}

// Broadcast writes frame to each member of roomID other than
// excludeSessionID. Every send is an independent non-blocking enqueue.
func (r *Relay) Broadcast(roomID, excludeSessionID string, frame interface{}) Result {
	var result Result
	for _, sessionID := range r.registry.MembersOf(roomID) {
		if sessionID == excludeSessionID {
			continue
		}
		result.Recipients++

		if err := r.deliver(sessionID, frame); err != nil {
			result.Dropped++
			continue
		}
		result.Delivered++
	}

	metrics.Delivered(result.Delivered)
	metrics.Dropped(result.Dropped)
	return result
}

// SendTo writes a frame to a single session, used for replies such as
// room-state and error frames
func (r *Relay) SendTo(sessionID string, frame interface{}) error {
	return r.deliver(sessionID, frame)
}

// ForgetSender releases rate limiter state for a disconnected session
func (r *Relay) ForgetSender(sessionID string) {
	r.limiter.Forget(sessionID)
}

func (r *Relay) deliver(sessionID string, frame interface{}) error {
	p, ok := r.sessions.Participant(sessionID)
	if !ok || p.Conn == nil {
		return ErrRecipientUnavailable
	}

	if err := p.Conn.WriteJSON(frame); err != nil {
		r.logger.Debug("delivery dropped",
			zap.String("session_id", sessionID),
			zap.Error(err))
		if errors.Is(err, ErrRecipientUnavailable) {
			return err
		}
		return errors.Join(ErrRecipientUnavailable, err)
	}
	return nil
}

func (r *Relay) forward(ctx context.Context, env *types.ClusterEnvelope) {
	r.mu.RLock()
	b := r.bridge
	r.mu.RUnlock()
	if b == nil {
		return
	}

	if err := b.Forward(ctx, env); err != nil {
		r.logger.Warn("cluster forward failed",
			zap.String("trip_id", env.TripID),
			zap.String("kind", env.Kind),
			zap.Error(err))
	}
}
