package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"tripsync/internal/metrics"
	"tripsync/internal/presence"
	"tripsync/internal/relay"
	"tripsync/internal/session"
	"tripsync/pkg/types"
)

// frameDisconnect is the internal frame type queued when a transport closes
const frameDisconnect = "disconnect"

// DefaultQueueSize buffers inbound frames during edit bursts
const DefaultQueueSize = 1024

// Inbound is one unit of work for the dispatcher
type Inbound struct {
	SessionID string
	Frame     *types.InboundFrame

	// Identity is the result of verifying an authenticate frame's token in
	// the connection's read goroutine. Nil means verification failed.
	Identity *types.Identity

	Received time.Time
}

// HandlerFunc applies one inbound frame type
type HandlerFunc func(ctx context.Context, msg *Inbound) error

// Stats reports dispatcher activity
type Stats struct {
	Running   bool   `json:"running"`
	Queued    int    `json:"queued"`
	Processed uint64 `json:"processed"`
	Rejected  uint64 `json:"rejected"`
}

// Hub is the single dispatcher: frames are processed one at a time, in
// arrival order, by the handler registered for their type
type Hub struct {
	inbound  chan *Inbound
	shutdown chan struct{}
	done     chan struct{}

	sessions *session.Manager
	relay    *relay.Relay
	presence *presence.Tracker
	logger   *zap.Logger

	handlers map[string]HandlerFunc

	// procMu serialises handler execution between the run loop and
	// synchronous disconnect cleanup
	procMu sync.Mutex

	processed atomic.Uint64
	rejected  atomic.Uint64

	running bool
	mu      sync.RWMutex
}

// NewHub creates a dispatcher with the standard frame handlers
func NewHub(sessions *session.Manager, r *relay.Relay, tracker *presence.Tracker, queueSize int, logger *zap.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		inbound:  make(chan *Inbound, queueSize),
		sessions: sessions,
		relay:    r,
		presence: tracker,
		logger:   logger,
	}
	h.handlers = map[string]HandlerFunc{
		types.FrameAuthenticate:   h.handleAuthenticate,
		types.FrameJoinRoom:       h.handleJoinRoom,
		types.FrameLeaveRoom:      h.handleLeaveRoom,
		types.FrameEditEvent:      h.handleEdit,
		types.FramePresenceCursor: h.handleEdit,
		frameDisconnect:           h.handleDisconnect,
	}
	return h
}

// Start begins processing in a new goroutine
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.shutdown = make(chan struct{})
	h.done = make(chan struct{})

	h.logger.Info("starting dispatcher", zap.Int("queue_size", cap(h.inbound)))
	go h.run(ctx, h.shutdown, h.done)
	return nil
}

// Stop ends processing and waits for the run loop to exit. Frames still
// queued are discarded except disconnects, which are applied.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdown)
	done := h.done
	h.mu.Unlock()

	<-done
	h.drainDisconnects()

	h.logger.Info("dispatcher stopped")
	return nil
}

// IsRunning reports whether the run loop is active
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Submit queues a frame without blocking
func (h *Hub) Submit(msg *Inbound) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.running {
		return ErrHubNotRunning
	}
	if msg.Received.IsZero() {
		msg.Received = time.Now()
	}

	select {
	case h.inbound <- msg:
		return nil
	default:
		return ErrInboundQueueFull
	}
}

// Disconnect tears down a session. It is queued behind the session's
// earlier frames when possible and applied directly otherwise, so it is
// never lost.
func (h *Hub) Disconnect(sessionID string) {
	msg := &Inbound{
		SessionID: sessionID,
		Frame:     &types.InboundFrame{Type: frameDisconnect},
		Received:  time.Now(),
	}
	if err := h.Submit(msg); err == nil {
		return
	}

	h.logger.Debug("applying disconnect directly", zap.String("session_id", sessionID))
	h.process(context.Background(), msg)
}

// GetStats returns dispatcher counters
func (h *Hub) GetStats() Stats {
	return Stats{
		Running:   h.IsRunning(),
		Queued:    len(h.inbound),
		Processed: h.processed.Load(),
		Rejected:  h.rejected.Load(),
	}
}

func (h *Hub) run(ctx context.Context, shutdown, done chan struct{}) {
	defer close(done)

	for {
		select {
		case msg := <-h.inbound:
			h.process(ctx, msg)
		case <-shutdown:
			return
		case <-ctx.Done():
			h.mu.Lock()
			if h.running {
				h.running = false
				close(h.shutdown)
			}
			h.mu.Unlock()
			h.drainDisconnects()
			return
		}
	}
}

func (h *Hub) drainDisconnects() {
	for {
		select {
		case msg := <-h.inbound:
			if msg.Frame != nil && msg.Frame.Type == frameDisconnect {
				h.process(context.Background(), msg)
			}
		default:
			return
		}
	}
}

// process runs the handler for msg and turns a failure into an error
// frame for the sender
func (h *Hub) process(ctx context.Context, msg *Inbound) {
	h.procMu.Lock()
	defer h.procMu.Unlock()
	defer h.processed.Add(1)

	var err error
	if msg.Frame == nil {
		err = types.ErrInvalidFrameType
	} else if handler, ok := h.handlers[msg.Frame.Type]; ok {
		err = handler(ctx, msg)
	} else {
		err = ErrUnknownFrameType
	}
	if err == nil {
		return
	}

	h.rejected.Add(1)
	h.logger.Debug("frame rejected",
		zap.String("session_id", msg.SessionID),
		zap.String("type", frameType(msg)),
		zap.Error(err))
	h.Reject(msg.SessionID, err)
}

// Reject sends the error frame for err to a session, if there is one
func (h *Hub) Reject(sessionID string, err error) {
	frame := ErrorFrameFor(err)
	if frame == nil {
		return
	}
	metrics.FrameRejected(frame.Code)
	_ = h.relay.SendTo(sessionID, frame)
}

func frameType(msg *Inbound) string {
	if msg.Frame == nil {
		return ""
	}
	return msg.Frame.Type
}
