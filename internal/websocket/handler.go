package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tripsync/internal/hub"
	"tripsync/internal/metrics"
	"tripsync/internal/session"
	"tripsync/pkg/interfaces"
	"tripsync/pkg/types"
)

// Options tunes the transport
type Options struct {
	SendBuffer      int
	WriteTimeout    time.Duration
	PongWait        time.Duration
	PingInterval    time.Duration
	MaxMessageBytes int64
	AllowedOrigins  []string

	// EnforceAccess consults the access checker before join-room frames
	// reach the dispatcher
	EnforceAccess bool
	AccessTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait * 9 / 10
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 2 * types.MaxPayloadBytes
	}
	if o.AccessTimeout <= 0 {
		o.AccessTimeout = 2 * time.Second
	}
	return o
}

// Handler upgrades HTTP requests to websocket connections and feeds their
// frames to the dispatcher
type Handler struct {
	hub      *hub.Hub
	sessions *session.Manager
	auth     interfaces.Authenticator
	access   interfaces.AccessChecker
	opts     Options
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHandler creates a websocket handler. access may be nil.
func NewHandler(h *hub.Hub, sessions *session.Manager, auth interfaces.Authenticator, access interfaces.AccessChecker, opts Options, logger *zap.Logger) *Handler {
	opts = opts.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	handler := &Handler{
		hub:      h,
		sessions: sessions,
		auth:     auth,
		access:   access,
		opts:     opts,
		logger:   logger,
	}
	handler.upgrader = websocket.Upgrader{
		CheckOrigin:      handler.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
	return handler
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// TokenFromRequest returns the bearer token from the Authorization header
// or the token query parameter
func TokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

// HandleWebSocket serves GET /ws. A token on the request binds the session
// straight away; without one the client must send an authenticate frame.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := TokenFromRequest(r)

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := NewConnection(ws, h.opts)
	sessionID := h.sessions.Connect(conn)
	metrics.ConnectionOpened()

	h.logger.Info("connection opened",
		zap.String("session_id", sessionID),
		zap.String("remote_addr", r.RemoteAddr))

	if token != "" {
		h.authenticate(conn, sessionID, &types.InboundFrame{Type: types.FrameAuthenticate, Token: token})
	}

	go h.readLoop(conn, sessionID)
}

// readLoop owns all reads for one connection. It exits on any read error
// and always hands the disconnect to the dispatcher.
func (h *Handler) readLoop(conn *Connection, sessionID string) {
	defer func() {
		h.hub.Disconnect(sessionID)
		_ = conn.Close()
		metrics.ConnectionClosed()
		h.logger.Info("connection closed", zap.String("session_id", sessionID))
	}()

	ws := conn.conn
	ws.SetReadLimit(h.opts.MaxMessageBytes)
	if err := ws.SetReadDeadline(time.Now().Add(h.opts.PongWait)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	})

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Debug("websocket read error",
					zap.String("session_id", sessionID),
					zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		h.handleFrame(conn, sessionID, data)
	}
}

func (h *Handler) handleFrame(conn *Connection, sessionID string, data []byte) {
	var frame types.InboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		h.reply(conn, types.NewErrorFrame(types.CodeInvalidFrame, "frame must be a JSON object"))
		return
	}
	if err := frame.Validate(); err != nil {
		h.reply(conn, types.NewErrorFrame(types.CodeInvalidFrame, err.Error()))
		return
	}

	switch frame.Type {
	case types.FrameAuthenticate:
		h.authenticate(conn, sessionID, &frame)
		return
	case types.FrameJoinRoom:
		if err := h.checkAccess(conn, frame.TripID); err != nil {
			h.logger.Info("join denied",
				zap.String("session_id", sessionID),
				zap.String("user_id", conn.UserID()),
				zap.String("trip_id", frame.TripID),
				zap.Error(err))
			h.reply(conn, hub.ErrorFrameFor(err))
			return
		}
	}

	h.submit(conn, &hub.Inbound{SessionID: sessionID, Frame: &frame})
}

// authenticate verifies the token here so the dispatcher never does
// crypto, and remembers the user for access checks on later frames
func (h *Handler) authenticate(conn *Connection, sessionID string, frame *types.InboundFrame) {
	identity, err := h.auth.Verify(frame.Token)
	if err != nil {
		h.logger.Debug("token rejected",
			zap.String("session_id", sessionID),
			zap.Error(err))
		identity = nil
	}
	if identity != nil && conn.UserID() == "" {
		conn.setUserID(identity.UserID)
	}

	h.submit(conn, &hub.Inbound{SessionID: sessionID, Frame: frame, Identity: identity})
}

func (h *Handler) checkAccess(conn *Connection, tripID string) error {
	if !h.opts.EnforceAccess || h.access == nil {
		return nil
	}
	userID := conn.UserID()
	if userID == "" {
		// the dispatcher answers unauthenticated
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.opts.AccessTimeout)
	defer cancel()

	err := h.access.CanAccessTrip(ctx, tripID, userID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, interfaces.ErrAccessDenied), errors.Is(err, interfaces.ErrTripNotFound):
		return err
	default:
		h.logger.Error("access check failed", zap.String("trip_id", tripID), zap.Error(err))
		return fmt.Errorf("%w: access store unavailable", interfaces.ErrAccessDenied)
	}
}

func (h *Handler) submit(conn *Connection, msg *hub.Inbound) {
	err := h.hub.Submit(msg)
	if err == nil {
		return
	}
	h.logger.Warn("frame not queued",
		zap.String("session_id", msg.SessionID),
		zap.String("type", msg.Frame.Type),
		zap.Error(err))
	h.reply(conn, hub.ErrorFrameFor(hub.ErrInboundQueueFull))
}

func (h *Handler) reply(conn *Connection, frame *types.ErrorFrame) {
	if frame == nil {
		return
	}
	metrics.FrameRejected(frame.Code)
	_ = conn.WriteJSON(frame)
}
