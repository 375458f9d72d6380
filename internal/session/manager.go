package session

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tripsync/internal/registry"
	"tripsync/pkg/interfaces"
	"tripsync/pkg/types"
)

// State is the lifecycle position of a session
type State int

const (
	StateConnected  State = iota // transport up, no identity
	StateBound                   // identity attached, no room
	StateInRoom                  // member of exactly one room
	StateTerminated              // unbound after disconnect
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateBound:
		return "bound"
	case StateInRoom:
		return "in_room"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Session binds one transport connection to at most one user and one room
type Session struct {
	ID          string
	UserID      string
	RoomID      string
	Conn        interfaces.Connection
	ConnectedAt time.Time
}

// State derives the lifecycle state from the bound fields
func (s Session) State() State {
	switch {
	case s.UserID == "":
		return StateConnected
	case s.RoomID == "":
		return StateBound
	default:
		return StateInRoom
	}
}

// Transition describes a room change caused by SetRoom, LeaveRoom or Unbind.
// From and To are empty when the session was not in / did not enter a room.
type Transition struct {
	SessionID string
	UserID    string
	From      string
	To        string
}

// Changed reports whether membership actually moved
func (t Transition) Changed() bool {
	return t.From != t.To
}

// Manager owns the session records and keeps the room registry in step with
// each session's current room
type Manager struct {
	registry *registry.Registry
	logger   *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session // sessionID -> Session
}

// NewManager creates a session manager over the given registry
func NewManager(reg *registry.Registry, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		registry: reg,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Connect registers a new unbound session for conn and returns its ID
func (m *Manager) Connect(conn interfaces.Connection) string {
	s := &Session{
		ID:          uuid.New().String(),
		Conn:        conn,
		ConnectedAt: time.Now(),
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.logger.Debug("session connected", zap.String("session_id", s.ID))
	return s.ID
}

// Bind attaches a verified identity to the session. A nil identity means the
// external authentication check did not succeed. identity.ExpiresAt is not
// consulted here or later.
func (m *Manager) Bind(sessionID string, identity *types.Identity) error {
	if identity == nil || !types.IsValidUserID(identity.UserID) {
		return ErrUnauthenticated
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, exists := m.sessions[sessionID]
	if !exists {
		return ErrSessionNotFound
	}
	if s.UserID != "" && s.UserID != identity.UserID {
		return ErrAlreadyBound
	}
	s.UserID = identity.UserID

	m.logger.Info("session bound",
		zap.String("session_id", sessionID),
		zap.String("user_id", identity.UserID))
	return nil
}

// SetRoom moves the session into roomID, leaving any previous room first.
// The session is never a member of two rooms at once.
func (m *Manager) SetRoom(sessionID, roomID string) (Transition, error) {
	if !types.IsValidTripID(roomID) {
		return Transition{}, ErrInvalidRoom
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, exists := m.sessions[sessionID]
	if !exists {
		return Transition{}, ErrSessionNotFound
	}
	if s.UserID == "" {
		return Transition{}, ErrUnauthenticated
	}

	t := Transition{SessionID: s.ID, UserID: s.UserID, From: s.RoomID, To: roomID}
	if s.RoomID == roomID {
		m.registry.Join(roomID, s.ID)
		return t, nil
	}

	if s.RoomID != "" {
		m.registry.Leave(s.RoomID, s.ID)
	}
	m.registry.Join(roomID, s.ID)
	s.RoomID = roomID

	m.logger.Info("session changed room",
		zap.String("session_id", s.ID),
		zap.String("user_id", s.UserID),
		zap.String("from", t.From),
		zap.String("trip_id", roomID))
	return t, nil
}

// LeaveRoom removes the session from its current room without disconnecting
func (m *Manager) LeaveRoom(sessionID string) (Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, exists := m.sessions[sessionID]
	if !exists {
		return Transition{}, ErrSessionNotFound
	}

	t := Transition{SessionID: s.ID, UserID: s.UserID, From: s.RoomID}
	if s.RoomID != "" {
		m.registry.Leave(s.RoomID, s.ID)
		s.RoomID = ""
	}
	return t, nil
}

// Unbind leaves the current room, if any, and discards the session. Calling
// it again for the same session is a no-op and returns ok=false.
func (m *Manager) Unbind(sessionID string) (t Transition, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, exists := m.sessions[sessionID]
	if !exists {
		return Transition{}, false
	}

	t = Transition{SessionID: s.ID, UserID: s.UserID, From: s.RoomID}
	if s.RoomID != "" {
		m.registry.Leave(s.RoomID, s.ID)
	}
	delete(m.sessions, sessionID)

	m.logger.Debug("session unbound",
		zap.String("session_id", s.ID),
		zap.String("user_id", s.UserID),
		zap.String("trip_id", t.From))
	return t, true
}

// Get returns a copy of the session record
func (m *Manager) Get(sessionID string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, exists := m.sessions[sessionID]
	if !exists {
		return Session{}, false
	}
	return *s, true
}

// Participant implements interfaces.SessionDirectory
func (m *Manager) Participant(sessionID string) (interfaces.Participant, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, exists := m.sessions[sessionID]
	if !exists {
		return interfaces.Participant{}, false
	}
	return interfaces.Participant{
		SessionID: s.ID,
		UserID:    s.UserID,
		RoomID:    s.RoomID,
		Conn:      s.Conn,
	}, true
}

// Roster lists the members of roomID that still have a live session
func (m *Manager) Roster(roomID string) []types.Member {
	members := m.registry.MembersOf(roomID)

	m.mu.RLock()
	defer m.mu.RUnlock()

	roster := make([]types.Member, 0, len(members))
	for _, sessionID := range members {
		if s, ok := m.sessions[sessionID]; ok {
			roster = append(roster, types.Member{UserID: s.UserID, SessionID: s.ID})
		}
	}
	sort.Slice(roster, func(i, j int) bool { return roster[i].SessionID < roster[j].SessionID })
	return roster
}

// Count returns the number of live sessions
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// GetStats returns session counts by state
func (m *Manager) GetStats() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := map[string]int{
		"sessions":              0,
		StateConnected.String(): 0,
		StateBound.String():     0,
		StateInRoom.String():    0,
	}
	for _, s := range m.sessions {
		stats["sessions"]++
		stats[s.State().String()]++
	}
	return stats
}

// CloseAll closes the connection of every live session and returns how
// many were closed. Sessions stay registered until their disconnect is
// processed.
func (m *Manager) CloseAll() int {
	m.mu.RLock()
	conns := make([]interfaces.Connection, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.Conn != nil {
			conns = append(conns, s.Conn)
		}
	}
	m.mu.RUnlock()

	for _, c := range conns {
		_ = c.Close()
	}
	return len(conns)
}
