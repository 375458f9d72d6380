package interfaces

// Participant is a read-only snapshot of a session
type Participant struct {
	SessionID string
	UserID    string
	RoomID    string
	Conn      Connection
}

// SessionDirectory resolves session IDs to live participants. The relay and
// presence tracker use it to find recipients; a missing entry means the
// session has disconnected.
type SessionDirectory interface {
	Participant(sessionID string) (Participant, bool)
}
