package types

import (
	"encoding/json"
	"time"
)

// Inbound frame types sent by clients over the websocket
const (
	FrameAuthenticate   = "authenticate"
	FrameJoinRoom       = "join-room"
	FrameLeaveRoom      = "leave-room"
	FrameEditEvent      = "edit-event"
	FramePresenceCursor = "presence-cursor"
)

// Outbound frame types written by the server
const (
	FramePeerEdit      = "peer-edit"
	FramePeerPresence  = "peer-presence"
	FrameRoomState     = "room-state"
	FrameAuthenticated = "authenticated"
	FrameError         = "error"
)

// EventKind classifies an edit event. The relay treats the payload as opaque;
// the kind only tells peers which part of the itinerary changed.
type EventKind string

const (
	KindActivityUpdate  EventKind = "activity-update"
	KindActivityAdded   EventKind = "activity-added"
	KindActivityDeleted EventKind = "activity-deleted"
	KindStopUpdate      EventKind = "stop-update"
	KindStopsReorder    EventKind = "stops-reorder"
	KindCursorMove      EventKind = "cursor-move"
)

// PresenceKind is the kind carried by a peer-presence frame
type PresenceKind string

const (
	PresenceJoined PresenceKind = "joined"
	PresenceLeft   PresenceKind = "left"
)

// Error codes carried by error frames
const (
	CodeUnauthenticated = "unauthenticated"
	CodeForbidden       = "forbidden"
	CodeNotInRoom       = "not_in_room"
	CodeInvalidFrame    = "invalid_frame"
	CodeRateLimited     = "rate_limited"
	CodeBusy            = "busy"
)

// InboundFrame is the envelope for every client frame. Only the fields
// relevant to Type are populated.
type InboundFrame struct {
	Type     string          `json:"type"`
	Token    string          `json:"token,omitempty"`
	TripID   string          `json:"tripId,omitempty"`
	Kind     EventKind       `json:"kind,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Position json.RawMessage `json:"position,omitempty"`
}

// EditEvent is an edit as seen by the relay: client-supplied kind and payload
// plus the provenance stamped by the server.
type EditEvent struct {
	ID              string          `json:"eventId"`
	TripID          string          `json:"tripId"`
	Kind            EventKind       `json:"kind"`
	Payload         json.RawMessage `json:"payload"`
	AuthorUserID    string          `json:"authorUserId"`
	AuthorSessionID string          `json:"authorSessionId"`
	Timestamp       time.Time       `json:"timestamp"`
}

// PeerEditFrame is the outbound form of an EditEvent
type PeerEditFrame struct {
	Type string `json:"type"`
	EditEvent
}

// PresenceNotification announces a member entering or leaving a room
type PresenceNotification struct {
	Kind      PresenceKind `json:"kind"`
	UserID    string       `json:"userId"`
	SessionID string       `json:"sessionId"`
	TripID    string       `json:"tripId"`
	Timestamp time.Time    `json:"timestamp"`
}

// PeerPresenceFrame is the outbound form of a PresenceNotification
type PeerPresenceFrame struct {
	Type string `json:"type"`
	PresenceNotification
}

// Member is one entry of a room roster
type Member struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
}

// RoomStateFrame is sent to a session right after it joins a room
type RoomStateFrame struct {
	Type      string   `json:"type"`
	TripID    string   `json:"tripId"`
	SessionID string   `json:"sessionId"`
	Members   []Member `json:"members"`
}

// AuthenticatedFrame acknowledges a successful bind
type AuthenticatedFrame struct {
	Type      string `json:"type"`
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
}

// ErrorFrame reports a rejected action. The connection stays open.
type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewPeerEditFrame wraps an event for delivery
func NewPeerEditFrame(event EditEvent) *PeerEditFrame {
	return &PeerEditFrame{Type: FramePeerEdit, EditEvent: event}
}

// NewPeerPresenceFrame wraps a presence notification for delivery
func NewPeerPresenceFrame(n PresenceNotification) *PeerPresenceFrame {
	return &PeerPresenceFrame{Type: FramePeerPresence, PresenceNotification: n}
}

// NewErrorFrame builds an error frame
func NewErrorFrame(code, message string) *ErrorFrame {
	return &ErrorFrame{Type: FrameError, Code: code, Message: message}
}

// Identity is a user identity verified by the external auth service.
// Token expiry is checked once, when the session binds; the binding then
// lasts for the life of the connection. ExpiresAt is informational.
type Identity struct {
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// Cluster envelope kinds
const (
	EnvelopeEdit     = "edit"
	EnvelopePresence = "presence"
)

// ClusterEnvelope carries a locally published frame to other instances.
// Exactly one of Edit and Presence is set, matching Kind.
type ClusterEnvelope struct {
	InstanceID string                `json:"instanceId"`
	Kind       string                `json:"kind"`
	TripID     string                `json:"tripId"`
	Edit       *EditEvent            `json:"edit,omitempty"`
	Presence   *PresenceNotification `json:"presence,omitempty"`
}
