package types

import (
	"bytes"
	"encoding/json"
	"regexp"
)

// MaxPayloadBytes caps the size of an edit payload
const MaxPayloadBytes = 65536

var (
	tripIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_@.-]+$`)
)

// Validate checks the frame shape for its type. It does not look at payload
// semantics; those belong to the CRUD service.
func (f *InboundFrame) Validate() error {
	switch f.Type {
	case FrameAuthenticate:
		if f.Token == "" {
			return ErrMissingToken
		}
		return nil
	case FrameJoinRoom:
		if !IsValidTripID(f.TripID) {
			return ErrInvalidTripID
		}
		return nil
	case FrameLeaveRoom:
		return nil
	case FrameEditEvent:
		if !IsValidTripID(f.TripID) {
			return ErrInvalidTripID
		}
		if !IsValidEventKind(f.Kind) {
			return ErrInvalidEventKind
		}
		return validatePayload(f.Payload)
	case FramePresenceCursor:
		if !IsValidTripID(f.TripID) {
			return ErrInvalidTripID
		}
		if len(f.Position) > MaxPayloadBytes {
			return ErrPayloadTooLarge
		}
		return nil
	default:
		return ErrInvalidFrameType
	}
}

// EventFromFrame converts an edit-event or presence-cursor frame into the
// unstamped event the relay publishes. Cursor positions are wrapped as
// {"position": ...}.
func EventFromFrame(f *InboundFrame) EditEvent {
	if f.Type == FramePresenceCursor {
		position := f.Position
		if len(position) == 0 {
			position = json.RawMessage("null")
		}
		payload, _ := json.Marshal(map[string]json.RawMessage{"position": position})
		return EditEvent{TripID: f.TripID, Kind: KindCursorMove, Payload: payload}
	}

	payload := f.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return EditEvent{TripID: f.TripID, Kind: f.Kind, Payload: payload}
}

func validatePayload(payload json.RawMessage) error {
	if len(payload) == 0 {
		return nil
	}
	if len(payload) > MaxPayloadBytes {
		return ErrPayloadTooLarge
	}
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return ErrInvalidPayload
	}
	return nil
}

// IsValidTripID checks the trip identifier format
func IsValidTripID(tripID string) bool {
	if len(tripID) < 1 || len(tripID) > 64 {
		return false
	}
	return tripIDRegex.MatchString(tripID)
}

// IsValidUserID checks a user identifier taken from a verified token
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 128 {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// IsValidEventKind reports whether kind is one the relay forwards
func IsValidEventKind(kind EventKind) bool {
	switch kind {
	case KindActivityUpdate,
		KindActivityAdded,
		KindActivityDeleted,
		KindStopUpdate,
		KindStopsReorder,
		KindCursorMove:
		return true
	default:
		return false
	}
}
