package registry

import (
	"sort"
	"sync"
)

// Registry maps trip IDs to the sessions currently in that trip's room.
// It is the only shared membership state; every mutation happens under the
// write lock and readers only ever receive copies.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[string]struct{} // tripID -> set of sessionIDs
}

// Stats is a point-in-time summary of the registry
type Stats struct {
	Rooms   int `json:"rooms"`
	Members int `json:"members"`
}

// RoomSummary describes one room for listings
type RoomSummary struct {
	TripID  string `json:"tripId"`
	Members int    `json:"members"`
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]map[string]struct{}),
	}
}

// Join adds sessionID to the room, creating the room on first join.
// Joining a room one is already in is a no-op; added reports whether the
// member set changed.
func (r *Registry) Join(roomID, sessionID string) (added bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, exists := r.rooms[roomID]
	if !exists {
		members = make(map[string]struct{})
		r.rooms[roomID] = members
	}
	if _, already := members[sessionID]; already {
		return false
	}
	members[sessionID] = struct{}{}
	return true
}

// Leave removes sessionID from the room. The room entry is released once it
// is empty. removed reports whether the session was a member.
func (r *Registry) Leave(roomID, sessionID string) (removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, exists := r.rooms[roomID]
	if !exists {
		return false
	}
	if _, ok := members[sessionID]; !ok {
		return false
	}
	delete(members, sessionID)
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}
	return true
}

// MembersOf returns a sorted copy of the room's member set. An unknown room
// has no members; it is not an error.
func (r *Registry) MembersOf(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[roomID]
	out := make([]string, 0, len(members))
	for sessionID := range members {
		out = append(out, sessionID)
	}
	sort.Strings(out)
	return out
}

// Contains reports whether sessionID is a member of roomID
func (r *Registry) Contains(roomID, sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.rooms[roomID][sessionID]
	return ok
}

// Rooms lists every live room with its member count, ordered by trip ID
func (r *Registry) Rooms() []RoomSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]RoomSummary, 0, len(r.rooms))
	for tripID, members := range r.rooms {
		out = append(out, RoomSummary{TripID: tripID, Members: len(members)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TripID < out[j].TripID })
	return out
}

// GetStats returns registry statistics for monitoring
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{Rooms: len(r.rooms)}
	for _, members := range r.rooms {
		stats.Members += len(members)
	}
	return stats
}
