package integration

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripsync/internal/config"
	"tripsync/pkg/types"
)

func editFrame(tripID string, kind types.EventKind, payload interface{}) map[string]interface{} {
	return map[string]interface{}{
		"type":    types.FrameEditEvent,
		"tripId":  tripID,
		"kind":    kind,
		"payload": payload,
	}
}

func TestActivityUpdateReachesPeerOnly(t *testing.T) {
	server := startServer(t, baseConfig(t))

	alice := connect(t, server, "alice")
	bob := connect(t, server, "bob")
	alice.join("trip-42")
	bob.join("trip-42")
	alice.expect(types.FramePeerPresence)

	alice.send(editFrame("trip-42", types.KindActivityUpdate, map[string]interface{}{"activityId": 7}))

	edit := bob.expect(types.FramePeerEdit)
	assert.Equal(t, "alice", edit["authorUserId"])
	assert.Equal(t, alice.sessionID, edit["authorSessionId"])
	assert.Equal(t, "trip-42", edit["tripId"])
	assert.Equal(t, map[string]interface{}{"activityId": float64(7)}, edit["payload"])

	// a second join is answered with room-state after the edit was
	// processed, so anything addressed to alice would arrive first
	alice.send(map[string]interface{}{"type": types.FrameJoinRoom, "tripId": "trip-42"})
	bob.send(map[string]interface{}{"type": types.FrameJoinRoom, "tripId": "trip-42"})
	assert.Empty(t, alice.collectUntil(types.FrameRoomState))
	assert.Empty(t, bob.collectUntil(types.FrameRoomState), "bob receives the edit exactly once")
}

func TestDisconnectAnnouncesLeftOnce(t *testing.T) {
	server := startServer(t, baseConfig(t))

	alice := connect(t, server, "alice")
	bob := connect(t, server, "bob")
	alice.join("trip-42")
	bob.join("trip-42")
	alice.expect(types.FramePeerPresence)

	require.NoError(t, bob.ws.Close())

	left := alice.expect(types.FramePeerPresence)
	assert.Equal(t, string(types.PresenceLeft), left["kind"])
	assert.Equal(t, "bob", left["userId"])

	alice.send(map[string]interface{}{"type": types.FrameJoinRoom, "tripId": "trip-42"})
	state := alice.collectUntil(types.FrameRoomState)
	assert.Zero(t, countType(state, types.FramePeerPresence))

	assert.Eventually(t, func() bool {
		members := roomMembers(t, server, "trip-42")
		return len(members) == 1 && members[0].SessionID == alice.sessionID
	}, 3*time.Second, 20*time.Millisecond)
}

func TestPublishToSoloRoom(t *testing.T) {
	server := startServer(t, baseConfig(t))

	alice := connect(t, server, "alice")
	alice.join("trip-42")
	alice.send(editFrame("trip-42", types.KindStopsReorder, map[string]interface{}{"order": []string{"s2", "s1"}}))

	alice.send(map[string]interface{}{"type": types.FrameJoinRoom, "tripId": "trip-42"})
	assert.Empty(t, alice.collectUntil(types.FrameRoomState), "no delivery and no error")
}

func TestRoomsAreIsolated(t *testing.T) {
	server := startServer(t, baseConfig(t))

	alice := connect(t, server, "alice")
	bob := connect(t, server, "bob")
	carol := connect(t, server, "carol")
	alice.join("trip-42")
	bob.join("trip-42")
	carol.join("trip-7")

	alice.send(editFrame("trip-42", types.KindActivityAdded, map[string]interface{}{"activityId": 1}))
	bob.expect(types.FramePeerEdit)

	carol.send(map[string]interface{}{"type": types.FrameJoinRoom, "tripId": "trip-7"})
	assert.Empty(t, carol.collectUntil(types.FrameRoomState))

	// publishing to a room one is not in is refused
	carol.send(editFrame("trip-42", types.KindActivityDeleted, map[string]interface{}{"activityId": 1}))
	assert.Equal(t, types.CodeNotInRoom, carol.expect(types.FrameError)["code"])
}

func TestSwitchingRoomsAnnouncesBoth(t *testing.T) {
	server := startServer(t, baseConfig(t))

	alice := connect(t, server, "alice")
	bob := connect(t, server, "bob")
	carol := connect(t, server, "carol")
	alice.join("trip-42")
	carol.join("trip-7")
	bob.join("trip-42")
	alice.expect(types.FramePeerPresence)

	state := bob.join("trip-7")
	assert.Equal(t, "trip-7", state["tripId"])

	left := alice.expect(types.FramePeerPresence)
	assert.Equal(t, string(types.PresenceLeft), left["kind"])
	joined := carol.expect(types.FramePeerPresence)
	assert.Equal(t, string(types.PresenceJoined), joined["kind"])
	assert.Equal(t, "bob", joined["userId"])
}

func TestRateLimitedSender(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Relay.RateLimit = 2
	server := startServer(t, cfg)

	alice := connect(t, server, "alice")
	bob := connect(t, server, "bob")
	alice.join("trip-42")
	bob.join("trip-42")

	for i := 0; i < 3; i++ {
		alice.send(editFrame("trip-42", types.KindActivityUpdate, map[string]interface{}{"activityId": i}))
	}
	assert.Equal(t, types.CodeRateLimited, alice.expect(types.FrameError)["code"])

	bob.expect(types.FramePeerEdit)
	bob.expect(types.FramePeerEdit)
	bob.send(map[string]interface{}{"type": types.FrameJoinRoom, "tripId": "trip-42"})
	assert.Empty(t, bob.collectUntil(types.FrameRoomState), "the third edit is not relayed")
}

func TestAccessEnforcedFromTripTables(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Access.Enforce = true
	cfg.Access.DatabasePath = filepath.Join(t.TempDir(), "trips.db")
	InitializeTestDatabase(t, cfg.Access.DatabasePath,
		map[string]string{"trip-42": "alice"},
		map[string][]string{"trip-42": {"bob"}})

	server := startServer(t, cfg)

	alice := connect(t, server, "alice")
	bob := connect(t, server, "bob")
	mallory := connect(t, server, "mallory")

	alice.join("trip-42")
	bob.join("trip-42")

	mallory.send(map[string]interface{}{"type": types.FrameJoinRoom, "tripId": "trip-42"})
	assert.Equal(t, types.CodeForbidden, mallory.expect(types.FrameError)["code"])

	mallory.send(map[string]interface{}{"type": types.FrameJoinRoom, "tripId": "trip-unknown"})
	assert.Equal(t, types.CodeForbidden, mallory.expect(types.FrameError)["code"])

	assert.Len(t, roomMembers(t, server, "trip-42"), 2)
}

func TestEditsCrossInstancesThroughRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	newInstance := func() *config.Config {
		cfg := baseConfig(t)
		cfg.Redis.Enabled = true
		cfg.Redis.Addr = mr.Addr()
		return cfg
	}
	east := startServer(t, newInstance())
	west := startServer(t, newInstance())

	alice := connect(t, east, "alice")
	bob := connect(t, west, "bob")
	alice.join("trip-42")
	bob.join("trip-42")

	joined := alice.expect(types.FramePeerPresence)
	assert.Equal(t, "bob", joined["userId"])

	alice.send(editFrame("trip-42", types.KindStopUpdate, map[string]interface{}{"stopId": "s1", "name": "Kyoto"}))

	edit := bob.expect(types.FramePeerEdit)
	assert.Equal(t, "alice", edit["authorUserId"])
	assert.Equal(t, "trip-42", edit["tripId"])

	// each instance only lists its own sessions
	assert.Len(t, roomMembers(t, east, "trip-42"), 1)
	assert.Len(t, roomMembers(t, west, "trip-42"), 1)
}
