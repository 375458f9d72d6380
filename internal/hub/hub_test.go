package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripsync/internal/presence"
	"tripsync/internal/registry"
	"tripsync/internal/relay"
	"tripsync/internal/session"
	"tripsync/pkg/interfaces"
	"tripsync/pkg/types"
)

type captureConn struct {
	mu     sync.Mutex
	frames []interface{}
}

func (c *captureConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	c.frames = append(c.frames, v)
	c.mu.Unlock()
	return nil
}

func (c *captureConn) Close() error { return nil }

func (c *captureConn) all() []interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]interface{}(nil), c.frames...)
}

func (c *captureConn) edits() []*types.PeerEditFrame {
	var out []*types.PeerEditFrame
	for _, f := range c.all() {
		if e, ok := f.(*types.PeerEditFrame); ok {
			out = append(out, e)
		}
	}
	return out
}

func (c *captureConn) presence() []*types.PeerPresenceFrame {
	var out []*types.PeerPresenceFrame
	for _, f := range c.all() {
		if p, ok := f.(*types.PeerPresenceFrame); ok {
			out = append(out, p)
		}
	}
	return out
}

func (c *captureConn) errorCodes() []string {
	var out []string
	for _, f := range c.all() {
		if e, ok := f.(*types.ErrorFrame); ok {
			out = append(out, e.Code)
		}
	}
	return out
}

type testHub struct {
	*Hub
	registry *registry.Registry
	sessions *session.Manager
}

func newTestHub(t *testing.T, start bool) *testHub {
	t.Helper()
	reg := registry.NewRegistry()
	sessions := session.NewManager(reg, nil)
	r := relay.New(reg, sessions, nil, nil)
	tracker := presence.NewTracker(r, sessions, nil)
	h := NewHub(sessions, r, tracker, 16, nil)

	if start {
		require.NoError(t, h.Start(context.Background()))
		t.Cleanup(func() { _ = h.Stop() })
	}
	return &testHub{Hub: h, registry: reg, sessions: sessions}
}

// submit queues a frame and waits for the dispatcher to finish it
func (th *testHub) submit(t *testing.T, sessionID string, frame *types.InboundFrame, identity *types.Identity) {
	t.Helper()
	before := th.GetStats().Processed
	require.NoError(t, th.Submit(&Inbound{SessionID: sessionID, Frame: frame, Identity: identity}))
	require.Eventually(t, func() bool { return th.GetStats().Processed > before },
		time.Second, 5*time.Millisecond)
}

func (th *testHub) joinedMember(t *testing.T, userID, tripID string) (string, *captureConn) {
	t.Helper()
	conn := &captureConn{}
	id := th.sessions.Connect(conn)
	th.submit(t, id, &types.InboundFrame{Type: types.FrameAuthenticate, Token: "t"}, &types.Identity{UserID: userID})
	th.submit(t, id, &types.InboundFrame{Type: types.FrameJoinRoom, TripID: tripID}, nil)
	return id, conn
}

func TestHub_StartStop(t *testing.T) {
	th := newTestHub(t, false)
	ctx := context.Background()

	require.NoError(t, th.Start(ctx))
	assert.ErrorIs(t, th.Start(ctx), ErrHubAlreadyRunning)
	assert.True(t, th.IsRunning())

	require.NoError(t, th.Stop())
	assert.ErrorIs(t, th.Stop(), ErrHubNotRunning)
	assert.False(t, th.IsRunning())

	assert.ErrorIs(t, th.Submit(&Inbound{SessionID: "s"}), ErrHubNotRunning)
}

func TestHub_StopsWithContext(t *testing.T) {
	th := newTestHub(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, th.Start(ctx))

	cancel()
	require.Eventually(t, func() bool { return !th.IsRunning() }, time.Second, 5*time.Millisecond)
}

func TestHub_AuthenticateAndJoin(t *testing.T) {
	th := newTestHub(t, true)

	id, conn := th.joinedMember(t, "u1", "trip-42")

	frames := conn.all()
	require.Len(t, frames, 2)
	auth, ok := frames[0].(*types.AuthenticatedFrame)
	require.True(t, ok)
	assert.Equal(t, "u1", auth.UserID)
	assert.Equal(t, id, auth.SessionID)

	state, ok := frames[1].(*types.RoomStateFrame)
	require.True(t, ok)
	assert.Equal(t, "trip-42", state.TripID)
	assert.Equal(t, []types.Member{{UserID: "u1", SessionID: id}}, state.Members)
}

func TestHub_AuthenticateWithoutIdentity(t *testing.T) {
	th := newTestHub(t, true)
	conn := &captureConn{}
	id := th.sessions.Connect(conn)

	th.submit(t, id, &types.InboundFrame{Type: types.FrameAuthenticate, Token: "bad"}, nil)
	th.submit(t, id, &types.InboundFrame{Type: types.FrameJoinRoom, TripID: "trip-42"}, nil)

	assert.Equal(t, []string{types.CodeUnauthenticated, types.CodeUnauthenticated}, conn.errorCodes())
	assert.Empty(t, th.registry.MembersOf("trip-42"))
}

func TestHub_ActivityUpdateScenario(t *testing.T) {
	th := newTestHub(t, true)

	s1, c1 := th.joinedMember(t, "u1", "trip-42")
	s2, c2 := th.joinedMember(t, "u2", "trip-42")
	_, c3 := th.joinedMember(t, "u3", "trip-42")

	th.submit(t, s1, &types.InboundFrame{
		Type:    types.FrameEditEvent,
		TripID:  "trip-42",
		Kind:    types.KindActivityUpdate,
		Payload: json.RawMessage(`{"activityId":"a1","updates":{"time":"10:00"}}`),
	}, nil)

	assert.Empty(t, c1.edits())
	for _, c := range []*captureConn{c2, c3} {
		edits := c.edits()
		require.Len(t, edits, 1)
		assert.Equal(t, "u1", edits[0].AuthorUserID)
		assert.Equal(t, s1, edits[0].AuthorSessionID)
		assert.Equal(t, types.KindActivityUpdate, edits[0].Kind)
	}

	// cursor moves travel the same path
	th.submit(t, s2, &types.InboundFrame{
		Type:     types.FramePresenceCursor,
		TripID:   "trip-42",
		Position: json.RawMessage(`{"x":1,"y":2}`),
	}, nil)
	edits := c1.edits()
	require.Len(t, edits, 1)
	assert.Equal(t, types.KindCursorMove, edits[0].Kind)
	assert.JSONEq(t, `{"position":{"x":1,"y":2}}`, string(edits[0].Payload))
}

func TestHub_EditRequiresMatchingRoom(t *testing.T) {
	th := newTestHub(t, true)
	s1, c1 := th.joinedMember(t, "u1", "trip-42")
	_, other := th.joinedMember(t, "u2", "trip-7")

	th.submit(t, s1, &types.InboundFrame{Type: types.FrameEditEvent, TripID: "trip-7", Kind: types.KindStopUpdate}, nil)

	assert.Equal(t, []string{types.CodeNotInRoom}, c1.errorCodes())
	assert.Empty(t, other.edits())
}

func TestHub_EditBeforeAuthenticate(t *testing.T) {
	th := newTestHub(t, true)
	conn := &captureConn{}
	id := th.sessions.Connect(conn)

	th.submit(t, id, &types.InboundFrame{Type: types.FrameEditEvent, TripID: "trip-42", Kind: types.KindActivityAdded}, nil)
	assert.Equal(t, []string{types.CodeUnauthenticated}, conn.errorCodes())
}

func TestHub_UnknownFrameType(t *testing.T) {
	th := newTestHub(t, true)
	conn := &captureConn{}
	id := th.sessions.Connect(conn)

	th.submit(t, id, &types.InboundFrame{Type: "teleport"}, nil)
	assert.Equal(t, []string{types.CodeInvalidFrame}, conn.errorCodes())
	assert.Equal(t, uint64(1), th.GetStats().Rejected)
}

func TestHub_LeaveRoom(t *testing.T) {
	th := newTestHub(t, true)
	s1, _ := th.joinedMember(t, "u1", "trip-42")
	_, c2 := th.joinedMember(t, "u2", "trip-42")

	th.submit(t, s1, &types.InboundFrame{Type: types.FrameLeaveRoom}, nil)

	left := c2.presence()
	require.NotEmpty(t, left)
	assert.Equal(t, types.PresenceLeft, left[len(left)-1].Kind)

	s, ok := th.sessions.Get(s1)
	require.True(t, ok, "leave-room keeps the connection")
	assert.Empty(t, s.RoomID)
}

func TestHub_DisconnectScenario(t *testing.T) {
	th := newTestHub(t, true)
	_, c1 := th.joinedMember(t, "u1", "trip-42")
	s2, _ := th.joinedMember(t, "u2", "trip-42")

	th.Disconnect(s2)
	th.Disconnect(s2)

	require.Eventually(t, func() bool {
		return len(th.registry.MembersOf("trip-42")) == 1
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return th.GetStats().Queued == 0 }, time.Second, 5*time.Millisecond)

	var left int
	for _, p := range c1.presence() {
		if p.Kind == types.PresenceLeft {
			left++
			assert.Equal(t, "u2", p.UserID)
		}
	}
	assert.Equal(t, 1, left, "exactly one left notification")
}

func TestHub_DisconnectAppliedWhenStopped(t *testing.T) {
	th := newTestHub(t, false)

	conn := &captureConn{}
	id := th.sessions.Connect(conn)
	require.NoError(t, th.sessions.Bind(id, &types.Identity{UserID: "u1"}))
	_, err := th.sessions.SetRoom(id, "trip-42")
	require.NoError(t, err)

	th.Disconnect(id)

	assert.Empty(t, th.registry.MembersOf("trip-42"))
	assert.Equal(t, 0, th.sessions.Count())
}

func TestErrorFrameFor(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{session.ErrUnauthenticated, types.CodeUnauthenticated},
		{session.ErrAlreadyBound, types.CodeForbidden},
		{interfaces.ErrAccessDenied, types.CodeForbidden},
		{interfaces.ErrTripNotFound, types.CodeForbidden},
		{ErrNotInRoom, types.CodeNotInRoom},
		{relay.ErrSenderNotInRoom, types.CodeNotInRoom},
		{relay.ErrRateLimited, types.CodeRateLimited},
		{ErrInboundQueueFull, types.CodeBusy},
		{types.ErrInvalidTripID, types.CodeInvalidFrame},
		{errors.New("anything else"), types.CodeInvalidFrame},
	}
	for _, tc := range cases {
		frame := ErrorFrameFor(tc.err)
		require.NotNil(t, frame, tc.err.Error())
		assert.Equal(t, tc.code, frame.Code, tc.err.Error())
		assert.Equal(t, types.FrameError, frame.Type)
	}

	assert.Nil(t, ErrorFrameFor(nil))
	assert.Nil(t, ErrorFrameFor(session.ErrSessionNotFound))
}
