package integration

import (
	"context"
	"database/sql"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tripsync/internal/app"
	"tripsync/internal/config"
	"tripsync/pkg/types"
)

// InitializeTestDatabase creates a trip access database, applies the
// migration and seeds owners and collaborators
func InitializeTestDatabase(t *testing.T, dbPath string, owners map[string]string, collaborators map[string][]string) {
	t.Helper()
	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	defer func() {
		if err := db.Close(); err != nil {
			t.Logf("Failed to close database: %v", err)
		}
	}()

	migration, err := os.ReadFile(filepath.Join("..", "..", "migrations", "001_trip_access.sql"))
	require.NoError(t, err)
	_, err = db.Exec(string(migration))
	require.NoError(t, err)

	for tripID, owner := range owners {
		_, err := db.Exec(`INSERT INTO trips (id, user_id, title) VALUES (?, ?, ?)`, tripID, owner, "Trip "+tripID)
		require.NoError(t, err)
	}
	for tripID, users := range collaborators {
		for _, userID := range users {
			_, err := db.Exec(`INSERT INTO trip_collaborators (trip_id, user_id) VALUES (?, ?)`, tripID, userID)
			require.NoError(t, err)
		}
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func baseConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = freePort(t)
	cfg.Auth.JWTSecret = "integration-secret"
	cfg.Maintenance.StatsReport = ""
	return cfg
}

// startServer runs a full tripsync process until the test ends
func startServer(t *testing.T, cfg *config.Config) *app.Application {
	t.Helper()
	application, err := app.NewApplication(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, application.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Stop(ctx)
	})
	return application
}

// client is one browser tab connected to a trip
type client struct {
	t         *testing.T
	ws        *websocket.Conn
	userID    string
	sessionID string
}

func connect(t *testing.T, server *app.Application, userID string) *client {
	t.Helper()
	token, err := server.Verifier().Sign(userID, time.Hour)
	require.NoError(t, err)

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+server.Addr()+"/ws?token="+token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	c := &client{t: t, ws: ws, userID: userID}
	authenticated := c.expect(types.FrameAuthenticated)
	c.sessionID, _ = authenticated["sessionId"].(string)
	require.NotEmpty(t, c.sessionID)
	return c
}

func (c *client) send(frame map[string]interface{}) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteJSON(frame))
}

func (c *client) join(tripID string) map[string]interface{} {
	c.t.Helper()
	c.send(map[string]interface{}{"type": types.FrameJoinRoom, "tripId": tripID})
	return c.expect(types.FrameRoomState)
}

// next reads the next frame of any type
func (c *client) next() map[string]interface{} {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	var frame map[string]interface{}
	require.NoError(c.t, c.ws.ReadJSON(&frame))
	return frame
}

// expect reads frames until one of frameType arrives and returns it
func (c *client) expect(frameType string) map[string]interface{} {
	c.t.Helper()
	for {
		frame := c.next()
		if frame["type"] == frameType {
			return frame
		}
	}
}

// collectUntil returns every frame received before the first one of
// frameType
func (c *client) collectUntil(frameType string) []map[string]interface{} {
	c.t.Helper()
	var frames []map[string]interface{}
	for {
		frame := c.next()
		if frame["type"] == frameType {
			return frames
		}
		frames = append(frames, frame)
	}
}

func roomMembers(t *testing.T, server *app.Application, tripID string) []types.Member {
	t.Helper()
	resp, err := http.Get("http://" + server.Addr() + "/api/rooms/" + tripID)
	require.NoError(t, err)
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Members []types.Member `json:"members"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Members
}

func countType(frames []map[string]interface{}, frameType string) int {
	n := 0
	for _, f := range frames {
		if f["type"] == frameType {
			n++
		}
	}
	return n
}
