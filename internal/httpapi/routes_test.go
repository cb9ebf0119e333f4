package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/DoyleJ11/tile-table/internal/hub"
	"github.com/DoyleJ11/tile-table/internal/metrics"
	"github.com/DoyleJ11/tile-table/internal/room"
	"github.com/DoyleJ11/tile-table/internal/ws"
	"github.com/DoyleJ11/tile-table/pkg/client"
	"github.com/DoyleJ11/tile-table/pkg/protocol"
)

func newTestServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	h := hub.NewHub(context.Background(), hub.Options{
		Room:    room.Options{PasswordCost: bcrypt.MinCost, MaxPlayers: 2},
		Metrics: m,
	})
	srv := httptest.NewServer(SetupRoutes(h, Options{
		WS:        ws.Options{Metrics: m},
		CORSAllow: []string{"*"},
		Metrics:   metrics.HandlerFor(reg),
	}))
	t.Cleanup(func() {
		srv.Close()
		h.Close()
		<-h.Done()
	})
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

type seat struct {
	Color string `json:"color"`
}

func connect(t *testing.T, wsURL, gameID string) (*client.Conn, *client.Collection[string, seat], chan client.Game) {
	t.Helper()
	c := client.NewConn()
	seats := client.NewCollection[string, seat]("seats", c, client.WithUnique("color"))
	joined := make(chan client.Game, 1)
	c.OnConnect(func(g client.Game, _ bool) { joined <- g })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if gameID == "" {
		require.NoError(t, c.New(ctx, wsURL))
	} else {
		require.NoError(t, c.Join(ctx, wsURL, gameID))
	}
	t.Cleanup(func() { _ = c.Disconnect() })
	return c, seats, joined
}

func awaitGame(t *testing.T, ch <-chan client.Game) client.Game {
	t.Helper()
	select {
	case g := <-ch:
		return g
	case <-time.After(2 * time.Second):
		t.Fatal("never joined")
		return client.Game{}
	}
}

func TestEndToEnd_SyncAndConflict(t *testing.T) {
	srv, wsURL := newTestServer(t)

	host, hostSeats, hostJoined := connect(t, wsURL, "")
	game := awaitGame(t, hostJoined)
	assert.NotEmpty(t, game.Password)

	guest, guestSeats, guestJoined := connect(t, wsURL, game.GameID)
	awaitGame(t, guestJoined)
	assert.NotEqual(t, host.PlayerID(), guest.PlayerID())

	hostSeats.Set(host.PlayerID(), seat{Color: "red"})
	require.Eventually(t, func() bool {
		v, ok := guestSeats.Get(host.PlayerID())
		return ok && v.Color == "red"
	}, 2*time.Second, 10*time.Millisecond)

	// The unique declaration made on connect rejects a second red seat and
	// resyncs the guest back to the server's view.
	guestSeats.Set(guest.PlayerID(), seat{Color: "red"})
	require.Eventually(t, func() bool {
		_, ok := guestSeats.Get(guest.PlayerID())
		return !ok && guestSeats.Len() == 1
	}, 2*time.Second, 10*time.Millisecond)

	guestSeats.Set(guest.PlayerID(), seat{Color: "blue"})
	require.Eventually(t, func() bool {
		v, ok := hostSeats.Get(guest.PlayerID())
		return ok && v.Color == "blue"
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get(srv.URL + "/games/" + strings.ToLower(game.GameID))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status gameStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, gameStatus{GameID: game.GameID, Players: 2, Full: true}, status)
}

func TestEndToEnd_RoomFullClosesConnection(t *testing.T) {
	_, wsURL := newTestServer(t)

	_, _, hostJoined := connect(t, wsURL, "")
	game := awaitGame(t, hostJoined)
	_, _, guestJoined := connect(t, wsURL, game.GameID)
	awaitGame(t, guestJoined)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	data, err := protocol.Encode(protocol.Join(game.GameID))
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))

	_, _, err = conn.Read(ctx)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestEndToEnd_MalformedFrameClosesConnection(t *testing.T) {
	_, wsURL := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"UPDATE","entries":[["k"]]}`)))
	_, _, err = conn.Read(ctx)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestRoutes_HealthzAndUnknownGame(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/games/ZZZZZ")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
