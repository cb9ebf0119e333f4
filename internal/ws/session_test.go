package ws

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/DoyleJ11/tile-table/internal/hub"
	"github.com/DoyleJ11/tile-table/internal/room"
	"github.com/DoyleJ11/tile-table/pkg/protocol"
)

func newTestHub(t *testing.T, maxPlayers int) *hub.Hub {
	t.Helper()
	h := hub.NewHub(context.Background(), hub.Options{
		Room: room.Options{PasswordCost: bcrypt.MinCost, MaxPlayers: maxPlayers},
	})
	t.Cleanup(func() {
		h.Close()
		<-h.Done()
	})
	return h
}

func newSession(h *hub.Hub) (*Session, chan protocol.Message) {
	out := make(chan protocol.Message, 16)
	return NewSession(h, out, zap.NewNop()), out
}

func recv(t *testing.T, ch <-chan protocol.Message) protocol.Message {
	t.Helper()
	select {
	case m, ok := <-ch:
		require.True(t, ok, "outbox closed")
		return m
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return protocol.Message{}
	}
}

func TestSession_NewThenJoin(t *testing.T) {
	ctx := context.Background()
	h := newTestHub(t, 0)

	host, hostOut := newSession(h)
	require.NoError(t, host.Handle(ctx, []byte(`{"type":"NEW"}`)))
	joined := recv(t, hostOut)
	assert.True(t, joined.IsFirst)
	assert.Equal(t, host.PlayerID(), joined.PlayerID)
	gameID := joined.GameID
	assert.Equal(t, protocol.Update(nil, true), recv(t, hostOut))

	guest, guestOut := newSession(h)
	require.NoError(t, guest.Handle(ctx, []byte(`{"type":"JOIN","gameId":"`+gameID+`"}`)))
	joined = recv(t, guestOut)
	assert.False(t, joined.IsFirst)
	assert.Same(t, host.Room(), guest.Room())
	recv(t, guestOut)

	require.NoError(t, guest.Handle(ctx, []byte(`{"type":"UPDATE","entries":[["nicks","`+guest.PlayerID()+`","bob"]],"full":false}`)))
	want := protocol.Update([]protocol.Entry{{Kind: "nicks", Key: protocol.StringKey(guest.PlayerID()), Value: []byte(`"bob"`)}}, false)
	assert.Equal(t, want, recv(t, hostOut))
	assert.Equal(t, want, recv(t, guestOut))
}

func TestSession_ProtocolViolations(t *testing.T) {
	ctx := context.Background()
	h := newTestHub(t, 0)

	cases := []struct {
		name   string
		joined bool
		frames []string
		want   error
	}{
		{name: "update before join", frames: []string{`{"type":"UPDATE","entries":[]}`}, want: ErrProtocol},
		{name: "auth before join", frames: []string{`{"type":"AUTH","password":"x"}`}, want: ErrProtocol},
		{name: "server message from client", frames: []string{`{"type":"JOINED","gameId":"a","playerId":"b"}`}, want: ErrProtocol},
		{name: "unknown type", frames: []string{`{"type":"REJOIN"}`}, want: protocol.ErrUnknownType},
		{name: "garbage", frames: []string{`not json`}, want: protocol.ErrMalformed},
		{name: "join unknown game", frames: []string{`{"type":"JOIN","gameId":"ZZZZZ"}`}, want: hub.ErrRoomNotFound},
		{name: "new after join", joined: true, frames: []string{`{"type":"NEW"}`}, want: ErrProtocol},
		{name: "join after join", joined: true, frames: []string{`{"type":"JOIN","gameId":"ZZZZZ"}`}, want: ErrProtocol},
		{name: "client full update", joined: true, frames: []string{`{"type":"UPDATE","entries":[],"full":true}`}, want: ErrProtocol},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, _ := newSession(h)
			if tc.joined {
				require.NoError(t, s.Handle(ctx, []byte(`{"type":"NEW"}`)))
			}
			var err error
			for _, f := range tc.frames {
				err = s.Handle(ctx, []byte(f))
			}
			assert.ErrorIs(t, err, tc.want)
			s.Close(ctx)
		})
	}
}

func TestSession_CapacityExceeded(t *testing.T) {
	ctx := context.Background()
	h := newTestHub(t, 2)

	host, hostOut := newSession(h)
	require.NoError(t, host.Handle(ctx, []byte(`{"type":"NEW"}`)))
	gameID := recv(t, hostOut).GameID

	second, _ := newSession(h)
	require.NoError(t, second.Handle(ctx, []byte(`{"type":"JOIN","gameId":"`+gameID+`"}`)))

	third, thirdOut := newSession(h)
	err := third.Handle(ctx, []byte(`{"type":"JOIN","gameId":"`+gameID+`"}`))
	assert.ErrorIs(t, err, room.ErrCapacityExceeded)
	assert.Nil(t, third.Room())
	assert.Empty(t, thirdOut)
	assert.Equal(t, "room full", rejectReason(err))
}

func TestSession_DroppedWhileJoiningIsNotAffiliated(t *testing.T) {
	ctx := context.Background()
	h := newTestHub(t, 0)

	host, hostOut := newSession(h)
	require.NoError(t, host.Handle(ctx, []byte(`{"type":"NEW"}`)))
	gameID := recv(t, hostOut).GameID

	guest := NewSession(h, make(chan protocol.Message, 1), zap.NewNop())
	err := guest.Handle(ctx, []byte(`{"type":"JOIN","gameId":"`+gameID+`"}`))
	assert.ErrorIs(t, err, room.ErrDropped)
	assert.Nil(t, guest.Room())
	assert.Empty(t, guest.PlayerID())
	assert.Equal(t, "removed from game", rejectReason(err))
}

func TestSession_CloseRunsLeave(t *testing.T) {
	ctx := context.Background()
	h := newTestHub(t, 0)

	host, hostOut := newSession(h)
	require.NoError(t, host.Handle(ctx, []byte(`{"type":"NEW"}`)))
	gameID := recv(t, hostOut).GameID
	recv(t, hostOut)
	require.NoError(t, host.Handle(ctx, []byte(`{"type":"UPDATE","entries":[["perPlayer","mouse",true]]}`)))
	recv(t, hostOut)

	guest, _ := newSession(h)
	require.NoError(t, guest.Handle(ctx, []byte(`{"type":"JOIN","gameId":"`+gameID+`"}`)))
	require.NoError(t, guest.Handle(ctx, []byte(`{"type":"UPDATE","entries":[["mouse","`+guest.PlayerID()+`",{"x":1}]]}`)))
	recv(t, hostOut)

	rm := guest.Room()
	guest.Close(ctx)
	guest.Close(ctx)

	assert.Equal(t, protocol.Update([]protocol.Entry{protocol.Delete("mouse", protocol.StringKey(guest.PlayerID()))}, false), recv(t, hostOut))
	view, err := rm.View(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{host.PlayerID()}, view.Players)
}

func TestSession_AuthAfterJoin(t *testing.T) {
	ctx := context.Background()
	h := newTestHub(t, 0)

	host, hostOut := newSession(h)
	require.NoError(t, host.Handle(ctx, []byte(`{"type":"NEW"}`)))
	password := recv(t, hostOut).Password
	recv(t, hostOut)

	require.NoError(t, host.Handle(ctx, []byte(`{"type":"AUTH","password":"`+password+`"}`)))
	assert.Equal(t, protocol.Authed(true), recv(t, hostOut))
}
