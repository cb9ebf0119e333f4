package ws

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/DoyleJ11/tile-table/internal/hub"
	"github.com/DoyleJ11/tile-table/internal/room"
	"github.com/DoyleJ11/tile-table/pkg/protocol"
)

var ErrProtocol = errors.New("protocol violation")

// Session routes one connection's messages. Before affiliation only NEW and
// JOIN are legal; afterwards everything goes to the room.
type Session struct {
	hub      *hub.Hub
	out      chan protocol.Message
	room     *room.Room
	playerID string
	log      *zap.Logger
}

// NewSession wraps out, the connection's outbox. Once the session joins a
// room, the room owns out and closes it when the member is gone.
func NewSession(h *hub.Hub, out chan protocol.Message, log *zap.Logger) *Session {
	return &Session{hub: h, out: out, log: log}
}

func (s *Session) Room() *room.Room { return s.room }
func (s *Session) PlayerID() string { return s.playerID }

// Handle decodes one frame and routes it. Any error is fatal for the
// connection; the caller closes it and calls Close.
func (s *Session) Handle(ctx context.Context, data []byte) error {
	msg, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	return s.HandleMessage(ctx, msg)
}

func (s *Session) HandleMessage(ctx context.Context, msg protocol.Message) error {
	if s.room != nil {
		return s.affiliated(ctx, msg)
	}

	switch msg.Type {
	case protocol.TypeNew:
		rm, err := s.hub.Create(ctx)
		if err != nil {
			return err
		}
		return s.join(ctx, rm)

	case protocol.TypeJoin:
		rm, err := s.hub.Get(ctx, msg.GameID)
		if err != nil {
			return fmt.Errorf("join %q: %w", msg.GameID, err)
		}
		return s.join(ctx, rm)

	default:
		return fmt.Errorf("%w: %s before joining a game", ErrProtocol, msg.Type)
	}
}

func (s *Session) affiliated(ctx context.Context, msg protocol.Message) error {
	switch msg.Type {
	case protocol.TypeUpdate:
		if msg.Full {
			return fmt.Errorf("%w: clients cannot send full updates", ErrProtocol)
		}
		return s.room.Update(ctx, s.playerID, msg.Entries)

	case protocol.TypeAuth:
		_, err := s.room.Auth(ctx, s.playerID, msg.Password)
		return err

	default:
		return fmt.Errorf("%w: %s after joining game %s", ErrProtocol, msg.Type, s.room.ID())
	}
}

func (s *Session) join(ctx context.Context, rm *room.Room) error {
	res, err := rm.Join(ctx, s.out)
	if err != nil {
		return fmt.Errorf("join %s: %w", rm.ID(), err)
	}
	s.room = rm
	s.playerID = res.PlayerID
	s.log = s.log.With(zap.String("game_id", rm.ID()), zap.String("player_id", res.PlayerID))
	s.log.Debug("session joined", zap.Bool("is_first", res.IsFirst))
	return nil
}

// Close leaves the room, if any. Safe to call more than once.
func (s *Session) Close(ctx context.Context) {
	if s.room == nil {
		return
	}
	if err := s.room.Leave(ctx, s.playerID); err != nil {
		s.log.Warn("leave failed", zap.Error(err))
	}
	s.room = nil
}
