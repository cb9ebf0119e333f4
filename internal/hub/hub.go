package hub

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/tile-table/internal/history"
	"github.com/DoyleJ11/tile-table/internal/metrics"
	"github.com/DoyleJ11/tile-table/internal/room"
	"github.com/DoyleJ11/tile-table/pkg/protocol"
)

var ErrRoomNotFound = errors.New("room not found")
var ErrClosed = errors.New("hub closed")

type HubMsg interface{ isHubMsg() }

type CreateRoom struct {
	Reply chan CreateResult
}

type CreateResult struct {
	Room *room.Room
	Err  error
}

type GetRoom struct {
	GameID string
	Reply  chan *room.Room // nil when absent
}

type ListRooms struct {
	Reply chan []*room.Room
}

type RemoveRoom struct {
	GameID string
}

// Reap drops rooms that have been empty for longer than the TTL as of Now.
type Reap struct {
	Now   time.Time
	Reply chan []string // optional; ids of removed rooms
}

type ShutdownHub struct{}

func (CreateRoom) isHubMsg()  {}
func (GetRoom) isHubMsg()     {}
func (ListRooms) isHubMsg()   {}
func (RemoveRoom) isHubMsg()  {}
func (Reap) isHubMsg()        {}
func (ShutdownHub) isHubMsg() {}

type Options struct {
	RoomTTL      time.Duration
	ReapInterval time.Duration
	Room         room.Options // template for every room
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
	History      history.Recorder
}

type Hub struct {
	inbox  chan HubMsg
	done   chan struct{}
	rooms  map[string]*room.Room
	opts   Options
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

func NewHub(parent context.Context, opts Options) *Hub {
	if opts.RoomTTL <= 0 {
		opts.RoomTTL = 2 * time.Hour
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.History == nil {
		opts.History = history.Nop{}
	}
	opts.Room.Logger = opts.Logger
	opts.Room.Metrics = opts.Metrics

	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:  make(chan HubMsg, 64),
		done:   make(chan struct{}),
		rooms:  make(map[string]*room.Room),
		opts:   opts,
		log:    opts.Logger,
		ctx:    ctx,
		cancel: cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

// MaxPlayers is the capacity every room in this hub is created with.
func (h *Hub) MaxPlayers() int {
	if h.opts.Room.MaxPlayers > 0 {
		return h.opts.Room.MaxPlayers
	}
	return room.DefaultMaxPlayers
}

func (h *Hub) Done() <-chan struct{} { return h.done }

func (h *Hub) loop() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case CreateRoom:
				msg.Reply <- h.create()

			case GetRoom:
				msg.Reply <- h.rooms[msg.GameID] // May be nil

			case ListRooms:
				out := make([]*room.Room, 0, len(h.rooms))
				for _, rm := range h.rooms {
					out = append(out, rm)
				}
				msg.Reply <- out

			case RemoveRoom:
				if rm := h.rooms[msg.GameID]; rm != nil {
					h.remove(rm)
				}

			case Reap:
				removed := h.reap(msg.Now)
				if msg.Reply != nil {
					msg.Reply <- removed
				}

			case ShutdownHub:
				h.shutdown()
				return
			}
		}
	}
}

func (h *Hub) create() CreateResult {
	gameID, err := protocol.NewUniqueID(h.opts.Room.Rand, func(id string) bool {
		if h.rooms[id] != nil {
			h.log.Debug("collision on game id, regenerating", zap.String("game_id", id))
			return true
		}
		return false
	})
	if err != nil {
		return CreateResult{Err: err}
	}
	rm, err := room.New(h.ctx, gameID, h.opts.Room)
	if err != nil {
		return CreateResult{Err: err}
	}
	h.rooms[gameID] = rm
	h.opts.Metrics.RoomOpened()
	h.record(func(ctx context.Context) error { return h.opts.History.RoomOpened(ctx, gameID) })
	return CreateResult{Room: rm}
}

func (h *Hub) remove(rm *room.Room) {
	// Views must be taken before the room stops.
	var stats room.Stats
	ctx, cancel := context.WithTimeout(h.ctx, time.Second)
	if v, err := rm.View(ctx); err == nil {
		stats = v.Stats
	}
	cancel()

	delete(h.rooms, rm.ID())
	rm.Close()
	h.opts.Metrics.RoomClosed()
	gameID := rm.ID()
	h.record(func(ctx context.Context) error { return h.opts.History.RoomClosed(ctx, gameID, stats) })
}

// reap asks each room for its idle time. Rooms are independent actors, so a
// room that cannot answer within the timeout is skipped until the next pass.
func (h *Hub) reap(now time.Time) []string {
	var removed []string
	for id, rm := range h.rooms {
		ctx, cancel := context.WithTimeout(h.ctx, time.Second)
		v, err := rm.View(ctx)
		cancel()
		if err != nil {
			if errors.Is(err, room.ErrClosed) {
				delete(h.rooms, id)
				h.opts.Metrics.RoomClosed()
				removed = append(removed, id)
			}
			continue
		}
		if len(v.Players) > 0 || v.IdleSince.IsZero() || now.Sub(v.IdleSince) < h.opts.RoomTTL {
			continue
		}
		h.log.Info("reaping idle room", zap.String("game_id", id), zap.Duration("idle", now.Sub(v.IdleSince)))
		h.remove(rm)
		removed = append(removed, id)
	}
	return removed
}

// record writes history off the loop so a slow database never stalls routing.
func (h *Hub) record(fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := fn(ctx); err != nil {
			h.log.Warn("history write failed", zap.Error(err))
		}
	}()
}

func (h *Hub) shutdown() {
	for id, rm := range h.rooms {
		rm.Close()
		delete(h.rooms, id)
		h.opts.Metrics.RoomClosed()
	}
	h.cancel()
}

// Run posts a Reap on every tick until ctx ends.
func (h *Hub) Run(ctx context.Context) error {
	t := time.NewTicker(h.opts.ReapInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.done:
			return nil
		case now := <-t.C:
			select {
			case h.inbox <- Reap{Now: now}:
			case <-h.done:
				return nil
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (h *Hub) post(ctx context.Context, m HubMsg) error {
	select {
	case h.inbox <- m:
		return nil
	case <-h.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func await[T any](ctx context.Context, h *Hub, reply <-chan T) (T, error) {
	var zero T
	select {
	case v := <-reply:
		return v, nil
	case <-h.done:
		select {
		case v := <-reply:
			return v, nil
		default:
			return zero, ErrClosed
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Create registers a fresh room under a new game id.
func (h *Hub) Create(ctx context.Context) (*room.Room, error) {
	reply := make(chan CreateResult, 1)
	if err := h.post(ctx, CreateRoom{Reply: reply}); err != nil {
		return nil, err
	}
	res, err := await(ctx, h, reply)
	if err != nil {
		return nil, err
	}
	return res.Room, res.Err
}

func (h *Hub) Get(ctx context.Context, gameID string) (*room.Room, error) {
	reply := make(chan *room.Room, 1)
	if err := h.post(ctx, GetRoom{GameID: gameID, Reply: reply}); err != nil {
		return nil, err
	}
	rm, err := await(ctx, h, reply)
	if err != nil {
		return nil, err
	}
	if rm == nil {
		return nil, ErrRoomNotFound
	}
	return rm, nil
}

func (h *Hub) List(ctx context.Context) ([]*room.Room, error) {
	reply := make(chan []*room.Room, 1)
	if err := h.post(ctx, ListRooms{Reply: reply}); err != nil {
		return nil, err
	}
	return await(ctx, h, reply)
}

func (h *Hub) Close() {
	select {
	case h.inbox <- ShutdownHub{}:
	case <-h.done:
	default:
		h.cancel()
	}
}
