package room

import (
	"context"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/DoyleJ11/tile-table/internal/metrics"
	"github.com/DoyleJ11/tile-table/internal/state"
	"github.com/DoyleJ11/tile-table/pkg/protocol"
)

var ErrCapacityExceeded = errors.New("room is full")
var ErrNotMember = errors.New("not a member of this room")
var ErrClosed = errors.New("room closed")
var ErrDropped = errors.New("dropped while joining")

const DefaultMaxPlayers = 8

type Msg interface{ isRoomMsg() }

type Join struct {
	Outbox chan<- protocol.Message // where this member wants to receive messages
	Reply  chan JoinResult
}

func (Join) isRoomMsg() {}

type JoinResult struct {
	PlayerID string
	IsFirst  bool
	Err      error
}

type FromClient struct {
	PlayerID string
	Entries  []protocol.Entry
	Reply    chan error // optional
}

func (FromClient) isRoomMsg() {}

type Leave struct {
	PlayerID string
	Reply    chan struct{} // optional
}

func (Leave) isRoomMsg() {}

type Authenticate struct {
	PlayerID string
	Password string
	Reply    chan AuthResult
}

func (Authenticate) isRoomMsg() {}

type AuthResult struct {
	OK  bool
	Err error
}

type GetState struct {
	Reply chan View
}

func (GetState) isRoomMsg() {}

type Shutdown struct{}

func (Shutdown) isRoomMsg() {}

// Stats are lifetime counters for one room.
type Stats struct {
	Joins   int
	Batches int
	Resyncs int
	Dropped int
}

type View struct {
	GameID    string
	Players   []string
	Entries   int
	Snapshot  []protocol.Entry
	IdleSince time.Time // zero while anyone is connected
	CreatedAt time.Time
	Stats     Stats
}

type Options struct {
	MaxPlayers   int
	PasswordCost int       // bcrypt cost; 0 means bcrypt.DefaultCost
	Rand         io.Reader // id source; nil means crypto/rand
	Now          func() time.Time
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

type member struct {
	out    chan<- protocol.Message
	authed bool
}

// Room is the authoritative owner of one game session. All state lives in
// the loop goroutine; every mutation arrives through the inbox.
type Room struct {
	id    string
	inbox chan Msg
	done  chan struct{}

	store        *state.Store
	members      map[string]*member
	order        []string // join order, for deterministic fan-out
	issued       map[string]bool
	started      bool
	password     string // plaintext only until the first member sees it
	passwordHash []byte
	createdAt    time.Time
	idleSince    time.Time
	stats        Stats
	dropped      []string

	opts    Options
	log     *zap.Logger
	metrics *metrics.Metrics
	ctx     context.Context
	cancel  context.CancelFunc
}

func New(parent context.Context, gameID string, opts Options) (*Room, error) {
	if opts.MaxPlayers <= 0 {
		opts.MaxPlayers = DefaultMaxPlayers
	}
	if opts.PasswordCost == 0 {
		opts.PasswordCost = bcrypt.DefaultCost
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	password, err := protocol.NewID(opts.Rand)
	if err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), opts.PasswordCost)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(parent)
	now := opts.Now()
	r := &Room{
		id:           gameID,
		inbox:        make(chan Msg, 64),
		done:         make(chan struct{}),
		store:        state.New(),
		members:      make(map[string]*member),
		issued:       make(map[string]bool),
		password:     password,
		passwordHash: hash,
		createdAt:    now,
		idleSince:    now,
		opts:         opts,
		log:          opts.Logger.With(zap.String("game_id", gameID)),
		metrics:      opts.Metrics,
		ctx:          ctx,
		cancel:       cancel,
	}
	r.log.Info("room created")

	go r.loop()
	return r, nil
}

func (r *Room) ID() string { return r.id }

// Inbox exposes the loop's inbox so the session layer can post messages.
func (r *Room) Inbox() chan<- Msg { return r.inbox }

// Done is closed once the loop has stopped.
func (r *Room) Done() <-chan struct{} { return r.done }

func (r *Room) loop() {
	defer close(r.done)
	for {
		select {
		case <-r.ctx.Done():
			r.shutdown()
			return

		case m := <-r.inbox:
			switch msg := m.(type) {
			case Join:
				res := r.join(msg.Outbox)
				msg.Reply <- res

			case FromClient:
				err := r.fromClient(msg.PlayerID, msg.Entries)
				if msg.Reply != nil {
					msg.Reply <- err
				}

			case Leave:
				r.leave(msg.PlayerID)
				if msg.Reply != nil {
					msg.Reply <- struct{}{}
				}

			case Authenticate:
				msg.Reply <- r.authenticate(msg.PlayerID, msg.Password)

			case GetState:
				msg.Reply <- r.view()

			case Shutdown:
				r.shutdown()
				return
			}
			r.reapDropped()
		}
	}
}

func (r *Room) join(out chan<- protocol.Message) JoinResult {
	if len(r.members) >= r.opts.MaxPlayers {
		r.log.Info("join rejected: room full", zap.Int("members", len(r.members)))
		return JoinResult{Err: ErrCapacityExceeded}
	}

	playerID, err := protocol.NewUniqueID(r.opts.Rand, func(id string) bool { return r.issued[id] })
	if err != nil {
		return JoinResult{Err: err}
	}
	r.issued[playerID] = true
	r.members[playerID] = &member{out: out}
	r.order = append(r.order, playerID)
	r.idleSince = time.Time{}
	r.stats.Joins++
	r.metrics.PlayerJoined()

	isFirst := !r.started
	password := ""
	if isFirst {
		password = r.password
		r.password = ""
	}
	r.started = true

	r.log.Info("join", zap.String("player_id", playerID), zap.Bool("is_first", isFirst))

	// Register client + send identity and current snapshot immediately
	r.send(playerID, protocol.Joined(r.id, playerID, isFirst, password))
	r.send(playerID, protocol.Update(r.store.Snapshot(), true))

	if _, ok := r.members[playerID]; !ok {
		// Outbox overflowed before the snapshot landed. The next joiner
		// inherits the host role and its password.
		if isFirst {
			r.started = false
			r.password = password
		}
		return JoinResult{Err: ErrDropped}
	}
	return JoinResult{PlayerID: playerID, IsFirst: isFirst}
}

func (r *Room) fromClient(playerID string, entries []protocol.Entry) error {
	m, ok := r.members[playerID]
	if !ok {
		return ErrNotMember
	}
	batch := state.Filter(entries, m.authed)
	if len(batch) < len(entries) {
		r.log.Debug("dropped protected entries from unauthenticated player",
			zap.String("player_id", playerID), zap.Int("dropped", len(entries)-len(batch)))
	}
	r.update(batch)
	return nil
}

// update runs a batch through the uniqueness check, merges it, and fans it
// out. On conflict every member gets a full snapshot instead.
func (r *Room) update(batch []protocol.Entry) {
	if len(batch) == 0 {
		return
	}
	if err := r.store.Apply(batch); err != nil {
		r.stats.Resyncs++
		r.metrics.Resync()
		r.log.Debug("batch rejected, resyncing", zap.Error(err), zap.Int("entries", len(batch)))
		r.broadcast(protocol.Update(r.store.Snapshot(), true))
		return
	}
	r.stats.Batches++
	r.metrics.BatchAccepted()
	r.broadcast(protocol.Update(batch, false))
}

func (r *Room) leave(playerID string) {
	m, ok := r.members[playerID]
	if !ok {
		return
	}
	r.removeMember(playerID, m)
	r.log.Info("leave", zap.String("player_id", playerID), zap.Int("members", len(r.members)))
	r.cleanupPlayer(playerID)
}

func (r *Room) removeMember(playerID string, m *member) {
	delete(r.members, playerID)
	for i, id := range r.order {
		if id == playerID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.metrics.PlayerLeft()
	if len(r.members) == 0 {
		r.idleSince = r.opts.Now()
	}
}

func (r *Room) cleanupPlayer(playerID string) {
	if deletions := r.store.PlayerEntries(playerID); len(deletions) > 0 {
		r.update(deletions)
	}
}

func (r *Room) authenticate(playerID, password string) AuthResult {
	m, ok := r.members[playerID]
	if !ok {
		return AuthResult{Err: ErrNotMember}
	}
	m.authed = bcrypt.CompareHashAndPassword(r.passwordHash, []byte(password)) == nil
	r.log.Info("auth", zap.String("player_id", playerID), zap.Bool("ok", m.authed))
	r.send(playerID, protocol.Authed(m.authed))
	return AuthResult{OK: m.authed}
}

func (r *Room) view() View {
	return View{
		GameID:    r.id,
		Players:   append([]string(nil), r.order...),
		Entries:   r.store.Len(),
		Snapshot:  r.store.Snapshot(),
		IdleSince: r.idleSince,
		CreatedAt: r.createdAt,
		Stats:     r.stats,
	}
}

func (r *Room) send(playerID string, msg protocol.Message) {
	m, ok := r.members[playerID]
	if !ok {
		return
	}
	select {
	case m.out <- msg:
		// ok
	default:
		// Member is slow/full - drop them.
		r.drop(playerID, m)
	}
}

func (r *Room) broadcast(msg protocol.Message) {
	for _, id := range append([]string(nil), r.order...) {
		r.send(id, msg)
	}
}

func (r *Room) drop(playerID string, m *member) {
	close(m.out)
	r.removeMember(playerID, m)
	r.stats.Dropped++
	r.metrics.MemberDropped()
	r.log.Warn("dropped slow member", zap.String("player_id", playerID))
	r.dropped = append(r.dropped, playerID)
}

// reapDropped runs per-player cleanup for members dropped during fan-out.
// Cleanup can drop further members, so it loops until quiet.
func (r *Room) reapDropped() {
	for len(r.dropped) > 0 {
		id := r.dropped[0]
		r.dropped = r.dropped[1:]
		r.cleanupPlayer(id)
	}
}

func (r *Room) shutdown() {
	for _, id := range r.order {
		close(r.members[id].out) // Tell member no more messages
		delete(r.members, id)
		r.metrics.PlayerLeft()
	}
	r.order = nil
	r.cancel()
	r.log.Info("room closed", zap.Int("joins", r.stats.Joins), zap.Int("resyncs", r.stats.Resyncs))
}
