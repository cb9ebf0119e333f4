// Package client is the player side of a table: a Conn keeps one connection
// to a game and Collections give typed, mirrored views of entry kinds.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/DoyleJ11/tile-table/pkg/protocol"
)

// readLimit bounds a single frame; full snapshots of a busy table are large.
const readLimit = 1 << 20

// Transport is one established connection carrying text frames.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

type Dialer func(ctx context.Context, url string) (Transport, error)

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "bye")
}

// WebsocketDialer dials url as a websocket. opts may be nil.
func WebsocketDialer(opts *websocket.DialOptions) Dialer {
	return func(ctx context.Context, url string) (Transport, error) {
		conn, _, err := websocket.Dial(ctx, url, opts)
		if err != nil {
			return nil, err
		}
		conn.SetReadLimit(readLimit)
		return &wsTransport{conn: conn}, nil
	}
}

// Game identifies the session a Conn is attached to.
type Game struct {
	GameID   string
	PlayerID string
	Password string // only set for the first player
}

type Option func(*Conn)

func WithDialer(d Dialer) Option { return func(c *Conn) { c.dial = d } }

func WithLogger(l *zap.Logger) Option { return func(c *Conn) { c.log = l } }

func WithWriteTimeout(d time.Duration) Option { return func(c *Conn) { c.writeTimeout = d } }

// Conn owns at most one connection. Handlers run on the connection's read
// goroutine, one at a time, in registration order. An open Transaction
// batches Updates from every goroutine.
type Conn struct {
	dial         Dialer
	log          *zap.Logger
	writeTimeout time.Duration

	mu       sync.Mutex
	t        Transport
	game     *Game
	txDepth  int
	pending  []protocol.Entry
	onConn   []func(Game, bool)
	onDisc   []func(*Game)
	onUpdate []func([]protocol.Entry, bool)
	onAuthed []func(bool)

	wmu sync.Mutex // serializes frames on the transport
}

func NewConn(opts ...Option) *Conn {
	c := &Conn{
		dial:         WebsocketDialer(nil),
		log:          zap.NewNop(),
		writeTimeout: 5 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// New connects and asks the server for a fresh game.
func (c *Conn) New(ctx context.Context, url string) error {
	return c.connect(ctx, url, protocol.New())
}

// Join connects and asks to join gameID.
func (c *Conn) Join(ctx context.Context, url, gameID string) error {
	return c.connect(ctx, url, protocol.Join(gameID))
}

// Auth sends the room password; the answer arrives through OnAuthed.
func (c *Conn) Auth(password string) {
	c.send(protocol.Auth(password))
}

func (c *Conn) connect(ctx context.Context, url string, first protocol.Message) error {
	c.mu.Lock()
	busy := c.t != nil
	c.mu.Unlock()
	if busy {
		return nil
	}

	t, err := c.dial(ctx, url)
	if err != nil {
		c.log.Debug("dial failed", zap.String("url", url), zap.Error(err))
		c.fireDisconnect(nil)
		return err
	}

	c.mu.Lock()
	if c.t != nil {
		c.mu.Unlock()
		_ = t.Close()
		return nil
	}
	c.t = t
	c.mu.Unlock()

	go c.readLoop(t)
	c.send(first)
	return nil
}

// Disconnect closes the connection. The disconnect event follows from the
// read goroutine.
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	t := c.t
	c.mu.Unlock()
	if t == nil {
		return nil
	}
	return t.Close()
}

func (c *Conn) readLoop(t Transport) {
	var err error
	defer func() { c.closed(t, err) }()

	for {
		var data []byte
		data, err = t.Read(context.Background())
		if err != nil {
			return
		}
		msg, decodeErr := protocol.Decode(data)
		if decodeErr != nil {
			err = decodeErr
			return
		}
		c.dispatch(msg)
	}
}

func (c *Conn) closed(t Transport, cause error) {
	c.mu.Lock()
	if c.t != t {
		c.mu.Unlock()
		return
	}
	c.t = nil
	prev := c.game
	c.game = nil
	c.mu.Unlock()

	err := multierr.Combine(cause, t.Close())
	c.log.Debug("disconnected", zap.Error(err))
	c.fireDisconnect(prev)
}

func (c *Conn) dispatch(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeJoined:
		g := Game{GameID: msg.GameID, PlayerID: msg.PlayerID, Password: msg.Password}
		c.mu.Lock()
		c.game = &g
		handlers := append(([]func(Game, bool))(nil), c.onConn...)
		c.mu.Unlock()
		c.log.Debug("joined", zap.String("game_id", g.GameID), zap.String("player_id", g.PlayerID))
		for _, h := range handlers {
			h(g, msg.IsFirst)
		}

	case protocol.TypeUpdate:
		c.mu.Lock()
		handlers := append(([]func([]protocol.Entry, bool))(nil), c.onUpdate...)
		c.mu.Unlock()
		for _, h := range handlers {
			h(msg.Entries, msg.Full)
		}

	case protocol.TypeAuthed:
		c.mu.Lock()
		handlers := append(([]func(bool))(nil), c.onAuthed...)
		c.mu.Unlock()
		for _, h := range handlers {
			h(msg.IsAuthed)
		}
	}
}

func (c *Conn) fireDisconnect(prev *Game) {
	c.mu.Lock()
	handlers := append(([]func(*Game))(nil), c.onDisc...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(prev)
	}
}

func (c *Conn) OnConnect(h func(g Game, isFirst bool)) {
	c.mu.Lock()
	c.onConn = append(c.onConn, h)
	c.mu.Unlock()
}

// OnDisconnect handlers get the game that was left, or nil if the
// connection never joined one.
func (c *Conn) OnDisconnect(h func(prev *Game)) {
	c.mu.Lock()
	c.onDisc = append(c.onDisc, h)
	c.mu.Unlock()
}

func (c *Conn) OnUpdate(h func(entries []protocol.Entry, full bool)) {
	c.mu.Lock()
	c.onUpdate = append(c.onUpdate, h)
	c.mu.Unlock()
}

func (c *Conn) OnAuthed(h func(ok bool)) {
	c.mu.Lock()
	c.onAuthed = append(c.onAuthed, h)
	c.mu.Unlock()
}

// Transaction collects every Update made while fn runs and sends them as a
// single batch when fn returns, or unwinds with a panic. Nested calls join the
// outermost transaction.
//
// The transaction belongs to the Conn, not the calling goroutine: an Update
// from any goroutine while fn runs, including a Collection's rate-limited
// flush, lands in the same batch.
func (c *Conn) Transaction(fn func()) {
	c.mu.Lock()
	c.txDepth++
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.txDepth--
		var batch []protocol.Entry
		if c.txDepth == 0 {
			batch = c.pending
			c.pending = nil
		}
		c.mu.Unlock()
		if len(batch) > 0 {
			c.send(protocol.Update(batch, false))
		}
	}()

	fn()
}

// Update sends entries as one batch, or queues them inside a transaction.
func (c *Conn) Update(entries []protocol.Entry) {
	if len(entries) == 0 {
		return
	}
	c.mu.Lock()
	if c.txDepth > 0 {
		c.pending = append(c.pending, entries...)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.send(protocol.Update(entries, false))
}

// send drops the message when there is no open connection.
func (c *Conn) send(msg protocol.Message) {
	c.mu.Lock()
	t := c.t
	c.mu.Unlock()
	if t == nil {
		return
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		c.log.Error("encode failed", zap.Error(err))
		return
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()
	if err := t.Write(ctx, data); err != nil {
		c.log.Debug("write failed", zap.Error(err))
		_ = t.Close()
	}
}

// Connected reports whether the connection is open and has joined a game.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t != nil && c.game != nil
}

// Game returns the current game, if joined.
func (c *Conn) Game() (Game, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.game == nil {
		return Game{}, false
	}
	return *c.game, true
}

func (c *Conn) PlayerID() string {
	g, _ := c.Game()
	return g.PlayerID
}
