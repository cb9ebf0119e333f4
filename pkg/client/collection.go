package client

import (
	"cmp"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/tile-table/pkg/protocol"
)

// KeyType lists the Go types a Collection can key on. They map onto the wire's
// string and integer keys.
type KeyType interface {
	~string | ~int | ~int32 | ~int64
}

// OfflineKey is where a per-player collection keeps the local player's value
// while disconnected.
const OfflineKey = "offline"

type Change[K KeyType, V any] struct {
	Key     K
	Value   V
	Deleted bool
}

type CollectionOption func(*collectionOptions)

type collectionOptions struct {
	unique        string
	ephemeral     bool
	perPlayer     bool
	sendOnConnect bool
	rateLimit     time.Duration
}

// WithUnique declares that no two values of the kind may share field.
func WithUnique(field string) CollectionOption {
	return func(o *collectionOptions) { o.unique = field }
}

func Ephemeral() CollectionOption { return func(o *collectionOptions) { o.ephemeral = true } }
func PerPlayer() CollectionOption { return func(o *collectionOptions) { o.perPlayer = true } }

// SendOnConnect uploads the local mirror when this client opens a new game.
func SendOnConnect() CollectionOption { return func(o *collectionOptions) { o.sendOnConnect = true } }

// WithRateLimit coalesces local changes and sends them at most once per d.
func WithRateLimit(d time.Duration) CollectionOption {
	return func(o *collectionOptions) { o.rateLimit = d }
}

// Collection mirrors every entry of one kind and converts between wire values
// and V. Local writes apply immediately; the server's echo and full resyncs
// overwrite them.
type Collection[K KeyType, V any] struct {
	kind string
	conn *Conn
	opts collectionOptions
	log  *zap.Logger

	mu       sync.Mutex
	items    map[K]V
	pending  map[K]*V
	lastSent time.Time
	stop     chan struct{}
	handlers []func([]Change[K, V], bool)
}

func NewCollection[K KeyType, V any](kind string, conn *Conn, opts ...CollectionOption) *Collection[K, V] {
	c := &Collection[K, V]{
		kind:    kind,
		conn:    conn,
		log:     conn.log.With(zap.String("kind", kind)),
		items:   make(map[K]V),
		pending: make(map[K]*V),
	}
	for _, o := range opts {
		o(&c.opts)
	}
	conn.OnUpdate(c.receive)
	conn.OnConnect(c.connected)
	conn.OnDisconnect(c.disconnected)
	return c
}

func (c *Collection[K, V]) Kind() string { return c.kind }

func (c *Collection[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items[key]
	return v, ok
}

func (c *Collection[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Entries returns the mirror sorted by key.
func (c *Collection[K, V]) Entries() []Change[K, V] {
	c.mu.Lock()
	out := make([]Change[K, V], 0, len(c.items))
	for k, v := range c.items {
		out = append(out, Change[K, V]{Key: k, Value: v})
	}
	c.mu.Unlock()
	slices.SortFunc(out, func(a, b Change[K, V]) int { return cmp.Compare(a.Key, b.Key) })
	return out
}

func (c *Collection[K, V]) OnUpdate(h func(changes []Change[K, V], full bool)) {
	c.mu.Lock()
	c.handlers = append(c.handlers, h)
	c.mu.Unlock()
}

func (c *Collection[K, V]) Set(key K, value V) {
	c.Update([]Change[K, V]{{Key: key, Value: value}})
}

func (c *Collection[K, V]) Delete(key K) {
	c.Update([]Change[K, V]{{Key: key, Deleted: true}})
}

// Update applies changes to the mirror and sends them. Offline, the changes
// stay local and the update handlers fire as if the server had echoed them.
func (c *Collection[K, V]) Update(changes []Change[K, V]) {
	if len(changes) == 0 {
		return
	}

	if !c.conn.Connected() {
		c.mu.Lock()
		c.apply(changes)
		c.mu.Unlock()
		c.fire(changes, false)
		return
	}

	if c.opts.rateLimit > 0 {
		c.mu.Lock()
		c.apply(changes)
		for _, ch := range changes {
			if ch.Deleted {
				c.pending[ch.Key] = nil
				continue
			}
			v := ch.Value
			c.pending[ch.Key] = &v
		}
		due := time.Since(c.lastSent) >= c.opts.rateLimit
		c.mu.Unlock()
		if due {
			c.flush()
		}
		return
	}

	entries, err := c.encode(changes)
	if err != nil {
		c.log.Error("encode failed", zap.Error(err))
		return
	}
	c.mu.Lock()
	c.apply(changes)
	c.mu.Unlock()
	c.conn.Update(entries)
}

// apply requires c.mu.
func (c *Collection[K, V]) apply(changes []Change[K, V]) {
	for _, ch := range changes {
		if ch.Deleted {
			delete(c.items, ch.Key)
			continue
		}
		c.items[ch.Key] = ch.Value
	}
}

func (c *Collection[K, V]) fire(changes []Change[K, V], full bool) {
	c.mu.Lock()
	handlers := append(([]func([]Change[K, V], bool))(nil), c.handlers...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(changes, full)
	}
}

func (c *Collection[K, V]) encode(changes []Change[K, V]) ([]protocol.Entry, error) {
	entries := make([]protocol.Entry, 0, len(changes))
	for _, ch := range changes {
		key, err := toKey(ch.Key)
		if err != nil {
			return nil, err
		}
		if ch.Deleted {
			entries = append(entries, protocol.Delete(c.kind, key))
			continue
		}
		e, err := protocol.NewEntry(c.kind, key, ch.Value)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (c *Collection[K, V]) decode(e protocol.Entry) (Change[K, V], bool) {
	var ch Change[K, V]
	k, err := fromKey[K](e.Key)
	if err != nil {
		c.log.Warn("skipping entry with foreign key", zap.Stringer("key", e.Key), zap.Error(err))
		return ch, false
	}
	ch.Key = k
	if e.IsDelete() {
		ch.Deleted = true
		return ch, true
	}
	if err := e.Decode(&ch.Value); err != nil {
		c.log.Warn("skipping undecodable value", zap.Stringer("key", e.Key), zap.Error(err))
		return ch, false
	}
	return ch, true
}

func (c *Collection[K, V]) receive(entries []protocol.Entry, full bool) {
	var changes []Change[K, V]
	for _, e := range entries {
		if e.Kind != c.kind {
			continue
		}
		if ch, ok := c.decode(e); ok {
			changes = append(changes, ch)
		}
	}
	if !full && len(changes) == 0 {
		return
	}

	c.mu.Lock()
	if full {
		clear(c.items)
	}
	c.apply(changes)
	c.mu.Unlock()
	c.fire(changes, full)
}

func (c *Collection[K, V]) connected(_ Game, isFirst bool) {
	if isFirst {
		c.conn.Transaction(func() {
			for _, e := range c.declarations() {
				c.conn.Update([]protocol.Entry{e})
			}
			if c.opts.sendOnConnect {
				c.upload()
			}
		})
	}

	if c.opts.rateLimit > 0 {
		stop := make(chan struct{})
		c.mu.Lock()
		c.stop = stop
		c.mu.Unlock()
		go c.flushLoop(stop)
	}
}

func (c *Collection[K, V]) declarations() []protocol.Entry {
	var out []protocol.Entry
	if c.opts.unique != "" {
		e, _ := protocol.NewEntry(protocol.KindUnique, protocol.StringKey(c.kind), c.opts.unique)
		out = append(out, e)
	}
	if c.opts.ephemeral {
		e, _ := protocol.NewEntry(protocol.KindEphemeral, protocol.StringKey(c.kind), true)
		out = append(out, e)
	}
	if c.opts.perPlayer {
		e, _ := protocol.NewEntry(protocol.KindPerPlayer, protocol.StringKey(c.kind), true)
		out = append(out, e)
	}
	return out
}

func (c *Collection[K, V]) upload() {
	local := c.Entries()
	if len(local) == 0 {
		return
	}
	entries, err := c.encode(local)
	if err != nil {
		c.log.Error("encode failed", zap.Error(err))
		return
	}
	c.conn.Update(entries)
}

func (c *Collection[K, V]) flushLoop(stop <-chan struct{}) {
	t := time.NewTicker(c.opts.rateLimit)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			c.flush()
		}
	}
}

func (c *Collection[K, V]) flush() {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	changes := make([]Change[K, V], 0, len(c.pending))
	for k, v := range c.pending {
		if v == nil {
			changes = append(changes, Change[K, V]{Key: k, Deleted: true})
			continue
		}
		changes = append(changes, Change[K, V]{Key: k, Value: *v})
	}
	clear(c.pending)
	c.lastSent = time.Now()
	c.mu.Unlock()

	slices.SortFunc(changes, func(a, b Change[K, V]) int { return cmp.Compare(a.Key, b.Key) })
	entries, err := c.encode(changes)
	if err != nil {
		c.log.Error("encode failed", zap.Error(err))
		return
	}
	c.conn.Update(entries)
}

func (c *Collection[K, V]) disconnected(prev *Game) {
	c.mu.Lock()
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	clear(c.pending)
	c.mu.Unlock()

	if prev == nil || !c.opts.perPlayer {
		return
	}

	own, err := fromKey[K](protocol.StringKey(prev.PlayerID))
	if err != nil {
		return
	}
	offline, err := fromKey[K](protocol.StringKey(OfflineKey))
	if err != nil {
		return
	}

	var changes []Change[K, V]
	c.mu.Lock()
	v, ok := c.items[own]
	clear(c.items)
	if ok {
		c.items[offline] = v
		changes = append(changes, Change[K, V]{Key: offline, Value: v})
	}
	c.mu.Unlock()
	c.fire(changes, true)
}

func toKey[K KeyType](k K) (protocol.Key, error) {
	data, err := json.Marshal(k)
	if err != nil {
		return protocol.Key{}, err
	}
	var key protocol.Key
	err = key.UnmarshalJSON(data)
	return key, err
}

func fromKey[K KeyType](key protocol.Key) (K, error) {
	var k K
	data, err := key.MarshalJSON()
	if err != nil {
		return k, err
	}
	err = json.Unmarshal(data, &k)
	return k, err
}
