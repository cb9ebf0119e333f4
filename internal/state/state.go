package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/DoyleJ11/tile-table/pkg/protocol"
)

var ErrConflict = errors.New("unique field conflict")

// Declarations are stored like any other entry.
const (
	KindUnique    = protocol.KindUnique
	KindEphemeral = protocol.KindEphemeral
	KindPerPlayer = protocol.KindPerPlayer
	KindProtected = protocol.KindProtected
)

// Store is the merged entry space of one room plus the policy declarations
// that govern it. It is not safe for concurrent use; the room loop owns it.
type Store struct {
	entries   map[string]map[protocol.Key]json.RawMessage
	unique    map[string]string
	ephemeral map[string]bool
	perPlayer map[string]bool
}

func New() *Store {
	return &Store{
		entries:   map[string]map[protocol.Key]json.RawMessage{},
		unique:    map[string]string{},
		ephemeral: map[string]bool{},
		perPlayer: map[string]bool{},
	}
}

// Apply validates the batch against every unique declaration and, if it
// passes, merges it. On conflict nothing is committed.
func (s *Store) Apply(batch []protocol.Entry) error {
	if err := s.checkUnique(batch); err != nil {
		return err
	}
	for _, e := range batch {
		s.merge(e)
	}
	return nil
}

func (s *Store) merge(e protocol.Entry) {
	if !s.ephemeral[e.Kind] {
		coll := s.entries[e.Kind]
		if coll == nil {
			coll = map[protocol.Key]json.RawMessage{}
			s.entries[e.Kind] = coll
		}
		if e.IsDelete() {
			delete(coll, e.Key)
			if len(coll) == 0 {
				delete(s.entries, e.Kind)
			}
		} else {
			coll[e.Key] = e.Value
		}
	}

	switch e.Kind {
	case KindUnique:
		var field string
		if e.IsDelete() || json.Unmarshal(e.Value, &field) != nil || field == "" {
			delete(s.unique, e.Key.String())
		} else {
			s.unique[e.Key.String()] = field
		}
	case KindEphemeral:
		setFlag(s.ephemeral, e)
	case KindPerPlayer:
		setFlag(s.perPlayer, e)
	}
}

func setFlag(m map[string]bool, e protocol.Entry) {
	var on bool
	if e.IsDelete() || json.Unmarshal(e.Value, &on) != nil || !on {
		delete(m, e.Key.String())
		return
	}
	m[e.Key.String()] = true
}

func (s *Store) checkUnique(batch []protocol.Entry) error {
	for kind, field := range s.unique {
		coll := s.entries[kind]
		if coll == nil {
			// Nothing stored yet, but the batch may still collide with itself.
			coll = map[protocol.Key]json.RawMessage{}
		}

		occupied := map[string]int{}
		for _, v := range coll {
			if fv, ok := fieldValue(v, field); ok {
				occupied[fv]++
			}
		}
		// Each stored key gives up its value once, however often the batch
		// writes it.
		released := map[protocol.Key]bool{}
		for _, e := range batch {
			if e.Kind != kind || released[e.Key] {
				continue
			}
			released[e.Key] = true
			if fv, ok := fieldValue(coll[e.Key], field); ok {
				occupied[fv]--
			}
		}
		// The same key written twice in a batch is released before its
		// second write is checked.
		written := map[protocol.Key]string{}
		for _, e := range batch {
			if e.Kind != kind {
				continue
			}
			if prev, ok := written[e.Key]; ok {
				occupied[prev]--
				delete(written, e.Key)
			}
			fv, ok := fieldValue(e.Value, field)
			if !ok {
				continue
			}
			if occupied[fv] > 0 {
				return fmt.Errorf("%w: %s.%s = %s", ErrConflict, kind, field, fv)
			}
			occupied[fv]++
			written[e.Key] = fv
		}
	}
	return nil
}

// fieldValue returns the canonical JSON encoding of value[field]. Absent,
// null, and non-object values report ok=false and are exempt from uniqueness.
func fieldValue(value json.RawMessage, field string) (string, bool) {
	if len(value) == 0 || value[0] != '{' {
		return "", false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(value, &obj); err != nil {
		return "", false
	}
	raw, ok := obj[field]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return "", false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false
	}
	canon, err := json.Marshal(v)
	if err != nil {
		return "", false
	}
	return string(canon), true
}

// Snapshot returns every persisted entry ordered by kind then key.
func (s *Store) Snapshot() []protocol.Entry {
	kinds := make([]string, 0, len(s.entries))
	for kind := range s.entries {
		kinds = append(kinds, kind)
	}
	slices.Sort(kinds)

	out := []protocol.Entry{}
	for _, kind := range kinds {
		coll := s.entries[kind]
		keys := make([]protocol.Key, 0, len(coll))
		for k := range coll {
			keys = append(keys, k)
		}
		slices.SortFunc(keys, compareKeys)
		for _, k := range keys {
			out = append(out, protocol.Entry{Kind: kind, Key: k, Value: coll[k]})
		}
	}
	return out
}

func compareKeys(a, b protocol.Key) int {
	switch {
	case a.Less(b):
		return -1
	case b.Less(a):
		return 1
	}
	return 0
}

// PlayerEntries returns deletions for every per-player entry keyed by
// playerID.
func (s *Store) PlayerEntries(playerID string) []protocol.Entry {
	kinds := make([]string, 0, len(s.perPlayer))
	for kind := range s.perPlayer {
		kinds = append(kinds, kind)
	}
	slices.Sort(kinds)

	var out []protocol.Entry
	key := protocol.StringKey(playerID)
	for _, kind := range kinds {
		if _, ok := s.entries[kind][key]; ok {
			out = append(out, protocol.Delete(kind, key))
		}
	}
	return out
}

// Filter drops protected entries unless the sender is authenticated. The
// input slice is not modified.
func Filter(batch []protocol.Entry, authed bool) []protocol.Entry {
	if authed {
		return batch
	}
	out := make([]protocol.Entry, 0, len(batch))
	for _, e := range batch {
		if e.Kind == KindProtected {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (s *Store) Get(kind string, key protocol.Key) (json.RawMessage, bool) {
	v, ok := s.entries[kind][key]
	return v, ok
}

// Len counts persisted entries across all kinds.
func (s *Store) Len() int {
	n := 0
	for _, coll := range s.entries {
		n += len(coll)
	}
	return n
}

func (s *Store) UniqueField(kind string) (string, bool) {
	f, ok := s.unique[kind]
	return f, ok
}

func (s *Store) IsEphemeral(kind string) bool { return s.ephemeral[kind] }
func (s *Store) IsPerPlayer(kind string) bool { return s.perPlayer[kind] }
