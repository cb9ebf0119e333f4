package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

var ErrMalformed = errors.New("malformed message")
var ErrUnknownType = errors.New("unknown message type")

// Reserved kinds. An entry of one of these kinds declares a policy for the
// kind named by its key.
const (
	KindUnique    = "unique"
	KindEphemeral = "ephemeral"
	KindPerPlayer = "perPlayer"
	KindProtected = "protected"
)

// Key identifies an entry within its kind. It is either a string or an
// integer, matching the two key shapes the wire format allows.
type Key struct {
	str   string
	num   int64
	isNum bool
}

func StringKey(s string) Key { return Key{str: s} }
func IntKey(n int64) Key     { return Key{num: n, isNum: true} }

func (k Key) IsInt() bool { return k.isNum }

// Int returns the integer form of the key; ok is false for string keys.
func (k Key) Int() (int64, bool) { return k.num, k.isNum }

func (k Key) String() string {
	if k.isNum {
		return strconv.FormatInt(k.num, 10)
	}
	return k.str
}

// Less orders integer keys before string keys.
func (k Key) Less(o Key) bool {
	if k.isNum != o.isNum {
		return k.isNum
	}
	if k.isNum {
		return k.num < o.num
	}
	return k.str < o.str
}

func (k Key) MarshalJSON() ([]byte, error) {
	if k.isNum {
		return []byte(strconv.FormatInt(k.num, 10)), nil
	}
	return json.Marshal(k.str)
}

func (k *Key) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("%w: key: %v", ErrMalformed, err)
		}
		*k = StringKey(s)
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: key must be a string or integer, got %s", ErrMalformed, data)
	}
	*k = IntKey(n)
	return nil
}

// Entry is one (kind, key, value) change. A nil Value deletes the key.
type Entry struct {
	Kind  string
	Key   Key
	Value json.RawMessage
}

var null = []byte("null")

// NewEntry marshals v into an entry value. A nil v produces a deletion.
func NewEntry(kind string, key Key, v any) (Entry, error) {
	if v == nil {
		return Entry{Kind: kind, Key: key}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return Entry{}, err
	}
	if bytes.Equal(raw, null) {
		raw = nil
	}
	return Entry{Kind: kind, Key: key, Value: raw}, nil
}

func Delete(kind string, key Key) Entry { return Entry{Kind: kind, Key: key} }

func (e Entry) IsDelete() bool { return e.Value == nil }

// Decode unmarshals the entry value into v. Deletions leave v untouched.
func (e Entry) Decode(v any) error {
	if e.IsDelete() {
		return nil
	}
	return json.Unmarshal(e.Value, v)
}

func (e Entry) MarshalJSON() ([]byte, error) {
	value := json.RawMessage(null)
	if e.Value != nil {
		value = e.Value
	}
	return json.Marshal([3]any{e.Kind, e.Key, value})
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("%w: entry: %v", ErrMalformed, err)
	}
	if len(parts) != 3 {
		return fmt.Errorf("%w: entry must have 3 elements, got %d", ErrMalformed, len(parts))
	}
	var kind string
	if err := json.Unmarshal(parts[0], &kind); err != nil || kind == "" {
		return fmt.Errorf("%w: entry kind must be a non-empty string", ErrMalformed)
	}
	var key Key
	if err := key.UnmarshalJSON(parts[1]); err != nil {
		return err
	}
	value := bytes.TrimSpace(parts[2])
	if bytes.Equal(value, null) {
		value = nil
	} else {
		value = append(json.RawMessage(nil), value...)
	}
	*e = Entry{Kind: kind, Key: key, Value: value}
	return nil
}
