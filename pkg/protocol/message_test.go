package protocol

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntry_EncodesAsTriple(t *testing.T) {
	e, err := NewEntry("foo", StringKey("bar"), map[string]int{"x": 1})
	require.NoError(t, err)

	raw, err := json.Marshal(e)
	require.NoError(t, err)
	assert.JSONEq(t, `["foo","bar",{"x":1}]`, string(raw))

	raw, err = json.Marshal(Delete("things", IntKey(12)))
	require.NoError(t, err)
	assert.Equal(t, `["things",12,null]`, string(raw))
}

func TestEntry_DecodeNullIsDelete(t *testing.T) {
	var e Entry
	require.NoError(t, json.Unmarshal([]byte(`["foo", 3, null]`), &e))
	assert.Equal(t, "foo", e.Kind)
	assert.Equal(t, IntKey(3), e.Key)
	assert.True(t, e.IsDelete())
}

func TestEntry_RejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not an array", `{"kind":"foo"}`},
		{"two elements", `["foo","bar"]`},
		{"empty kind", `["","bar",1]`},
		{"numeric kind", `[1,"bar",1]`},
		{"fractional key", `["foo",1.5,1]`},
		{"object key", `["foo",{},1]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var e Entry
			err := json.Unmarshal([]byte(tc.raw), &e)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestKey_Ordering(t *testing.T) {
	assert.True(t, IntKey(2).Less(IntKey(10)))
	assert.True(t, IntKey(99).Less(StringKey("a")))
	assert.True(t, StringKey("a").Less(StringKey("b")))
	assert.False(t, StringKey("b").Less(IntKey(1)))
	assert.Equal(t, "42", IntKey(42).String())
}

func TestMessage_Joined(t *testing.T) {
	raw, err := Encode(Joined("xxx", "P1", false, ""))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"JOINED","gameId":"xxx","playerId":"P1","isFirst":false}`, string(raw))

	m, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, Joined("xxx", "P1", false, ""), m)
}

func TestMessage_EmptyFullUpdateKeepsEntriesArray(t *testing.T) {
	raw, err := Encode(Update(nil, true))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"UPDATE","entries":[],"full":true}`, string(raw))
}

func TestMessage_UpdateRoundTrip(t *testing.T) {
	in := `{"type":"UPDATE","entries":[["foo","bar","baz"],["foo","bar2",null]],"full":false}`
	m, err := Decode([]byte(in))
	require.NoError(t, err)
	require.Len(t, m.Entries, 2)
	assert.Equal(t, json.RawMessage(`"baz"`), m.Entries[0].Value)
	assert.True(t, m.Entries[1].IsDelete())

	out, err := Encode(m)
	require.NoError(t, err)
	assert.JSONEq(t, in, string(out))
}

func TestDecode_Errors(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want error
	}{
		{"bad json", `{"type":`, ErrMalformed},
		{"missing type", `{"gameId":"x"}`, ErrMalformed},
		{"unknown type", `{"type":"REJOIN"}`, ErrUnknownType},
		{"join without game", `{"type":"JOIN"}`, ErrMalformed},
		{"update without entries", `{"type":"UPDATE","full":false}`, ErrMalformed},
		{"update with bad entry", `{"type":"UPDATE","entries":[["foo"]]}`, ErrMalformed},
		{"auth without password", `{"type":"AUTH"}`, ErrMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.raw))
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestNewID_Alphabet(t *testing.T) {
	for range 50 {
		id, err := NewID(nil)
		require.NoError(t, err)
		require.Len(t, id, IDLength)
		for _, c := range id {
			assert.Containsf(t, IDAlphabet, string(c), "id %q", id)
		}
	}
}

func TestNewUniqueID_RetriesOnCollision(t *testing.T) {
	// A zero reader always yields the first symbol.
	first := "00000"
	calls := 0
	id, err := NewUniqueID(bytes.NewReader(make([]byte, 1024)), func(id string) bool {
		calls++
		return calls < 3
	})
	require.NoError(t, err)
	assert.Equal(t, first, id)
	assert.Equal(t, 3, calls)
}
