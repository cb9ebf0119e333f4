package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

type MessageType string

const (
	TypeNew    MessageType = "NEW"
	TypeJoin   MessageType = "JOIN"
	TypeJoined MessageType = "JOINED"
	TypeUpdate MessageType = "UPDATE"
	TypeAuth   MessageType = "AUTH"
	TypeAuthed MessageType = "AUTHED"
)

// Message is the envelope for every frame in either direction. Only the
// fields relevant to Type are encoded.
type Message struct {
	Type     MessageType
	GameID   string
	PlayerID string
	IsFirst  bool
	Password string
	IsAuthed bool
	Entries  []Entry
	Full     bool
}

func New() Message                 { return Message{Type: TypeNew} }
func Join(gameID string) Message   { return Message{Type: TypeJoin, GameID: gameID} }
func Auth(password string) Message { return Message{Type: TypeAuth, Password: password} }
func Authed(ok bool) Message       { return Message{Type: TypeAuthed, IsAuthed: ok} }

func Joined(gameID, playerID string, isFirst bool, password string) Message {
	return Message{Type: TypeJoined, GameID: gameID, PlayerID: playerID, IsFirst: isFirst, Password: password}
}

func Update(entries []Entry, full bool) Message {
	if entries == nil {
		entries = []Entry{}
	}
	return Message{Type: TypeUpdate, Entries: entries, Full: full}
}

type newWire struct {
	Type MessageType `json:"type"`
}

type joinWire struct {
	Type   MessageType `json:"type"`
	GameID string      `json:"gameId"`
}

type joinedWire struct {
	Type     MessageType `json:"type"`
	GameID   string      `json:"gameId"`
	PlayerID string      `json:"playerId"`
	IsFirst  bool        `json:"isFirst"`
	Password string      `json:"password,omitempty"`
}

type updateWire struct {
	Type    MessageType `json:"type"`
	Entries []Entry     `json:"entries"`
	Full    bool        `json:"full"`
}

type authWire struct {
	Type     MessageType `json:"type"`
	Password string      `json:"password"`
}

type authedWire struct {
	Type     MessageType `json:"type"`
	IsAuthed bool        `json:"isAuthed"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	switch m.Type {
	case TypeNew:
		return json.Marshal(newWire{Type: m.Type})
	case TypeJoin:
		return json.Marshal(joinWire{Type: m.Type, GameID: m.GameID})
	case TypeJoined:
		return json.Marshal(joinedWire{Type: m.Type, GameID: m.GameID, PlayerID: m.PlayerID, IsFirst: m.IsFirst, Password: m.Password})
	case TypeUpdate:
		entries := m.Entries
		if entries == nil {
			entries = []Entry{}
		}
		return json.Marshal(updateWire{Type: m.Type, Entries: entries, Full: m.Full})
	case TypeAuth:
		return json.Marshal(authWire{Type: m.Type, Password: m.Password})
	case TypeAuthed:
		return json.Marshal(authedWire{Type: m.Type, IsAuthed: m.IsAuthed})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
}

// inbound accepts every field so required ones can be checked per type.
type inbound struct {
	Type     MessageType `json:"type"`
	GameID   *string     `json:"gameId"`
	PlayerID *string     `json:"playerId"`
	IsFirst  *bool       `json:"isFirst"`
	Password *string     `json:"password"`
	IsAuthed *bool       `json:"isAuthed"`
	Entries  *[]Entry    `json:"entries"`
	Full     *bool       `json:"full"`
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	out := Message{Type: in.Type}
	switch in.Type {
	case TypeNew:
	case TypeJoin:
		if in.GameID == nil {
			return fmt.Errorf("%w: JOIN requires gameId", ErrMalformed)
		}
		out.GameID = *in.GameID
	case TypeJoined:
		if in.GameID == nil || in.PlayerID == nil {
			return fmt.Errorf("%w: JOINED requires gameId and playerId", ErrMalformed)
		}
		out.GameID, out.PlayerID = *in.GameID, *in.PlayerID
		out.IsFirst = in.IsFirst != nil && *in.IsFirst
		if in.Password != nil {
			out.Password = *in.Password
		}
	case TypeUpdate:
		if in.Entries == nil {
			return fmt.Errorf("%w: UPDATE requires entries", ErrMalformed)
		}
		out.Entries = *in.Entries
		if out.Entries == nil {
			out.Entries = []Entry{}
		}
		out.Full = in.Full != nil && *in.Full
	case TypeAuth:
		if in.Password == nil {
			return fmt.Errorf("%w: AUTH requires password", ErrMalformed)
		}
		out.Password = *in.Password
	case TypeAuthed:
		out.IsAuthed = in.IsAuthed != nil && *in.IsAuthed
	case "":
		return fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, in.Type)
	}
	*m = out
	return nil
}

func Encode(m Message) ([]byte, error) { return json.Marshal(m) }

func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		if errors.Is(err, ErrMalformed) || errors.Is(err, ErrUnknownType) {
			return Message{}, err
		}
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return m, nil
}
