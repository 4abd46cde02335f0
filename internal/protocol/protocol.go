package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Represents the "type" discriminator carried by every frame
type Type string

const (
	// Client -> server
	TypeJoin         Type = "join"
	TypeLeave        Type = "leave"
	TypeCodeChange   Type = "code_change"
	TypeCursorChange Type = "cursor_change"

	// Server -> client only
	TypeUserJoined Type = "user_joined"
	TypeUserLeft   Type = "user_left"
	TypeError      Type = "error"
)

// AnonymousName is used when a join frame is missing, unreadable or has no username.
const AnonymousName = "Anonymous"

var (
	ErrMalformed   = errors.New("malformed message")
	ErrUnknownType = errors.New("unknown message type")
)

// Inbound is a decoded client frame. It is always one of Join, Leave,
// CodeChange, CursorChange or Invalid.
type Inbound interface {
	MessageType() Type
}

type Join struct {
	Username string
}

type Leave struct{}

// CodeChange carries either a full buffer, a positional diff, or both.
// Absent fields stay nil so the relay can tell "missing" from zero.
type CodeChange struct {
	Code           *string
	CursorPosition *int
	FromPos        *int
	ToPos          *int
	Insert         *string
	DeleteLength   *int
	Timestamp      *time.Time
}

type CursorChange struct {
	Line   int
	Column int
}

// Invalid stands in for any frame that could not be decoded or whose type
// the relay does not accept from clients.
type Invalid struct {
	Type Type
	Err  error
}

func (Join) MessageType() Type         { return TypeJoin }
func (Leave) MessageType() Type        { return TypeLeave }
func (CodeChange) MessageType() Type   { return TypeCodeChange }
func (CursorChange) MessageType() Type { return TypeCursorChange }
func (i Invalid) MessageType() Type    { return i.Type }

// Text shown to the sender in the error frame.
func (i Invalid) Message() string {
	if errors.Is(i.Err, ErrUnknownType) {
		return fmt.Sprintf("unknown message type: %s", i.Type)
	}
	return fmt.Sprintf("error processing message: %v", i.Err)
}

type envelope struct {
	Type Type `json:"type"`
}

type joinFrame struct {
	Type     Type   `json:"type"`
	Username string `json:"username"`
}

type codeChangeFrame struct {
	Code           *string         `json:"code"`
	CursorPosition *int            `json:"cursor_position"`
	FromPos        *int            `json:"from_pos"`
	ToPos          *int            `json:"to_pos"`
	Insert         *string         `json:"insert"`
	DeleteLength   *int            `json:"delete_length"`
	Timestamp      json.RawMessage `json:"timestamp"`
}

type cursorChangeFrame struct {
	Line   *int `json:"line"`
	Column *int `json:"column"`
}

// Decode maps a raw client frame onto the Inbound sum type. It never fails:
// unreadable or unsupported input becomes an Invalid value.
func Decode(data []byte) Inbound {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Invalid{Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}

	switch env.Type {
	case TypeJoin:
		var f joinFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return Invalid{Type: env.Type, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
		}
		return Join{Username: f.Username}

	case TypeLeave:
		return Leave{}

	case TypeCodeChange:
		var f codeChangeFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return Invalid{Type: env.Type, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
		}
		for name, v := range map[string]*int{
			"cursor_position": f.CursorPosition,
			"from_pos":        f.FromPos,
			"to_pos":          f.ToPos,
			"delete_length":   f.DeleteLength,
		} {
			if v != nil && *v < 0 {
				return Invalid{Type: env.Type, Err: fmt.Errorf("%w: %s must be >= 0", ErrMalformed, name)}
			}
		}
		return CodeChange{
			Code:           f.Code,
			CursorPosition: f.CursorPosition,
			FromPos:        f.FromPos,
			ToPos:          f.ToPos,
			Insert:         f.Insert,
			DeleteLength:   f.DeleteLength,
			Timestamp:      parseTimestamp(f.Timestamp),
		}

	case TypeCursorChange:
		var f cursorChangeFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return Invalid{Type: env.Type, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
		}
		switch {
		case f.Line == nil || f.Column == nil:
			return Invalid{Type: env.Type, Err: fmt.Errorf("%w: line and column are required", ErrMalformed)}
		case *f.Line < 1:
			return Invalid{Type: env.Type, Err: fmt.Errorf("%w: line must be >= 1", ErrMalformed)}
		case *f.Column < 0:
			return Invalid{Type: env.Type, Err: fmt.Errorf("%w: column must be >= 0", ErrMalformed)}
		}
		return CursorChange{Line: *f.Line, Column: *f.Column}

	default:
		return Invalid{Type: env.Type, Err: ErrUnknownType}
	}
}

// JoinName extracts the display name from the first frame of a connection.
// Anything that is not a readable join with a non-blank username yields
// AnonymousName.
func JoinName(data []byte) string {
	var f joinFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return AnonymousName
	}
	if f.Type != "" && f.Type != TypeJoin {
		return AnonymousName
	}
	if strings.TrimSpace(f.Username) == "" {
		return AnonymousName
	}
	return f.Username
}
