package protocol

import (
	"encoding/json"
	"time"
)

// CodeDiff is the positional form of an outbound code_change.
type CodeDiff struct {
	Type         Type      `json:"type"`
	FromPos      *int      `json:"from_pos"`
	ToPos        *int      `json:"to_pos"`
	Insert       *string   `json:"insert"`
	DeleteLength *int      `json:"delete_length,omitempty"`
	UserID       string    `json:"user_id"`
	Timestamp    time.Time `json:"timestamp"`
}

// CodeFull is the full-buffer form of an outbound code_change.
type CodeFull struct {
	Type           Type      `json:"type"`
	Code           *string   `json:"code"`
	CursorPosition int       `json:"cursor_position"`
	UserID         string    `json:"user_id"`
	Timestamp      time.Time `json:"timestamp"`
}

type CursorUpdate struct {
	Type   Type   `json:"type"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
	UserID string `json:"user_id"`
}

type UserJoined struct {
	Type     Type   `json:"type"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

type UserLeft struct {
	Type   Type   `json:"type"`
	UserID string `json:"user_id"`
}

type Error struct {
	Type    Type   `json:"type"`
	Message string `json:"message"`
}

// HasDiff reports whether all three positional fields are present.
func (c CodeChange) HasDiff() bool {
	return c.FromPos != nil && c.ToPos != nil && c.Insert != nil
}

// ValidDiff only checks ordering and sign. Ranges are not checked against
// any buffer length; peers reconcile out-of-range edits themselves.
func (c CodeChange) ValidDiff() bool {
	return c.HasDiff() && *c.FromPos >= 0 && *c.ToPos >= *c.FromPos
}

func (c CodeChange) anyDiffField() bool {
	return c.FromPos != nil || c.ToPos != nil || c.Insert != nil || c.DeleteLength != nil
}

// Frame picks the outbound shape for a code change:
//   - a valid diff without full code goes out as a CodeDiff
//   - whenever full code is present it wins, valid diff or not
//   - an invalid or partial diff without code is forwarded diff-shaped, as given
//   - with neither, a CodeFull with a null code is sent
//
// A missing cursor position is sent as 0 and a missing timestamp as now.
func (c CodeChange) Frame(userID string, now time.Time) any {
	ts := now.UTC()
	if c.Timestamp != nil {
		ts = *c.Timestamp
	}

	if c.Code == nil && c.anyDiffField() {
		return CodeDiff{
			Type:         TypeCodeChange,
			FromPos:      c.FromPos,
			ToPos:        c.ToPos,
			Insert:       c.Insert,
			DeleteLength: c.DeleteLength,
			UserID:       userID,
			Timestamp:    ts,
		}
	}

	cursor := 0
	if c.CursorPosition != nil {
		cursor = *c.CursorPosition
	}
	return CodeFull{
		Type:           TypeCodeChange,
		Code:           c.Code,
		CursorPosition: cursor,
		UserID:         userID,
		Timestamp:      ts,
	}
}

func NewCursorUpdate(line, column int, userID string) CursorUpdate {
	return CursorUpdate{Type: TypeCursorChange, Line: line, Column: column, UserID: userID}
}

func NewUserJoined(userID, username string) UserJoined {
	return UserJoined{Type: TypeUserJoined, UserID: userID, Username: username}
}

func NewUserLeft(userID string) UserLeft {
	return UserLeft{Type: TypeUserLeft, UserID: userID}
}

func NewError(message string) Error {
	return Error{Type: TypeError, Message: message}
}

// Encode serializes an outbound frame.
func Encode(frame any) ([]byte, error) {
	return json.Marshal(frame)
}
