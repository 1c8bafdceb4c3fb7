package model

import (
	"strings"
	"time"
)

type Kind string

const (
	KindOrdinary Kind = "ordinary"
	KindSystem   Kind = "system"
	KindFile     Kind = "file"
)

// Tombstone is shown in place of the body of a deleted message.
const Tombstone = "This message was deleted"

// Sender identifies a participant by address with a display name.
type Sender struct {
	Address     string `json:"address"`
	DisplayName string `json:"display_name"`
}

func (s Sender) Valid() bool {
	return strings.TrimSpace(s.Address) != "" && strings.TrimSpace(s.DisplayName) != ""
}

type ChatMessage struct {
	ID          int64      `json:"id"`
	ChannelID   string     `json:"channel_id"`
	Sender      Sender     `json:"sender"`
	Body        string     `json:"body"`
	Kind        Kind       `json:"kind"`
	Timestamp   time.Time  `json:"timestamp"`
	EditedAt    *time.Time `json:"edited_at,omitempty"`
	Deleted     bool       `json:"deleted"`
	ClientToken string     `json:"client_token,omitempty"`

	// Pending marks a local echo the server has not confirmed yet.
	Pending bool `json:"-"`
}

// Before reports whether m sorts ahead of o: by timestamp, then id, then
// correlation token for entries that have no id yet.
func (m *ChatMessage) Before(o *ChatMessage) bool {
	if !m.Timestamp.Equal(o.Timestamp) {
		return m.Timestamp.Before(o.Timestamp)
	}
	if m.ID != o.ID {
		return m.ID < o.ID
	}
	return m.ClientToken < o.ClientToken
}

func (m *ChatMessage) Edited() bool {
	return m.EditedAt != nil
}

// Page is one slice of channel history in ascending order.
type Page struct {
	Messages []ChatMessage `json:"messages"`
	HasMore  bool          `json:"has_more"`
}

// Cursor is a position in channel history. A page fetched before a cursor
// holds only messages ordered strictly ahead of it. A zero ID bounds by time
// alone.
type Cursor struct {
	Timestamp time.Time
	ID        int64
}

func CursorOf(m *ChatMessage) Cursor {
	return Cursor{Timestamp: m.Timestamp, ID: m.ID}
}

// Precedes reports whether m sorts strictly before c.
func (m *ChatMessage) Precedes(c Cursor) bool {
	if !m.Timestamp.Equal(c.Timestamp) {
		return m.Timestamp.Before(c.Timestamp)
	}
	return c.ID != 0 && m.ID < c.ID
}
