package model

import "time"

type EventType string

// Server to client events.
const (
	EventJoinAck        EventType = "join_ack"
	EventMessage        EventType = "message"
	EventMessageEdited  EventType = "message_edited"
	EventMessageDeleted EventType = "message_deleted"
	EventTyping         EventType = "typing"
	EventStopTyping     EventType = "stop_typing"
	EventPresenceJoined EventType = "presence_joined"
	EventPresenceLeft   EventType = "presence_left"
	EventError          EventType = "error"
)

// Ephemeral reports whether events of this type are never persisted.
func (t EventType) Ephemeral() bool {
	switch t {
	case EventTyping, EventStopTyping, EventPresenceJoined, EventPresenceLeft, EventJoinAck, EventError:
		return true
	}
	return false
}

// Event is the envelope for everything the push server emits. Type selects
// which of the optional fields are set.
type Event struct {
	Type      EventType    `json:"type"`
	ChannelID string       `json:"channel_id,omitempty"`
	Message   *ChatMessage `json:"message,omitempty"`
	MessageID int64        `json:"message_id,omitempty"`
	Body      string       `json:"body,omitempty"`
	EditedAt  *time.Time   `json:"edited_at,omitempty"`
	Sender    *Sender      `json:"sender,omitempty"`
	Code      string       `json:"code,omitempty"`
	Error     string       `json:"error,omitempty"`
}

type CommandType string

// Client to server commands.
const (
	CommandJoin       CommandType = "join"
	CommandLeave      CommandType = "leave"
	CommandSend       CommandType = "send_message"
	CommandTyping     CommandType = "typing"
	CommandStopTyping CommandType = "stop_typing"
)

type Command struct {
	Type        CommandType `json:"type"`
	ChannelID   string      `json:"channel_id"`
	Sender      *Sender     `json:"sender,omitempty"`
	Body        string      `json:"body,omitempty"`
	ClientToken string      `json:"client_token,omitempty"`
}

func JoinCommand(channelID string, s Sender) Command {
	return Command{Type: CommandJoin, ChannelID: channelID, Sender: &s}
}

func LeaveCommand(channelID string) Command {
	return Command{Type: CommandLeave, ChannelID: channelID}
}

func SendCommand(channelID string, s Sender, body, token string) Command {
	return Command{Type: CommandSend, ChannelID: channelID, Sender: &s, Body: body, ClientToken: token}
}

func TypingCommand(channelID string, s Sender) Command {
	return Command{Type: CommandTyping, ChannelID: channelID, Sender: &s}
}

// StopTypingCommand carries only the sender address.
func StopTypingCommand(channelID, address string) Command {
	return Command{Type: CommandStopTyping, ChannelID: channelID, Sender: &Sender{Address: address}}
}
