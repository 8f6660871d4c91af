// Package v1 defines the dmrelay WebSocket protocol v1.
//
// Frames are flat JSON objects, one per text frame, discriminated by "type".
// This package is dependency-light and shared by the server, tests and tools.
package v1

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Inbound types (client -> server).
const (
	// TypeInit identifies the connection and triggers backlog replay.
	TypeInit = "init"
	// TypeChatMessage sends a direct message to another user.
	TypeChatMessage = "chat_message"
	// TypeMarkRead resets the unread counter of a conversation and marks messages read.
	TypeMarkRead = "mark_read"
	// TypeDeleteMessage soft-deletes a message previously sent by the caller.
	TypeDeleteMessage = "delete_message"
	// TypeListConversations requests the caller's conversations.
	TypeListConversations = "list_conversations"
)

// Outbound types (server -> client).
const (
	// TypeInitAck is sent once the backlog for an init has been flushed.
	TypeInitAck = "init_ack"
	// TypeStatus acknowledges that a chat message was durably stored.
	TypeStatus = "status"
	// TypeMessage is a live push of a new message to its recipient.
	TypeMessage = "message"
	// TypeUndeliveredMessages replays the backlog of one conversation.
	TypeUndeliveredMessages = "undelivered_messages"
	// TypeReadAck confirms a mark_read request.
	TypeReadAck = "read_ack"
	// TypeDeleted confirms a delete_message request.
	TypeDeleted = "deleted"
	// TypeConversations answers list_conversations.
	TypeConversations = "conversations"
	// TypeError reports a rejected frame. The connection stays open.
	TypeError = "error"
)

// StatusSent means "durably stored", not "delivered".
const StatusSent = "sent"

// MaxUserIDLen bounds user ids accepted on the wire.
const MaxUserIDLen = 128

// ErrMissingType is returned by DecodeType for valid JSON without a type.
var ErrMissingType = errors.New("missing field: type")

var errMissingUser = errors.New("missing field: user_id")

// header is the minimal shape needed to dispatch a frame.
type header struct {
	Type string `json:"type"`
}

// DecodeType extracts the frame type. It fails on invalid JSON or a missing type.
func DecodeType(data []byte) (string, error) {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return "", err
	}
	typ := strings.TrimSpace(h.Type)
	if typ == "" {
		return "", ErrMissingType
	}
	return typ, nil
}

// ---- inbound ----

// Init binds a connection to a user id.
type Init struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// Validate checks required fields.
func (p Init) Validate() error {
	return validateUserID("user_id", p.UserID, errMissingUser)
}

// ChatMessage carries a message from SenderID to RecipientID.
// SenderID may be omitted; the server fills it with the identified user.
type ChatMessage struct {
	Type        string `json:"type"`
	SenderID    string `json:"sender_id,omitempty"`
	RecipientID string `json:"recipient_id"`
	Content     string `json:"content"`
}

// Validate checks required fields.
func (p ChatMessage) Validate() error {
	if err := validateUserID("recipient_id", p.RecipientID, errors.New("missing field: recipient_id")); err != nil {
		return err
	}
	if strings.TrimSpace(p.Content) == "" {
		return errors.New("missing field: content")
	}
	return nil
}

// MarkRead resets the caller's unread counter and marks the listed messages read.
type MarkRead struct {
	Type           string   `json:"type"`
	ConversationID string   `json:"conversation_id"`
	MessageIDs     []string `json:"message_ids,omitempty"`
}

// Validate checks required fields.
func (p MarkRead) Validate() error {
	if strings.TrimSpace(p.ConversationID) == "" {
		return errors.New("missing field: conversation_id")
	}
	return nil
}

// DeleteMessage soft-deletes one message.
type DeleteMessage struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
}

// Validate checks required fields.
func (p DeleteMessage) Validate() error {
	if strings.TrimSpace(p.MessageID) == "" {
		return errors.New("missing field: message_id")
	}
	return nil
}

// ---- outbound ----

// Message is the wire form of a stored message. ID is stable across re-sends and
// is the key receivers must deduplicate on.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
	ReadBy         []string  `json:"read_by,omitempty"`
	IsDeleted      bool      `json:"is_deleted,omitempty"`
}

// InitAck closes the identify sequence.
type InitAck struct {
	Type                 string `json:"type"`
	UserID               string `json:"user_id"`
	BacklogConversations int    `json:"backlog_conversations"`
}

// Status acknowledges a chat_message to its sender.
type Status struct {
	Type           string  `json:"type"`
	ConversationID string  `json:"conversation_id"`
	Message        Message `json:"message"`
	Status         string  `json:"status"`
}

// Push delivers a message live to its recipient.
type Push struct {
	Type           string  `json:"type"`
	ConversationID string  `json:"conversation_id"`
	Message        Message `json:"message"`
}

// Undelivered replays one conversation's backlog, ordered by timestamp.
type Undelivered struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
}

// ReadAck confirms mark_read.
type ReadAck struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Read           int    `json:"read"`
}

// Deleted confirms delete_message.
type Deleted struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

// ConversationSummary is one entry of a conversations listing.
type ConversationSummary struct {
	ID            string    `json:"id"`
	Participants  []string  `json:"participants"`
	CreatedAt     time.Time `json:"created_at"`
	LastMessageAt time.Time `json:"last_message_at"`
	LastMessageID string    `json:"last_message_id,omitempty"`
	UnreadCount   int       `json:"unread_count"`
}

// Conversations answers list_conversations.
type Conversations struct {
	Type          string                `json:"type"`
	Conversations []ConversationSummary `json:"conversations"`
}

// Error reports a rejected frame.
type Error struct {
	Type  string `json:"type"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

func validateUserID(field, v string, missing error) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return missing
	}
	if len(v) > MaxUserIDLen {
		return errors.New("field too long: " + field)
	}
	return nil
}
