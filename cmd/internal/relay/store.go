package relay

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"
)

// Conversation is a two-party messaging context, unique per unordered participant pair.
type Conversation struct {
	ID string
	// Participants is sorted ascending.
	Participants  [2]string
	CreatedAt     time.Time
	LastMessageAt time.Time
	LastMessageID string

	// UnreadCounts counts messages from the other participant not yet marked read.
	UnreadCounts map[string]int
	// LastDelivered is the per-user delivery checkpoint. Absent means never delivered.
	LastDelivered map[string]time.Time
}

// HasParticipant reports whether userID is one of the two participants.
func (c Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.Participants[0] == userID || c.Participants[1] == userID)
}

// Other returns the participant that is not userID.
func (c Conversation) Other(userID string) string {
	if c.Participants[0] == userID {
		return c.Participants[1]
	}
	return c.Participants[0]
}

// DeliveredCutoff returns the checkpoint for userID, or the zero time when none exists.
func (c Conversation) DeliveredCutoff(userID string) time.Time {
	return c.LastDelivered[userID]
}

func (c Conversation) clone() Conversation {
	c.UnreadCounts = maps.Clone(c.UnreadCounts)
	c.LastDelivered = maps.Clone(c.LastDelivered)
	if c.UnreadCounts == nil {
		c.UnreadCounts = map[string]int{}
	}
	if c.LastDelivered == nil {
		c.LastDelivered = map[string]time.Time{}
	}
	return c
}

// Message is one entry of a conversation's append-only log.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	Timestamp      time.Time
	ReadBy         []string
	IsDeleted      bool
}

// ConversationStore persists conversation metadata, unread counters and delivery checkpoints.
//
// Requirements:
//   - FindOrCreate is an atomic upsert keyed on the sorted pair: concurrent calls for
//     (a,b) and (b,a) converge on one conversation.
//   - UpdateLastMessage increments unread counters atomically, never for the sender.
//   - MarkDelivered never moves a checkpoint backward.
type ConversationStore interface {
	FindOrCreate(ctx context.Context, userA, userB string, now time.Time) (Conversation, error)
	Get(ctx context.Context, conversationID string) (Conversation, error)
	ListForUser(ctx context.Context, userID string) ([]Conversation, error)
	UpdateLastMessage(ctx context.Context, conversationID, messageID, senderID string, at time.Time) error
	MarkDelivered(ctx context.Context, conversationID, userID string, ts time.Time) error
	ResetUnread(ctx context.Context, conversationID, userID string) error
}

// MessageStore persists messages.
//
// Requirements:
//   - Append records the sender in ReadBy.
//   - UndeliveredSince returns messages with Timestamp > cutoff ordered by (Timestamp, ID),
//     skipping soft-deleted ones.
//   - MarkRead is an idempotent set-add.
type MessageStore interface {
	Append(ctx context.Context, conversationID, senderID, content string, now time.Time) (Message, error)
	UndeliveredSince(ctx context.Context, conversationID string, cutoff time.Time) ([]Message, error)
	MarkRead(ctx context.Context, messageID, userID string) error
	SoftDelete(ctx context.Context, messageID, senderID string) (Message, error)
}

// Store is a backend implementing both stores plus lifecycle hooks.
type Store interface {
	ConversationStore
	MessageStore
	Ping(ctx context.Context) error
	Close() error
}

// CanonicalPair trims and sorts a participant pair.
func CanonicalPair(userA, userB string) ([2]string, error) {
	a := strings.TrimSpace(userA)
	b := strings.TrimSpace(userB)
	if a == "" || b == "" {
		return [2]string{}, fmt.Errorf("%w: empty participant", ErrInvalidInput)
	}
	if a == b {
		return [2]string{}, fmt.Errorf("%w: participants must differ", ErrInvalidInput)
	}
	if b < a {
		a, b = b, a
	}
	return [2]string{a, b}, nil
}
