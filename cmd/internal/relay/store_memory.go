package relay

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"dmrelay/cmd/internal/ids"
)

// MemoryStore is the dev/test backend used when no database is configured.
// A single mutex makes every operation atomic, which trivially satisfies the
// upsert and increment requirements of the store interfaces.
type MemoryStore struct {
	mu sync.Mutex

	convs  map[string]*Conversation
	byPair map[[2]string]string

	msgs   map[string]*Message
	byConv map[string][]*Message // ordered by Timestamp
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs:  make(map[string]*Conversation),
		byPair: make(map[[2]string]string),
		msgs:   make(map[string]*Message),
		byConv: make(map[string][]*Message),
	}
}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

// Close is a noop.
func (s *MemoryStore) Close() error { return nil }

// FindOrCreate returns the conversation for the unordered pair, creating it on first contact.
func (s *MemoryStore) FindOrCreate(ctx context.Context, userA, userB string, now time.Time) (Conversation, error) {
	pair, err := CanonicalPair(userA, userB)
	if err != nil {
		return Conversation{}, err
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	now = nowOr(now)

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byPair[pair]; ok {
		return s.convs[id].clone(), nil
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return Conversation{}, fmt.Errorf("conversation id: %w", err)
	}
	c := &Conversation{
		ID:            id,
		Participants:  pair,
		CreatedAt:     now,
		LastMessageAt: now,
		UnreadCounts:  map[string]int{pair[0]: 0, pair[1]: 0},
		LastDelivered: map[string]time.Time{},
	}
	s.convs[id] = c
	s.byPair[pair] = id
	return c.clone(), nil
}

// Get returns a conversation by id.
func (s *MemoryStore) Get(ctx context.Context, conversationID string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return c.clone(), nil
}

// ListForUser returns userID's conversations, most recently active first.
func (s *MemoryStore) ListForUser(ctx context.Context, userID string) ([]Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	out := make([]Conversation, 0, 8)
	for _, c := range s.convs {
		if c.HasParticipant(userID) {
			out = append(out, c.clone())
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// UpdateLastMessage records the latest message and bumps the other participant's unread count.
func (s *MemoryStore) UpdateLastMessage(ctx context.Context, conversationID, messageID, senderID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return ErrNotFound
	}
	if at = nowOr(at); !at.Before(c.LastMessageAt) {
		c.LastMessageID = messageID
		c.LastMessageAt = at
	}
	for _, p := range c.Participants {
		if p != senderID {
			c.UnreadCounts[p]++
		}
	}
	return nil
}

// MarkDelivered advances userID's checkpoint to ts unless it is already later.
func (s *MemoryStore) MarkDelivered(ctx context.Context, conversationID, userID string, ts time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok || !c.HasParticipant(userID) {
		return ErrNotFound
	}
	if cur, ok := c.LastDelivered[userID]; ok && !ts.After(cur) {
		return nil
	}
	c.LastDelivered[userID] = ts
	return nil
}

// ResetUnread zeroes userID's unread counter.
func (s *MemoryStore) ResetUnread(ctx context.Context, conversationID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok || !c.HasParticipant(userID) {
		return ErrNotFound
	}
	c.UnreadCounts[userID] = 0
	return nil
}

// Append stores a new message. Timestamps are strictly increasing within a conversation.
func (s *MemoryStore) Append(ctx context.Context, conversationID, senderID, content string, now time.Time) (Message, error) {
	if conversationID == "" || senderID == "" {
		return Message{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	now = nowOr(now)

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return Message{}, ErrNotFound
	}
	if !c.HasParticipant(senderID) {
		return Message{}, ErrForbidden
	}

	log := s.byConv[conversationID]
	if n := len(log); n > 0 && !now.After(log[n-1].Timestamp) {
		now = log[n-1].Timestamp.Add(time.Nanosecond)
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return Message{}, fmt.Errorf("message id: %w", err)
	}
	m := &Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Timestamp:      now,
		ReadBy:         []string{senderID},
	}
	s.msgs[id] = m
	s.byConv[conversationID] = append(log, m)
	return cloneMessage(m), nil
}

// UndeliveredSince returns live messages newer than cutoff in timestamp order.
func (s *MemoryStore) UndeliveredSince(ctx context.Context, conversationID string, cutoff time.Time) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.byConv[conversationID]
	start := sort.Search(len(log), func(i int) bool { return log[i].Timestamp.After(cutoff) })

	out := make([]Message, 0, len(log)-start)
	for _, m := range log[start:] {
		if m.IsDeleted {
			continue
		}
		out = append(out, cloneMessage(m))
	}
	return out, nil
}

// MarkRead adds userID to the message's read set.
func (s *MemoryStore) MarkRead(ctx context.Context, messageID, userID string) error {
	if userID == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.msgs[messageID]
	if !ok {
		return ErrNotFound
	}
	if !slices.Contains(m.ReadBy, userID) {
		m.ReadBy = append(m.ReadBy, userID)
	}
	return nil
}

// SoftDelete flags a message as deleted. Only its sender may do so.
func (s *MemoryStore) SoftDelete(ctx context.Context, messageID, senderID string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.msgs[messageID]
	if !ok {
		return Message{}, ErrNotFound
	}
	if m.SenderID != senderID {
		return Message{}, ErrForbidden
	}
	m.IsDeleted = true
	return cloneMessage(m), nil
}

func cloneMessage(m *Message) Message {
	out := *m
	out.ReadBy = slices.Clone(m.ReadBy)
	return out
}

func nowOr(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
