package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"dmrelay/cmd/internal/ids"
)

const (
	mongoConversations = "conversations"
	mongoMessages      = "messages"
)

// pairSep separates the sorted participants in pair_key.
const pairSep = "\x1f"

// Times are stored as unix nanoseconds: BSON datetimes only keep milliseconds, which is
// too coarse for timestamp-ordered replay. Zero means unset.
type mongoMember struct {
	UserID          string `bson:"user_id"`
	Unread          int    `bson:"unread"`
	LastDeliveredNS int64  `bson:"last_delivered_ns"`
}

type mongoConversation struct {
	ID              string        `bson:"_id"`
	PairKey         string        `bson:"pair_key"`
	Participants    []string      `bson:"participants"`
	Members         []mongoMember `bson:"members"`
	CreatedAtNS     int64         `bson:"created_at_ns"`
	LastMessageAtNS int64         `bson:"last_message_at_ns"`
	LastMessageID   string        `bson:"last_message_id"`
}

type mongoMessage struct {
	ID             string   `bson:"_id"`
	ConversationID string   `bson:"conversation_id"`
	SenderID       string   `bson:"sender_id"`
	Content        string   `bson:"content"`
	TimestampNS    int64    `bson:"ts_ns"`
	ReadBy         []string `bson:"read_by"`
	IsDeleted      bool     `bson:"is_deleted"`
}

// MongoStore is a Store backed by MongoDB.
// It does not own the client; Close is a no-op.
type MongoStore struct {
	db *mongo.Database
}

// NewMongoStore constructs a MongoStore on db.
func NewMongoStore(db *mongo.Database) (*MongoStore, error) {
	if db == nil {
		return nil, errors.New("relay: nil mongo database")
	}
	return &MongoStore{db: db}, nil
}

// EnsureIndexes creates the indexes the store depends on. The unique pair_key index is
// what makes FindOrCreate converge under concurrency.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	if _, err := s.conversations().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "pair_key", Value: 1}}, Options: options.Index().SetUnique(true).SetName("uq_pair_key")},
		{Keys: bson.D{{Key: "participants", Value: 1}, {Key: "last_message_at_ns", Value: -1}}, Options: options.Index().SetName("idx_participants_recent")},
	}); err != nil {
		return fmt.Errorf("relay: conversation indexes: %w", err)
	}
	if _, err := s.messages().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "ts_ns", Value: 1}, {Key: "_id", Value: 1}},
		Options: options.Index().SetName("idx_conversation_ts"),
	}); err != nil {
		return fmt.Errorf("relay: message indexes: %w", err)
	}
	return nil
}

// Ping checks connectivity to the primary.
func (s *MongoStore) Ping(ctx context.Context) error { return s.db.Client().Ping(ctx, nil) }

// Close is a no-op because the client is owned by the caller.
func (s *MongoStore) Close() error { return nil }

func (s *MongoStore) conversations() *mongo.Collection { return s.db.Collection(mongoConversations) }
func (s *MongoStore) messages() *mongo.Collection      { return s.db.Collection(mongoMessages) }

// FindOrCreate upserts by pair_key. A concurrent insert of the same pair surfaces as a
// duplicate key error; the retry then matches the winner's document.
func (s *MongoStore) FindOrCreate(ctx context.Context, userA, userB string, now time.Time) (Conversation, error) {
	pair, err := CanonicalPair(userA, userB)
	if err != nil {
		return Conversation{}, err
	}
	now = nowOr(now)

	candidate, err := ids.NewULID(now)
	if err != nil {
		return Conversation{}, fmt.Errorf("conversation id: %w", err)
	}
	ns := toNS(now)

	filter := bson.M{"pair_key": pair[0] + pairSep + pair[1]}
	update := bson.M{"$setOnInsert": bson.M{
		"_id":          candidate,
		"participants": []string{pair[0], pair[1]},
		"members": []mongoMember{
			{UserID: pair[0]},
			{UserID: pair[1]},
		},
		"created_at_ns":      ns,
		"last_message_at_ns": ns,
		"last_message_id":    "",
	}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var doc mongoConversation
	for attempt := 0; ; attempt++ {
		err = s.conversations().FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
		if err == nil {
			return doc.toConversation(), nil
		}
		if attempt > 0 || !mongo.IsDuplicateKeyError(err) {
			return Conversation{}, fmt.Errorf("upsert conversation: %w", err)
		}
	}
}

// Get loads a conversation by id.
func (s *MongoStore) Get(ctx context.Context, conversationID string) (Conversation, error) {
	var doc mongoConversation
	err := s.conversations().FindOne(ctx, bson.M{"_id": conversationID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	return doc.toConversation(), nil
}

// ListForUser returns userID's conversations, most recently active first.
func (s *MongoStore) ListForUser(ctx context.Context, userID string) ([]Conversation, error) {
	opts := options.Find().SetSort(bson.D{{Key: "last_message_at_ns", Value: -1}, {Key: "_id", Value: 1}})
	cur, err := s.conversations().Find(ctx, bson.M{"participants": userID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var docs []mongoConversation
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]Conversation, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toConversation())
	}
	return out, nil
}

// UpdateLastMessage sets the last message fields and increments every non-sender member's unread count.
func (s *MongoStore) UpdateLastMessage(ctx context.Context, conversationID, messageID, senderID string, at time.Time) error {
	opts := options.Update().SetArrayFilters(options.ArrayFilters{
		Filters: []interface{}{bson.M{"m.user_id": bson.M{"$ne": senderID}}},
	})
	res, err := s.conversations().UpdateOne(ctx,
		bson.M{"_id": conversationID},
		bson.M{"$inc": bson.M{"members.$[m].unread": 1}},
		opts,
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}

	// The id and time move together, and only forward.
	ns := toNS(nowOr(at))
	_, err = s.conversations().UpdateOne(ctx,
		bson.M{"_id": conversationID, "last_message_at_ns": bson.M{"$lte": ns}},
		bson.M{"$set": bson.M{"last_message_id": messageID, "last_message_at_ns": ns}},
	)
	return err
}

// MarkDelivered advances userID's checkpoint with $max.
func (s *MongoStore) MarkDelivered(ctx context.Context, conversationID, userID string, ts time.Time) error {
	return s.updateMember(ctx, conversationID, userID, bson.M{
		"$max": bson.M{"members.$[m].last_delivered_ns": toNS(ts)},
	})
}

// ResetUnread zeroes userID's unread counter.
func (s *MongoStore) ResetUnread(ctx context.Context, conversationID, userID string) error {
	return s.updateMember(ctx, conversationID, userID, bson.M{
		"$set": bson.M{"members.$[m].unread": 0},
	})
}

func (s *MongoStore) updateMember(ctx context.Context, conversationID, userID string, update bson.M) error {
	opts := options.Update().SetArrayFilters(options.ArrayFilters{
		Filters: []interface{}{bson.M{"m.user_id": userID}},
	})
	res, err := s.conversations().UpdateOne(ctx,
		bson.M{"_id": conversationID, "members.user_id": userID},
		update, opts,
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Append inserts a message after checking that senderID participates in the conversation.
func (s *MongoStore) Append(ctx context.Context, conversationID, senderID, content string, now time.Time) (Message, error) {
	if conversationID == "" || senderID == "" {
		return Message{}, ErrInvalidInput
	}
	conv, err := s.Get(ctx, conversationID)
	if err != nil {
		return Message{}, err
	}
	if !conv.HasParticipant(senderID) {
		return Message{}, ErrForbidden
	}

	now = nowOr(now)
	id, err := ids.NewULID(now)
	if err != nil {
		return Message{}, fmt.Errorf("message id: %w", err)
	}

	doc := mongoMessage{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		TimestampNS:    toNS(now),
		ReadBy:         []string{senderID},
	}
	if _, err := s.messages().InsertOne(ctx, doc); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return doc.toMessage(), nil
}

// UndeliveredSince returns live messages newer than cutoff ordered by (ts, id).
func (s *MongoStore) UndeliveredSince(ctx context.Context, conversationID string, cutoff time.Time) ([]Message, error) {
	filter := bson.M{
		"conversation_id": conversationID,
		"ts_ns":           bson.M{"$gt": toNS(cutoff)},
		"is_deleted":      false,
	}
	opts := options.Find().SetSort(bson.D{{Key: "ts_ns", Value: 1}, {Key: "_id", Value: 1}})

	cur, err := s.messages().Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var docs []mongoMessage
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toMessage())
	}
	return out, nil
}

// MarkRead adds userID to read_by with $addToSet.
func (s *MongoStore) MarkRead(ctx context.Context, messageID, userID string) error {
	if userID == "" {
		return ErrInvalidInput
	}
	res, err := s.messages().UpdateOne(ctx,
		bson.M{"_id": messageID},
		bson.M{"$addToSet": bson.M{"read_by": userID}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDelete flags a message deleted when senderID sent it.
func (s *MongoStore) SoftDelete(ctx context.Context, messageID, senderID string) (Message, error) {
	var doc mongoMessage
	err := s.messages().FindOneAndUpdate(ctx,
		bson.M{"_id": messageID, "sender_id": senderID},
		bson.M{"$set": bson.M{"is_deleted": true}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err == nil {
		return doc.toMessage(), nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return Message{}, err
	}

	n, err := s.messages().CountDocuments(ctx, bson.M{"_id": messageID})
	if err != nil {
		return Message{}, err
	}
	if n > 0 {
		return Message{}, ErrForbidden
	}
	return Message{}, ErrNotFound
}

func (d mongoConversation) toConversation() Conversation {
	c := Conversation{
		ID:            d.ID,
		CreatedAt:     fromNS(d.CreatedAtNS),
		LastMessageAt: fromNS(d.LastMessageAtNS),
		LastMessageID: d.LastMessageID,
		UnreadCounts:  make(map[string]int, len(d.Members)),
		LastDelivered: make(map[string]time.Time, len(d.Members)),
	}
	if len(d.Participants) == 2 {
		c.Participants = [2]string{d.Participants[0], d.Participants[1]}
	}
	for _, m := range d.Members {
		c.UnreadCounts[m.UserID] = m.Unread
		if m.LastDeliveredNS > 0 {
			c.LastDelivered[m.UserID] = fromNS(m.LastDeliveredNS)
		}
	}
	return c
}

func (d mongoMessage) toMessage() Message {
	return Message{
		ID:             d.ID,
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		Content:        d.Content,
		Timestamp:      fromNS(d.TimestampNS),
		ReadBy:         d.ReadBy,
		IsDeleted:      d.IsDeleted,
	}
}

func toNS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNS(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}
