package accounts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const mongoUsers = "users"

type mongoUser struct {
	ID           string    `bson:"_id"`
	Username     string    `bson:"username"`
	DisplayName  string    `bson:"display_name"`
	PasswordHash string    `bson:"password_hash"`
	CreatedAt    time.Time `bson:"created_at"`
	LastActive   time.Time `bson:"last_active"`
}

// MongoStore is a Store backed by MongoDB. It does not own the client.
type MongoStore struct {
	coll *mongo.Collection
}

// NewMongoStore constructs a MongoStore on db.
func NewMongoStore(db *mongo.Database) (*MongoStore, error) {
	if db == nil {
		return nil, errors.New("accounts: nil mongo database")
	}
	return &MongoStore{coll: db.Collection(mongoUsers)}, nil
}

// EnsureIndexes creates the unique username index.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "username", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("uq_username"),
	})
	if err != nil {
		return fmt.Errorf("accounts: user indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Create(ctx context.Context, u User) error {
	_, err := s.coll.InsertOne(ctx, mongoUser{
		ID:           u.ID,
		Username:     u.Username,
		DisplayName:  u.DisplayName,
		PasswordHash: u.PasswordHash,
		CreatedAt:    u.CreatedAt,
		LastActive:   u.LastActive,
	})
	if mongo.IsDuplicateKeyError(err) {
		return ErrConflict
	}
	return err
}

func (s *MongoStore) GetByUsername(ctx context.Context, username string) (User, error) {
	return s.findOne(ctx, bson.M{"username": username})
}

func (s *MongoStore) GetByID(ctx context.Context, id string) (User, error) {
	return s.findOne(ctx, bson.M{"_id": id})
}

func (s *MongoStore) findOne(ctx context.Context, filter bson.M) (User, error) {
	var doc mongoUser
	err := s.coll.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	return doc.toUser(), nil
}

func (s *MongoStore) List(ctx context.Context) ([]User, error) {
	cur, err := s.coll.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "username", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var docs []mongoUser
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]User, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toUser())
	}
	return out, nil
}

func (s *MongoStore) TouchLastActive(ctx context.Context, id string, at time.Time) error {
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$max": bson.M{"last_active": at.UTC()}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (d mongoUser) toUser() User {
	return User{
		ID:           d.ID,
		Username:     d.Username,
		DisplayName:  d.DisplayName,
		PasswordHash: d.PasswordHash,
		CreatedAt:    d.CreatedAt.UTC(),
		LastActive:   d.LastActive.UTC(),
	}
}
