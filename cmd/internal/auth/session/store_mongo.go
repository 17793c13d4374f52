package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// SessionsCollection is the MongoDB collection holding session rows.
const SessionsCollection = "sessions"

type mongoSession struct {
	ID                 string    `bson:"_id"`
	OwnerID            string    `bson:"owner_id"`
	DeviceLabel        string    `bson:"device_label"`
	RefreshFingerprint string    `bson:"refresh_fingerprint"`
	IssuedAt           time.Time `bson:"issued_at"`
	ExpiresAt          time.Time `bson:"expires_at"`
}

func (m mongoSession) toSession() Session {
	return Session{
		ID:                 m.ID,
		OwnerID:            m.OwnerID,
		DeviceLabel:        m.DeviceLabel,
		RefreshFingerprint: m.RefreshFingerprint,
		IssuedAt:           m.IssuedAt.UTC(),
		ExpiresAt:          m.ExpiresAt.UTC(),
	}
}

// MongoStore implements Store on a MongoDB collection.
// Expired rows are reaped by a TTL index on expires_at; reads also filter on it
// because the TTL monitor runs only periodically.
type MongoStore struct {
	coll *mongo.Collection
}

var _ Store = (*MongoStore)(nil)

// NewMongoStore returns a store on db.sessions and ensures its indexes.
func NewMongoStore(ctx context.Context, db *mongo.Database) (*MongoStore, error) {
	s := &MongoStore{coll: db.Collection(SessionsCollection)}

	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "issued_at", Value: -1}}},
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create session indexes: %w", err)
	}
	return s, nil
}

// Create implements Store.
func (s *MongoStore) Create(ctx context.Context, row Session) error {
	_, err := s.coll.InsertOne(ctx, mongoSession{
		ID:                 row.ID,
		OwnerID:            row.OwnerID,
		DeviceLabel:        row.DeviceLabel,
		RefreshFingerprint: row.RefreshFingerprint,
		IssuedAt:           row.IssuedAt.UTC(),
		ExpiresAt:          row.ExpiresAt.UTC(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return ErrSessionExists
	}
	return err
}

// Get implements Store.
func (s *MongoStore) Get(ctx context.Context, id string, now time.Time) (Session, error) {
	var doc mongoSession
	err := s.coll.FindOne(ctx, bson.M{
		"_id":        id,
		"expires_at": bson.M{"$gt": now.UTC()},
	}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, err
	}
	return doc.toSession(), nil
}

// Delete implements Store.
func (s *MongoStore) Delete(ctx context.Context, ownerID, id string) (bool, error) {
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": id, "owner_id": ownerID})
	if err != nil {
		return false, err
	}
	return res.DeletedCount > 0, nil
}

// DeleteByOwner implements Store.
func (s *MongoStore) DeleteByOwner(ctx context.Context, ownerID string) (int, error) {
	res, err := s.coll.DeleteMany(ctx, bson.M{"owner_id": ownerID})
	if err != nil {
		return 0, err
	}
	return int(res.DeletedCount), nil
}

// ListByOwner implements Store.
func (s *MongoStore) ListByOwner(ctx context.Context, ownerID string, now time.Time) ([]Session, error) {
	cur, err := s.coll.Find(ctx,
		bson.M{"owner_id": ownerID, "expires_at": bson.M{"$gt": now.UTC()}},
		options.Find().SetSort(bson.D{{Key: "issued_at", Value: -1}, {Key: "_id", Value: -1}}),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var docs []mongoSession
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]Session, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toSession())
	}
	return out, nil
}
