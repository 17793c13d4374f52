package directory

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	svc "relay/shared/contracts/services/v1"
)

// Collection names.
const (
	UsersCollection    = "users"
	ChannelsCollection = "channels"
)

type mongoUser struct {
	ID              string   `bson:"_id"`
	Username        string   `bson:"username"`
	UsernameNorm    string   `bson:"username_norm"`
	Role            string   `bson:"role"`
	Locked          bool     `bson:"locked"`
	Verified        bool     `bson:"verified"`
	MutedUserIDs    []string `bson:"muted_user_ids"`
	MutedChannelIDs []string `bson:"muted_channel_ids"`
	PasswordHash    string   `bson:"password_hash"`
}

func (d mongoUser) record() UserRecord {
	return UserRecord{
		User: svc.User{
			ID:              d.ID,
			Username:        d.Username,
			Role:            d.Role,
			Locked:          d.Locked,
			Verified:        d.Verified,
			MutedUserIDs:    d.MutedUserIDs,
			MutedChannelIDs: d.MutedChannelIDs,
		},
		UsernameNorm: d.UsernameNorm,
		PasswordHash: d.PasswordHash,
	}
}

type mongoChannel struct {
	Name    string   `bson:"_id"`
	Owner   string   `bson:"owner"`
	Public  bool     `bson:"public"`
	Members []string `bson:"members"`
	Blocked []string `bson:"blocked"`
}

func (d mongoChannel) record() ChannelRecord {
	return ChannelRecord{Name: d.Name, Owner: d.Owner, Public: d.Public, Members: d.Members, Blocked: d.Blocked}
}

// MongoStore implements Store on MongoDB (users + channels collections).
type MongoStore struct {
	users    *mongo.Collection
	channels *mongo.Collection
}

var _ Store = (*MongoStore)(nil)

// NewMongoStore returns a store on db and ensures its indexes.
func NewMongoStore(ctx context.Context, db *mongo.Database) (*MongoStore, error) {
	s := &MongoStore{
		users:    db.Collection(UsersCollection),
		channels: db.Collection(ChannelsCollection),
	}

	if _, err := s.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "username_norm", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return nil, fmt.Errorf("create username index: %w", err)
	}
	if _, err := s.channels.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "members", Value: 1}},
	}); err != nil {
		return nil, fmt.Errorf("create members index: %w", err)
	}
	return s, nil
}

func (s *MongoStore) findUser(ctx context.Context, op string, filter bson.M) (UserRecord, error) {
	var doc mongoUser
	err := s.users.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return UserRecord{}, opErr(op, ErrNotFound, "")
	}
	if err != nil {
		return UserRecord{}, err
	}
	return doc.record(), nil
}

// GetUser implements Store.
func (s *MongoStore) GetUser(ctx context.Context, id string) (UserRecord, error) {
	return s.findUser(ctx, "GetUser", bson.M{"_id": id})
}

// GetUserByUsername implements Store.
func (s *MongoStore) GetUserByUsername(ctx context.Context, usernameNorm string) (UserRecord, error) {
	return s.findUser(ctx, "GetUserByUsername", bson.M{"username_norm": usernameNorm})
}

// GetUsersByIDs implements Store.
func (s *MongoStore) GetUsersByIDs(ctx context.Context, ids []string) ([]UserRecord, error) {
	if len(ids) == 0 {
		return []UserRecord{}, nil
	}
	cur, err := s.users.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var docs []mongoUser
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]UserRecord, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.record())
	}
	return out, nil
}

// ChannelsContaining implements Store. Channels that also block userID are skipped.
func (s *MongoStore) ChannelsContaining(ctx context.Context, userID string) ([]ChannelRecord, error) {
	cur, err := s.channels.Find(ctx,
		bson.M{"members": userID, "blocked": bson.M{"$ne": userID}},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var docs []mongoChannel
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]ChannelRecord, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.record())
	}
	return out, nil
}

// ChannelByName implements Store.
func (s *MongoStore) ChannelByName(ctx context.Context, name string) (ChannelRecord, error) {
	var doc mongoChannel
	err := s.channels.FindOne(ctx, bson.M{"_id": name}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ChannelRecord{}, opErr("ChannelByName", ErrNotFound, "")
	}
	if err != nil {
		return ChannelRecord{}, err
	}
	return doc.record(), nil
}

// SetMutes implements Store.
func (s *MongoStore) SetMutes(ctx context.Context, userID string, mutedUserIDs, mutedChannelIDs *[]string) (UserRecord, error) {
	set := bson.M{}
	if mutedUserIDs != nil {
		set["muted_user_ids"] = *mutedUserIDs
	}
	if mutedChannelIDs != nil {
		set["muted_channel_ids"] = *mutedChannelIDs
	}
	if len(set) == 0 {
		return s.GetUser(ctx, userID)
	}

	var doc mongoUser
	err := s.users.FindOneAndUpdate(ctx,
		bson.M{"_id": userID},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return UserRecord{}, opErr("SetMutes", ErrNotFound, "")
	}
	if err != nil {
		return UserRecord{}, err
	}
	return doc.record(), nil
}

// PutUser implements Store (upsert by ID).
func (s *MongoStore) PutUser(ctx context.Context, u UserRecord) error {
	if !validID(u.ID) {
		return opErr("PutUser", ErrInvalidInput, "id")
	}
	doc := mongoUser{
		ID:              u.ID,
		Username:        u.Username,
		UsernameNorm:    NormalizeUsername(u.Username),
		Role:            u.Role,
		Locked:          u.Locked,
		Verified:        u.Verified,
		MutedUserIDs:    nonNil(u.MutedUserIDs),
		MutedChannelIDs: nonNil(u.MutedChannelIDs),
		PasswordHash:    u.PasswordHash,
	}
	_, err := s.users.ReplaceOne(ctx, bson.M{"_id": u.ID}, doc, options.Replace().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return opErr("PutUser", ErrConflict, "username")
	}
	return err
}

// PutChannel implements Store (upsert by name).
func (s *MongoStore) PutChannel(ctx context.Context, ch ChannelRecord) error {
	ch.Name = NormalizeChannelName(ch.Name)
	if !validChannelName(ch.Name) {
		return opErr("PutChannel", ErrInvalidInput, "name")
	}
	doc := mongoChannel{
		Name:    ch.Name,
		Owner:   ch.Owner,
		Public:  ch.Public,
		Members: nonNil(ch.Members),
		Blocked: nonNil(ch.Blocked),
	}
	_, err := s.channels.ReplaceOne(ctx, bson.M{"_id": ch.Name}, doc, options.Replace().SetUpsert(true))
	return err
}

// CreateChannel implements Store.
func (s *MongoStore) CreateChannel(ctx context.Context, ch ChannelRecord) error {
	ch.Name = NormalizeChannelName(ch.Name)
	if !validChannelName(ch.Name) {
		return opErr("CreateChannel", ErrInvalidInput, "name")
	}
	_, err := s.channels.InsertOne(ctx, mongoChannel{
		Name:    ch.Name,
		Owner:   ch.Owner,
		Public:  ch.Public,
		Members: nonNil(ch.Members),
		Blocked: nonNil(ch.Blocked),
	})
	if mongo.IsDuplicateKeyError(err) {
		return opErr("CreateChannel", ErrConflict, "name")
	}
	return err
}

// UpdateChannel implements Store. Set lists go through $set, added ids
// through $addToSet, in one atomic update.
func (s *MongoStore) UpdateChannel(ctx context.Context, name string, u ChannelUpdate) (ChannelRecord, error) {
	set := bson.M{}
	if u.Public != nil {
		set["public"] = *u.Public
	}
	if u.Members != nil {
		set["members"] = nonNil(*u.Members)
	}
	if u.Blocked != nil {
		set["blocked"] = nonNil(*u.Blocked)
	}
	add := bson.M{}
	if len(u.AddMembers) > 0 {
		add["members"] = bson.M{"$each": u.AddMembers}
	}
	if len(u.AddBlocked) > 0 {
		add["blocked"] = bson.M{"$each": u.AddBlocked}
	}
	if len(set) == 0 && len(add) == 0 {
		return s.ChannelByName(ctx, name)
	}

	update := bson.M{}
	if len(set) > 0 {
		update["$set"] = set
	}
	if len(add) > 0 {
		update["$addToSet"] = add
	}

	var doc mongoChannel
	err := s.channels.FindOneAndUpdate(ctx,
		bson.M{"_id": name},
		update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ChannelRecord{}, opErr("UpdateChannel", ErrNotFound, "")
	}
	if err != nil {
		return ChannelRecord{}, err
	}
	return doc.record(), nil
}

// DeleteChannel implements Store.
func (s *MongoStore) DeleteChannel(ctx context.Context, name string) (bool, error) {
	res, err := s.channels.DeleteOne(ctx, bson.M{"_id": name})
	if err != nil {
		return false, err
	}
	return res.DeletedCount > 0, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
