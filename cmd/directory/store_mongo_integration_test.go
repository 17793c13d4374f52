package directory

import (
	"context"
	"errors"
	"os"
	"strconv"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	svc "relay/shared/contracts/services/v1"
)

// Enabled when RELAY_TEST_MONGO_URI is set.
func TestMongoStore_Integration(t *testing.T) {
	uri := os.Getenv("RELAY_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("RELAY_TEST_MONGO_URI is not set; skipping MongoDB integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("mongo.Connect: %v", err)
	}
	defer func() { _ = client.Disconnect(context.Background()) }()
	if err := client.Ping(ctx, nil); err != nil {
		t.Skipf("mongo unreachable: %v", err)
	}

	db := client.Database("relay_dir_test_" + strconv.FormatInt(time.Now().UnixNano(), 36))
	defer func() { _ = db.Drop(context.Background()) }()

	store, err := NewMongoStore(ctx, db)
	if err != nil {
		t.Fatalf("NewMongoStore: %v", err)
	}

	if err := store.PutUser(ctx, UserRecord{User: svc.User{ID: "u1", Username: "Ada", Role: RoleMember}}); err != nil {
		t.Fatalf("PutUser: %v", err)
	}
	if err := store.PutUser(ctx, UserRecord{User: svc.User{ID: "u2", Username: "ada"}}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := store.PutChannel(ctx, ChannelRecord{Name: "#General", Public: true, Members: []string{"u1"}}); err != nil {
		t.Fatalf("PutChannel: %v", err)
	}

	u, err := store.GetUserByUsername(ctx, "ada")
	if err != nil || u.ID != "u1" {
		t.Fatalf("GetUserByUsername: %+v %v", u, err)
	}
	chs, err := store.ChannelsContaining(ctx, "u1")
	if err != nil || len(chs) != 1 || chs[0].Name != "general" {
		t.Fatalf("ChannelsContaining: %+v %v", chs, err)
	}

	muted := []string{"u9"}
	u, err = store.SetMutes(ctx, "u1", &muted, nil)
	if err != nil || len(u.MutedUserIDs) != 1 || len(u.MutedChannelIDs) != 0 {
		t.Fatalf("SetMutes: %+v %v", u, err)
	}
	if _, err := store.SetMutes(ctx, "ghost", &muted, nil); !IsNotFound(err) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := store.PutChannel(ctx, ChannelRecord{Name: "ops", Members: []string{"u1"}, Blocked: []string{"u1"}}); err != nil {
		t.Fatalf("PutChannel: %v", err)
	}
	chs, err = store.ChannelsContaining(ctx, "u1")
	if err != nil || len(chs) != 1 || chs[0].Name != "general" {
		t.Fatalf("blocked member must not list ops: %+v %v", chs, err)
	}

	if err := store.CreateChannel(ctx, ChannelRecord{Name: "dev", Owner: "u1", Members: []string{"u1"}}); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if err := store.CreateChannel(ctx, ChannelRecord{Name: "DEV"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	public := true
	ch, err := store.UpdateChannel(ctx, "dev", ChannelUpdate{Public: &public, AddMembers: []string{"u1", "u2"}, AddBlocked: []string{"u3"}})
	if err != nil || !ch.Public || len(ch.Members) != 2 || len(ch.Blocked) != 1 {
		t.Fatalf("UpdateChannel: %+v %v", ch, err)
	}
	if _, err := store.UpdateChannel(ctx, "nope", ChannelUpdate{Public: &public}); !IsNotFound(err) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if deleted, err := store.DeleteChannel(ctx, "dev"); err != nil || !deleted {
		t.Fatalf("DeleteChannel: %v %v", deleted, err)
	}
	if deleted, _ := store.DeleteChannel(ctx, "dev"); deleted {
		t.Fatalf("second delete must report false")
	}
}
