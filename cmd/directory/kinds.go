package directory

import (
	"context"
	"slices"

	svc "relay/shared/contracts/services/v1"
)

// Roles understood by relay services.
const (
	RoleMember = "member"
	RoleAdmin  = "admin"
)

// UserRecord is a stored user. PasswordHash is an Argon2id PHC string and
// never leaves this package.
type UserRecord struct {
	svc.User
	UsernameNorm string
	PasswordHash string
}

// ChannelRecord is a stored channel.
type ChannelRecord = svc.Channel

// CanJoin reports whether userID may join ch: a member or a public channel,
// and never a blocked user.
func CanJoin(ch ChannelRecord, userID string) bool {
	if slices.Contains(ch.Blocked, userID) {
		return false
	}
	return ch.Public || slices.Contains(ch.Members, userID)
}

// ChannelUpdate changes a stored channel. Set fields replace; Add fields are
// appended without duplicates. A list is never both set and added to.
type ChannelUpdate struct {
	Public     *bool
	Members    *[]string
	Blocked    *[]string
	AddMembers []string
	AddBlocked []string
}

func (u ChannelUpdate) apply(ch *ChannelRecord) {
	if u.Public != nil {
		ch.Public = *u.Public
	}
	if u.Members != nil {
		ch.Members = slices.Clone(*u.Members)
	}
	if u.Blocked != nil {
		ch.Blocked = slices.Clone(*u.Blocked)
	}
	ch.Members = dedupe(append(ch.Members, u.AddMembers...))
	ch.Blocked = dedupe(append(ch.Blocked, u.AddBlocked...))
}

// Store is the directory persistence boundary.
type Store interface {
	GetUser(ctx context.Context, id string) (UserRecord, error)
	GetUsersByIDs(ctx context.Context, ids []string) ([]UserRecord, error)
	GetUserByUsername(ctx context.Context, usernameNorm string) (UserRecord, error)

	// ChannelsContaining returns the channels listing userID as a member,
	// skipping those that also block userID.
	ChannelsContaining(ctx context.Context, userID string) ([]ChannelRecord, error)
	ChannelByName(ctx context.Context, name string) (ChannelRecord, error)

	// SetMutes replaces the non-nil mute lists and returns the updated user.
	SetMutes(ctx context.Context, userID string, mutedUserIDs, mutedChannelIDs *[]string) (UserRecord, error)

	PutUser(ctx context.Context, u UserRecord) error
	PutChannel(ctx context.Context, ch ChannelRecord) error

	// CreateChannel inserts ch; an existing name is ErrConflict.
	CreateChannel(ctx context.Context, ch ChannelRecord) error
	// UpdateChannel applies u and returns the stored result.
	UpdateChannel(ctx context.Context, name string, u ChannelUpdate) (ChannelRecord, error)
	// DeleteChannel reports whether a channel was removed.
	DeleteChannel(ctx context.Context, name string) (bool, error)
}
