package directory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"relay/cmd/internal/ids"
	"relay/cmd/security/password"
	svc "relay/shared/contracts/services/v1"
)

// CreateUser registers a new account. The username must be free; the
// password must satisfy the configured policy.
func (s *Service) CreateUser(ctx context.Context, req svc.CreateUserRequest) (svc.User, error) {
	username := strings.TrimSpace(req.Username)
	norm := NormalizeUsername(username)
	if norm == "" || len(norm) > maxUsernameLen || strings.ContainsAny(norm, " /") {
		return svc.User{}, opErr("CreateUser", ErrInvalidInput, "username")
	}
	role := req.Role
	if role == "" {
		role = RoleMember
	}
	if role != RoleMember && role != RoleAdmin {
		return svc.User{}, opErr("CreateUser", ErrInvalidInput, "role")
	}

	hash, err := s.pw.Hash(req.Password)
	switch {
	case errors.Is(err, password.ErrPasswordTooShort),
		errors.Is(err, password.ErrPasswordTooLong),
		errors.Is(err, password.ErrWeakPassword):
		return svc.User{}, opErr("CreateUser", ErrInvalidInput, err.Error())
	case err != nil:
		return svc.User{}, fmt.Errorf("hash password: %w", err)
	}

	id, err := ids.NewULID(time.Time{})
	if err != nil {
		return svc.User{}, fmt.Errorf("mint user id: %w", err)
	}
	rec := UserRecord{PasswordHash: hash}
	rec.ID = id
	rec.Username = username
	rec.Role = role
	rec.Verified = req.Verified
	if err := s.store.PutUser(ctx, rec); err != nil {
		return svc.User{}, err
	}
	s.log.Info("directory.user.created", "user_id", id, "role", role)
	return rec.User, nil
}

// CreateChannel stores a new channel. The owner must exist and is always a
// member; unknown ids in the member and blocked lists are dropped.
func (s *Service) CreateChannel(ctx context.Context, req svc.CreateChannelRequest) (svc.Channel, error) {
	name := NormalizeChannelName(req.Name)
	if !validChannelName(name) {
		return svc.Channel{}, opErr("CreateChannel", ErrInvalidInput, "name")
	}
	if !validID(req.Owner) {
		return svc.Channel{}, opErr("CreateChannel", ErrInvalidInput, "owner")
	}
	if _, err := s.store.GetUser(ctx, req.Owner); err != nil {
		if IsNotFound(err) {
			return svc.Channel{}, opErr("CreateChannel", ErrInvalidInput, "owner")
		}
		return svc.Channel{}, err
	}

	members, err := s.knownUsers(ctx, "CreateChannel", append([]string{req.Owner}, req.Members...))
	if err != nil {
		return svc.Channel{}, err
	}
	blocked, err := s.knownUsers(ctx, "CreateChannel", req.Blocked)
	if err != nil {
		return svc.Channel{}, err
	}
	blocked = slices.DeleteFunc(blocked, func(id string) bool { return id == req.Owner })

	ch := ChannelRecord{Name: name, Owner: req.Owner, Public: req.Public, Members: members, Blocked: blocked}
	if err := s.store.CreateChannel(ctx, ch); err != nil {
		return svc.Channel{}, err
	}
	s.log.Info("directory.channel.created", "channel", name, "owner", req.Owner)
	return ch, s.notifyChannel(ctx, svc.ChannelChangedCommand{Channel: ch})
}

// UpdateChannel replaces the non-nil fields of a channel. The owner cannot be
// removed from the members or added to the blocked list.
func (s *Service) UpdateChannel(ctx context.Context, req svc.UpdateChannelRequest) (svc.Channel, error) {
	name := NormalizeChannelName(req.Name)
	if !validChannelName(name) {
		return svc.Channel{}, opErr("UpdateChannel", ErrInvalidInput, "name")
	}
	cur, err := s.store.ChannelByName(ctx, name)
	if err != nil {
		return svc.Channel{}, err
	}

	u := ChannelUpdate{Public: req.Public}
	if req.Members != nil {
		v, err := s.knownUsers(ctx, "UpdateChannel", *req.Members)
		if err != nil {
			return svc.Channel{}, err
		}
		if cur.Owner != "" && !slices.Contains(v, cur.Owner) {
			v = append([]string{cur.Owner}, v...)
		}
		u.Members = &v
	}
	if req.Blocked != nil {
		v, err := s.knownUsers(ctx, "UpdateChannel", *req.Blocked)
		if err != nil {
			return svc.Channel{}, err
		}
		v = slices.DeleteFunc(v, func(id string) bool { return id == cur.Owner })
		u.Blocked = &v
	}

	ch, err := s.store.UpdateChannel(ctx, name, u)
	if err != nil {
		return svc.Channel{}, err
	}
	s.log.Info("directory.channel.updated", "channel", name)
	return ch, s.notifyChannel(ctx, svc.ChannelChangedCommand{Channel: ch})
}

// AddChannelMembers appends known users to the members or blocked list.
func (s *Service) AddChannelMembers(ctx context.Context, req svc.AddChannelMembersRequest) (svc.Channel, error) {
	name := NormalizeChannelName(req.Name)
	if !validChannelName(name) {
		return svc.Channel{}, opErr("AddChannelMembers", ErrInvalidInput, "name")
	}
	if req.List != svc.ListMembers && req.List != svc.ListBlocked {
		return svc.Channel{}, opErr("AddChannelMembers", ErrInvalidInput, "list")
	}
	cur, err := s.store.ChannelByName(ctx, name)
	if err != nil {
		return svc.Channel{}, err
	}
	add, err := s.knownUsers(ctx, "AddChannelMembers", req.UserIDs)
	if err != nil {
		return svc.Channel{}, err
	}
	if req.List == svc.ListBlocked {
		add = slices.DeleteFunc(add, func(id string) bool { return id == cur.Owner })
	}
	if len(add) == 0 {
		return svc.Channel{}, opErr("AddChannelMembers", ErrInvalidInput, "no known users")
	}

	var u ChannelUpdate
	if req.List == svc.ListMembers {
		u.AddMembers = add
	} else {
		u.AddBlocked = add
	}
	ch, err := s.store.UpdateChannel(ctx, name, u)
	if err != nil {
		return svc.Channel{}, err
	}
	s.log.Info("directory.channel.members_added", "channel", name, "list", req.List, "count", len(add))
	return ch, s.notifyChannel(ctx, svc.ChannelChangedCommand{Channel: ch})
}

// DeleteChannel removes a channel. Deleting an unknown channel is not an error.
func (s *Service) DeleteChannel(ctx context.Context, name string) (bool, error) {
	name = NormalizeChannelName(name)
	if !validChannelName(name) {
		return false, opErr("DeleteChannel", ErrInvalidInput, "name")
	}
	deleted, err := s.store.DeleteChannel(ctx, name)
	if err != nil || !deleted {
		return false, err
	}
	s.log.Info("directory.channel.deleted", "channel", name)
	return true, s.notifyChannel(ctx, svc.ChannelChangedCommand{Channel: ChannelRecord{Name: name}, Deleted: true})
}

// knownUsers dedupes ids and keeps those the store knows, in input order.
func (s *Service) knownUsers(ctx context.Context, op string, userIDs []string) ([]string, error) {
	userIDs = dedupe(userIDs)
	if len(userIDs) == 0 {
		return []string{}, nil
	}
	if len(userIDs) > maxBatchIDs {
		return nil, opErr(op, ErrInvalidInput, "too many ids")
	}
	recs, err := s.store.GetUsersByIDs(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	known := make(map[string]struct{}, len(recs))
	for _, r := range recs {
		known[r.ID] = struct{}{}
	}
	return slices.DeleteFunc(userIDs, func(id string) bool {
		_, ok := known[id]
		return !ok
	}), nil
}

// notifyChannel pushes a channel change to messaging. The change is already
// stored when this fails.
func (s *Service) notifyChannel(ctx context.Context, cmd svc.ChannelChangedCommand) error {
	if s.notifier == nil {
		return nil
	}
	if err := s.notifier.NotifyChannel(ctx, cmd); err != nil {
		s.log.Warn("directory.channel.notify_failed", "channel", cmd.Channel.Name, "err", err)
		return fmt.Errorf("channel propagation: %w", err)
	}
	return nil
}
