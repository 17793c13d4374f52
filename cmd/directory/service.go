package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"relay/cmd/internal/rpc"
	"relay/cmd/security/password"
	svc "relay/shared/contracts/services/v1"
)

// Notifier pushes directory changes to live messaging connections.
type Notifier interface {
	NotifyMutes(ctx context.Context, cmd svc.MuteUsersCommand) error
	NotifyChannel(ctx context.Context, cmd svc.ChannelChangedCommand) error
}

// MessagingNotifier broadcasts muteUsers to every messaging node.
type MessagingNotifier struct {
	caller rpc.Caller
}

// NewMessagingNotifier returns a notifier publishing through caller.
func NewMessagingNotifier(caller rpc.Caller) *MessagingNotifier {
	return &MessagingNotifier{caller: caller}
}

// NotifyMutes implements Notifier.
func (n *MessagingNotifier) NotifyMutes(ctx context.Context, cmd svc.MuteUsersCommand) error {
	return n.caller.Broadcast(ctx, svc.ServiceMessaging, svc.CmdMuteUsers, cmd)
}

// NotifyChannel implements Notifier.
func (n *MessagingNotifier) NotifyChannel(ctx context.Context, cmd svc.ChannelChangedCommand) error {
	return n.caller.Broadcast(ctx, svc.ServiceMessaging, svc.CmdChannelChanged, cmd)
}

// Service implements the directory operations on top of a Store.
type Service struct {
	store    Store
	pw       password.Config
	notifier Notifier
	log      *slog.Logger
}

// NewService wires a Service. notifier may be nil when no messaging nodes exist.
func NewService(store Store, pw password.Config, notifier Notifier, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, pw: pw, notifier: notifier, log: log}
}

// GetUser returns the public record for id.
func (s *Service) GetUser(ctx context.Context, id string) (svc.User, error) {
	if !validID(id) {
		return svc.User{}, opErr("GetUser", ErrInvalidInput, "id")
	}
	u, err := s.store.GetUser(ctx, id)
	if err != nil {
		return svc.User{}, err
	}
	return u.User, nil
}

// GetUsersByIDs returns the known users among ids; unknown ids are omitted.
func (s *Service) GetUsersByIDs(ctx context.Context, ids []string) ([]svc.User, error) {
	ids = dedupe(ids)
	if len(ids) > maxBatchIDs {
		return nil, opErr("GetUsersByIDs", ErrInvalidInput, "too many ids")
	}
	recs, err := s.store.GetUsersByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]svc.User, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.User)
	}
	return out, nil
}

// GetChannelsContaining returns the channels userID is a member of.
func (s *Service) GetChannelsContaining(ctx context.Context, userID string) ([]svc.Channel, error) {
	if !validID(userID) {
		return nil, opErr("GetChannelsContaining", ErrInvalidInput, "userId")
	}
	return s.store.ChannelsContaining(ctx, userID)
}

// GetChannelByName returns the channel record, or ErrNotFound.
func (s *Service) GetChannelByName(ctx context.Context, name string) (svc.Channel, error) {
	name = NormalizeChannelName(name)
	if !validChannelName(name) {
		return svc.Channel{}, opErr("GetChannelByName", ErrInvalidInput, "name")
	}
	return s.store.ChannelByName(ctx, name)
}

// VerifyCredentials checks a username/password pair. Unknown users and wrong
// passwords both report ErrInvalidCredentials after the same hashing work.
func (s *Service) VerifyCredentials(ctx context.Context, username, pass string) (svc.User, error) {
	norm := NormalizeUsername(username)
	if norm == "" || len(norm) > maxUsernameLen || pass == "" || len(pass) > s.pw.Policy.MaxLength*4 {
		return svc.User{}, opErr("VerifyCredentials", ErrInvalidCredentials, "")
	}

	u, err := s.store.GetUserByUsername(ctx, norm)
	if errors.Is(err, ErrNotFound) || (err == nil && u.PasswordHash == "") {
		s.pw.VerifyAbsent(pass)
		return svc.User{}, opErr("VerifyCredentials", ErrInvalidCredentials, "")
	}
	if err != nil {
		return svc.User{}, err
	}

	ok, err := s.pw.Verify(u.PasswordHash, pass)
	if err != nil {
		s.log.Error("directory.password.bad_hash", "user_id", u.ID, "err", err)
		return svc.User{}, opErr("VerifyCredentials", ErrInvalidCredentials, "")
	}
	if !ok {
		return svc.User{}, opErr("VerifyCredentials", ErrInvalidCredentials, "")
	}
	if s.pw.NeedsRehash(u.PasswordHash) {
		s.log.Info("directory.password.needs_rehash", "user_id", u.ID)
	}
	return u.User, nil
}

// MuteUsers replaces the given mute lists and pushes them to live connections.
// The update is persisted even if the push fails.
func (s *Service) MuteUsers(ctx context.Context, req svc.MuteUsersRequest) (svc.User, error) {
	if !validID(req.UserID) {
		return svc.User{}, opErr("MuteUsers", ErrInvalidInput, "userId")
	}
	if req.MutedUserIDs != nil {
		v := dedupe(*req.MutedUserIDs)
		req.MutedUserIDs = &v
	}
	if req.MutedChannelIDs != nil {
		v := dedupe(*req.MutedChannelIDs)
		for i := range v {
			v[i] = NormalizeChannelName(v[i])
		}
		req.MutedChannelIDs = &v
	}

	u, err := s.store.SetMutes(ctx, req.UserID, req.MutedUserIDs, req.MutedChannelIDs)
	if err != nil {
		return svc.User{}, err
	}

	if s.notifier != nil {
		cmd := svc.MuteUsersCommand{
			UserID:          u.ID,
			MutedUserIDs:    nonNil(u.MutedUserIDs),
			MutedChannelIDs: nonNil(u.MutedChannelIDs),
		}
		if err := s.notifier.NotifyMutes(ctx, cmd); err != nil {
			s.log.Warn("directory.mute.notify_failed", "user_id", u.ID, "err", err)
			return u.User, fmt.Errorf("mute propagation: %w", err)
		}
	}
	return u.User, nil
}
