package directory

import (
	"context"
	"encoding/json"

	"relay/cmd/internal/rpc"
	svc "relay/shared/contracts/services/v1"
)

// RegisterRPC exposes s on srv under the directory operations.
// OpError kinds travel as their wire code (see OpError.RPCCode).
func RegisterRPC(srv *rpc.Server, s *Service) {
	srv.Handle(svc.OpGetUser, func(ctx context.Context, p json.RawMessage) (any, error) {
		var req svc.GetUserRequest
		if err := rpc.Decode(p, &req); err != nil {
			return nil, err
		}
		return s.GetUser(ctx, req.ID)
	})

	srv.Handle(svc.OpGetUsersByIDs, func(ctx context.Context, p json.RawMessage) (any, error) {
		var req svc.GetUsersByIDsRequest
		if err := rpc.Decode(p, &req); err != nil {
			return nil, err
		}
		users, err := s.GetUsersByIDs(ctx, req.IDs)
		if err != nil {
			return nil, err
		}
		return svc.UsersResponse{Users: users}, nil
	})

	srv.Handle(svc.OpGetChannelsContaining, func(ctx context.Context, p json.RawMessage) (any, error) {
		var req svc.GetChannelsContainingRequest
		if err := rpc.Decode(p, &req); err != nil {
			return nil, err
		}
		chs, err := s.GetChannelsContaining(ctx, req.UserID)
		if err != nil {
			return nil, err
		}
		return svc.ChannelsResponse{Channels: chs}, nil
	})

	srv.Handle(svc.OpGetChannelByName, func(ctx context.Context, p json.RawMessage) (any, error) {
		var req svc.GetChannelByNameRequest
		if err := rpc.Decode(p, &req); err != nil {
			return nil, err
		}
		return s.GetChannelByName(ctx, req.Name)
	})

	srv.Handle(svc.OpVerifyCredentials, func(ctx context.Context, p json.RawMessage) (any, error) {
		var req svc.VerifyCredentialsRequest
		if err := rpc.Decode(p, &req); err != nil {
			return nil, err
		}
		return s.VerifyCredentials(ctx, req.Username, req.Password)
	})

	srv.Handle(svc.OpMuteUsers, func(ctx context.Context, p json.RawMessage) (any, error) {
		var req svc.MuteUsersRequest
		if err := rpc.Decode(p, &req); err != nil {
			return nil, err
		}
		return s.MuteUsers(ctx, req)
	})

	srv.Handle(svc.OpCreateUser, func(ctx context.Context, p json.RawMessage) (any, error) {
		var req svc.CreateUserRequest
		if err := rpc.Decode(p, &req); err != nil {
			return nil, err
		}
		return s.CreateUser(ctx, req)
	})

	srv.Handle(svc.OpCreateChannel, func(ctx context.Context, p json.RawMessage) (any, error) {
		var req svc.CreateChannelRequest
		if err := rpc.Decode(p, &req); err != nil {
			return nil, err
		}
		return s.CreateChannel(ctx, req)
	})

	srv.Handle(svc.OpUpdateChannel, func(ctx context.Context, p json.RawMessage) (any, error) {
		var req svc.UpdateChannelRequest
		if err := rpc.Decode(p, &req); err != nil {
			return nil, err
		}
		return s.UpdateChannel(ctx, req)
	})

	srv.Handle(svc.OpAddChannelMembers, func(ctx context.Context, p json.RawMessage) (any, error) {
		var req svc.AddChannelMembersRequest
		if err := rpc.Decode(p, &req); err != nil {
			return nil, err
		}
		return s.AddChannelMembers(ctx, req)
	})

	srv.Handle(svc.OpDeleteChannel, func(ctx context.Context, p json.RawMessage) (any, error) {
		var req svc.DeleteChannelRequest
		if err := rpc.Decode(p, &req); err != nil {
			return nil, err
		}
		deleted, err := s.DeleteChannel(ctx, req.Name)
		if err != nil {
			return nil, err
		}
		return svc.DeleteChannelResponse{Deleted: deleted}, nil
	})
}
