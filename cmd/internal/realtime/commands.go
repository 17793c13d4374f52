package realtime

import (
	"context"
	"encoding/json"

	"relay/cmd/internal/rpc"
	svc "relay/shared/contracts/services/v1"
)

// RegisterCommands subscribes r to the messaging broadcast commands on srv
// and serves the sendToAll operation.
func RegisterCommands(srv *rpc.Server, r *Router) {
	srv.HandleCommand(svc.CmdCloseSessions, func(_ context.Context, payload json.RawMessage) error {
		var cmd svc.CloseSessionsCommand
		if err := rpc.Decode(payload, &cmd); err != nil {
			return err
		}
		r.CloseSessions(cmd.Targets)
		return nil
	})

	srv.HandleCommand(svc.CmdMuteUsers, func(_ context.Context, payload json.RawMessage) error {
		var cmd svc.MuteUsersCommand
		if err := rpc.Decode(payload, &cmd); err != nil {
			return err
		}
		r.ApplyMutes(cmd)
		return nil
	})

	srv.HandleCommand(svc.CmdChannelChanged, func(_ context.Context, payload json.RawMessage) error {
		var cmd svc.ChannelChangedCommand
		if err := rpc.Decode(payload, &cmd); err != nil {
			return err
		}
		r.ApplyChannel(cmd)
		return nil
	})

	srv.Handle(svc.OpSendToAll, func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req svc.SendToAllRequest
		if err := rpc.Decode(payload, &req); err != nil {
			return nil, err
		}
		id, err := r.SendToAll(ctx, req.From, req.Text)
		if err != nil {
			return nil, err
		}
		return svc.SendToAllResponse{ID: id}, nil
	})
}
