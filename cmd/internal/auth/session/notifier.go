package session

import (
	"context"

	"relay/cmd/internal/rpc"
	svc "relay/shared/contracts/services/v1"
)

// MessagingNotifier broadcasts closeSessions to every messaging node.
type MessagingNotifier struct {
	caller rpc.Caller
}

var _ RevocationNotifier = (*MessagingNotifier)(nil)

// NewMessagingNotifier returns a notifier publishing through caller.
func NewMessagingNotifier(caller rpc.Caller) *MessagingNotifier {
	return &MessagingNotifier{caller: caller}
}

// NotifyRevoked implements RevocationNotifier.
func (n *MessagingNotifier) NotifyRevoked(ctx context.Context, targets []svc.SessionTarget) error {
	if len(targets) == 0 {
		return nil
	}
	return n.caller.Broadcast(ctx, svc.ServiceMessaging, svc.CmdCloseSessions, svc.CloseSessionsCommand{Targets: targets})
}
