package realtime

import (
	"context"

	"relay/cmd/internal/rpc"
	svc "relay/shared/contracts/services/v1"
)

// Client is the typed RPC client for the messaging service.
type Client struct {
	caller rpc.Caller
}

// NewClient returns a Client calling through caller.
func NewClient(caller rpc.Caller) *Client {
	return &Client{caller: caller}
}

// SendToAll calls sendToAll on one messaging node; the delivery still
// reaches every node through the broadcaster.
func (c *Client) SendToAll(ctx context.Context, from, text string) (string, error) {
	var out svc.SendToAllResponse
	err := c.caller.Call(ctx, svc.ServiceMessaging, svc.OpSendToAll, svc.SendToAllRequest{From: from, Text: text}, &out)
	return out.ID, err
}
