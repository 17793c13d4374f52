package session

import (
	"context"

	"relay/cmd/internal/rpc"
	svc "relay/shared/contracts/services/v1"
)

// Client is the typed RPC client for the identity service.
// Remote error codes are mapped back to this package's sentinel errors.
type Client struct {
	caller rpc.Caller
}

// NewClient returns a Client calling through caller.
func NewClient(caller rpc.Caller) *Client {
	return &Client{caller: caller}
}

func (c *Client) call(ctx context.Context, op string, req, resp any, opts ...rpc.CallOption) error {
	return fromWire(c.caller.Call(ctx, svc.ServiceIdentity, op, req, resp, opts...))
}

// Renew calls renewSession.
func (c *Client) Renew(ctx context.Context, refreshToken, accessToken string, opts ...rpc.CallOption) (svc.RenewSessionResponse, error) {
	var out svc.RenewSessionResponse
	err := c.call(ctx, svc.OpRenewSession, svc.RenewSessionRequest{RefreshToken: refreshToken, AccessToken: accessToken}, &out, opts...)
	return out, err
}

// IssueSession calls issueSession.
func (c *Client) IssueSession(ctx context.Context, ownerID, role, deviceLabel string) (svc.IssuedSession, error) {
	var out svc.IssuedSession
	err := c.call(ctx, svc.OpIssueSession, svc.IssueSessionRequest{OwnerID: ownerID, Role: role, DeviceLabel: deviceLabel}, &out)
	return out, err
}

// RevokeSessions calls revokeSessions. No ids revokes every session of ownerID.
func (c *Client) RevokeSessions(ctx context.Context, ownerID string, sessionIDs ...string) (int, error) {
	var out svc.RevokeSessionsResponse
	err := c.call(ctx, svc.OpRevokeSessions, svc.RevokeSessionsRequest{OwnerID: ownerID, SessionIDs: sessionIDs}, &out)
	return out.Revoked, err
}

// ListSessions calls listSessions.
func (c *Client) ListSessions(ctx context.Context, ownerID string) ([]svc.SessionInfo, error) {
	var out svc.ListSessionsResponse
	err := c.call(ctx, svc.OpListSessions, svc.ListSessionsRequest{OwnerID: ownerID}, &out)
	return out.Sessions, err
}

// Login calls login.
func (c *Client) Login(ctx context.Context, username, password, deviceLabel string) (svc.LoginResponse, error) {
	var out svc.LoginResponse
	err := c.call(ctx, svc.OpLogin, svc.LoginRequest{Username: username, Password: password, DeviceLabel: deviceLabel}, &out)
	return out, err
}

// Register calls register.
func (c *Client) Register(ctx context.Context, username, password, deviceLabel string) (svc.LoginResponse, error) {
	var out svc.LoginResponse
	err := c.call(ctx, svc.OpRegister, svc.RegisterRequest{Username: username, Password: password, DeviceLabel: deviceLabel}, &out)
	return out, err
}
