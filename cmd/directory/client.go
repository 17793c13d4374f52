package directory

import (
	"context"
	"errors"

	"relay/cmd/internal/rpc"
	svc "relay/shared/contracts/services/v1"
)

// Client is the typed RPC client for the directory service.
type Client struct {
	caller rpc.Caller
}

// NewClient returns a Client calling through caller.
func NewClient(caller rpc.Caller) *Client {
	return &Client{caller: caller}
}

func (c *Client) call(ctx context.Context, op string, req, resp any, opts ...rpc.CallOption) error {
	err := c.caller.Call(ctx, svc.ServiceDirectory, op, req, resp, opts...)
	var re *rpc.RemoteError
	if !errors.As(err, &re) {
		return err
	}
	for _, k := range []error{ErrNotFound, ErrInvalidInput, ErrInvalidCredentials, ErrConflict} {
		if re.Code == k.Error() {
			return errors.Join(k, err)
		}
	}
	return err
}

// GetUser calls getUser.
func (c *Client) GetUser(ctx context.Context, id string) (svc.User, error) {
	var out svc.User
	err := c.call(ctx, svc.OpGetUser, svc.GetUserRequest{ID: id}, &out)
	return out, err
}

// GetUsersByIDs calls getUsersByIds.
func (c *Client) GetUsersByIDs(ctx context.Context, ids []string) ([]svc.User, error) {
	var out svc.UsersResponse
	err := c.call(ctx, svc.OpGetUsersByIDs, svc.GetUsersByIDsRequest{IDs: ids}, &out)
	return out.Users, err
}

// GetChannelsContaining calls getChannelsContaining.
func (c *Client) GetChannelsContaining(ctx context.Context, userID string) ([]svc.Channel, error) {
	var out svc.ChannelsResponse
	err := c.call(ctx, svc.OpGetChannelsContaining, svc.GetChannelsContainingRequest{UserID: userID}, &out)
	return out.Channels, err
}

// GetChannelByName calls getChannelByName.
func (c *Client) GetChannelByName(ctx context.Context, name string) (svc.Channel, error) {
	var out svc.Channel
	err := c.call(ctx, svc.OpGetChannelByName, svc.GetChannelByNameRequest{Name: name}, &out)
	return out, err
}

// VerifyCredentials calls verifyCredentials.
func (c *Client) VerifyCredentials(ctx context.Context, username, password string) (svc.User, error) {
	var out svc.User
	err := c.call(ctx, svc.OpVerifyCredentials, svc.VerifyCredentialsRequest{Username: username, Password: password}, &out)
	return out, err
}

// MuteUsers calls muteUsers.
func (c *Client) MuteUsers(ctx context.Context, req svc.MuteUsersRequest) (svc.User, error) {
	var out svc.User
	err := c.call(ctx, svc.OpMuteUsers, req, &out)
	return out, err
}

// CreateUser calls createUser.
func (c *Client) CreateUser(ctx context.Context, req svc.CreateUserRequest) (svc.User, error) {
	var out svc.User
	err := c.call(ctx, svc.OpCreateUser, req, &out)
	return out, err
}

// CreateChannel calls createChannel.
func (c *Client) CreateChannel(ctx context.Context, req svc.CreateChannelRequest) (svc.Channel, error) {
	var out svc.Channel
	err := c.call(ctx, svc.OpCreateChannel, req, &out)
	return out, err
}

// UpdateChannel calls updateChannel.
func (c *Client) UpdateChannel(ctx context.Context, req svc.UpdateChannelRequest) (svc.Channel, error) {
	var out svc.Channel
	err := c.call(ctx, svc.OpUpdateChannel, req, &out)
	return out, err
}

// AddChannelMembers calls addChannelMembers.
func (c *Client) AddChannelMembers(ctx context.Context, req svc.AddChannelMembersRequest) (svc.Channel, error) {
	var out svc.Channel
	err := c.call(ctx, svc.OpAddChannelMembers, req, &out)
	return out, err
}

// DeleteChannel calls deleteChannel.
func (c *Client) DeleteChannel(ctx context.Context, name string) (bool, error) {
	var out svc.DeleteChannelResponse
	err := c.call(ctx, svc.OpDeleteChannel, svc.DeleteChannelRequest{Name: name}, &out)
	return out.Deleted, err
}
