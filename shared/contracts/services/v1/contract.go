// Package v1 defines the inter-service RPC contract between relay services:
// service names, operation names, and request/response payloads.
//
// Payloads are JSON on the wire. Field names are stable.
package v1

import "time"

// Service names addressed through the RPC gateway.
const (
	ServiceIdentity  = "identity"
	ServiceDirectory = "directory"
	ServiceMessaging = "messaging"
)

// Identity (Session Authority) operations.
const (
	OpIssueSession   = "issueSession"
	OpRenewSession   = "renewSession"
	OpRevokeSessions = "revokeSessions"
	OpListSessions   = "listSessions"
	OpLogin          = "login"
	OpRegister       = "register"
)

// Directory operations.
const (
	OpGetUser               = "getUser"
	OpGetUsersByIDs         = "getUsersByIds"
	OpGetChannelsContaining = "getChannelsContaining"
	OpGetChannelByName      = "getChannelByName"
	OpVerifyCredentials     = "verifyCredentials"
	OpMuteUsers             = "muteUsers"
	OpCreateUser            = "createUser"
	OpCreateChannel         = "createChannel"
	OpUpdateChannel         = "updateChannel"
	OpDeleteChannel         = "deleteChannel"
	OpAddChannelMembers     = "addChannelMembers"
)

// Messaging operations.
const (
	OpSendToAll = "sendToAll"
)

// Messaging broadcast commands.
const (
	CmdCloseSessions  = "closeSessions"
	CmdMuteUsers      = "muteUsers"
	CmdChannelChanged = "channelChanged"
)

// Stable error codes.
const (
	CodeInvalidToken       = "invalid_token"
	CodeInvalidSignature   = "invalid_signature"
	CodeExpired            = "expired"
	CodeSessionRevoked     = "session_revoked"
	CodeInvalidCredentials = "invalid_credentials"
	CodeAccountLocked      = "account_locked"
	CodeConflict           = "conflict"
)

// User is the directory identity record as seen by other services.
type User struct {
	ID              string   `json:"id"`
	Username        string   `json:"username"`
	Role            string   `json:"role"`
	Locked          bool     `json:"locked"`
	Verified        bool     `json:"verified"`
	MutedUserIDs    []string `json:"mutedUserIds"`
	MutedChannelIDs []string `json:"mutedChannelIds"`
}

// Channel is the directory channel record.
type Channel struct {
	Name    string   `json:"name"`
	Owner   string   `json:"owner"`
	Public  bool     `json:"public"`
	Members []string `json:"members"`
	Blocked []string `json:"blocked"`
}

type GetUserRequest struct {
	ID string `json:"id"`
}

type GetUsersByIDsRequest struct {
	IDs []string `json:"ids"`
}

type UsersResponse struct {
	Users []User `json:"users"`
}

type GetChannelsContainingRequest struct {
	UserID string `json:"userId"`
}

type ChannelsResponse struct {
	Channels []Channel `json:"channels"`
}

type GetChannelByNameRequest struct {
	Name string `json:"name"`
}

type VerifyCredentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// MuteUsersRequest replaces the mute lists that are non-nil.
type MuteUsersRequest struct {
	UserID          string    `json:"userId"`
	MutedUserIDs    *[]string `json:"mutedUserIds,omitempty"`
	MutedChannelIDs *[]string `json:"mutedChannelIds,omitempty"`
}

// CreateUserRequest registers a user. Role defaults to member.
type CreateUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
	Verified bool   `json:"verified"`
}

// CreateChannelRequest creates a channel owned by Owner, who is always a member.
// Unknown user ids in Members and Blocked are dropped.
type CreateChannelRequest struct {
	Name    string   `json:"name"`
	Owner   string   `json:"owner"`
	Public  bool     `json:"public"`
	Members []string `json:"members,omitempty"`
	Blocked []string `json:"blocked,omitempty"`
}

// UpdateChannelRequest replaces the fields that are non-nil.
type UpdateChannelRequest struct {
	Name    string    `json:"name"`
	Public  *bool     `json:"public,omitempty"`
	Members *[]string `json:"members,omitempty"`
	Blocked *[]string `json:"blocked,omitempty"`
}

type DeleteChannelRequest struct {
	Name string `json:"name"`
}

type DeleteChannelResponse struct {
	Deleted bool `json:"deleted"`
}

// Channel lists addressed by AddChannelMembersRequest.List.
const (
	ListMembers = "members"
	ListBlocked = "blocked"
)

// AddChannelMembersRequest appends known UserIDs to one list of a channel.
type AddChannelMembersRequest struct {
	Name    string   `json:"name"`
	List    string   `json:"list"`
	UserIDs []string `json:"userIds"`
}

// SessionInfo describes a session without any token material.
type SessionInfo struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"ownerId"`
	DeviceLabel string    `json:"deviceLabel"`
	IssuedAt    time.Time `json:"issuedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type IssueSessionRequest struct {
	OwnerID     string `json:"ownerId"`
	Role        string `json:"role"`
	DeviceLabel string `json:"deviceLabel"`
}

// IssuedSession carries a freshly issued token pair.
type IssuedSession struct {
	SessionID        string    `json:"sessionId"`
	AccessToken      string    `json:"accessToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshToken     string    `json:"refreshToken"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}

type RenewSessionRequest struct {
	RefreshToken string `json:"refreshToken"`
	AccessToken  string `json:"accessToken,omitempty"`
}

type RenewSessionResponse struct {
	Session         SessionInfo `json:"session"`
	AccessToken     string      `json:"accessToken"`
	AccessExpiresAt time.Time   `json:"accessExpiresAt"`
	Role            string      `json:"role"`
	Reminted        bool        `json:"reminted"`
}

type RevokeSessionsRequest struct {
	OwnerID    string   `json:"ownerId"`
	SessionIDs []string `json:"sessionIds,omitempty"`
}

type RevokeSessionsResponse struct {
	Revoked int `json:"revoked"`
}

type ListSessionsRequest struct {
	OwnerID string `json:"ownerId"`
}

type ListSessionsResponse struct {
	Sessions []SessionInfo `json:"sessions"`
}

type LoginRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DeviceLabel string `json:"deviceLabel"`
}

type RegisterRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DeviceLabel string `json:"deviceLabel"`
}

type LoginResponse struct {
	User    User          `json:"user"`
	Session IssuedSession `json:"session"`
}

// SessionTarget selects live connections to close. An empty SessionID selects
// every connection of OwnerID.
type SessionTarget struct {
	OwnerID   string `json:"ownerId"`
	SessionID string `json:"sessionId,omitempty"`
}

type CloseSessionsCommand struct {
	Targets []SessionTarget `json:"targets"`
}

type MuteUsersCommand struct {
	UserID          string   `json:"userId"`
	MutedUserIDs    []string `json:"mutedUserIds"`
	MutedChannelIDs []string `json:"mutedChannelIds"`
}

// ChannelChangedCommand carries the channel record after a change. Deleted
// channels carry only the name.
type ChannelChangedCommand struct {
	Channel Channel `json:"channel"`
	Deleted bool    `json:"deleted,omitempty"`
}

// SendToAllRequest is an announcement delivered to every live connection.
type SendToAllRequest struct {
	From string `json:"from"`
	Text string `json:"text"`
}

type SendToAllResponse struct {
	ID string `json:"id"`
}
