package authapi

import "time"

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	// Device labels the session in /auth/sessions.
	Device string `json:"device"`
}

type userResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

type sessionResponse struct {
	SessionID        string    `json:"session_id"`
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

type loginResponse struct {
	User    userResponse    `json:"user"`
	Session sessionResponse `json:"session"`
}

type refreshResponse struct {
	SessionID       string    `json:"session_id"`
	AccessToken     string    `json:"access_token"`
	AccessExpiresAt time.Time `json:"access_expires_at"`
	Reminted        bool      `json:"reminted"`
}

type sessionInfoResponse struct {
	ID        string    `json:"id"`
	Device    string    `json:"device"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Current   bool      `json:"current"`
}

type sessionsResponse struct {
	Sessions []sessionInfoResponse `json:"sessions"`
}

type logoutResponse struct {
	Revoked int `json:"revoked"`
}

type channelRequest struct {
	Name    string   `json:"name"`
	Public  bool     `json:"public"`
	Members []string `json:"members"`
	Blocked []string `json:"blocked"`
}

// channelUpdateRequest replaces the fields that are present.
type channelUpdateRequest struct {
	Public  *bool     `json:"public"`
	Members *[]string `json:"members"`
	Blocked *[]string `json:"blocked"`
}

type addMembersRequest struct {
	// List is "members" or "blocked".
	List    string   `json:"list"`
	UserIDs []string `json:"user_ids"`
}

type channelResponse struct {
	Name    string   `json:"name"`
	Owner   string   `json:"owner"`
	Public  bool     `json:"public"`
	Members []string `json:"members"`
	Blocked []string `json:"blocked"`
}

type membersResponse struct {
	Channel string         `json:"channel"`
	Members []userResponse `json:"members"`
}

type deleteChannelResponse struct {
	Deleted bool `json:"deleted"`
}

type announceRequest struct {
	Text string `json:"text"`
}

type announceResponse struct {
	ID string `json:"id"`
}
