// Package v1 defines the relay realtime protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is negotiated during the WebSocket handshake.
const Subprotocol = "relay.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeMessage carries chat text: client -> server to send, server -> client to deliver.
	TypeMessage = "message"

	// TypeJoinChannel asks to subscribe to a channel room (client -> server).
	// Unauthorized requests receive no reply.
	TypeJoinChannel = "joinChannel"

	// TypeSessions is the terminal forced-logout notice (server -> client).
	TypeSessions = "sessions"

	// TypeReady confirms admission after authentication (server -> client).
	TypeReady = "ready"

	// TypeError reports malformed input (server -> client).
	TypeError = "error"
)

var clientTypes = map[string]struct{}{
	TypeMessage:     {},
	TypeJoinChannel: {},
}

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// ValidateInbound checks an envelope received from a client.
func (e Envelope) ValidateInbound() error {
	if e.V != Version {
		return fmt.Errorf("invalid protocol version: got=%q want=%q", e.V, Version)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing type")
	}
	if _, ok := clientTypes[e.Type]; !ok {
		return fmt.Errorf("unsupported type: %s", e.Type)
	}
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("missing id")
	}
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return errors.New("missing payload")
	}
	return nil
}

// MessageSendPayload is sent by a client. Exactly one of Channel or To is set.
type MessageSendPayload struct {
	Channel     string `json:"channel,omitempty"`
	To          string `json:"to,omitempty"`
	Text        string `json:"text"`
	ClientMsgID string `json:"clientMsgId,omitempty"`
}

// MessagePayload is delivered to recipients.
type MessagePayload struct {
	ID          string    `json:"id"`
	Channel     string    `json:"channel,omitempty"`
	From        string    `json:"from"`
	To          string    `json:"to,omitempty"`
	Text        string    `json:"text"`
	ClientMsgID string    `json:"clientMsgId,omitempty"`
	SentAt      time.Time `json:"sentAt"`
}

// JoinChannelPayload names the channel to join.
type JoinChannelPayload struct {
	Channel string `json:"channel"`
}

// SessionsPayload precedes a server-initiated close.
type SessionsPayload struct {
	Reason    string `json:"reason"`
	SessionID string `json:"sessionId,omitempty"`
}

// ReasonLoggedOut is the only SessionsPayload reason today.
const ReasonLoggedOut = "logged_out"

// ReadyPayload is the first server event after admission.
// AccessToken is set only when the access token was re-minted during renewal.
type ReadyPayload struct {
	UserID      string   `json:"userId"`
	SessionID   string   `json:"sessionId"`
	Channels    []string `json:"channels"`
	AccessToken string   `json:"accessToken,omitempty"`
}

// ErrorPayload reports malformed input.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
