package rpc

import (
	"encoding/json"
	"time"
)

// Request is published to a service queue.
type Request struct {
	Operation     string          `json:"operation"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlationId"`
	ReplyTo       string          `json:"replyTo"`
	Deadline      time.Time       `json:"deadline"`
}

// Reply answers exactly one Request.
type Reply struct {
	CorrelationID string          `json:"correlationId"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Error         *ReplyError     `json:"error,omitempty"`
}

// ReplyError is the wire form of a handler failure.
type ReplyError struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// Command is a broadcast with no reply.
type Command struct {
	Operation string          `json:"operation"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Origin    string          `json:"origin,omitempty"`
}

// HealthStatus is returned by the built-in health operation.
type HealthStatus struct {
	Service string    `json:"service"`
	Node    string    `json:"node"`
	Time    time.Time `json:"time"`
}

// OpHealth is registered on every Server.
const OpHealth = "health"
