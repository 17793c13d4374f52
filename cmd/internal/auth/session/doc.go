// Package session implements the relay Session Authority.
//
// It issues and verifies two token classes: short-lived access tokens carrying
// {sub, role, sid} and long-lived refresh tokens bound to a device label. Both
// are RS256 JWTs with a fixed issuer. One Session row is persisted per logical
// login, keyed by the refresh token's jti; deleting the row is how revocation
// takes effect, so renewal fails closed whenever the row is absent.
//
// Persistence is pluggable (memory, MongoDB, Postgres). The service is exposed
// to other services over the RPC gateway (RegisterRPC) and consumed through
// the typed Client.
package session
