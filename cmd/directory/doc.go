// Package directory implements relay's user and channel directory service.
//
// It owns the identity records other services look up over RPC (role,
// lock/verify flags, mute lists) and the channel records that drive room
// membership. It also verifies account passwords (Argon2id, via
// cmd/security/password) on behalf of the Session Authority's login.
//
// Storage is pluggable: an in-memory store seeded from JSON for development
// and tests, and a MongoDB store for deployments.
package directory
