// Package password hashes and verifies directory account passwords with Argon2id.
//
// Encoded hashes use the PHC string format
// ($argon2id$v=19$m=<mem>,t=<iter>,p=<par>$<salt>$<key>) and are treated as
// untrusted input on Verify: hashes whose cost parameters exceed the configured
// limits by more than 2x are refused with ErrInvalidHash.
//
// Parameters and policy come from RELAY_PASSWORD_* and RELAY_ARGON2_* env vars.
package password
