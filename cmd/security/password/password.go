package password

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/argon2"
)

func (p Argon2idParams) derive(password string, salt []byte, keyLen uint32) []byte {
	return argon2.IDKey([]byte(password), salt, p.Iterations, p.MemoryKiB, p.Parallelism, keyLen)
}

// acceptable reports whether stored parameters are safe to verify under c.
// Older, cheaper hashes are fine; anything more than twice the configured
// cost is refused so a tampered row cannot exhaust the directory.
func (c Config) acceptable(p Argon2idParams) bool {
	return p.MemoryKiB <= c.Params.MemoryKiB*2 &&
		p.Iterations <= c.Params.Iterations*2 &&
		uint32(p.Parallelism) <= uint32(c.Params.Parallelism)*2 &&
		p.SaltLength >= 8 && p.SaltLength <= 64 &&
		p.KeyLength >= 16 && p.KeyLength <= 128
}

// Hash validates password against the policy and returns its PHC-encoded
// Argon2id hash.
func (c Config) Hash(password string) (string, error) {
	if err := c.Validate(password); err != nil {
		return "", err
	}

	salt := make([]byte, c.Params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("salt: %w", err)
	}

	h := phc{params: c.Params, salt: salt}
	h.key = c.Params.derive(password, salt, c.Params.KeyLength)
	return h.String(), nil
}

// Verify checks password against encodedHash.
// It returns (false, ErrInvalidHash) for malformed or over-budget hashes.
func (c Config) Verify(encodedHash, password string) (bool, error) {
	h, err := parsePHC(encodedHash)
	if err != nil {
		return false, err
	}
	if !c.acceptable(h.params) {
		return false, ErrInvalidHash
	}

	got := h.params.derive(password, h.salt, h.params.KeyLength)
	return subtle.ConstantTimeCompare(got, h.key) == 1, nil
}

// VerifyAbsent spends one Argon2id derivation with c's parameters and always
// reports a mismatch. Use it when no stored hash exists for the account, so an
// unknown username costs the same as a wrong password.
func (c Config) VerifyAbsent(password string) bool {
	_ = c.Params.derive(password, make([]byte, c.Params.SaltLength), c.Params.KeyLength)
	return false
}

// NeedsRehash reports whether encodedHash was produced with parameters weaker
// than c. Malformed hashes always need a rehash.
func (c Config) NeedsRehash(encodedHash string) bool {
	h, err := parsePHC(encodedHash)
	if err != nil {
		return true
	}
	return h.params.MemoryKiB < c.Params.MemoryKiB ||
		h.params.Iterations < c.Params.Iterations ||
		h.params.KeyLength < c.Params.KeyLength
}
