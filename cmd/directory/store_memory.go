package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"sort"
	"sync"

	"relay/cmd/security/password"
)

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	users      map[string]UserRecord
	byUsername map[string]string
	channels   map[string]ChannelRecord
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:      make(map[string]UserRecord),
		byUsername: make(map[string]string),
		channels:   make(map[string]ChannelRecord),
	}
}

// GetUser implements Store.
func (m *MemoryStore) GetUser(_ context.Context, id string) (UserRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return UserRecord{}, opErr("GetUser", ErrNotFound, "")
	}
	return cloneUser(u), nil
}

// GetUsersByIDs implements Store. Unknown ids are skipped.
func (m *MemoryStore) GetUsersByIDs(_ context.Context, ids []string) ([]UserRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]UserRecord, 0, len(ids))
	for _, id := range ids {
		if u, ok := m.users[id]; ok {
			out = append(out, cloneUser(u))
		}
	}
	return out, nil
}

// GetUserByUsername implements Store.
func (m *MemoryStore) GetUserByUsername(_ context.Context, usernameNorm string) (UserRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byUsername[usernameNorm]
	if !ok {
		return UserRecord{}, opErr("GetUserByUsername", ErrNotFound, "")
	}
	return cloneUser(m.users[id]), nil
}

// ChannelsContaining implements Store. Channels that also block userID are skipped.
func (m *MemoryStore) ChannelsContaining(_ context.Context, userID string) ([]ChannelRecord, error) {
	m.mu.RLock()
	out := make([]ChannelRecord, 0)
	for _, ch := range m.channels {
		if slices.Contains(ch.Members, userID) && !slices.Contains(ch.Blocked, userID) {
			out = append(out, cloneChannel(ch))
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ChannelByName implements Store.
func (m *MemoryStore) ChannelByName(_ context.Context, name string) (ChannelRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	if !ok {
		return ChannelRecord{}, opErr("ChannelByName", ErrNotFound, "")
	}
	return cloneChannel(ch), nil
}

// SetMutes implements Store.
func (m *MemoryStore) SetMutes(_ context.Context, userID string, mutedUserIDs, mutedChannelIDs *[]string) (UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return UserRecord{}, opErr("SetMutes", ErrNotFound, "")
	}
	if mutedUserIDs != nil {
		u.MutedUserIDs = slices.Clone(*mutedUserIDs)
	}
	if mutedChannelIDs != nil {
		u.MutedChannelIDs = slices.Clone(*mutedChannelIDs)
	}
	m.users[userID] = u
	return cloneUser(u), nil
}

// PutUser implements Store. It inserts or replaces by ID; a username held by
// another user is a conflict.
func (m *MemoryStore) PutUser(_ context.Context, u UserRecord) error {
	if !validID(u.ID) {
		return opErr("PutUser", ErrInvalidInput, "id")
	}
	u.UsernameNorm = NormalizeUsername(u.Username)

	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, ok := m.byUsername[u.UsernameNorm]; ok && owner != u.ID {
		return opErr("PutUser", ErrConflict, "username")
	}
	if prev, ok := m.users[u.ID]; ok {
		delete(m.byUsername, prev.UsernameNorm)
	}
	m.users[u.ID] = cloneUser(u)
	if u.UsernameNorm != "" {
		m.byUsername[u.UsernameNorm] = u.ID
	}
	return nil
}

// PutChannel implements Store.
func (m *MemoryStore) PutChannel(_ context.Context, ch ChannelRecord) error {
	ch.Name = NormalizeChannelName(ch.Name)
	if !validChannelName(ch.Name) {
		return opErr("PutChannel", ErrInvalidInput, "name")
	}
	m.mu.Lock()
	m.channels[ch.Name] = cloneChannel(ch)
	m.mu.Unlock()
	return nil
}

// CreateChannel implements Store.
func (m *MemoryStore) CreateChannel(_ context.Context, ch ChannelRecord) error {
	ch.Name = NormalizeChannelName(ch.Name)
	if !validChannelName(ch.Name) {
		return opErr("CreateChannel", ErrInvalidInput, "name")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.channels[ch.Name]; ok {
		return opErr("CreateChannel", ErrConflict, "name")
	}
	m.channels[ch.Name] = cloneChannel(ch)
	return nil
}

// UpdateChannel implements Store.
func (m *MemoryStore) UpdateChannel(_ context.Context, name string, u ChannelUpdate) (ChannelRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[name]
	if !ok {
		return ChannelRecord{}, opErr("UpdateChannel", ErrNotFound, "")
	}
	ch = cloneChannel(ch)
	u.apply(&ch)
	m.channels[name] = ch
	return cloneChannel(ch), nil
}

// DeleteChannel implements Store.
func (m *MemoryStore) DeleteChannel(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.channels[name]; !ok {
		return false, nil
	}
	delete(m.channels, name)
	return true, nil
}

func cloneUser(u UserRecord) UserRecord {
	u.MutedUserIDs = slices.Clone(u.MutedUserIDs)
	u.MutedChannelIDs = slices.Clone(u.MutedChannelIDs)
	return u
}

func cloneChannel(ch ChannelRecord) ChannelRecord {
	ch.Members = slices.Clone(ch.Members)
	ch.Blocked = slices.Clone(ch.Blocked)
	return ch
}

// SeedUser is one user entry of a Seed. Exactly one of PasswordHash (PHC) or
// Password (hashed on load) should be set.
type SeedUser struct {
	ID              string   `json:"id"`
	Username        string   `json:"username"`
	Role            string   `json:"role"`
	Locked          bool     `json:"locked"`
	Verified        bool     `json:"verified"`
	MutedUserIDs    []string `json:"mutedUserIds"`
	MutedChannelIDs []string `json:"mutedChannelIds"`
	PasswordHash    string   `json:"passwordHash"`
	Password        string   `json:"password"`
}

// Seed is the JSON document accepted by LoadSeed.
type Seed struct {
	Users    []SeedUser      `json:"users"`
	Channels []ChannelRecord `json:"channels"`
}

// LoadSeedFile reads a Seed from path into store.
func LoadSeedFile(ctx context.Context, store Store, path string, pw password.Config) error {
	b, err := os.ReadFile(path) // #nosec G304 -- operator-supplied seed path.
	if err != nil {
		return fmt.Errorf("read seed: %w", err)
	}
	var seed Seed
	if err := json.Unmarshal(b, &seed); err != nil {
		return fmt.Errorf("decode seed: %w", err)
	}
	return LoadSeed(ctx, store, seed, pw)
}

// LoadSeed writes seed into store, hashing plaintext passwords with pw.
func LoadSeed(ctx context.Context, store Store, seed Seed, pw password.Config) error {
	for _, su := range seed.Users {
		hash := su.PasswordHash
		if hash == "" && su.Password != "" {
			h, err := pw.Hash(su.Password)
			if err != nil {
				return fmt.Errorf("seed user %q: %w", su.ID, err)
			}
			hash = h
		}
		role := su.Role
		if role == "" {
			role = RoleMember
		}
		rec := UserRecord{PasswordHash: hash}
		rec.ID = su.ID
		rec.Username = su.Username
		rec.Role = role
		rec.Locked = su.Locked
		rec.Verified = su.Verified
		rec.MutedUserIDs = dedupe(su.MutedUserIDs)
		rec.MutedChannelIDs = dedupe(su.MutedChannelIDs)
		if err := store.PutUser(ctx, rec); err != nil {
			return fmt.Errorf("seed user %q: %w", su.ID, err)
		}
	}
	for _, ch := range seed.Channels {
		if err := store.PutChannel(ctx, ch); err != nil {
			return fmt.Errorf("seed channel %q: %w", ch.Name, err)
		}
	}
	return nil
}
