package session

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"relay/cmd/directory"
	svc "relay/shared/contracts/services/v1"
)

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func rsaKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = k
	})
	return testKey
}

func privatePEM(k *rsa.PrivateKey) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(k)}))
}

func publicPEM(t *testing.T, k *rsa.PublicKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(k)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Issuer = "relay-test"
	cfg.PrivateKey = rsaKey(t)
	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeDirectory struct {
	mu        sync.Mutex
	users     map[string]svc.User
	passwords map[string]string
}

var _ Directory = (*fakeDirectory)(nil)

func newFakeDirectory(users ...svc.User) *fakeDirectory {
	d := &fakeDirectory{users: map[string]svc.User{}, passwords: map[string]string{}}
	for _, u := range users {
		d.users[u.ID] = u
		d.passwords[u.Username] = "correct horse"
	}
	return d
}

func (d *fakeDirectory) setRole(id, role string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u := d.users[id]
	u.Role = role
	d.users[id] = u
}

func (d *fakeDirectory) GetUser(_ context.Context, id string) (svc.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[id]
	if !ok {
		return svc.User{}, directory.ErrNotFound
	}
	return u, nil
}

func (d *fakeDirectory) VerifyCredentials(_ context.Context, username, password string) (svc.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.passwords[username] != password {
		return svc.User{}, directory.ErrInvalidCredentials
	}
	for _, u := range d.users {
		if u.Username == username {
			return u, nil
		}
	}
	return svc.User{}, directory.ErrNotFound
}

// CreateUser rejects passwords shorter than 8 bytes, like a strict policy would.
func (d *fakeDirectory) CreateUser(_ context.Context, req svc.CreateUserRequest) (svc.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(req.Password) < 8 {
		return svc.User{}, directory.OpError{Op: "directory.CreateUser", Kind: directory.ErrInvalidInput, Msg: "password: too short"}
	}
	if _, taken := d.passwords[req.Username]; taken {
		return svc.User{}, directory.ErrConflict
	}
	u := svc.User{ID: fmt.Sprintf("new-%d", len(d.users)+1), Username: req.Username, Role: req.Role, Verified: req.Verified}
	d.users[u.ID] = u
	d.passwords[u.Username] = req.Password
	return u, nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	targets [][]svc.SessionTarget
	err     error
}

func (n *recordingNotifier) NotifyRevoked(_ context.Context, targets []svc.SessionTarget) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.targets = append(n.targets, targets)
	return n.err
}

func (n *recordingNotifier) calls() [][]svc.SessionTarget {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([][]svc.SessionTarget(nil), n.targets...)
}
