package app

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"relay/cmd/internal/realtime"
	v1 "relay/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

func TestRuntimeBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "explicit localhost", in: "127.0.0.1:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v4", in: "0.0.0.0:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v6", in: "[::]:9090", want: "http://127.0.0.1:9090"},
		{name: "ipv6 host", in: "[2001:db8::1]:9090", want: "http://[2001:db8::1]:9090"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := runtimeBaseURL(tc.in)
			if got != tc.want {
				t.Fatalf("runtimeBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
			}
		})
	}
}

func TestWSBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
		{in: "https://chat.example.com", want: "wss://chat.example.com"},
		{in: "127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
	}

	for _, tc := range cases {
		got := wsBaseURL(tc.in)
		if got != tc.want {
			t.Fatalf("wsBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func TestApp_AllRoleInMemory_LoginAndConnect(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	seedPath := filepath.Join(t.TempDir(), "seed.json")
	seed := `{
		"users": [{"id": "u1", "username": "ada", "verified": true, "password": "correct horse battery"}],
		"channels": [{"name": "general", "public": true, "members": ["u1"]}]
	}`
	if err := os.WriteFile(seedPath, []byte(seed), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}

	t.Setenv("RELAY_AUTH_PRIVATE_KEY_PEM", string(keyPEM))
	t.Setenv("RELAY_AUTH_COOKIE_SECURE", "false")
	t.Setenv("RELAY_WS_ORIGIN_REQUIRED", "false")

	cfg := Config{
		Role:              RoleAll,
		NodeID:            "test-node",
		Bus:               BackendMemory,
		Fanout:            BackendMemory,
		SessionStore:      BackendMemory,
		DirectoryStore:    BackendMemory,
		DirectorySeedFile: seedPath,
		RPCTimeout:        2 * time.Second,
		RPCWorkers:        8,
		ReadinessTimeout:  time.Second,
	}

	a, err := New(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.release)

	if len(a.servers) != 3 || a.ws == nil || a.auth == nil {
		t.Fatalf("role=all must wire every service: servers=%d ws=%v auth=%v", len(a.servers), a.ws != nil, a.auth != nil)
	}
	if len(a.checks) != 0 {
		t.Fatalf("in-process node has no remote dependencies, got %d checks", len(a.checks))
	}
	if err := a.start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	srv := httptest.NewServer(a.handler())
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL+"/auth/login", "application/json",
		strings.NewReader(`{"username":"ada","password":"correct horse battery","device":"laptop"}`))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status=%d", resp.StatusCode)
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("security headers missing on login response")
	}

	var login struct {
		Session struct {
			SessionID   string `json:"session_id"`
			AccessToken string `json:"access_token"`
		} `json:"session"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&login); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	var refresh *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == realtime.DefaultSessionCookie {
			refresh = c
		}
	}
	if refresh == nil || login.Session.AccessToken == "" {
		t.Fatalf("login must return an access token and the session cookie")
	}

	h := http.Header{}
	h.Set("Authorization", "Bearer "+login.Session.AccessToken)
	h.Set("Cookie", (&http.Cookie{Name: refresh.Name, Value: refresh.Value}).String())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.CloseNow() }()

	_, b, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env v1.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	var ready v1.ReadyPayload
	if err := json.Unmarshal(env.Payload, &ready); err != nil {
		t.Fatalf("decode ready: %v", err)
	}
	if env.Type != v1.TypeReady || ready.UserID != "u1" || ready.SessionID != login.Session.SessionID {
		t.Fatalf("unexpected first event: type=%q payload=%+v", env.Type, ready)
	}
	if len(ready.Channels) != 1 || ready.Channels[0] != "general" {
		t.Fatalf("ready channels=%v", ready.Channels)
	}

	rr, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	_ = rr.Body.Close()
	if rr.StatusCode != http.StatusOK {
		t.Fatalf("readyz status=%d", rr.StatusCode)
	}
}
