package realtime

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"relay/cmd/directory"
	"relay/cmd/internal/auth/session"
	"relay/cmd/internal/rpc"
	"relay/cmd/security/password"
	v1 "relay/shared/contracts/realtime/v1"
	svc "relay/shared/contracts/services/v1"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
	keyErr  error
)

func rsaKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() { testKey, keyErr = rsa.GenerateKey(rand.Reader, 2048) })
	if keyErr != nil {
		t.Fatalf("rsa.GenerateKey: %v", keyErr)
	}
	return testKey
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testSeed: u3 mutes u1; u4 is locked; u5 is unverified; u1 is listed in ops
// but also blocked there.
func testSeed() directory.Seed {
	return directory.Seed{
		Users: []directory.SeedUser{
			{ID: "u1", Username: "ada", Verified: true},
			{ID: "u2", Username: "bob", Verified: true},
			{ID: "u3", Username: "cy", Verified: true, MutedUserIDs: []string{"u1"}},
			{ID: "u4", Username: "dee", Verified: true, Locked: true},
			{ID: "u5", Username: "eve"},
		},
		Channels: []directory.ChannelRecord{
			{Name: "general", Public: true, Members: []string{"u1", "u2", "u3"}},
			{Name: "staff", Members: []string{"u2"}},
			{Name: "lobby", Public: true, Blocked: []string{"u3"}},
			{Name: "ops", Members: []string{"u1", "u2"}, Blocked: []string{"u1"}},
		},
	}
}

type testNode struct {
	name   string
	router *Router
	srv    *httptest.Server
}

// cluster is an identity service, a directory service and N messaging nodes
// sharing one MemoryBus and one MemoryBroadcaster.
type cluster struct {
	t      *testing.T
	ctx    context.Context
	bus    *rpc.MemoryBus
	fanout *MemoryBroadcaster

	sessions  *session.Service
	directory *directory.Service
	nodes     []*testNode

	// wrapDir, when set, wraps the directory client of nodes added later.
	wrapDir func(UserDirectory) UserDirectory
}

func newCluster(t *testing.T, nodes int, tune ...func(*GatewayConfig)) *cluster {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	bus := rpc.NewMemoryBus()
	t.Cleanup(func() { _ = bus.Close() })
	fanout := NewMemoryBroadcaster()
	t.Cleanup(func() { _ = fanout.Close() })

	c := &cluster{t: t, ctx: ctx, bus: bus, fanout: fanout}

	svcClient := c.rpcClient("services")

	dirStore := directory.NewMemoryStore()
	if err := directory.LoadSeed(ctx, dirStore, testSeed(), password.DefaultConfig()); err != nil {
		t.Fatalf("LoadSeed: %v", err)
	}
	c.directory = directory.NewService(dirStore, password.DefaultConfig(), directory.NewMessagingNotifier(svcClient), testLogger())
	dirSrv := rpc.NewServer(bus, rpc.ServerConfig{Service: svc.ServiceDirectory, Node: "directory-1", Log: testLogger()})
	directory.RegisterRPC(dirSrv, c.directory)
	c.start(dirSrv)

	cfg := session.DefaultConfig()
	cfg.Issuer = "relay-test"
	cfg.PrivateKey = rsaKey(t)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("session config: %v", err)
	}
	tokens, err := session.NewJWTManager(cfg)
	if err != nil {
		t.Fatalf("NewJWTManager: %v", err)
	}
	c.sessions = session.NewService(cfg, session.NewMemoryStore(), tokens,
		directory.NewClient(svcClient), session.NewMessagingNotifier(svcClient), testLogger())
	idSrv := rpc.NewServer(bus, rpc.ServerConfig{Service: svc.ServiceIdentity, Node: "identity-1", Log: testLogger()})
	session.RegisterRPC(idSrv, c.sessions)
	c.start(idSrv)

	for i := 0; i < nodes; i++ {
		c.addNode(fmt.Sprintf("node-%d", i+1), tune...)
	}
	return c
}

func (c *cluster) rpcClient(node string) *rpc.Client {
	c.t.Helper()
	cl, err := rpc.NewClient(c.ctx, c.bus, rpc.ClientConfig{Node: node, Timeout: 2 * time.Second, Log: testLogger()})
	if err != nil {
		c.t.Fatalf("rpc.NewClient: %v", err)
	}
	c.t.Cleanup(cl.Close)
	return cl
}

func (c *cluster) start(srv *rpc.Server) {
	c.t.Helper()
	if err := srv.Start(c.ctx); err != nil {
		c.t.Fatalf("rpc server start: %v", err)
	}
}

func (c *cluster) addNode(name string, tune ...func(*GatewayConfig)) *testNode {
	c.t.Helper()

	cl := c.rpcClient(name)
	var dir UserDirectory = directory.NewClient(cl)
	if c.wrapDir != nil {
		dir = c.wrapDir(dir)
	}
	metrics := NewMetrics(prometheus.NewRegistry())

	router := NewRouter(RouterConfig{Node: name, Log: testLogger(), Metrics: metrics}, NewRoomRegistry(testLogger()), c.fanout, dir)
	if err := router.Start(c.ctx); err != nil {
		c.t.Fatalf("router start: %v", err)
	}

	msgSrv := rpc.NewServer(c.bus, rpc.ServerConfig{Service: svc.ServiceMessaging, Node: name, Log: testLogger()})
	RegisterCommands(msgSrv, router)
	c.start(msgSrv)

	gcfg := DefaultGatewayConfig()
	gcfg.OriginRequired = false
	for _, f := range tune {
		f(&gcfg)
	}
	auth := NewAuthenticator(session.NewClient(cl), dir, 2*time.Second, testLogger(), metrics)
	gw := NewWSGateway(gcfg, auth, router, dir, testLogger(), metrics)

	srv := httptest.NewServer(gw)
	c.t.Cleanup(srv.Close)

	n := &testNode{name: name, router: router, srv: srv}
	c.nodes = append(c.nodes, n)
	return n
}

func (c *cluster) issue(userID, device string) session.Issued {
	c.t.Helper()
	iss, err := c.sessions.IssueSession(c.ctx, time.Now(), userID, directory.RoleMember, device)
	if err != nil {
		c.t.Fatalf("IssueSession(%s): %v", userID, err)
	}
	return iss
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func dialWS(t *testing.T, n *testNode, access, refresh string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	h := http.Header{}
	if access != "" {
		h.Set("Authorization", "Bearer "+access)
	}
	if refresh != "" {
		h.Set("Cookie", (&http.Cookie{Name: DefaultSessionCookie, Value: refresh}).String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, wsURL(n.srv.URL), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if conn != nil {
		t.Cleanup(func() { _ = conn.CloseNow() })
	}
	return conn, resp, err
}

// connect dials n with iss and consumes the ready event.
func connect(t *testing.T, n *testNode, iss session.Issued) (*websocket.Conn, v1.ReadyPayload) {
	t.Helper()
	conn, _, err := dialWS(t, n, iss.AccessToken, iss.RefreshToken)
	if err != nil {
		t.Fatalf("dial %s: %v", n.name, err)
	}
	env := readEnv(t, conn)
	if env.Type != v1.TypeReady {
		t.Fatalf("first event=%q, want ready", env.Type)
	}
	var ready v1.ReadyPayload
	decodePayload(t, env, &ready)
	return conn, ready
}

var envSeq atomic.Int64

func sendEvent(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	writeRaw(t, conn, mustJSON(t, v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("c-%d", envSeq.Add(1)),
		TS:      time.Now().UTC(),
		Payload: raw,
	}))
}

func writeRaw(t *testing.T, conn *websocket.Conn, b []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

// readEnv reads the next event. A read timeout closes the socket, so tests
// never wait for silence; they send a marker and expect it next instead.
func readEnv(t *testing.T, conn *websocket.Conn) v1.Envelope {
	t.Helper()
	env, err := tryReadEnv(conn)
	if err != nil {
		t.Fatalf("conn.Read: %v", err)
	}
	return env
}

func tryReadEnv(conn *websocket.Conn) (v1.Envelope, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, b, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	var env v1.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func readMessage(t *testing.T, conn *websocket.Conn) v1.MessagePayload {
	t.Helper()
	env := readEnv(t, conn)
	if env.Type != v1.TypeMessage {
		t.Fatalf("event=%q payload=%s, want message", env.Type, env.Payload)
	}
	var m v1.MessagePayload
	decodePayload(t, env, &m)
	return m
}

func decodePayload(t *testing.T, env v1.Envelope, dst any) {
	t.Helper()
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		t.Fatalf("decode %s payload: %v", env.Type, err)
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return b
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
