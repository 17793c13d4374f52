// Package main provides a CI-friendly WebSocket smoke test for a relay node.
//
// It validates:
//   - login over HTTP (access token + session cookie)
//   - handshake + subprotocol selection for two devices of one user
//   - ready event with the user's channels
//   - joinChannel + channel message fan-out to both devices
//   - session listing and logout_all closing both connections
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "relay/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	cookieName   = "chat-session"
	maxReadBytes = 1 << 20 // 1MiB
)

type credentials struct {
	accessToken  string
	refreshToken string
	sessionID    string
}

// smokeClient is one device connection. A reader goroutine feeds frames so
// a wait can time out without the library closing the socket.
type smokeClient struct {
	name   string
	conn   *websocket.Conn
	creds  credentials
	ready  v1.ReadyPayload
	frames chan frame
	seq    int
}

type frame struct {
	env v1.Envelope
	err error
}

func main() {
	var (
		baseURL  = flag.String("url", "http://127.0.0.1:8080", "HTTP base URL of a messaging+identity node")
		origin   = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		user     = flag.String("user", "ada", "Username to log in as")
		password = flag.String("password", "", "Password (default $RELAY_SMOKE_PASSWORD)")
		channel  = flag.String("channel", "general", "Channel to join and post to")
		text     = flag.String("text", "hello relay 👋", "Message text to send")
		timeout  = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if *password == "" {
		*password = os.Getenv("RELAY_SMOKE_PASSWORD")
	}
	if err := checkHTTPURL(*baseURL); err != nil {
		fatalf("-url: %v", err)
	}
	if err := checkHTTPURL(*origin); *origin != "" && err != nil {
		fatalf("-origin: %v", err)
	}

	root := context.Background()
	httpc := &http.Client{Timeout: *timeout}

	credA := mustLogin(root, httpc, *baseURL, *origin, *user, *password, "smoke-A")
	credB := mustLogin(root, httpc, *baseURL, *origin, *user, *password, "smoke-B")

	a := mustConnect(root, "A", *baseURL, *origin, credA, *timeout)
	defer func() { _ = a.conn.CloseNow() }()
	b := mustConnect(root, "B", *baseURL, *origin, credB, *timeout)
	defer func() { _ = b.conn.CloseNow() }()

	if *verbose {
		fmt.Printf("connected: A=%s B=%s user=%s channels=%v\n", a.ready.SessionID, b.ready.SessionID, a.ready.UserID, a.ready.Channels)
	}

	for _, c := range []*smokeClient{a, b} {
		c.send(root, *timeout, v1.TypeJoinChannel, v1.JoinChannelPayload{Channel: *channel})
	}
	// joinChannel has no reply; give the subscription a moment to land.
	time.Sleep(200 * time.Millisecond)

	want := v1.MessagePayload{
		Channel:     *channel,
		From:        a.ready.UserID,
		Text:        *text,
		ClientMsgID: fmt.Sprintf("cmsg-%d", time.Now().UnixNano()),
	}
	a.send(root, *timeout, v1.TypeMessage, v1.MessageSendPayload{Channel: want.Channel, Text: want.Text, ClientMsgID: want.ClientMsgID})

	fromB := b.awaitMessage(root, *timeout, want)
	fromA := a.awaitMessage(root, *timeout, want)
	if fromA.ID != fromB.ID {
		fatalf("devices saw different message ids: A=%s B=%s", fromA.ID, fromB.ID)
	}
	b.expectQuiet(root, 750*time.Millisecond, v1.TypeMessage)

	n := mustListSessions(root, httpc, *baseURL, *origin, a.creds)
	if n < 2 {
		fatalf("expected at least 2 sessions, got %d", n)
	}

	mustLogoutAll(root, httpc, *baseURL, *origin, a.creds)
	a.await(root, *timeout, v1.TypeSessions)
	b.await(root, *timeout, v1.TypeSessions)

	fmt.Printf("OK: user=%s A=%s B=%s channel=%s msg_id=%s\n", a.ready.UserID, a.ready.SessionID, b.ready.SessionID, *channel, fromA.ID)
}

// checkHTTPURL accepts absolute http(s) URLs with a host.
func checkHTTPURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	switch {
	case err != nil:
		return err
	case u.Scheme != "http" && u.Scheme != "https":
		return fmt.Errorf("scheme %q is not http or https", u.Scheme)
	case u.Host == "":
		return errors.New("no host")
	}
	return nil
}

func wsURL(base string) string {
	u, _ := url.Parse(base)
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String()
}

// ---- HTTP ----

func doJSON(parent context.Context, c *http.Client, method, endpoint, origin string, body any, creds *credentials, out any) int {
	var payload *strings.Reader
	if body != nil {
		payload = strings.NewReader(string(mustJSON(body)))
	} else {
		payload = strings.NewReader("")
	}

	req, err := http.NewRequestWithContext(parent, method, endpoint, payload)
	if err != nil {
		fatalf("build %s %s: %v", method, endpoint, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	if creds != nil {
		req.Header.Set("Authorization", "Bearer "+creds.accessToken)
		req.AddCookie(&http.Cookie{Name: cookieName, Value: creds.refreshToken})
	}

	resp, err := c.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			fatalf("decode %s %s: %v", method, endpoint, err)
		}
	}
	if ptr, ok := out.(*loginResponse); ok && resp.StatusCode == http.StatusOK {
		for _, ck := range resp.Cookies() {
			if ck.Name == cookieName {
				ptr.refreshToken = ck.Value
			}
		}
	}
	return resp.StatusCode
}

type loginResponse struct {
	User struct {
		ID string `json:"id"`
	} `json:"user"`
	Session struct {
		SessionID   string `json:"session_id"`
		AccessToken string `json:"access_token"`
	} `json:"session"`

	refreshToken string
}

func mustLogin(parent context.Context, c *http.Client, base, origin, user, password, device string) credentials {
	var res loginResponse
	status := doJSON(parent, c, http.MethodPost, base+"/auth/login", origin,
		map[string]string{"username": user, "password": password, "device": device}, nil, &res)
	if status != http.StatusOK {
		fatalf("login %s (%s): status=%d", user, device, status)
	}
	if res.Session.AccessToken == "" || res.refreshToken == "" {
		fatalf("login %s (%s): missing access token or %s cookie", user, device, cookieName)
	}
	return credentials{
		accessToken:  res.Session.AccessToken,
		refreshToken: res.refreshToken,
		sessionID:    res.Session.SessionID,
	}
}

func mustListSessions(parent context.Context, c *http.Client, base, origin string, creds credentials) int {
	var res struct {
		Sessions []struct {
			ID      string `json:"id"`
			Current bool   `json:"current"`
		} `json:"sessions"`
	}
	if status := doJSON(parent, c, http.MethodGet, base+"/auth/sessions", origin, nil, &creds, &res); status != http.StatusOK {
		fatalf("list sessions: status=%d", status)
	}
	current := 0
	for _, s := range res.Sessions {
		if s.Current {
			current++
		}
	}
	if current != 1 {
		fatalf("list sessions: expected exactly one current session, got %d", current)
	}
	return len(res.Sessions)
}

func mustLogoutAll(parent context.Context, c *http.Client, base, origin string, creds credentials) {
	var res struct {
		Revoked int `json:"revoked"`
	}
	if status := doJSON(parent, c, http.MethodPost, base+"/auth/logout_all", origin, nil, &creds, &res); status != http.StatusOK {
		fatalf("logout_all: status=%d", status)
	}
	if res.Revoked < 2 {
		fatalf("logout_all: revoked=%d want>=2", res.Revoked)
	}
}

// ---- WebSocket ----

func mustConnect(parent context.Context, name, base, origin string, creds credentials, stepTimeout time.Duration) *smokeClient {
	hdr := http.Header{"Authorization": {"Bearer " + creds.accessToken}}
	hdr.Add("Cookie", (&http.Cookie{Name: cookieName, Value: creds.refreshToken}).String())
	if origin != "" {
		hdr.Set("Origin", origin)
	}

	dialCtx, cancel := context.WithTimeout(parent, stepTimeout)
	conn, resp, err := websocket.Dial(dialCtx, wsURL(base), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   hdr,
	})
	cancel()
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("dial %s: %v", name, err)
	}
	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		fatalf("%s negotiated subprotocol %q", name, sp)
	}
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{name: name, conn: conn, creds: creds, frames: make(chan frame, 256)}
	go c.pump()

	env := c.await(parent, stepTimeout, v1.TypeReady)
	if err := json.Unmarshal(env.Payload, &c.ready); err != nil {
		fatalf("%s: ready payload: %v", name, err)
	}
	if c.ready.SessionID != creds.sessionID {
		fatalf("%s: ready for session %q, logged in as %q", name, c.ready.SessionID, creds.sessionID)
	}
	if c.ready.AccessToken != "" {
		c.creds.accessToken = c.ready.AccessToken
	}
	return c
}

// pump decodes frames until the connection fails, then reports that error
// once and closes frames.
func (c *smokeClient) pump() {
	defer close(c.frames)
	for {
		_, data, err := c.conn.Read(context.Background())
		var f frame
		if err == nil {
			err = json.Unmarshal(data, &f.env)
		}
		f.err = err
		c.frames <- f
		if err != nil {
			return
		}
	}
}

func (c *smokeClient) send(parent context.Context, stepTimeout time.Duration, typ string, payload any) {
	c.seq++
	b, err := json.Marshal(v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("%s-%d", c.name, c.seq),
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	})
	if err != nil {
		fatalf("%s: encode %s: %v", c.name, typ, err)
	}
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("%s: write %s: %v", c.name, typ, err)
	}
}

// next returns the next frame, or ok=false when wait elapses first.
// Server error events and dead connections are fatal.
func (c *smokeClient) next(parent context.Context, wait time.Duration) (v1.Envelope, bool) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()
	select {
	case <-ctx.Done():
		return v1.Envelope{}, false
	case f, open := <-c.frames:
		switch {
		case !open:
			fatalf("%s: connection already closed", c.name)
		case f.err != nil:
			fatalf("%s: read: %v", c.name, f.err)
		case f.env.Type == v1.TypeError:
			var ep v1.ErrorPayload
			_ = json.Unmarshal(f.env.Payload, &ep)
			fatalf("%s: server error %s: %s", c.name, ep.Code, ep.Message)
		}
		return f.env, true
	}
}

// await skips envelopes until one of type want arrives.
func (c *smokeClient) await(parent context.Context, stepTimeout time.Duration, want string) v1.Envelope {
	deadline := time.Now().Add(stepTimeout)
	for {
		env, ok := c.next(parent, time.Until(deadline))
		if !ok {
			fatalf("%s: no %s within %s", c.name, want, stepTimeout)
		}
		if env.Type == want {
			return env
		}
	}
}

// expectQuiet fails if an envelope of type typ arrives within wait.
func (c *smokeClient) expectQuiet(parent context.Context, wait time.Duration, typ string) {
	deadline := time.Now().Add(wait)
	for {
		env, ok := c.next(parent, time.Until(deadline))
		if !ok {
			return
		}
		if env.Type == typ {
			fatalf("%s: unexpected extra %s", c.name, typ)
		}
	}
}

func (c *smokeClient) awaitMessage(parent context.Context, stepTimeout time.Duration, want v1.MessagePayload) v1.MessagePayload {
	var got v1.MessagePayload
	if err := json.Unmarshal(c.await(parent, stepTimeout, v1.TypeMessage).Payload, &got); err != nil {
		fatalf("%s: message payload: %v", c.name, err)
	}
	if got.ID == "" || got.SentAt.IsZero() {
		fatalf("%s: message without id or sentAt", c.name)
	}
	if got.Channel != want.Channel || got.From != want.From || got.Text != want.Text || got.ClientMsgID != want.ClientMsgID {
		fatalf("%s: message mismatch:\n got=%+v\nwant=%+v", c.name, got, want)
	}
	return got
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
