package authapi

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sync"
	"testing"

	"relay/cmd/directory"
	"relay/cmd/internal/rpc"
	svc "relay/shared/contracts/services/v1"
)

// fakeChannels holds "ops" (owned by u1), "hq" (owned by u2, private) and
// "open" (owned by u2, public).
type fakeChannels struct {
	mu       sync.Mutex
	channels map[string]svc.Channel
	users    map[string]svc.User
	deleted  []string
}

var _ Channels = (*fakeChannels)(nil)

func newFakeChannels() *fakeChannels {
	return &fakeChannels{
		channels: map[string]svc.Channel{
			"ops":  {Name: "ops", Owner: "u1", Members: []string{"u1", "u2"}},
			"hq":   {Name: "hq", Owner: "u2", Members: []string{"u2"}},
			"open": {Name: "open", Owner: "u2", Public: true, Members: []string{"u2"}},
		},
		users: map[string]svc.User{
			"u1": {ID: "u1", Username: "ada", Role: "member"},
			"u2": {ID: "u2", Username: "bob", Role: "admin"},
		},
	}
}

func notFound() error { return errors.Join(directory.ErrNotFound, errors.New("remote")) }

func (f *fakeChannels) GetChannelByName(_ context.Context, name string) (svc.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[name]
	if !ok {
		return svc.Channel{}, notFound()
	}
	return ch, nil
}

func (f *fakeChannels) GetUsersByIDs(_ context.Context, ids []string) ([]svc.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []svc.User
	for _, id := range ids {
		if u, ok := f.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeChannels) CreateChannel(_ context.Context, req svc.CreateChannelRequest) (svc.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.Name == "" {
		return svc.Channel{}, errors.Join(directory.ErrInvalidInput,
			&rpc.RemoteError{Code: rpc.CodeInvalidInput, Message: "directory.CreateChannel: invalid_input: name"})
	}
	if _, ok := f.channels[req.Name]; ok {
		return svc.Channel{}, errors.Join(directory.ErrConflict, errors.New("remote"))
	}
	ch := svc.Channel{Name: req.Name, Owner: req.Owner, Public: req.Public, Members: append([]string{req.Owner}, req.Members...)}
	f.channels[req.Name] = ch
	return ch, nil
}

func (f *fakeChannels) UpdateChannel(_ context.Context, req svc.UpdateChannelRequest) (svc.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[req.Name]
	if !ok {
		return svc.Channel{}, notFound()
	}
	if req.Public != nil {
		ch.Public = *req.Public
	}
	if req.Members != nil {
		ch.Members = *req.Members
	}
	f.channels[req.Name] = ch
	return ch, nil
}

func (f *fakeChannels) AddChannelMembers(_ context.Context, req svc.AddChannelMembersRequest) (svc.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[req.Name]
	if !ok {
		return svc.Channel{}, notFound()
	}
	if req.List == svc.ListBlocked {
		ch.Blocked = append(ch.Blocked, req.UserIDs...)
	} else {
		ch.Members = append(ch.Members, req.UserIDs...)
	}
	f.channels[req.Name] = ch
	return ch, nil
}

func (f *fakeChannels) DeleteChannel(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.channels[name]; !ok {
		return false, nil
	}
	delete(f.channels, name)
	f.deleted = append(f.deleted, name)
	return true, nil
}

type fakeMessaging struct {
	mu   sync.Mutex
	sent []string
}

func (m *fakeMessaging) SendToAll(_ context.Context, from, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, from+": "+text)
	return "m-1", nil
}

func TestRegister_DisabledByDefault(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, &fakeSessions{})
	res := doRequest(t, http.MethodPost, ts.URL+"/auth/register", loginRequest{Username: "zoe", Password: "long enough secret"}, "", "")
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status=%d, registration must be off unless enabled", res.StatusCode)
	}
}

func TestRegister(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, &fakeSessions{}, func(c *Config) { c.AllowRegistration = true })

	res := doRequest(t, http.MethodPost, ts.URL+"/auth/register", loginRequest{Username: "zoe", Password: "long enough secret", Device: "tablet"}, "", "")
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status=%d", res.StatusCode)
	}
	if c := sessionCookie(res); c == nil || c.Value != "refresh-7" || !c.HttpOnly {
		t.Fatalf("refresh cookie missing: %+v", c)
	}
	body := decodeBody[loginResponse](t, res)
	if body.User.Username != "zoe" || body.Session.AccessToken != "access-7" {
		t.Fatalf("unexpected body %+v", body)
	}

	cases := []struct {
		name   string
		req    loginRequest
		status int
		code   string
		msg    string
	}{
		{name: "taken", req: loginRequest{Username: "ada", Password: "long enough secret"}, status: http.StatusConflict, code: "username_taken"},
		{name: "weak", req: loginRequest{Username: "zed", Password: "short"}, status: http.StatusBadRequest, code: "invalid_request", msg: "invalid input: password: too short"},
		{name: "missing password", req: loginRequest{Username: "zed"}, status: http.StatusBadRequest, code: "invalid_request"},
	}
	for _, tc := range cases {
		res := doRequest(t, http.MethodPost, ts.URL+"/auth/register", tc.req, "", "")
		if res.StatusCode != tc.status {
			t.Fatalf("%s: status=%d want %d", tc.name, res.StatusCode, tc.status)
		}
		body := decodeBody[errorResponse](t, res)
		if body.Error.Code != tc.code || (tc.msg != "" && body.Error.Message != tc.msg) {
			t.Fatalf("%s: error=%+v", tc.name, body.Error)
		}
	}
}

func TestChannels_CreateAsCaller(t *testing.T) {
	t.Parallel()

	fc := newFakeChannels()
	ts := newBackendServer(t, Backends{Sessions: &fakeSessions{}, Channels: fc})

	res := doRequest(t, http.MethodPost, ts.URL+"/channels", channelRequest{Name: "dev", Members: []string{"u2"}}, "access-1", "refresh-1")
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status=%d", res.StatusCode)
	}
	ch := decodeBody[channelResponse](t, res)
	if ch.Name != "dev" || ch.Owner != "u1" || !slices.Equal(ch.Members, []string{"u1", "u2"}) || ch.Blocked == nil {
		t.Fatalf("unexpected channel %+v", ch)
	}

	res = doRequest(t, http.MethodPost, ts.URL+"/channels", channelRequest{Name: "dev"}, "access-1", "refresh-1")
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate status=%d", res.StatusCode)
	}
	res = doRequest(t, http.MethodPost, ts.URL+"/channels", channelRequest{}, "access-1", "refresh-1")
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid status=%d", res.StatusCode)
	}
	res = doRequest(t, http.MethodPost, ts.URL+"/channels", channelRequest{Name: "x"}, "", "")
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous status=%d", res.StatusCode)
	}
}

func TestChannels_OnlyOwnerOrAdminManages(t *testing.T) {
	t.Parallel()

	fc := newFakeChannels()
	member := newBackendServer(t, Backends{Sessions: &fakeSessions{}, Channels: fc})
	admin := newBackendServer(t, Backends{Sessions: &fakeSessions{role: directory.RoleAdmin}, Channels: fc})

	public := true
	cases := []struct {
		name   string
		ts     string
		method string
		path   string
		body   any
		status int
	}{
		{"owner updates", member.URL, http.MethodPatch, "/channels/ops", channelUpdateRequest{Public: &public}, http.StatusOK},
		{"owner adds", member.URL, http.MethodPost, "/channels/ops/members", addMembersRequest{List: svc.ListBlocked, UserIDs: []string{"u3"}}, http.StatusOK},
		{"joinable non-owner", member.URL, http.MethodPatch, "/channels/open", channelUpdateRequest{Public: &public}, http.StatusForbidden},
		{"hidden channel", member.URL, http.MethodDelete, "/channels/hq", nil, http.StatusNotFound},
		{"missing channel", member.URL, http.MethodDelete, "/channels/nope", nil, http.StatusNotFound},
		{"admin deletes", admin.URL, http.MethodDelete, "/channels/hq", nil, http.StatusOK},
	}
	for _, tc := range cases {
		res := doRequest(t, tc.method, tc.ts+tc.path, tc.body, "access-1", "refresh-1")
		if res.StatusCode != tc.status {
			t.Fatalf("%s: status=%d want %d", tc.name, res.StatusCode, tc.status)
		}
	}

	ops, _ := fc.GetChannelByName(context.Background(), "ops")
	if !ops.Public || !slices.Contains(ops.Blocked, "u3") {
		t.Fatalf("owner changes not applied: %+v", ops)
	}
	if !slices.Equal(fc.deleted, []string{"hq"}) {
		t.Fatalf("deleted=%v", fc.deleted)
	}
}

func TestChannels_MembersListsProfiles(t *testing.T) {
	t.Parallel()

	ts := newBackendServer(t, Backends{Sessions: &fakeSessions{}, Channels: newFakeChannels()})

	res := doRequest(t, http.MethodGet, ts.URL+"/channels/ops/members", nil, "access-1", "refresh-1")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", res.StatusCode)
	}
	body := decodeBody[membersResponse](t, res)
	if body.Channel != "ops" || len(body.Members) != 2 || body.Members[1].Username != "bob" {
		t.Fatalf("unexpected members %+v", body)
	}

	res = doRequest(t, http.MethodGet, ts.URL+"/channels/hq/members", nil, "access-1", "refresh-1")
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("private channel status=%d", res.StatusCode)
	}
}

func TestSendToAll_AdminOnly(t *testing.T) {
	t.Parallel()

	fm := &fakeMessaging{}
	member := newBackendServer(t, Backends{Sessions: &fakeSessions{}, Messaging: fm})
	admin := newBackendServer(t, Backends{Sessions: &fakeSessions{role: directory.RoleAdmin}, Messaging: fm})

	res := doRequest(t, http.MethodPost, member.URL+"/messages/all", announceRequest{Text: "hi"}, "access-1", "refresh-1")
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("member status=%d", res.StatusCode)
	}

	res = doRequest(t, http.MethodPost, admin.URL+"/messages/all", announceRequest{Text: "maintenance at noon"}, "access-1", "refresh-1")
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("admin status=%d", res.StatusCode)
	}
	if body := decodeBody[announceResponse](t, res); body.ID != "m-1" {
		t.Fatalf("unexpected body %+v", body)
	}
	if !slices.Equal(fm.sent, []string{"u1: maintenance at noon"}) {
		t.Fatalf("sent=%v", fm.sent)
	}
}
