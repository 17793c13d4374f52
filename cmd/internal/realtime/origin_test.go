package realtime

import (
	"errors"
	"reflect"
	"testing"
)

func TestOriginPolicy_Check(t *testing.T) {
	t.Parallel()

	p := newOriginPolicy(true, []string{"https://chat.example.com", "localhost:5173", " "})
	cases := []struct {
		origin string
		ok     bool
	}{
		{"https://chat.example.com", true},
		{"HTTPS://Chat.Example.com", true},
		{"http://chat.example.com:8443", true},
		{"http://localhost:3000", true},
		{"https://evil.example.com", false},
		{"null", false},
	}
	for _, tc := range cases {
		if err := p.check(tc.origin); (err == nil) != tc.ok {
			t.Errorf("check(%q) = %v, want ok=%v", tc.origin, err, tc.ok)
		}
	}

	if err := p.check(""); !errors.Is(err, errMissingOrigin) {
		t.Fatalf("missing origin: %v", err)
	}
	if err := newOriginPolicy(false, nil).check(""); err != nil {
		t.Fatalf("optional origin rejected: %v", err)
	}
	if err := newOriginPolicy(false, nil).check("https://chat.example.com"); err == nil {
		t.Fatal("empty allowlist admitted a browser origin")
	}
}

func TestOriginPolicy_AcceptPatterns(t *testing.T) {
	t.Parallel()

	p := newOriginPolicy(true, []string{"http://localhost", "http://127.0.0.1:8080", "http://localhost:3000"})
	if got, want := p.acceptPatterns(), []string{"127.0.0.1", "localhost"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("acceptPatterns = %v, want %v", got, want)
	}
	if got := newOriginPolicy(true, []string{"*"}).acceptPatterns(); !reflect.DeepEqual(got, []string{"*"}) {
		t.Fatalf("wildcard patterns = %v", got)
	}
}
