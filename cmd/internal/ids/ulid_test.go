package ids

import (
	"slices"
	"testing"
	"time"
)

// Not parallel: the monotonic sequence is shared process-wide.
func TestNewULID_MonotonicWithinMillisecond(t *testing.T) {
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	got := make([]string, 0, 64)
	for range 64 {
		id, err := NewULID(t0)
		if err != nil {
			t.Fatalf("NewULID: %v", err)
		}
		got = append(got, id)
	}
	if !slices.IsSorted(got) {
		t.Fatalf("ids minted in one millisecond are not sorted: %v", got)
	}

	later, err := NewULID(t0.Add(time.Millisecond))
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	if later <= got[len(got)-1] {
		t.Fatalf("expected %s > %s", later, got[len(got)-1])
	}

	ts, ok := Time(later)
	if !ok || !ts.Equal(t0.Add(time.Millisecond)) {
		t.Fatalf("Time(%s) = %v, %v", later, ts, ok)
	}
}

func TestIsULID(t *testing.T) {
	t.Parallel()

	id, err := NewULID(time.Time{})
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	for s, want := range map[string]bool{
		id:                           true,
		"not-a-ulid":                 false,
		"":                           false,
		"01ARZ3NDEKTSV4RRFFQ69G5FAVX": false,
	} {
		if IsULID(s) != want {
			t.Errorf("IsULID(%q) != %v", s, want)
		}
	}
}
