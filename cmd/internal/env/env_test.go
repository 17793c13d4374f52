package env

import (
	"reflect"
	"testing"
	"time"
)

func TestInt(t *testing.T) {
	cases := []struct {
		raw  string
		want int
	}{
		{"", 7},
		{"42", 42},
		{" 42 ", 42},
		{"0", 7},
		{"-3", 7},
		{"ten", 7},
	}
	for _, tc := range cases {
		t.Setenv("RELAY_TEST_INT", tc.raw)
		if got := Int("RELAY_TEST_INT", 7); got != tc.want {
			t.Errorf("Int(%q) = %d, want %d", tc.raw, got, tc.want)
		}
	}

	t.Setenv("RELAY_TEST_INT", "3000000000")
	if got := Int[int32]("RELAY_TEST_INT", 5); got != 5 {
		t.Fatalf("int32 overflow accepted: %d", got)
	}
	if got := Int[int64]("RELAY_TEST_INT", 5); got != 3_000_000_000 {
		t.Fatalf("int64 = %d", got)
	}
}

func TestBoolAndDuration(t *testing.T) {
	t.Setenv("RELAY_TEST_BOOL", "yes please")
	if !Bool("RELAY_TEST_BOOL", true) {
		t.Fatal("unparsable bool should keep the default")
	}
	t.Setenv("RELAY_TEST_BOOL", "0")
	if Bool("RELAY_TEST_BOOL", true) {
		t.Fatal(`"0" should read as false`)
	}

	t.Setenv("RELAY_TEST_DUR", "-1s")
	if got := Duration("RELAY_TEST_DUR", time.Second); got != time.Second {
		t.Fatalf("negative duration accepted: %s", got)
	}
	t.Setenv("RELAY_TEST_DUR", "1500ms")
	if got := Duration("RELAY_TEST_DUR", time.Second); got != 1500*time.Millisecond {
		t.Fatalf("Duration = %s", got)
	}
}

func TestCSV(t *testing.T) {
	t.Setenv("RELAY_TEST_CSV", " a, ,b ,")
	if got, want := CSV("RELAY_TEST_CSV", ""), []string{"a", "b"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("CSV = %v, want %v", got, want)
	}

	t.Setenv("RELAY_TEST_CSV", "")
	if got, want := CSV("RELAY_TEST_CSV", "x,y"), []string{"x", "y"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("CSV default = %v, want %v", got, want)
	}
	if got := SplitCSV(" , "); got != nil {
		t.Fatalf("SplitCSV of blanks = %v, want nil", got)
	}
}
