package idgen

import (
	"strings"
	"testing"
	"time"
)

func TestNanoID_LengthAndAlphabet(t *testing.T) {
	for _, length := range []int{7, 12, 100} {
		id := NanoID(length)()
		if len(id) != length {
			t.Fatalf("NanoID(%d): got length %d", length, len(id))
		}
		for _, c := range id {
			if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'z')) {
				t.Fatalf("NanoID: unexpected character %q in %q", c, id)
			}
		}
	}
}

func TestNanoID_Uniqueness(t *testing.T) {
	gen := NanoID(12)
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := gen()
		if _, ok := seen[id]; ok {
			t.Fatalf("NanoID: duplicate at iteration %d: %q", i, id)
		}
		seen[id] = struct{}{}
	}
}

func TestTimestamped(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	gen := Timestamped(func() time.Time { return at }, NanoID(7))
	id := gen()
	if !strings.HasPrefix(id, "1700000000123-") || len(id) != len("1700000000123-")+7 {
		t.Fatalf("Timestamped: bad format %q", id)
	}
	got, suffix, err := SplitTimestamped(id)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(at) || len(suffix) != 7 {
		t.Fatalf("SplitTimestamped: got %v %q", got, suffix)
	}
}

func TestSplitTimestamped_Invalid(t *testing.T) {
	for _, id := range []string{"", "abc", "12-", "x-y"} {
		if _, _, err := SplitTimestamped(id); err == nil {
			t.Errorf("SplitTimestamped(%q): expected error", id)
		}
	}
}

func TestPrefixed(t *testing.T) {
	id := Prefixed("evt_", NanoID(8))()
	if !strings.HasPrefix(id, "evt_") || len(id) != 12 {
		t.Fatalf("Prefixed: got %q", id)
	}
}

func TestDefault_IsUUIDv7(t *testing.T) {
	id := New()
	if len(id) != 36 {
		t.Fatalf("New: expected length 36, got %d for %q", len(id), id)
	}
	if _, err := Parse(id); err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := Parse("not-a-uuid"); err == nil {
		t.Fatal("Parse: expected error for invalid UUID")
	}
}
