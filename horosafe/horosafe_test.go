package horosafe

import (
	"errors"
	"net/netip"
	"strings"
	"testing"
)

func TestValidateToken(t *testing.T) {
	if err := ValidateToken("short"); !errors.Is(err, ErrTokenTooShort) {
		t.Fatalf("got %v, want ErrTokenTooShort", err)
	}
	if err := ValidateToken(strings.Repeat("k", MinTokenLen)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		url  string
		want error
	}{
		{"https://93.184.216.34/page", nil},
		{"ftp://93.184.216.34/file", ErrUnsafeScheme},
		{"javascript:alert(1)", ErrUnsafeScheme},
		{"http://127.0.0.1:8087/rpc/add-mark", ErrSSRF},
		{"http://[::1]/", ErrSSRF},
		{"http://10.1.2.3/", ErrSSRF},
		{"http://192.168.1.1/admin", ErrSSRF},
		{"http://169.254.169.254/latest/meta-data", ErrSSRF},
		{"http://0.0.0.0/", ErrSSRF},
	}
	for _, tt := range tests {
		err := ValidateURL(tt.url)
		if tt.want == nil && err != nil {
			t.Errorf("ValidateURL(%q) = %v, want nil", tt.url, err)
		}
		if tt.want != nil && !errors.Is(err, tt.want) {
			t.Errorf("ValidateURL(%q) = %v, want %v", tt.url, err, tt.want)
		}
	}
	if err := ValidateURL("https:///nohost"); err == nil {
		t.Fatal("expected error for missing host")
	}
}

func TestIsPrivate(t *testing.T) {
	for s, want := range map[string]bool{
		"127.0.0.1":       true,
		"::ffff:10.0.0.1": true,
		"172.20.0.1":      true,
		"fd00::1":         true,
		"8.8.8.8":         false,
		"2606:4700::1111": false,
	} {
		if got := IsPrivate(netip.MustParseAddr(s)); got != want {
			t.Errorf("IsPrivate(%s) = %v, want %v", s, got, want)
		}
	}
}

func TestValidateIdentifier(t *testing.T) {
	for _, ok := range []string{"get-marks-for-url", "1718000000000-k3j9x0a", "a.b_c"} {
		if err := ValidateIdentifier(ok); err != nil {
			t.Errorf("ValidateIdentifier(%q) = %v", ok, err)
		}
	}
	for _, bad := range []string{"", "a b", "../x", "x/y", strings.Repeat("a", 129)} {
		if err := ValidateIdentifier(bad); err == nil {
			t.Errorf("ValidateIdentifier(%q) accepted", bad)
		}
	}
}

func TestLimitedReadAll(t *testing.T) {
	data, err := LimitedReadAll(strings.NewReader("hello"), 5)
	if err != nil || string(data) != "hello" {
		t.Fatalf("got %q, %v", data, err)
	}
	if _, err := LimitedReadAll(strings.NewReader("hello!"), 5); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("got %v, want ErrTooLarge", err)
	}
}
