// Package horosafe holds the input guards used at webmarker's trust
// boundaries: page and transport URLs (SSRF), bounded body reads, service
// names and API tokens.
package horosafe

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// MinTokenLen is the shortest accepted API token.
const MinTokenLen = 32

// MaxBody is the default cap for remote bodies (pages, RPC responses).
const MaxBody int64 = 10 << 20

var (
	ErrTokenTooShort = fmt.Errorf("horosafe: token must be at least %d bytes", MinTokenLen)
	ErrSSRF          = errors.New("horosafe: URL targets a private or loopback address")
	ErrUnsafeScheme  = errors.New("horosafe: only http and https schemes are allowed")
	ErrTooLarge      = errors.New("horosafe: body exceeds limit")
)

var privateNets = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("fc00::/7"),
}

// ValidateToken checks the length of a plaintext API token.
func ValidateToken(token string) error {
	if len(token) < MinTokenLen {
		return ErrTokenTooShort
	}
	return nil
}

// ValidateURL accepts http(s) URLs with a host that does not resolve to a
// private, loopback or link-local address. A host that does not resolve is
// let through; the fetch will fail on its own.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("horosafe: invalid URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return ErrUnsafeScheme
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("horosafe: URL has no host")
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		if IsPrivate(addr) {
			return ErrSSRF
		}
		return nil
	}
	addrs, err := net.LookupHost(host)
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		if addr, err := netip.ParseAddr(a); err == nil && IsPrivate(addr) {
			return ErrSSRF
		}
	}
	return nil
}

// IsPrivate reports whether addr is loopback, link-local or in a private range.
func IsPrivate(addr netip.Addr) bool {
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() || addr.IsUnspecified() {
		return true
	}
	for _, p := range privateNets {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ValidateIdentifier accepts 1 to 128 characters among letters, digits,
// '_', '-' and '.'. Service names and mark ids go through it before they
// reach a URL path or a log line.
func ValidateIdentifier(s string) error {
	if s == "" {
		return errors.New("horosafe: empty identifier")
	}
	if len(s) > 128 {
		return errors.New("horosafe: identifier too long")
	}
	for _, r := range s {
		ok := r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' ||
			r == '_' || r == '-' || r == '.'
		if !ok {
			return fmt.Errorf("horosafe: invalid character %q in identifier", r)
		}
	}
	return nil
}

// LimitedReadAll reads r fully unless it holds more than max bytes.
func LimitedReadAll(r io.Reader, max int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("%w (%d bytes)", ErrTooLarge, max)
	}
	return data, nil
}
