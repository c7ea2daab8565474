package mark

import (
	"fmt"
	"net/url"
	"strings"
)

// CanonicalURL is the grouping key of a page: the location without its
// fragment and without a trailing slash, except for the root path.
func CanonicalURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("mark: canonical url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("mark: canonical url: %q is not absolute", raw)
	}
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
		u.RawPath = ""
	}
	if len(u.Path) > 1 && strings.HasSuffix(u.Path, "/") {
		u.Path = strings.TrimSuffix(u.Path, "/")
		u.RawPath = strings.TrimSuffix(u.RawPath, "/")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	return u.String(), nil
}

// DeepLinkPrefix prefixes the fragment that asks a page to scroll to a mark.
const DeepLinkPrefix = "__highlight-mark__"

// DeepLinkID returns the mark id carried by a "#__highlight-mark__<id>"
// fragment, or "".
func DeepLinkID(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	id, ok := strings.CutPrefix(u.Fragment, DeepLinkPrefix)
	if !ok {
		return ""
	}
	return id
}

// DeepLink builds the URL that scrolls to mark id once restored.
func DeepLink(pageURL, id string) string {
	return pageURL + "#" + DeepLinkPrefix + id
}

// IsBlacklisted reports whether the hostname of pageURL ends with one of
// the blacklist patterns.
func IsBlacklisted(pageURL string, blacklist []string) bool {
	u, err := url.Parse(pageURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	for _, p := range blacklist {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" && strings.HasSuffix(host, p) {
			return true
		}
	}
	return false
}
