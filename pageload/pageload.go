// Package pageload turns a URL into a parsed page the anchoring engine can
// run against. FetchHTTP is a plain guarded GET; Browser renders the page in
// a headless Chromium so script-built content and open shadow roots are
// captured as declarative templates.
package pageload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/hazyhaar/webmarker/dom"
	"github.com/hazyhaar/webmarker/engine"
	"github.com/hazyhaar/webmarker/horosafe"
	"github.com/hazyhaar/webmarker/mark"
)

const maxRedirects = 5

// Config configures a Fetcher.
type Config struct {
	Timeout   time.Duration // default 30s
	MaxBytes  int64         // default 10 MiB
	UserAgent string
	// URLValidator runs on the initial URL and on every redirect.
	// Default: horosafe.ValidateURL.
	URLValidator func(string) error
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 << 20
	}
	if c.UserAgent == "" {
		c.UserAgent = "webmarker/1.0"
	}
	if c.URLValidator == nil {
		c.URLValidator = horosafe.ValidateURL
	}
}

// AllowPrivate only checks the scheme, for loading pages on localhost.
func AllowPrivate(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("pageload: invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return horosafe.ErrUnsafeScheme
	}
	return nil
}

// Fetcher loads pages over plain HTTP.
type Fetcher struct {
	client *http.Client
	cfg    Config
}

func New(cfg Config) *Fetcher {
	cfg.defaults()
	validate := cfg.URLValidator
	return &Fetcher{
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("too many redirects (%d)", len(via))
				}
				if err := validate(req.URL.String()); err != nil {
					return fmt.Errorf("redirect blocked: %w", err)
				}
				return nil
			},
		},
		cfg: cfg,
	}
}

// FetchHTTP GETs rawURL and parses the body. The fragment of rawURL is kept
// on the returned page URL so deep links survive the round trip.
func (f *Fetcher) FetchHTTP(ctx context.Context, rawURL string) (engine.Page, error) {
	if err := f.cfg.URLValidator(rawURL); err != nil {
		return engine.Page{}, fmt.Errorf("pageload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return engine.Page{}, fmt.Errorf("pageload: build request: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return engine.Page{}, fmt.Errorf("pageload: fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return engine.Page{}, fmt.Errorf("pageload: fetch %s: status %d", rawURL, resp.StatusCode)
	}
	body, err := horosafe.LimitedReadAll(resp.Body, f.cfg.MaxBytes)
	if err != nil {
		return engine.Page{}, fmt.Errorf("pageload: read %s: %w", rawURL, err)
	}
	return build(body, withFragment(resp.Request.URL, rawURL))
}

// withFragment returns final with the fragment of requested, since fragments
// are never sent to the server and redirects drop them.
func withFragment(final *url.URL, requested string) string {
	u := *final
	if r, err := url.Parse(requested); err == nil && r.Fragment != "" {
		u.Fragment = r.Fragment
	}
	return u.String()
}

func build(body []byte, pageURL string) (engine.Page, error) {
	doc, err := dom.Parse(bytes.NewReader(body))
	if err != nil {
		return engine.Page{}, err
	}
	canonical, err := mark.CanonicalURL(pageURL)
	if err != nil {
		return engine.Page{}, err
	}
	if u, err := url.Parse(pageURL); err == nil && u.Fragment != "" {
		canonical += "#" + u.Fragment
	}
	return engine.Page{Doc: doc, URL: canonical, Title: Title(doc)}, nil
}

// Title reads <title>, falling back to og:title and then the first h1.
func Title(doc *dom.Document) string {
	q := goquery.NewDocumentFromNode(doc.Node())
	if t := strings.TrimSpace(q.Find("head title").First().Text()); t != "" {
		return t
	}
	if t, ok := q.Find(`meta[property="og:title"]`).Attr("content"); ok && strings.TrimSpace(t) != "" {
		return strings.TrimSpace(t)
	}
	return strings.Join(strings.Fields(q.Find("h1").First().Text()), " ")
}
