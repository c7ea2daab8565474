package pageload

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/webmarker/engine"
	"github.com/hazyhaar/webmarker/horosafe"
)

// serializeScript returns the document with every open shadow root written
// out as a <template shadowrootmode> element. Browsers without getHTML fall
// back to outerHTML, which loses shadow content.
const serializeScript = `() => {
	const roots = [];
	const walk = (scope) => {
		for (const el of scope.querySelectorAll('*')) {
			if (el.shadowRoot) {
				roots.push(el.shadowRoot);
				walk(el.shadowRoot);
			}
		}
	};
	walk(document);
	const root = document.documentElement;
	if (typeof root.getHTML !== 'function') {
		return root.outerHTML;
	}
	return '<!DOCTYPE html><html>' +
		root.getHTML({serializableShadowRoots: true, shadowRoots: roots}) +
		'</html>';
}`

// BrowserConfig configures a Browser.
type BrowserConfig struct {
	// RemoteURL is the DevTools websocket of a running Chrome. Empty
	// launches a local headless one.
	RemoteURL string
	// NavTimeout bounds navigation plus load. Default: 30s.
	NavTimeout   time.Duration
	MaxBytes     int64
	URLValidator func(string) error
	Logger       *slog.Logger
}

func (c *BrowserConfig) defaults() {
	if c.NavTimeout <= 0 {
		c.NavTimeout = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 << 20
	}
	if c.URLValidator == nil {
		c.URLValidator = horosafe.ValidateURL
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Browser renders pages in Chromium through stealth tabs.
type Browser struct {
	cfg BrowserConfig

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
}

func NewBrowser(cfg BrowserConfig) *Browser {
	cfg.defaults()
	return &Browser{cfg: cfg}
}

// start connects lazily so a Browser that is never used never spawns Chrome.
func (b *Browser) start() (*rod.Browser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browser != nil {
		return b.browser, nil
	}

	wsURL := b.cfg.RemoteURL
	if wsURL == "" {
		l := launcher.New().
			Headless(true).
			Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("pageload: launch browser: %w", err)
		}
		wsURL = u
		b.lnch = l
		b.cfg.Logger.Info("pageload: launched local chrome", "url", wsURL)
	}

	rb := rod.New().ControlURL(wsURL)
	if err := rb.Connect(); err != nil {
		return nil, fmt.Errorf("pageload: connect browser: %w", err)
	}
	b.browser = rb
	return rb, nil
}

// FetchBrowser navigates a fresh tab to rawURL, waits for load and returns
// the serialized DOM. The tab is closed before returning.
func (b *Browser) FetchBrowser(ctx context.Context, rawURL string) (engine.Page, error) {
	if err := b.cfg.URLValidator(rawURL); err != nil {
		return engine.Page{}, fmt.Errorf("pageload: %w", err)
	}
	rb, err := b.start()
	if err != nil {
		return engine.Page{}, err
	}

	page, err := stealth.Page(rb)
	if err != nil {
		return engine.Page{}, fmt.Errorf("pageload: create tab: %w", err)
	}
	defer page.Close()

	navCtx, cancel := context.WithTimeout(ctx, b.cfg.NavTimeout)
	defer cancel()

	if err := page.Context(navCtx).Navigate(rawURL); err != nil {
		return engine.Page{}, fmt.Errorf("pageload: navigate %s: %w", rawURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		b.cfg.Logger.Warn("pageload: wait load", "url", rawURL, "error", err)
	}

	res, err := page.Context(navCtx).Eval(serializeScript)
	if err != nil {
		return engine.Page{}, fmt.Errorf("pageload: serialize %s: %w", rawURL, err)
	}
	body := res.Value.Str()
	if int64(len(body)) > b.cfg.MaxBytes {
		return engine.Page{}, fmt.Errorf("pageload: serialize %s: %w (%d bytes)", rawURL, horosafe.ErrTooLarge, b.cfg.MaxBytes)
	}

	final := rawURL
	if loc, err := page.Context(navCtx).Eval(`() => location.href`); err == nil {
		if s := loc.Value.Str(); s != "" {
			final = s
		}
	}
	if err := b.cfg.URLValidator(final); err != nil {
		return engine.Page{}, fmt.Errorf("pageload: redirected: %w", err)
	}
	return build([]byte(body), final)
}

// Close disconnects and kills a locally launched Chrome.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var err error
	if b.browser != nil {
		err = b.browser.Close()
		b.browser = nil
	}
	if b.lnch != nil {
		b.lnch.Kill()
		b.lnch.Cleanup()
		b.lnch = nil
	}
	return err
}
