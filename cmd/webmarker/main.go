// Command webmarker runs the mark store daemon and its one-shot tools.
//
// Usage:
//
//	webmarker -config webmarker.yaml             # daemon: HTTP, websocket, MCP (+QUIC)
//	webmarker -db marks.db -render URL           # restore marks into URL, print HTML
//	webmarker -db marks.db -export URL           # markdown export of one page
//	webmarker -db marks.db -search "query"       # full-text search
//	webmarker -db marks.db -usage                # storage usage
//	webmarker -db marks.db -cleanup-days 30      # drop marks older than 30 days
//	webmarker -remote http://host:8087 -usage    # same tools against a daemon
//	webmarker -hash-token TOKEN                  # bcrypt hash for api_token_hash
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/webmarker/connectivity"
	"github.com/hazyhaar/webmarker/dbopen"
	"github.com/hazyhaar/webmarker/engine"
	"github.com/hazyhaar/webmarker/markstore"
	"github.com/hazyhaar/webmarker/mcpquic"
	"github.com/hazyhaar/webmarker/observability"
	"github.com/hazyhaar/webmarker/pageload"
)

const version = "1.0.0"

type options struct {
	configPath string
	dbPath     string
	addr       string
	remote     string
	token      string

	render         string
	browser        bool
	allowPrivate   bool
	export         string
	search         string
	limit          int
	usage          bool
	cleanupDays    int
	cleanupUseless bool
	hashToken      string
}

func main() {
	var o options
	flag.StringVar(&o.configPath, "config", "", "path to webmarker.yaml config file")
	flag.StringVar(&o.dbPath, "db", "", "path to SQLite database")
	flag.StringVar(&o.addr, "addr", "", "daemon listen address (default :8087)")
	flag.StringVar(&o.remote, "remote", "", "base URL of a webmarker daemon for one-shot tools")
	flag.StringVar(&o.token, "token", os.Getenv("WEBMARKER_TOKEN"), "bearer token for -remote")
	flag.StringVar(&o.render, "render", "", "load URL, restore its marks and print the HTML")
	flag.BoolVar(&o.browser, "browser", false, "render -render pages in headless Chrome")
	flag.BoolVar(&o.allowPrivate, "allow-private", false, "allow -render on private and loopback hosts")
	flag.StringVar(&o.export, "export", "", "print the markdown export of URL")
	flag.StringVar(&o.search, "search", "", "search query (exit after results)")
	flag.IntVar(&o.limit, "limit", 20, "max search results")
	flag.BoolVar(&o.usage, "usage", false, "show storage usage and exit")
	flag.IntVar(&o.cleanupDays, "cleanup-days", 0, "remove marks older than N days and exit")
	flag.BoolVar(&o.cleanupUseless, "cleanup-useless", false, "remove marks without a note and exit")
	flag.StringVar(&o.hashToken, "hash-token", "", "print the bcrypt hash of a token and exit")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, o); err != nil {
		logger.Error("webmarker: fatal", "error", err)
		os.Exit(1)
	}
}

func (o options) oneShot() bool {
	return o.render != "" || o.export != "" || o.search != "" || o.usage ||
		o.cleanupDays > 0 || o.cleanupUseless
}

func run(ctx context.Context, logger *slog.Logger, o options) error {
	if o.hashToken != "" {
		h, err := markstore.HashToken(o.hashToken)
		if err != nil {
			return err
		}
		fmt.Println(h)
		return nil
	}

	cfg, err := resolveConfig(o)
	if err != nil {
		return err
	}

	if o.remote != "" {
		if !o.oneShot() {
			return errors.New("-remote needs a one-shot flag")
		}
		// -db next to -remote keeps the tools working while the daemon is down.
		var local *markstore.Service
		if o.dbPath != "" {
			if local, err = markstore.Open(cfg, markstore.WithLogger(logger)); err != nil {
				return err
			}
			defer local.Close()
		}
		client, closeFn, err := remoteClient(ctx, o.remote, o.token, local)
		if err != nil {
			return err
		}
		defer closeFn()
		return oneShot(ctx, logger, client, cfg, o)
	}

	cfg.Defaults()
	dbOpts := []dbopen.Option{dbopen.WithMkdirAll()}
	if cfg.TraceSQL {
		dbOpts = append(dbOpts, dbopen.WithTrace())
	}
	db, err := dbopen.Open(cfg.DBPath, dbOpts...)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	mm := observability.NewMetricsManager(db, 0, 0)
	svc, err := markstore.NewWithDB(db, cfg, markstore.WithLogger(logger), markstore.WithMetrics(mm))
	if err != nil {
		mm.Close()
		db.Close()
		return fmt.Errorf("init: %w", err)
	}
	defer svc.Close()
	defer mm.Close()
	if err := connectivity.Init(db); err != nil {
		return fmt.Errorf("init routes: %w", err)
	}

	// Local handlers by default; rows in the routes table move a service to
	// another daemon (http) or an MCP server (mcp).
	router := connectivity.New(
		connectivity.WithLogger(logger),
		connectivity.WithRemoteMiddleware(func(service, strategy string) connectivity.HandlerMiddleware {
			return connectivity.Metrics(mm, service, strategy)
		}),
	)
	router.RegisterTransport("http", connectivity.HTTPFactory())
	router.RegisterTransport("mcp", connectivity.MCPFactory(&mcp.Implementation{Name: "webmarker", Version: version}))
	svc.RegisterConnectivity(router)
	if err := router.Reload(ctx, db); err != nil {
		return fmt.Errorf("load routes: %w", err)
	}
	defer router.Close()

	if o.oneShot() {
		return oneShot(ctx, logger, markstore.NewClient(router), cfg, o)
	}
	return serve(ctx, logger, svc, router, mm, cfg)
}

func resolveConfig(o options) (*markstore.Config, error) {
	cfg := &markstore.Config{}
	if o.configPath != "" {
		var err error
		if cfg, err = markstore.LoadConfigFile(o.configPath); err != nil {
			return nil, err
		}
	}
	if o.dbPath != "" {
		cfg.DBPath = o.dbPath
	}
	if o.addr != "" {
		cfg.Addr = o.addr
	}
	return cfg, nil
}

// remoteClient routes every store service to the daemon's /rpc endpoint
// through an in-memory route table. Each service gets its own breaker;
// with a non-nil local, calls the daemon cannot serve go to local.
func remoteClient(ctx context.Context, base, token string, local *markstore.Service) (*markstore.Client, func(), error) {
	db, err := dbopen.Open(":memory:")
	if err != nil {
		return nil, nil, err
	}
	db.SetMaxOpenConns(1)
	if err := connectivity.Init(db); err != nil {
		db.Close()
		return nil, nil, err
	}
	var routeCfg json.RawMessage
	if token != "" {
		routeCfg, _ = json.Marshal(map[string]string{"token": token})
	}
	admin := connectivity.NewAdmin(db)
	for _, name := range markstore.ServiceNames() {
		if err := admin.Upsert(ctx, name, "http", base+"/rpc/"+name, routeCfg); err != nil {
			db.Close()
			return nil, nil, err
		}
	}

	router := connectivity.New(connectivity.WithRemoteMiddleware(remoteChain(local, slog.Default())))
	router.RegisterTransport("http", connectivity.HTTPFactory(connectivity.AllowPrivate()))
	if err := router.Reload(ctx, db); err != nil {
		db.Close()
		return nil, nil, err
	}
	return markstore.NewClient(router), func() { router.Close(); db.Close() }, nil
}

// remoteChain builds the per-route middleware of remoteClient:
// fallback (optional), the breaker, retries, then a per-attempt timeout.
func remoteChain(local *markstore.Service, logger *slog.Logger, breakerOpts ...connectivity.BreakerOption) func(service, strategy string) connectivity.HandlerMiddleware {
	return func(service, _ string) connectivity.HandlerMiddleware {
		var mws []connectivity.HandlerMiddleware
		if local != nil {
			mws = append(mws, connectivity.Fallback(local.LocalHandler(service), service, logger))
		}
		mws = append(mws,
			connectivity.Breaker(connectivity.NewCircuitBreaker(breakerOpts...), service),
			connectivity.Retry(2, 200*time.Millisecond, logger),
			connectivity.Timeout(10*time.Second),
		)
		return connectivity.Chain(mws...)
	}
}

func oneShot(ctx context.Context, logger *slog.Logger, c *markstore.Client, cfg *markstore.Config, o options) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	switch {
	case o.render != "":
		return render(ctx, logger, c, cfg, o)

	case o.export != "":
		md, err := c.ExportMarkdown(ctx, o.export)
		if err != nil {
			return fmt.Errorf("export: %w", err)
		}
		fmt.Print(md)
		return nil

	case o.search != "":
		res, err := c.Search(ctx, o.search, o.limit)
		if err != nil {
			return fmt.Errorf("search: %w", err)
		}
		return enc.Encode(res)

	case o.usage:
		res, err := c.Usage(ctx)
		if err != nil {
			return fmt.Errorf("usage: %w", err)
		}
		return enc.Encode(res)

	default:
		n, err := c.Cleanup(ctx, o.cleanupDays, o.cleanupUseless)
		if err != nil {
			return fmt.Errorf("cleanup: %w", err)
		}
		return enc.Encode(map[string]int64{"removed": n})
	}
}

func render(ctx context.Context, logger *slog.Logger, store engine.Store, cfg *markstore.Config, o options) error {
	validate := pageValidator(o.allowPrivate)

	var page engine.Page
	var err error
	if o.browser {
		b := pageload.NewBrowser(pageload.BrowserConfig{URLValidator: validate, Logger: logger})
		defer b.Close()
		page, err = b.FetchBrowser(ctx, o.render)
	} else {
		page, err = pageload.New(pageload.Config{URLValidator: validate}).FetchHTTP(ctx, o.render)
	}
	if err != nil {
		return err
	}

	settings := cfg.Settings
	settings.Defaults()
	eng, err := engine.New(page, store, engine.WithSettings(settings), engine.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer eng.Stop()
	select {
	case <-eng.Restored():
	case <-ctx.Done():
		return ctx.Err()
	}
	return eng.Do(ctx, func() error {
		logger.Info("webmarker: rendered", "url", eng.URL(), "marks", eng.Registry().Len())
		return page.Doc.Render(os.Stdout)
	})
}

// pageValidator returns nil for the default SSRF guard.
func pageValidator(allowPrivate bool) func(string) error {
	if allowPrivate {
		return pageload.AllowPrivate
	}
	return nil
}

func serve(ctx context.Context, logger *slog.Logger, svc *markstore.Service, router *connectivity.Router, mm *observability.MetricsManager, cfg *markstore.Config) error {
	go router.Watch(ctx, svc.DB(), 5*time.Second)
	go svc.WatchExternal(ctx, 2*time.Second)
	go maintain(ctx, logger, svc, mm, cfg)

	mcpSrv := svc.NewMCPServer(version)
	if cfg.MCPQuicAddr != "" {
		ql, err := listenQUIC(logger, mcpSrv, cfg)
		if err != nil {
			return err
		}
		defer ql.Close()
		go func() {
			if err := ql.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("webmarker: mcp quic", "error", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           svc.Handler(mcpSrv),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("webmarker: listening", "addr", cfg.Addr, "db", cfg.DBPath)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("webmarker: shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	svc.Hub().Close()
	return srv.Shutdown(shutCtx)
}

func listenQUIC(logger *slog.Logger, mcpSrv *mcp.Server, cfg *markstore.Config) (*mcpquic.Listener, error) {
	var tlsCfg *tls.Config
	var err error
	if cfg.TLSCertFile != "" {
		tlsCfg, err = mcpquic.ServerTLSConfig(cfg.TLSCertFile, cfg.TLSKeyFile)
	} else {
		logger.Warn("webmarker: mcp quic uses a self-signed certificate")
		tlsCfg, err = mcpquic.SelfSignedTLSConfig()
	}
	if err != nil {
		return nil, err
	}
	return mcpquic.NewListener(cfg.MCPQuicAddr, tlsCfg, mcpSrv, logger)
}

// maintain trims the activity log and the call metrics once a day.
func maintain(ctx context.Context, logger *slog.Logger, svc *markstore.Service, mm *observability.MetricsManager, cfg *markstore.Config) {
	t := time.NewTicker(24 * time.Hour)
	defer t.Stop()
	for {
		if n, err := svc.Events().Cleanup(ctx, cfg.EventRetentionDays); err != nil {
			logger.Warn("webmarker: events cleanup", "error", err)
		} else if n > 0 {
			logger.Info("webmarker: events cleanup", "removed", n)
		}
		if _, err := mm.Cleanup(ctx, cfg.EventRetentionDays); err != nil {
			logger.Warn("webmarker: metrics cleanup", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
