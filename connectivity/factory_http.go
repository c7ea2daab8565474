package connectivity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hazyhaar/webmarker/horosafe"
)

type httpConfig struct {
	TimeoutMs int64  `json:"timeout_ms"`
	Token     string `json:"token"`
}

type httpFactory struct {
	allowPrivate bool
	client       *http.Client
}

// HTTPOption configures HTTPFactory.
type HTTPOption func(*httpFactory)

// AllowPrivate accepts loopback and private endpoints, for a daemon running
// on the same machine or network.
func AllowPrivate() HTTPOption { return func(f *httpFactory) { f.allowPrivate = true } }

// WithHTTPClient sets the client used by every route.
func WithHTTPClient(c *http.Client) HTTPOption { return func(f *httpFactory) { f.client = c } }

// HTTPFactory builds handlers that POST the JSON payload to the route's
// endpoint, the "/rpc/{service}" URL of a webmarker daemon. Route config:
//
//	{"timeout_ms": 3000, "token": "<bearer token>"}
func HTTPFactory(opts ...HTTPOption) TransportFactory {
	f := &httpFactory{}
	for _, o := range opts {
		o(f)
	}
	return func(endpoint string, config json.RawMessage) (Handler, func(), error) {
		if err := horosafe.ValidateURL(endpoint); err != nil && !(f.allowPrivate && errors.Is(err, horosafe.ErrSSRF)) {
			return nil, nil, fmt.Errorf("connectivity/http: %w", err)
		}
		var cfg httpConfig
		if len(config) > 0 {
			if err := json.Unmarshal(config, &cfg); err != nil {
				return nil, nil, fmt.Errorf("connectivity/http: config: %w", err)
			}
		}
		client := f.client
		if client == nil {
			timeout := 30 * time.Second
			if cfg.TimeoutMs > 0 {
				timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
			}
			client = &http.Client{Timeout: timeout}
		}

		h := func(ctx context.Context, payload []byte) ([]byte, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
			if err != nil {
				return nil, fmt.Errorf("connectivity/http: request: %w", err)
			}
			req.Header.Set("Content-Type", "application/json")
			if cfg.Token != "" {
				req.Header.Set("Authorization", "Bearer "+cfg.Token)
			}
			resp, err := client.Do(req)
			if err != nil {
				return nil, fmt.Errorf("connectivity/http: %w", err)
			}
			defer resp.Body.Close()
			body, err := horosafe.LimitedReadAll(resp.Body, horosafe.MaxBody)
			if err != nil {
				return nil, fmt.Errorf("connectivity/http: read: %w", err)
			}
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				return nil, &ErrRemote{Status: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
			}
			return body, nil
		}
		return h, client.CloseIdleConnections, nil
	}
}
