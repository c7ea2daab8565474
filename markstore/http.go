package markstore

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/webmarker/horosafe"
	"github.com/hazyhaar/webmarker/kit"
	"github.com/hazyhaar/webmarker/mark"
	"github.com/hazyhaar/webmarker/markstore/internal/store"
	"github.com/hazyhaar/webmarker/shield"
)

// ClientHeader names the caller in the activity log.
const ClientHeader = "X-Webmarker-Client"

// Handler returns the HTTP API:
//
//	GET  /healthz
//	POST /rpc/{service}   same payloads as the connectivity services
//	GET  /marks?url=
//	GET  /urls
//	GET  /export?url=     text/markdown
//	GET  /events?url=&limit=
//	GET  /ws              change notifications
//	GET  /metrics?hours=  per-service call stats, when metrics are enabled
//	     /mcp             MCP streamable HTTP
//
// Everything but /healthz requires the bearer token when api_token_hash is
// set. Websocket clients may pass it as ?token= instead.
func (s *Service) Handler(mcpSrv *mcp.Server) http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.APIStack(shield.Config{
		RatePerMinute: s.cfg.RatePerMinute,
		Exempt:        []string{"/healthz"},
		Logger:        s.logger,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)
		r.Use(requestContext)

		r.Post("/rpc/{service}", s.serveRPC)

		r.Get("/marks", func(w http.ResponseWriter, r *http.Request) {
			url := r.URL.Query().Get("url")
			if url == "" {
				writeError(w, http.StatusBadRequest, errors.New("url required"))
				return
			}
			marks, err := s.MarksForURL(r.Context(), url)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, marks)
		})

		r.Get("/urls", func(w http.ResponseWriter, r *http.Request) {
			urls, err := s.ListURLs(r.Context())
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, urls)
		})

		r.Get("/export", func(w http.ResponseWriter, r *http.Request) {
			url := r.URL.Query().Get("url")
			if url == "" {
				writeError(w, http.StatusBadRequest, errors.New("url required"))
				return
			}
			md, err := s.ExportMarkdown(r.Context(), url)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
			w.Write([]byte(md))
		})

		r.Get("/events", func(w http.ResponseWriter, r *http.Request) {
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			url := r.URL.Query().Get("url")
			if url != "" {
				url = key(url)
			}
			evs, err := s.events.Recent(r.Context(), url, limit)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, evs)
		})

		r.Get("/ws", s.hub.ServeHTTP)

		if s.metrics != nil {
			r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
				hours, _ := strconv.Atoi(r.URL.Query().Get("hours"))
				if hours <= 0 {
					hours = 24
				}
				s.metrics.Flush()
				stats, err := s.metrics.Summary(r.Context(), s.now().Add(-time.Duration(hours)*time.Hour))
				if err != nil {
					writeError(w, http.StatusInternalServerError, err)
					return
				}
				writeJSON(w, http.StatusOK, stats)
			})
		}

		if mcpSrv != nil {
			h := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpSrv }, nil)
			r.Handle("/mcp", h)
			r.Handle("/mcp/*", h)
		}
	})
	return r
}

func (s *Service) serveRPC(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "service")
	h, ok := s.handlers[name]
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("unknown service "+name))
		return
	}
	body, err := horosafe.LimitedReadAll(r.Body, horosafe.MaxBody)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	out, err := h(r.Context(), body)
	if err != nil {
		writeError(w, rpcStatus(err), err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

func rpcStatus(err error) int {
	var syn *json.SyntaxError
	switch {
	case errors.Is(err, mark.ErrInvalid), errors.As(err, &syn), strings.HasPrefix(err.Error(), "decode:"):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Service) requireToken(next http.Handler) http.Handler {
	hash := []byte(s.cfg.APITokenHash)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(hash) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			token = r.URL.Query().Get("token")
		}
		if token == "" || bcrypt.CompareHashAndPassword(hash, []byte(token)) != nil {
			writeError(w, http.StatusUnauthorized, errors.New("invalid token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := kit.WithTransport(r.Context(), "http")
		ctx = kit.WithRemoteAddr(ctx, r.RemoteAddr)
		if c := r.Header.Get(ClientHeader); c != "" {
			ctx = kit.WithClient(ctx, c)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// HashToken returns the bcrypt hash to store as api_token_hash.
func HashToken(token string) (string, error) {
	if err := horosafe.ValidateToken(token); err != nil {
		return "", err
	}
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	return string(h), err
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
