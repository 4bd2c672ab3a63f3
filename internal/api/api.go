// Package api implements the control API: an HTTP+WS server translating
// requests into Tunnel Manager calls, guarded by a single static bearer
// token rather than session cookies.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/gluk-w/tunneld/internal/database"
	"github.com/gluk-w/tunneld/internal/eventbus"
	"github.com/gluk-w/tunneld/internal/manager"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

const apiTokenSetting = "apiToken"
const apiAuthEnabledSetting = "apiAuthEnabled"

// Server owns the chi router, the bearer token, and the manager/bus it
// delegates to.
type Server struct {
	mgr        *manager.Manager
	bus        *eventbus.Bus
	router     chi.Router
	startedAt  time.Time
	authEnable bool
	token      string
	boundPort  int
}

// NewServer builds the router and loads (or generates) the bearer token.
// The apiAuthEnabled scalar is loaded from the Setting table if present,
// falling back to defaultAuthEnabled (the TUNNELD_API_AUTH_ENABLED env
// default) on first run.
func NewServer(mgr *manager.Manager, bus *eventbus.Bus, defaultAuthEnabled bool) (*Server, error) {
	token, err := loadOrCreateToken()
	if err != nil {
		return nil, fmt.Errorf("load api token: %w", err)
	}

	authEnabled := defaultAuthEnabled
	if raw, err := database.GetSetting(apiAuthEnabledSetting); err == nil {
		authEnabled = raw == "true"
	} else {
		_ = database.SetSetting(apiAuthEnabledSetting, fmt.Sprintf("%t", defaultAuthEnabled))
	}

	s := &Server{
		mgr:        mgr,
		bus:        bus,
		startedAt:  time.Now(),
		authEnable: authEnabled,
		token:      token,
	}
	s.router = s.buildRouter()
	return s, nil
}

func loadOrCreateToken() (string, error) {
	if tok, err := database.GetSetting(apiTokenSetting); err == nil && tok != "" {
		return tok, nil
	}
	tok, err := generateToken()
	if err != nil {
		return "", err
	}
	if err := database.SetSetting(apiTokenSetting, tok); err != nil {
		return "", err
	}
	return tok, nil
}

func generateToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// RegenerateToken issues and persists a fresh bearer token.
func (s *Server) RegenerateToken() (string, error) {
	tok, err := generateToken()
	if err != nil {
		return "", err
	}
	if err := database.SetSetting(apiTokenSetting, tok); err != nil {
		return "", err
	}
	s.token = tok
	return tok, nil
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(corsMiddleware)

	r.Get("/ping", s.handlePing)
	r.Get("/help", s.handleHelp)
	r.Get("/ws/events", s.handleWSEvents)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Get("/status", s.handleStatus)
		r.Get("/tunnels", s.handleTunnels)
		r.Get("/servers", s.handleServers)
		r.Post("/servers/add", s.handleServerAdd)
		r.Put("/servers/{id}", s.handleServerUpdate)
		r.Post("/servers/delete/{id}", s.handleServerDelete)
		r.Delete("/servers/{id}", s.handleServerDelete)
		r.Get("/servers/{id}/transitions", s.handleServerTransitions)

		r.Post("/connect/{id}", s.handleConnect)
		r.Post("/disconnect/{id}", s.handleDisconnect)
		r.Post("/disconnect-all", s.handleDisconnectAll)

		r.Post("/scan", s.handleScan)
		r.Get("/scan/progress", s.handleScanProgress)

		r.Get("/logs", s.handleLogs)

		r.Get("/export", s.handleExport)
		r.Post("/import", s.handleImport)

		r.Get("/stats/{id}", s.handleStats)

		r.Get("/profiles", s.handleProfiles)
		r.Post("/profiles/add", s.handleProfileAdd)
		r.Post("/profiles/connect/{id}", s.handleProfileConnect)
		r.Delete("/profiles/{id}", s.handleProfileDelete)
	})

	return r
}

// ListenAndServe binds with a dual-port-with-retry strategy: try port,
// then fallbackPort, then up to maxRetries retries at 2s spacing across
// both before giving up. Only this failure is fatal to the control plane:
// the tunnel engine keeps running headlessly either way.
func (s *Server) ListenAndServe(ctx context.Context, port, fallbackPort, maxRetries int) (*http.Server, error) {
	candidates := []int{port, fallbackPort}
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		for _, p := range candidates {
			addr := fmt.Sprintf("0.0.0.0:%d", p)
			ln, err := newListener(addr)
			if err != nil {
				lastErr = err
				continue
			}
			s.boundPort = p
			srv := &http.Server{Handler: s.router}
			go func() {
				if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
					fmt.Printf("control api: serve error: %v\n", err)
				}
			}()
			return srv, nil
		}
		if attempt < maxRetries {
			time.Sleep(2 * time.Second)
		}
	}
	return nil, fmt.Errorf("bind both %d and %d after %d retries: %w", port, fallbackPort, maxRetries, lastErr)
}
