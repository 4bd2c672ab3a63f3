package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gluk-w/tunneld/internal/config"
	"github.com/gluk-w/tunneld/internal/database"
	"github.com/gluk-w/tunneld/internal/eventbus"
	"github.com/gluk-w/tunneld/internal/manager"
	"github.com/gluk-w/tunneld/internal/secretstore"
	"github.com/gluk-w/tunneld/internal/serverstore"
	"github.com/gluk-w/tunneld/internal/statsstore"
)

func newTestServer(t *testing.T, authEnabled bool) *Server {
	t.Helper()
	config.Cfg.DataPath = t.TempDir()
	if err := database.Init(); err != nil {
		t.Fatalf("database.Init: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	store, err := serverstore.New()
	if err != nil {
		t.Fatalf("serverstore.New: %v", err)
	}
	secrets := secretstore.New()
	stats, err := statsstore.New()
	if err != nil {
		t.Fatalf("statsstore.New: %v", err)
	}
	t.Cleanup(stats.Stop)
	bus := eventbus.NewBus()
	t.Cleanup(bus.Close)

	mgr := manager.New(store, secrets, stats, bus)
	if err := mgr.Init(context.Background()); err != nil {
		t.Fatalf("mgr.Init: %v", err)
	}

	s, err := NewServer(mgr, bus, authEnabled)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s
}

func TestPingIsUnauthenticated(t *testing.T) {
	s := newTestServer(t, true)

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if pong, _ := body["pong"].(bool); !pong {
		t.Errorf("expected pong=true, got %+v", body)
	}
}

func TestStatusRejectsMissingToken(t *testing.T) {
	s := newTestServer(t, true)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", rec.Code)
	}
}

func TestStatusAcceptsBearerToken(t *testing.T) {
	s := newTestServer(t, true)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer "+s.token)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with a valid bearer token, got %d", rec.Code)
	}
}

func TestStatusAcceptsQueryToken(t *testing.T) {
	s := newTestServer(t, true)

	req := httptest.NewRequest(http.MethodGet, "/status?token="+s.token, nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with a valid query token, got %d", rec.Code)
	}
}

func TestAuthDisabledSkipsToken(t *testing.T) {
	s := newTestServer(t, false)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with auth disabled, got %d", rec.Code)
	}
}

func TestServerAddAndList(t *testing.T) {
	s := newTestServer(t, false)

	payload := `{"name":"box1","host":"example.com","sshPort":22,"username":"alice","authType":"password","socksPort":1080,"password":"hunter2"}`
	req := httptest.NewRequest(http.MethodPost, "/servers/add", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 adding a server, got %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/servers", nil)
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var servers []serverstore.ServerRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &servers); err != nil {
		t.Fatalf("unmarshal servers: %v", err)
	}
	if len(servers) != 1 || servers[0].Name != "box1" {
		t.Fatalf("expected one server named box1, got %+v", servers)
	}
}

func TestExportRoundTripsThroughImport(t *testing.T) {
	s := newTestServer(t, false)

	payload := `{"name":"exp1","host":"exp.example.com","sshPort":22,"username":"bob","authType":"password","socksPort":1081,"password":"hunter2"}`
	req := httptest.NewRequest(http.MethodPost, "/servers/add", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("add server: %d %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/export?includeKeys=true", nil)
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("export: %d", rec.Code)
	}
	exported := rec.Body.Bytes()

	req = httptest.NewRequest(http.MethodPost, "/import", bytes.NewReader(exported))
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("import: %d %s", rec.Code, rec.Body.String())
	}

	var result map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal import result: %v", err)
	}
	// exp1 already exists by (host,username,sshPort); re-importing skips it.
	if result["added"] != 0 {
		t.Errorf("expected re-import of an existing server to add nothing, got %+v", result)
	}
}
