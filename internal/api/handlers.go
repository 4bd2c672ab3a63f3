package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gluk-w/tunneld/internal/logging"
	"github.com/gluk-w/tunneld/internal/logutil"
	"github.com/gluk-w/tunneld/internal/manager"
	"github.com/gluk-w/tunneld/internal/serverstore"
	"github.com/gluk-w/tunneld/internal/statsstore"
	"github.com/go-chi/chi/v5"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	w.Write(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// handlePing is always unauthenticated.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pong":   true,
		"port":   s.boundPort,
		"uptime": int(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleHelp(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"endpoints": []string{
			"GET /ping", "GET /status", "GET /tunnels", "GET /servers",
			"POST /servers/add", "PUT /servers/{id}", "POST /servers/delete/{id}", "DELETE /servers/{id}",
			"GET /servers/{id}/transitions",
			"POST /connect/{id}", "POST /disconnect/{id}", "POST /disconnect-all",
			"POST /scan", "GET /scan/progress",
			"GET /logs", "GET /export", "POST /import",
			"GET /stats/{id}",
			"GET /profiles", "POST /profiles/add", "POST /profiles/connect/{id}", "DELETE /profiles/{id}",
			"GET /ws/events",
		},
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.Status())
}

func (s *Server) handleTunnels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.Tunnels())
}

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.Servers())
}

func (s *Server) handleServerAdd(w http.ResponseWriter, r *http.Request) {
	var body struct {
		serverstore.ServerRecord
		Password      string `json:"password"`
		PrivateKeyPEM string `json:"privateKeyPem"`
		KeyPassphrase string `json:"keyPassphrase"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, err := s.mgr.AddServer(body.ServerRecord, body.Password, []byte(body.PrivateKeyPEM), []byte(body.KeyPassphrase))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleServerUpdate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ok := s.mgr.Server(id)
	if !ok {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rec.ID = id

	if err := s.mgr.UpdateServer(rec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleServerDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.mgr.DeleteServer(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// handleServerTransitions exposes a worker's in-memory state-transition
// history for debugging.
func (s *Server) handleServerTransitions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	transitions, ok := s.mgr.Transitions(id)
	if !ok {
		writeError(w, http.StatusNotFound, "no live tunnel for this server")
		return
	}
	writeJSON(w, http.StatusOK, transitions)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.mgr.Server(id); !ok {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}
	if err := s.mgr.Connect(context.Background(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"connecting": true})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.mgr.Disconnect(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"disconnected": true})
}

func (s *Server) handleDisconnectAll(w http.ResponseWriter, r *http.Request) {
	s.mgr.DisconnectAll()
	writeJSON(w, http.StatusOK, map[string]bool{"disconnected": true})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	go s.mgr.ScanAllPorts()
	writeJSON(w, http.StatusOK, map[string]bool{"started": true})
}

func (s *Server) handleScanProgress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.ScanProgress())
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := 200
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	tail, err := logging.ReadTail(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": logutil.SanitizeForLog(tail)})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	includeKeys := r.URL.Query().Get("includeKeys") == "true"
	writeJSON(w, http.StatusOK, s.mgr.Export(includeKeys))
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var doc manager.ImportDocument

	raw := json.RawMessage{}
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// Accept either a bare array or {servers:[...]}.
	if err := json.Unmarshal(raw, &doc.Servers); err != nil {
		if err := json.Unmarshal(raw, &doc); err != nil {
			writeError(w, http.StatusBadRequest, "expected an array or {servers:[...]}")
			return
		}
	}

	added, err := s.mgr.Import(doc)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"added": added})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	period := statsstore.Period(r.URL.Query().Get("period"))
	if period == "" {
		period = statsstore.Period24h
	}

	result, err := s.mgr.Stats(id, period)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.Profiles())
}

func (s *Server) handleProfileAdd(w http.ResponseWriter, r *http.Request) {
	var profile serverstore.QuickProfile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id, err := s.mgr.AddProfile(profile)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleProfileConnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.mgr.ConnectProfile(context.Background(), id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"connecting": true})
}

func (s *Server) handleProfileDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.mgr.DeleteProfile(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}
