// ops.go implements the Manager's mutating operations exposed to the
// control API: connect/disconnect, server/profile CRUD, and port
// scanning. Every mutating call blocks on the init barrier first.
package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/gluk-w/tunneld/internal/eventbus"
	"github.com/gluk-w/tunneld/internal/portscan"
	"github.com/gluk-w/tunneld/internal/secretstore"
	"github.com/gluk-w/tunneld/internal/serverstore"
	"github.com/gluk-w/tunneld/internal/statsstore"
	"github.com/gluk-w/tunneld/internal/tunnel"
)

// ActiveTunnelInfo is the API-facing snapshot of one live or external
// tunnel.
type ActiveTunnelInfo struct {
	ServerID           string `json:"serverId"`
	DisplayName        string `json:"displayName"`
	SocksPort          int    `json:"socksPort"`
	State              string `json:"state"`
	IsExternal         bool   `json:"isExternal"`
	BytesIn            int64  `json:"bytesIn"`
	BytesOut           int64  `json:"bytesOut"`
	ReconnectCount     int    `json:"reconnectCount"`
	LatencyMs          *int   `json:"latencyMs,omitempty"`
	HealthChecksOK     int    `json:"healthChecksOk"`
	HealthChecksFailed int    `json:"healthChecksFailed"`
}

// Connect starts (or restarts) a worker for serverId. It blocks on the
// init barrier, then, if no live worker already exists for this id, spawns
// one (single-flight guarded by m.starting).
func (m *Manager) Connect(ctx context.Context, serverID string) error {
	m.awaitBarrier()

	m.mu.Lock()
	if w, exists := m.workers[serverID]; exists && w.State() != tunnel.StateTerminated {
		m.mu.Unlock()
		return nil
	}
	if m.starting[serverID] {
		m.mu.Unlock()
		return nil
	}
	rec, ok := m.servers[serverID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown server %s", serverID)
	}
	m.starting[serverID] = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.starting, serverID)
		m.mu.Unlock()
	}()

	cfg, err := m.buildWorkerConfig(rec)
	if err != nil {
		m.bus.Publish(eventbus.New("error", map[string]interface{}{"serverId": serverID, "message": err.Error()}))
		return fmt.Errorf("build worker config for %s: %w", serverID, err)
	}

	m.mu.Lock()
	prior, hadPrior := m.priorCounters[serverID]
	m.mu.Unlock()

	initReconnectCount := 0
	initUptime := time.Duration(0)
	if hadPrior {
		initReconnectCount = prior.ReconnectCount + 1
		initUptime = prior.TotalUptime
	}

	worker := tunnel.NewWorker(cfg, eventSink{m}, m, m, initReconnectCount, initUptime)

	m.mu.Lock()
	m.workers[serverID] = worker
	m.mu.Unlock()

	go func() {
		if err := worker.Start(ctx); err != nil {
			if rec.AutoReconnect {
				m.scheduler.Schedule(context.Background(), serverID)
			}
			m.removeWorker(serverID)
		}
	}()

	return nil
}

func (m *Manager) buildWorkerConfig(rec serverstore.ServerRecord) (tunnel.Config, error) {
	cfg := tunnel.Config{
		ServerID:      rec.ID,
		Name:          rec.Name,
		Host:          rec.Host,
		SSHPort:       rec.SSHPort,
		Username:      rec.Username,
		AuthType:      rec.AuthType,
		SocksPort:     rec.SocksPort,
		ProxyUsername: rec.ProxyUsername,
		ProxyPassword: rec.ProxyPassword,
		AutoReconnect: rec.AutoReconnect,
		KeyPath:       rec.KeyPath,
	}

	switch rec.AuthType {
	case "password":
		if pw, ok := m.secrets.Get(secretstore.PasswordKey(rec.ID)); ok {
			cfg.Password = string(pw)
		}
	case "key":
		if key, ok := m.secrets.Get(secretstore.PrivateKeyKey(rec.ID)); ok {
			cfg.PrivateKeyPEM = key
		}
		if pass, ok := m.secrets.Get(secretstore.KeyPassphraseKey(rec.ID)); ok {
			cfg.KeyPassphrase = pass
		}
	default:
		return cfg, fmt.Errorf("unknown authType %q", rec.AuthType)
	}

	return cfg, nil
}

// Disconnect stops the worker for serverId, suppressing auto-reconnect.
func (m *Manager) Disconnect(serverID string) error {
	m.awaitBarrier()
	m.scheduler.Cancel(serverID)

	m.mu.Lock()
	worker, ok := m.workers[serverID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	worker.Stop()
	m.bus.Publish(eventbus.New("disconnected", map[string]interface{}{"serverId": serverID, "reason": "user_disconnect"}))
	return nil
}

// DisconnectAll stops every live worker.
func (m *Manager) DisconnectAll() {
	m.awaitBarrier()
	m.mu.Lock()
	ids := make([]string, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.scheduler.Cancel(id)
		m.mu.Lock()
		worker := m.workers[id]
		m.mu.Unlock()
		if worker != nil {
			worker.Stop()
		}
	}
	m.bus.Publish(eventbus.New("disconnected", map[string]interface{}{"reason": "api_disconnect_all"}))
}

// Tunnels returns a snapshot of every live or external ActiveTunnel.
func (m *Manager) Tunnels() []ActiveTunnelInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ActiveTunnelInfo, 0, len(m.workers))
	for id, w := range m.workers {
		rec := m.servers[id]
		counters := w.Counters()
		out = append(out, ActiveTunnelInfo{
			ServerID:           id,
			DisplayName:        rec.Name,
			SocksPort:          rec.SocksPort,
			State:              w.State().String(),
			IsExternal:         w.IsExternal(),
			BytesIn:            counters.BytesIn,
			BytesOut:           counters.BytesOut,
			ReconnectCount:     counters.ReconnectCount,
			LatencyMs:          counters.LatencyMs,
			HealthChecksOK:     counters.HealthChecksOK,
			HealthChecksFailed: counters.HealthChecksFailed,
		})
	}
	return out
}

// Transitions returns the debug state-transition history for one worker.
func (m *Manager) Transitions(serverID string) ([]tunnel.Transition, bool) {
	m.mu.Lock()
	worker, ok := m.workers[serverID]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	return worker.Transitions(), true
}

// AddServer validates and persists a new ServerRecord, optionally storing
// secrets, and returns its assigned id.
func (m *Manager) AddServer(rec serverstore.ServerRecord, password string, privateKeyPEM, keyPassphrase []byte) (string, error) {
	m.awaitBarrier()

	rec.ID = ""
	if err := m.store.Save(&rec); err != nil {
		return "", err
	}

	if password != "" {
		if err := m.secrets.Put(secretstore.PasswordKey(rec.ID), []byte(password)); err != nil {
			return "", fmt.Errorf("store password secret: %w", err)
		}
	}
	if len(privateKeyPEM) > 0 {
		if err := m.secrets.Put(secretstore.PrivateKeyKey(rec.ID), privateKeyPEM); err != nil {
			return "", fmt.Errorf("store private key secret: %w", err)
		}
	}
	if len(keyPassphrase) > 0 {
		if err := m.secrets.Put(secretstore.KeyPassphraseKey(rec.ID), keyPassphrase); err != nil {
			return "", fmt.Errorf("store key passphrase secret: %w", err)
		}
	}

	m.mu.Lock()
	m.servers[rec.ID] = rec
	m.mu.Unlock()

	m.bus.Publish(eventbus.New("server_added", map[string]interface{}{"serverId": rec.ID, "name": rec.Name}))
	return rec.ID, nil
}

// UpdateServer applies a partial update. If socksPort changed and a worker
// is live, it is transparently rebound (stopped then reconnected).
func (m *Manager) UpdateServer(rec serverstore.ServerRecord) error {
	m.awaitBarrier()

	m.mu.Lock()
	prev, existed := m.servers[rec.ID]
	m.mu.Unlock()
	if !existed {
		return fmt.Errorf("unknown server %s", rec.ID)
	}

	if err := m.store.Save(&rec); err != nil {
		return err
	}

	m.mu.Lock()
	m.servers[rec.ID] = rec
	_, live := m.workers[rec.ID]
	m.mu.Unlock()

	if live && prev.SocksPort != rec.SocksPort {
		if err := m.Disconnect(rec.ID); err != nil {
			return err
		}
		// The old worker drains on its own port; drop it so Connect starts
		// a new one on the new port instead of seeing it as still live.
		m.removeWorker(rec.ID)
		return m.Connect(context.Background(), rec.ID)
	}
	return nil
}

// DeleteServer cascades: terminate worker, purge secrets, purge stats rows.
func (m *Manager) DeleteServer(serverID string) error {
	m.awaitBarrier()

	m.scheduler.Cancel(serverID)
	m.mu.Lock()
	worker := m.workers[serverID]
	m.mu.Unlock()
	if worker != nil {
		worker.Stop()
	}

	for _, key := range []string{
		secretstore.PasswordKey(serverID),
		secretstore.PrivateKeyKey(serverID),
		secretstore.KeyPassphraseKey(serverID),
	} {
		_ = m.secrets.Delete(key)
	}

	if err := m.store.Delete(serverID); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.servers, serverID)
	delete(m.workers, serverID)
	m.mu.Unlock()

	m.bus.Publish(eventbus.New("server_deleted", map[string]interface{}{"serverId": serverID}))
	return nil
}

// Profiles returns a snapshot of all QuickProfiles.
func (m *Manager) Profiles() []serverstore.QuickProfile {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]serverstore.QuickProfile, 0, len(m.profiles))
	for _, p := range m.profiles {
		out = append(out, p)
	}
	return out
}

// AddProfile persists a QuickProfile.
func (m *Manager) AddProfile(p serverstore.QuickProfile) (string, error) {
	m.awaitBarrier()
	p.ID = ""
	if err := m.store.SaveProfile(&p); err != nil {
		return "", err
	}
	m.mu.Lock()
	m.profiles[p.ID] = p
	m.mu.Unlock()
	return p.ID, nil
}

// DeleteProfile removes a QuickProfile.
func (m *Manager) DeleteProfile(id string) error {
	m.awaitBarrier()
	if err := m.store.DeleteProfile(id); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.profiles, id)
	m.mu.Unlock()
	return nil
}

// ConnectProfile launches the profile's server using its socksPort
// override in place of the server's default.
func (m *Manager) ConnectProfile(ctx context.Context, profileID string) error {
	m.awaitBarrier()
	m.mu.Lock()
	profile, ok := m.profiles[profileID]
	rec, recOK := m.servers[profile.ServerID]
	m.mu.Unlock()
	if !ok || !recOK {
		return fmt.Errorf("unknown profile %s", profileID)
	}

	if profile.SocksPortOverride != 0 {
		rec.SocksPort = profile.SocksPortOverride
		m.mu.Lock()
		m.servers[rec.ID] = rec
		m.mu.Unlock()
	}
	return m.Connect(ctx, rec.ID)
}

// ScanAllPorts runs the Port Scanner (C10) and registers findings not in
// the owned set as external ActiveTunnels: isExternal=true, no SSH side,
// constructed directly in StateConnected rather than reusing the
// live-connection Worker unstarted.
func (m *Manager) ScanAllPorts() []portscan.Finding {
	findings := m.scanner.ScanAllPorts()

	for _, f := range findings {
		serverID := fmt.Sprintf("external-%d", f.Port)
		rec := serverstore.ServerRecord{
			ID:        serverID,
			Name:      fmt.Sprintf("%s:%d", f.ProxyType, f.Port),
			Host:      "127.0.0.1",
			SocksPort: f.Port,
		}
		worker := tunnel.NewExternalWorker(tunnel.Config{ServerID: serverID, Name: rec.Name, SocksPort: f.Port})

		m.mu.Lock()
		m.servers[serverID] = rec
		m.workers[serverID] = worker
		m.mu.Unlock()
	}
	return findings
}

// ScanProgress reports the current port scan's progress.
func (m *Manager) ScanProgress() portscan.Progress {
	return m.scanner.Progress()
}

// RunNetworkWatcher feeds the Network Watcher (C9): online transitions trigger
// bulk reconnection after a settle delay.
func (m *Manager) RunNetworkWatcher(ctx context.Context, events <-chan tunnel.NetworkEvent) {
	watcher := tunnel.NewWatcher(events, m.reconnectEnabledServers)
	watcher.Run(ctx)
}

func (m *Manager) reconnectEnabledServers(ctx context.Context) {
	m.mu.Lock()
	var toConnect []string
	for id, rec := range m.servers {
		if _, live := m.workers[id]; live {
			continue
		}
		if rec.IsEnabled || rec.ConnectOnStartup {
			toConnect = append(toConnect, id)
		}
	}
	m.mu.Unlock()

	for _, id := range toConnect {
		if err := m.Connect(ctx, id); err != nil {
			m.bus.Publish(eventbus.New("error", map[string]interface{}{"serverId": id, "message": err.Error()}))
		}
	}
}

// Shutdown stops the health monitor and every live worker.
func (m *Manager) Shutdown() {
	m.health.Stop()
	m.stats.Stop()
	m.DisconnectAll()
	time.Sleep(50 * time.Millisecond)
}

// Stats delegates a stats query to the Stats Store for a single server.
func (m *Manager) Stats(serverID string, period statsstore.Period) (statsstore.QueryResult, error) {
	return m.stats.Query(serverID, period)
}

// StatusInfo is the API-facing snapshot for GET /status.
type StatusInfo struct {
	ServerCount  int                `json:"serverCount"`
	TunnelCount  int                `json:"tunnelCount"`
	Tunnels      []ActiveTunnelInfo `json:"tunnels"`
}

// Status reports the daemon's current server/tunnel counts and tunnel list.
func (m *Manager) Status() StatusInfo {
	m.mu.Lock()
	serverCount := len(m.servers)
	m.mu.Unlock()

	tunnels := m.Tunnels()
	return StatusInfo{
		ServerCount: serverCount,
		TunnelCount: len(tunnels),
		Tunnels:     tunnels,
	}
}
