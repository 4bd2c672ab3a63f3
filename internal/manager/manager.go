// Package manager implements the directory of servers, profiles, active
// tunnels and workers, and the orchestration entry points the control API
// calls into. Connection lifecycle and tunnel start/stop are treated as a
// single responsibility, owned by one Manager type.
package manager

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gluk-w/tunneld/internal/eventbus"
	"github.com/gluk-w/tunneld/internal/portscan"
	"github.com/gluk-w/tunneld/internal/secretstore"
	"github.com/gluk-w/tunneld/internal/serverstore"
	"github.com/gluk-w/tunneld/internal/statsstore"
	"github.com/gluk-w/tunneld/internal/tunnel"
)

// Manager owns servers[], profiles[], activeTunnels[] and workers{}. A
// worker exists iff a non-external ActiveTunnel exists for that serverId;
// workers are created/destroyed only here. Mutations are serialized by
// mu, a single coarse lock held only across short critical sections,
// never across I/O.
type Manager struct {
	store   *serverstore.Store
	secrets *secretstore.Store
	stats   *statsstore.Store
	bus     *eventbus.Bus

	mu        sync.Mutex
	servers   map[string]serverstore.ServerRecord
	profiles  map[string]serverstore.QuickProfile
	workers   map[string]*tunnel.Worker
	starting  map[string]bool
	ownedPorts map[int]string // socksPort -> serverId
	priorCounters map[string]tunnel.Counters // serverId -> last worker's counters, for reconnect restore

	scheduler *tunnel.Scheduler
	health    *tunnel.HealthMonitor
	scanner   *portscan.Scanner

	ready chan struct{} // closed once the init barrier has opened
}

// New constructs a Manager. Call Init before any other method.
func New(store *serverstore.Store, secrets *secretstore.Store, stats *statsstore.Store, bus *eventbus.Bus) *Manager {
	m := &Manager{
		store:      store,
		secrets:    secrets,
		stats:      stats,
		bus:        bus,
		servers:    map[string]serverstore.ServerRecord{},
		profiles:   map[string]serverstore.QuickProfile{},
		workers:    map[string]*tunnel.Worker{},
		starting:   map[string]bool{},
		ownedPorts: map[int]string{},
		priorCounters: map[string]tunnel.Counters{},
		ready:      make(chan struct{}),
	}
	m.scheduler = tunnel.NewScheduler(func(ctx context.Context, serverID string) error {
		return m.Connect(ctx, serverID)
	}, eventSink{m})
	m.health = tunnel.NewHealthMonitor(m, m, eventSink{m})
	m.scanner = portscan.New(m.IsOwnedByUs)
	return m
}

// Init runs once at startup: it loads servers, profiles and the
// owned-tunnels set, opens the completion barrier that gates mutating
// calls, starts the health monitor, and connects every server flagged
// connectOnStartup or isEnabled. API auth is loaded and the Control API
// started afterwards, in main.go (api.NewServer, ListenAndServe).
func (m *Manager) Init(ctx context.Context) error {
	records, err := m.store.LoadAll()
	if err != nil {
		return fmt.Errorf("load servers: %w", err)
	}
	profiles, err := m.store.LoadProfiles()
	if err != nil {
		return fmt.Errorf("load profiles: %w", err)
	}
	owned, err := m.store.LoadOwnedTunnels()
	if err != nil {
		return fmt.Errorf("load owned-tunnels set: %w", err)
	}

	m.mu.Lock()
	for _, rec := range records {
		m.servers[rec.ID] = rec
	}
	for _, p := range profiles {
		m.profiles[p.ID] = p
	}
	for id := range owned {
		if rec, ok := m.servers[id]; ok {
			m.ownedPorts[rec.SocksPort] = id
		}
	}
	m.mu.Unlock()

	close(m.ready) // open completion barrier

	m.health.Start(ctx)

	for _, rec := range records {
		if rec.ConnectOnStartup || rec.IsEnabled {
			go func(id string) {
				if err := m.Connect(ctx, id); err != nil {
					log.Printf("manager: startup connect failed for %s: %v", id, err)
				}
			}(rec.ID)
		}
	}

	return nil
}

func (m *Manager) awaitBarrier() {
	<-m.ready
}

// --- PortOwnership (tunnel.PortOwnership) ---

func (m *Manager) IsOwnedByUs(socksPort int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.ownedPorts[socksPort]
	return ok
}

func (m *Manager) Claim(socksPort int, serverID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ownedPorts[socksPort] = serverID
	m.persistOwnedLocked()
}

func (m *Manager) Release(socksPort int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ownedPorts, socksPort)
	m.persistOwnedLocked()
}

func (m *Manager) persistOwnedLocked() {
	set := make(map[string]bool, len(m.ownedPorts))
	for _, id := range m.ownedPorts {
		set[id] = true
	}
	if err := m.store.SaveOwnedTunnels(set); err != nil {
		log.Printf("manager: persist owned-tunnels set: %v", err)
	}
}

// --- tunnel.WorkerSource ---

func (m *Manager) LiveWorkers() []*tunnel.Worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*tunnel.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		if !w.IsExternal() && w.State() == tunnel.StateConnected {
			out = append(out, w)
		}
	}
	return out
}

func (m *Manager) OnDisconnect(serverID, reason string) {
	if rec, ok := m.Server(serverID); ok && rec.AutoReconnect {
		m.scheduler.Schedule(context.Background(), serverID)
	}
	m.removeWorker(serverID)
}

// --- statsstore.StatsSink ---

func (m *Manager) RecordSample(serverID string, uptimeSec int, bytesIn, bytesOut int64, latencyMs *int, reconnectCount int, disconnectReason string) {
	sample := statsstore.Sample{
		ServerID:         serverID,
		Timestamp:        time.Now().UnixMilli(),
		Uptime:           uptimeSec,
		BytesIn:          bytesIn,
		BytesOut:         bytesOut,
		LatencyMs:        latencyMs,
		ReconnectCount:   reconnectCount,
		DisconnectReason: disconnectReason,
	}
	if err := m.stats.InsertSample(sample); err != nil {
		log.Printf("manager: record stats sample for %s: %v", serverID, err)
	}
}

// eventSink adapts Manager's bus to tunnel.EventSink.
type eventSink struct{ m *Manager }

func (e eventSink) Emit(eventType string, fields map[string]interface{}) {
	e.m.bus.Publish(eventbus.New(eventType, fields))
}

// Server returns a snapshot of a ServerRecord by id.
func (m *Manager) Server(id string) (serverstore.ServerRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.servers[id]
	return rec, ok
}

// Servers returns a snapshot of all ServerRecords.
func (m *Manager) Servers() []serverstore.ServerRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]serverstore.ServerRecord, 0, len(m.servers))
	for _, rec := range m.servers {
		out = append(out, rec)
	}
	return out
}

// removeWorker drops the live worker for serverId, first capturing its
// final counters so a subsequent Connect can restore ReconnectCount and
// TotalUptime instead of starting fresh. External workers (port-scan
// findings) have nothing worth restoring and are skipped.
func (m *Manager) removeWorker(serverID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.workers[serverID]; ok && !w.IsExternal() {
		m.priorCounters[serverID] = w.Counters()
	}
	delete(m.workers, serverID)
}
