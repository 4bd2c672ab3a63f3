// Package tunnel implements one worker per SSH server: connection
// dial/auth/keepalive, backoff reconnection with a single-flight guard,
// periodic health probing, and a local SOCKS5 listener bound to the
// server's configured port.
package tunnel

import (
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// State is a Worker's position in its connection state machine.
type State int

const (
	StateIdle State = iota
	StateDialing
	StateAuthenticating
	StateBinding
	StateConnected
	StateDraining
	StateTerminated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDialing:
		return "dialing"
	case StateAuthenticating:
		return "authenticating"
	case StateBinding:
		return "binding"
	case StateConnected:
		return "connected"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config describes one tunnel to establish — the subset of ServerRecord
// (plus resolved secrets) a Worker needs. Secret resolution happens before
// constructing Config; the worker never talks to the secret store directly.
type Config struct {
	ServerID string
	Name     string
	Host     string
	SSHPort  int
	Username string

	AuthType         string // "password" | "key"
	Password         string
	PrivateKeyPEM    []byte
	KeyPath          string
	KeyPassphrase    []byte

	SocksPort     int
	ProxyUsername string
	ProxyPassword string

	AutoReconnect bool
}

// Counters tracks a live tunnel's byte/latency/uptime accounting. Updated
// atomically from multiple SOCKS sessions.
type Counters struct {
	mu                 sync.Mutex
	BytesIn            int64
	BytesOut           int64
	ReconnectCount     int
	TotalUptime        time.Duration
	LatencyMs          *int
	LastKeepaliveAt    time.Time
	HealthChecksOK     int
	HealthChecksFailed int
	connectedAt        time.Time
}

func (c *Counters) addBytes(in, out int64) {
	c.mu.Lock()
	c.BytesIn += in
	c.BytesOut += out
	c.mu.Unlock()
}

func (c *Counters) setLatency(ms *int) {
	c.mu.Lock()
	c.LatencyMs = ms
	c.LastKeepaliveAt = time.Now()
	c.mu.Unlock()
}

func (c *Counters) recordHealthCheck(ok bool) {
	c.mu.Lock()
	if ok {
		c.HealthChecksOK++
	} else {
		c.HealthChecksFailed++
	}
	c.mu.Unlock()
}

func (c *Counters) snapshot() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Counters{
		BytesIn:            c.BytesIn,
		BytesOut:           c.BytesOut,
		ReconnectCount:     c.ReconnectCount,
		TotalUptime:        c.TotalUptime,
		LatencyMs:          c.LatencyMs,
		LastKeepaliveAt:    c.LastKeepaliveAt,
		HealthChecksOK:     c.HealthChecksOK,
		HealthChecksFailed: c.HealthChecksFailed,
	}
}

// Transition records one state change for the debug transition log.
type Transition struct {
	From      State
	To        State
	Timestamp time.Time
	Reason    string
}

const transitionBufferSize = 50

// EventSink receives classified lifecycle events for the Event Bus.
type EventSink interface {
	Emit(eventType string, fields map[string]interface{})
}

// StatsSink receives periodic samples for the Stats Store.
type StatsSink interface {
	RecordSample(serverID string, uptimeSec int, bytesIn, bytesOut int64, latencyMs *int, reconnectCount int, disconnectReason string)
}

// PortOwnership answers the port-busy protocol's ownership question (spec
// §4.6.2): is socksPort already owned by this process or an in-flight
// reconnect, per the persisted owned-tunnels set?
type PortOwnership interface {
	IsOwnedByUs(socksPort int) bool
	Claim(socksPort int, serverID string)
	Release(socksPort int)
}

// Worker owns one SSH client and one local SOCKS5 listener.
type Worker struct {
	cfg  Config
	sink EventSink
	stats StatsSink
	ports PortOwnership

	mu         sync.Mutex
	state      State
	transitions [transitionBufferSize]Transition
	head, count int

	client   *ssh.Client
	listener net.Listener
	counters *Counters

	isExternal bool
	reason     string // last FAILED/disconnect reason

	cancel func()
	done   chan struct{}
}

// NewWorker constructs a Worker in the IDLE state. initReconnectCount and
// initUptime seed the worker's counters from a previous session for this
// same serverId (0/0 on a first-ever connect), so ReconnectCount and
// TotalUptime accumulate across reconnects rather than resetting.
func NewWorker(cfg Config, sink EventSink, stats StatsSink, ports PortOwnership, initReconnectCount int, initUptime time.Duration) *Worker {
	return &Worker{
		cfg:      cfg,
		sink:     sink,
		stats:    stats,
		ports:    ports,
		state:    StateIdle,
		counters: &Counters{ReconnectCount: initReconnectCount, TotalUptime: initUptime},
		done:     make(chan struct{}),
	}
}

// NewExternalWorker constructs a Worker representing a pre-existing proxy
// found by the port scanner: no SSH session and no owned listener, just a
// registered ActiveTunnel record flagged isExternal so it is never drained,
// health-checked, or reconnected.
func NewExternalWorker(cfg Config) *Worker {
	w := &Worker{
		cfg:        cfg,
		state:      StateConnected,
		isExternal: true,
		counters:   &Counters{},
		done:       make(chan struct{}),
	}
	w.transitions[0] = Transition{From: StateIdle, To: StateConnected, Timestamp: time.Now(), Reason: "discovered by port scan"}
	w.head = 1
	w.count = 1
	return w
}

func (w *Worker) setState(to State, reason string) {
	w.mu.Lock()
	from := w.state
	w.state = to
	w.reason = reason
	w.transitions[w.head] = Transition{From: from, To: to, Timestamp: time.Now(), Reason: reason}
	w.head = (w.head + 1) % transitionBufferSize
	if w.count < transitionBufferSize {
		w.count++
	}
	w.mu.Unlock()
}

// State returns the worker's current state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Transitions returns the transition history, oldest first.
func (w *Worker) Transitions() []Transition {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.count == 0 {
		return nil
	}
	out := make([]Transition, w.count)
	if w.count < transitionBufferSize {
		copy(out, w.transitions[:w.count])
	} else {
		n := copy(out, w.transitions[w.head:])
		copy(out[n:], w.transitions[:w.head])
	}
	return out
}

// Counters returns a snapshot of the worker's byte/latency counters.
func (w *Worker) Counters() Counters {
	return w.counters.snapshot()
}

// IsExternal reports whether this worker adopted a pre-existing, externally
// owned listener rather than binding its own.
func (w *Worker) IsExternal() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.isExternal
}

// ServerID returns the id this worker was constructed for.
func (w *Worker) ServerID() string { return w.cfg.ServerID }

func (w *Worker) emit(eventType string, fields map[string]interface{}) {
	if w.sink == nil {
		return
	}
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["serverId"] = w.cfg.ServerID
	w.sink.Emit(eventType, fields)
}
