// health.go implements the Health Monitor: a periodic background goroutine
// that probes every live connection and records latency, on a 30s tick
// with a 15s total probe timeout, by running a no-op command over a fresh
// SSH session.
package tunnel

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	healthInterval    = 30 * time.Second
	healthProbeBudget = 15 * time.Second
	healthCommand     = "true"
)

// WorkerSource enumerates the non-external workers the Health Monitor
// should probe, and reports a synthesized disconnect back to the caller.
type WorkerSource interface {
	LiveWorkers() []*Worker
	OnDisconnect(serverID, reason string)
}

// HealthMonitor runs the periodic liveness/latency probe loop.
type HealthMonitor struct {
	source WorkerSource
	stats  StatsSink
	sink   EventSink

	cancel context.CancelFunc
}

// NewHealthMonitor constructs a HealthMonitor.
func NewHealthMonitor(source WorkerSource, stats StatsSink, sink EventSink) *HealthMonitor {
	return &HealthMonitor{source: source, stats: stats, sink: sink}
}

// Start begins the 30s probe loop; it stops when ctx is cancelled or Stop
// is called.
func (h *HealthMonitor) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	go func() {
		ticker := time.NewTicker(healthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				h.probeAll()
			}
		}
	}()
}

// Stop halts the probe loop.
func (h *HealthMonitor) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
}

func (h *HealthMonitor) probeAll() {
	for _, w := range h.source.LiveWorkers() {
		h.probeOne(w)
	}
}

func (h *HealthMonitor) probeOne(w *Worker) {
	w.mu.Lock()
	client := w.client
	w.mu.Unlock()

	if client == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), healthProbeBudget)
	defer cancel()

	latency, err := measureLatency(ctx, client)
	if err != nil {
		w.counters.recordHealthCheck(false)
		w.setState(StateFailed, "keepalive_timeout")
		h.source.OnDisconnect(w.cfg.ServerID, "keepalive_timeout")
		w.emit("disconnected", map[string]interface{}{"reason": "keepalive_timeout"})
		return
	}

	w.counters.recordHealthCheck(true)
	w.counters.setLatency(latency)
	counters := w.counters.snapshot()
	h.stats.RecordSample(w.cfg.ServerID, int(healthInterval.Seconds()), counters.BytesIn, counters.BytesOut, latency, counters.ReconnectCount, "")
	h.sink.Emit("stats", map[string]interface{}{
		"serverId":  w.cfg.ServerID,
		"bytesIn":   counters.BytesIn,
		"bytesOut":  counters.BytesOut,
		"latencyMs": latency,
	})
}

func measureLatency(ctx context.Context, client *ssh.Client) (*int, error) {
	start := time.Now()
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	done := make(chan error, 1)
	go func() { done <- session.Run(healthCommand) }()

	select {
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("health probe command failed: %w", err)
		}
		ms := int(time.Since(start).Milliseconds())
		return &ms, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("health probe timed out")
	}
}
