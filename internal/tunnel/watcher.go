// watcher.go reacts to an externally supplied stream of online/offline
// transitions. The platform's own network-availability notifier is out of
// scope here; it is abstracted away as an injected channel.
package tunnel

import (
	"context"
	"time"
)

const networkSettleDelay = 3 * time.Second

// NetworkEvent is one connectivity transition.
type NetworkEvent struct {
	Online bool
}

// ReconnectAllFunc is invoked once, after the settle delay, on an online
// transition.
type ReconnectAllFunc func(ctx context.Context)

// Watcher consumes an injected network-event channel.
type Watcher struct {
	events       <-chan NetworkEvent
	reconnectAll ReconnectAllFunc
}

// NewWatcher constructs a Watcher over events, invoking reconnectAll after
// each online transition's settle delay.
func NewWatcher(events <-chan NetworkEvent, reconnectAll ReconnectAllFunc) *Watcher {
	return &Watcher{events: events, reconnectAll: reconnectAll}
}

// Run consumes events until ctx is cancelled or the channel closes.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.events:
			if !ok {
				return
			}
			if ev.Online {
				w.handleOnline(ctx)
			}
			// Offline: workers detect loss via health/SSH done, no
			// immediate action needed here.
		}
	}
}

func (w *Watcher) handleOnline(ctx context.Context) {
	timer := time.NewTimer(networkSettleDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
		w.reconnectAll(ctx)
	}
}
