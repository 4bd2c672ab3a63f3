package eventbus

import (
	"testing"
	"time"
)

func TestSubscribePublishFIFO(t *testing.T) {
	b := NewBus()
	defer b.Close()

	_, ch := b.Subscribe()

	b.Publish(New("connected", map[string]interface{}{"serverId": "a"}))
	b.Publish(New("disconnected", map[string]interface{}{"serverId": "a"}))

	first := <-ch
	second := <-ch

	if first.Type != "connected" || second.Type != "disconnected" {
		t.Fatalf("expected FIFO delivery, got %s then %s", first.Type, second.Type)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus()
	defer b.Close()

	h, ch := b.Subscribe()
	b.Unsubscribe(h)

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel after unsubscribe")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for channel close")
	}
}

func TestSlowConsumerEvicted(t *testing.T) {
	b := NewBus()
	defer b.Close()

	h, ch := b.Subscribe()
	_ = ch

	for i := 0; i < subscriberQueueSize+10; i++ {
		b.Publish(New("stats", nil))
	}

	b.mu.Lock()
	_, stillSubscribed := b.subs[h]
	b.mu.Unlock()

	if stillSubscribed {
		t.Fatalf("expected slow consumer to be evicted")
	}
}

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	b := NewBus()
	defer b.Close()

	_, ch1 := b.Subscribe()
	_, ch2 := b.Subscribe()

	b.Publish(New("ping", nil))

	select {
	case <-ch1:
	case <-time.After(time.Second):
		t.Fatalf("subscriber 1 did not receive event")
	}
	select {
	case <-ch2:
	case <-time.After(time.Second):
		t.Fatalf("subscriber 2 did not receive event")
	}
}
