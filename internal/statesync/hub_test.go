package statesync

import (
	"testing"
	"time"
)

func ev(entity string, status string, version uint64) Event {
	return Event{EntityID: entity, Kind: KindOrder, NewStatus: status, Version: version, Timestamp: time.Now()}
}

func TestPublishFansOutToEntityAndAdmin(t *testing.T) {
	h := NewHub()
	orderCh, cancelOrder := h.Subscribe(OrderChannel("o1"), 4)
	defer cancelOrder()
	adminCh, cancelAdmin := h.Subscribe(AdminChannel, 4)
	defer cancelAdmin()
	otherCh, cancelOther := h.Subscribe(OrderChannel("o2"), 4)
	defer cancelOther()

	h.Publish(ev("o1", "accepted", 2))

	select {
	case got := <-orderCh:
		if got.Version != 2 || got.NewStatus != "accepted" {
			t.Fatalf("unexpected event %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("order subscriber did not receive event")
	}
	select {
	case <-adminCh:
	case <-time.After(time.Second):
		t.Fatal("admin subscriber did not receive event")
	}
	select {
	case got := <-otherCh:
		t.Fatalf("unrelated subscriber received %+v", got)
	default:
	}
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	h := NewHub()
	_, cancel := h.Subscribe(OrderChannel("o1"), 1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := uint64(1); i <= 100; i++ {
			h.Publish(ev("o1", "pending", i))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestNextVersionMonotonic(t *testing.T) {
	h := NewHub()
	var last uint64
	for i := 0; i < 10; i++ {
		v := h.NextVersion("d1")
		if v <= last {
			t.Fatalf("version not monotonic: %d after %d", v, last)
		}
		last = v
	}
	if h.NextVersion("d2") != 1 {
		t.Fatal("versions must be per entity")
	}
}

func TestSnapshotKeepsLatest(t *testing.T) {
	h := NewHub()
	h.Publish(ev("o1", "pending", 1))
	h.Publish(ev("o1", "accepted", 3))
	h.Publish(ev("o1", "pending", 2)) // late duplicate, lower version

	got, ok := h.Snapshot("o1")
	if !ok || got.Version != 3 || got.NewStatus != "accepted" {
		t.Fatalf("snapshot not latest: %+v", got)
	}
	if _, ok := h.Snapshot("missing"); ok {
		t.Fatal("snapshot for unknown entity")
	}
}

func TestCancelClosesStream(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe(OrderChannel("o1"), 1)
	cancel()
	if _, open := <-ch; open {
		t.Fatal("expected closed channel after cancel")
	}
	// double cancel is safe
	cancel()
	// publishing after cancel must not panic or deliver
	h.Publish(ev("o1", "pending", 1))
}
