package collab

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Unix(1700000000, 0).UTC()}
}

func (clock *manualClock) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.now
}

func (clock *manualClock) Advance(d time.Duration) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.now = clock.now.Add(d)
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool, message string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, message)
}

func awaitToken(t *testing.T, tokens <-chan struct{}, label string) {
	t.Helper()

	select {
	case <-tokens:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", label)
	}
}

func pendingFragments(service *Service, key string) int {
	for _, summary := range service.Rooms() {
		if summary.Key == key {
			return summary.PendingFragments
		}
	}
	return 0
}

func TestFlushCoalescesBurstIntoSingleWrite(t *testing.T) {
	store := newStubSnapshotStore()
	service := newRelayService(t, store, func(cfg *ServiceConfig) {
		cfg.DebounceWindow = 50 * time.Millisecond
	})
	key := mustRoomKey(t, "s1::main.js")
	sender := mustJoin(t, service, key, "conn-a")

	for i := 0; i < 5; i++ {
		fragment := buildFragment(t, fmt.Sprintf("line%d", i), i)
		if err := service.RelayUpdate(key, sender.ConnectionID(), fragment); err != nil {
			t.Fatalf("relay %d failed: %v", i, err)
		}
	}

	waitFor(t, 2*time.Second, func() bool { return store.attempts() >= 1 }, "debounced flush")
	time.Sleep(150 * time.Millisecond)

	if got := store.attempts(); got != 1 {
		t.Fatalf("expected the burst to coalesce into one write, got %d", got)
	}
	if got := pendingFragments(service, "s1::main.js"); got != 0 {
		t.Fatalf("expected trimmed log after flush, got %d pending", got)
	}

	state, ok := store.snapshot("s1", "main.js")
	if !ok {
		t.Fatalf("expected persisted snapshot")
	}
	if got := decodeField(t, state, "line0"); got != int64(0) {
		t.Fatalf("expected first burst fragment in snapshot, got %#v", got)
	}
	if got := decodeField(t, state, "line4"); got != int64(4) {
		t.Fatalf("expected last burst fragment in snapshot, got %#v", got)
	}
}

func TestFlushLatencyBoundedUnderContinuousUpdates(t *testing.T) {
	store := newStubSnapshotStore()
	service := newRelayService(t, store, func(cfg *ServiceConfig) {
		cfg.DebounceWindow = 40 * time.Millisecond
	})
	key := mustRoomKey(t, "s1::main.js")
	sender := mustJoin(t, service, key, "conn-a")

	// Updates arrive faster than the debounce window for the whole stretch.
	// A debouncer that re-armed on every fragment would never write.
	for i := 0; i < 20; i++ {
		fragment := buildFragment(t, fmt.Sprintf("line%d", i), i)
		if err := service.RelayUpdate(key, sender.ConnectionID(), fragment); err != nil {
			t.Fatalf("relay %d failed: %v", i, err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if got := store.attempts(); got < 2 {
		t.Fatalf("expected flushes during continuous traffic, got %d", got)
	}

	waitFor(t, 2*time.Second, func() bool {
		return pendingFragments(service, "s1::main.js") == 0
	}, "trailing flush")

	state, ok := store.snapshot("s1", "main.js")
	if !ok {
		t.Fatalf("expected persisted snapshot")
	}
	if got := decodeField(t, state, "line0"); got != int64(0) {
		t.Fatalf("expected earliest fragment persisted, got %#v", got)
	}
	if got := decodeField(t, state, "line19"); got != int64(19) {
		t.Fatalf("expected latest fragment persisted, got %#v", got)
	}
}

func TestFlushRetriesUntilStoreRecovers(t *testing.T) {
	store := newStubSnapshotStore()
	store.failSavesRemaining = 2
	service := newRelayService(t, store, func(cfg *ServiceConfig) {
		cfg.DebounceWindow = 20 * time.Millisecond
		cfg.FlushBackoff = 10 * time.Millisecond
	})
	key := mustRoomKey(t, "s1::main.js")
	sender := mustJoin(t, service, key, "conn-a")

	if err := service.RelayUpdate(key, sender.ConnectionID(), buildFragment(t, "line1", "kept through failures")); err != nil {
		t.Fatalf("relay failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		_, ok := store.snapshot("s1", "main.js")
		return ok
	}, "flush to succeed after retries")

	if got := store.attempts(); got < 3 {
		t.Fatalf("expected failed attempts before success, got %d", got)
	}
	if got := pendingFragments(service, "s1::main.js"); got != 0 {
		t.Fatalf("expected log trimmed after recovery, got %d pending", got)
	}

	state, _ := store.snapshot("s1", "main.js")
	if got := decodeField(t, state, "line1"); got != "kept through failures" {
		t.Fatalf("unexpected persisted value %#v", got)
	}
}

func TestFragmentsArrivingDuringFlushSurviveTrim(t *testing.T) {
	store := newStubSnapshotStore()
	store.saveStarted = make(chan struct{}, 4)
	store.saveRelease = make(chan struct{}, 4)
	service := newRelayService(t, store, func(cfg *ServiceConfig) {
		cfg.DebounceWindow = 20 * time.Millisecond
	})
	key := mustRoomKey(t, "s1::main.js")
	sender := mustJoin(t, service, key, "conn-a")

	if err := service.RelayUpdate(key, sender.ConnectionID(), buildFragment(t, "edit1", "in first batch")); err != nil {
		t.Fatalf("first relay failed: %v", err)
	}

	awaitToken(t, store.saveStarted, "first flush to start")

	// This fragment lands while the write is in flight; the trim afterwards
	// must leave it in the log for the next cycle.
	if err := service.RelayUpdate(key, sender.ConnectionID(), buildFragment(t, "edit2", "during the write")); err != nil {
		t.Fatalf("second relay failed: %v", err)
	}
	store.saveRelease <- struct{}{}

	awaitToken(t, store.saveStarted, "second flush to start")
	store.saveRelease <- struct{}{}

	waitFor(t, 2*time.Second, func() bool {
		return pendingFragments(service, "s1::main.js") == 0
	}, "second flush to trim the log")

	if got := store.attempts(); got != 2 {
		t.Fatalf("expected exactly two writes, got %d", got)
	}
	state, _ := store.snapshot("s1", "main.js")
	if got := decodeField(t, state, "edit1"); got != "in first batch" {
		t.Fatalf("unexpected first value %#v", got)
	}
	if got := decodeField(t, state, "edit2"); got != "during the write" {
		t.Fatalf("unexpected second value %#v", got)
	}
}

func TestIdleSweepRetainsDirtyRoomUntilFlushSucceeds(t *testing.T) {
	clock := newManualClock()
	store := newStubSnapshotStore()
	store.failSavesRemaining = 1000
	service := newRelayService(t, store, func(cfg *ServiceConfig) {
		cfg.Clock = clock.Now
		cfg.IdleTimeout = 200 * time.Millisecond
		cfg.FlushBackoff = time.Hour
	})
	key := mustRoomKey(t, "s1::main.js")
	sender := mustJoin(t, service, key, "conn-a")

	if err := service.RelayUpdate(key, sender.ConnectionID(), buildFragment(t, "line1", "must not vanish")); err != nil {
		t.Fatalf("relay failed: %v", err)
	}
	sender.Leave()

	if got := len(service.Rooms()); got != 1 {
		t.Fatalf("expected dirty room to survive the failed departure flush, got %d rooms", got)
	}

	service.sweepIdleRooms(context.Background())
	if got := len(service.Rooms()); got != 1 {
		t.Fatalf("expected sweep to retain a room inside the idle window, got %d rooms", got)
	}

	clock.Advance(250 * time.Millisecond)
	service.sweepIdleRooms(context.Background())
	if got := len(service.Rooms()); got != 1 {
		t.Fatalf("expected sweep to retain an unflushable room, got %d rooms", got)
	}
	if _, ok := store.snapshot("s1", "main.js"); ok {
		t.Fatalf("store should still be failing")
	}

	store.heal()
	service.sweepIdleRooms(context.Background())

	if got := len(service.Rooms()); got != 0 {
		t.Fatalf("expected flushed idle room to be evicted, got %d rooms", got)
	}
	state, ok := store.snapshot("s1", "main.js")
	if !ok {
		t.Fatalf("expected eviction to persist the pending fragment first")
	}
	if got := decodeField(t, state, "line1"); got != "must not vanish" {
		t.Fatalf("unexpected persisted value %#v", got)
	}
}

func TestJanitorFlushesAndEvictsIdleRoom(t *testing.T) {
	store := newStubSnapshotStore()
	store.failSavesRemaining = 1
	service := newRelayService(t, store, func(cfg *ServiceConfig) {
		cfg.IdleTimeout = 100 * time.Millisecond
		cfg.FlushBackoff = time.Hour
	})
	key := mustRoomKey(t, "s1::main.js")
	sender := mustJoin(t, service, key, "conn-a")

	if err := service.RelayUpdate(key, sender.ConnectionID(), buildFragment(t, "line1", "janitor persists me")); err != nil {
		t.Fatalf("relay failed: %v", err)
	}
	sender.Leave()

	if got := len(service.Rooms()); got != 1 {
		t.Fatalf("expected dirty room after failed departure flush, got %d rooms", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	service.StartJanitor(ctx)

	waitFor(t, 3*time.Second, func() bool {
		_, ok := store.snapshot("s1", "main.js")
		return ok && len(service.Rooms()) == 0
	}, "janitor to flush and evict the idle room")

	state, _ := store.snapshot("s1", "main.js")
	if got := decodeField(t, state, "line1"); got != "janitor persists me" {
		t.Fatalf("unexpected persisted value %#v", got)
	}
}
