package collab

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// registry owns the room map. Lock order is registry.mu before room.mu;
// no caller may touch the registry while holding a room lock.
type registry struct {
	mu     sync.RWMutex
	rooms  map[string]*room
	closed bool
}

func (reg *registry) isClosed() bool {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.closed
}

// join atomically resolves the room for key, creating it when absent, and
// registers the subscriber. A second join for the same connection id fails.
func (reg *registry) join(key RoomKey, sub *subscriber, now time.Time) (*room, bool, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.closed {
		return nil, false, ErrServiceClosed
	}

	r, exists := reg.rooms[key.String()]
	created := false
	if !exists {
		r = newRoom(key, now)
		reg.rooms[key.String()] = r
		created = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, duplicate := r.subscribers[sub.id]; duplicate {
		return nil, false, ErrAlreadySubscribed
	}
	r.subscribers[sub.id] = sub
	r.lastActivityAt = now
	return r, created, nil
}

func (reg *registry) lookup(key RoomKey) (*room, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.rooms[key.String()]
	return r, ok
}

// removeIfEmpty deletes the entry for r only when r is still the registered
// room for its key, has no subscribers, and its log is fully flushed.
func (reg *registry) removeIfEmpty(r *room) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	current, ok := reg.rooms[r.key.String()]
	if !ok || current != r {
		return false
	}

	r.mu.Lock()
	removable := len(r.subscribers) == 0 && len(r.updateLog) == 0 && r.flushState == flushIdle
	r.mu.Unlock()
	if !removable {
		return false
	}
	delete(reg.rooms, r.key.String())
	return true
}

func (reg *registry) snapshotRooms() []*room {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	rooms := make([]*room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		rooms = append(rooms, r)
	}
	return rooms
}

// closeAndDetach marks the registry closed and hands every room to the caller.
func (reg *registry) closeAndDetach() []*room {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.closed = true
	rooms := make([]*room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		rooms = append(rooms, r)
	}
	reg.rooms = make(map[string]*room)
	return rooms
}

// Rooms returns summaries of every live room, ordered by key.
func (s *Service) Rooms() []RoomSummary {
	rooms := s.registry.snapshotRooms()
	summaries := make([]RoomSummary, 0, len(rooms))
	for _, r := range rooms {
		r.mu.Lock()
		summaries = append(summaries, RoomSummary{
			Key:              r.key.String(),
			Subscribers:      len(r.subscribers),
			PendingFragments: len(r.updateLog),
			LastActivityUnix: r.lastActivityAt.Unix(),
		})
		r.mu.Unlock()
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Key < summaries[j].Key
	})
	return summaries
}

// StartJanitor sweeps idle rooms on a ticker until ctx is cancelled.
func (s *Service) StartJanitor(ctx context.Context) {
	interval := s.idleTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	if interval > time.Minute {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweepIdleRooms(ctx)
			}
		}
	}()
}

// sweepIdleRooms removes empty flushed rooms and force-flushes empty rooms
// whose fragments outlived the idle window. Rooms whose flush keeps failing
// are retained so no fragment is lost.
func (s *Service) sweepIdleRooms(ctx context.Context) {
	now := s.clock().UTC()
	for _, r := range s.registry.snapshotRooms() {
		r.mu.Lock()
		empty := len(r.subscribers) == 0
		idleFor := now.Sub(r.lastActivityAt)
		pending := len(r.updateLog)
		state := r.flushState
		r.mu.Unlock()

		if !empty {
			continue
		}
		if pending == 0 && state == flushIdle {
			if s.registry.removeIfEmpty(r) {
				s.loggerOrDefault().Info("idle room closed", zap.String(fieldRoom, r.key.String()))
			}
			continue
		}
		if idleFor < s.idleTimeout {
			continue
		}
		if err := s.forceFlush(ctx, r); err != nil {
			s.logError(opSweepRooms, reasonSnapshotSaveFailed, err,
				zap.String(fieldRoom, r.key.String()),
				zap.Int(fieldFragments, pending))
			continue
		}
		if s.registry.removeIfEmpty(r) {
			s.loggerOrDefault().Info("idle room closed", zap.String(fieldRoom, r.key.String()))
		}
	}
}
