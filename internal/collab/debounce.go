package collab

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// flushState tracks the per-room persistence debouncer.
//
//	flushIdle      no write pending
//	flushScheduled debounce timer armed; further fragments do NOT re-arm it,
//	               so flush latency stays bounded under continuous traffic
//	flushFlushing  merge-and-write in progress, or awaiting a retry backoff
type flushState int

const (
	flushIdle flushState = iota
	flushScheduled
	flushFlushing
)

// scheduleFlushLocked arms the debounce timer. Caller holds r.mu.
func (s *Service) scheduleFlushLocked(r *room) {
	if r.flushState != flushIdle {
		return
	}
	r.flushState = flushScheduled
	key := r.key
	r.flushTimer = time.AfterFunc(s.debounceWindow, func() {
		s.flushTimerFired(key)
	})
}

func (s *Service) flushTimerFired(key RoomKey) {
	r, ok := s.registry.lookup(key)
	if !ok {
		return
	}
	r.mu.Lock()
	if r.flushState != flushScheduled {
		r.mu.Unlock()
		return
	}
	r.flushState = flushFlushing
	r.mu.Unlock()

	if err := s.flushOnce(context.Background(), r); err != nil {
		s.handleFlushFailure(r, err)
	}
}

func (s *Service) retryFlush(key RoomKey) {
	r, ok := s.registry.lookup(key)
	if !ok {
		return
	}
	r.mu.Lock()
	retryable := r.flushState == flushFlushing
	r.mu.Unlock()
	if !retryable {
		return
	}
	if err := s.flushOnce(context.Background(), r); err != nil {
		s.handleFlushFailure(r, err)
	}
}

// forceFlush flushes the room synchronously, bypassing the debounce timer.
// Used on room teardown and service shutdown. On failure the fragments stay
// in the log and the backoff retry cycle keeps running.
func (s *Service) forceFlush(ctx context.Context, r *room) error {
	r.mu.Lock()
	if r.flushState == flushScheduled && r.flushTimer != nil {
		r.flushTimer.Stop()
	}
	r.flushState = flushFlushing
	r.mu.Unlock()

	if err := s.flushOnce(ctx, r); err != nil {
		s.handleFlushFailure(r, err)
		return err
	}
	return nil
}

// flushOnce performs one merge-and-write attempt. The room lock is held only
// to copy the log prefix and to finalize, so storage I/O never blocks the
// relay of this or any other room.
func (s *Service) flushOnce(ctx context.Context, r *room) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	pending := len(r.updateLog)
	fragments := append([][]byte(nil), r.updateLog...)
	key := r.key
	r.mu.Unlock()

	if pending == 0 {
		s.finishFlush(r, 0)
		return nil
	}

	snapshot, _, err := s.store.LoadSnapshot(ctx, key.SessionID(), key.FileID())
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	merged, err := s.mergeRoomState(key, snapshot, fragments)
	if err != nil {
		return err
	}
	if err := s.store.SaveSnapshot(ctx, key.SessionID(), key.FileID(), merged, s.clock().UTC()); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	s.finishFlush(r, pending)
	s.loggerOrDefault().Debug("room state flushed",
		zap.String(fieldRoom, key.String()),
		zap.Int(fieldFragments, pending))
	return nil
}

// finishFlush trims the incorporated log prefix. Fragments that arrived
// during the write survive the trim and start a new scheduled cycle.
func (s *Service) finishFlush(r *room, incorporated int) {
	r.mu.Lock()
	r.updateLog = append([][]byte(nil), r.updateLog[incorporated:]...)
	r.flushAttempts = 0
	if len(r.updateLog) > 0 {
		r.flushState = flushScheduled
		key := r.key
		r.flushTimer = time.AfterFunc(s.debounceWindow, func() {
			s.flushTimerFired(key)
		})
	} else {
		r.flushState = flushIdle
	}
	removable := len(r.subscribers) == 0 && len(r.updateLog) == 0 && r.flushState == flushIdle
	r.mu.Unlock()

	if removable {
		if s.registry.removeIfEmpty(r) {
			s.loggerOrDefault().Info("room closed", zap.String(fieldRoom, r.key.String()))
		}
	}
}

func (s *Service) handleFlushFailure(r *room, flushErr error) {
	r.mu.Lock()
	r.flushAttempts++
	attempts := r.flushAttempts
	key := r.key
	r.mu.Unlock()

	s.logError(opFlushRoom, reasonSnapshotSaveFailed, flushErr,
		zap.String(fieldRoom, key.String()),
		zap.Int(fieldAttempts, attempts))
	if attempts >= flushRetryWarnThreshold {
		s.loggerOrDefault().Warn("flush retries exceeding threshold",
			zap.String(fieldRoom, key.String()),
			zap.Int(fieldAttempts, attempts))
	}

	time.AfterFunc(s.backoffFor(attempts), func() {
		s.retryFlush(key)
	})
}

func (s *Service) backoffFor(attempts int) time.Duration {
	backoff := s.flushBackoff
	for i := 1; i < attempts; i++ {
		backoff *= 2
		if backoff >= maxFlushBackoff {
			return maxFlushBackoff
		}
	}
	return backoff
}
