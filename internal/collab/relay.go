package collab

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Join subscribes a connection to the room for key, creating the room on
// first join. The returned Subscription delivers peer updates until Leave.
// Cancelling ctx leaves implicitly. Joining never triggers a sync; clients
// request one explicitly via RequestSync.
func (s *Service) Join(ctx context.Context, key RoomKey, connectionID ConnectionID) (*Subscription, error) {
	sub := &subscriber{
		id:     connectionID,
		stream: make(chan Message, s.sendBufferDepth),
	}
	r, created, err := s.registry.join(key, sub, s.clock().UTC())
	if err != nil {
		reason := reasonServiceClosed
		if err == ErrAlreadySubscribed {
			reason = reasonAlreadySubscribed
		}
		return nil, newServiceError(opJoin, reason, err)
	}
	if created {
		s.loggerOrDefault().Info("room opened", zap.String(fieldRoom, key.String()))
	}

	subscription := &Subscription{
		service: s,
		room:    r,
		id:      connectionID,
		stream:  sub.stream,
		done:    make(chan struct{}),
	}
	go func() {
		select {
		case <-ctx.Done():
			subscription.Leave()
		case <-subscription.done:
		}
	}()
	return subscription, nil
}

// leave detaches the connection from the room, announces the departure to
// the remaining peers, and on emptying the room flushes it synchronously so
// the final edits of a departing session are never lost.
func (s *Service) leave(r *room, connectionID ConnectionID) {
	r.mu.Lock()
	sub, ok := r.removeSubscriberLocked(connectionID)
	if !ok {
		r.mu.Unlock()
		return
	}
	r.lastActivityAt = s.clock().UTC()
	empty := len(r.subscribers) == 0
	stalled := r.broadcastLocked(Message{
		Kind:   MessageKindPeerGone,
		Room:   r.key,
		Sender: connectionID,
	}, connectionID)
	r.mu.Unlock()

	sub.close()
	s.warnStalled(opLeave, r.key, stalled)

	if !empty {
		return
	}
	if err := s.forceFlush(context.Background(), r); err != nil {
		s.logError(opLeave, reasonSnapshotSaveFailed, err, zap.String(fieldRoom, r.key.String()))
		return
	}
	if s.registry.removeIfEmpty(r) {
		s.loggerOrDefault().Info("room closed", zap.String(fieldRoom, r.key.String()))
	}
}

// RelayUpdate validates the fragment, appends it to the room's update log,
// forwards it to every subscriber except the sender, and arms the
// persistence debouncer. A fragment that does not decode is rejected alone;
// it never reaches the log or the peers.
func (s *Service) RelayUpdate(key RoomKey, sender ConnectionID, fragment []byte) error {
	if s.registry.isClosed() {
		return newServiceError(opRelayUpdate, reasonServiceClosed, ErrServiceClosed)
	}
	if len(fragment) == 0 {
		return newServiceError(opRelayUpdate, reasonEmptyFragment, ErrMalformedFragment)
	}
	if err := validateFragment(fragment); err != nil {
		s.loggerOrDefault().Warn("update fragment rejected",
			zap.String(fieldRoom, key.String()),
			zap.String(fieldConnection, sender.String()),
			zap.Error(err))
		return newServiceError(opRelayUpdate, reasonMalformedFragment, fmt.Errorf("%w: %v", ErrMalformedFragment, err))
	}

	r, ok := s.registry.lookup(key)
	if !ok {
		return newServiceError(opRelayUpdate, reasonNotSubscribed, ErrNotSubscribed)
	}

	r.mu.Lock()
	if _, member := r.subscribers[sender]; !member {
		r.mu.Unlock()
		return newServiceError(opRelayUpdate, reasonNotSubscribed, ErrNotSubscribed)
	}
	r.updateLog = append(r.updateLog, fragment)
	r.lastActivityAt = s.clock().UTC()
	stalled := r.broadcastLocked(Message{
		Kind:    MessageKindUpdate,
		Room:    key,
		Sender:  sender,
		Payload: fragment,
	}, sender)
	s.scheduleFlushLocked(r)
	r.mu.Unlock()

	if len(stalled) > 0 {
		// A subscriber that cannot keep up with update traffic would diverge
		// silently; detach it so its client reconnects and resyncs.
		s.warnStalled(opRelayUpdate, key, stalled)
		for _, id := range stalled {
			s.leave(r, id)
		}
	}
	return nil
}

// RelayAwareness forwards an ephemeral presence fragment to every subscriber
// except the sender. Awareness never touches the update log and never
// triggers persistence.
func (s *Service) RelayAwareness(key RoomKey, sender ConnectionID, fragment []byte) error {
	if s.registry.isClosed() {
		return newServiceError(opRelayAwareness, reasonServiceClosed, ErrServiceClosed)
	}
	r, ok := s.registry.lookup(key)
	if !ok {
		return newServiceError(opRelayAwareness, reasonNotSubscribed, ErrNotSubscribed)
	}

	r.mu.Lock()
	if _, member := r.subscribers[sender]; !member {
		r.mu.Unlock()
		return newServiceError(opRelayAwareness, reasonNotSubscribed, ErrNotSubscribed)
	}
	r.lastActivityAt = s.clock().UTC()
	stalled := r.broadcastLocked(Message{
		Kind:    MessageKindAwareness,
		Room:    key,
		Sender:  sender,
		Payload: fragment,
	}, sender)
	r.mu.Unlock()

	s.warnStalled(opRelayAwareness, key, stalled)
	return nil
}

func (s *Service) warnStalled(operation string, key RoomKey, stalled []ConnectionID) {
	if len(stalled) == 0 {
		return
	}
	ids := make([]string, 0, len(stalled))
	for _, id := range stalled {
		ids = append(ids, id.String())
	}
	s.loggerOrDefault().Warn("subscriber delivery dropped",
		zap.String("operation", operation),
		zap.String(fieldRoom, key.String()),
		zap.Strings("connections", ids))
}
