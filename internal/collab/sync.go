package collab

import (
	"context"
	"fmt"

	"github.com/automerge/automerge-go"
	"go.uber.org/zap"
)

// RequestSync returns the room's current merged state: the persisted
// snapshot, if any, combined with every fragment in the update log in log
// order. A key with no snapshot and no fragments yields nil bytes, the
// explicit empty marker telling the requester its local state is
// authoritative. The operation is repeatable and never mutates the log.
func (s *Service) RequestSync(ctx context.Context, key RoomKey) ([]byte, error) {
	if s.registry.isClosed() {
		return nil, newServiceError(opRequestSync, reasonServiceClosed, ErrServiceClosed)
	}

	var fragments [][]byte
	if r, ok := s.registry.lookup(key); ok {
		r.mu.Lock()
		fragments = append([][]byte(nil), r.updateLog...)
		r.mu.Unlock()
	}

	snapshot, found, err := s.store.LoadSnapshot(ctx, key.SessionID(), key.FileID())
	if err != nil {
		s.logError(opRequestSync, reasonSnapshotLoadFailed, err, zap.String(fieldRoom, key.String()))
		return nil, newServiceError(opRequestSync, reasonSnapshotLoadFailed, err)
	}
	if !found && len(fragments) == 0 {
		return nil, nil
	}

	merged, err := s.mergeRoomState(key, snapshot, fragments)
	if err != nil {
		s.logError(opRequestSync, reasonMergeFailed, err, zap.String(fieldRoom, key.String()))
		return nil, newServiceError(opRequestSync, reasonMergeFailed, err)
	}
	return merged, nil
}

// mergeRoomState folds the update log into the snapshot document. Fragments
// that fail to decode are skipped with a warning; one poison fragment must
// not take down the merge. A snapshot that fails to decode is an error, not
// something to silently discard.
func (s *Service) mergeRoomState(key RoomKey, snapshot []byte, fragments [][]byte) ([]byte, error) {
	doc := automerge.New()
	if len(snapshot) > 0 {
		loaded, err := automerge.Load(snapshot)
		if err != nil {
			return nil, fmt.Errorf("load snapshot: %w", err)
		}
		doc = loaded
	}

	for index, fragment := range fragments {
		if err := mergeFragment(doc, fragment); err != nil {
			s.loggerOrDefault().Warn("skipping malformed fragment during merge",
				zap.String(fieldRoom, key.String()),
				zap.Int("log_index", index),
				zap.Error(err))
		}
	}
	return doc.Save(), nil
}

// mergeFragment applies one opaque fragment to doc. Fragments are complete
// automerge change sets; changes the document already knows are no-ops, so
// overlapping fragments merge cleanly in any order.
func mergeFragment(doc *automerge.Doc, fragment []byte) error {
	incoming, err := automerge.Load(fragment)
	if err != nil {
		return err
	}
	changes, err := incoming.Changes()
	if err != nil {
		return err
	}
	return doc.Apply(changes...)
}

// validateFragment rejects bytes that do not decode under the CRDT codec.
func validateFragment(fragment []byte) error {
	_, err := automerge.Load(fragment)
	return err
}
