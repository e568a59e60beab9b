package collab

import (
	"sync"
	"time"
)

type room struct {
	key RoomKey

	mu             sync.Mutex
	subscribers    map[ConnectionID]*subscriber
	updateLog      [][]byte
	lastActivityAt time.Time
	flushState     flushState
	flushTimer     *time.Timer
	flushAttempts  int

	// flushMu serializes flush attempts so two flushes never trim the same
	// log prefix twice.
	flushMu sync.Mutex
}

func newRoom(key RoomKey, now time.Time) *room {
	return &room{
		key:            key,
		subscribers:    make(map[ConnectionID]*subscriber),
		lastActivityAt: now,
	}
}

type subscriber struct {
	id        ConnectionID
	stream    chan Message
	closeOnce sync.Once
}

func (sub *subscriber) close() {
	sub.closeOnce.Do(func() {
		close(sub.stream)
	})
}

// broadcastLocked delivers the message to every subscriber except skip.
// Caller holds r.mu. Returns the ids whose buffers were full.
func (r *room) broadcastLocked(message Message, skip ConnectionID) []ConnectionID {
	var stalled []ConnectionID
	for id, sub := range r.subscribers {
		if id == skip {
			continue
		}
		select {
		case sub.stream <- message:
		default:
			stalled = append(stalled, id)
		}
	}
	return stalled
}

func (r *room) removeSubscriberLocked(id ConnectionID) (*subscriber, bool) {
	sub, ok := r.subscribers[id]
	if !ok {
		return nil, false
	}
	delete(r.subscribers, id)
	return sub, true
}

func (r *room) closeSubscribers() {
	r.mu.Lock()
	detached := make([]*subscriber, 0, len(r.subscribers))
	for _, sub := range r.subscribers {
		detached = append(detached, sub)
	}
	r.subscribers = make(map[ConnectionID]*subscriber)
	r.mu.Unlock()
	for _, sub := range detached {
		sub.close()
	}
}

// Subscription is the handle returned from Join. Dropping a connection must
// call Leave exactly once; extra calls are no-ops.
type Subscription struct {
	service *Service
	room    *room
	id      ConnectionID
	stream  chan Message
	done    chan struct{}
	once    sync.Once
}

// Messages returns the ordered delivery stream for this subscriber. The
// channel closes after Leave.
func (sub *Subscription) Messages() <-chan Message {
	return sub.stream
}

// Room returns the key of the joined room.
func (sub *Subscription) Room() RoomKey {
	return sub.room.key
}

// ConnectionID returns the subscriber's connection identifier.
func (sub *Subscription) ConnectionID() ConnectionID {
	return sub.id
}

// Leave detaches the subscriber, notifies the remaining peers, and flushes
// the room if this was the last member.
func (sub *Subscription) Leave() {
	sub.once.Do(func() {
		close(sub.done)
		sub.service.leave(sub.room, sub.id)
	})
}
