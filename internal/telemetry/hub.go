package telemetry

import "sync"

// Hub fans progress records out to live subscribers. Publishing never blocks
// the worker that triggered the update: a slow subscriber loses its oldest
// buffered record, not the publisher's time.
type Hub struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// Subscription is one live feed from the hub. Receive from C; Cancel when
// done. A batchID of "" subscribes to every batch.
type Subscription struct {
	C chan Record

	hub     *Hub
	batchID string
	once    sync.Once
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a feed for one batch, or for all batches when batchID
// is empty. buffer is the channel depth; small values are fine because the
// hub keeps the newest records on overflow.
func (h *Hub) Subscribe(batchID string, buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	sub := &Subscription{
		C:       make(chan Record, buffer),
		hub:     h,
		batchID: batchID,
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Cancel removes the subscription. Safe to call more than once. The channel
// is not closed so a concurrent Publish never sends on a closed channel;
// readers should stop on Cancel, not on channel close.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		s.hub.mu.Unlock()
	})
}

// Publish delivers rec to every matching subscriber. When a subscriber's
// buffer is full the oldest buffered record is dropped so the newest state
// always gets through, including terminal transitions.
func (h *Hub) Publish(rec Record) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs {
		if sub.batchID != "" && sub.batchID != rec.BatchID {
			continue
		}
		select {
		case sub.C <- rec:
		default:
			select {
			case <-sub.C:
			default:
			}
			select {
			case sub.C <- rec:
			default:
			}
		}
	}
}

// SubscriberCount reports how many subscriptions are live.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
