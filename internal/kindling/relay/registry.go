// Package relay contains the stream fan-out core: the subscriber registry
// and the dispatcher that pushes matching posts from the upstream feed to
// every registered subscriber.
package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ember-social/kindling/internal/kindling/feed"
	"github.com/ember-social/kindling/internal/kindling/filter"
	"github.com/ember-social/kindling/internal/kindling/metrics"
)

// Size of the per-subscriber outbound channel buffer.
const subscriberChanSize = 512

// Subscriber is one live subscription: fixed filter criteria, an archival
// preference, and a buffered outbound channel. The connection's own handler
// owns the transport write; the dispatcher only ever does a non-blocking
// send into the channel.
type Subscriber struct {
	ID          uint64
	Criteria    filter.Criteria
	NoArchive   bool
	RemoteAddr  string
	UserAgent   string
	ConnectedAt time.Time

	ch      chan *feed.PostView
	dropped atomic.Uint64
}

func NewSubscriber(criteria filter.Criteria, noArchive bool) *Subscriber {
	return &Subscriber{
		Criteria:    criteria,
		NoArchive:   noArchive,
		ConnectedAt: time.Now(),
		ch:          make(chan *feed.PostView, subscriberChanSize),
	}
}

// Posts is the stream of matching posts for this subscriber.
func (s *Subscriber) Posts() <-chan *feed.PostView {
	return s.ch
}

// Dropped reports how many posts were discarded because the buffer was full.
func (s *Subscriber) Dropped() uint64 {
	return s.dropped.Load()
}

// send enqueues a post without blocking. A full buffer drops the post; a
// slow subscriber never stalls the dispatcher.
func (s *Subscriber) send(v *feed.PostView) bool {
	select {
	case s.ch <- v:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Registry is the concurrent-safe collection of active subscribers. All
// operations take one exclusive lock; Snapshot copies under the lock and
// releases it before the caller touches any subscriber, so registry
// mutation never blocks on dispatch I/O and vice versa.
type Registry struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*Subscriber
}

func NewRegistry() *Registry {
	return &Registry{
		subs: make(map[uint64]*Subscriber),
	}
}

// Add registers a subscriber and returns its assigned ID.
func (r *Registry) Add(sub *Subscriber) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	sub.ID = id
	r.subs[id] = sub

	metrics.ActiveSubscribers.Inc()
	metrics.SubscriberConnections.Inc()
	return id
}

// Remove deregisters a subscriber. Removing an unknown ID is a no-op, so a
// session can safely remove itself exactly once from multiple exit paths.
func (r *Registry) Remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subs[id]; !ok {
		return
	}
	delete(r.subs, id)
	metrics.ActiveSubscribers.Dec()
}

// Snapshot returns a point-in-time copy of the subscriber set, safe to
// iterate while the registry mutates concurrently.
func (r *Registry) Snapshot() []*Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Subscriber, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub)
	}
	return out
}

// Len reports the current number of subscribers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
