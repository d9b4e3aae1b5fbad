package stream

import (
	"context"
	"sync"
)

// DefaultSubscriberQueueSize is the recommended bound from spec.md §4.5.
const DefaultSubscriberQueueSize = 64

// Subscriber is a bus-owned handle for one viewer. Its lifetime is
// strictly contained by the Bus (and, transitively, the Session) that
// created it: the Client Adapter holds a Subscriber, never the Session.
type Subscriber struct {
	id uint64

	mu     sync.Mutex
	buf    []MediaPacket
	notify chan struct{}

	closed     bool
	closeOnce  sync.Once
	closedCh   chan struct{}
	closeCause error
}

func newSubscriber(id uint64, capacity int) *Subscriber {
	return &Subscriber{
		id:       id,
		buf:      make([]MediaPacket, 0, capacity),
		notify:   make(chan struct{}, 1),
		closedCh: make(chan struct{}),
	}
}

func (s *Subscriber) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until a packet is available, the subscriber is closed, or
// ctx is done. ok is false once the subscriber is closed and drained.
func (s *Subscriber) Next(ctx context.Context) (pkt MediaPacket, ok bool) {
	for {
		s.mu.Lock()
		if len(s.buf) > 0 {
			pkt = s.buf[0]
			s.buf = s.buf[1:]
			s.mu.Unlock()
			return pkt, true
		}
		closed := s.closed
		s.mu.Unlock()

		if closed {
			return MediaPacket{}, false
		}

		select {
		case <-s.notify:
		case <-s.closedCh:
		case <-ctx.Done():
			return MediaPacket{}, false
		}
	}
}

// Closed signals when the bus has torn this subscriber down, via
// Bus.Unsubscribe, LaggingOut eviction or Bus.Close.
func (s *Subscriber) Closed() <-chan struct{} { return s.closedCh }

// CloseCause returns the reason this subscriber was closed, if any.
func (s *Subscriber) CloseCause() error { return s.closeCause }

func (s *Subscriber) closeWithCause(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.closeCause = cause
		s.mu.Unlock()
		close(s.closedCh)
	})
}

// enqueue appends pkt, applying the keyframe-priority backpressure policy
// from spec.md §4.5. It returns false if the subscriber could not absorb
// the packet and must be evicted as LaggingOut.
func (s *Subscriber) enqueue(pkt MediaPacket, capacity int) (ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buf) >= capacity {
		if !s.dropOldestDroppable() {
			return false
		}
	}
	s.buf = append(s.buf, pkt)
	return true
}

// dropOldestDroppable removes the oldest non-keyframe data packet from
// the queue, if any exists, to make room for an incoming packet.
func (s *Subscriber) dropOldestDroppable() bool {
	for i, p := range s.buf {
		if p.Kind == PacketData && !p.Keyframe {
			s.buf = append(s.buf[:i], s.buf[i+1:]...)
			return true
		}
	}
	return false
}

// Bus is a per-device fan-out: one producer (the codec reader) publishes
// packets, many Subscribers receive them, and a FrameCache lets a
// late-joining subscriber decode immediately instead of waiting for the
// next IDR. Grounded on babelcloud-gbox's
// internal/device_connect/pipeline.Broadcaster, generalized from a single
// cached init blob to a configuration+keyframe cache with the keyframe
// invalidation and backpressure policy spec.md §4.5 specifies.
type Bus struct {
	mu sync.Mutex

	subs     map[uint64]*Subscriber
	nextID   uint64
	queueCap int

	cachedConfig   *MediaPacket
	cachedKeyframe *MediaPacket

	closed bool
}

// NewBus creates an empty bus with the default subscriber queue bound.
func NewBus() *Bus {
	return &Bus{
		subs:     make(map[uint64]*Subscriber),
		queueCap: DefaultSubscriberQueueSize,
	}
}

// Subscribe registers a new viewer and replays the cached configuration
// and keyframe packets (in that order) before returning. Any packet a
// concurrent Publish would have sent during replay cannot interleave: the
// whole operation runs under the bus mutex, so Subscribe only ever blocks
// Publish for O(1) work (two cached-packet copies), matching spec.md §8's
// testable property #3.
func (b *Bus) Subscribe() *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := newSubscriber(b.nextID, b.queueCap)

	if b.closed {
		sub.closeWithCause(New(KindConnectionClosed))
		return sub
	}

	if b.cachedConfig != nil {
		sub.enqueue(*b.cachedConfig, b.queueCap)
	}
	if b.cachedKeyframe != nil {
		sub.enqueue(*b.cachedKeyframe, b.queueCap)
	}
	sub.wake()

	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscriber. Safe to call more than once.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	_, present := b.subs[sub.id]
	delete(b.subs, sub.id)
	b.mu.Unlock()

	if present {
		sub.closeWithCause(nil)
	}
}

// Publish updates the cache (per spec.md §4.5 rule 4) and fans the
// packet out to every current subscriber, evicting any that cannot keep
// up.
func (b *Bus) Publish(pkt MediaPacket) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	switch {
	case pkt.Kind == PacketConfiguration:
		cp := pkt
		b.cachedConfig = &cp
		b.cachedKeyframe = nil
	case pkt.Kind == PacketData && pkt.Keyframe:
		cp := pkt
		b.cachedKeyframe = &cp
	}

	var lagging []*Subscriber
	for _, sub := range b.subs {
		if sub.enqueue(pkt, b.queueCap) {
			sub.wake()
		} else {
			lagging = append(lagging, sub)
		}
	}
	for _, sub := range lagging {
		delete(b.subs, sub.id)
	}
	b.mu.Unlock()

	for _, sub := range lagging {
		sub.closeWithCause(New(KindLaggingOut))
	}
}

// SubscriberCount returns the number of currently attached subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close drains no further packets and signals every subscriber Closed.
// Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[uint64]*Subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.closeWithCause(New(KindConnectionClosed))
	}
}
