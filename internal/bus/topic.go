package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Topic — bounded in-process broadcast
// One producer per upstream feed, any number of subscribers. Each subscriber
// owns its cursor into a shared ring; a subscriber that falls more than
// capacity events behind skips forward and the skipped events are counted as
// dropped. Publish never blocks.
// ---------------------------------------------------------------------------

// ErrClosed is returned by Next once the topic is closed and the subscriber
// has drained everything still in the ring.
var ErrClosed = errors.New("bus: topic closed")

// Topic is a lossy broadcast channel with independent subscriber cursors.
type Topic[T any] struct {
	name string

	mu     sync.Mutex
	ring   []Envelope[T]
	head   uint64 // sequence number of the next publish
	notify chan struct{}
	closed bool
	subs   map[*Subscriber[T]]struct{}

	dropped atomic.Uint64
}

// NewTopic creates a topic holding at most capacity undelivered events.
func NewTopic[T any](name string, capacity int) *Topic[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Topic[T]{
		name:   name,
		ring:   make([]Envelope[T], capacity),
		notify: make(chan struct{}),
		subs:   make(map[*Subscriber[T]]struct{}),
	}
}

// Name returns the topic name.
func (t *Topic[T]) Name() string { return t.name }

// Publish appends payload to the ring, overwriting the oldest slot, and wakes
// all waiting subscribers. Publishing to a closed topic is a no-op.
func (t *Topic[T]) Publish(payload T) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	seq := t.head
	t.ring[seq%uint64(len(t.ring))] = newEnvelope(seq, payload)
	t.head++
	wake := t.notify
	t.notify = make(chan struct{})
	t.mu.Unlock()

	close(wake)
}

// Subscribe returns a subscriber whose cursor starts at the next publish.
func (t *Topic[T]) Subscribe(name string) *Subscriber[T] {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &Subscriber[T]{topic: t, name: name, cursor: t.head}
	t.subs[s] = struct{}{}
	return s
}

// Close stops the topic. Subscribers drain what is left, then get ErrClosed.
func (t *Topic[T]) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	wake := t.notify
	t.mu.Unlock()

	close(wake)
	log.Debug().Str("topic", t.name).Msg("bus: topic closed")
}

// Stats returns a snapshot of topic counters.
func (t *Topic[T]) Stats() TopicStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TopicStats{
		Name:        t.name,
		Published:   t.head,
		Subscribers: len(t.subs),
		Dropped:     t.dropped.Load(),
	}
}

// Subscriber reads a Topic at its own pace.
type Subscriber[T any] struct {
	topic   *Topic[T]
	name    string
	cursor  uint64
	dropped atomic.Uint64
}

// Next blocks until an event is available, ctx is done, or the topic is
// closed and drained. lagged is the number of events skipped since the
// previous call because this subscriber fell behind the ring.
func (s *Subscriber[T]) Next(ctx context.Context) (env Envelope[T], lagged uint64, err error) {
	t := s.topic
	for {
		t.mu.Lock()
		if s.cursor < t.head {
			capacity := uint64(len(t.ring))
			if t.head-s.cursor > capacity {
				oldest := t.head - capacity
				lagged = oldest - s.cursor
				s.cursor = oldest
				s.dropped.Add(lagged)
				t.dropped.Add(lagged)
			}
			env = t.ring[s.cursor%capacity]
			s.cursor++
			t.mu.Unlock()

			if lagged > 0 {
				log.Warn().
					Str("topic", t.name).
					Str("subscriber", s.name).
					Uint64("dropped", lagged).
					Msg("bus: subscriber lagged, oldest events dropped")
			}
			return env, lagged, nil
		}
		if t.closed {
			t.mu.Unlock()
			return env, 0, ErrClosed
		}
		wait := t.notify
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return env, 0, ctx.Err()
		case <-wait:
		}
	}
}

// Dropped returns the total number of events this subscriber missed.
func (s *Subscriber[T]) Dropped() uint64 { return s.dropped.Load() }

// Unsubscribe detaches the subscriber from its topic.
func (s *Subscriber[T]) Unsubscribe() {
	s.topic.mu.Lock()
	delete(s.topic.subs, s)
	s.topic.mu.Unlock()
}
