package tributary

import (
	"reflect"
	"sync"
	"sync/atomic"
)

// eventQueueDepth bounds the dispatch queue. Producers block when the loop
// falls this far behind, which keeps arrival bursts from growing unbounded.
const eventQueueDepth = 64

// Store serializes state mutation behind a single dispatch goroutine and
// broadcasts each accepted state to subscribers. It is the substrate both
// Aggregator and Confluence are built on: events of type E are applied one
// at a time, in dispatch order, and only the apply handler may replace the
// state.
type Store[S, E any] struct {
	apply func(E)
	equal func(a, b S) bool

	initial S
	state   atomic.Pointer[S]

	events chan E
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	nextID int
	subs   map[int]func(S)
}

// NewStore creates a Store holding initial. Run must be called with the
// event handler before anything is dispatched.
func NewStore[S, E any](initial S) *Store[S, E] {
	s := &Store[S, E]{
		equal:   func(a, b S) bool { return reflect.DeepEqual(a, b) },
		initial: initial,
		events:  make(chan E, eventQueueDepth),
		done:    make(chan struct{}),
		subs:    make(map[int]func(S)),
	}
	st := initial
	s.state.Store(&st)
	return s
}

// Equal sets the equality used to suppress redundant notifications.
// Default: reflect.DeepEqual. Must be called before Run.
func (s *Store[S, E]) Equal(eq func(a, b S) bool) *Store[S, E] {
	s.equal = eq
	return s
}

// Run starts the dispatch loop. apply is invoked for one event at a time
// and is the only place Set may be called from.
func (s *Store[S, E]) Run(apply func(E)) {
	s.apply = apply
	go s.loop()
}

func (s *Store[S, E]) loop() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.events:
			s.apply(ev)
		}
	}
}

// Dispatch enqueues an event for the apply handler. Events are processed in
// dispatch order. Returns false if the store is closed; post-close
// dispatches are silently dropped.
func (s *Store[S, E]) Dispatch(ev E) bool {
	// Checked on its own first: in a two-way select with the queue buffer
	// open, both cases are ready after Close and the send could still win.
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case <-s.done:
		return false
	case s.events <- ev:
		return true
	}
}

// Current returns the latest accepted state. Never blocks.
func (s *Store[S, E]) Current() S {
	return *s.state.Load()
}

// Initial returns the state the store was constructed with.
func (s *Store[S, E]) Initial() S {
	return s.initial
}

// Set replaces the state and notifies subscribers, unless next is equal by
// value to the current state. Returns whether the state changed. Must only
// be called from the apply handler so transitions stay serialized.
func (s *Store[S, E]) Set(next S) bool {
	cur := s.state.Load()
	if s.equal(*cur, next) {
		return false
	}
	st := next
	s.state.Store(&st)

	s.mu.Lock()
	fns := make([]func(S), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(next)
	}
	return true
}

// Subscribe registers a listener invoked after each distinct state change.
// The returned function removes the listener; it is safe to call more than
// once.
func (s *Store[S, E]) Subscribe(fn func(S)) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Close stops the dispatch loop. Idempotent. Events still queued are
// discarded; Current remains readable.
func (s *Store[S, E]) Close() {
	s.once.Do(func() {
		close(s.done)
	})
}
