package tributary

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/pipz"
)

// confEventKind enumerates the closed set of events a Confluence processes.
type confEventKind int

const (
	confAttach confEventKind = iota
	confDetach
	confArrival
	confFlush
	confFault
	confReset
)

// confEvent is one unit of work on the confluence's dispatch queue. Arrivals
// carry their typed value closed over in deliver, so sources of different
// value types share one queue without runtime type assertions.
type confEvent[K comparable, S any] struct {
	kind    confEventKind
	id      K
	gen     uint64
	seq     uint64
	deliver func()
	open    func(ctx context.Context, gen uint64) error
	err     error
}

// attachment is one live subscription: its generation and the cancel that
// tears it down.
type attachment struct {
	gen    uint64
	cancel context.CancelFunc
}

// pendingDelivery is one key's debounce window in flight.
type pendingDelivery struct {
	seq     uint64
	deliver func()
	timer   clockz.Timer
	done    chan struct{}
}

// Confluence merges an open set of keyed external sources into a single
// caller-defined state. Each key's arrivals debounce independently with
// last-value-wins semantics; folding happens in the onData hook passed to
// Attach, which replaces state wholesale through UpdateState.
//
// All registry mutation and state transition runs on a single dispatch
// goroutine; public methods only enqueue events or read the current state.
type Confluence[K comparable, S any] struct {
	pipeline pipz.Chainable[*Request[S]]
	debounce time.Duration
	clock    clockz.Clock
	metrics  MetricsProvider
	onFault  func(id K, err error)
	faults   *faultRing

	store     *Store[S, confEvent[K, S]]
	phase     atomic.Int32
	lastFault atomic.Pointer[error]

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	// Owned by the dispatch goroutine.
	gen     uint64
	seq     uint64
	subs    map[K]*attachment
	pending map[K]*pendingDelivery
}

// NewConfluence creates a Confluence starting at initial. The state shape is
// entirely the caller's; the confluence only guarantees it starts at initial
// and is replaced wholesale on each accepted update.
//
// Pipeline options (With*) configure the delivery pipeline run by
// UpdateState. Instance configuration uses chainable methods before the
// first Attach.
//
// Example:
//
//	conf := tributary.NewConfluence[int](Dashboard{}).
//	    Debounce(100 * time.Millisecond).
//	    OnFault(func(id int, err error) {
//	        log.Printf("source %d failed: %v", id, err)
//	    })
func NewConfluence[K comparable, S any](initial S, opts ...Option[S]) *Confluence[K, S] {
	terminal := pipz.Transform(passthroughID, func(_ context.Context, req *Request[S]) *Request[S] {
		return req
	})
	ctx, cancel := context.WithCancel(context.Background())

	c := &Confluence[K, S]{
		pipeline: buildPipeline(terminal, opts),
		clock:    clockz.RealClock,
		ctx:      ctx,
		cancel:   cancel,
		subs:     make(map[K]*attachment),
		pending:  make(map[K]*pendingDelivery),
	}
	c.store = NewStore[S, confEvent[K, S]](initial)
	c.store.Run(c.apply)

	return c
}

// -----------------------------------------------------------------------------
// Chainable Instance Configuration
// -----------------------------------------------------------------------------

// Debounce sets the per-key debounce duration. Arrivals on one key within
// this duration are coalesced, last value wins; keys are independent.
// Default: 0, meaning values deliver immediately in arrival order.
// Must be called before Attach.
func (c *Confluence[K, S]) Debounce(d time.Duration) *Confluence[K, S] {
	c.debounce = d
	return c
}

// Clock sets a custom clock for time operations. Use this with
// clockz.FakeClock for deterministic debounce testing.
// Must be called before Attach.
func (c *Confluence[K, S]) Clock(clock clockz.Clock) *Confluence[K, S] {
	c.clock = clock
	return c
}

// Equal sets the state equality used to suppress redundant notifications
// from UpdateState. Default: reflect.DeepEqual. Must be called before Attach.
func (c *Confluence[K, S]) Equal(eq func(a, b S) bool) *Confluence[K, S] {
	c.store.Equal(eq)
	return c
}

// Metrics sets a metrics provider for observability integration.
// Must be called before Attach.
func (c *Confluence[K, S]) Metrics(provider MetricsProvider) *Confluence[K, S] {
	c.metrics = provider
	return c
}

// OnFault sets the hook invoked on the dispatch goroutine when a source
// signals a failure. Default: no-op. Faults are local to their key and never
// cancel sibling subscriptions; how or whether they surface in state is
// entirely up to this hook. Must be called before Attach.
func (c *Confluence[K, S]) OnFault(fn func(id K, err error)) *Confluence[K, S] {
	c.onFault = fn
	return c
}

// FaultHistorySize sets the number of recent faults to retain. Use 0
// (default) to retain only the most recent fault via LastFault.
// Must be called before Attach.
func (c *Confluence[K, S]) FaultHistorySize(n int) *Confluence[K, S] {
	c.faults = newFaultRing(n)
	return c
}

// -----------------------------------------------------------------------------
// Observation
// -----------------------------------------------------------------------------

// Current returns the latest accepted state. Never blocks.
func (c *Confluence[K, S]) Current() S {
	return c.store.Current()
}

// Subscribe registers a listener invoked after each distinct state change.
// The returned function removes the listener.
func (c *Confluence[K, S]) Subscribe(fn func(S)) (cancel func()) {
	return c.store.Subscribe(fn)
}

// Phase returns the current lifecycle phase.
func (c *Confluence[K, S]) Phase() Phase {
	return Phase(c.phase.Load())
}

// LastFault returns the most recent source or pipeline failure, or nil.
func (c *Confluence[K, S]) LastFault() error {
	ptr := c.lastFault.Load()
	if ptr == nil {
		return nil
	}
	return *ptr
}

// Faults returns the retained fault history, oldest first. Returns nil
// unless FaultHistorySize was set.
func (c *Confluence[K, S]) Faults() []FaultRecord {
	return c.faults.all()
}

// -----------------------------------------------------------------------------
// Commands
// -----------------------------------------------------------------------------

// Attach subscribes src under id, replacing any live subscription for that
// id: at most one subscription exists per key at any time. Present arrivals
// are debounced per key; when the window expires, onData is invoked on the
// dispatch goroutine with the latest value. Its contract is to call
// UpdateState zero or more times with a fully formed replacement state.
// Absent arrivals are ignored; faults go to the OnFault hook.
//
// Attach is a package-level function so each source keeps its own value
// type. Returns ErrClosed after Close.
func Attach[K comparable, S, V any](c *Confluence[K, S], id K, src Source[V], onData func(id K, v V)) error {
	if c.Phase() == PhaseClosed {
		return ErrClosed
	}

	open := func(ctx context.Context, gen uint64) error {
		ch, err := src.Subscribe(ctx)
		if err != nil {
			return err
		}
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case arr, ok := <-ch:
					if !ok {
						return
					}
					switch {
					case arr.Err() != nil:
						c.store.Dispatch(confEvent[K, S]{kind: confFault, id: id, gen: gen, err: arr.Err()})
					case !arr.Present():
						// No data yet.
					default:
						v := arr.Value()
						c.store.Dispatch(confEvent[K, S]{kind: confArrival, id: id, gen: gen, deliver: func() {
							onData(id, v)
						}})
					}
				}
			}
		}()
		return nil
	}

	if !c.store.Dispatch(confEvent[K, S]{kind: confAttach, id: id, open: open}) {
		return ErrClosed
	}
	return nil
}

// Detach cancels the subscription and pending window under id, if any.
// Detaching the last source does not change phase; absence of sources is
// not itself a transition. Returns ErrClosed after Close.
func (c *Confluence[K, S]) Detach(id K) error {
	if c.Phase() == PhaseClosed {
		return ErrClosed
	}
	if !c.store.Dispatch(confEvent[K, S]{kind: confDetach, id: id}) {
		return ErrClosed
	}
	return nil
}

// Reset cancels every subscription and pending window and restores the
// initial state. Safe to call with zero attached sources.
// Returns ErrClosed after Close.
func (c *Confluence[K, S]) Reset() error {
	if c.Phase() == PhaseClosed {
		return ErrClosed
	}
	if !c.store.Dispatch(confEvent[K, S]{kind: confReset}) {
		return ErrClosed
	}
	return nil
}

// Close performs the same sweep as Reset without re-emitting the initial
// state and stops the dispatch loop. Terminal and idempotent; late arrivals
// and faults from still-draining sources are dropped without notification.
func (c *Confluence[K, S]) Close() {
	c.once.Do(func() {
		c.setPhase(PhaseClosed)
		c.cancel()
		c.store.Close()
		capitan.Emit(c.ctx, AggregatorClosed,
			KeyPhase.Field(PhaseClosed.String()),
		)
	})
}

// UpdateState replaces the state wholesale and notifies subscribers when it
// differs from the current state. Intended to be called from onData or
// OnFault hooks, which run on the dispatch goroutine; the configured
// pipeline processes the replacement first and a pipeline failure leaves
// state untouched.
func (c *Confluence[K, S]) UpdateState(next S) error {
	cur := c.store.Current()
	start := c.clock.Now()
	req := &Request[S]{Previous: cur, Current: next}
	processed, err := c.pipeline.Process(c.ctx, req)
	if err != nil {
		err = fmt.Errorf("pipeline failed: %w", err)
		c.recordFault(err)
		capitan.Emit(c.ctx, ApplyFailed,
			KeyError.Field(err.Error()),
		)
		if c.metrics != nil {
			c.metrics.OnApplyFailure(c.clock.Since(start))
		}
		return err
	}

	if c.store.Set(processed.Current) {
		capitan.Emit(c.ctx, StateUpdated)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Dispatch
// -----------------------------------------------------------------------------

// apply is the single event handler: one event at a time, in dispatch order.
func (c *Confluence[K, S]) apply(ev confEvent[K, S]) {
	switch ev.kind {
	case confAttach:
		c.attach(ev.id, ev.open)

	case confDetach:
		c.detachOne(ev.id)

	case confArrival:
		att, ok := c.subs[ev.id]
		if !ok || att.gen != ev.gen {
			capitan.Emit(c.ctx, ArrivalDropped,
				KeySource.Field(fmt.Sprintf("%v", ev.id)),
			)
			return
		}
		c.schedule(ev.id, ev.gen, ev.deliver)

	case confFlush:
		att, ok := c.subs[ev.id]
		if !ok || att.gen != ev.gen {
			return
		}
		p, ok := c.pending[ev.id]
		if !ok || p.seq != ev.seq {
			return
		}
		// Registry entry is removed before the hook runs, so a panicking
		// hook cannot leave a stale window behind.
		delete(c.pending, ev.id)
		c.deliver(p.deliver)

	case confFault:
		att, ok := c.subs[ev.id]
		if !ok || att.gen != ev.gen {
			capitan.Emit(c.ctx, ArrivalDropped,
				KeySource.Field(fmt.Sprintf("%v", ev.id)),
			)
			return
		}
		c.fault(ev.id, ev.err)

	case confReset:
		c.detachAll()
		c.store.Set(c.store.Initial())
		c.setPhase(PhaseIdle)
		capitan.Emit(c.ctx, AggregatorReset)

	default:
		// Unknown event kinds are a no-op.
	}
}

// attach replaces any live subscription under id and opens the new one.
func (c *Confluence[K, S]) attach(id K, open func(ctx context.Context, gen uint64) error) {
	c.detachOne(id)

	c.gen++
	gen := c.gen
	subCtx, cancel := context.WithCancel(c.ctx)
	if err := open(subCtx, gen); err != nil {
		cancel()
		c.fault(id, fmt.Errorf("subscribe failed: %w", err))
		return
	}
	c.subs[id] = &attachment{gen: gen, cancel: cancel}
	c.setPhase(PhaseListening)

	capitan.Emit(c.ctx, SourceBound,
		KeySource.Field(fmt.Sprintf("%v", id)),
		KeyDebounce.Field(c.debounce),
	)
}

// detachOne cancels id's subscription and pending window, if present.
func (c *Confluence[K, S]) detachOne(id K) {
	if att, ok := c.subs[id]; ok {
		att.cancel()
		delete(c.subs, id)
		capitan.Emit(c.ctx, SourceDetached,
			KeySource.Field(fmt.Sprintf("%v", id)),
		)
	}
	if p, ok := c.pending[id]; ok {
		p.timer.Stop()
		close(p.done)
		delete(c.pending, id)
	}
}

// detachAll sweeps every subscription and pending window.
func (c *Confluence[K, S]) detachAll() {
	for id := range c.subs {
		c.detachOne(id)
	}
	for id, p := range c.pending {
		p.timer.Stop()
		close(p.done)
		delete(c.pending, id)
	}
}

// schedule restarts id's debounce window, or delivers immediately when
// debounce is zero.
func (c *Confluence[K, S]) schedule(id K, gen uint64, deliver func()) {
	capitan.Emit(c.ctx, ArrivalReceived,
		KeySource.Field(fmt.Sprintf("%v", id)),
	)
	if c.metrics != nil {
		c.metrics.OnArrival()
	}

	if c.debounce <= 0 {
		c.deliver(deliver)
		return
	}

	if p, ok := c.pending[id]; ok {
		p.timer.Stop()
		close(p.done)
	}
	c.seq++
	p := &pendingDelivery{
		seq:     c.seq,
		deliver: deliver,
		timer:   c.clock.NewTimer(c.debounce),
		done:    make(chan struct{}),
	}
	c.pending[id] = p

	go func() {
		select {
		case <-p.timer.C():
			c.store.Dispatch(confEvent[K, S]{kind: confFlush, id: id, gen: gen, seq: p.seq})
		case <-p.done:
		case <-c.ctx.Done():
			// Close does not run the detach sweep; release the timer here
			// so it does not linger on the real clock.
			p.timer.Stop()
		}
	}()
}

// deliver invokes the onData hook. Hook panics propagate; they are a defect
// in calling code, and the registries are already consistent when the hook
// runs.
func (c *Confluence[K, S]) deliver(fn func()) {
	start := c.clock.Now()
	fn()
	capitan.Emit(c.ctx, ArrivalApplied)
	if c.metrics != nil {
		c.metrics.OnApply(c.clock.Since(start))
	}
}

// fault records err and routes it to the OnFault hook.
func (c *Confluence[K, S]) fault(id K, err error) {
	c.recordFault(err)
	capitan.Emit(c.ctx, SourceFaulted,
		KeySource.Field(fmt.Sprintf("%v", id)),
		KeyError.Field(err.Error()),
	)
	if c.metrics != nil {
		c.metrics.OnSourceFault()
	}
	if c.onFault != nil {
		c.onFault(id, err)
	}
}

func (c *Confluence[K, S]) recordFault(err error) {
	e := err
	c.lastFault.Store(&e)
	c.faults.push(FaultRecord{At: c.clock.Now(), Err: err})
}

// setPhase transitions the phase and emits a change event when it differs.
func (c *Confluence[K, S]) setPhase(p Phase) {
	old := Phase(c.phase.Swap(int32(p)))
	if old == p {
		return
	}
	capitan.Emit(c.ctx, PhaseChanged,
		KeyOldPhase.Field(old.String()),
		KeyNewPhase.Field(p.String()),
	)
	if c.metrics != nil {
		c.metrics.OnPhaseChange(old, p)
	}
}
