package tributary

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/pipz"
)

// ErrClosed is returned when an operation is invoked on a closed aggregator.
var ErrClosed = errors.New("tributary: aggregator closed")

// Binder opens a Source for the given listen parameters. It should be pure;
// the aggregator calls it once per Listen and owns the resulting
// subscription exclusively.
type Binder[P, T any] func(params P) Source[T]

// aggEventKind enumerates the closed set of events an Aggregator processes.
type aggEventKind int

const (
	aggListen aggEventKind = iota
	aggArrival
	aggFlush
	aggFault
	aggReset
)

// aggEvent is one unit of work on the aggregator's dispatch queue. gen and
// seq tie arrivals and timer expiries to the subscription and debounce
// window that produced them, so superseded work is dropped instead of
// applied.
type aggEvent[P, T any] struct {
	kind   aggEventKind
	params P
	gen    uint64
	seq    uint64
	value  T
	err    error
}

// pendingValue is a debounce window in flight: the latest value for the
// window and the timer that will flush it.
type pendingValue[T any] struct {
	value T
	seq   uint64
	timer clockz.Timer
	done  chan struct{}
}

// Aggregator binds exactly one external asynchronous source at a time to an
// observable Snapshot. Listen switches sources, arrivals are debounced with
// last-value-wins semantics, and source faults land in Snapshot.Err without
// disturbing the held value.
//
// All state transitions run on a single dispatch goroutine; public methods
// only enqueue events or read the current snapshot.
type Aggregator[P, T any] struct {
	binder   Binder[P, T]
	pipeline pipz.Chainable[*Request[T]]
	debounce time.Duration
	clock    clockz.Clock
	equalVal func(a, b T) bool
	metrics  MetricsProvider
	faults   *faultRing

	store     *Store[Snapshot[T], aggEvent[P, T]]
	phase     atomic.Int32
	lastFault atomic.Pointer[error]

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	// Owned by the dispatch goroutine.
	gen     uint64
	seq     uint64
	unbind  context.CancelFunc
	pending *pendingValue[T]
}

// New creates an Aggregator that follows one source at a time.
//
// The binder opens a source for the parameters passed to Listen. Present
// arrivals are debounced and folded into the snapshot; absent arrivals are
// ignored; faults surface in Snapshot.Err.
//
// Pipeline options (With*) configure the delivery pipeline. Instance
// configuration uses chainable methods before the first Listen.
//
// Example:
//
//	agg := tributary.New[Query, Profile](
//	    func(q Query) tributary.Source[Profile] {
//	        return profileFeed(q)
//	    },
//	).Debounce(50 * time.Millisecond)
func New[P, T any](binder Binder[P, T], opts ...Option[T]) *Aggregator[P, T] {
	terminal := pipz.Transform(applyID, func(_ context.Context, req *Request[T]) *Request[T] {
		return req
	})
	ctx, cancel := context.WithCancel(context.Background())

	a := &Aggregator[P, T]{
		binder:   binder,
		pipeline: buildPipeline(terminal, opts),
		clock:    clockz.RealClock,
		equalVal: func(x, y T) bool { return reflect.DeepEqual(x, y) },
		ctx:      ctx,
		cancel:   cancel,
	}
	a.store = NewStore[Snapshot[T], aggEvent[P, T]](Snapshot[T]{})
	a.store.Equal(func(x, y Snapshot[T]) bool {
		return snapshotEqual(a.equalVal, x, y)
	})
	a.store.Run(a.apply)

	return a
}

// -----------------------------------------------------------------------------
// Chainable Instance Configuration
// -----------------------------------------------------------------------------

// Debounce sets the debounce duration for arrivals. Arrivals within this
// duration are coalesced, last value wins. Default: 0, meaning values apply
// immediately in arrival order. Must be called before Listen.
func (a *Aggregator[P, T]) Debounce(d time.Duration) *Aggregator[P, T] {
	a.debounce = d
	return a
}

// Clock sets a custom clock for time operations. Use this with
// clockz.FakeClock for deterministic debounce testing.
// Must be called before Listen.
func (a *Aggregator[P, T]) Clock(clock clockz.Clock) *Aggregator[P, T] {
	a.clock = clock
	return a
}

// Equal sets the value equality used to suppress redundant applications and
// notifications. Default: reflect.DeepEqual. Must be called before Listen.
func (a *Aggregator[P, T]) Equal(eq func(a, b T) bool) *Aggregator[P, T] {
	a.equalVal = eq
	return a
}

// Metrics sets a metrics provider for observability integration.
// Must be called before Listen.
func (a *Aggregator[P, T]) Metrics(provider MetricsProvider) *Aggregator[P, T] {
	a.metrics = provider
	return a
}

// FaultHistorySize sets the number of recent faults to retain. Use 0
// (default) to retain only the most recent fault via LastFault.
// Must be called before Listen.
func (a *Aggregator[P, T]) FaultHistorySize(n int) *Aggregator[P, T] {
	a.faults = newFaultRing(n)
	return a
}

// -----------------------------------------------------------------------------
// Observation
// -----------------------------------------------------------------------------

// Current returns the latest accepted snapshot. Never blocks.
func (a *Aggregator[P, T]) Current() Snapshot[T] {
	return a.store.Current()
}

// Subscribe registers a listener invoked after each distinct snapshot
// change. The returned function removes the listener.
func (a *Aggregator[P, T]) Subscribe(fn func(Snapshot[T])) (cancel func()) {
	return a.store.Subscribe(fn)
}

// Phase returns the current lifecycle phase.
func (a *Aggregator[P, T]) Phase() Phase {
	return Phase(a.phase.Load())
}

// LastFault returns the most recent source or pipeline failure, or nil.
// Cleared when a value is successfully applied.
func (a *Aggregator[P, T]) LastFault() error {
	ptr := a.lastFault.Load()
	if ptr == nil {
		return nil
	}
	return *ptr
}

// Faults returns the retained fault history, oldest first. Returns nil
// unless FaultHistorySize was set.
func (a *Aggregator[P, T]) Faults() []FaultRecord {
	return a.faults.all()
}

// -----------------------------------------------------------------------------
// Commands
// -----------------------------------------------------------------------------

// Listen switches the aggregator to the source bound for params. Any
// previous subscription is canceled first, then the snapshot is marked
// loading with its value preserved, and the new source is subscribed.
// Returns ErrClosed after Close.
func (a *Aggregator[P, T]) Listen(params P) error {
	if a.Phase() == PhaseClosed {
		return ErrClosed
	}
	if !a.store.Dispatch(aggEvent[P, T]{kind: aggListen, params: params}) {
		return ErrClosed
	}
	return nil
}

// Reset cancels the subscription and any pending debounce window and
// restores the exact initial snapshot. Returns ErrClosed after Close.
func (a *Aggregator[P, T]) Reset() error {
	if a.Phase() == PhaseClosed {
		return ErrClosed
	}
	if !a.store.Dispatch(aggEvent[P, T]{kind: aggReset}) {
		return ErrClosed
	}
	return nil
}

// Close cancels the subscription and every pending timer and stops the
// dispatch loop. Terminal and idempotent; commands after Close return
// ErrClosed and late arrivals are dropped without notification.
func (a *Aggregator[P, T]) Close() {
	a.once.Do(func() {
		a.setPhase(PhaseClosed)
		a.cancel()
		a.store.Close()
		capitan.Emit(a.ctx, AggregatorClosed,
			KeyPhase.Field(PhaseClosed.String()),
		)
	})
}

// -----------------------------------------------------------------------------
// Dispatch
// -----------------------------------------------------------------------------

// apply is the single event handler: one event at a time, in dispatch order.
func (a *Aggregator[P, T]) apply(ev aggEvent[P, T]) {
	switch ev.kind {
	case aggListen:
		a.rebind(ev.params)

	case aggArrival:
		if ev.gen != a.gen {
			capitan.Emit(a.ctx, ArrivalDropped)
			return
		}
		a.schedule(ev.value)

	case aggFlush:
		if ev.gen != a.gen || a.pending == nil || ev.seq != a.pending.seq {
			return
		}
		v := a.pending.value
		a.pending = nil
		a.applyValue(v)

	case aggFault:
		if ev.gen != a.gen {
			capitan.Emit(a.ctx, ArrivalDropped)
			return
		}
		a.fault(ev.err)

	case aggReset:
		a.detach()
		a.store.Set(a.store.Initial())
		a.setPhase(PhaseIdle)
		capitan.Emit(a.ctx, AggregatorReset)

	default:
		// Unknown event kinds are a no-op.
	}
}

// rebind cancels the current subscription, marks the snapshot loading, and
// subscribes the source bound for params.
func (a *Aggregator[P, T]) rebind(params P) {
	a.detach()
	gen := a.gen

	cur := a.store.Current()
	a.store.Set(Snapshot[T]{Value: cur.Value, HasValue: cur.HasValue, Loading: true})
	a.setPhase(PhaseListening)

	subCtx, cancel := context.WithCancel(a.ctx)
	ch, err := a.binder(params).Subscribe(subCtx)
	if err != nil {
		cancel()
		a.fault(fmt.Errorf("subscribe failed: %w", err))
		return
	}
	a.unbind = cancel

	capitan.Emit(a.ctx, SourceBound,
		KeyDebounce.Field(a.debounce),
	)

	go a.forward(subCtx, ch, gen)
}

// detach cancels the live subscription and pending timer and invalidates
// everything already queued for them.
func (a *Aggregator[P, T]) detach() {
	if a.unbind != nil {
		a.unbind()
		a.unbind = nil
		capitan.Emit(a.ctx, SourceDetached)
	}
	if a.pending != nil {
		a.pending.timer.Stop()
		close(a.pending.done)
		a.pending = nil
	}
	a.gen++
}

// forward funnels one subscription's arrivals onto the dispatch queue.
// Absences are dropped here; they never become events.
func (a *Aggregator[P, T]) forward(ctx context.Context, ch <-chan Arrival[T], gen uint64) {
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
				a.store.Dispatch(aggEvent[P, T]{kind: aggFault, gen: gen, err: arr.Err()})
			case !arr.Present():
				// No data yet.
			default:
				a.store.Dispatch(aggEvent[P, T]{kind: aggArrival, gen: gen, value: arr.Value()})
			}
		}
	}
}

// schedule restarts the debounce window with v, or applies it immediately
// when debounce is zero.
func (a *Aggregator[P, T]) schedule(v T) {
	capitan.Emit(a.ctx, ArrivalReceived)
	if a.metrics != nil {
		a.metrics.OnArrival()
	}

	if a.debounce <= 0 {
		a.applyValue(v)
		return
	}

	if a.pending != nil {
		a.pending.timer.Stop()
		close(a.pending.done)
	}
	a.seq++
	p := &pendingValue[T]{
		value: v,
		seq:   a.seq,
		timer: a.clock.NewTimer(a.debounce),
		done:  make(chan struct{}),
	}
	a.pending = p

	gen := a.gen
	go func() {
		select {
		case <-p.timer.C():
			a.store.Dispatch(aggEvent[P, T]{kind: aggFlush, gen: gen, seq: p.seq})
		case <-p.done:
		case <-a.ctx.Done():
			// Close does not run the detach sweep; release the timer here
			// so it does not linger on the real clock.
			p.timer.Stop()
		}
	}()
}

// applyValue folds v into the snapshot unless it equals the held value.
func (a *Aggregator[P, T]) applyValue(v T) {
	cur := a.store.Current()
	if cur.HasValue && !cur.Loading && cur.Err == nil && a.equalVal(cur.Value, v) {
		capitan.Emit(a.ctx, ArrivalSuppressed)
		if a.metrics != nil {
			a.metrics.OnSuppressed()
		}
		return
	}

	start := a.clock.Now()
	req := &Request[T]{Previous: cur.Value, Current: v}
	processed, err := a.pipeline.Process(a.ctx, req)
	if err != nil {
		a.fault(fmt.Errorf("pipeline failed: %w", err))
		capitan.Emit(a.ctx, ApplyFailed,
			KeyError.Field(err.Error()),
		)
		if a.metrics != nil {
			a.metrics.OnApplyFailure(a.clock.Since(start))
		}
		return
	}

	a.store.Set(Snapshot[T]{Value: processed.Current, HasValue: true})
	a.lastFault.Store(nil)
	a.faults.clear()
	capitan.Emit(a.ctx, ArrivalApplied)
	if a.metrics != nil {
		a.metrics.OnApply(a.clock.Since(start))
	}
}

// fault records err and surfaces it in the snapshot, preserving the value.
func (a *Aggregator[P, T]) fault(err error) {
	e := err
	a.lastFault.Store(&e)
	a.faults.push(FaultRecord{At: a.clock.Now(), Err: err})

	cur := a.store.Current()
	a.store.Set(Snapshot[T]{Value: cur.Value, HasValue: cur.HasValue, Err: err})

	capitan.Emit(a.ctx, SourceFaulted,
		KeyError.Field(err.Error()),
	)
	if a.metrics != nil {
		a.metrics.OnSourceFault()
	}
}

// setPhase transitions the phase and emits a change event when it differs.
func (a *Aggregator[P, T]) setPhase(p Phase) {
	old := Phase(a.phase.Swap(int32(p)))
	if old == p {
		return
	}
	capitan.Emit(a.ctx, PhaseChanged,
		KeyOldPhase.Field(old.String()),
		KeyNewPhase.Field(p.String()),
	)
	if a.metrics != nil {
		a.metrics.OnPhaseChange(old, p)
	}
}
