package tributary

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

// bindChannel builds a Binder that ignores params and subscribes the given
// channel.
func bindChannel[T any](ch chan Arrival[T]) Binder[query, T] {
	return func(query) Source[T] {
		return NewChannelSource(ch)
	}
}

// snapshotLog records every notified snapshot.
type snapshotLog[T any] struct {
	mu    sync.Mutex
	snaps []Snapshot[T]
}

func (l *snapshotLog[T]) record(s Snapshot[T]) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snaps = append(l.snaps, s)
}

func (l *snapshotLog[T]) values() []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []T
	for _, s := range l.snaps {
		if s.HasValue && !s.Loading && s.Err == nil {
			out = append(out, s.Value)
		}
	}
	return out
}

func TestAggregator_ListenMarksLoading(t *testing.T) {
	ch := make(chan Arrival[string], 4)
	agg := New(bindChannel(ch))
	defer agg.Close()

	if agg.Phase() != PhaseIdle {
		t.Fatalf("expected idle before listen, got %s", agg.Phase())
	}
	cur := agg.Current()
	if cur.HasValue || cur.Loading || cur.Err != nil {
		t.Fatalf("expected empty initial snapshot, got %+v", cur)
	}

	if err := agg.Listen(query{id: "q"}); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	waitFor(t, "loading snapshot", func() bool { return agg.Current().Loading })
	if agg.Phase() != PhaseListening {
		t.Errorf("expected listening, got %s", agg.Phase())
	}
}

func TestAggregator_AppliesValue(t *testing.T) {
	ch := make(chan Arrival[string], 4)
	agg := New(bindChannel(ch))
	defer agg.Close()

	agg.Listen(query{})
	ch <- Value("A")

	waitFor(t, "value A", func() bool {
		cur := agg.Current()
		return cur.HasValue && cur.Value == "A" && !cur.Loading && cur.Err == nil
	})
}

func TestAggregator_AbsentArrivalsIgnored(t *testing.T) {
	ch := make(chan Arrival[string], 4)
	agg := New(bindChannel(ch))
	defer agg.Close()

	log := &snapshotLog[string]{}
	cancel := agg.Subscribe(log.record)
	defer cancel()

	agg.Listen(query{})
	ch <- Absent[string]()
	ch <- Absent[string]()
	ch <- Value("A")

	waitFor(t, "value A", func() bool { return agg.Current().Value == "A" })

	if got := log.values(); len(got) != 1 || got[0] != "A" {
		t.Errorf("expected exactly one applied value A, got %v", got)
	}
}

func TestAggregator_Debounce_LastValueWins(t *testing.T) {
	clock := clockz.NewFakeClock()
	ch := make(chan Arrival[string], 8)
	agg := New(bindChannel(ch)).
		Debounce(50 * time.Millisecond).
		Clock(clock)
	defer agg.Close()

	log := &snapshotLog[string]{}
	cancel := agg.Subscribe(log.record)
	defer cancel()

	agg.Listen(query{})
	waitFor(t, "loading snapshot", func() bool { return agg.Current().Loading })

	ch <- Value("A")
	settle()
	ch <- Value("B")
	settle()

	// Debounce window still open: nothing applied.
	if agg.Current().HasValue {
		t.Fatalf("expected no value while debouncing, got %+v", agg.Current())
	}

	clock.Advance(60 * time.Millisecond)
	clock.BlockUntilReady()

	waitFor(t, "value B", func() bool { return agg.Current().Value == "B" })

	if got := log.values(); len(got) != 1 || got[0] != "B" {
		t.Errorf("expected only B applied, got %v", got)
	}
}

func TestAggregator_SuppressesEqualValue(t *testing.T) {
	ch := make(chan Arrival[string], 8)
	agg := New(bindChannel(ch))
	defer agg.Close()

	var notified atomic.Int32
	cancel := agg.Subscribe(func(Snapshot[string]) {
		notified.Add(1)
	})
	defer cancel()

	agg.Listen(query{})
	ch <- Value("A")
	waitFor(t, "value A", func() bool { return agg.Current().Value == "A" })

	before := notified.Load()

	// Structurally equal value, then a distinct one. Events are processed
	// in order, so once B is visible the duplicate has already been handled.
	ch <- Value("A")
	ch <- Value("B")
	waitFor(t, "value B", func() bool { return agg.Current().Value == "B" })

	if got := notified.Load() - before; got != 1 {
		t.Errorf("expected 1 notification after duplicate+B, got %d", got)
	}
}

func TestAggregator_FaultPreservesValue(t *testing.T) {
	ch := make(chan Arrival[string], 4)
	agg := New(bindChannel(ch))
	defer agg.Close()

	agg.Listen(query{})
	ch <- Value("A")
	waitFor(t, "value A", func() bool { return agg.Current().Value == "A" })

	boom := errors.New("stream torn down")
	ch <- Fault[string](boom)

	waitFor(t, "fault in snapshot", func() bool { return agg.Current().Err != nil })

	cur := agg.Current()
	if !errors.Is(cur.Err, boom) {
		t.Errorf("expected wrapped fault, got %v", cur.Err)
	}
	if !cur.HasValue || cur.Value != "A" {
		t.Errorf("expected prior value preserved, got %+v", cur)
	}
	if cur.Loading {
		t.Error("expected loading cleared on fault")
	}
	if agg.LastFault() == nil {
		t.Error("expected LastFault set")
	}
}

func TestAggregator_NextValueClearsFault(t *testing.T) {
	ch := make(chan Arrival[string], 4)
	agg := New(bindChannel(ch))
	defer agg.Close()

	agg.Listen(query{})
	ch <- Fault[string](errors.New("first query failed"))
	waitFor(t, "fault in snapshot", func() bool { return agg.Current().Err != nil })

	ch <- Value("B")
	waitFor(t, "value B", func() bool { return agg.Current().Value == "B" })

	cur := agg.Current()
	if cur.Err != nil {
		t.Errorf("expected fault cleared, got %v", cur.Err)
	}
	if agg.LastFault() != nil {
		t.Errorf("expected LastFault cleared, got %v", agg.LastFault())
	}
}

func TestAggregator_ResetRestoresInitialSnapshot(t *testing.T) {
	ch := make(chan Arrival[string], 4)
	agg := New(bindChannel(ch))
	defer agg.Close()

	agg.Listen(query{})
	ch <- Value("A")
	waitFor(t, "value A", func() bool { return agg.Current().Value == "A" })

	if err := agg.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	waitFor(t, "initial snapshot", func() bool {
		cur := agg.Current()
		return !cur.HasValue && !cur.Loading && cur.Err == nil
	})
	if agg.Phase() != PhaseIdle {
		t.Errorf("expected idle after reset, got %s", agg.Phase())
	}

	// A late arrival from the canceled subscription must not reach state.
	ch <- Value("late")
	settle()
	if agg.Current().HasValue {
		t.Errorf("expected late arrival dropped, got %+v", agg.Current())
	}
}

func TestAggregator_RelistenCancelsPreviousSource(t *testing.T) {
	chans := map[string]chan Arrival[string]{
		"q1": make(chan Arrival[string], 4),
		"q2": make(chan Arrival[string], 4),
	}
	agg := New(func(q query) Source[string] {
		return NewChannelSource(chans[q.id])
	})
	defer agg.Close()

	log := &snapshotLog[string]{}
	cancel := agg.Subscribe(log.record)
	defer cancel()

	agg.Listen(query{id: "q1"})
	chans["q1"] <- Value("old")
	waitFor(t, "value old", func() bool { return agg.Current().Value == "old" })

	agg.Listen(query{id: "q2"})
	waitFor(t, "loading snapshot", func() bool { return agg.Current().Loading })

	// The first source replies late; the second delivers the real value.
	chans["q1"] <- Value("late")
	chans["q2"] <- Value("new")

	waitFor(t, "value new", func() bool { return agg.Current().Value == "new" })
	settle()

	for _, v := range log.values() {
		if v == "late" {
			t.Fatal("late value from superseded subscription reached state")
		}
	}
	if agg.Current().Value != "new" {
		t.Errorf("expected new, got %+v", agg.Current())
	}
}

func TestAggregator_CloseStopsEverything(t *testing.T) {
	ch := make(chan Arrival[string], 4)
	agg := New(bindChannel(ch))

	var notified atomic.Int32
	agg.Subscribe(func(Snapshot[string]) {
		notified.Add(1)
	})

	agg.Listen(query{})
	ch <- Value("A")
	waitFor(t, "value A", func() bool { return agg.Current().Value == "A" })

	before := notified.Load()
	agg.Close()
	agg.Close() // idempotent

	ch <- Value("B")
	ch <- Fault[string](errors.New("post-close failure"))
	settle()

	if got := notified.Load(); got != before {
		t.Errorf("expected no notifications after close, got %d new", got-before)
	}
	if agg.Current().Value != "A" {
		t.Errorf("expected state frozen at A, got %+v", agg.Current())
	}
	if agg.Phase() != PhaseClosed {
		t.Errorf("expected closed phase, got %s", agg.Phase())
	}
	if err := agg.Listen(query{}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Listen, got %v", err)
	}
	if err := agg.Reset(); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Reset, got %v", err)
	}
}

func TestAggregator_SubscribeFailureFaults(t *testing.T) {
	agg := New(func(query) Source[string] {
		return SourceFunc[string](func(context.Context) (<-chan Arrival[string], error) {
			return nil, errors.New("backend unavailable")
		})
	})
	defer agg.Close()

	agg.Listen(query{})

	waitFor(t, "fault in snapshot", func() bool { return agg.Current().Err != nil })
	cur := agg.Current()
	if cur.Loading {
		t.Error("expected loading cleared after subscribe failure")
	}
	if cur.HasValue {
		t.Errorf("expected no value, got %+v", cur)
	}
}

func TestAggregator_PipelineTransformsValue(t *testing.T) {
	ch := make(chan Arrival[string], 4)
	agg := New(
		bindChannel(ch),
		WithMiddleware(
			UseTransform("upper", func(_ context.Context, req *Request[string]) *Request[string] {
				req.Current = strings.ToUpper(req.Current)
				return req
			}),
		),
	)
	defer agg.Close()

	agg.Listen(query{})
	ch <- Value("hello")

	waitFor(t, "transformed value", func() bool { return agg.Current().Value == "HELLO" })
}

func TestAggregator_PipelineFailureFaults(t *testing.T) {
	ch := make(chan Arrival[string], 4)
	agg := New(
		bindChannel(ch),
		WithMiddleware(
			UseApply("reject", func(_ context.Context, _ *Request[string]) (*Request[string], error) {
				return nil, errors.New("rejected")
			}),
		),
	)
	defer agg.Close()

	agg.Listen(query{})
	ch <- Value("A")

	waitFor(t, "fault in snapshot", func() bool { return agg.Current().Err != nil })
	if agg.Current().HasValue {
		t.Errorf("expected no value applied, got %+v", agg.Current())
	}
}

func TestAggregator_FaultHistory(t *testing.T) {
	ch := make(chan Arrival[string], 8)
	agg := New(bindChannel(ch)).FaultHistorySize(3)
	defer agg.Close()

	agg.Listen(query{})
	ch <- Fault[string](errors.New("first"))
	waitFor(t, "first fault", func() bool { return agg.LastFault() != nil })

	ch <- Fault[string](errors.New("second"))
	waitFor(t, "second fault", func() bool {
		return agg.LastFault() != nil && strings.Contains(agg.LastFault().Error(), "second")
	})

	faults := agg.Faults()
	if len(faults) != 2 {
		t.Fatalf("expected 2 fault records, got %d", len(faults))
	}
	if !strings.Contains(faults[0].Err.Error(), "first") || !strings.Contains(faults[1].Err.Error(), "second") {
		t.Errorf("expected oldest-first order, got %v", faults)
	}

	// A successful apply clears the history.
	ch <- Value("ok")
	waitFor(t, "value ok", func() bool { return agg.Current().Value == "ok" })
	if got := agg.Faults(); got != nil {
		t.Errorf("expected cleared history, got %v", got)
	}
}

func TestAggregator_CloseStopsPendingTimer(t *testing.T) {
	clock := &stopTrackingClock{Clock: clockz.NewFakeClock()}
	ch := make(chan Arrival[string], 4)
	agg := New(bindChannel(ch)).
		Debounce(50 * time.Millisecond).
		Clock(clock)

	agg.Listen(query{})
	ch <- Value("A")
	waitFor(t, "pending window", func() bool { return clock.timers.Load() > 0 })

	// Close never reaches the detach sweep, so the pending timer must be
	// released by the window's own goroutine.
	agg.Close()
	waitFor(t, "timer stopped", func() bool { return clock.stops.Load() > 0 })
}

// Mirrors the canonical timing scenario: debounce 50ms, A at t=0, B at
// t=20ms, only B applied once the window closes.
func TestAggregator_DebounceScenario(t *testing.T) {
	clock := clockz.NewFakeClock()
	ch := make(chan Arrival[string], 8)
	agg := New(bindChannel(ch)).
		Debounce(50 * time.Millisecond).
		Clock(clock)
	defer agg.Close()

	agg.Listen(query{})
	waitFor(t, "loading snapshot", func() bool {
		cur := agg.Current()
		return cur.Loading && !cur.HasValue && cur.Err == nil
	})

	ch <- Value("A")
	settle()
	clock.Advance(20 * time.Millisecond)
	clock.BlockUntilReady()
	ch <- Value("B")
	settle()

	clock.Advance(80 * time.Millisecond)
	clock.BlockUntilReady()

	waitFor(t, "value B", func() bool {
		cur := agg.Current()
		return cur.HasValue && cur.Value == "B" && !cur.Loading && cur.Err == nil
	})
}
