package tributary

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

// waitFor polls cond until it holds or the deadline passes. State changes
// happen on the dispatch goroutine, so tests observe them eventually rather
// than synchronously.
func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

// settle gives in-flight goroutines a chance to run before asserting that
// something did NOT happen.
func settle() {
	time.Sleep(20 * time.Millisecond)
}

// recv reads one arrival or fails the test.
func recv[T any](t *testing.T, ch <-chan Arrival[T]) Arrival[T] {
	t.Helper()
	select {
	case arr, ok := <-ch:
		if !ok {
			t.Fatal("arrival channel closed")
		}
		return arr
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for arrival")
	}
	return Arrival[T]{}
}

// query is a throwaway listen-parameter type.
type query struct {
	id string
}

// failureCountingMetrics counts pipeline rejections.
type failureCountingMetrics struct {
	NoOpMetricsProvider
	count atomic.Int32
}

func (m *failureCountingMetrics) OnApplyFailure(time.Duration) {
	m.count.Add(1)
}

// stopTrackingClock counts the timers it hands out and how many get stopped.
type stopTrackingClock struct {
	clockz.Clock
	timers atomic.Int32
	stops  atomic.Int32
}

func (c *stopTrackingClock) NewTimer(d time.Duration) clockz.Timer {
	c.timers.Add(1)
	return &stopTrackingTimer{Timer: c.Clock.NewTimer(d), stops: &c.stops}
}

type stopTrackingTimer struct {
	clockz.Timer
	stops *atomic.Int32
}

func (t *stopTrackingTimer) Stop() bool {
	t.stops.Add(1)
	return t.Timer.Stop()
}
