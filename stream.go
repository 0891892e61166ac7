package tributary

import (
	"context"

	"github.com/zoobzio/streamz"
)

// Flow-control decorators built on streamz channel processors. They sit
// between a source and the aggregator, shaping the arrival stream before it
// reaches the dispatch queue.

// Throttle limits how fast arrivals flow out of src, at most perSecond
// arrivals per second. Useful for sources that burst faster than state is
// worth recomputing.
func Throttle[T any](src Source[T], perSecond float64) Source[T] {
	return processed(src, streamz.NewThrottle[Arrival[T]](perSecond, streamz.RealClock))
}

// Buffer decouples src from the aggregator with a buffer of size elements,
// so a slow fold does not backpressure the source immediately.
func Buffer[T any](src Source[T], size int) Source[T] {
	return processed(src, streamz.NewBuffer[Arrival[T]](size))
}

// Filter drops present values for which pred returns false. Absences and
// faults always pass through.
func Filter[T any](src Source[T], pred func(T) bool) Source[T] {
	p := streamz.NewFilter(func(a Arrival[T]) bool {
		if !a.Present() {
			return true
		}
		return pred(a.Value())
	}).WithName("filter")
	return processed(src, p)
}

// processed wraps src so its arrival channel runs through proc.
func processed[T any](src Source[T], proc streamz.Processor[Arrival[T], Arrival[T]]) Source[T] {
	return SourceFunc[T](func(ctx context.Context) (<-chan Arrival[T], error) {
		ch, err := src.Subscribe(ctx)
		if err != nil {
			return nil, err
		}
		return proc.Process(ctx, ch), nil
	})
}
