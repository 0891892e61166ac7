package tributary

import "context"

// Arrival is a single emission from a Source: a value, an explicit absence
// meaning "no data yet", or a fault signaled by the source itself.
type Arrival[T any] struct {
	value   T
	present bool
	err     error
}

// Value creates an arrival carrying v.
func Value[T any](v T) Arrival[T] {
	return Arrival[T]{value: v, present: true}
}

// Absent creates an arrival meaning "no data yet". Absences are never
// dispatched into state; they are neither values nor errors.
func Absent[T any]() Arrival[T] {
	return Arrival[T]{}
}

// Fault creates an arrival signaling a source failure.
func Fault[T any](err error) Arrival[T] {
	return Arrival[T]{err: err}
}

// Value returns the carried value, or the zero value if the arrival is
// absent or a fault.
func (a Arrival[T]) Value() T {
	return a.value
}

// Present reports whether the arrival carries a value.
func (a Arrival[T]) Present() bool {
	return a.present
}

// Err returns the source failure, or nil.
func (a Arrival[T]) Err() error {
	return a.err
}

// Source produces an asynchronous sequence of arrivals.
type Source[T any] interface {
	// Subscribe begins producing and returns a channel of arrivals. The
	// channel is closed when the context is canceled or the sequence ends.
	// Subscribe may be called more than once; each call is an independent
	// subscription.
	Subscribe(ctx context.Context) (<-chan Arrival[T], error)
}

// SourceFunc adapts a plain function to the Source interface.
type SourceFunc[T any] func(ctx context.Context) (<-chan Arrival[T], error)

// Subscribe calls f.
func (f SourceFunc[T]) Subscribe(ctx context.Context) (<-chan Arrival[T], error) {
	return f(ctx)
}

// ChannelSource wraps an existing arrival channel as a Source.
// Useful for testing and custom feeds that already produce arrivals.
type ChannelSource[T any] struct {
	ch   <-chan Arrival[T]
	sync bool
}

// NewChannelSource creates a ChannelSource that forwards arrivals from the
// given channel through an internal goroutine.
func NewChannelSource[T any](ch <-chan Arrival[T]) *ChannelSource[T] {
	return &ChannelSource[T]{ch: ch}
}

// NewSyncChannelSource creates a ChannelSource that returns the source
// channel directly without an intermediate goroutine. A ChannelSource built
// this way supports only one subscription.
func NewSyncChannelSource[T any](ch <-chan Arrival[T]) *ChannelSource[T] {
	return &ChannelSource[T]{ch: ch, sync: true}
}

// Subscribe returns a channel that emits arrivals from the wrapped channel.
func (s *ChannelSource[T]) Subscribe(ctx context.Context) (<-chan Arrival[T], error) {
	if s.sync {
		return s.ch, nil
	}

	out := make(chan Arrival[T])
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-s.ch:
				if !ok {
					return
				}
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
