package tributary

import "time"

// MetricsProvider allows integration with metrics systems like Prometheus or
// StatsD. Implement this interface to receive callbacks on key aggregator
// events.
type MetricsProvider interface {
	// OnPhaseChange is called when the aggregator transitions between phases.
	OnPhaseChange(from, to Phase)

	// OnArrival is called when a present value arrives from a source.
	OnArrival()

	// OnApply is called when a value is folded into state. Duration is the
	// time spent in the delivery pipeline.
	OnApply(duration time.Duration)

	// OnApplyFailure is called when the delivery pipeline rejects a value.
	OnApplyFailure(duration time.Duration)

	// OnSuppressed is called when a debounced value equals the current state
	// value and is discarded without notification.
	OnSuppressed()

	// OnSourceFault is called when a source signals a failure.
	OnSourceFault()
}

// NoOpMetricsProvider is a no-op implementation of MetricsProvider.
// Embed it to implement only the methods you need.
type NoOpMetricsProvider struct{}

func (NoOpMetricsProvider) OnPhaseChange(_, _ Phase)          {}
func (NoOpMetricsProvider) OnArrival()                        {}
func (NoOpMetricsProvider) OnApply(_ time.Duration)           {}
func (NoOpMetricsProvider) OnApplyFailure(_ time.Duration)    {}
func (NoOpMetricsProvider) OnSuppressed()                     {}
func (NoOpMetricsProvider) OnSourceFault()                    {}
