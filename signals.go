package tributary

import "github.com/zoobzio/capitan"

// Lifecycle signals.
var (
	// SourceBound is emitted when a subscription to a source is opened.
	SourceBound = capitan.NewSignal(
		"tributary.source.bound",
		"Source subscription opened",
	)

	// SourceDetached is emitted when a subscription is canceled, whether by
	// replacement, detach, or reset.
	SourceDetached = capitan.NewSignal(
		"tributary.source.detached",
		"Source subscription canceled",
	)

	// PhaseChanged is emitted when an aggregator transitions between phases.
	PhaseChanged = capitan.NewSignal(
		"tributary.phase.changed",
		"Aggregator phase transition",
	)

	// AggregatorReset is emitted when Reset restores the initial state.
	AggregatorReset = capitan.NewSignal(
		"tributary.aggregator.reset",
		"Aggregator reset to initial state",
	)

	// AggregatorClosed is emitted once when an aggregator is closed.
	AggregatorClosed = capitan.NewSignal(
		"tributary.aggregator.closed",
		"Aggregator closed",
	)
)

// Arrival processing signals.
var (
	// ArrivalReceived is emitted when a present value arrives from a source.
	ArrivalReceived = capitan.NewSignal(
		"tributary.arrival.received",
		"Value received from source",
	)

	// ArrivalDropped is emitted when an arrival from a superseded or
	// canceled subscription is discarded.
	ArrivalDropped = capitan.NewSignal(
		"tributary.arrival.dropped",
		"Stale arrival discarded",
	)

	// ArrivalSuppressed is emitted when a debounced value equals the current
	// state value and no notification is produced.
	ArrivalSuppressed = capitan.NewSignal(
		"tributary.arrival.suppressed",
		"Arrival equal to current value suppressed",
	)

	// ArrivalApplied is emitted when a value is folded into state.
	ArrivalApplied = capitan.NewSignal(
		"tributary.arrival.applied",
		"Value applied to state",
	)

	// ApplyFailed is emitted when the delivery pipeline rejects a value.
	ApplyFailed = capitan.NewSignal(
		"tributary.apply.failed",
		"Delivery pipeline failed",
	)

	// SourceFaulted is emitted when a source signals a failure.
	SourceFaulted = capitan.NewSignal(
		"tributary.source.faulted",
		"Source signaled a failure",
	)

	// StateUpdated is emitted when UpdateState accepts a new state.
	StateUpdated = capitan.NewSignal(
		"tributary.state.updated",
		"State replaced via UpdateState",
	)
)
