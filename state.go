package tributary

// Phase represents the lifecycle phase of an Aggregator or Confluence.
type Phase int32

const (
	// PhaseIdle indicates no source is being followed: either nothing has
	// been bound yet, or Reset restored the initial state.
	PhaseIdle Phase = iota

	// PhaseListening indicates at least one source has been bound since the
	// last reset. Detaching every source does not leave this phase.
	PhaseListening

	// PhaseClosed indicates the aggregator has been closed. Terminal.
	PhaseClosed
)

// String returns the string representation of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseListening:
		return "listening"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Snapshot is the state shape of a single-source Aggregator. It is replaced
// wholesale on every accepted transition; fields are never mutated in place.
type Snapshot[T any] struct {
	// Value is the last applied value. Meaningful only when HasValue is true.
	Value T

	// HasValue distinguishes a real Value from "no data yet".
	HasValue bool

	// Loading is true from Listen until the first arrival or fault.
	Loading bool

	// Err holds the most recent source fault, cleared on the next applied
	// value. The prior Value survives a fault.
	Err error
}

// snapshotEqual compares two snapshots using eq for the value component.
// Errors are compared by identity; a repeated identical fault is still the
// same state.
func snapshotEqual[T any](eq func(a, b T) bool, a, b Snapshot[T]) bool {
	if a.HasValue != b.HasValue || a.Loading != b.Loading || a.Err != b.Err {
		return false
	}
	if !a.HasValue {
		return true
	}
	return eq(a.Value, b.Value)
}
