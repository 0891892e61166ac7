package tributary

import "github.com/zoobzio/capitan"

// Field keys for tributary events.
var (
	// KeySource identifies the source a signal concerns.
	KeySource = capitan.NewStringKey("source")

	// KeyError is the error message when an operation fails.
	KeyError = capitan.NewStringKey("error")

	// KeyDebounce is the configured debounce duration.
	KeyDebounce = capitan.NewDurationKey("debounce")

	// KeyOldPhase is the phase before a transition.
	KeyOldPhase = capitan.NewStringKey("old_phase")

	// KeyNewPhase is the phase after a transition.
	KeyNewPhase = capitan.NewStringKey("new_phase")

	// KeyPhase is the phase an aggregator ended in.
	KeyPhase = capitan.NewStringKey("phase")
)
