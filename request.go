package tributary

import "github.com/zoobzio/pipz"

// Pipeline stage names.
const (
	applyID       = pipz.Name("apply")
	passthroughID = pipz.Name("passthrough")
)

// Request carries an accepted value through the delivery pipeline.
// It exposes both the previous and the incoming value so pipeline stages can
// act on what changed.
type Request[T any] struct {
	// Previous is the value currently held in state.
	// Zero value when no value has been applied yet.
	Previous T

	// Current is the newly accepted value. Pipeline stages may replace it
	// before it reaches state.
	Current T
}
