package tributary

import (
	"context"
	"time"

	"github.com/zoobzio/pipz"
)

// Option configures the delivery pipeline of an Aggregator or Confluence.
// Pipeline options wrap the point where an accepted value is folded into
// state, so middleware observes and may transform every applied value.
//
// Instance configuration (debounce, clock, equality, metrics) is handled via
// chainable methods on the aggregator before the first Listen or Attach.
// Redelivery policy belongs to the source; there are no retry wrappers.
type Option[T any] func(pipz.Chainable[*Request[T]]) pipz.Chainable[*Request[T]]

// buildPipeline wraps a terminal with pipeline options.
func buildPipeline[T any](terminal pipz.Chainable[*Request[T]], opts []Option[T]) pipz.Chainable[*Request[T]] {
	pipeline := terminal
	for _, opt := range opts {
		pipeline = opt(pipeline)
	}
	return pipeline
}

// WithMiddleware wraps the pipeline with a sequence of processors.
// Processors execute in order, with state folding last.
//
// Example:
//
//	tributary.New[Query, Profile](
//	    bind,
//	    tributary.WithMiddleware(
//	        tributary.UseEffect[Profile]("audit", auditFn),
//	        tributary.UseApply[Profile]("enrich", enrichFn),
//	    ),
//	)
func WithMiddleware[T any](processors ...pipz.Chainable[*Request[T]]) Option[T] {
	return func(p pipz.Chainable[*Request[T]]) pipz.Chainable[*Request[T]] {
		all := make([]pipz.Chainable[*Request[T]], 0, len(processors)+1)
		all = append(all, processors...)
		all = append(all, p)
		return pipz.NewSequence("middleware", all...)
	}
}

// WithTimeout wraps the pipeline with a deadline. A fold that exceeds d
// fails and surfaces like a source fault.
func WithTimeout[T any](d time.Duration) Option[T] {
	return func(p pipz.Chainable[*Request[T]]) pipz.Chainable[*Request[T]] {
		return pipz.NewTimeout("timeout", p, d)
	}
}

// WithErrorHandler adds error observation to the pipeline.
// Errors are passed to the handler for logging, metrics, or alerting, but
// still propagate. Use this for observability, not recovery.
func WithErrorHandler[T any](handler pipz.Chainable[*pipz.Error[*Request[T]]]) Option[T] {
	return func(p pipz.Chainable[*Request[T]]) pipz.Chainable[*Request[T]] {
		return pipz.NewHandle("error-handler", p, handler)
	}
}

// UseTransform creates a processor that transforms the request.
// Cannot fail. Use for pure transformations that always succeed.
func UseTransform[T any](name string, fn func(context.Context, *Request[T]) *Request[T]) pipz.Chainable[*Request[T]] {
	return pipz.Transform(pipz.Name(name), fn)
}

// UseApply creates a processor that can transform the request and fail.
func UseApply[T any](name string, fn func(context.Context, *Request[T]) (*Request[T], error)) pipz.Chainable[*Request[T]] {
	return pipz.Apply(pipz.Name(name), fn)
}

// UseEffect creates a processor that performs a side effect. The request
// passes through unchanged.
func UseEffect[T any](name string, fn func(context.Context, *Request[T]) error) pipz.Chainable[*Request[T]] {
	return pipz.Effect(pipz.Name(name), fn)
}

// UseMutate creates a processor that conditionally transforms the request.
// The transformer is only applied when the condition returns true.
func UseMutate[T any](name string, transformer func(context.Context, *Request[T]) *Request[T], condition func(context.Context, *Request[T]) bool) pipz.Chainable[*Request[T]] {
	return pipz.Mutate(pipz.Name(name), transformer, condition)
}

// UseEnrich creates a processor that attempts optional enhancement. If the
// enrichment fails, processing continues with the original request.
func UseEnrich[T any](name string, fn func(context.Context, *Request[T]) (*Request[T], error)) pipz.Chainable[*Request[T]] {
	return pipz.Enrich(pipz.Name(name), fn)
}

// UseFilter wraps a processor with a condition. When the condition returns
// false, the request passes through unchanged.
func UseFilter[T any](name string, condition func(context.Context, *Request[T]) bool, processor pipz.Chainable[*Request[T]]) pipz.Chainable[*Request[T]] {
	return pipz.NewFilter(pipz.Name(name), condition, processor)
}

// UseRateLimit creates a rate limiting processor using a token bucket with
// the given rate (tokens per second) and burst size. When tokens are
// exhausted, folding waits for availability.
func UseRateLimit[T any](rate float64, burst int) pipz.Chainable[*Request[T]] {
	return pipz.NewRateLimiter[*Request[T]]("rate-limiter", rate, burst)
}
