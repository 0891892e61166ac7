package tributary

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the shared validator instance.
var validate = validator.New()

// Checked wraps src, validating each present value against its
// go-playground/validator struct tags. Invalid values surface as faults on
// the sequence instead of reaching state; absences and faults pass through
// unchanged.
//
// Example:
//
//	type Profile struct {
//	    Name string `validate:"required"`
//	    Age  int    `validate:"min=0"`
//	}
//
//	src := tributary.Checked(profileFeed)
func Checked[T any](src Source[T]) Source[T] {
	return SourceFunc[T](func(ctx context.Context) (<-chan Arrival[T], error) {
		in, err := src.Subscribe(ctx)
		if err != nil {
			return nil, err
		}

		out := make(chan Arrival[T])
		go func() {
			defer close(out)
			for {
				select {
				case <-ctx.Done():
					return
				case arr, ok := <-in:
					if !ok {
						return
					}

					res := arr
					if arr.Err() == nil && arr.Present() {
						if err := validate.Struct(arr.Value()); err != nil {
							res = Fault[T](fmt.Errorf("validation failed: %w", err))
						}
					}

					select {
					case out <- res:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
		return out, nil
	})
}
