package tributary

import (
	"context"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Codec defines the deserialization contract for raw byte sources.
// Implement this interface to use alternative formats like TOML, HCL, or
// custom binary encodings.
type Codec interface {
	// Unmarshal deserializes bytes into a value.
	Unmarshal(data []byte, v any) error

	// ContentType returns the MIME type for observability and debugging.
	ContentType() string
}

// JSONCodec implements Codec using encoding/json.
type JSONCodec struct{}

// Unmarshal deserializes JSON bytes into v.
func (JSONCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// ContentType returns the JSON MIME type.
func (JSONCodec) ContentType() string {
	return "application/json"
}

var _ Codec = JSONCodec{}

// YAMLCodec implements Codec using gopkg.in/yaml.v3.
type YAMLCodec struct{}

// Unmarshal deserializes YAML bytes into v.
func (YAMLCodec) Unmarshal(data []byte, v any) error {
	return yaml.Unmarshal(data, v)
}

// ContentType returns the YAML MIME type.
func (YAMLCodec) ContentType() string {
	return "application/x-yaml"
}

var _ Codec = YAMLCodec{}

// Decode adapts a raw byte source into a typed source using codec. Bytes
// that fail to unmarshal surface as faults on the typed sequence; absences
// and faults pass through unchanged.
//
// Example:
//
//	src := tributary.Decode[Config](
//	    tributary.NewFileSource("/etc/app/config.yaml"),
//	    tributary.YAMLCodec{},
//	)
func Decode[T any](src Source[[]byte], codec Codec) Source[T] {
	return SourceFunc[T](func(ctx context.Context) (<-chan Arrival[T], error) {
		raw, err := src.Subscribe(ctx)
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
				case arr, ok := <-raw:
					if !ok {
						return
					}

					var res Arrival[T]
					switch {
					case arr.Err() != nil:
						res = Fault[T](arr.Err())
					case !arr.Present():
						res = Absent[T]()
					default:
						var v T
						if err := codec.Unmarshal(arr.Value(), &v); err != nil {
							res = Fault[T](fmt.Errorf("decode %s: %w", codec.ContentType(), err))
						} else {
							res = Value(v)
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
