// Package firestore provides a tributary.Source for Firestore documents
// using realtime listeners.
package firestore

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/firestore"

	"github.com/tributary-io/tributary"
)

// Source watches a Firestore document with a realtime listener. A document
// that does not exist surfaces as an absence; listener failures end the
// sequence with a fault.
type Source struct {
	client     *firestore.Client
	collection string
	document   string
	field      string
}

// Option configures a Source.
type Option func(*Source)

// WithField sets a specific field to extract from the document. If not set,
// the entire document is serialized as JSON.
func WithField(field string) Option {
	return func(s *Source) {
		s.field = field
	}
}

// New creates a Source for the given Firestore document.
func New(client *firestore.Client, collection, document string, opts ...Option) *Source {
	s := &Source{
		client:     client,
		collection: collection,
		document:   document,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe begins watching the document and returns a channel that emits
// the document's data whenever it changes. The current state is emitted
// immediately: contents if the document exists, an absence otherwise.
func (s *Source) Subscribe(ctx context.Context) (<-chan tributary.Arrival[[]byte], error) {
	docRef := s.client.Collection(s.collection).Doc(s.document)

	out := make(chan tributary.Arrival[[]byte])

	go func() {
		defer close(out)

		snapshots := docRef.Snapshots(ctx)
		defer snapshots.Stop()

		for {
			snap, err := snapshots.Next()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				emit(ctx, out, tributary.Fault[[]byte](fmt.Errorf("snapshot listener: %w", err)))
				return
			}

			var arr tributary.Arrival[[]byte]
			if !snap.Exists() {
				arr = tributary.Absent[[]byte]()
			} else {
				arr = s.extract(snap.Data())
			}

			if !emit(ctx, out, arr) {
				return
			}
		}
	}()

	return out, nil
}

// extract pulls the configured field, or serializes the whole document.
func (s *Source) extract(data map[string]interface{}) tributary.Arrival[[]byte] {
	if s.field != "" {
		fieldValue, ok := data[s.field]
		if !ok {
			return tributary.Absent[[]byte]()
		}
		switch v := fieldValue.(type) {
		case []byte:
			return tributary.Value(v)
		case string:
			return tributary.Value([]byte(v))
		default:
			raw, err := json.Marshal(v)
			if err != nil {
				return tributary.Fault[[]byte](fmt.Errorf("marshal field %s: %w", s.field, err))
			}
			return tributary.Value(raw)
		}
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return tributary.Fault[[]byte](fmt.Errorf("marshal document: %w", err))
	}
	return tributary.Value(raw)
}

func emit(ctx context.Context, out chan<- tributary.Arrival[[]byte], arr tributary.Arrival[[]byte]) bool {
	select {
	case out <- arr:
		return true
	case <-ctx.Done():
		return false
	}
}
