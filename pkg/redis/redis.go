// Package redis provides a tributary.Source for Redis keys using keyspace
// notifications.
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/tributary-io/tributary"
)

// Source watches a Redis key using keyspace notifications. A deleted or
// expired key surfaces as an absence, not an error.
//
// Requires Redis to have keyspace notifications enabled:
//
//	CONFIG SET notify-keyspace-events KEA
//
// Or in redis.conf:
//
//	notify-keyspace-events KEA
type Source struct {
	client *redis.Client
	key    string
	db     int
}

// Option configures a Source.
type Option func(*Source)

// WithDB sets the database index used in the keyspace channel name.
// Default: 0.
func WithDB(db int) Option {
	return func(s *Source) {
		s.db = db
	}
}

// New creates a Source for the given Redis key.
func New(client *redis.Client, key string, opts ...Option) *Source {
	s := &Source{
		client: client,
		key:    key,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe begins watching the key and returns a channel that emits the
// key's value whenever it changes. The current value, or an absence if the
// key does not exist, is emitted immediately.
func (s *Source) Subscribe(ctx context.Context) (<-chan tributary.Arrival[[]byte], error) {
	channel := fmt.Sprintf("__keyspace@%d__:%s", s.db, s.key)
	pubsub := s.client.Subscribe(ctx, channel)

	// Verify the subscription before handing out the channel.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to keyspace notifications: %w", err)
	}

	out := make(chan tributary.Arrival[[]byte])

	go func() {
		defer close(out)
		defer pubsub.Close()

		if !emit(ctx, out, s.read(ctx)) {
			return
		}

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var arr tributary.Arrival[[]byte]
				switch msg.Payload {
				case "del", "expired":
					arr = tributary.Absent[[]byte]()
				default:
					arr = s.read(ctx)
				}
				if !emit(ctx, out, arr) {
					return
				}
			}
		}
	}()

	return out, nil
}

// read fetches the key's current value as an arrival.
func (s *Source) read(ctx context.Context) tributary.Arrival[[]byte] {
	val, err := s.client.Get(ctx, s.key).Bytes()
	switch {
	case err == redis.Nil:
		return tributary.Absent[[]byte]()
	case err != nil:
		return tributary.Fault[[]byte](fmt.Errorf("get %s: %w", s.key, err))
	default:
		return tributary.Value(val)
	}
}

func emit(ctx context.Context, out chan<- tributary.Arrival[[]byte], arr tributary.Arrival[[]byte]) bool {
	select {
	case out <- arr:
		return true
	case <-ctx.Done():
		return false
	}
}
