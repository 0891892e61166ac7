// Package tributary provides debounced aggregation of external asynchronous
// sources into an observable in-process state value.
//
// The core types are Aggregator, which binds exactly one source at a time to
// a fixed loading/value/error snapshot, and Confluence, which merges an open
// set of keyed sources into a caller-defined state shape:
//
//	Source → Arrival → Debounce → Fold → State → Subscribers
//
// Both are built on Store, a single-goroutine event queue that serializes
// every state transition and notifies subscribers only when the accepted
// state actually differs.
//
// # Sources
//
// A Source produces a sequence of Arrival values: a real value, an explicit
// absence meaning "no data yet", or a fault. Faults never cross the boundary
// as panics; they are routed through the same event queue as values.
// ChannelSource wraps an existing channel for tests and custom feeds;
// FileSource watches a file via fsnotify; backend adapters live under pkg/
// (redis keyspace notifications, Firestore realtime listeners). Decode,
// Checked, Throttle, Buffer, and Filter decorate sources with codec parsing,
// struct validation, and flow control.
//
// # Aggregator
//
// An Aggregator holds a Snapshot[T] and follows one source at a time:
//
//	agg := tributary.New[Query, Profile](bindProfile).
//	    Debounce(50 * time.Millisecond)
//	defer agg.Close()
//
//	cancel := agg.Subscribe(func(s tributary.Snapshot[Profile]) {
//	    render(s)
//	})
//	defer cancel()
//
//	agg.Listen(Query{UserID: "u1"})
//
// Listen cancels the previous subscription, marks the snapshot as loading,
// and binds the new source. Arrivals inside a debounce window are coalesced,
// last value wins, and values structurally equal to the current one are
// suppressed. Source faults land in Snapshot.Err with the prior value intact.
//
// # Confluence
//
// A Confluence merges several keyed sources into one caller-defined state.
// Each key debounces independently; folding is entirely in the caller's
// hands:
//
//	conf := tributary.NewConfluence[int](Dashboard{})
//	defer conf.Close()
//
//	tributary.Attach(conf, 0, orders, func(_ int, o []Order) {
//	    cur := conf.Current()
//	    cur.Orders = o
//	    conf.UpdateState(cur)
//	})
//	tributary.Attach(conf, 1, alerts, func(_ int, a []Alert) {
//	    cur := conf.Current()
//	    cur.Alerts = a
//	    conf.UpdateState(cur)
//	})
//
// # Lifecycle
//
// Both aggregators move Idle → Listening and back to Idle on Reset, which
// tears down every subscription and timer and restores the constructed
// initial state. Close is terminal and reachable from any phase. Detaching
// the last Confluence source deliberately leaves the phase at Listening;
// absence of sources is not itself a transition.
//
// Dispatches against a closed aggregator are silently dropped, and Listen,
// Attach, Detach, and Reset report ErrClosed.
package tributary
