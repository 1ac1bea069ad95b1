package stream

import (
	"context"
	"errors"
	"sort"
	"sync"

	"goa.design/clue/log"
)

type (
	// Sink delivers envelopes to a client over a transport (WebSocket, SSE,
	// test capture). Implementations must be safe for concurrent Send calls
	// and must deliver envelopes one per transport write: delivery order is
	// the delta aggregator's identity contract, so sinks never reorder,
	// coalesce, or batch.
	Sink interface {
		// Send publishes one envelope to the sink's transport. Send returns
		// an error when delivery is no longer possible (connection closed,
		// sink closed, context canceled). A sink that returns an error from
		// Send is considered dead by the Bus and is detached.
		Send(ctx context.Context, env Envelope) error

		// Close releases resources owned by the sink. Close is idempotent;
		// after it returns, subsequent Send calls must return an error.
		Close(ctx context.Context) error
	}

	// Bus fans envelopes out to attached sinks in attachment order. It is
	// the session-side half of the transport adapter: the session publishes
	// every envelope it produces, and each connected client attaches a sink
	// to observe the stream.
	//
	// Unlike delivery failures inside a session run, a failing sink must not
	// abort the run or starve other clients: Publish detaches a sink whose
	// Send fails and keeps delivering to the rest.
	Bus struct {
		mu    sync.RWMutex
		seq   int
		sinks map[*Subscription]Sink
	}

	// Subscription is a handle to an attached sink. Closing it detaches the
	// sink from the bus; Close is idempotent.
	Subscription struct {
		bus  *Bus
		id   int
		once sync.Once
	}
)

// ErrSinkClosed is returned by Send on a sink that has been closed.
var ErrSinkClosed = errors.New("sink closed")

// NewBus returns an empty bus ready for concurrent Attach and Publish.
func NewBus() *Bus {
	return &Bus{sinks: make(map[*Subscription]Sink)}
}

// Attach registers a sink and returns its subscription handle. Attach
// returns an error if sink is nil.
func (b *Bus) Attach(sink Sink) (*Subscription, error) {
	if sink == nil {
		return nil, errors.New("stream sink is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	sub := &Subscription{bus: b, id: b.seq}
	b.sinks[sub] = sink
	return sub, nil
}

// Publish delivers the envelope to every attached sink in attachment order.
// A sink whose Send fails is detached and logged; remaining sinks still
// receive the envelope. Publish never returns an error to the producer:
// transport failures terminate connections, not runs.
func (b *Bus) Publish(ctx context.Context, env Envelope) {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.sinks))
	for sub := range b.sinks {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()
	// Map iteration order is random; restore attachment order so clients
	// attached earlier observe envelopes first, deterministically.
	sortSubs(subs)
	for _, sub := range subs {
		b.mu.RLock()
		sink, ok := b.sinks[sub]
		b.mu.RUnlock()
		if !ok {
			continue
		}
		if err := sink.Send(ctx, env); err != nil {
			log.Info(ctx, log.KV{K: "msg", V: "detaching failed stream sink"}, log.KV{K: "err", V: err.Error()})
			sub.Close()
		}
	}
}

// Len reports the number of attached sinks.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sinks)
}

// Close detaches every sink and closes each one.
func (b *Bus) Close(ctx context.Context) {
	b.mu.Lock()
	sinks := make([]Sink, 0, len(b.sinks))
	for sub, sink := range b.sinks {
		sinks = append(sinks, sink)
		delete(b.sinks, sub)
	}
	b.mu.Unlock()
	for _, sink := range sinks {
		_ = sink.Close(ctx)
	}
}

// Close detaches the sink from the bus. Idempotent and thread-safe; after
// Close returns the sink receives no further envelopes, though an envelope
// already in flight may still be delivered.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.sinks, s)
		s.bus.mu.Unlock()
	})
	return nil
}

func sortSubs(subs []*Subscription) {
	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })
}
