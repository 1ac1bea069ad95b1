package stream

import (
	"context"
	"sync"
)

// ChannelSink bridges a session's envelope stream onto a bounded channel.
// The producing session blocks in Send when the buffer is full, which is the
// backpressure contract: a slow consumer slows the producer rather than
// forcing the bus to drop or reorder envelopes. The consumer (typically a
// WebSocket write pump) drains Events one envelope at a time, yielding to the
// scheduler between writes.
type ChannelSink struct {
	ch   chan Envelope
	done chan struct{}
	once sync.Once
}

// NewChannelSink returns a sink whose Events channel buffers up to buffer
// envelopes. A buffer of zero makes every Send rendezvous with the consumer.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer < 0 {
		buffer = 0
	}
	return &ChannelSink{
		ch:   make(chan Envelope, buffer),
		done: make(chan struct{}),
	}
}

// Send implements Sink. It blocks until the envelope is buffered, the sink
// is closed, or ctx is canceled.
func (s *ChannelSink) Send(ctx context.Context, env Envelope) error {
	// Check done first so Send on a closed sink fails deterministically even
	// when buffer space remains.
	select {
	case <-s.done:
		return ErrSinkClosed
	default:
	}
	select {
	case s.ch <- env:
		return nil
	case <-s.done:
		return ErrSinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns the channel the consumer drains. Envelopes arrive in the
// exact order they were published. The channel is never closed by the sink;
// consumers select on Done to learn about shutdown.
func (s *ChannelSink) Events() <-chan Envelope {
	return s.ch
}

// Done is closed when the sink is closed. Consumers select on it alongside
// Events to terminate their drain loop.
func (s *ChannelSink) Done() <-chan struct{} {
	return s.done
}

// Close implements Sink. Idempotent; unblocks any Send in flight.
func (s *ChannelSink) Close(context.Context) error {
	s.once.Do(func() { close(s.done) })
	return nil
}
