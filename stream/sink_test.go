package stream

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// captureSink records every envelope it receives, optionally failing after a
// fixed number of deliveries.
type captureSink struct {
	mu        sync.Mutex
	envs      []Envelope
	failAfter int // fail when len(envs) reaches this, 0 means never
	closed    bool
}

func (c *captureSink) Send(_ context.Context, env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrSinkClosed
	}
	if c.failAfter > 0 && len(c.envs) >= c.failAfter {
		return errors.New("transport gone")
	}
	c.envs = append(c.envs, env)
	return nil
}

func (c *captureSink) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *captureSink) contents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.envs))
	for i, e := range c.envs {
		out[i] = e.Content
	}
	return out
}

func TestBusPublishOrder(t *testing.T) {
	ctx := context.Background()
	bus := NewBus()
	a, b := &captureSink{}, &captureSink{}
	_, err := bus.Attach(a)
	require.NoError(t, err)
	_, err = bus.Attach(b)
	require.NoError(t, err)
	require.Equal(t, 2, bus.Len())

	bus.Publish(ctx, New(RoleAssistant, "one", nil))
	bus.Publish(ctx, New(RoleAssistant, "two", nil))

	require.Equal(t, []string{"one", "two"}, a.contents())
	require.Equal(t, []string{"one", "two"}, b.contents())
}

func TestBusAttachNil(t *testing.T) {
	_, err := NewBus().Attach(nil)
	require.Error(t, err)
}

func TestBusDetachesFailingSink(t *testing.T) {
	ctx := context.Background()
	bus := NewBus()
	bad := &captureSink{failAfter: 1}
	good := &captureSink{}
	_, err := bus.Attach(bad)
	require.NoError(t, err)
	_, err = bus.Attach(good)
	require.NoError(t, err)

	bus.Publish(ctx, New(RoleAssistant, "one", nil))
	bus.Publish(ctx, New(RoleAssistant, "two", nil))
	bus.Publish(ctx, New(RoleAssistant, "three", nil))

	// The failing sink is dropped after its first error; the healthy sink
	// keeps receiving everything.
	require.Equal(t, 1, bus.Len())
	require.Equal(t, []string{"one"}, bad.contents())
	require.Equal(t, []string{"one", "two", "three"}, good.contents())
}

func TestSubscriptionCloseIdempotent(t *testing.T) {
	ctx := context.Background()
	bus := NewBus()
	sink := &captureSink{}
	sub, err := bus.Attach(sink)
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	require.Zero(t, bus.Len())

	bus.Publish(ctx, New(RoleAssistant, "after", nil))
	require.Empty(t, sink.contents())
}

func TestBusClose(t *testing.T) {
	ctx := context.Background()
	bus := NewBus()
	sink := &captureSink{}
	_, err := bus.Attach(sink)
	require.NoError(t, err)

	bus.Close(ctx)
	require.Zero(t, bus.Len())
	require.Error(t, sink.Send(ctx, New(RoleAssistant, "x", nil)))
}

func TestChannelSinkDeliversInOrder(t *testing.T) {
	ctx := context.Background()
	sink := NewChannelSink(4)
	require.NoError(t, sink.Send(ctx, New(RoleAssistant, "a", nil)))
	require.NoError(t, sink.Send(ctx, New(RoleAssistant, "b", nil)))

	require.Equal(t, "a", (<-sink.Events()).Content)
	require.Equal(t, "b", (<-sink.Events()).Content)
}

func TestChannelSinkClose(t *testing.T) {
	ctx := context.Background()
	sink := NewChannelSink(1)
	require.NoError(t, sink.Close(ctx))
	require.NoError(t, sink.Close(ctx))

	err := sink.Send(ctx, New(RoleAssistant, "x", nil))
	require.ErrorIs(t, err, ErrSinkClosed)

	select {
	case <-sink.Done():
	default:
		t.Fatal("Done must be closed after Close")
	}
}

func TestChannelSinkCloseUnblocksSend(t *testing.T) {
	ctx := context.Background()
	sink := NewChannelSink(0)

	errc := make(chan error, 1)
	go func() {
		errc <- sink.Send(ctx, New(RoleAssistant, "blocked", nil))
	}()

	require.NoError(t, sink.Close(ctx))
	require.ErrorIs(t, <-errc, ErrSinkClosed)
}

func TestChannelSinkContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sink := NewChannelSink(0)

	errc := make(chan error, 1)
	go func() {
		errc <- sink.Send(ctx, New(RoleAssistant, "blocked", nil))
	}()

	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)
}
