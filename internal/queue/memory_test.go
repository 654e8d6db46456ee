package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Delivery) Delivery {
	t.Helper()
	select {
	case d, ok := <-ch:
		require.True(t, ok, "channel closed")
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return Delivery{}
	}
}

func TestMemoryChannelDelivers(t *testing.T) {
	c := NewMemoryChannel(3)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Publish(ctx, "t", []byte("hello")))

	deliveries, err := c.Consume(ctx, "t")
	require.NoError(t, err)

	d := receive(t, deliveries)
	assert.Equal(t, []byte("hello"), d.Payload)
	assert.Equal(t, 1, d.Attempt)
	require.NoError(t, d.Ack())
	assert.Zero(t, c.Pending("t"))
}

func TestMemoryChannelBuffersWithoutConsumer(t *testing.T) {
	c := NewMemoryChannel(3)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Publish(ctx, "t", []byte("a")))
	require.NoError(t, c.Publish(ctx, "t", []byte("b")))
	assert.Equal(t, 2, c.Pending("t"))

	deliveries, err := c.Consume(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), receive(t, deliveries).Payload)
	assert.Equal(t, []byte("b"), receive(t, deliveries).Payload)
}

func TestMemoryChannelNackIncrementsAttempt(t *testing.T) {
	c := NewMemoryChannel(3)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Publish(ctx, "t", []byte("x")))
	deliveries, err := c.Consume(ctx, "t")
	require.NoError(t, err)

	d := receive(t, deliveries)
	assert.Equal(t, 1, d.Attempt)
	require.NoError(t, d.Nack())

	d = receive(t, deliveries)
	assert.Equal(t, 2, d.Attempt)
	assert.Equal(t, []byte("x"), d.Payload)
}

func TestMemoryChannelDeadLettersAfterMaxAttempts(t *testing.T) {
	c := NewMemoryChannel(2)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Publish(ctx, "t", []byte("poison")))
	deliveries, err := c.Consume(ctx, "t")
	require.NoError(t, err)

	d := receive(t, deliveries)
	require.NoError(t, d.Nack())
	d = receive(t, deliveries)
	assert.Equal(t, 2, d.Attempt)
	require.NoError(t, d.Nack())

	// Third delivery never happens; the message is dead-lettered.
	select {
	case extra := <-deliveries:
		t.Fatalf("unexpected redelivery: %s", extra.Payload)
	case <-time.After(100 * time.Millisecond):
	}

	dead := c.DeadLetters("t")
	require.Len(t, dead, 1)
	assert.Equal(t, []byte("poison"), dead[0])
}

func TestMemoryChannelDeliversDeepBacklog(t *testing.T) {
	c := NewMemoryChannel(3)
	defer c.Close()
	ctx := context.Background()

	// Well past any internal buffering: every message published before the
	// consumer attaches must still arrive, in order.
	const n = 300
	for i := 0; i < n; i++ {
		require.NoError(t, c.Publish(ctx, "t", []byte{byte(i % 256)}))
	}
	require.Equal(t, n, c.Pending("t"))

	deliveries, err := c.Consume(ctx, "t")
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		d := receive(t, deliveries)
		assert.Equal(t, byte(i%256), d.Payload[0])
		require.NoError(t, d.Ack())
	}
	assert.Zero(t, c.Pending("t"))
}

func TestMemoryChannelSustainedPublishWithSlowConsumer(t *testing.T) {
	c := NewMemoryChannel(3)
	defer c.Close()
	ctx := context.Background()

	deliveries, err := c.Consume(ctx, "t")
	require.NoError(t, err)

	// Publish a burst the consumer has not started draining yet, then drain
	// everything; no message may be stranded in the backlog.
	const n = 300
	for i := 0; i < n; i++ {
		require.NoError(t, c.Publish(ctx, "t", []byte("m")))
	}
	for i := 0; i < n; i++ {
		d := receive(t, deliveries)
		require.NoError(t, d.Ack())
	}
	assert.Zero(t, c.Pending("t"))

	select {
	case extra := <-deliveries:
		t.Fatalf("unexpected extra delivery: %s", extra.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryChannelConsumerDetachOnContextCancel(t *testing.T) {
	c := NewMemoryChannel(3)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	deliveries, err := c.Consume(ctx, "t")
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-deliveries:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer channel not closed after cancel")
	}

	// Later publishes buffer instead of going to the detached consumer.
	require.NoError(t, c.Publish(context.Background(), "t", []byte("later")))
	assert.Equal(t, 1, c.Pending("t"))
}
