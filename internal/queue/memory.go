package queue

import (
	"context"
	"sync"
)

// MemoryChannel is an in-process channel for single-node deployments and
// tests. Delivery semantics mirror the Redis channel: per-message attempt
// counting, requeue on Nack, dead-lettering after MaxAttempts.
type MemoryChannel struct {
	maxAttempts int

	mu     sync.Mutex
	topics map[string]*memoryTopic
	dead   map[string][]envelope

	closed    chan struct{}
	closeOnce sync.Once
}

// memoryTopic holds one topic's backlog. Dispatchers pop from the front;
// notify carries at most one pending wakeup so publishes never block.
type memoryTopic struct {
	backlog []envelope
	notify  chan struct{}
}

// NewMemoryChannel creates an in-process channel. maxAttempts bounds
// redeliveries per message; values below 1 are clamped to 1.
func NewMemoryChannel(maxAttempts int) *MemoryChannel {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &MemoryChannel{
		maxAttempts: maxAttempts,
		topics:      make(map[string]*memoryTopic),
		dead:        make(map[string][]envelope),
		closed:      make(chan struct{}),
	}
}

// Publish enqueues a payload on a topic. The message stays in the backlog
// until a dispatcher hands it to a consumer, so nothing is ever dropped.
func (c *MemoryChannel) Publish(ctx context.Context, topic string, payload []byte) error {
	c.enqueue(topic, newEnvelope(payload))
	return nil
}

// Consume attaches a consumer to a topic. A dispatcher goroutine drains the
// backlog to the returned channel in publish order for as long as ctx lives;
// messages published with no consumer attached wait in the backlog.
func (c *MemoryChannel) Consume(ctx context.Context, topic string) (<-chan Delivery, error) {
	c.mu.Lock()
	t := c.topic(topic)
	c.mu.Unlock()

	out := make(chan Delivery)
	go c.dispatch(ctx, topic, t, out)
	return out, nil
}

// Close stops all dispatchers; their consumer channels close as they exit.
func (c *MemoryChannel) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Pending reports the number of backlogged messages on a topic.
func (c *MemoryChannel) Pending(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.topic(topic).backlog)
}

// DeadLetters returns the payloads dead-lettered from a topic, in order.
func (c *MemoryChannel) DeadLetters(topic string) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	envs := c.dead[topic+DeadLetterSuffix]
	out := make([][]byte, len(envs))
	for i, env := range envs {
		out[i] = env.Body
	}
	return out
}

// topic returns the topic state, creating it on first use. Caller holds mu.
func (c *MemoryChannel) topic(name string) *memoryTopic {
	t, ok := c.topics[name]
	if !ok {
		t = &memoryTopic{notify: make(chan struct{}, 1)}
		c.topics[name] = t
	}
	return t
}

// dispatch moves messages from the backlog to one consumer. Sends block until
// the consumer is ready; a message in hand when the consumer detaches goes
// back to the front of the backlog.
func (c *MemoryChannel) dispatch(ctx context.Context, topic string, t *memoryTopic, out chan Delivery) {
	defer close(out)
	for {
		env, ok := c.pop(t)
		if !ok {
			select {
			case <-t.notify:
				continue
			case <-ctx.Done():
				return
			case <-c.closed:
				return
			}
		}

		select {
		case out <- c.delivery(topic, env):
		case <-ctx.Done():
			c.pushFront(t, env)
			return
		case <-c.closed:
			c.pushFront(t, env)
			return
		}
	}
}

func (c *MemoryChannel) enqueue(topic string, env envelope) {
	c.mu.Lock()
	t := c.topic(topic)
	t.backlog = append(t.backlog, env)
	c.mu.Unlock()
	signal(t)
}

func (c *MemoryChannel) pop(t *memoryTopic) (envelope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(t.backlog) == 0 {
		return envelope{}, false
	}
	env := t.backlog[0]
	t.backlog = t.backlog[1:]
	return env, true
}

func (c *MemoryChannel) pushFront(t *memoryTopic, env envelope) {
	c.mu.Lock()
	t.backlog = append([]envelope{env}, t.backlog...)
	c.mu.Unlock()
	signal(t)
}

// signal posts a wakeup without blocking; one pending wakeup is enough since
// dispatchers drain the backlog to empty before sleeping again.
func signal(t *memoryTopic) {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

func (c *MemoryChannel) delivery(topic string, env envelope) Delivery {
	return Delivery{
		Payload: env.Body,
		Attempt: env.Attempt,
		ack:     func() error { return nil },
		nack: func() error {
			return c.requeue(topic, env)
		},
	}
}

func (c *MemoryChannel) requeue(topic string, env envelope) error {
	if env.Attempt >= c.maxAttempts {
		c.mu.Lock()
		c.dead[topic+DeadLetterSuffix] = append(c.dead[topic+DeadLetterSuffix], env)
		c.mu.Unlock()
		return nil
	}
	env.Attempt++
	c.enqueue(topic, env)
	return nil
}
