// Package channel provides an in-memory topic exchange for the event bus,
// useful for tests and local development. It mirrors broker behavior where it
// matters to the consumer runtime: routing-key pattern bindings, exactly one
// delivery per matching queue, round-robin across subscribers of a queue, and
// requeue-at-front on nack.
package channel

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/medtrack/eventbus/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates an in-memory topic exchange and declares the configured queue
// with its bindings.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	exchange := New(logger)
	if queue := cfg.GetQueue(); queue != "" {
		if err := exchange.DeclareQueue(queue, cfg.GetBindings()...); err != nil {
			return transport.Transport{}, err
		}
	}
	return transport.Transport{
		Publisher:  exchange,
		Subscriber: exchange,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

// Match reports whether a routing key matches a binding pattern. "*" matches
// exactly one dot-delimited segment, "#" matches zero or more.
func Match(pattern, routingKey string) bool {
	return matchSegments(strings.Split(pattern, "."), strings.Split(routingKey, "."))
}

func matchSegments(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if matchSegments(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && matchSegments(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && matchSegments(pattern[1:], key[1:])
	}
}

// TopicExchange is an in-memory topic exchange implementing both
// message.Publisher and message.Subscriber.
type TopicExchange struct {
	logger watermill.LoggerAdapter

	mu      sync.RWMutex
	queues  map[string]*memQueue
	closed  bool
	closing chan struct{}
}

// New creates an empty in-memory topic exchange.
func New(logger watermill.LoggerAdapter) *TopicExchange {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &TopicExchange{
		logger:  logger,
		queues:  make(map[string]*memQueue),
		closing: make(chan struct{}),
	}
}

// DeclareQueue declares a queue and binds it to the given patterns.
// Declaring the same queue again is a no-op for existing bindings; new
// patterns are added. Duplicate binds are dropped, so a message matching two
// overlapping patterns is still delivered once.
func (t *TopicExchange) DeclareQueue(name string, bindings ...string) error {
	if name == "" {
		return fmt.Errorf("channel: queue name is required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("channel: exchange is closed")
	}

	q, ok := t.queues[name]
	if !ok {
		q = newMemQueue(name)
		t.queues[name] = q
	}
	q.bind(bindings...)
	return nil
}

// Publish routes each message to every queue with at least one matching
// binding. A queue receives a matching message exactly once regardless of how
// many of its bindings match. Publish never blocks on slow consumers.
func (t *TopicExchange) Publish(topic string, messages ...*message.Message) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return fmt.Errorf("channel: exchange is closed")
	}

	for _, msg := range messages {
		delivered := 0
		for _, q := range t.queues {
			if q.matches(topic) {
				q.push(copyMessage(msg))
				delivered++
			}
		}
		t.logger.Trace("Published message", watermill.LogFields{
			"topic":  topic,
			"uuid":   msg.UUID,
			"queues": delivered,
		})
	}
	return nil
}

// Subscribe consumes from the named queue. An undeclared queue is created
// bound to its own name, which matches how per-topic queues behave on the
// broker. Deliveries are sequential per subscription: the next message is
// handed out only after the previous one is acked or nacked, and a nack puts
// the message back at the front of the queue.
func (t *TopicExchange) Subscribe(ctx context.Context, queueName string) (<-chan *message.Message, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("channel: exchange is closed")
	}
	q, ok := t.queues[queueName]
	if !ok {
		q = newMemQueue(queueName)
		q.bind(queueName)
		t.queues[queueName] = q
	}
	t.mu.Unlock()

	out := make(chan *message.Message)
	go t.consumeLoop(ctx, q, out)
	return out, nil
}

func (t *TopicExchange) consumeLoop(ctx context.Context, q *memQueue, out chan<- *message.Message) {
	defer close(out)

	for {
		msg, ok := q.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-t.closing:
				return
			case <-q.signal:
				continue
			}
		}

		delivery := copyMessage(msg)
		delivery.SetContext(ctx)

		select {
		case out <- delivery:
		case <-ctx.Done():
			q.pushFront(msg)
			return
		case <-t.closing:
			q.pushFront(msg)
			return
		}

		select {
		case <-delivery.Acked():
		case <-delivery.Nacked():
			q.pushFront(msg)
		case <-ctx.Done():
			q.pushFront(msg)
			return
		case <-t.closing:
			q.pushFront(msg)
			return
		}
	}
}

// Close shuts the exchange down. Undelivered messages are dropped; a real
// broker would keep them on its durable queues.
func (t *TopicExchange) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	close(t.closing)
	return nil
}

// memQueue is an unbounded FIFO backlog with pattern bindings.
type memQueue struct {
	name string

	mu       sync.Mutex
	bindings []string
	backlog  []*message.Message

	// signal wakes one idle subscriber after a push.
	signal chan struct{}
}

func newMemQueue(name string) *memQueue {
	return &memQueue{
		name:   name,
		signal: make(chan struct{}, 1),
	}
}

func (q *memQueue) bind(patterns ...string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, pattern := range patterns {
		duplicate := false
		for _, existing := range q.bindings {
			if existing == pattern {
				duplicate = true
				break
			}
		}
		if !duplicate {
			q.bindings = append(q.bindings, pattern)
		}
	}
}

func (q *memQueue) matches(routingKey string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, pattern := range q.bindings {
		if Match(pattern, routingKey) {
			return true
		}
	}
	return false
}

func (q *memQueue) push(msg *message.Message) {
	q.mu.Lock()
	q.backlog = append(q.backlog, msg)
	q.mu.Unlock()
	q.wake()
}

func (q *memQueue) pushFront(msg *message.Message) {
	q.mu.Lock()
	q.backlog = append([]*message.Message{msg}, q.backlog...)
	q.mu.Unlock()
	q.wake()
}

func (q *memQueue) pop() (*message.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.backlog) == 0 {
		return nil, false
	}
	msg := q.backlog[0]
	q.backlog = q.backlog[1:]
	return msg, true
}

func (q *memQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// copyMessage clones a message with fresh ack/nack state. The stored copy on
// the queue never carries delivery state, so a redelivery starts clean.
func copyMessage(msg *message.Message) *message.Message {
	payload := make([]byte, len(msg.Payload))
	copy(payload, msg.Payload)

	cloned := message.NewMessage(msg.UUID, payload)
	for k, v := range msg.Metadata {
		cloned.Metadata.Set(k, v)
	}
	return cloned
}
