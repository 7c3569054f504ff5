package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	configpkg "github.com/medtrack/eventbus/internal/runtime/config"
	"github.com/medtrack/eventbus/internal/runtime/envelope"
	errspkg "github.com/medtrack/eventbus/internal/runtime/errors"
	metadatapkg "github.com/medtrack/eventbus/internal/runtime/metadata"
	transportpkg "github.com/medtrack/eventbus/internal/runtime/transport"
	"github.com/medtrack/eventbus/transport/channel"
)

// sharedExchangeFactory lets several services in one test talk over the same
// in-memory exchange, the way they would share a broker in production.
type sharedExchangeFactory struct {
	exchange *channel.TopicExchange
}

func (f sharedExchangeFactory) Build(ctx context.Context, conf *configpkg.Config, logger watermill.LoggerAdapter) (transportpkg.Transport, error) {
	if conf.Queue != "" {
		if err := f.exchange.DeclareQueue(conf.Queue, conf.Bindings...); err != nil {
			return transportpkg.Transport{}, err
		}
	}
	return transportpkg.Transport{Publisher: f.exchange, Subscriber: f.exchange}, nil
}

func fastRetryConfig(service, queue string, bindings ...string) *configpkg.Config {
	return &configpkg.Config{
		ServiceName:          service,
		PubSubSystem:         channel.TransportName,
		Queue:                queue,
		Bindings:             bindings,
		MaxAttempts:          2,
		RetryMaxRetries:      1,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     5 * time.Millisecond,
	}
}

func startService(t *testing.T, ctx context.Context, exchange *channel.TopicExchange, conf *configpkg.Config) *Service {
	t.Helper()

	svc, err := TryNewService(conf, discardLogger(), ctx, ServiceDependencies{
		TransportFactory: sharedExchangeFactory{exchange: exchange},
	})
	if err != nil {
		t.Fatalf("TryNewService: %v", err)
	}
	return svc
}

func runService(t *testing.T, ctx context.Context, svc *Service) {
	t.Helper()

	go func() {
		if err := svc.Start(ctx); err != nil && ctx.Err() == nil {
			t.Errorf("service stopped: %v", err)
		}
	}()

	select {
	case <-svc.Running():
	case <-time.After(5 * time.Second):
		t.Fatal("service did not start")
	}
}

func receiveEnvelope(t *testing.T, messages <-chan *message.Message) (*envelope.Envelope, *message.Message) {
	t.Helper()
	select {
	case msg, ok := <-messages:
		if !ok {
			t.Fatal("subscription closed")
		}
		msg.Ack()
		event, err := envelope.Decode(msg.Payload)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		return event, msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil, nil
	}
}

func TestTryNewServiceValidation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	if _, err := TryNewService(nil, discardLogger(), ctx, ServiceDependencies{}); !errors.Is(err, errspkg.ErrConfigRequired) {
		t.Fatalf("expected ErrConfigRequired, got %v", err)
	}
	if _, err := TryNewService(&configpkg.Config{ServiceName: "x"}, nil, ctx, ServiceDependencies{}); !errors.Is(err, errspkg.ErrLoggerRequired) {
		t.Fatalf("expected ErrLoggerRequired, got %v", err)
	}
	if _, err := TryNewService(&configpkg.Config{PubSubSystem: "channel"}, discardLogger(), ctx, ServiceDependencies{}); err == nil {
		t.Fatal("expected validation error for missing service name")
	}
}

func TestConsumeQueueValidation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exchange := channel.New(nil)
	defer exchange.Close()

	svc := startService(t, ctx, exchange, fastRetryConfig("profile-service", "profile.events", "user.*"))

	registry := NewHandlerRegistry()
	if err := svc.ConsumeQueue("", registry); !errors.Is(err, errspkg.ErrQueueRequired) {
		t.Fatalf("expected ErrQueueRequired, got %v", err)
	}
	if err := svc.ConsumeQueue("profile.events", nil); !errors.Is(err, errspkg.ErrRegistryRequired) {
		t.Fatalf("expected ErrRegistryRequired, got %v", err)
	}

	if err := svc.ConsumeQueue("profile.events", registry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Consumption freezes the registry.
	if err := registry.RegisterFunc("user.created", noopHandler); !errors.Is(err, errspkg.ErrRegistryFrozen) {
		t.Fatalf("expected ErrRegistryFrozen, got %v", err)
	}

	infos := svc.Handlers()
	if len(infos) != 1 || infos[0].ConsumeQueue != "profile.events" {
		t.Fatalf("handlers = %+v", infos)
	}
}

// A published event flows through one service's handler and the follow-up
// events reach the next queue with the same correlation ID.
func TestServiceEventChain(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exchange := channel.New(nil)
	defer exchange.Close()

	// Observer stands in for the next service in the chain.
	if err := exchange.DeclareQueue("comm.events", "student.created"); err != nil {
		t.Fatal(err)
	}
	observer, err := exchange.Subscribe(ctx, "comm.events")
	if err != nil {
		t.Fatal(err)
	}

	profile := startService(t, ctx, exchange, fastRetryConfig("profile-service", "profile.events", "user.*"))

	registry := NewHandlerRegistry()
	err = registry.RegisterFunc("user.created", func(ctx context.Context, event *envelope.Envelope) ([]*envelope.Envelope, error) {
		student, err := envelope.New("student.created", map[string]any{
			"user_id":    event.Payload["user_id"],
			"student_id": float64(1001),
		}, "profile-service")
		if err != nil {
			return nil, err
		}
		return []*envelope.Envelope{student}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := profile.ConsumeQueue("profile.events", registry); err != nil {
		t.Fatal(err)
	}
	runService(t, ctx, profile)

	auth := startService(t, ctx, exchange, &configpkg.Config{
		ServiceName:  "auth-service",
		PubSubSystem: channel.TransportName,
	})

	user, err := envelope.New("user.created", map[string]any{"user_id": float64(42)}, "auth-service")
	if err != nil {
		t.Fatal(err)
	}
	md := metadatapkg.New(metadatapkg.KeyCorrelationID, "corr-1")
	if err := auth.PublishEnvelope(ctx, user, md); err != nil {
		t.Fatal(err)
	}

	event, msg := receiveEnvelope(t, observer)
	if event.EventType != "student.created" {
		t.Fatalf("event type = %q", event.EventType)
	}
	if event.Service != "profile-service" {
		t.Fatalf("service = %q", event.Service)
	}
	if event.Payload["user_id"] != float64(42) {
		t.Fatalf("payload = %v", event.Payload)
	}
	if got := msg.Metadata.Get(metadatapkg.KeyCorrelationID); got != "corr-1" {
		t.Fatalf("correlation id = %q, want corr-1", got)
	}
}

// Event types matched by a binding but lacking a handler are acked, not
// requeued, and do not block the queue.
func TestServiceAcksUnknownEventTypes(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exchange := channel.New(nil)
	defer exchange.Close()

	svc := startService(t, ctx, exchange, fastRetryConfig("profile-service", "profile.events", "user.*"))

	handled := make(chan string, 4)
	registry := NewHandlerRegistry()
	err := registry.RegisterFunc("user.created", func(ctx context.Context, event *envelope.Envelope) ([]*envelope.Envelope, error) {
		handled <- event.EventType
		return nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.ConsumeQueue("profile.events", registry); err != nil {
		t.Fatal(err)
	}
	runService(t, ctx, svc)

	// user.updated matches the binding but has no handler.
	if err := svc.Publish(ctx, "user.updated", map[string]any{"user_id": float64(1)}); err != nil {
		t.Fatal(err)
	}
	if err := svc.Publish(ctx, "user.created", map[string]any{"user_id": float64(2)}); err != nil {
		t.Fatal(err)
	}

	select {
	case eventType := <-handled:
		if eventType != "user.created" {
			t.Fatalf("handled %q", eventType)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("queue stalled behind the unhandled event type")
	}
}

// Undecodable payloads go to the dead-letter topic exactly once and never
// reach a handler.
func TestServiceDeadLettersPoisonPayloads(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exchange := channel.New(nil)
	defer exchange.Close()

	dlq, err := exchange.Subscribe(ctx, "profile.events.dlq")
	if err != nil {
		t.Fatal(err)
	}

	svc := startService(t, ctx, exchange, fastRetryConfig("profile-service", "profile.events", "user.*"))

	var handlerCalls sync.Map
	registry := NewHandlerRegistry()
	err = registry.RegisterFunc("user.created", func(ctx context.Context, event *envelope.Envelope) ([]*envelope.Envelope, error) {
		handlerCalls.Store("called", true)
		return nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.ConsumeQueue("profile.events", registry); err != nil {
		t.Fatal(err)
	}
	runService(t, ctx, svc)

	if err := exchange.Publish("user.created", message.NewMessage("poison-1", []byte("this is not an envelope"))); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-dlq:
		msg.Ack()
		if string(msg.Payload) != "this is not an envelope" {
			t.Fatalf("dead-lettered payload = %q", msg.Payload)
		}
		if msg.Metadata.Get(metadatapkg.KeyOriginalTopic) != "profile.events" {
			t.Fatal("expected the original queue in the dead-letter metadata")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("poison payload never reached the dead-letter topic")
	}

	if _, ok := handlerCalls.Load("called"); ok {
		t.Fatal("handler ran for an undecodable payload")
	}

	select {
	case msg := <-dlq:
		t.Fatalf("poison delivered twice: %s", msg.UUID)
	case <-time.After(100 * time.Millisecond):
	}
}

// A dead-lettered delivery never comes back, so the service must not keep
// attempt state for it. A consumer fed a stream of malformed messages would
// otherwise grow without bound.
func TestServiceDropsAttemptStateOnDeadLetter(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exchange := channel.New(nil)
	defer exchange.Close()

	dlq, err := exchange.Subscribe(ctx, "profile.events.dlq")
	if err != nil {
		t.Fatal(err)
	}

	svc := startService(t, ctx, exchange, fastRetryConfig("profile-service", "profile.events", "user.*"))

	registry := NewHandlerRegistry()
	err = registry.RegisterFunc("user.created", func(ctx context.Context, event *envelope.Envelope) ([]*envelope.Envelope, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.ConsumeQueue("profile.events", registry); err != nil {
		t.Fatal(err)
	}
	runService(t, ctx, svc)

	if err := exchange.Publish("user.created", message.NewMessage("poison-2", []byte("still not an envelope"))); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-dlq:
		msg.Ack()
	case <-time.After(5 * time.Second):
		t.Fatal("poison payload never reached the dead-letter topic")
	}

	tracker := svc.getAttemptTracker()
	tracker.mu.Lock()
	counts, lastErrs := len(tracker.counts), len(tracker.lastErrs)
	tracker.mu.Unlock()
	if counts != 0 || lastErrs != 0 {
		t.Fatalf("attempt state kept for dead-lettered message: counts=%d lastErrs=%d", counts, lastErrs)
	}
}

// Transient handler failures are retried until they succeed.
func TestServiceRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exchange := channel.New(nil)
	defer exchange.Close()

	conf := fastRetryConfig("comm-service", "comm.events", "user.created")
	conf.RetryMaxRetries = 3
	svc := startService(t, ctx, exchange, conf)

	var mu sync.Mutex
	calls := 0
	done := make(chan struct{})

	registry := NewHandlerRegistry()
	err := registry.RegisterFunc("user.created", func(ctx context.Context, event *envelope.Envelope) ([]*envelope.Envelope, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return nil, fmt.Errorf("smtp unavailable (call %d)", calls)
		}
		close(done)
		return nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.ConsumeQueue("comm.events", registry); err != nil {
		t.Fatal(err)
	}
	runService(t, ctx, svc)

	if err := svc.Publish(ctx, "user.created", map[string]any{"user_id": float64(7)}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never succeeded")
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Fatalf("handler calls = %d, want 3", calls)
	}
}

// A handler that keeps failing exhausts the attempt limit and the delivery is
// dead-lettered with its cause instead of being requeued forever.
func TestServiceDeadLettersAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exchange := channel.New(nil)
	defer exchange.Close()

	dlq, err := exchange.Subscribe(ctx, "comm.events.dlq")
	if err != nil {
		t.Fatal(err)
	}

	svc := startService(t, ctx, exchange, fastRetryConfig("comm-service", "comm.events", "user.created"))

	registry := NewHandlerRegistry()
	err = registry.RegisterFunc("user.created", func(ctx context.Context, event *envelope.Envelope) ([]*envelope.Envelope, error) {
		return nil, errors.New("template renderer is down")
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.ConsumeQueue("comm.events", registry); err != nil {
		t.Fatal(err)
	}
	runService(t, ctx, svc)

	if err := svc.Publish(ctx, "user.created", map[string]any{"user_id": float64(9)}); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-dlq:
		msg.Ack()
		if _, err := envelope.Decode(msg.Payload); err != nil {
			t.Fatalf("dead-lettered payload no longer decodes: %v", err)
		}
		cause := msg.Metadata.Get(metadatapkg.KeyError)
		if cause == "" {
			t.Fatal("expected a cause in the dead-letter metadata")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("delivery never reached the dead-letter topic")
	}
}

// Redelivery of the same event is safe when handlers dedupe on a payload
// identity, which is the contract at-least-once delivery demands of them.
func TestServiceIdempotentHandler(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exchange := channel.New(nil)
	defer exchange.Close()

	svc := startService(t, ctx, exchange, fastRetryConfig("comm-service", "comm.events", "user.created"))

	var mu sync.Mutex
	seen := map[any]bool{}
	sideEffects := 0
	deliveries := 0
	second := make(chan struct{})

	registry := NewHandlerRegistry()
	err := registry.RegisterFunc("user.created", func(ctx context.Context, event *envelope.Envelope) ([]*envelope.Envelope, error) {
		mu.Lock()
		defer mu.Unlock()
		deliveries++
		userID := event.Payload["user_id"]
		if !seen[userID] {
			seen[userID] = true
			sideEffects++
		}
		if deliveries == 2 {
			close(second)
		}
		return nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.ConsumeQueue("comm.events", registry); err != nil {
		t.Fatal(err)
	}
	runService(t, ctx, svc)

	// The same logical event arrives twice.
	for i := 0; i < 2; i++ {
		if err := svc.Publish(ctx, "user.created", map[string]any{"user_id": float64(55)}); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case <-second:
	case <-time.After(5 * time.Second):
		t.Fatal("second delivery never arrived")
	}

	mu.Lock()
	defer mu.Unlock()
	if deliveries != 2 {
		t.Fatalf("deliveries = %d, want 2", deliveries)
	}
	if sideEffects != 1 {
		t.Fatalf("side effects = %d, want 1", sideEffects)
	}
}

// Stats counters reflect processed and failed deliveries.
func TestHandlerStats(t *testing.T) {
	t.Parallel()

	stats := newHandlerStats()
	stats.record(time.Millisecond, nil)
	stats.record(time.Millisecond, errors.New("boom"))

	snap := stats.Snapshot()
	if snap.MessagesProcessed != 1 || snap.MessagesFailed != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.LastError != "boom" {
		t.Fatalf("last error = %q", snap.LastError)
	}
	if snap.LastProcessedAt.IsZero() {
		t.Fatal("expected a last processed timestamp")
	}
}
