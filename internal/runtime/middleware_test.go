package runtime

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"

	configpkg "github.com/medtrack/eventbus/internal/runtime/config"
	errspkg "github.com/medtrack/eventbus/internal/runtime/errors"
	idspkg "github.com/medtrack/eventbus/internal/runtime/ids"
	loggingpkg "github.com/medtrack/eventbus/internal/runtime/logging"
	metadatapkg "github.com/medtrack/eventbus/internal/runtime/metadata"
)

func discardLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCorrelationIDMiddleware(t *testing.T) {
	t.Parallel()

	svc := &Service{}
	mw := svc.correlationIDMiddleware()

	t.Run("adds missing id", func(t *testing.T) {
		msg := message.NewMessage(idspkg.NewULID(), nil)
		msg.Metadata = message.Metadata{}
		called := false
		_, err := mw(func(m *message.Message) ([]*message.Message, error) {
			called = true
			if m.Metadata.Get(metadatapkg.KeyCorrelationID) == "" {
				t.Fatal("expected correlation id to be populated")
			}
			return nil, nil
		})(msg)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !called {
			t.Fatal("handler not invoked")
		}
	})

	t.Run("keeps existing id", func(t *testing.T) {
		msg := message.NewMessage(idspkg.NewULID(), nil)
		msg.Metadata = message.Metadata{metadatapkg.KeyCorrelationID: "fixed"}
		_, err := mw(func(m *message.Message) ([]*message.Message, error) {
			if m.Metadata.Get(metadatapkg.KeyCorrelationID) != "fixed" {
				t.Fatal("expected correlation id to be preserved")
			}
			return nil, nil
		})(msg)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestAttemptsMiddleware(t *testing.T) {
	t.Parallel()

	svc := &Service{Conf: &configpkg.Config{MaxAttempts: 2}}
	mw := svc.attemptsMiddleware()

	handlerErr := errors.New("db unavailable")
	failing := mw(func(m *message.Message) ([]*message.Message, error) {
		return nil, handlerErr
	})

	msg := message.NewMessage("msg-1", nil)

	// Attempts one and two fail with the handler error.
	for want := 1; want <= 2; want++ {
		_, err := failing(msg)
		if !errors.Is(err, handlerErr) {
			t.Fatalf("attempt %d: got %v, want handler error", want, err)
		}
		if got := metadatapkg.Attempt(msg.Metadata); got != want {
			t.Fatalf("attempt metadata = %d, want %d", got, want)
		}
	}

	// The third delivery exceeds the limit without running the handler.
	ran := false
	exceeded := mw(func(m *message.Message) ([]*message.Message, error) {
		ran = true
		return nil, nil
	})
	_, err := exceeded(msg)
	var maxErr *errspkg.MaxAttemptsError
	if !errors.As(err, &maxErr) {
		t.Fatalf("expected MaxAttemptsError, got %v", err)
	}
	if ran {
		t.Fatal("handler ran past the attempt limit")
	}
	if maxErr.Attempts != 3 || maxErr.Max != 2 {
		t.Fatalf("MaxAttemptsError = %+v", maxErr)
	}
	if !errors.Is(maxErr, handlerErr) {
		t.Fatal("expected the last handler error as cause")
	}
}

func TestAttemptsMiddlewareClearsOnSuccess(t *testing.T) {
	t.Parallel()

	svc := &Service{Conf: &configpkg.Config{MaxAttempts: 2}}
	mw := svc.attemptsMiddleware()

	msg := message.NewMessage("msg-2", nil)

	fail := true
	handler := mw(func(m *message.Message) ([]*message.Message, error) {
		if fail {
			return nil, errors.New("transient")
		}
		return nil, nil
	})

	if _, err := handler(msg); err == nil {
		t.Fatal("expected first attempt to fail")
	}
	fail = false
	if _, err := handler(msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Success reset the counter; the next delivery starts at attempt one.
	if _, err := handler(msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := metadatapkg.Attempt(msg.Metadata); got != 1 {
		t.Fatalf("attempt metadata = %d, want 1 after reset", got)
	}
}

func TestIsDeadLetterError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"serialization", &errspkg.SerializationError{Op: "decode", Err: errors.New("bad json")}, true},
		{"max attempts", &errspkg.MaxAttemptsError{Attempts: 4, Max: 3}, true},
		{"handler error", &errspkg.HandlerError{EventType: "user.created", Err: errors.New("boom")}, false},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		if got := IsDeadLetterError(tt.err); got != tt.want {
			t.Errorf("%s: IsDeadLetterError = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestDeadLetterMiddleware(t *testing.T) {
	t.Parallel()

	pub := &capturingPublisher{}
	svc := &Service{
		Conf: &configpkg.Config{
			Queue:           "profile.events",
			DeadLetterTopic: "profile.events.dlq",
		},
		Logger:    discardLogger(),
		publisher: pub,
	}

	mw, err := svc.deadLetterMiddlewareWithFilter(IsDeadLetterError)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	t.Run("diverts poison and acks", func(t *testing.T) {
		msg := message.NewMessage("poison-1", []byte("not json"))
		_, err := mw(func(m *message.Message) ([]*message.Message, error) {
			return nil, &errspkg.SerializationError{Op: "decode", Err: errors.New("bad json")}
		})(msg)
		if err != nil {
			t.Fatalf("expected poison to be swallowed, got %v", err)
		}

		topics, msgs := pub.published()
		if len(msgs) != 1 || topics[0] != "profile.events.dlq" {
			t.Fatalf("published = %v", topics)
		}
		if msgs[0].Metadata.Get(metadatapkg.KeyOriginalTopic) != "profile.events" {
			t.Fatal("expected original queue in dead-letter metadata")
		}
		if msgs[0].Metadata.Get(metadatapkg.KeyError) == "" {
			t.Fatal("expected cause in dead-letter metadata")
		}
	})

	t.Run("passes through transient errors", func(t *testing.T) {
		before := len(pub.topics)
		msg := message.NewMessage("transient-1", nil)
		transient := errors.New("db unavailable")
		_, err := mw(func(m *message.Message) ([]*message.Message, error) {
			return nil, transient
		})(msg)
		if !errors.Is(err, transient) {
			t.Fatalf("expected transient error to propagate, got %v", err)
		}
		if len(pub.topics) != before {
			t.Fatal("transient error must not be dead-lettered")
		}
	})
}

func TestDeadLetterMiddlewareSkippedWithoutTopic(t *testing.T) {
	t.Parallel()

	svc := &Service{
		Conf:      &configpkg.Config{},
		Logger:    discardLogger(),
		publisher: &capturingPublisher{},
	}

	mw, err := svc.deadLetterMiddlewareWithFilter(IsDeadLetterError)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mw != nil {
		t.Fatal("expected middleware to be skipped for publisher-only services")
	}
}

func TestRegisterMiddlewareValidation(t *testing.T) {
	t.Parallel()

	svc := &Service{}
	if err := svc.RegisterMiddleware(MiddlewareRegistration{Name: "noop"}); err == nil {
		t.Fatal("expected error without a router")
	}
}

func TestDefaultMiddlewaresOrder(t *testing.T) {
	t.Parallel()

	var names []string
	for _, reg := range DefaultMiddlewares() {
		names = append(names, reg.Name)
	}

	want := []string{"correlation_id", "log_messages", "tracer", "metrics", "dead_letter", "attempts", "retry", "recoverer"}
	if len(names) != len(want) {
		t.Fatalf("middleware names = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("middleware[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}
