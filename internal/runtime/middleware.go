package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	errspkg "github.com/medtrack/eventbus/internal/runtime/errors"
	idspkg "github.com/medtrack/eventbus/internal/runtime/ids"
	loggingpkg "github.com/medtrack/eventbus/internal/runtime/logging"
	metadatapkg "github.com/medtrack/eventbus/internal/runtime/metadata"
)

// MiddlewareBuilder constructs a handler middleware using the provided service instance.
type MiddlewareBuilder func(*Service) (message.HandlerMiddleware, error)

// MiddlewareRegistration captures how a middleware should be registered on a Service router.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// RetryMiddlewareConfig customises the in-process retry middleware behaviour.
// Zero values fall back to the service config, then to built-in defaults.
type RetryMiddlewareConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RetryIf         func(error) bool
}

func (cfg RetryMiddlewareConfig) withDefaults() RetryMiddlewareConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 5 * time.Second
	}
	return cfg
}

// DefaultMiddlewares returns the standard middleware chain used by the Service
// constructor. Order matters: the dead-letter middleware sits outside the
// attempt counter so that exceeded deliveries are diverted and acked, while
// in-process retry sits inside so a redelivery counts as one attempt no
// matter how often it was retried locally.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		DeadLetterMiddleware(nil),
		AttemptsMiddleware(),
		RetryMiddleware(RetryMiddlewareConfig{}),
		RecovererMiddleware(),
	}
}

// CorrelationIDMiddleware ensures each processed message carries a correlation identifier.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "correlation_id",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return s.correlationIDMiddleware(), nil
		},
	}
}

// LogMessagesMiddleware logs the payload, metadata, and delivery attempt of handled messages.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return s.logMessagesMiddleware(l), nil
		},
	}
}

// TracerMiddleware wraps handler execution in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return s.tracerMiddleware(), nil
		},
	}
}

// MetricsMiddleware adds Prometheus metrics to the handler.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			if !s.Conf.MetricsEnabled {
				return nil, nil
			}

			metricsBuilder := metrics.NewPrometheusMetricsBuilder(
				prometheus.DefaultRegisterer,
				"eventbus",
				s.Conf.PubSubSystem,
			)

			metricsBuilder.AddPrometheusRouterMetrics(s.router)

			if s.Conf.MetricsPort > 0 {
				s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", promhttp.Handler())
			}

			return metricsBuilder.NewRouterMiddleware().Middleware, nil
		},
	}
}

// DeadLetterMiddleware publishes messages that match the supplied filter to
// the configured dead-letter topic and acks the original delivery. The nil
// filter diverts undecodable payloads and deliveries that exceeded the
// attempt limit.
func DeadLetterMiddleware(filter func(error) bool) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "dead_letter",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			f := filter
			if f == nil {
				f = IsDeadLetterError
			}
			return s.deadLetterMiddlewareWithFilter(f)
		},
	}
}

// AttemptsMiddleware counts delivery attempts per message and fails the
// delivery with a MaxAttemptsError once the configured limit is exceeded.
func AttemptsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "attempts",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return s.attemptsMiddleware(), nil
		},
	}
}

// RetryMiddleware retries handler execution in-process with exponential
// backoff before the delivery is nacked back to the broker.
func RetryMiddleware(cfg RetryMiddlewareConfig) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "retry",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			merged := cfg
			if merged.MaxRetries <= 0 {
				merged.MaxRetries = s.Conf.RetryMaxRetries
			}
			if merged.InitialInterval <= 0 {
				merged.InitialInterval = s.Conf.RetryInitialInterval
			}
			if merged.MaxInterval <= 0 {
				merged.MaxInterval = s.Conf.RetryMaxInterval
			}
			return s.retryMiddlewareWithConfig(merged), nil
		},
	}
}

// RecovererMiddleware converts panics into handler errors so they can be
// retried or dead-lettered instead of killing the process.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}

// IsDeadLetterError reports whether an error marks a delivery that must not
// be requeued: undecodable payloads and exceeded attempt limits.
func IsDeadLetterError(err error) bool {
	var serErr *errspkg.SerializationError
	if errors.As(err, &serErr) {
		return true
	}
	var maxErr *errspkg.MaxAttemptsError
	return errors.As(err, &maxErr)
}

// RegisterMiddleware attaches the supplied middleware to the router.
func (s *Service) RegisterMiddleware(cfg MiddlewareRegistration) error {
	if s.router == nil {
		return errors.New("router is not initialised")
	}

	var mw message.HandlerMiddleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(s)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	s.router.AddMiddleware(mw)
	return nil
}

// correlationIDMiddleware injects a correlation ID into the message metadata when missing.
func (s *Service) correlationIDMiddleware() message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			if msg.Metadata.Get(metadatapkg.KeyCorrelationID) == "" {
				msg.Metadata.Set(metadatapkg.KeyCorrelationID, idspkg.NewULID())
			}
			return h(msg)
		}
	}
}

// logMessagesMiddleware logs all processed messages with their metadata.
func (s *Service) logMessagesMiddleware(logger loggingpkg.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			logger.Debug("Processing message", loggingpkg.LogFields{
				"message_uuid":   msg.UUID,
				"payload":        string(msg.Payload),
				"metadata":       msg.Metadata,
				"correlation_id": msg.Metadata.Get(metadatapkg.KeyCorrelationID),
			})
			return h(msg)
		}
	}
}

// tracerMiddleware wraps message handling with an OpenTelemetry span.
func (s *Service) tracerMiddleware() message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			tracer := otel.Tracer("eventbus")
			ctx, span := tracer.Start(
				msg.Context(),
				"ProcessMessage",
			)
			defer span.End()
			msg.SetContext(ctx)

			span.SetAttributes(
				attribute.String("message.uuid", msg.UUID),
				attribute.String("message.correlation_id", msg.Metadata.Get(metadatapkg.KeyCorrelationID)),
			)
			return h(msg)
		}
	}
}

// deadLetterMiddlewareWithFilter diverts matching failures to the dead-letter
// topic. The delivery is then acked; everything else propagates and is nacked
// back to the broker.
func (s *Service) deadLetterMiddlewareWithFilter(filter func(err error) bool) (message.HandlerMiddleware, error) {
	if s.Conf == nil {
		return nil, errors.New("service config is required for dead letter middleware")
	}
	if s.Conf.DeadLetterTopic == "" {
		// Publisher-only services have no queue and nothing to dead-letter.
		return nil, nil
	}
	if s.publisher == nil {
		return nil, errors.New("publisher is required for dead letter middleware")
	}

	poisonMw, err := middleware.PoisonQueueWithFilter(
		s.publisher,
		s.Conf.DeadLetterTopic,
		filter,
	)
	if err != nil {
		return nil, err
	}

	// Stamp the original queue and cause onto the metadata before the
	// message is republished to the dead-letter topic. The delivery will
	// never come back, so its attempt state is dropped as well.
	marker := func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			out, err := h(msg)
			if err != nil && filter(err) {
				metadatapkg.MarkDeadLettered(msg.Metadata, s.Conf.Queue, err)
				s.getAttemptTracker().clear(msg.UUID)
				s.Logger.Warn("Dead-lettering message", loggingpkg.LogFields{
					"message_uuid":      msg.UUID,
					"dead_letter_topic": s.Conf.DeadLetterTopic,
					"error":             err.Error(),
				})
			}
			return out, err
		}
	}

	return func(h message.HandlerFunc) message.HandlerFunc {
		return poisonMw(marker(h))
	}, nil
}

// attemptsMiddleware tracks how often each message has been delivered. The
// broker does not persist mutated headers across a requeue, so attempts are
// tracked in-process keyed by message UUID.
func (s *Service) attemptsMiddleware() message.HandlerMiddleware {
	maxAttempts := s.Conf.MaxAttempts
	tracker := s.getAttemptTracker()

	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			attempt := tracker.next(msg.UUID)
			metadatapkg.SetAttempt(msg.Metadata, attempt)

			if maxAttempts > 0 && attempt > maxAttempts {
				lastErr := tracker.lastError(msg.UUID)
				tracker.clear(msg.UUID)
				return nil, &errspkg.MaxAttemptsError{
					Attempts: attempt,
					Max:      maxAttempts,
					Err:      lastErr,
				}
			}

			out, err := h(msg)
			if err != nil {
				tracker.recordError(msg.UUID, err)
				return nil, err
			}

			tracker.clear(msg.UUID)
			return out, nil
		}
	}
}

func (s *Service) retryMiddlewareWithConfig(cfg RetryMiddlewareConfig) message.HandlerMiddleware {
	normalized := cfg.withDefaults()
	return middleware.Retry{
		MaxRetries:      normalized.MaxRetries,
		InitialInterval: normalized.InitialInterval,
		MaxInterval:     normalized.MaxInterval,
		ShouldRetry: func(params middleware.RetryParams) bool {
			if IsDeadLetterError(params.Err) {
				return false
			}
			if normalized.RetryIf != nil {
				return normalized.RetryIf(params.Err)
			}
			return true
		},
	}.Middleware
}

// attemptTracker counts deliveries per message UUID and remembers the last
// handler error so the dead-letter record can carry a cause.
type attemptTracker struct {
	mu       sync.Mutex
	counts   map[string]int
	lastErrs map[string]error
}

func newAttemptTracker() *attemptTracker {
	return &attemptTracker{
		counts:   make(map[string]int),
		lastErrs: make(map[string]error),
	}
}

func (t *attemptTracker) next(uuid string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[uuid]++
	return t.counts[uuid]
}

func (t *attemptTracker) recordError(uuid string, err error) {
	t.mu.Lock()
	t.lastErrs[uuid] = err
	t.mu.Unlock()
}

func (t *attemptTracker) lastError(uuid string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErrs[uuid]
}

func (t *attemptTracker) clear(uuid string) {
	t.mu.Lock()
	delete(t.counts, uuid)
	delete(t.lastErrs, uuid)
	t.mu.Unlock()
}
