package outbox

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	loggingpkg "github.com/medtrack/eventbus/internal/runtime/logging"
)

// Relay polls the outbox store and publishes pending events onto the bus.
// Events are published in insertion order; a publish failure stops the batch
// so ordering survives broker hiccups. Marking can lag behind publishing when
// the process dies in between, which means an event can go out twice. That is
// the at-least-once contract consumers already handle.
type Relay struct {
	store     Store
	publisher message.Publisher
	logger    loggingpkg.ServiceLogger
	interval  time.Duration
	batchSize int
}

// RelayConfig tunes the polling loop. Zero values use the defaults.
type RelayConfig struct {
	Interval  time.Duration // default 1s
	BatchSize int           // default 100
}

// NewRelay creates a relay worker over the given store and publisher.
func NewRelay(store Store, publisher message.Publisher, logger loggingpkg.ServiceLogger, cfg RelayConfig) *Relay {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Relay{
		store:     store,
		publisher: publisher,
		logger:    logger,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
	}
}

// Run polls until the context is cancelled.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("Outbox relay started", loggingpkg.LogFields{
		"interval":   r.interval.String(),
		"batch_size": r.batchSize,
	})

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Outbox relay stopped", nil)
			return
		case <-ticker.C:
			r.ProcessBatch(ctx)
		}
	}
}

// ProcessBatch publishes one batch of pending events. It returns the number
// of events successfully published and marked.
func (r *Relay) ProcessBatch(ctx context.Context) int {
	events, err := r.store.FetchPending(ctx, r.batchSize)
	if err != nil {
		r.logger.Error("Failed to fetch pending outbox events", err, nil)
		return 0
	}

	published := 0
	for _, event := range events {
		msg := message.NewMessage(event.ID, event.Payload)
		if err := r.publisher.Publish(event.EventType, msg); err != nil {
			// Leave this and all later events pending so the retry
			// keeps the original order.
			r.logger.Error("Failed to publish outbox event", err, loggingpkg.LogFields{
				"event_id":   event.ID,
				"event_type": event.EventType,
			})
			return published
		}
		if err := r.store.MarkPublished(ctx, event.ID); err != nil {
			r.logger.Error("Failed to mark outbox event as published", err, loggingpkg.LogFields{
				"event_id": event.ID,
			})
			return published
		}
		published++
	}

	if published > 0 {
		r.logger.Debug("Outbox batch published", loggingpkg.LogFields{"count": published})
	}
	return published
}
