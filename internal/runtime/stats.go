package runtime

import (
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
)

// HandlerStats tracks processing counters for one consumer.
type HandlerStats struct {
	mu sync.Mutex

	messagesProcessed   uint64
	messagesFailed      uint64
	totalProcessingTime time.Duration
	lastProcessedAt     time.Time
	lastError           string
}

// HandlerStatsSnapshot is a point-in-time copy of the counters, safe to
// serialize.
type HandlerStatsSnapshot struct {
	MessagesProcessed   uint64        `json:"messages_processed"`
	MessagesFailed      uint64        `json:"messages_failed"`
	TotalProcessingTime time.Duration `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time     `json:"last_processed_at"`
	LastError           string        `json:"last_error,omitempty"`
}

// HandlerInfo describes a registered consumer and its live stats.
type HandlerInfo struct {
	Name         string
	ConsumeQueue string
	EventTypes   []string
	Stats        *HandlerStats
}

func newHandlerStats() *HandlerStats {
	return &HandlerStats{}
}

func (s *HandlerStats) record(duration time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalProcessingTime += duration
	s.lastProcessedAt = time.Now()
	if err != nil {
		s.messagesFailed++
		s.lastError = err.Error()
		return
	}
	s.messagesProcessed++
}

// Snapshot returns a copy of the current counters.
func (s *HandlerStats) Snapshot() HandlerStatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return HandlerStatsSnapshot{
		MessagesProcessed:   s.messagesProcessed,
		MessagesFailed:      s.messagesFailed,
		TotalProcessingTime: s.totalProcessingTime,
		LastProcessedAt:     s.lastProcessedAt,
		LastError:           s.lastError,
	}
}

func wrapHandlerWithStats(handler message.NoPublishHandlerFunc, stats *HandlerStats) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		start := time.Now()
		err := handler(msg)
		stats.record(time.Since(start), err)
		return err
	}
}
