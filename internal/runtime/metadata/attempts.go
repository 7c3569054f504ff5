package metadata

import (
	"strconv"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Metadata keys for the bus reliability headers.
const (
	// KeyCorrelationID is a correlation identifier propagated across hops.
	KeyCorrelationID = "eventbus_correlation_id"

	// KeyAttempt is the current delivery attempt number (1-based).
	KeyAttempt = "eventbus_attempt"

	// KeyOriginalTopic stores the original routing key when a message is
	// moved to the dead-letter topic.
	KeyOriginalTopic = "eventbus_original_topic"

	// KeyError stores the last processing error when a message is moved to
	// the dead-letter topic.
	KeyError = "eventbus_error"
)

// Attempt returns the delivery attempt recorded on the message, or 0 when the
// message has not been seen before.
func Attempt(md message.Metadata) int {
	raw := md.Get(KeyAttempt)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// SetAttempt stamps the delivery attempt number on the message.
func SetAttempt(md message.Metadata, n int) {
	md.Set(KeyAttempt, strconv.Itoa(n))
}

// MarkDeadLettered records the provenance of a message that is about to be
// published to the dead-letter topic.
func MarkDeadLettered(md message.Metadata, originalTopic string, cause error) {
	md.Set(KeyOriginalTopic, originalTopic)
	if cause != nil {
		md.Set(KeyError, cause.Error())
	}
}
