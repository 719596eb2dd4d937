// Package broker abstracts the downstream message broker. The collector
// publishes canonical event messages keyed by subject so all events for one
// patient land on the same ordered partition, and receives a delivery
// acknowledgment carrying the broker coordinates recorded on the outbox row.
package broker

import (
	"context"
	"strings"
)

// Ack is the broker's acknowledgment of a durable publish.
type Ack struct {
	// Topic is the destination the message landed on.
	Topic string

	// Partition is the ordered partition within the topic. Brokers
	// without partitions report 0.
	Partition int32

	// Offset is the message's position within the partition.
	Offset int64
}

// Publisher delivers messages to the broker. Implementations must be safe
// for concurrent use.
type Publisher interface {
	// Publish sends data keyed by subjectKey and blocks until the broker
	// acknowledges the write. Per-subject ordering is guaranteed: two
	// publishes with the same key are delivered in send order.
	Publish(ctx context.Context, subjectKey string, data []byte) (Ack, error)

	// Close releases the broker connection.
	Close() error
}

// SubjectToken sanitizes an event subject into a broker-safe routing token.
// NATS subjects are dot-separated, so dots, spaces, and wildcards in the
// patient identifier are folded to underscores.
func SubjectToken(subject string) string {
	if subject == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', ' ', '*', '>':
			return '_'
		}
		return r
	}, subject)
}
