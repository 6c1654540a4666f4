// Package notify publishes best-effort operational notifications about
// queue-item lifecycle transitions to NATS. It is never a delivery
// guarantee: the audit journal and the queue remain the systems of
// record, and a publish failure here is retried briefly, then dropped.
package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubject is the NATS subject queue-item transitions are
// published on absent an operator override.
const DefaultSubject = "cot.delivery.events"

// maxRetries bounds the publish-retry loop; beyond this the event is
// dropped and only logged, since this channel is a convenience, not a
// guarantee.
const maxRetries = 3

// Event is the JSON payload published for each queue-item transition.
type Event struct {
	Kind        string `json:"kind"`
	DetectionID string `json:"detection_id"`
	Seq         uint64 `json:"seq"`
	At          int64  `json:"at"`
}

// Publisher implements delivery.Notifier against a live NATS connection.
type Publisher struct {
	conn    *nats.Conn
	subject string
	log     *slog.Logger
}

// NewPublisher constructs a Publisher. subject defaults to
// DefaultSubject when empty.
func NewPublisher(conn *nats.Conn, subject string, log *slog.Logger) *Publisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &Publisher{conn: conn, subject: subject, log: log}
}

// Publish marshals event and publishes it, retrying a bounded number of
// times with a short linear backoff before dropping the event with a
// warning log.
func (p *Publisher) Publish(kind, detectionID string, seq uint64) {
	data, err := json.Marshal(Event{Kind: kind, DetectionID: detectionID, Seq: seq, At: time.Now().UnixMilli()})
	if err != nil {
		p.log.Error("marshal notification", "error", err)
		return
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := p.conn.Publish(p.subject, data); err == nil {
			return
		} else {
			lastErr = err
		}
		time.Sleep(time.Duration(attempt*100) * time.Millisecond)
	}
	p.log.Warn("dropping delivery notification after retries exhausted",
		"kind", kind, "detection_id", detectionID, "error", fmt.Errorf("publish failed after %d retries: %w", maxRetries, lastErr))
}
