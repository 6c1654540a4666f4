package notify

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// TestPublish_NoConnectionDoesNotPanic exercises the retry-then-drop
// path against a connection that can never succeed, since standing up
// a real NATS server is out of scope for a unit test.
func TestPublish_NoConnectionDoesNotPanic(t *testing.T) {
	conn, err := nats.Connect("nats://127.0.0.1:1", nats.NoCallbacksAfterClientClose(), nats.Timeout(10*time.Millisecond), nats.RetryOnFailedConnect(false))
	if err == nil {
		conn.Close()
		t.Skip("unexpected local NATS server listening on the probe port")
	}

	p := NewPublisher(nil, "", testLogger())
	if p.subject != DefaultSubject {
		t.Errorf("expected default subject, got %s", p.subject)
	}
	p.Publish("queued", "00000000-0000-0000-0000-000000000000", 1)
}
