package queue

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestEnqueue_AssignsMonotonicSeq(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.store")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	seq1, err := s.Enqueue(uuid.New().String(), []byte("<event/>"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	seq2, err := s.Enqueue(uuid.New().String(), []byte("<event/>"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if seq2 != seq1+1 {
		t.Errorf("expected strictly increasing seq, got %d then %d", seq1, seq2)
	}
}

func TestEnqueue_RejectsDuplicateDetectionID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.store")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	id := uuid.New().String()
	if _, err := s.Enqueue(id, []byte("<a/>")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.Enqueue(id, []byte("<b/>")); err != ErrDuplicateDetection {
		t.Errorf("expected ErrDuplicateDetection, got %v", err)
	}
}

func TestPeekBatch_MarksInFlightInSeqOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.store")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	for i := 0; i < 3; i++ {
		if _, err := s.Enqueue(uuid.New().String(), []byte("<e/>")); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	batch, err := s.PeekBatch(2, time.Now())
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("expected 2 items, got %d", len(batch))
	}
	if batch[0].Seq >= batch[1].Seq {
		t.Error("expected ascending seq order")
	}
	for _, it := range batch {
		if it.Status != StatusInFlight {
			t.Errorf("expected IN_FLIGHT, got %s", it.Status)
		}
	}

	if s.Size() != 3 {
		t.Errorf("expected size 3 (2 in flight + 1 pending), got %d", s.Size())
	}
}

func TestMarkSynced_RemovesFromLiveSet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.store")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	seq, _ := s.Enqueue(uuid.New().String(), []byte("<e/>"))
	s.PeekBatch(10, time.Now())
	if err := s.MarkSynced(seq); err != nil {
		t.Fatalf("mark synced: %v", err)
	}
	if s.Size() != 0 {
		t.Errorf("expected size 0 after sync, got %d", s.Size())
	}
}

func TestMarkFailed_RetriesThenTerminates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.store")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	seq, _ := s.Enqueue(uuid.New().String(), []byte("<e/>"))

	for attempt := 1; attempt < MaxAttempts; attempt++ {
		s.PeekBatch(10, time.Now().Add(time.Hour)) // force past next_attempt_at
		if err := s.MarkFailed(seq, "transient", time.Now()); err != nil {
			t.Fatalf("mark failed (attempt %d): %v", attempt, err)
		}
		it := s.items[seq]
		if it.Status != StatusPending {
			t.Fatalf("expected PENDING after attempt %d, got %s", attempt, it.Status)
		}
	}

	s.PeekBatch(10, time.Now().Add(time.Hour))
	if err := s.MarkFailed(seq, "client_error", time.Now()); err != nil {
		t.Fatalf("final mark failed: %v", err)
	}
	it := s.items[seq]
	if it.Status != StatusFailed {
		t.Errorf("expected terminal FAILED at attempts=%d, got %s", it.Attempts, it.Status)
	}
	if it.Attempts != MaxAttempts {
		t.Errorf("expected attempts=%d, got %d", MaxAttempts, it.Attempts)
	}
}

func TestOpen_RevertsInFlightToPendingOnRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.store")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	seq, _ := s.Enqueue(uuid.New().String(), []byte("<e/>"))
	s.PeekBatch(10, time.Now())
	s.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	it, ok := s2.items[seq]
	if !ok {
		t.Fatalf("expected item %d to survive restart", seq)
	}
	if it.Status != StatusPending {
		t.Errorf("expected reclaimed item to be PENDING, got %s", it.Status)
	}
}

func TestMarkTerminalFailed_BypassesAttemptLadder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.store")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	seq, _ := s.Enqueue(uuid.New().String(), []byte("<e/>"))
	s.PeekBatch(10, time.Now())

	if err := s.MarkTerminalFailed(seq, "client_error: 400 bad request"); err != nil {
		t.Fatalf("mark terminal failed: %v", err)
	}
	it := s.items[seq]
	if it.Status != StatusFailed {
		t.Errorf("expected immediate terminal FAILED, got %s", it.Status)
	}
	if it.Attempts != 1 {
		t.Errorf("expected a single attempt recorded, got %d", it.Attempts)
	}
}

func TestMarkCancelled_RevertsToPendingWithoutIncrementingAttempts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.store")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	seq, _ := s.Enqueue(uuid.New().String(), []byte("<e/>"))
	s.PeekBatch(10, time.Now())

	if err := s.MarkCancelled(seq, time.Now()); err != nil {
		t.Fatalf("mark cancelled: %v", err)
	}
	it := s.items[seq]
	if it.Status != StatusPending {
		t.Errorf("expected PENDING after cancellation, got %s", it.Status)
	}
	if it.Attempts != 0 {
		t.Errorf("expected attempts unchanged at 0, got %d", it.Attempts)
	}
	if it.LastError != "cancelled" {
		t.Errorf("expected last_error 'cancelled', got %q", it.LastError)
	}
}

func TestOpen_SecondOpenIsRejectedByFlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.store")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if _, err := Open(path); err == nil {
		t.Error("expected second concurrent Open to fail due to the file lock")
	}
}
