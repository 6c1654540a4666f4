package audit

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestMirror_Index_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	spool, err := NewSpool(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("new spool: %v", err)
	}
	m := NewMirror(db, spool, testLogger())

	mock.ExpectExec("INSERT INTO detection_audit").WillReturnResult(sqlmock.NewResult(1, 1))

	ev := Event{DetectionID: "11111111-2222-3333-4444-555555555555", Seq: 1, Kind: KindIngested, Timestamp: time.Now(), Principal: "cam-1"}
	if err := m.Index(context.Background(), ev); err != nil {
		t.Fatalf("index: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestMirror_Index_FailsOverToSpool(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	dir := t.TempDir()
	spool, err := NewSpool(dir, 0)
	if err != nil {
		t.Fatalf("new spool: %v", err)
	}
	m := NewMirror(db, spool, testLogger())

	mock.ExpectExec("INSERT INTO detection_audit").WillReturnError(context.DeadlineExceeded)

	ev := Event{DetectionID: "11111111-2222-3333-4444-555555555555", Seq: 1, Kind: KindIngested, Timestamp: time.Now(), Principal: "cam-1"}
	if err := m.Index(context.Background(), ev); err != nil {
		t.Fatalf("expected index to swallow db error via spool, got %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read spool dir: %v", err)
	}
	if len(entries) == 0 {
		t.Error("expected a spool file to be created")
	}
}

func TestReplay_DrainsSpoolIntoDB(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	dir := t.TempDir()
	spool, err := NewSpool(dir, 0)
	if err != nil {
		t.Fatalf("new spool: %v", err)
	}

	ev := Event{DetectionID: "11111111-2222-3333-4444-555555555555", Seq: 1, Kind: KindIngested, Timestamp: time.Now(), Principal: "cam-1"}
	if err := spool.Write(ev); err != nil {
		t.Fatalf("spool write: %v", err)
	}

	mock.ExpectExec("INSERT INTO detection_audit").WillReturnResult(sqlmock.NewResult(1, 1))
	Replay(context.Background(), db, spool, testLogger())

	remaining, _ := os.ReadDir(dir)
	for _, e := range remaining {
		if filepath.Ext(e.Name()) == ".jsonl" {
			info, _ := os.Stat(filepath.Join(dir, e.Name()))
			if info != nil && info.Size() > 0 {
				t.Errorf("expected spool drained, found non-empty file %s", e.Name())
			}
		}
	}
}
