package audit

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultMaxSpoolBytes bounds the on-disk spool used whenever the
// Postgres mirror is unreachable.
const DefaultMaxSpoolBytes = 1024 * 1024 * 1024 // 1 GiB

// spoolRecord is the JSONL wrapper written to the spool file.
type spoolRecord struct {
	DetectionID string          `json:"detection_id"`
	Seq         uint64          `json:"seq"`
	Kind        string          `json:"kind"`
	Timestamp   time.Time       `json:"timestamp"`
	Principal   string          `json:"principal"`
	Attributes  json.RawMessage `json:"attributes,omitempty"`
}

// Spool is a bounded, append-only JSONL file holding mirror events that
// couldn't reach Postgres yet.
type Spool struct {
	mu       sync.Mutex
	dir      string
	maxBytes int64
}

// NewSpool prepares the spool directory.
func NewSpool(dir string, maxBytes int64) (*Spool, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxSpoolBytes
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("audit: create spool dir: %w", err)
	}
	return &Spool{dir: dir, maxBytes: maxBytes}, nil
}

func (s *Spool) currentFile() string {
	return filepath.Join(s.dir, "audit_mirror_spool.jsonl")
}

// Write appends ev to the spool, refusing to grow the spool past
// maxBytes. A full spool drops the event rather than growing
// unboundedly; this is the one place the mirror can lose an event — the
// binary journal it was derived from never does.
func (s *Spool) Write(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sizeLocked() >= s.maxBytes {
		return fmt.Errorf("audit: mirror spool full, dropping event seq=%d", ev.Seq)
	}

	rec := spoolRecord{
		DetectionID: ev.DetectionID,
		Seq:         ev.Seq,
		Kind:        ev.Kind.String(),
		Timestamp:   ev.Timestamp,
		Principal:   ev.Principal,
		Attributes:  json.RawMessage(ev.Attributes),
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(s.currentFile(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(append(line, '\n'))
	return err
}

func (s *Spool) sizeLocked() int64 {
	var size int64
	filepath.Walk(s.dir, func(_ string, info fs.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size
}

// Replay drains the spool into the database, re-spooling anything that
// still can't be written. It is meant to run periodically from a
// background goroutine.
func Replay(ctx context.Context, db *sql.DB, spool *Spool, log *slog.Logger) {
	spool.mu.Lock()
	defer spool.mu.Unlock()

	current := spool.currentFile()
	info, err := os.Stat(current)
	if os.IsNotExist(err) || (err == nil && info.Size() == 0) {
		return
	}
	if err != nil {
		return
	}

	replayPath := filepath.Join(spool.dir, fmt.Sprintf("replay_%d.jsonl", time.Now().UnixNano()))
	if err := os.Rename(current, replayPath); err != nil {
		log.Error("audit: spool rotate for replay failed", "error", err)
		return
	}

	f, err := os.Open(replayPath)
	if err != nil {
		log.Error("audit: open replay file failed", "error", err)
		return
	}
	defer func() {
		f.Close()
		os.Remove(replayPath)
	}()

	scanner := bufio.NewScanner(f)
	var succeeded, reSpooled int
	for scanner.Scan() {
		var rec spoolRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		_, err := db.ExecContext(ctx, `
			INSERT INTO detection_audit (detection_id, seq, kind, occurred_at, principal, attributes)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (detection_id, seq) DO NOTHING
		`, rec.DetectionID, rec.Seq, rec.Kind, rec.Timestamp, rec.Principal, []byte(rec.Attributes))

		if err != nil {
			reSpooled++
			line, _ := json.Marshal(rec)
			rf, ferr := os.OpenFile(current, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
			if ferr == nil {
				rf.Write(append(line, '\n'))
				rf.Close()
			}
			continue
		}
		succeeded++
	}

	if succeeded > 0 || reSpooled > 0 {
		log.Info("audit: mirror replay complete", "succeeded", succeeded, "re_spooled", reSpooled)
	}
}

// StartReplayLoop runs Replay on a fixed interval until ctx is canceled.
func StartReplayLoop(ctx context.Context, db *sql.DB, spool *Spool, log *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			Replay(ctx, db, spool, log)
		}
	}
}
