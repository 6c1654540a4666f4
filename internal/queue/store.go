package queue

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// ErrQueueFull is returned by Enqueue once size() reaches MaxSize.
var ErrQueueFull = errors.New("queue: full")

// ErrDuplicateDetection is returned by Enqueue when a non-SYNCED item
// already exists for the detection id.
var ErrDuplicateDetection = errors.New("queue: detection already has an in-flight item")

// compactThresholdBytes triggers a file rewrite once the append log
// grows this far past its live-item footprint, bounding replay time on
// the next restart.
const compactThresholdBytes = 64 * 1024 * 1024

// Store is the durable, crash-consistent queue. Every mutation is
// appended to an on-disk log and fsynced before the in-memory state (and
// the caller) observes it; a single os-level file lock prevents two
// processes from opening the same store concurrently.
type Store struct {
	mu       sync.Mutex
	f        *os.File
	lockFile *os.File
	path     string
	items    map[uint64]*Item // live (non-SYNCED, non-pruned) items
	nextSeq  uint64
	fileSize int64
}

// Open loads path (creating it if absent), replays it to reconstruct
// live items, reverts any IN_FLIGHT item to PENDING (its holder is
// presumed crashed), and acquires an exclusive flock so only one
// process can write this store at a time.
func Open(path string) (*Store, error) {
	lockFile, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("queue: open lock file: %w", err)
	}
	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		lockFile.Close()
		return nil, fmt.Errorf("queue: store already locked by another process: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)
		lockFile.Close()
		return nil, fmt.Errorf("queue: open store: %w", err)
	}

	s := &Store{f: f, lockFile: lockFile, path: path, items: make(map[uint64]*Item)}
	if err := s.replay(); err != nil {
		f.Close()
		unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)
		lockFile.Close()
		return nil, err
	}

	for _, it := range s.items {
		if it.Status == StatusInFlight {
			it.Status = StatusPending
		}
	}

	return s, nil
}

// Close releases the file lock and closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.f.Close()
	unix.Flock(int(s.lockFile.Fd()), unix.LOCK_UN)
	s.lockFile.Close()
	return err
}

// Enqueue assigns the next seq and durably appends a PENDING item.
func (s *Store) Enqueue(detectionID string, cotXML []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := 0
	for _, it := range s.items {
		if it.Status == StatusPending || it.Status == StatusInFlight {
			live++
		}
		if it.DetectionID == detectionID && it.Status != StatusSynced {
			return 0, ErrDuplicateDetection
		}
	}
	if live >= MaxSize {
		return 0, ErrQueueFull
	}

	s.nextSeq++
	item := &Item{
		Seq:           s.nextSeq,
		DetectionID:   detectionID,
		CotXML:        cotXML,
		EnqueuedAt:    time.Now().UTC(),
		Status:        StatusPending,
		NextAttemptAt: time.Now().UTC(),
	}
	if err := s.appendLocked(item); err != nil {
		return 0, err
	}
	s.items[item.Seq] = item
	return item.Seq, nil
}

// PeekBatch atomically selects up to maxN PENDING items with
// next_attempt_at <= now, ordered by seq ascending, and marks them
// IN_FLIGHT.
func (s *Store) PeekBatch(maxN int, now time.Time) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*Item
	for _, it := range s.items {
		if it.Status == StatusPending && !it.NextAttemptAt.After(now) {
			candidates = append(candidates, it)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Seq < candidates[j].Seq })
	if len(candidates) > maxN {
		candidates = candidates[:maxN]
	}

	out := make([]Item, 0, len(candidates))
	for _, it := range candidates {
		it.Status = StatusInFlight
		if err := s.appendLocked(it); err != nil {
			return nil, err
		}
		out = append(out, *it)
	}
	return out, nil
}

// MarkSynced transitions an IN_FLIGHT item to SYNCED and prunes it from
// the live set.
func (s *Store) MarkSynced(seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[seq]
	if !ok {
		return fmt.Errorf("queue: unknown seq %d", seq)
	}
	it.Status = StatusSynced
	if err := s.appendLocked(it); err != nil {
		return err
	}
	delete(s.items, seq)
	return s.maybeCompactLocked()
}

// MarkFailed records a push failure. When attempts reaches MaxAttempts
// the item becomes terminally FAILED; otherwise it returns to PENDING
// with next_attempt_at computed from the backoff table.
func (s *Store) MarkFailed(seq uint64, lastError string, now time.Time) error {
	if len(lastError) > maxLastErrorBytes {
		lastError = lastError[:maxLastErrorBytes]
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[seq]
	if !ok {
		return fmt.Errorf("queue: unknown seq %d", seq)
	}

	it.Attempts++
	it.LastError = lastError
	if it.Attempts >= MaxAttempts {
		it.Status = StatusFailed
	} else {
		it.Status = StatusPending
		it.NextAttemptAt = now.Add(jittered(Backoff(it.Attempts)))
	}
	return s.appendLocked(it)
}

// MarkCancelled reverts an IN_FLIGHT item to PENDING without touching
// its attempt count, used when the worker draining IN_FLIGHT items on
// shutdown has no verdict from the TAK server and must not penalize the
// item for a push it never got to finish.
func (s *Store) MarkCancelled(seq uint64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[seq]
	if !ok {
		return fmt.Errorf("queue: unknown seq %d", seq)
	}
	if it.Status != StatusInFlight {
		return nil
	}
	it.Status = StatusPending
	it.LastError = "cancelled"
	it.NextAttemptAt = now
	return s.appendLocked(it)
}

// MarkTerminalFailed transitions an IN_FLIGHT item directly to terminal
// FAILED, bypassing the attempts/backoff retry ladder. It is used for
// errors the caller knows are not worth retrying (e.g. a 4xx rejection
// from the remote end), as opposed to MarkFailed's transient-error path.
func (s *Store) MarkTerminalFailed(seq uint64, lastError string) error {
	if len(lastError) > maxLastErrorBytes {
		lastError = lastError[:maxLastErrorBytes]
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[seq]
	if !ok {
		return fmt.Errorf("queue: unknown seq %d", seq)
	}
	it.Attempts++
	it.Status = StatusFailed
	it.LastError = lastError
	return s.appendLocked(it)
}

// Size returns the count of items with status in {PENDING, IN_FLIGHT}.
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, it := range s.items {
		if it.Status == StatusPending || it.Status == StatusInFlight {
			n++
		}
	}
	return n
}

// Snapshot returns a read-only, seq-ordered copy of every live item,
// for offline inspection tooling (cmd/queuectl). It never mutates
// state, unlike PeekBatch.
func (s *Store) Snapshot() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Item, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, *it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// DropOldestPending removes the oldest PENDING item (by seq), used to
// make room under backpressure policies that prefer dropping the
// longest-waiting item over rejecting new enqueues outright. It is not
// invoked by Enqueue itself, which instead returns ErrQueueFull.
func (s *Store) DropOldestPending() (Item, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *Item
	for _, it := range s.items {
		if it.Status != StatusPending {
			continue
		}
		if oldest == nil || it.Seq < oldest.Seq {
			oldest = it
		}
	}
	if oldest == nil {
		return Item{}, false, nil
	}
	dropped := *oldest
	oldest.Status = StatusFailed
	oldest.LastError = "dropped_oldest_pending"
	if err := s.appendLocked(oldest); err != nil {
		return Item{}, false, err
	}
	delete(s.items, oldest.Seq)
	return dropped, true, nil
}

func jittered(base time.Duration) time.Duration {
	jitter := float64(base) * (0.8 + 0.4*pseudoRandFraction())
	return time.Duration(jitter)
}

// pseudoRandFraction returns a value in [0,1) derived from the
// monotonic clock rather than math/rand, so jitter needs no seeding and
// stays cheap on the hot retry path.
func pseudoRandFraction() float64 {
	return float64(time.Now().UnixNano()%1000) / 1000.0
}

func (s *Store) appendLocked(item *Item) error {
	idBytes, err := parseDetectionID(item.DetectionID)
	if err != nil {
		return err
	}
	buf := encodeItem(item, idBytes)
	n, err := s.f.Write(buf)
	if err != nil {
		return fmt.Errorf("queue: write record: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("queue: fsync: %w", err)
	}
	s.fileSize += int64(n)
	return nil
}

func (s *Store) maybeCompactLocked() error {
	if s.fileSize < compactThresholdBytes {
		return nil
	}
	return s.compactLocked()
}

// compactLocked rewrites the store file containing only the current
// live items, then atomically replaces the old file.
func (s *Store) compactLocked() error {
	tmpPath := s.path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("queue: create compact file: %w", err)
	}

	var size int64
	for _, it := range s.items {
		idBytes, err := parseDetectionID(it.DetectionID)
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
		buf := encodeItem(it, idBytes)
		n, err := tmp.Write(buf)
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
		size += int64(n)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	tmp.Close()

	if err := s.f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	s.f = f
	s.fileSize = size
	if _, err := s.f.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	return nil
}

func parseDetectionID(id string) ([16]byte, error) {
	var out [16]byte
	parsed, err := uuid.Parse(id)
	if err != nil {
		return out, fmt.Errorf("queue: detection id must be a UUID: %w", err)
	}
	copy(out[:], parsed[:])
	return out, nil
}

// encodeItem lays out: seq(u64 BE) detection_id(16) enqueued_at(u64 BE ms)
// attempts(u8) next_attempt_at(u64 BE ms) status(u8) last_error_len(u16 BE)
// last_error cot_xml_len(u32 BE) cot_xml.
func encodeItem(it *Item, detectionID [16]byte) []byte {
	size := 8 + 16 + 8 + 1 + 8 + 1 + 2 + len(it.LastError) + 4 + len(it.CotXML)
	buf := make([]byte, size)
	off := 0

	binary.BigEndian.PutUint64(buf[off:], it.Seq)
	off += 8
	copy(buf[off:], detectionID[:])
	off += 16
	binary.BigEndian.PutUint64(buf[off:], uint64(it.EnqueuedAt.UnixMilli()))
	off += 8
	buf[off] = it.Attempts
	off++
	binary.BigEndian.PutUint64(buf[off:], uint64(it.NextAttemptAt.UnixMilli()))
	off += 8
	buf[off] = byte(it.Status)
	off++
	binary.BigEndian.PutUint16(buf[off:], uint16(len(it.LastError)))
	off += 2
	copy(buf[off:], it.LastError)
	off += len(it.LastError)
	binary.BigEndian.PutUint32(buf[off:], uint32(len(it.CotXML)))
	off += 4
	copy(buf[off:], it.CotXML)

	return buf
}

const itemHeaderLen = 8 + 16 + 8 + 1 + 8 + 1 + 2 // up to and including last_error_len

func decodeItem(r *bufio.Reader) (*Item, int, [16]byte, error) {
	header := make([]byte, itemHeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, 0, [16]byte{}, err
	}

	off := 0
	seq := binary.BigEndian.Uint64(header[off:])
	off += 8
	var idBytes [16]byte
	copy(idBytes[:], header[off:off+16])
	off += 16
	enqueuedAtMs := binary.BigEndian.Uint64(header[off:])
	off += 8
	attempts := header[off]
	off++
	nextAttemptAtMs := binary.BigEndian.Uint64(header[off:])
	off += 8
	status := Status(header[off])
	off++
	lastErrLen := int(binary.BigEndian.Uint16(header[off:]))

	lastErr := make([]byte, lastErrLen)
	if lastErrLen > 0 {
		if _, err := io.ReadFull(r, lastErr); err != nil {
			return nil, 0, idBytes, io.ErrUnexpectedEOF
		}
	}

	xmlLenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, xmlLenBuf); err != nil {
		return nil, 0, idBytes, io.ErrUnexpectedEOF
	}
	xmlLen := int(binary.BigEndian.Uint32(xmlLenBuf))

	xmlBytes := make([]byte, xmlLen)
	if xmlLen > 0 {
		if _, err := io.ReadFull(r, xmlBytes); err != nil {
			return nil, 0, idBytes, io.ErrUnexpectedEOF
		}
	}

	id, _ := uuid.FromBytes(idBytes[:])
	total := itemHeaderLen + lastErrLen + 4 + xmlLen

	return &Item{
		Seq:           seq,
		DetectionID:   id.String(),
		CotXML:        xmlBytes,
		EnqueuedAt:    time.UnixMilli(int64(enqueuedAtMs)).UTC(),
		Attempts:      attempts,
		NextAttemptAt: time.UnixMilli(int64(nextAttemptAtMs)).UTC(),
		Status:        status,
		LastError:     string(lastErr),
	}, total, idBytes, nil
}

// replay reads every record in the file, keeping only the latest
// snapshot per seq (last write wins), and sets nextSeq accordingly. A
// trailing partial record from a crash mid-write is truncated away.
func (s *Store) replay() error {
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r := bufio.NewReader(s.f)

	var offset int64
	for {
		item, n, _, err := decodeItem(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		s.items[item.Seq] = item
		if item.Seq > s.nextSeq {
			s.nextSeq = item.Seq
		}
		offset += int64(n)
	}

	for seq, it := range s.items {
		if it.Status == StatusSynced {
			delete(s.items, seq)
		}
	}

	if err := s.f.Truncate(offset); err != nil {
		return fmt.Errorf("queue: truncate trailing partial record: %w", err)
	}
	if _, err := s.f.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	s.fileSize = offset
	return nil
}
