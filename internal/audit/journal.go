package audit

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Journal is the append-only, crash-consistent binary audit log. A
// single writer sequencer serializes every Append so seq is strictly
// monotonic; readers (scan/tail) take the same lock, so a read and an
// Append never run at the same time.
type Journal struct {
	mu      sync.Mutex
	f       *os.File
	nextSeq uint64
	path    string
}

// Open loads an existing journal file (or creates one) and recovers
// nextSeq from its tail, truncating any trailing partial record left
// by a crash mid-write.
func Open(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open journal: %w", err)
	}

	lastSeq, validLen, err := scanForRecovery(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Truncate(validLen); err != nil {
		f.Close()
		return nil, fmt.Errorf("audit: truncate trailing partial record: %w", err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, err
	}

	return &Journal{f: f, nextSeq: lastSeq + 1, path: path}, nil
}

// Close fsyncs and releases the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.f.Sync(); err != nil {
		return err
	}
	return j.f.Close()
}

// Append assigns the next seq, writes, and fsyncs the record before
// returning — the journal never acknowledges an append until it is
// durably recorded.
func (j *Journal) Append(detectionID string, kind Kind, timestampMs uint64, principal string, attributes []byte) (uint64, error) {
	if len(principal) > maxPrincipalBytes {
		return 0, fmt.Errorf("audit: principal exceeds %d bytes", maxPrincipalBytes)
	}
	if len(attributes) > maxAttributesBytes {
		return 0, fmt.Errorf("audit: attributes exceed %d bytes", maxAttributesBytes)
	}
	idBytes, err := detectionIDBytes(detectionID)
	if err != nil {
		return 0, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	seq := j.nextSeq
	buf := encodeRecord(seq, idBytes, kind, timestampMs, principal, attributes)

	if _, err := j.f.Write(buf); err != nil {
		return 0, fmt.Errorf("audit: write record: %w", err)
	}
	if err := j.f.Sync(); err != nil {
		return 0, fmt.Errorf("audit: fsync: %w", err)
	}

	j.nextSeq++
	return seq, nil
}

// Scan returns every event for detectionID in seq order.
func (j *Journal) Scan(detectionID string) ([]Event, error) {
	all, err := j.readAll()
	if err != nil {
		return nil, err
	}
	var out []Event
	for _, e := range all {
		if e.DetectionID == detectionID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Tail returns the most recent limit events across all detections, in
// seq order.
func (j *Journal) Tail(limit int) ([]Event, error) {
	all, err := j.readAll()
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit >= len(all) {
		return all, nil
	}
	return all[len(all)-limit:], nil
}

func (j *Journal) readAll() ([]Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	defer j.f.Seek(0, io.SeekEnd)

	r := bufio.NewReader(j.f)
	var events []Event
	for {
		ev, _, err := decodeRecord(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func detectionIDBytes(id string) ([16]byte, error) {
	var out [16]byte
	parsed, err := uuid.Parse(id)
	if err != nil {
		return out, fmt.Errorf("audit: detection id must be a UUID: %w", err)
	}
	copy(out[:], parsed[:])
	return out, nil
}

// encodeRecord lays out: seq(u64 BE) detection_id(16) kind(u8)
// timestamp(u64 BE ms) principal_len(u8) principal attributes_len(u16 BE) attributes.
func encodeRecord(seq uint64, detectionID [16]byte, kind Kind, timestampMs uint64, principal string, attributes []byte) []byte {
	size := 8 + 16 + 1 + 8 + 1 + len(principal) + 2 + len(attributes)
	buf := make([]byte, size)
	off := 0

	binary.BigEndian.PutUint64(buf[off:], seq)
	off += 8
	copy(buf[off:], detectionID[:])
	off += 16
	buf[off] = byte(kind)
	off++
	binary.BigEndian.PutUint64(buf[off:], timestampMs)
	off += 8
	buf[off] = byte(len(principal))
	off++
	copy(buf[off:], principal)
	off += len(principal)
	binary.BigEndian.PutUint16(buf[off:], uint16(len(attributes)))
	off += 2
	copy(buf[off:], attributes)

	return buf
}

const recordHeaderLen = 8 + 16 + 1 + 8 + 1 // up to and including principal_len

func decodeRecord(r *bufio.Reader) (Event, int, error) {
	header := make([]byte, recordHeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return Event{}, 0, err
	}

	off := 0
	seq := binary.BigEndian.Uint64(header[off:])
	off += 8
	var idBytes [16]byte
	copy(idBytes[:], header[off:off+16])
	off += 16
	kind := Kind(header[off])
	off++
	timestampMs := binary.BigEndian.Uint64(header[off:])
	off += 8
	principalLen := int(header[off])

	principal := make([]byte, principalLen)
	if _, err := io.ReadFull(r, principal); err != nil {
		return Event{}, 0, io.ErrUnexpectedEOF
	}

	attrLenBuf := make([]byte, 2)
	if _, err := io.ReadFull(r, attrLenBuf); err != nil {
		return Event{}, 0, io.ErrUnexpectedEOF
	}
	attrLen := int(binary.BigEndian.Uint16(attrLenBuf))

	attrs := make([]byte, attrLen)
	if attrLen > 0 {
		if _, err := io.ReadFull(r, attrs); err != nil {
			return Event{}, 0, io.ErrUnexpectedEOF
		}
	}

	id, _ := uuid.FromBytes(idBytes[:])
	total := recordHeaderLen + principalLen + 2 + attrLen

	return Event{
		Seq:         seq,
		DetectionID: id.String(),
		Kind:        kind,
		Timestamp:   msToTime(timestampMs),
		Principal:   string(principal),
		Attributes:  attrs,
	}, total, nil
}

// scanForRecovery walks the file from the start, returning the seq of
// the last fully-written record and the byte offset up to which the
// file is valid. Any trailing partial record (left by a crash mid-write)
// is excluded from validLen so it can be truncated away.
func scanForRecovery(f *os.File) (lastSeq uint64, validLen int64, err error) {
	if _, err = f.Seek(0, io.SeekStart); err != nil {
		return 0, 0, err
	}
	r := bufio.NewReader(f)

	var offset int64
	for {
		ev, n, rerr := decodeRecord(r)
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			// Partial trailing record: stop here, keep everything before it.
			break
		}
		lastSeq = ev.Seq
		offset += int64(n)
	}
	return lastSeq, offset, nil
}

func msToTime(ms uint64) time.Time {
	return time.UnixMilli(int64(ms)).UTC()
}
