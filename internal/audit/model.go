// Package audit implements the append-only audit journal: the system
// of record for every processing step a detection goes through. The
// journal's binary file is authoritative; the optional Postgres mirror
// in mirror.go is a secondary, queryable index and is never consulted
// to answer "did this happen".
package audit

import "time"

// Kind is the closed set of audit event kinds. GEOLOCATION_FAILED
// extends the base set for the internal failure case surfaced when the
// Geolocator cannot place a pixel (ray parallel to the ground plane, or
// behind the camera).
type Kind uint8

const (
	KindIngested Kind = iota + 1
	KindValidationFailed
	KindGeolocated
	KindGeolocationFailed
	KindCotBuilt
	KindQueued
	KindPushed
	KindPushFailed
	KindSynced
	KindRateLimited
	KindAuthSuccess
	KindAuthFailure
	KindRetryExhausted
	KindQueueRejected
)

var kindNames = map[Kind]string{
	KindIngested:          "INGESTED",
	KindValidationFailed:  "VALIDATION_FAILED",
	KindGeolocated:        "GEOLOCATED",
	KindGeolocationFailed: "GEOLOCATION_FAILED",
	KindCotBuilt:          "COT_BUILT",
	KindQueued:            "QUEUED",
	KindPushed:            "PUSHED",
	KindPushFailed:        "PUSH_FAILED",
	KindSynced:            "SYNCED",
	KindRateLimited:       "RATE_LIMITED",
	KindAuthSuccess:       "AUTH_SUCCESS",
	KindAuthFailure:       "AUTH_FAILURE",
	KindRetryExhausted:    "RETRY_EXHAUSTED",
	KindQueueRejected:     "QUEUE_REJECTED",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "UNKNOWN"
}

// maxPrincipalBytes and maxAttributesBytes bound the two variable-length
// fields of a journal record.
const (
	maxPrincipalBytes  = 128
	maxAttributesBytes = 65535
)

// Event is one append-only journal record.
type Event struct {
	Seq         uint64
	DetectionID string // UUID string form
	Kind        Kind
	Timestamp   time.Time
	Principal   string
	Attributes  []byte // raw JSON, may be nil
}

// Millis converts a time.Time to the u64 millisecond epoch the journal
// wire format stores.
func Millis(t time.Time) uint64 {
	return uint64(t.UnixMilli())
}
