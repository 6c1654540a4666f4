// Package orchestrator composes the detection lifecycle: validate,
// build a Detection, geolocate, build a CoT event, append audit
// events, and durably enqueue for delivery. It is the fixed
// composition Authenticator ∘ RateLimiter ∘ Sanitizer ∘ Orchestrator
// described for the ingress path; callers upstream (the HTTP layer)
// own authentication and rate limiting, and hand this package the raw
// request body, which Process sanitizes itself.
package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/technosupport/ts-vms/internal/audit"
	"github.com/technosupport/ts-vms/internal/cot"
	"github.com/technosupport/ts-vms/internal/detection"
	"github.com/technosupport/ts-vms/internal/geo"
	"github.com/technosupport/ts-vms/internal/queue"
)

// ErrorKind classifies a Process failure for the HTTP layer's status
// mapping (spec's error table), decoupling orchestrator from net/http.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindValidation
	KindGeolocation
	KindQueueFull
	KindInternal
)

// Error is returned by Process on any non-2xx outcome.
type Error struct {
	Kind ErrorKind
	Code string // e.g. E_FIELD_RANGE, ray_parallel, queue_full
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("orchestrator: %s: %v", e.Code, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Metrics observes ingress outcomes; the orchestrator never reads
// these back.
type Metrics interface {
	RecordIngress(outcome string)
}

type nopMetrics struct{}

func (nopMetrics) RecordIngress(string) {}

type nopNotifier struct{}

func (nopNotifier) Publish(string, string, uint64) {}

// Notifier announces queue-item transitions; see delivery.Notifier.
type Notifier interface {
	Publish(event, detectionID string, seq uint64)
}

// Orchestrator holds references to the Queue and Audit Log only — per
// the DAG requirement, it never reaches into the Delivery Worker.
type Orchestrator struct {
	journal  *audit.Journal
	queue    *queue.Store
	notifier Notifier
	metrics  Metrics
	log      *slog.Logger
}

// New constructs an Orchestrator. notifier and metricsImpl may be nil.
func New(journal *audit.Journal, q *queue.Store, notifier Notifier, metricsImpl Metrics, log *slog.Logger) *Orchestrator {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if metricsImpl == nil {
		metricsImpl = nopMetrics{}
	}
	return &Orchestrator{journal: journal, queue: q, notifier: notifier, metrics: metricsImpl, log: log}
}

// Outcome is returned by Process on success: the accepted detection id,
// the CoT XML payload promised for delivery, and the geolocation
// confidence summary the ingress response echoes back to the caller.
type Outcome struct {
	DetectionID    string
	CotXML         []byte
	ConfidenceFlag string
	AccuracyM      float64
}

// Process runs one inbound request through the full lifecycle:
// validate → build Detection → geolocate → build CoT → append
// INGESTED/GEOLOCATED/COT_BUILT → enqueue → QUEUED. It returns 201
// material on success or a classified *Error otherwise. A 201 is only
// ever returned after a durable enqueue.
func (o *Orchestrator) Process(raw []byte, payload detection.Payload, principal string) (*Outcome, *Error) {
	det, err := detection.Sanitize(raw, payload)
	if err != nil {
		o.metrics.RecordIngress("validation_failed")
		var ve *detection.ValidationError
		code := "E_BAD_ENCODING"
		if errors.As(err, &ve) {
			code = string(ve.Code)
		}
		return nil, &Error{Kind: KindValidation, Code: code, Err: err}
	}

	now := time.Now()
	o.append(det.ID, audit.KindIngested, now, principal, nil)

	geoResult, err := geo.Locate(det.Camera, det.PixelX, det.PixelY, det.AIConfidence)
	if err != nil {
		reason := "ray_parallel"
		if errors.Is(err, geo.ErrBehindCamera) {
			reason = "behind_camera"
		}
		o.append(det.ID, audit.KindGeolocationFailed, time.Now(), principal, attrsReason(reason))
		o.metrics.RecordIngress("geolocation_failed")
		return nil, &Error{Kind: KindGeolocation, Code: reason, Err: err}
	}
	o.append(det.ID, audit.KindGeolocated, time.Now(), principal, nil)

	_, xmlBytes, err := cot.Build(cot.Input{
		DetectionID:  det.ID,
		ObjectClass:  det.ObjectClass,
		AIConfidence: det.AIConfidence,
		Geo:          geoResult,
		CaptureTime:  det.CaptureTime,
		CameraID:     det.CameraID,
	})
	if err != nil {
		o.metrics.RecordIngress("internal_error")
		return nil, &Error{Kind: KindInternal, Code: "cot_build_failed", Err: err}
	}
	o.append(det.ID, audit.KindCotBuilt, time.Now(), principal, nil)

	seq, err := o.queue.Enqueue(det.ID, xmlBytes)
	if err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			o.append(det.ID, audit.KindQueueRejected, time.Now(), principal, nil)
			o.metrics.RecordIngress("queue_full")
			return nil, &Error{Kind: KindQueueFull, Code: "queue_full", Err: err}
		}
		o.metrics.RecordIngress("internal_error")
		return nil, &Error{Kind: KindInternal, Code: "enqueue_failed", Err: err}
	}
	o.append(det.ID, audit.KindQueued, time.Now(), principal, nil)
	o.notifier.Publish("queued", det.ID, seq)
	o.metrics.RecordIngress("accepted")

	return &Outcome{
		DetectionID:    det.ID,
		CotXML:         xmlBytes,
		ConfidenceFlag: string(geoResult.ConfidenceClass),
		AccuracyM:      geoResult.AccuracyM,
	}, nil
}

func (o *Orchestrator) append(detectionID string, kind audit.Kind, ts time.Time, principal string, attrs []byte) {
	if _, err := o.journal.Append(detectionID, kind, audit.Millis(ts), principal, attrs); err != nil {
		o.log.Error("append audit event", "kind", kind, "error", err)
	}
}

func attrsReason(reason string) []byte {
	b, err := json.Marshal(map[string]string{"reason": reason})
	if err != nil {
		return nil
	}
	return b
}
