package orchestrator

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-vms/internal/audit"
	"github.com/technosupport/ts-vms/internal/detection"
	"github.com/technosupport/ts-vms/internal/queue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *audit.Journal, *queue.Store) {
	t.Helper()
	dir := t.TempDir()
	j, err := audit.Open(filepath.Join(dir, "audit.journal"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	q, err := queue.Open(filepath.Join(dir, "queue.store"))
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return New(j, q, nil, nil, testLogger()), j, q
}

func validMeta() detection.CameraMetadata {
	return detection.CameraMetadata{
		Latitude: 40.7128, Longitude: -74.0060, ElevationM: 100,
		HeadingDeg: 0, PitchDeg: -90, RollDeg: 0,
		FocalLengthPx: 3000, SensorWidthMM: 6.4, SensorHeightMM: 4.8,
		ImageWidth: 1920, ImageHeight: 1440,
	}
}

func validPayload() detection.Payload {
	img := make([]byte, 16)
	return detection.Payload{
		ImageBase64:    base64.StdEncoding.EncodeToString(img),
		PixelX:         960,
		PixelY:         720,
		ObjectClass:    "vehicle",
		AIConfidence:   0.92,
		Source:         "sensor-1",
		CameraID:       "cam-1",
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		SensorMetadata: validMeta(),
	}
}

func marshal(t *testing.T, p detection.Payload) []byte {
	t.Helper()
	b, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return b
}

func TestProcess_AcceptedDetection_FullAuditTrailAndQueueEntry(t *testing.T) {
	o, j, q := newTestOrchestrator(t)
	p := validPayload()

	out, procErr := o.Process(marshal(t, p), p, "cam-1")
	if procErr != nil {
		t.Fatalf("process: %v", procErr)
	}
	if out.DetectionID == "" || len(out.CotXML) == 0 {
		t.Fatalf("expected populated outcome, got %+v", out)
	}

	events, err := j.Scan(out.DetectionID)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	wantKinds := []audit.Kind{audit.KindIngested, audit.KindGeolocated, audit.KindCotBuilt, audit.KindQueued}
	if len(events) != len(wantKinds) {
		t.Fatalf("expected %d audit events, got %d: %v", len(wantKinds), len(events), events)
	}
	for i, k := range wantKinds {
		if events[i].Kind != k {
			t.Errorf("event %d: expected %s, got %s", i, k, events[i].Kind)
		}
	}

	if q.Size() != 1 {
		t.Errorf("expected one live queue item, got %d", q.Size())
	}
}

func TestProcess_RejectsInvalidPayloadBeforeAnyAudit(t *testing.T) {
	o, j, _ := newTestOrchestrator(t)
	p := validPayload()
	p.Source = ""

	_, procErr := o.Process(marshal(t, p), p, "cam-1")
	if procErr == nil || procErr.Kind != KindValidation {
		t.Fatalf("expected KindValidation, got %+v", procErr)
	}
	if procErr.Code != "E_FIELD_MISSING" {
		t.Errorf("expected E_FIELD_MISSING, got %s", procErr.Code)
	}
	events, err := j.Tail(0)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected no audit events, got %v", events)
	}
}

func TestProcess_GeolocationFailure_AppendsGeolocationFailedNotGeolocated(t *testing.T) {
	o, j, _ := newTestOrchestrator(t)
	p := validPayload()
	// horizon pitch makes the camera ray parallel to the ground plane.
	p.SensorMetadata.PitchDeg = 0

	_, procErr := o.Process(marshal(t, p), p, "cam-1")
	if procErr == nil || procErr.Kind != KindGeolocation {
		t.Fatalf("expected KindGeolocation, got %+v", procErr)
	}
	if procErr.Code != "ray_parallel" {
		t.Errorf("expected ray_parallel, got %s", procErr.Code)
	}

	// Find the detection id: the INGESTED event was appended before the
	// geolocation failure, so tail the journal for the trailing pair.
	events, err := j.Tail(2)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(events) != 2 || events[0].Kind != audit.KindIngested || events[1].Kind != audit.KindGeolocationFailed {
		t.Fatalf("expected [INGESTED, GEOLOCATION_FAILED], got %v", events)
	}
}

func TestProcess_QueueFull_AppendsQueueRejectedAndReturns503Kind(t *testing.T) {
	o, _, q := newTestOrchestrator(t)

	// Fill the queue directly to its cap so Enqueue inside Process fails.
	for i := 0; i < queue.MaxSize; i++ {
		if _, err := q.Enqueue(uuid.New().String(), []byte("<e/>")); err != nil {
			t.Fatalf("prefill enqueue %d: %v", i, err)
		}
	}

	p := validPayload()
	_, procErr := o.Process(marshal(t, p), p, "cam-1")
	if procErr == nil || procErr.Kind != KindQueueFull {
		t.Fatalf("expected KindQueueFull, got %+v", procErr)
	}
	if procErr.Code != "queue_full" {
		t.Errorf("expected queue_full, got %s", procErr.Code)
	}
}
