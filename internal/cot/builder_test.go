package cot

import (
	"encoding/xml"
	"strings"
	"testing"
	"time"

	"github.com/technosupport/ts-vms/internal/geo"
)

func TestBuild_WireFormat(t *testing.T) {
	captured := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	in := Input{
		DetectionID:  "11111111-2222-3333-4444-555555555555",
		ObjectClass:  "vehicle",
		AIConfidence: 0.92,
		Geo: geo.Result{
			Lat:             40.7128,
			Lon:             -74.0060,
			AccuracyM:       0.5,
			ConfidenceClass: geo.Green,
		},
		CaptureTime: captured,
		CameraID:    "cam-1",
	}

	ev, raw, err := Build(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.HasPrefix(string(raw), xml.Header) {
		t.Errorf("expected XML declaration prefix, got %q", string(raw)[:40])
	}
	if ev.Type != "b-m-p-s-u-c" {
		t.Errorf("expected mapped cot_type, got %s", ev.Type)
	}
	if ev.Detail.Color.Value != colorGreen {
		t.Errorf("expected green color, got %d", ev.Detail.Color.Value)
	}
	if ev.Point.Ce != "0.5" {
		t.Errorf("expected ce=0.5, got %s", ev.Point.Ce)
	}
	if !strings.HasSuffix(ev.Stale, "Z") || !strings.HasSuffix(ev.Start, "Z") {
		t.Errorf("expected UTC Z-suffixed timestamps, got start=%s stale=%s", ev.Start, ev.Stale)
	}
	if !strings.Contains(ev.Detail.Remarks, "AI Confidence: 92%") {
		t.Errorf("unexpected remarks: %s", ev.Detail.Remarks)
	}
}

func TestBuild_UnknownClassFallsBackToGenericType(t *testing.T) {
	in := Input{
		DetectionID:  "abc",
		ObjectClass:  "spaceship",
		AIConfidence: 0.5,
		Geo:          geo.Result{ConfidenceClass: geo.Yellow},
		CaptureTime:  time.Now(),
	}
	ev, _, err := Build(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Type != defaultCotType {
		t.Errorf("expected default cot type, got %s", ev.Type)
	}
	if ev.Detail.Color.Value != colorYellow {
		t.Errorf("expected yellow color, got %d", ev.Detail.Color.Value)
	}
}

func TestBuild_StaleBounds(t *testing.T) {
	base := Input{
		DetectionID: "x",
		Geo:         geo.Result{ConfidenceClass: geo.Red},
		CaptureTime: time.Now(),
	}

	tooLong := base
	tooLong.StaleAfter = 2 * time.Hour
	ev, _, err := Build(tooLong)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	start, _ := time.Parse("2006-01-02T15:04:05Z", ev.Start)
	stale, _ := time.Parse("2006-01-02T15:04:05Z", ev.Stale)
	if stale.Sub(start) != maxStaleAfter {
		t.Errorf("expected stale clamped to %v, got %v", maxStaleAfter, stale.Sub(start))
	}

	tooShort := base
	tooShort.StaleAfter = 100 * time.Millisecond
	ev2, _, err := Build(tooShort)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	start2, _ := time.Parse("2006-01-02T15:04:05Z", ev2.Start)
	stale2, _ := time.Parse("2006-01-02T15:04:05Z", ev2.Stale)
	if stale2.Sub(start2) != minStaleAfter {
		t.Errorf("expected stale clamped to %v, got %v", minStaleAfter, stale2.Sub(start2))
	}
}

func TestShortUID(t *testing.T) {
	got := shortUID("Detection.11111111-2222-3333-4444-555555555555")
	if got != "11111111" {
		t.Errorf("expected first 8 hex chars, got %s", got)
	}
}
