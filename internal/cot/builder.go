// Package cot builds Cursor-on-Target XML events from a geolocated
// detection. Building a CotEvent is a pure transform with no I/O.
package cot

import (
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/technosupport/ts-vms/internal/geo"
)

// DefaultStaleAfter is how long after start a CotEvent is considered
// stale, absent an override.
const DefaultStaleAfter = 5 * time.Minute

const (
	minStaleAfter = 1 * time.Second
	maxStaleAfter = 1 * time.Hour
)

// colors by confidence class, matching TAK's ARGB-as-signed-int convention.
const (
	colorGreen  = -65536
	colorYellow = -256
	colorRed    = -16711936
)

// classTypeTable maps an AI object-class label to a CoT type. Unknown
// classes fall back to a generic point-of-interest type.
var classTypeTable = map[string]string{
	"vehicle": "b-m-p-s-u-c",
	"person":  "a-u-G",
	"aircraft": "a-u-A",
	"vessel":  "a-u-S",
	"weapon":  "b-m-p-w",
}

const defaultCotType = "b-m-p-s-p-loc"

// Point is the CoT point element. Lat/Lon/Ce are pre-formatted strings
// (not float64) because the wire format requires at least 7 fractional
// digits for lat/lon and exactly 1 for ce, which encoding/xml's default
// float formatting does not guarantee.
type Point struct {
	Lat string `xml:"lat,attr"`
	Lon string `xml:"lon,attr"`
	Hae string `xml:"hae,attr"`
	Ce  string `xml:"ce,attr"`
	Le  string `xml:"le,attr"`
}

// Contact is the CoT detail/contact element.
type Contact struct {
	Callsign string `xml:"callsign,attr"`
}

// Color is the CoT detail/color element.
type Color struct {
	Value int `xml:"value,attr"`
}

// Detail is the CoT detail element.
type Detail struct {
	Contact Contact `xml:"contact"`
	Color   Color   `xml:"color"`
	Remarks string  `xml:"remarks"`
}

// Event is the CoT event envelope, marshaled exactly per the wire format.
type Event struct {
	XMLName xml.Name `xml:"event"`
	Version string   `xml:"version,attr"`
	UID     string   `xml:"uid,attr"`
	Type    string   `xml:"type,attr"`
	Time    string   `xml:"time,attr"`
	Start   string   `xml:"start,attr"`
	Stale   string   `xml:"stale,attr"`
	Point   Point    `xml:"point"`
	Detail  Detail   `xml:"detail"`
}

// Input bundles everything the builder needs to produce an Event.
type Input struct {
	DetectionID  string
	ObjectClass  string
	AIConfidence float64
	Geo          geo.Result
	CaptureTime  time.Time
	CameraID     string
	StaleAfter   time.Duration // zero means DefaultStaleAfter
}

// Build constructs a CoT event and its serialized XML bytes (including
// the XML declaration) for the given detection outcome.
func Build(in Input) (Event, []byte, error) {
	uid := "Detection." + in.DetectionID

	staleAfter := in.StaleAfter
	if staleAfter == 0 {
		staleAfter = DefaultStaleAfter
	}
	if staleAfter < minStaleAfter {
		staleAfter = minStaleAfter
	}
	if staleAfter > maxStaleAfter {
		staleAfter = maxStaleAfter
	}

	start := in.CaptureTime.UTC()
	ev := Event{
		Version: "2.0",
		UID:     uid,
		Type:    cotTypeFor(in.ObjectClass),
		Time:    formatISO8601(start),
		Start:   formatISO8601(start),
		Stale:   formatISO8601(start.Add(staleAfter)),
		Point: Point{
			Lat: fmt.Sprintf("%.7f", in.Geo.Lat),
			Lon: fmt.Sprintf("%.7f", in.Geo.Lon),
			Hae: "0.0",
			Ce:  fmt.Sprintf("%.1f", in.Geo.AccuracyM),
			Le:  "9999999.0",
		},
		Detail: Detail{
			Contact: Contact{Callsign: "Detection-" + shortUID(uid)},
			Color:   Color{Value: colorFor(in.Geo.ConfidenceClass)},
			Remarks: remarksFor(in),
		},
	}

	body, err := xml.Marshal(ev)
	if err != nil {
		return Event{}, nil, fmt.Errorf("cot: marshal event: %w", err)
	}

	out := []byte(xml.Header)
	out = append(out, body...)
	return ev, out, nil
}

func cotTypeFor(objectClass string) string {
	if t, ok := classTypeTable[strings.ToLower(objectClass)]; ok {
		return t
	}
	return defaultCotType
}

func colorFor(cls geo.ConfidenceClass) int {
	switch cls {
	case geo.Green:
		return colorGreen
	case geo.Yellow:
		return colorYellow
	default:
		return colorRed
	}
}

func remarksFor(in Input) string {
	return fmt.Sprintf(
		"AI Detection: %s | AI Confidence: %.0f%% | Geo Confidence: %s | Accuracy: ±%.1fm",
		in.ObjectClass,
		in.AIConfidence*100,
		in.Geo.ConfidenceClass,
		in.Geo.AccuracyM,
	)
}

// shortUID returns the first 8 hex characters following the uid's dot
// prefix, matching the CoT wire format's short callsign suffix.
func shortUID(uid string) string {
	idx := strings.LastIndex(uid, ".")
	rest := uid
	if idx >= 0 {
		rest = uid[idx+1:]
	}
	hex := strings.ReplaceAll(rest, "-", "")
	if len(hex) > 8 {
		hex = hex[:8]
	}
	return hex
}

func formatISO8601(t time.Time) string {
	return t.Format("2006-01-02T15:04:05Z")
}
