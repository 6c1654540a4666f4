// Package detection defines the inbound Detection payload, its
// validated immutable in-memory form, and the Sanitizer/Validator that
// produces one from the other. Validation and sanitization are pure
// checks: a payload is either accepted as-is (after whitespace trimming
// on identifier fields) or rejected; content is never transformed.
package detection

import (
	"time"

	"github.com/technosupport/ts-vms/internal/geo"
)

// Field bounds from the wire contract.
const (
	MaxImageBytes     = 10 * 1024 * 1024 // 10 MiB decoded
	MaxStringLen      = 255
	MaxObjectClassLen = 64
	MaxSourceLen      = 128
	MaxCameraIDLen    = 128
	MaxJSONDepth      = 32
)

// Payload is the raw, untrusted wire representation of an inbound
// detection, as decoded from JSON. Every field is exactly what the
// caller sent; Sanitize turns it into a Detection or rejects it.
type Payload struct {
	ImageBase64    string         `json:"image_base64"`
	PixelX         int            `json:"pixel_x"`
	PixelY         int            `json:"pixel_y"`
	ObjectClass    string         `json:"object_class"`
	AIConfidence   float64        `json:"ai_confidence"`
	Source         string         `json:"source"`
	CameraID       string         `json:"camera_id"`
	Timestamp      string         `json:"timestamp"`
	SensorMetadata CameraMetadata `json:"sensor_metadata"`
}

// CameraMetadata mirrors the wire's sensor_metadata object.
type CameraMetadata struct {
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	ElevationM     float64 `json:"elevation_m"`
	HeadingDeg     float64 `json:"heading_deg"`
	PitchDeg       float64 `json:"pitch_deg"`
	RollDeg        float64 `json:"roll_deg"`
	FocalLengthPx  float64 `json:"focal_length_px"`
	SensorWidthMM  float64 `json:"sensor_width_mm"`
	SensorHeightMM float64 `json:"sensor_height_mm"`
	ImageWidth     int     `json:"image_width"`
	ImageHeight    int     `json:"image_height"`
}

func (c CameraMetadata) toGeo() geo.CameraMetadata {
	return geo.CameraMetadata{
		Latitude:       c.Latitude,
		Longitude:      c.Longitude,
		ElevationM:     c.ElevationM,
		HeadingDeg:     c.HeadingDeg,
		PitchDeg:       c.PitchDeg,
		RollDeg:        c.RollDeg,
		FocalLengthPx:  c.FocalLengthPx,
		SensorWidthMM:  c.SensorWidthMM,
		SensorHeightMM: c.SensorHeightMM,
		ImageWidth:     c.ImageWidth,
		ImageHeight:    c.ImageHeight,
	}
}

// Detection is the validated, immutable record the Orchestrator builds
// after a Payload passes Sanitize. It is never mutated after
// construction.
type Detection struct {
	ID           string
	Image        []byte
	PixelX       int
	PixelY       int
	ObjectClass  string
	AIConfidence float64
	Source       string
	CameraID     string
	CaptureTime  time.Time
	Camera       geo.CameraMetadata
}
