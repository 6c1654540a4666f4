package detection

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// identifierPattern bounds source/camera_id/object_class to a safe,
// predictable charset. It is compiled once from a raw literal pattern —
// never assembled from request data — so it can never be abused as a
// ReDoS vector.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:\-\/]*$`)

// Sanitize validates a raw Payload against every Detection invariant and,
// on success, returns an immutable Detection ready for geolocation. It
// never mutates payload content beyond trimming whitespace on the
// identifier fields (source, camera_id, object_class).
func Sanitize(raw []byte, p Payload) (Detection, error) {
	if err := checkJSONDepth(raw, MaxJSONDepth); err != nil {
		return Detection{}, err
	}

	source := strings.TrimSpace(p.Source)
	cameraID := strings.TrimSpace(p.CameraID)
	objectClass := strings.TrimSpace(p.ObjectClass)

	if source == "" {
		return Detection{}, fieldErr(CodeFieldMissing, "source")
	}
	if cameraID == "" {
		return Detection{}, fieldErr(CodeFieldMissing, "camera_id")
	}
	if objectClass == "" {
		return Detection{}, fieldErr(CodeFieldMissing, "object_class")
	}

	if err := checkString(objectClass, "object_class", MaxObjectClassLen); err != nil {
		return Detection{}, err
	}
	if err := checkString(source, "source", MaxSourceLen); err != nil {
		return Detection{}, err
	}
	if err := checkString(cameraID, "camera_id", MaxCameraIDLen); err != nil {
		return Detection{}, err
	}
	if !identifierPattern.MatchString(source) {
		return Detection{}, fieldErr(CodeFieldRange, "source")
	}
	if !identifierPattern.MatchString(cameraID) {
		return Detection{}, fieldErr(CodeFieldRange, "camera_id")
	}

	if p.AIConfidence < 0 || p.AIConfidence > 1 {
		return Detection{}, fieldErr(CodeFieldRange, "ai_confidence")
	}

	captureTime, err := time.Parse(time.RFC3339, p.Timestamp)
	if err != nil {
		return Detection{}, fieldErr(CodeBadEncoding, "timestamp")
	}

	meta := p.SensorMetadata
	if err := checkCameraMetadata(meta); err != nil {
		return Detection{}, err
	}

	if p.PixelX < 0 || p.PixelX >= meta.ImageWidth {
		return Detection{}, fieldErr(CodeFieldRange, "pixel_x")
	}
	if p.PixelY < 0 || p.PixelY >= meta.ImageHeight {
		return Detection{}, fieldErr(CodeFieldRange, "pixel_y")
	}

	image, err := decodeImage(p.ImageBase64)
	if err != nil {
		return Detection{}, err
	}

	return Detection{
		ID:           uuid.New().String(),
		Image:        image,
		PixelX:       p.PixelX,
		PixelY:       p.PixelY,
		ObjectClass:  objectClass,
		AIConfidence: p.AIConfidence,
		Source:       source,
		CameraID:     cameraID,
		CaptureTime:  captureTime,
		Camera:       meta.toGeo(),
	}, nil
}

func checkCameraMetadata(m CameraMetadata) error {
	switch {
	case m.Latitude < -90 || m.Latitude > 90:
		return fieldErr(CodeFieldRange, "sensor_metadata.latitude")
	case m.Longitude < -180 || m.Longitude > 180:
		return fieldErr(CodeFieldRange, "sensor_metadata.longitude")
	case m.FocalLengthPx <= 0:
		return fieldErr(CodeFieldRange, "sensor_metadata.focal_length_px")
	case m.SensorWidthMM <= 0:
		return fieldErr(CodeFieldRange, "sensor_metadata.sensor_width_mm")
	case m.SensorHeightMM <= 0:
		return fieldErr(CodeFieldRange, "sensor_metadata.sensor_height_mm")
	case m.ImageWidth <= 0:
		return fieldErr(CodeFieldRange, "sensor_metadata.image_width")
	case m.ImageHeight <= 0:
		return fieldErr(CodeFieldRange, "sensor_metadata.image_height")
	}
	return nil
}

func checkString(s, field string, maxLen int) error {
	if len(s) > maxLen || len(s) > MaxStringLen {
		return fieldErr(CodeFieldRange, field)
	}
	if bytes.IndexByte([]byte(s), 0x00) >= 0 {
		return fieldErr(CodeBadEncoding, field)
	}
	return nil
}

func decodeImage(b64 string) ([]byte, error) {
	if b64 == "" {
		return nil, fieldErr(CodeFieldMissing, "image_base64")
	}
	img, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fieldErr(CodeBadEncoding, "image_base64")
	}
	if len(img) > MaxImageBytes {
		return nil, fieldErr(CodeImageSize, "image_base64")
	}
	return img, nil
}

// checkJSONDepth rejects payloads nested deeper than max, scanning the
// raw bytes token-by-token so a malicious payload cannot be rejected
// only after a full (and possibly expensive) unmarshal.
func checkJSONDepth(raw []byte, max int) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch tok.(type) {
		case json.Delim:
			d := tok.(json.Delim)
			switch d {
			case '{', '[':
				depth++
				if depth > max {
					return fieldErr(CodeBadEncoding, "$")
				}
			case '}', ']':
				depth--
			}
		}
	}
	return nil
}
