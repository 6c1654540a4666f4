// Package geo implements the single-image photogrammetry engine that turns
// a detection's pixel coordinate and the capturing camera's pose into a
// world point.
package geo

import (
	"errors"
	"math"
)

// EarthRadiusM is the spherical-earth approximation used for the local
// ENU <-> geodetic conversion.
const EarthRadiusM = 6371008.8

// pixelSigma is the assumed 1-sigma pixel localization error used to
// propagate horizontal uncertainty.
const pixelSigma = 1.0

// minAccuracyM is the floor applied to the propagated accuracy radius.
const minAccuracyM = 0.5

// maxAccuracyM bounds accuracy_m so a near-horizon ray (tan blowing up)
// never reports a meaningless CE to the TAK client.
const maxAccuracyM = 50000.0

var (
	// ErrRayParallel is returned when the camera ray never meets the
	// ground plane (|r_w.z| below tolerance).
	ErrRayParallel = errors.New("ray_parallel")
	// ErrBehindCamera is returned when the ground intersection lies
	// behind the camera (t <= 0).
	ErrBehindCamera = errors.New("behind_camera")
)

// ConfidenceClass is the joint geometric/AI confidence bucket.
type ConfidenceClass string

const (
	Green  ConfidenceClass = "GREEN"
	Yellow ConfidenceClass = "YELLOW"
	Red    ConfidenceClass = "RED"
)

// CameraMetadata describes the capturing camera's pose and intrinsics.
type CameraMetadata struct {
	Latitude       float64
	Longitude      float64
	ElevationM     float64
	HeadingDeg     float64
	PitchDeg       float64
	RollDeg        float64
	FocalLengthPx  float64
	SensorWidthMM  float64
	SensorHeightMM float64
	ImageWidth     int
	ImageHeight    int
}

// Result is the outcome of locating a single pixel on the ground plane.
type Result struct {
	Lat             float64
	Lon             float64
	AccuracyM       float64
	ConfidenceClass ConfidenceClass
	AlgorithmNotes  string
}

// vec3 is a minimal 3-vector; geo has no use for a general linear algebra
// package, so the handful of operations needed are written out directly.
type vec3 struct{ x, y, z float64 }

func (a vec3) scale(s float64) vec3 { return vec3{a.x * s, a.y * s, a.z * s} }

// Locate computes the world point where the ray through pixel (px, py)
// meets the ground plane (z=0 in the camera's local ENU frame), and
// derives an accuracy radius and confidence class from aiConfidence and
// the ray's ground-incidence angle.
//
// Locate is a pure function: identical inputs always produce bit-exact
// identical outputs.
func Locate(meta CameraMetadata, px, py int, aiConfidence float64) (Result, error) {
	f := meta.FocalLengthPx
	cx := float64(meta.ImageWidth) / 2
	cy := float64(meta.ImageHeight) / 2

	rc := vec3{
		x: (float64(px) - cx) / f,
		y: (float64(py) - cy) / f,
		z: 1,
	}

	r := rotationMatrix(meta.HeadingDeg, meta.PitchDeg, meta.RollDeg)
	rw := r.apply(rc)

	if math.Abs(rw.z) < 1e-8 {
		return Result{}, ErrRayParallel
	}

	// Camera center is at local ENU origin (0,0,0); ground plane z=0 is
	// elevation_m below the camera. Solve camera + t*rw = (x,y,0).
	t := -meta.ElevationM / rw.z
	if t <= 0 {
		return Result{}, ErrBehindCamera
	}

	groundOffset := rw.scale(t) // (east, north, ~0) offset from camera footprint

	lat, lon := enuToGeodetic(meta.Latitude, meta.Longitude, groundOffset.x, groundOffset.y)

	accuracy := math.Abs(t) * math.Tan(pixelSigma/f)
	if accuracy < minAccuracyM {
		accuracy = minAccuracyM
	}
	if accuracy > maxAccuracyM {
		accuracy = maxAccuracyM
	}

	thetaDeg := groundIncidenceDeg(rw)
	cls := classify(aiConfidence, thetaDeg)

	return Result{
		Lat:             lat,
		Lon:             lon,
		AccuracyM:       accuracy,
		ConfidenceClass: cls,
		AlgorithmNotes:  "pinhole+flat-earth-enu",
	}, nil
}

// rot3 is a 3x3 rotation matrix stored row-major.
type rot3 [3][3]float64

func (r rot3) apply(v vec3) vec3 {
	return vec3{
		x: r[0][0]*v.x + r[0][1]*v.y + r[0][2]*v.z,
		y: r[1][0]*v.x + r[1][1]*v.y + r[1][2]*v.z,
		z: r[2][0]*v.x + r[2][1]*v.y + r[2][2]*v.z,
	}
}

func matmul(a, b rot3) rot3 {
	var out rot3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var sum float64
			for k := 0; k < 3; k++ {
				sum += a[i][k] * b[k][j]
			}
			out[i][j] = sum
		}
	}
	return out
}

// cameraBase maps camera axes (x=right, y=down, z=forward) onto world ENU
// axes (east, north, up) at heading=pitch=roll=0, where the camera looks
// due north along the horizon. Camera and world axis conventions differ
// (image-plane right/down/forward vs. geodetic east/north/up), so this
// fixed base change is composed with the heading/pitch/roll rotation
// rather than applied as a bare Rz.Ry.Rx to camera coordinates directly.
var cameraBase = rot3{
	{1, 0, 0},
	{0, 0, 1},
	{0, -1, 0},
}

// rotationMatrix builds the camera-to-world rotation for the given pose:
// roll tilts the image about the optical axis, the camera base change
// maps the rolled ray into world axes at zero heading/pitch, pitch tips
// the forward ray up/down about the world east axis (pitch=-90 looks
// straight down), and heading yaws about the world up axis (clockwise
// from north, matching compass convention).
func rotationMatrix(headingDeg, pitchDeg, rollDeg float64) rot3 {
	yaw := -degToRad(headingDeg)
	pitch := degToRad(pitchDeg)
	roll := degToRad(rollDeg)

	cz, sz := math.Cos(yaw), math.Sin(yaw)
	rz := rot3{
		{cz, -sz, 0},
		{sz, cz, 0},
		{0, 0, 1},
	}

	cp, sp := math.Cos(pitch), math.Sin(pitch)
	rpitch := rot3{
		{1, 0, 0},
		{0, cp, -sp},
		{0, sp, cp},
	}

	cr, sr := math.Cos(roll), math.Sin(roll)
	rroll := rot3{
		{cr, -sr, 0},
		{sr, cr, 0},
		{0, 0, 1},
	}

	return matmul(matmul(matmul(rz, rpitch), cameraBase), rroll)
}

func degToRad(d float64) float64 { return d * math.Pi / 180 }
func radToDeg(r float64) float64 { return r * 180 / math.Pi }

// enuToGeodetic performs the inverse ENU->geodetic conversion with a
// spherical-earth approximation rooted at (lat0, lon0). Longitude
// correction uses cos(lat0).
func enuToGeodetic(lat0, lon0, east, north float64) (lat, lon float64) {
	dLat := north / EarthRadiusM
	dLon := east / (EarthRadiusM * math.Cos(degToRad(lat0)))
	return lat0 + radToDeg(dLat), lon0 + radToDeg(dLon)
}

// groundIncidenceDeg is the angle between the ray and the ground plane:
// 90 degrees for a ray pointing straight down, 0 for a ray skimming the
// horizon.
func groundIncidenceDeg(rw vec3) float64 {
	horiz := math.Hypot(rw.x, rw.y)
	theta := math.Atan2(math.Abs(rw.z), horiz)
	return radToDeg(theta)
}

func classify(aiConfidence, thetaDeg float64) ConfidenceClass {
	switch {
	case aiConfidence >= 0.75 && thetaDeg >= 15:
		return Green
	case aiConfidence >= 0.50 && thetaDeg >= 5:
		return Yellow
	default:
		return Red
	}
}
