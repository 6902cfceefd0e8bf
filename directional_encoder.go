// directional_encoder.go - Listener-relative band selection and frequency/gain/delay encoding

package main

import (
	"math"
	"strings"
)

// Band is one of the five listener-relative regions.
type Band uint8

const (
	BandCenter Band = iota
	BandFront
	BandRear
	BandLeft
	BandRight
)

var bandNames = [...]string{"center", "front", "rear", "left", "right"}

func (b Band) String() string {
	if int(b) < len(bandNames) {
		return bandNames[b]
	}
	return "center"
}

// ParseBand maps a band name to a Band; unknown names are center.
func ParseBand(name string) Band {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "front":
		return BandFront
	case "rear", "back":
		return BandRear
	case "left":
		return BandLeft
	case "right":
		return BandRight
	}
	return BandCenter
}

// BandParams is how a band shifts a trigger.
type BandParams struct {
	FrequencyBiasHz float64 `yaml:"frequency_bias_hz"`
	TimeOffsetMs    float64 `yaml:"time_offset_ms"`
	IntensityMul    float64 `yaml:"intensity_mul"`
}

// EncodingTable holds the five bands and the global frequency window that
// encoded frequencies are clamped into.
type EncodingTable struct {
	Center BandParams `yaml:"center"`
	Front  BandParams `yaml:"front"`
	Rear   BandParams `yaml:"rear"`
	Left   BandParams `yaml:"left"`
	Right  BandParams `yaml:"right"`

	MinFrequencyHz float64 `yaml:"min_frequency_hz"`
	MaxFrequencyHz float64 `yaml:"max_frequency_hz"`
}

// DefaultEncodingTable is neutral: every band passes the trigger through.
func DefaultEncodingTable() *EncodingTable {
	neutral := BandParams{IntensityMul: 1.0}
	return &EncodingTable{
		Center:         neutral,
		Front:          neutral,
		Rear:           neutral,
		Left:           neutral,
		Right:          neutral,
		MinFrequencyHz: 20,
		MaxFrequencyHz: 90,
	}
}

// Params returns the parameters of band b.
func (t *EncodingTable) Params(b Band) BandParams {
	switch b {
	case BandFront:
		return t.Front
	case BandRear:
		return t.Rear
	case BandLeft:
		return t.Left
	case BandRight:
		return t.Right
	}
	return t.Center
}

func (t *EncodingTable) frequencyRange() (float64, float64) {
	lo, hi := t.MinFrequencyHz, t.MaxFrequencyHz
	if hi < lo {
		lo, hi = hi, lo
	}
	return lo, hi
}

type Vec3 struct {
	X, Y, Z float64
}

func (v Vec3) DistanceSq(o Vec3) float64 {
	dx, dy, dz := v.X-o.X, v.Y-o.Y, v.Z-o.Z
	return dx*dx + dy*dy + dz*dz
}

// ListenerPose is where the listener stands and which way they face.
// Yaw 0 faces +Z with +X to the east; positive yaw turns toward -X.
type ListenerPose struct {
	Position Vec3
	YawDeg   float64
}

// Encoded is the result of directional encoding.
type Encoded struct {
	FrequencyHz float64
	Gain01      float64
	DelayMs     int
	Band        Band
}

const colocatedEpsilonSq = 0.0004

// localAxes projects the horizontal listener-to-source vector onto the
// listener's right and forward axes. ok is false when the two are
// effectively co-located.
func localAxes(pose ListenerPose, source Vec3) (right, forward float64, ok bool) {
	dx := source.X - pose.Position.X
	dz := source.Z - pose.Position.Z
	if dx*dx+dz*dz < colocatedEpsilonSq {
		return 0, 0, false
	}
	yaw := pose.YawDeg * math.Pi / 180
	fwdX, fwdZ := -math.Sin(yaw), math.Cos(yaw)
	rightX, rightZ := math.Cos(yaw), math.Sin(yaw)
	return dx*rightX + dz*rightZ, dx*fwdX + dz*fwdZ, true
}

// SelectBand picks the band for a source. The dominant axis wins; a tie
// goes to front/rear.
func SelectBand(pose ListenerPose, source Vec3) Band {
	right, forward, ok := localAxes(pose, source)
	if !ok {
		return BandCenter
	}
	if math.Abs(forward) >= math.Abs(right) {
		if forward >= 0 {
			return BandFront
		}
		return BandRear
	}
	if right >= 0 {
		return BandRight
	}
	return BandLeft
}

// Azimuth returns the listener-relative angle of the source in degrees,
// 0 in front and +90 to the right. ok is false when co-located.
func Azimuth(pose ListenerPose, source Vec3) (float64, bool) {
	right, forward, ok := localAxes(pose, source)
	if !ok {
		return 0, false
	}
	return math.Atan2(right, forward) * 180 / math.Pi, true
}

// Encode applies the band of the source to a base frequency and gain.
// It is pure and safe for concurrent use.
func Encode(table *EncodingTable, pose ListenerPose, directional, hasSource bool, source Vec3, baseHz, baseGain01 float64) Encoded {
	if table == nil || !directional || !hasSource {
		return Encoded{FrequencyHz: baseHz, Gain01: clamp01(baseGain01), Band: BandCenter}
	}
	band := SelectBand(pose, source)
	return applyBand(table, table.Params(band), band, baseHz, baseGain01)
}

// EncodeBlended is Encode with the parameters of the two cardinal bands
// adjacent to the source azimuth crossfaded by a smoothstep, so sources on
// a diagonal do not snap between bands. The reported band is the nearest
// cardinal.
func EncodeBlended(table *EncodingTable, pose ListenerPose, directional, hasSource bool, source Vec3, baseHz, baseGain01 float64) Encoded {
	if table == nil || !directional || !hasSource {
		return Encoded{FrequencyHz: baseHz, Gain01: clamp01(baseGain01), Band: BandCenter}
	}
	az, ok := Azimuth(pose, source)
	if !ok {
		return applyBand(table, table.Center, BandCenter, baseHz, baseGain01)
	}

	var b0, b1 BandParams
	var t float64
	switch {
	case az >= 0 && az <= 90:
		b0, b1, t = table.Front, table.Right, az/90
	case az > 90:
		b0, b1, t = table.Right, table.Rear, (az-90)/90
	case az >= -90:
		b0, b1, t = table.Front, table.Left, -az/90
	default:
		b0, b1, t = table.Rear, table.Left, (az+180)/90
	}
	t = smoothstep(t)
	blended := BandParams{
		FrequencyBiasHz: lerp(b0.FrequencyBiasHz, b1.FrequencyBiasHz, t),
		TimeOffsetMs:    lerp(b0.TimeOffsetMs, b1.TimeOffsetMs, t),
		IntensityMul:    lerp(b0.IntensityMul, b1.IntensityMul, t),
	}
	return applyBand(table, blended, SelectBand(pose, source), baseHz, baseGain01)
}

func applyBand(table *EncodingTable, p BandParams, band Band, baseHz, baseGain01 float64) Encoded {
	lo, hi := table.frequencyRange()
	delay := clampInt(int(math.Round(p.TimeOffsetMs)), -30, 30)
	// Negative offsets would mean playing early; only a non-negative delay is emitted.
	if delay < 0 {
		delay = 0
	}
	return Encoded{
		FrequencyHz: clamp(finiteOr(baseHz+p.FrequencyBiasHz, lo), lo, hi),
		Gain01:      clamp01(finiteOr(baseGain01*p.IntensityMul, 0)),
		DelayMs:     delay,
		Band:        band,
	}
}

func sqrtDistance(a, b Vec3) float64 {
	return math.Sqrt(a.DistanceSq(b))
}
