// impulse_voice.go - One-shot voices: envelope patterns, built-in shape and spatial panning

package main

import (
	"math"
	"math/bits"
	"strings"
)

const (
	MAX_IMPULSE_VOICES = 24

	IMPULSE_MIN_HZ = 10.0
	IMPULSE_MAX_HZ = 120.0

	// Built-in impulses low-pass their noise component at this cutoff.
	IMPULSE_NOISE_CUTOFF_HZ = 65.0
)

// Impulse is a fully resolved, encoded request for one voice.
type Impulse struct {
	StartHz       float64
	EndHz         float64
	DurationMs    int
	Gain01        float64
	NoiseMix01    float64
	Pattern       string
	PulsePeriodMs int
	PulseWidthMs  int
	Priority      int
	DelayMs       int
	DebugKey      string
	Instrument    string

	AzimuthDeg float64
	DistanceM  float64
	Band       Band
}

// ImpulseVoice is the playing state of an impulse. Voices are owned by the
// mixer and only touched under its voice lock.
type ImpulseVoice struct {
	totalSamples int
	samplesLeft  int
	delayLeft    int

	startHz, endHz float64
	gain           float64
	noiseMix       float64
	pattern        string
	debugKey       string
	instrument     string
	forcedMask     int
	routeMask      int
	pulsePeriod    int
	pulseWidth     int
	priority       int
	bus            HapticBus
	seq            uint64

	phase      float64
	noiseState float64
	rng        *noiseRNG

	graph *GraphInstance
	ctx   *EvalContext

	spatial     bool
	azimuthDeg  float64
	distanceM   float64
	basePan     [CHANNELS_7_1]float64
	basePan2    [CHANNELS_STEREO]float64
	cachedMask  int
	cachedChans int
	maskedPan   [CHANNELS_7_1]float64
}

// impulseEnvelope returns the amplitude of a pattern at sampleIndex.
// A short attack and release ramp is applied to every pattern to avoid clicks.
func impulseEnvelope(pattern string, sampleIndex, total, samplesLeft, pulsePeriod, pulseWidth int) float64 {
	progress := 1.0
	if total > 1 {
		progress = clamp01(float64(sampleIndex) / float64(total-1))
	}

	p := strings.ToLower(strings.TrimSpace(pattern))
	if p == "" {
		p = "single"
	}

	attackS, releaseS := 0.010, 0.015
	switch p {
	case "soft_single":
		attackS, releaseS = 0.020, 0.028
	case "punch":
		attackS, releaseS = 0.003, 0.012
	}
	attackN := int(SAMPLE_RATE * attackS)
	releaseN := int(SAMPLE_RATE * releaseS)
	attack, release := 1.0, 1.0
	if attackN > 0 {
		attack = clamp01(float64(sampleIndex) / float64(attackN))
	}
	if releaseN > 0 {
		release = clamp01(float64(samplesLeft) / float64(releaseN))
	}

	var env float64
	switch p {
	case "flat":
		env = 1.0
	case "fade_out":
		env = math.Pow(1.0-progress, 1.15)
	case "shockwave":
		env = math.Exp(-progress * 6.0)
	case "punch":
		env = math.Exp(-progress * 6.6)
	case "pulse_loop":
		period := max(1, pulsePeriod)
		width := max(1, min(pulseWidth, period))
		in := sampleIndex % period
		if in < width {
			s := math.Sin(float64(in) / float64(width) * math.Pi)
			env = s * s
		}
		env *= 0.65 + 0.35*(1.0-progress)
	default:
		s := math.Sin(progress * math.Pi)
		env = s * s
	}
	return env * attack * release
}

// builtinSample renders one sample of the sine plus low-passed noise shape
// used by impulses without an instrument graph.
func (v *ImpulseVoice) builtinSample(freqHz float64) float64 {
	a := 1.0 - math.Exp(-2.0*math.Pi*IMPULSE_NOISE_CUTOFF_HZ/SAMPLE_RATE)
	v.noiseState += (v.rng.bipolar() - v.noiseState) * a
	w := math.Sin(v.phase)*(1.0-v.noiseMix) + v.noiseState*v.noiseMix

	v.phase += 2.0 * math.Pi * freqHz / SAMPLE_RATE
	if v.phase > 2.0*math.Pi {
		v.phase -= 2.0 * math.Pi
	}
	return w
}

// render produces the next raw sample of the voice, before gain and
// routing. The caller advances samplesLeft.
func (v *ImpulseVoice) render() (sample, env float64) {
	total := max(1, v.totalSamples)
	left := max(0, v.samplesLeft)
	index := max(0, total-left)
	env = impulseEnvelope(v.pattern, index, total, left, v.pulsePeriod, v.pulseWidth)

	if v.graph != nil && v.ctx != nil {
		v.ctx.Retune(v.startHz, v.endHz)
		v.ctx.Resize(total)
		v.ctx.SampleIndex = index
		return v.graph.Out(v.ctx), env
	}

	progress := 1.0
	if total > 1 {
		progress = clamp01(float64(index) / float64(total-1))
	}
	return v.builtinSample(v.startHz + (v.endHz-v.startHz)*progress), env
}

// forcedMaskFromKey routes calibration keys of the form cal.ch.<ID>.* to a
// single channel. Any other key returns 0.
func forcedMaskFromKey(debugKey string) int {
	raw := strings.TrimSpace(debugKey)
	const prefix = "cal.ch."
	if len(raw) <= len(prefix) || !strings.EqualFold(raw[:len(prefix)], prefix) {
		return 0
	}
	id := raw[len(prefix):]
	if dot := strings.IndexByte(id, '.'); dot >= 0 {
		id = id[:dot]
	}
	return channelIDMask(id, CHANNELS_7_1)
}

// setSpatial stores the source direction and computes the base pan gains.
// With spatial output off every channel gets unity.
func (v *ImpulseVoice) setSpatial(enabled bool, azimuthDeg, distanceM, attenStrength float64) {
	az := math.Mod(finiteOr(azimuthDeg, 0), 360)
	if az > 180 {
		az -= 360
	}
	if az < -180 {
		az += 360
	}
	dist := finiteOr(distanceM, 0)
	dist = clamp(dist, 0, 2048)

	v.azimuthDeg = az
	v.distanceM = dist
	v.spatial = enabled
	v.cachedChans = -1

	if !enabled {
		for i := range v.basePan {
			v.basePan[i] = 1
		}
		v.basePan2 = [CHANNELS_STEREO]float64{1, 1}
		return
	}

	curve := clamp(1.0/(1.0+dist/6.0), 0.25, 1.0)
	distMul := 1.0 + (curve-1.0)*clamp01(attenStrength)

	pan := clamp(az/90.0, -1, 1)
	theta := (pan + 1.0) * math.Pi / 4.0
	v.basePan2 = [CHANNELS_STEREO]float64{math.Cos(theta) * distMul, math.Sin(theta) * distMul}

	ring := ringPan71(az)
	for i := range v.basePan {
		v.basePan[i] = ring[i] * distMul
	}
}

// ringPan71 crossfades equal-power between the two ring speakers around
// the azimuth. The LFE is never part of the ring.
func ringPan71(azimuthDeg float64) [CHANNELS_7_1]float64 {
	var out [CHANNELS_7_1]float64
	a := math.Mod(azimuthDeg, 360)
	if a < 0 {
		a += 360
	}

	angles := [...]float64{0, 45, 110, 150, 210, 250, 315}
	slots := [...]int{2, 1, 5, 7, 6, 4, 0} // C FR SR BR BL SL FL

	i0 := 0
	for i := len(angles) - 1; i >= 0; i-- {
		if a >= angles[i] {
			i0 = i
			break
		}
	}
	i1 := (i0 + 1) % len(angles)
	a0, a1 := angles[i0], angles[i1]
	if i1 == 0 {
		a1 += 360
	}
	t := 0.0
	if a1 != a0 {
		t = clamp01((a - a0) / (a1 - a0))
	}
	out[slots[i0]] = math.Cos(t * math.Pi / 2)
	out[slots[i1]] = math.Sin(t * math.Pi / 2)
	return out
}

// panFor returns per-channel gains restricted to mask and renormalised to
// unit power. A mask that excludes every panned speaker spreads evenly
// over the masked channels instead.
func (v *ImpulseVoice) panFor(channels, mask int) []float64 {
	if v.cachedChans == channels && v.cachedMask == mask {
		return v.maskedPan[:channels]
	}
	v.cachedChans, v.cachedMask = channels, mask

	var base []float64
	if channels == CHANNELS_7_1 {
		base = v.basePan[:]
	} else {
		base = v.basePan2[:]
	}
	norm := 0.0
	for c := range channels {
		v.maskedPan[c] = 0
		if mask&(1<<c) != 0 {
			v.maskedPan[c] = base[c]
			norm += base[c] * base[c]
		}
	}
	norm = math.Sqrt(norm)
	if norm < 1e-6 {
		count := bits.OnesCount(uint(mask & allChannelsMask(channels)))
		if count == 0 {
			return v.maskedPan[:channels]
		}
		g := 1.0 / math.Sqrt(float64(count))
		for c := range channels {
			if mask&(1<<c) != 0 {
				v.maskedPan[c] = g
			}
		}
		return v.maskedPan[:channels]
	}
	for c := range channels {
		v.maskedPan[c] /= norm
	}
	return v.maskedPan[:channels]
}

// sameVoice reports whether an incoming impulse should extend v instead of
// starting a second, nearly identical voice.
func (v *ImpulseVoice) sameVoice(debugKey, instrument, pattern string, forcedMask, priority, delaySamples int, startHz, endHz, azimuthDeg, distanceM float64) bool {
	return strings.EqualFold(v.debugKey, debugKey) &&
		v.forcedMask == forcedMask &&
		strings.EqualFold(v.instrument, instrument) &&
		v.priority == priority &&
		v.delayLeft == delaySamples &&
		strings.EqualFold(v.pattern, pattern) &&
		math.Abs(v.startHz-startHz) <= 0.75 &&
		math.Abs(v.endHz-endHz) <= 0.75 &&
		math.Abs(v.azimuthDeg-azimuthDeg) <= 12.0 &&
		math.Abs(v.distanceM-distanceM) <= 2.5
}
