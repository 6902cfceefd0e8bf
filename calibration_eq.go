// calibration_eq.go - Peaking EQ sections and per-transducer calibration tables

package main

import "math"

// EQ_Q is the fixed bandwidth of every peaking section.
const EQ_Q = 1.0

// biquadCoeffs are normalised RBJ coefficients (a0 == 1).
type biquadCoeffs struct {
	b0, b1, b2, a1, a2 float64
}

// peakingCoeffs computes an RBJ peaking EQ at freqHz with gainDb boost or cut.
func peakingCoeffs(freqHz, gainDb, q float64) biquadCoeffs {
	a := math.Pow(10, gainDb/40)
	w0 := 2 * math.Pi * freqHz / SAMPLE_RATE
	cosW, sinW := math.Cos(w0), math.Sin(w0)
	alpha := sinW / (2 * q)

	a0 := 1 + alpha/a
	return biquadCoeffs{
		b0: (1 + alpha*a) / a0,
		b1: (-2 * cosW) / a0,
		b2: (1 - alpha*a) / a0,
		a1: (-2 * cosW) / a0,
		a2: (1 - alpha/a) / a0,
	}
}

// biquadState is one channel's direct form I history.
type biquadState struct {
	x1, x2, y1, y2 float64
}

func (s *biquadState) process(c *biquadCoeffs, x float64) float64 {
	y := c.b0*x + c.b1*s.x1 + c.b2*s.x2 - c.a1*s.y1 - c.a2*s.y2
	s.x2, s.x1 = s.x1, x
	s.y2, s.y1 = s.y1, y
	return y
}

// dbToLinear converts a trim in dB, clamped to +-24, to a gain factor.
func dbToLinear(db float64) float64 {
	return math.Pow(10, clamp(finiteOr(db, 0), -24, 24)/20)
}

// eqBand identifies the settings a section was designed for, so state can
// be cleared when they change.
type eqBand struct {
	freqHz int
	gainDb int
}

// OutputEq is the global peaking EQ applied to every channel.
type OutputEq struct {
	active bool
	band   eqBand
	coeffs biquadCoeffs
	state  [CHANNELS_7_1]biquadState
}

// Configure enables the EQ for freqHz/gainDb. A zero gain disables it.
func (e *OutputEq) Configure(enabled bool, freqHz, gainDb int) {
	band := eqBand{clampInt(freqHz, 10, 120), clampInt(gainDb, -12, 12)}
	if !enabled || band.gainDb == 0 {
		e.Reset()
		return
	}
	if e.active && e.band == band {
		return
	}
	e.active = true
	e.band = band
	e.coeffs = peakingCoeffs(float64(band.freqHz), float64(band.gainDb), EQ_Q)
	e.state = [CHANNELS_7_1]biquadState{}
}

// Reset disables the EQ and clears its history.
func (e *OutputEq) Reset() {
	e.active = false
	e.band = eqBand{}
	e.state = [CHANNELS_7_1]biquadState{}
}

func (e *OutputEq) Process(c int, x float64) float64 {
	if !e.active {
		return x
	}
	return e.state[c].process(&e.coeffs, x)
}

// TransducerEq is an independent peaking section per output channel.
type TransducerEq struct {
	active [CHANNELS_7_1]bool
	band   [CHANNELS_7_1]eqBand
	coeffs [CHANNELS_7_1]biquadCoeffs
	state  [CHANNELS_7_1]biquadState
}

// Configure designs each channel's section from its calibration. Channels
// with 0 dB EQ gain pass through untouched.
func (e *TransducerEq) Configure(cal *CalibrationTable) {
	for c := range CHANNELS_7_1 {
		if c >= cal.channels || cal.eqGainDb[c] == 0 {
			e.active[c] = false
			e.band[c] = eqBand{}
			e.state[c] = biquadState{}
			continue
		}
		band := eqBand{cal.eqFreqHz[c], cal.eqGainDb[c]}
		if e.active[c] && e.band[c] == band {
			continue
		}
		e.active[c] = true
		e.band[c] = band
		e.coeffs[c] = peakingCoeffs(float64(band.freqHz), float64(band.gainDb), EQ_Q)
		e.state[c] = biquadState{}
	}
}

func (e *TransducerEq) Process(c int, x float64) float64 {
	if !e.active[c] {
		return x
	}
	return e.state[c].process(&e.coeffs[c], x)
}

// CalibrationTable is the per-channel calibration resolved by interleave
// index for one layout. It is immutable once built.
type CalibrationTable struct {
	channels int
	gain     [CHANNELS_7_1]float64
	comfort  [CHANNELS_7_1]float64
	eqFreqHz [CHANNELS_7_1]int
	eqGainDb [CHANNELS_7_1]int
}

// NewCalibrationTable resolves cfg for the given layout. With the sound
// scape disabled calibration is neutral.
func NewCalibrationTable(cfg *Config, channels int) *CalibrationTable {
	channels = NormalizeChannels(channels)
	t := &CalibrationTable{channels: channels}
	for c := range CHANNELS_7_1 {
		t.gain[c] = 1
		t.comfort[c] = 1
		t.eqFreqHz[c] = 45
	}
	if cfg == nil || !cfg.SoundScape.Enabled {
		return t
	}
	for c := range channels {
		cal := cfg.CalibrationFor(ChannelIDAt(channels, c))
		t.gain[c] = dbToLinear(cal.GainDb)
		t.comfort[c] = clamp01(finiteOr(cal.ComfortLimit01, 1))
		t.eqFreqHz[c] = clampInt(cal.EqFreqHz, 10, 120)
		t.eqGainDb[c] = clampInt(cal.EqGainDb, -12, 12)
	}
	return t
}

// Gain returns the linear trim of channel c.
func (t *CalibrationTable) Gain(c int) float64 { return t.gain[c] }

// Comfort returns the comfort cap of channel c.
func (t *CalibrationTable) Comfort(c int) float64 { return t.comfort[c] }
