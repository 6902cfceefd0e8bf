// smart_volume.go - Slow peak-following automatic gain control

package main

import "math"

const (
	SMART_VOLUME_MAX_BOOST_DB = 12.0
	SMART_VOLUME_MAX_CUT_DB   = 12.0

	smartDetectAttackS  = 0.025
	smartDetectReleaseS = 0.250
	smartGainDownS      = 0.180
	smartGainUpS        = 0.900
)

// SmartVolume steers the mix peak toward a target level. It is slow and
// bounded so it does not fight the ducking mixer.
type SmartVolume struct {
	active bool
	target float64
	env    float64
	gain   float64

	detAtk, detRel float64
	down, up       float64
	minGain        float64
	maxGain        float64
}

func NewSmartVolume() *SmartVolume {
	return &SmartVolume{
		target:  0.65,
		gain:    1,
		detAtk:  onePoleCoeff(smartDetectAttackS),
		detRel:  onePoleCoeff(smartDetectReleaseS),
		down:    onePoleCoeff(smartGainDownS),
		up:      onePoleCoeff(smartGainUpS),
		minGain: math.Pow(10, -SMART_VOLUME_MAX_CUT_DB/20),
		maxGain: math.Pow(10, SMART_VOLUME_MAX_BOOST_DB/20),
	}
}

// onePoleCoeff is the per-sample smoothing coefficient for a time constant.
func onePoleCoeff(seconds float64) float64 {
	return math.Exp(-1 / (SAMPLE_RATE * math.Max(0.001, seconds)))
}

// SetTarget enables the AGC at targetPct percent of full scale.
func (s *SmartVolume) SetTarget(targetPct int) {
	s.target = float64(clampInt(targetPct, 10, 90)) / 100
	s.active = true
}

// Disable returns the AGC to unity and forgets its history.
func (s *SmartVolume) Disable() {
	if !s.active {
		return
	}
	s.active = false
	s.env = 0
	s.gain = 1
}

// Observe feeds one frame and returns the gain to apply to it.
func (s *SmartVolume) Observe(frame []float64) float64 {
	if !s.active {
		return 1
	}
	peak := 0.0
	for _, v := range frame {
		peak = math.Max(peak, math.Abs(v))
	}
	if peak > s.env {
		s.env = s.detAtk*s.env + (1-s.detAtk)*peak
	} else {
		s.env = s.detRel*s.env + (1-s.detRel)*peak
	}

	desired := clamp(s.target/math.Max(1e-6, s.env), s.minGain, s.maxGain)
	a := s.up
	if desired < s.gain {
		a = s.down
	}
	s.gain = a*s.gain + (1-a)*desired
	return s.gain
}

// Gain is the current AGC gain.
func (s *SmartVolume) Gain() float64 {
	if !s.active {
		return 1
	}
	return s.gain
}
