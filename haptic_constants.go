// haptic_constants.go - Sample format, channel layout and bus constants for the haptics engine

package main

import (
	"math"
	"strings"
)

const (
	SAMPLE_RATE      = 48000
	BYTES_PER_SAMPLE = 2 // signed 16-bit little endian

	FRAMES_PER_BUFFER = 1024

	CHANNELS_STEREO = 2
	CHANNELS_7_1    = 8
)

// Channel bit masks, in 7.1 interleave order.
const (
	CH_MASK_FL  = 0x01
	CH_MASK_FR  = 0x02
	CH_MASK_C   = 0x04
	CH_MASK_LFE = 0x08
	CH_MASK_SL  = 0x10
	CH_MASK_SR  = 0x20
	CH_MASK_BL  = 0x40
	CH_MASK_BR  = 0x80

	CH_MASK_STEREO_ALL = CH_MASK_FL | CH_MASK_FR
	CH_MASK_7_1_ALL    = 0xFF
)

// ChannelIDs71 lists channel ids by interleave index.
var ChannelIDs71 = [CHANNELS_7_1]string{"FL", "FR", "C", "LFE", "SL", "SR", "BL", "BR"}

// ChannelIDAt returns the id of interleave slot c for the given layout.
func ChannelIDAt(channels, c int) string {
	if channels != CHANNELS_7_1 {
		if c == 0 {
			return "FL"
		}
		return "FR"
	}
	return ChannelIDs71[c]
}

// NormalizeChannels coerces any channel count to a supported layout.
func NormalizeChannels(n int) int {
	if n == CHANNELS_7_1 {
		return CHANNELS_7_1
	}
	return CHANNELS_STEREO
}

func allChannelsMask(channels int) int {
	if channels == CHANNELS_7_1 {
		return CH_MASK_7_1_ALL
	}
	return CH_MASK_STEREO_ALL
}

// channelIDMask maps a channel id to its bit. In stereo, surround ids
// collapse onto both front channels. Unknown ids return 0.
func channelIDMask(raw string, channels int) int {
	v := strings.ToUpper(strings.TrimSpace(raw))
	if v == "" {
		return 0
	}
	if channels != CHANNELS_7_1 {
		switch v {
		case "FL", "L":
			return CH_MASK_FL
		case "FR", "R":
			return CH_MASK_FR
		}
		return CH_MASK_STEREO_ALL
	}
	switch v {
	case "FL", "L":
		return CH_MASK_FL
	case "FR", "R":
		return CH_MASK_FR
	case "C":
		return CH_MASK_C
	case "LFE":
		return CH_MASK_LFE
	case "SL":
		return CH_MASK_SL
	case "SR":
		return CH_MASK_SR
	case "BL":
		return CH_MASK_BL
	case "BR":
		return CH_MASK_BR
	}
	return 0
}

// HapticBus is a coarse routing lane. One impulse per bus plays at full
// strength; the rest are ducked.
type HapticBus int

const (
	BusImpact HapticBus = iota
	BusContinuous
	BusEnvironmental
	BusUI
	BusDanger
	BusModded
	busCount
)

var busNames = [busCount]string{"impact", "continuous", "environmental", "ui", "danger", "modded"}

func (b HapticBus) String() string {
	if b < 0 || b >= busCount {
		return "modded"
	}
	return busNames[b]
}

// BusForKey classifies a debug key onto a bus by substring.
func BusForKey(debugKey string) HapticBus {
	dk := strings.ToLower(strings.TrimSpace(debugKey))
	if dk == "" {
		return BusModded
	}
	has := func(subs ...string) bool {
		for _, s := range subs {
			if strings.Contains(dk, s) {
				return true
			}
		}
		return false
	}
	switch {
	case has("ui") || strings.HasPrefix(dk, "menu"):
		return BusUI
	case has("damage", "warden", "danger", "hurt"):
		return BusDanger
	case has("biome", "ambient", "env", "weather"):
		return BusEnvironmental
	case has("road", "move", "walk", "run"):
		return BusContinuous
	case has("impact", "hit", "mine", "swing"):
		return BusImpact
	}
	return BusModded
}

// DUCK_FACTOR scales every non-dominant source.
const DUCK_FACTOR = 0.30

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clamp01(v float64) float64 {
	return clamp(v, 0, 1)
}

// finiteOr replaces NaN and Inf with fallback.
func finiteOr(v, fallback float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fallback
	}
	return v
}

func msToSamples(ms float64) int {
	return int(ms / 1000.0 * SAMPLE_RATE)
}

func smoothstep(x float64) float64 {
	x = clamp01(x)
	return x * x * (3.0 - 2.0*x)
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

// softClipTanh is the output limiter curve, normalised so that +-1 maps to +-1.
func softClipTanh(x, drive float64) float64 {
	d := clamp(drive, 1.0, 12.0)
	denom := math.Tanh(d)
	if denom == 0 {
		return clamp(x, -1, 1)
	}
	return math.Tanh(x*d) / denom
}
