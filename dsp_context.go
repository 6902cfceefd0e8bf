// dsp_context.go - Per-voice evaluation context and deterministic noise source

package main

// noiseRNG is a Mulberry32 generator. Every voice owns one, so noise and
// jitter replay identically for the same seed.
type noiseRNG struct {
	state uint32
	seed  uint32
}

func newNoiseRNG(seed uint32) *noiseRNG {
	return &noiseRNG{state: seed, seed: seed}
}

func (r *noiseRNG) reset() {
	r.state = r.seed
}

// next returns a value in [0, 1).
func (r *noiseRNG) next() float64 {
	r.state += 0x6D2B79F5
	t := r.state
	t = (t ^ (t >> 15)) * (t | 1)
	t ^= t + (t^(t>>7))*(t|61)
	return float64(t^(t>>14)) / 4294967296.0
}

// bipolar returns a value in [-1, 1).
func (r *noiseRNG) bipolar() float64 {
	return r.next()*2.0 - 1.0
}

// mixSeed folds a string into a seed so two voices with different keys
// started in the same nanosecond still diverge.
func mixSeed(base uint64, key string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	s := uint32(base) ^ uint32(base>>32) ^ h
	s = (s ^ (s >> 16)) * 0x85ebca6b
	s = (s ^ (s >> 13)) * 0xc2b2ae35
	return s ^ (s >> 16)
}

// EvalContext carries the voice-wide state a graph reads while evaluating.
type EvalContext struct {
	SampleRate   float64
	SampleIndex  int
	StartFreqHz  float64
	EndFreqHz    float64
	TotalSamples int
	Seed         uint32

	// Band is the directional band chosen for the voice, used by direction
	// nodes configured with band "auto".
	Band Band

	rng *noiseRNG
}

// NewEvalContext builds a context for a voice of totalSamples length.
func NewEvalContext(seed uint32, startHz, endHz float64, totalSamples int) *EvalContext {
	return &EvalContext{
		SampleRate:   SAMPLE_RATE,
		StartFreqHz:  startHz,
		EndFreqHz:    endHz,
		TotalSamples: max(1, totalSamples),
		Seed:         seed,
		Band:         BandCenter,
		rng:          newNoiseRNG(seed),
	}
}

// Retune changes the sweep endpoints without touching the sample position.
func (c *EvalContext) Retune(startHz, endHz float64) {
	c.StartFreqHz = startHz
	c.EndFreqHz = endHz
}

// Resize changes the voice length (used when a voice is extended).
func (c *EvalContext) Resize(totalSamples int) {
	c.TotalSamples = max(1, totalSamples)
}

// Progress is the position through the voice in [0, 1].
func (c *EvalContext) Progress() float64 {
	if c.TotalSamples <= 1 {
		return 1.0
	}
	return clamp01(float64(c.SampleIndex) / float64(c.TotalSamples-1))
}

// FrequencyHz is the carrier frequency at the current sample.
func (c *EvalContext) FrequencyHz() float64 {
	return c.StartFreqHz + (c.EndFreqHz-c.StartFreqHz)*c.Progress()
}

func (c *EvalContext) sampleRate() float64 {
	if c.SampleRate <= 0 {
		return SAMPLE_RATE
	}
	return c.SampleRate
}

func (c *EvalContext) random() float64 {
	if c.rng == nil {
		c.rng = newNoiseRNG(c.Seed)
	}
	return c.rng.bipolar()
}
