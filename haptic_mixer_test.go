// haptic_mixer_test.go - Mixer calibration, additivity, limiting and voice lifecycle tests

package main

import (
	"math"
	"testing"
	"time"
)

// newTestMixer builds a mixer with a fixed clock so voice seeds repeat.
func newTestMixer(mod func(*Config)) *Mixer {
	cfg := DefaultConfig()
	if mod != nil {
		mod(cfg)
	}
	m := NewMixer(NewConfigStore(cfg), nil)
	t0 := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return t0 }
	return m
}

func renderBuffers(m *Mixer, channels, buffers int) []float64 {
	out := make([]float64, 0, buffers*FRAMES_PER_BUFFER*channels)
	buf := make([]float64, FRAMES_PER_BUFFER*channels)
	for range buffers {
		m.Render(buf, channels, 1)
		out = append(out, buf...)
	}
	return out
}

func testImpulse(key string, gain float64) Impulse {
	return Impulse{StartHz: 45, EndHz: 35, DurationMs: 200, Gain01: gain, NoiseMix01: 0.3, Pattern: "single", Priority: 5, DebugKey: key}
}

func peakAbs(s []float64) float64 {
	p := 0.0
	for _, v := range s {
		p = math.Max(p, math.Abs(v))
	}
	return p
}

func TestMixer_ComfortLimitScalesChannel(t *testing.T) {
	render := func(comfort float64) []float64 {
		m := newTestMixer(func(c *Config) {
			c.SoundScape.Enabled = true
			c.SoundScape.SpatialEnabled = false
			cal := DefaultTransducerCalibration()
			cal.ComfortLimit01 = comfort
			c.SoundScape.Calibration["FL"] = cal
		})
		m.Enqueue(testImpulse("impact.test", 1), nil, nil)
		return renderBuffers(m, CHANNELS_STEREO, 8)
	}
	full, half := render(1), render(0.5)

	var sawSignal bool
	for i := 0; i < len(full); i += 2 {
		fl, flHalf := full[i], half[i]
		if math.Abs(flHalf) > 0.5*math.Abs(fl)+1e-12 {
			t.Fatalf("frame %d: FL %v exceeds half of %v", i/2, flHalf, fl)
		}
		if full[i+1] != half[i+1] {
			t.Fatalf("frame %d: FR changed (%v vs %v) though only FL is limited", i/2, full[i+1], half[i+1])
		}
		if fl != 0 {
			sawSignal = true
		}
	}
	if !sawSignal {
		t.Fatal("impulse produced no output")
	}
}

func TestMixer_VoicesAdd(t *testing.T) {
	linear := func(c *Config) {
		c.Output.LimiterDrive = 1
		c.Output.MasterVolume = 1
	}
	a := testImpulse("impact.a", 0.002)
	b := testImpulse("ui.b", 0.002)
	b.StartHz, b.EndHz = 70, 70

	ma := newTestMixer(linear)
	ma.Enqueue(a, nil, nil)
	mb := newTestMixer(linear)
	mb.Enqueue(b, nil, nil)
	mab := newTestMixer(linear)
	mab.Enqueue(a, nil, nil)
	mab.Enqueue(b, nil, nil)

	ra := renderBuffers(ma, CHANNELS_STEREO, 6)
	rb := renderBuffers(mb, CHANNELS_STEREO, 6)
	rab := renderBuffers(mab, CHANNELS_STEREO, 6)

	scale := peakAbs(ra) + peakAbs(rb)
	if scale == 0 {
		t.Fatal("no output")
	}
	for i := range rab {
		if d := math.Abs(rab[i] - (ra[i] + rb[i])); d > 1e-3*scale {
			t.Fatalf("sample %d: together %v, apart %v + %v", i, rab[i], ra[i], rb[i])
		}
	}
}

func TestMixer_LimiterBounds(t *testing.T) {
	m := newTestMixer(func(c *Config) {
		c.Output.MasterVolume = 1
		c.Output.Headroom = 1
		c.SoundScape.Enabled = true
		c.SoundScape.Calibration["FL"] = TransducerCalibration{GainDb: 24, EqFreqHz: 40, EqGainDb: 12, ComfortLimit01: 1}
		c.Output.EQ = OutputEQConfig{Enabled: true, FreqHz: 40, GainDb: 12}
	})
	for i := range MAX_IMPULSE_VOICES {
		imp := testImpulse("impact.loud", 1)
		imp.StartHz = 30 + float64(i)
		imp.Priority = 90
		m.Enqueue(imp, nil, nil)
	}
	m.TriggerDamageBurst(1)
	m.TriggerAccelBump(1)
	m.TriggerBiomeChime()
	out := renderBuffers(m, CHANNELS_STEREO, 10)
	if p := peakAbs(out); p > 1 {
		t.Fatalf("peak %v exceeds full scale", p)
	} else {
		t.Logf("peak %.4f", p)
	}
}

func TestSoftClipTanh(t *testing.T) {
	for _, drive := range []float64{0, 1, 2.5, 8, 50} {
		if got := softClipTanh(1, drive); math.Abs(got-1) > 1e-12 {
			t.Errorf("drive %v: softClipTanh(1) = %v, want 1", drive, got)
		}
		prev := -2.0
		for x := -3.0; x <= 3; x += 0.01 {
			y := softClipTanh(x, drive)
			if y < prev {
				t.Fatalf("drive %v: not monotonic at %v", drive, x)
			}
			prev = y
		}
	}
}

func TestMixer_VoiceExpiresAndGoesIdle(t *testing.T) {
	m := newTestMixer(nil)
	imp := testImpulse("impact.short", 1)
	imp.DurationMs = 20
	m.Enqueue(imp, nil, nil)
	if !m.Active() {
		t.Fatal("queued voice not reported active")
	}
	renderBuffers(m, CHANNELS_STEREO, 1)
	if m.Active() {
		t.Error("voice still active after its duration elapsed")
	}
}

func TestMixer_DelayedVoiceStartsLate(t *testing.T) {
	m := newTestMixer(nil)
	imp := testImpulse("impact.late", 1)
	imp.DelayMs = 30
	imp.NoiseMix01 = 0
	m.Enqueue(imp, nil, nil)
	out := renderBuffers(m, CHANNELS_STEREO, 2)
	delayFrames := msToSamples(30)
	for i := range delayFrames {
		if out[i*2] != 0 {
			t.Fatalf("frame %d: output %v before the delay elapsed", i, out[i*2])
		}
	}
	if peakAbs(out[delayFrames*2:]) == 0 {
		t.Error("delayed voice never sounded")
	}
}

func TestMixer_StopCalibrationFades(t *testing.T) {
	m := newTestMixer(nil)
	m.Enqueue(Impulse{StartHz: 60, DurationMs: 3000, Gain01: 1, Pattern: "flat", Priority: 90, DebugKey: "cal.tone"}, nil, nil)
	m.Enqueue(Impulse{StartHz: 40, DurationMs: 3000, Gain01: 1, Pattern: "flat", Priority: 90, DebugKey: "cal.ch.FL.tone"}, nil, nil)
	renderBuffers(m, CHANNELS_STEREO, 1)
	if !m.Active() {
		t.Fatal("calibration voices not active")
	}
	m.StopCalibration()
	// The 30 ms fade is 1440 frames, so it ends inside the second buffer.
	renderBuffers(m, CHANNELS_STEREO, 2)
	if m.Active() {
		t.Error("calibration voices outlived the fade")
	}
	tail := renderBuffers(m, CHANNELS_STEREO, 1)
	if p := peakAbs(tail); p != 0 {
		t.Errorf("output after fade peak %v, want silence", p)
	}
}

func TestMixer_ForcedCalibrationChannel(t *testing.T) {
	m := newTestMixer(func(c *Config) { c.SoundScape.Enabled = true })
	m.Enqueue(Impulse{StartHz: 40, DurationMs: 200, Gain01: 1, Pattern: "flat", Priority: 90, DebugKey: "cal.ch.FR.tone"}, nil, nil)
	out := renderBuffers(m, CHANNELS_STEREO, 3)
	var left, right float64
	for i := 0; i < len(out); i += 2 {
		left = math.Max(left, math.Abs(out[i]))
		right = math.Max(right, math.Abs(out[i+1]))
	}
	if left != 0 || right == 0 {
		t.Errorf("forced FR voice: left peak %v, right peak %v", left, right)
	}
}

func TestMixer_InstrumentGraphVoice(t *testing.T) {
	lib := DefaultInstrumentLibrary()
	inst, ok := lib.Get("impact_heavy")
	if !ok {
		t.Fatal("impact_heavy missing")
	}
	m := newTestMixer(nil)
	imp := testImpulse("impact.graph", 0.9)
	imp.Instrument = inst.ID
	m.Enqueue(imp, inst.Graph, DefaultEncodingTable())
	out := renderBuffers(m, CHANNELS_STEREO, 4)
	if peakAbs(out) == 0 {
		t.Error("instrument voice produced no output")
	}
	ev := m.Debug().RecentEvents(1)
	if len(ev) != 1 || ev[0].Key != "impact.graph" {
		t.Errorf("debug event ring = %+v", ev)
	}
}

func TestMixer_ClampsMalformedImpulse(t *testing.T) {
	m := newTestMixer(nil)
	m.Enqueue(Impulse{StartHz: math.NaN(), EndHz: 1e6, DurationMs: -5, Gain01: 7, NoiseMix01: -1, PulsePeriodMs: -1, Priority: 1000, DelayMs: -40}, nil, nil)
	ev := m.Debug().RecentEvents(1)[0]
	if ev.StartHz < IMPULSE_MIN_HZ || ev.StartHz > IMPULSE_MAX_HZ || ev.EndHz != IMPULSE_MAX_HZ {
		t.Errorf("frequency not clamped: %v → %v", ev.StartHz, ev.EndHz)
	}
	if ev.Gain01 != 1 || ev.Priority != 100 || ev.DurationMs != 10 || ev.DelayMs != 0 {
		t.Errorf("event not clamped: %+v", ev)
	}
	out := renderBuffers(m, CHANNELS_STEREO, 1)
	for i, v := range out {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("sample %d not finite", i)
		}
	}
}

func TestMixer_ResetDropsVoices(t *testing.T) {
	m := newTestMixer(nil)
	m.Enqueue(testImpulse("impact.a", 1), nil, nil)
	m.TriggerDamageBurst(1)
	renderBuffers(m, CHANNELS_STEREO, 1)
	m.Reset()
	if m.Active() {
		t.Error("mixer active after Reset")
	}
	if p := peakAbs(renderBuffers(m, CHANNELS_STEREO, 1)); p != 0 {
		t.Errorf("output after Reset peak %v", p)
	}
}
