// debug_capture.go - Output metering, spectrogram and recent-event ring for external debug views

package main

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	DEBUG_WAVE_SAMPLES   = 256
	DEBUG_SPECT_FFT_SIZE = 4096
	DEBUG_SPECT_BINS     = 16
	DEBUG_SPECT_COLS     = 64
	DEBUG_EVENT_CAPACITY = 64

	DEBUG_DOMINANT_HYSTERESIS = 15 * time.Millisecond
)

// DebugSnapshot is an immutable view of the last rendered buffer.
type DebugSnapshot struct {
	Updated  time.Time
	Channels int
	RMS01    []float32
	Peak01   []float32

	// Waveform is the latest mono window in [-1, 1].
	Waveform []float32

	// Spectrogram is a column ring of DEBUG_SPECT_COLS x DEBUG_SPECT_BINS
	// values in [0, 1]; SpectrogramWriteCol is the next column written.
	Spectrogram         []float32
	SpectrogramCols     int
	SpectrogramBins     int
	SpectrogramWriteCol int

	DeviceBufferMs float64
	QueuedMs       float64
}

// DebugEvent records one impulse as it was enqueued.
type DebugEvent struct {
	At         time.Time
	Key        string
	Bus        HapticBus
	StartHz    float64
	EndHz      float64
	DurationMs int
	Gain01     float64
	Priority   int
	DelayMs    int
	ForcedMask int
	AzimuthDeg float64
	DistanceM  float64
}

// Age is how long ago the event was recorded.
func (e DebugEvent) Age(now time.Time) time.Duration {
	return now.Sub(e.At)
}

// dominantInfo describes the strongest source of a buffer.
type dominantInfo struct {
	label    string
	priority int
	freqHz   float64
	gain01   float64
}

func (d dominantInfo) String() string {
	return fmt.Sprintf("dominant=%s pri=%d freq=%.1fHz gain=%.2f", d.label, d.priority, d.freqHz, d.gain01)
}

func (d dominantInfo) near(o dominantInfo) bool {
	return d.label == o.label && d.priority == o.priority &&
		math.Abs(d.freqHz-o.freqHz) <= 0.05 && math.Abs(d.gain01-o.gain01) <= 0.01
}

// DebugCapture collects observability data from the output thread. The
// Begin/Frame/End methods run on the output thread only; everything else
// is safe from any goroutine. Disabled capture costs one atomic load per
// buffer.
type DebugCapture struct {
	enabled  atomic.Bool
	snap     atomic.Pointer[DebugSnapshot]
	dominant atomic.Pointer[string]

	evMu    sync.Mutex
	events  [DEBUG_EVENT_CAPACITY]DebugEvent
	evWrite int
	evCount int

	// Output thread state.
	active    bool
	channels  int
	frames    int
	sumSq     [CHANNELS_7_1]float64
	peak      [CHANNELS_7_1]float64
	monoRing  [DEBUG_SPECT_FFT_SIZE]float32
	monoWrite int
	wave      [DEBUG_WAVE_SAMPLES]float32
	waveIdx   int
	waveStep  int
	spect     [DEBUG_SPECT_COLS * DEBUG_SPECT_BINS]float32
	spectCol  int
	window    []float64
	fftIn     []float64
	fftOut    []complex128
	fft       *fourier.FFT

	published    dominantInfo
	pending      dominantInfo
	pendingSince time.Time
}

func NewDebugCapture() *DebugCapture {
	d := &DebugCapture{
		window: make([]float64, DEBUG_SPECT_FFT_SIZE),
		fftIn:  make([]float64, DEBUG_SPECT_FFT_SIZE),
		fftOut: make([]complex128, DEBUG_SPECT_FFT_SIZE/2+1),
		fft:    fourier.NewFFT(DEBUG_SPECT_FFT_SIZE),
	}
	for n := range d.window {
		d.window[n] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(n)/float64(DEBUG_SPECT_FFT_SIZE-1))
	}
	d.published = dominantInfo{label: "none", priority: -1}
	s := d.published.String()
	d.dominant.Store(&s)
	return d
}

func (d *DebugCapture) SetEnabled(on bool) { d.enabled.Store(on) }
func (d *DebugCapture) Enabled() bool      { return d.enabled.Load() }

// Snapshot returns the latest published snapshot, or nil before the first
// captured buffer.
func (d *DebugCapture) Snapshot() *DebugSnapshot { return d.snap.Load() }

// Dominant returns the published dominant-source summary.
func (d *DebugCapture) Dominant() string { return *d.dominant.Load() }

// Record appends an event to the ring.
func (d *DebugCapture) Record(ev DebugEvent) {
	d.evMu.Lock()
	d.events[d.evWrite] = ev
	d.evWrite = (d.evWrite + 1) % DEBUG_EVENT_CAPACITY
	d.evCount = min(d.evCount+1, DEBUG_EVENT_CAPACITY)
	d.evMu.Unlock()
}

// RecentEvents returns up to n events, newest first.
func (d *DebugCapture) RecentEvents(n int) []DebugEvent {
	d.evMu.Lock()
	defer d.evMu.Unlock()
	n = clampInt(n, 0, d.evCount)
	out := make([]DebugEvent, 0, n)
	for i := 1; i <= n; i++ {
		idx := (d.evWrite - i + DEBUG_EVENT_CAPACITY) % DEBUG_EVENT_CAPACITY
		out = append(out, d.events[idx])
	}
	return out
}

// observeDominant publishes a new dominant source once it has been stable
// for DEBUG_DOMINANT_HYSTERESIS.
func (d *DebugCapture) observeDominant(now time.Time, cand dominantInfo) {
	if cand.near(d.published) {
		d.pendingSince = time.Time{}
		return
	}
	if !cand.near(d.pending) || d.pendingSince.IsZero() {
		d.pending = cand
		d.pendingSince = now
		return
	}
	if now.Sub(d.pendingSince) >= DEBUG_DOMINANT_HYSTERESIS {
		d.published = d.pending
		d.pendingSince = time.Time{}
		s := d.published.String()
		d.dominant.Store(&s)
	}
}

// beginBuffer latches the enabled flag for one buffer.
func (d *DebugCapture) beginBuffer(channels, frames int) {
	d.active = d.enabled.Load()
	if !d.active {
		return
	}
	d.channels = channels
	d.frames = frames
	d.sumSq = [CHANNELS_7_1]float64{}
	d.peak = [CHANNELS_7_1]float64{}
	d.waveIdx = 0
	d.waveStep = max(1, frames/DEBUG_WAVE_SAMPLES)
}

// frame records one output frame. i is the frame index in the buffer.
func (d *DebugCapture) frame(i int, out []float64) {
	if !d.active {
		return
	}
	mono := 0.0
	for c, v := range out {
		d.sumSq[c] += v * v
		d.peak[c] = math.Max(d.peak[c], math.Abs(v))
		mono += v
	}
	mono = clamp(mono/float64(max(1, len(out))), -1, 1)
	d.monoRing[d.monoWrite] = float32(mono)
	d.monoWrite = (d.monoWrite + 1) & (DEBUG_SPECT_FFT_SIZE - 1)
	if i%d.waveStep == 0 && d.waveIdx < DEBUG_WAVE_SAMPLES {
		d.wave[d.waveIdx] = float32(mono)
		d.waveIdx++
	}
}

// endBuffer computes the spectrogram column and publishes a snapshot.
func (d *DebugCapture) endBuffer(now time.Time, status BufferStatus) {
	if !d.active {
		return
	}
	for n := range DEBUG_SPECT_FFT_SIZE {
		src := (d.monoWrite + n) & (DEBUG_SPECT_FFT_SIZE - 1)
		d.fftIn[n] = float64(d.monoRing[src]) * d.window[n]
	}
	coeffs := d.fft.Coefficients(d.fftOut, d.fftIn)

	base := d.spectCol * DEBUG_SPECT_BINS
	norm := float64(DEBUG_SPECT_FFT_SIZE) / 2
	for b := range DEBUG_SPECT_BINS {
		c := coeffs[b+1]
		mag := math.Hypot(real(c), imag(c)) / norm
		db := 20 * math.Log10(mag+1e-9)
		d.spect[base+b] = float32(clamp01((db + 60) / 60))
	}
	d.spectCol = (d.spectCol + 1) % DEBUG_SPECT_COLS

	snap := &DebugSnapshot{
		Updated:             now,
		Channels:            d.channels,
		RMS01:               make([]float32, d.channels),
		Peak01:              make([]float32, d.channels),
		Waveform:            append([]float32(nil), d.wave[:]...),
		Spectrogram:         append([]float32(nil), d.spect[:]...),
		SpectrogramCols:     DEBUG_SPECT_COLS,
		SpectrogramBins:     DEBUG_SPECT_BINS,
		SpectrogramWriteCol: d.spectCol,
		DeviceBufferMs:      status.BufferMs,
		QueuedMs:            status.QueuedMs,
	}
	for c := range d.channels {
		snap.RMS01[c] = float32(clamp01(math.Sqrt(d.sumSq[c] / float64(max(1, d.frames)))))
		snap.Peak01[c] = float32(clamp01(d.peak[c]))
	}
	d.snap.Store(snap)
}
