// haptic_engine.go - Engine value: trigger, telemetry and calibration API over the mixer and output loop

/*
 ██▓ ███▄    █ ▄▄▄█████▓ █    ██  ██▓▄▄▄█████▓ ██▓ ▒█████   ███▄    █    ▓█████  ███▄    █   ▄████  ██▓ ███▄    █ ▓█████
▓██▒ ██ ▀█   █ ▓  ██▒ ▓▒ ██  ▓██▒▓██▒▓  ██▒ ▓▒▓██▒▒██▒  ██▒ ██ ▀█   █    ▓█   ▀  ██ ▀█   █  ██▒ ▀█▒▓██▒ ██ ▀█   █ ▓█   ▀
▒██▒▓██  ▀█ ██▒▒ ▓██░ ▒░▓██  ▒██░▒██▒▒ ▓██░ ▒░▒██▒▒██░  ██▒▓██  ▀█ ██▒   ▒███   ▓██  ▀█ ██▒▒██░▄▄▄░▒██▒▓██  ▀█ ██▒▒███
░██░▓██▒  ▐▌██▒░ ▓██▓ ░ ▓▓█  ░██░░██░░ ▓██▓ ░ ░██░▒██   ██░▓██▒  ▐▌██▒   ▒▓█  ▄ ▓██▒  ▐▌██▒░▓█  ██▓░██░▓██▒  ▐▌██▒▒▓█  ▄
░██░▒██░   ▓██░  ▒██▒ ░ ▒▒█████▓ ░██░  ▒██▒ ░ ░██░░ ████▓▒░▒██░   ▓██░   ░▒████▒▒██░   ▓██░░▒▓███▀▒░██░▒██░   ▓██░░▒████▒
░▓  ░ ▒░   ▒ ▒   ▒ ░░   ░▒▓▒ ▒ ▒ ░▓    ▒ ░░   ░▓  ░ ▒░▒░▒░ ░ ▒░   ▒ ▒    ░░ ▒░ ░░ ▒░   ▒ ▒  ░▒   ▒ ░▓  ░ ▒░   ▒ ▒ ░░ ▒░ ░
 ▒ ░░ ░░   ░ ▒░    ░    ░░▒░ ░ ░  ▒ ░    ░     ▒ ░  ░ ▒ ▒░ ░ ░░   ░ ▒░    ░ ░  ░░ ░░   ░ ▒░  ░   ░  ▒ ░░ ░░   ░ ▒░ ░ ░  ░
 ▒ ░   ░   ░ ░   ░       ░░░ ░ ░  ▒ ░  ░       ▒ ░░ ░ ░ ▒     ░   ░ ░       ░      ░   ░ ░ ░ ░   ░  ▒ ░   ░   ░ ░    ░
 ░           ░             ░      ░            ░      ░ ░           ░       ░  ░         ░       ░  ░           ░    ░  ░

(c) 2024 - 2026 Zayn Otley
https://github.com/IntuitionAmiga/IntuitionEngine
License: GPLv3 or later
*/

package main

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/logging"
)

const (
	TELEMETRY_STALE_AFTER = time.Second
	TELEMETRY_IDLE_AFTER  = 10 * time.Second
	ACCEL_BUMP_COOLDOWN   = 120 * time.Millisecond

	CALIBRATION_SWEEP_MS = 6500
	CALIBRATION_TONE_MS  = 2000
)

// SupportedChannelFormats are the layouts a device can be opened with.
var SupportedChannelFormats = []int{CHANNELS_STEREO, CHANNELS_7_1}

// EngineOptions customise NewEngine. The zero value selects the backend
// from the configuration and the built-in profiles and instruments.
type EngineOptions struct {
	Opener          SinkOpener
	Profiles        *ProfileStore
	Instruments     *InstrumentLibrary
	LoggerFactory   logging.LoggerFactory
	OnOutputFailure func(error)
}

// Engine is the haptics core: it owns the configuration snapshot, the
// event bus, the mixer and the output loop. Every method is safe for
// concurrent use.
type Engine struct {
	cfg         *ConfigStore
	debug       *DebugCapture
	mixer       *Mixer
	bus         *EventBus
	output      *OutputLoop
	profiles    atomic.Pointer[ProfileStore]
	instruments instrumentStore
	log         logging.LeveledLogger
	now         func() time.Time

	openMu      sync.Mutex
	opener      SinkOpener
	fixedOpener bool
	onFailure   func(error)

	wantRun       atomic.Bool
	telemetryLive atomic.Bool
	lastTelemetry atomic.Int64 // unix nanos
	lastBump      atomic.Int64
}

// NewEngine builds an engine for cfg. The output is not started.
func NewEngine(cfg *Config, opts EngineOptions) (*Engine, error) {
	lf := opts.LoggerFactory
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	e := &Engine{
		cfg:       NewConfigStore(cfg),
		debug:     NewDebugCapture(),
		log:       lf.NewLogger("engine"),
		now:       time.Now,
		onFailure: opts.OnOutputFailure,
	}
	snap := e.cfg.Load()
	e.debug.SetEnabled(snap.Output.DebugCapture)
	e.mixer = NewMixer(e.cfg, e.debug)

	if opts.Opener != nil {
		e.opener, e.fixedOpener = opts.Opener, true
	} else {
		open, err := SelectBackend(snap.Output.Backend)
		if err != nil {
			return nil, err
		}
		e.opener = open
	}

	profiles := opts.Profiles
	if profiles == nil {
		p, err := NewProfileStore(DefaultProfilesScript, lf.NewLogger("profiles"))
		if err != nil {
			return nil, fmt.Errorf("default profiles: %w", err)
		}
		profiles = p
	}
	e.profiles.Store(profiles)
	e.instruments.Store(opts.Instruments)

	e.bus = NewEventBus(e, profiles.Encoding(), lf.NewLogger("bus"))
	e.output = NewOutputLoop(e, e.open, e.debug, lf.NewLogger("output"))
	e.output.OnFailure = e.outputFailed
	return e, nil
}

func (e *Engine) open(f SinkFormat) (AudioSink, error) {
	e.openMu.Lock()
	open := e.opener
	e.openMu.Unlock()
	return open(f)
}

func (e *Engine) outputFailed(err error) {
	e.log.Errorf("output stopped: %v", err)
	if e.onFailure != nil {
		e.onFailure(err)
	}
}

func (e *Engine) sinkFormat(cfg *Config) SinkFormat {
	return SinkFormat{
		Device:          cfg.Output.Device,
		Channels:        cfg.OutputChannels(),
		FramesPerBuffer: cfg.Output.BufferFrames,
	}
}

// Start (re)starts the output loop with the current configuration. While
// the engine is disabled the output stays down until ApplyConfig enables it.
func (e *Engine) Start() {
	e.wantRun.Store(true)
	cfg := e.cfg.Load()
	if !cfg.Enabled {
		e.log.Info("haptics disabled; output not started")
		return
	}
	e.output.StartOrRestart(e.sinkFormat(cfg))
}

// Stop stops the output loop and drops every voice.
func (e *Engine) Stop() {
	e.wantRun.Store(false)
	e.stopOutput()
}

func (e *Engine) stopOutput() {
	if e.output.Stop() {
		e.mixer.Reset()
	} else {
		e.log.Warn("output loop did not exit; voices kept")
	}
}

// Close stops the output and releases the profile script.
func (e *Engine) Close() {
	e.Stop()
	if p := e.profiles.Load(); p != nil {
		p.Close()
	}
}

// Config returns the current sanitised configuration snapshot.
func (e *Engine) Config() *Config { return e.cfg.Load() }

// ApplyConfig publishes cfg. The output is restarted when the device
// format or backend changed, and stopped when the engine was disabled.
func (e *Engine) ApplyConfig(cfg *Config) error {
	old := e.cfg.Load()
	e.cfg.Store(cfg)
	next := e.cfg.Load()
	e.debug.SetEnabled(next.Output.DebugCapture)

	backendChanged := next.Output.Backend != old.Output.Backend
	if backendChanged && !e.fixedOpener {
		open, err := SelectBackend(next.Output.Backend)
		if err != nil {
			return err
		}
		e.openMu.Lock()
		e.opener = open
		e.openMu.Unlock()
	}

	switch {
	case !e.wantRun.Load():
	case !next.Enabled:
		e.stopOutput()
	case !old.Enabled, backendChanged, e.sinkFormat(old) != e.sinkFormat(next):
		e.log.Infof("output format changed; restarting")
		e.output.StartOrRestart(e.sinkFormat(next))
	}
	return nil
}

// UpdateConfig applies fn to a copy of the configuration.
func (e *Engine) UpdateConfig(fn func(*Config)) error {
	next := e.cfg.Load().Clone()
	fn(next)
	return e.ApplyConfig(next)
}

// SetProfiles swaps the profile store and the encoding table it defines.
func (e *Engine) SetProfiles(p *ProfileStore) {
	if p == nil {
		return
	}
	if old := e.profiles.Swap(p); old != nil && old != p {
		old.Close()
	}
	e.bus.SetEncoding(p.Encoding())
}

func (e *Engine) Profiles() *ProfileStore { return e.profiles.Load() }

// SetInstruments swaps the instrument library.
func (e *Engine) SetInstruments(lib *InstrumentLibrary) { e.instruments.Store(lib) }

func (e *Engine) Instruments() *InstrumentLibrary { return e.instruments.Load() }

// SetListener updates the pose directional triggers are encoded against.
func (e *Engine) SetListener(pose ListenerPose) { e.bus.SetListener(pose) }

// TriggerImpulse hands an already encoded impulse to the mixer. When the
// impulse names a known instrument its graph synthesises the voice.
func (e *Engine) TriggerImpulse(imp Impulse) {
	var graph *CompiledGraph
	if id := strings.TrimSpace(imp.Instrument); id != "" {
		if in, ok := e.instruments.Load().Get(id); ok {
			graph = in.Graph
		} else {
			e.log.Debugf("unknown instrument %q; using built-in shape", id)
			imp.Instrument = ""
		}
	}
	var enc *EncodingTable
	if p := e.profiles.Load(); p != nil {
		enc = p.Encoding()
	}
	e.mixer.Enqueue(imp, graph, enc)
}

// TriggerTone plays a flat single-frequency impulse with the default
// pattern and priority.
func (e *Engine) TriggerTone(frequencyHz float64, durationMs int, gain01, noiseMix01 float64) {
	e.TriggerImpulse(Impulse{
		StartHz:       frequencyHz,
		DurationMs:    durationMs,
		Gain01:        gain01,
		NoiseMix01:    noiseMix01,
		Pattern:       "single",
		PulsePeriodMs: 160,
		PulseWidthMs:  60,
		Priority:      5,
	})
}

// TriggerSweep plays an impulse gliding linearly from startHz to endHz.
func (e *Engine) TriggerSweep(startHz, endHz float64, durationMs int, gain01 float64, pattern string, priority int, key string) {
	e.TriggerImpulse(Impulse{
		StartHz:       startHz,
		EndHz:         endHz,
		DurationMs:    durationMs,
		Gain01:        gain01,
		Pattern:       pattern,
		PulsePeriodMs: 160,
		PulseWidthMs:  60,
		Priority:      priority,
		DebugKey:      key,
	})
}

// Submit routes a trigger through suppression and directional encoding.
func (e *Engine) Submit(t Trigger, src SourceKind) SubmitOutcome {
	return e.bus.Submit(t, src)
}

// ProfileEvent carries the per-event data a profile trigger needs beyond
// its key.
type ProfileEvent struct {
	Bucket        string
	Scale         float64 // damage or fall-distance scale, 0..1
	DistanceScale float64 // distance falloff, 0..1
	DelayMs       int
	HasSource     bool
	Source        Vec3
}

var ErrUnknownProfile = errors.New("unknown profile")

// SubmitProfile resolves key through the profile store and submits the
// result.
func (e *Engine) SubmitProfile(key string, ev ProfileEvent, src SourceKind) (SubmitOutcome, error) {
	p := e.profiles.Load()
	if p == nil {
		return OutcomeSuppressed, ErrUnknownProfile
	}
	r, ok := p.Resolve(key, ev.Scale, ev.DistanceScale)
	if !ok {
		return OutcomeSuppressed, fmt.Errorf("%w: %s", ErrUnknownProfile, key)
	}
	return e.bus.Submit(Trigger{
		Key:           key,
		Bucket:        ev.Bucket,
		FrequencyHz:   r.FrequencyHz,
		DurationMs:    r.DurationMs,
		Gain01:        r.Intensity01,
		NoiseMix01:    r.NoiseMix01,
		Pattern:       r.Pattern,
		PulsePeriodMs: r.PulsePeriodMs,
		PulseWidthMs:  r.PulseWidthMs,
		Priority:      r.Priority,
		DelayMs:       ev.DelayMs,
		Instrument:    r.Instrument,
		Directional:   r.Directional,
		HasSource:     ev.HasSource,
		Source:        ev.Source,
	}, src), nil
}

// TriggerInstrument plays an instrument with its own defaults, scaled by
// intensityScale.
func (e *Engine) TriggerInstrument(id string, intensityScale float64, hasSource bool, source Vec3) error {
	in, ok := e.instruments.Load().Get(id)
	if !ok {
		return fmt.Errorf("unknown instrument %q", id)
	}
	d := in.Defaults
	e.bus.Submit(Trigger{
		Key:           "instrument." + in.ID,
		FrequencyHz:   d.FrequencyHz,
		DurationMs:    d.DurationMs,
		Gain01:        clamp01(d.Intensity01 * clamp01(finiteOr(intensityScale, 1))),
		Pattern:       "single",
		PulsePeriodMs: 160,
		PulseWidthMs:  60,
		Priority:      d.Priority,
		Instrument:    in.ID,
		Directional:   d.Directional,
		HasSource:     hasSource,
		Source:        source,
	}, SourceAuthoritative)
	return nil
}

func (e *Engine) TriggerDamageBurst(intensity01 float64) { e.mixer.TriggerDamageBurst(intensity01) }

func (e *Engine) TriggerBiomeChime() { e.mixer.TriggerBiomeChime() }

// UpdateTelemetry feeds one host tick. A large enough acceleration fires
// the accel bump, at most once per ACCEL_BUMP_COOLDOWN. airborne mutes the
// road texture.
func (e *Engine) UpdateTelemetry(speed, accel float64, airborne bool) {
	now := e.now().UnixNano()
	e.telemetryLive.Store(true)
	e.lastTelemetry.Store(now)
	if airborne {
		e.mixer.SetSpeed(0)
	} else {
		e.mixer.SetSpeed(speed)
	}

	fx := e.cfg.Load().Effects.AccelBump
	if !fx.Enabled {
		return
	}
	a := math.Abs(finiteOr(accel, 0))
	if a < fx.Threshold {
		return
	}
	last := e.lastBump.Load()
	if time.Duration(now-last) <= ACCEL_BUMP_COOLDOWN || !e.lastBump.CompareAndSwap(last, now) {
		return
	}
	e.mixer.TriggerAccelBump(clamp01(a / (fx.Threshold * 2)))
}

// SetTelemetryLive marks telemetry as flowing or stopped.
func (e *Engine) SetTelemetryLive(live bool) {
	e.telemetryLive.Store(live)
	if live {
		e.lastTelemetry.Store(e.now().UnixNano())
	}
}

// wake makes test and calibration triggers audible without telemetry.
func (e *Engine) wake() { e.SetTelemetryLive(true) }

func (e *Engine) telemetryAge() time.Duration {
	return time.Duration(e.now().UnixNano() - e.lastTelemetry.Load())
}

func (e *Engine) telemetryFresh() bool {
	return e.telemetryLive.Load() && e.telemetryAge() <= TELEMETRY_STALE_AFTER
}

// Activity implements OutputSource.
func (e *Engine) Activity() Activity {
	if e.telemetryFresh() {
		return ActivityLive
	}
	if e.telemetryAge() > TELEMETRY_IDLE_AFTER && !e.mixer.Active() {
		return ActivityIdle
	}
	return ActivityStale
}

// Render implements OutputSource.
func (e *Engine) Render(dst []float64, channels int) {
	target := 0.0
	if e.telemetryFresh() {
		target = 1
	}
	e.mixer.Render(dst, channels, target)
}

func (e *Engine) calibrationGain(mul float64) float64 {
	return clamp01(e.cfg.Load().Output.MasterVolume * mul)
}

func channelKey(channelID, test string) string {
	return "cal.ch." + strings.ToUpper(strings.TrimSpace(channelID)) + "." + test
}

// TestTone plays the 30 or 60 Hz calibration tone on every channel.
func (e *Engine) TestTone(hz int) {
	e.wake()
	f, key := 30.0, "cal.tone_30hz"
	if hz >= 45 {
		f, key = 60.0, "cal.tone_60hz"
	}
	e.TriggerImpulse(Impulse{StartHz: f, DurationMs: CALIBRATION_TONE_MS, Gain01: e.calibrationGain(0.85),
		Pattern: "flat", PulsePeriodMs: 160, PulseWidthMs: 60, Priority: 97, DebugKey: key})
}

// TestSweep plays the 20 to 120 Hz calibration sweep on every channel.
func (e *Engine) TestSweep() {
	e.wake()
	e.TriggerSweep(20, 120, CALIBRATION_SWEEP_MS, e.calibrationGain(0.85), "flat", 97, "cal.sweep_20_120hz")
}

// TestLatencyPulse plays a short pulse for latency alignment.
func (e *Engine) TestLatencyPulse() {
	e.wake()
	e.TriggerImpulse(Impulse{StartHz: 42, DurationMs: 55, Gain01: e.calibrationGain(0.90), NoiseMix01: 0.12,
		Pattern: "single", PulsePeriodMs: 160, PulseWidthMs: 60, Priority: 95, DebugKey: "cal.latency"})
}

// TestToneOnChannel plays a tone on one transducer only.
func (e *Engine) TestToneOnChannel(channelID string, frequencyHz float64, durationMs int) {
	e.wake()
	e.TriggerImpulse(Impulse{StartHz: clamp(frequencyHz, IMPULSE_MIN_HZ, IMPULSE_MAX_HZ), DurationMs: max(50, durationMs),
		Gain01: e.calibrationGain(0.85), Pattern: "flat", PulsePeriodMs: 160, PulseWidthMs: 60, Priority: 98,
		DebugKey: channelKey(channelID, "tone")})
}

// TestSweepOnChannel plays the calibration sweep on one transducer.
func (e *Engine) TestSweepOnChannel(channelID string) {
	e.wake()
	e.TriggerSweep(20, 120, CALIBRATION_SWEEP_MS, e.calibrationGain(0.85), "flat", 98, channelKey(channelID, "sweep"))
}

// TestBurstOnChannel plays a short punchy burst on one transducer.
func (e *Engine) TestBurstOnChannel(channelID string) {
	e.wake()
	e.TriggerImpulse(Impulse{StartHz: 45, DurationMs: 45, Gain01: e.calibrationGain(0.75), NoiseMix01: 0.10,
		Pattern: "punch", PulsePeriodMs: 160, PulseWidthMs: 60, Priority: 98, DebugKey: channelKey(channelID, "burst")})
}

// TestLatencyPulseOnChannel plays the latency pulse on one transducer.
func (e *Engine) TestLatencyPulseOnChannel(channelID string) {
	e.wake()
	e.TriggerImpulse(Impulse{StartHz: 42, DurationMs: 55, Gain01: e.calibrationGain(0.90), NoiseMix01: 0.12,
		Pattern: "single", PulsePeriodMs: 160, PulseWidthMs: 60, Priority: 99, DebugKey: channelKey(channelID, "latency")})
}

// StopCalibration fades out every calibration voice.
func (e *Engine) StopCalibration() { e.mixer.StopCalibration() }

func (e *Engine) SetDebugCapture(on bool) { e.debug.SetEnabled(on) }

func (e *Engine) DebugCaptureEnabled() bool { return e.debug.Enabled() }

func (e *Engine) DebugSnapshot() *DebugSnapshot { return e.debug.Snapshot() }

func (e *Engine) RecentDebugEvents(n int) []DebugEvent { return e.debug.RecentEvents(n) }

func (e *Engine) DominantSource() string { return e.debug.Dominant() }

func (e *Engine) LastEvent() LastEvent { return e.bus.LastEvent() }

func (e *Engine) LastSuppression() LastSuppression { return e.bus.LastSuppression() }

func (e *Engine) OutputState() OutputState { return e.output.State() }

func (e *Engine) OutputErr() error { return e.output.Err() }

// OutputChannels is the layout of the open device, or 0 when closed.
func (e *Engine) OutputChannels() int { return e.output.Channels() }

// Active reports whether any voice is playing or queued.
func (e *Engine) Active() bool { return e.mixer.Active() }

var ErrNoCapture = errors.New("no debug capture yet; enable debug capture first")

// SaveCapture writes the current debug capture to path.
func (e *Engine) SaveCapture(path string) error {
	c := TakeCapture(e.debug)
	if c == nil {
		return ErrNoCapture
	}
	return SaveCaptureToFile(c, path)
}
