// haptic_mixer.go - Per-sample voice accumulation, ducking, calibration and limiting

package main

import (
	"math"
	"strings"
	"sync"
	"time"
)

const (
	// MAX_PENDING_VOICES bounds the hand-off queue between callers and the
	// output thread.
	MAX_PENDING_VOICES = 64

	// Stream gain approaches its target by this fraction every buffer.
	STREAM_GAIN_SMOOTHING = 0.08

	CALIBRATION_FADE_MS = 30

	DAMAGE_BURST_CUTOFF_HZ = 55.0
	ACCEL_BUMP_HZ          = 32.0
	BIOME_CHIME_HZ         = 80.0
	BIOME_CHIME_MS         = 50

	PRIORITY_ROAD   = 1
	PRIORITY_CHIME  = 4
	PRIORITY_BUMP   = 7
	PRIORITY_DAMAGE = 10
)

// fixedKind identifies the built-in effects that compete for a single
// dominant slot, separately from the per-bus impulse arbitration.
type fixedKind int

const (
	fixedNone fixedKind = iota
	fixedRoad
	fixedDamage
	fixedBump
	fixedChime
)

// fixedVoice is a one-shot built-in effect.
type fixedVoice struct {
	total     int
	left      int
	intensity float64
}

func (f *fixedVoice) progress() float64 {
	return 1 - float64(f.left)/float64(max(1, f.total))
}

// fixedRequest is a pending (re)start of a fixed voice.
type fixedRequest struct {
	set       bool
	samples   int
	intensity float64
}

// Mixer renders all voices into interleaved float frames. Enqueue and the
// Trigger methods may be called from any goroutine; Render must only be
// called from the output thread.
type Mixer struct {
	cfg   *ConfigStore
	debug *DebugCapture
	now   func() time.Time

	mu          sync.Mutex
	pending     []*ImpulseVoice
	damageReq   fixedRequest
	bumpReq     fixedRequest
	chimeReq    fixedRequest
	stopCal     bool
	seq         uint64
	speed       float64
	activeCount int

	// Output thread state.
	snapCfg    *Config
	snapCh     int
	router     *Router
	cal        *CalibrationTable
	voices     []*ImpulseVoice
	inbox      []*ImpulseVoice
	damage     fixedVoice
	bump       fixedVoice
	chime      fixedVoice
	roadState  float64
	dmgState   float64
	bumpPhase  float64
	chimePhase float64
	rng        *noiseRNG
	outEq      OutputEq
	trEq       TransducerEq
	smart      *SmartVolume
	streamGain float64
	acc        [CHANNELS_7_1]float64
	outFrame   [CHANNELS_7_1]float64
	dom        [busCount]*ImpulseVoice
}

// NewMixer creates a mixer reading configuration from cfg. debug may be nil.
func NewMixer(cfg *ConfigStore, debug *DebugCapture) *Mixer {
	if debug == nil {
		debug = NewDebugCapture()
	}
	return &Mixer{
		cfg:    cfg,
		debug:  debug,
		now:    time.Now,
		rng:    newNoiseRNG(0x9e3779b9),
		smart:  NewSmartVolume(),
		voices: make([]*ImpulseVoice, 0, MAX_IMPULSE_VOICES+1),
	}
}

// Debug returns the capture the mixer feeds.
func (m *Mixer) Debug() *DebugCapture { return m.debug }

// Enqueue clamps imp into range, builds its voice and hands it to the
// output thread. graph selects an instrument graph; nil uses the built-in
// sine and noise shape.
func (m *Mixer) Enqueue(imp Impulse, graph *CompiledGraph, enc *EncodingTable) {
	cfg := m.cfg.Load()

	durMs := max(10, imp.DurationMs)
	samples := max(1, msToSamples(float64(durMs)))
	f0 := clamp(finiteOr(imp.StartHz, 40), IMPULSE_MIN_HZ, IMPULSE_MAX_HZ)
	f1 := f0
	if imp.EndHz > 0 {
		f1 = clamp(finiteOr(imp.EndHz, f0), IMPULSE_MIN_HZ, IMPULSE_MAX_HZ)
	}
	pattern := strings.ToLower(strings.TrimSpace(imp.Pattern))
	if pattern == "" {
		pattern = "single"
	}
	period := max(1, msToSamples(float64(max(20, imp.PulsePeriodMs))))
	width := max(1, min(msToSamples(float64(max(10, imp.PulseWidthMs))), period))
	delayMs := max(0, imp.DelayMs)
	key := strings.TrimSpace(imp.DebugKey)
	instrument := strings.TrimSpace(imp.Instrument)
	now := m.now()

	v := &ImpulseVoice{
		totalSamples: samples,
		samplesLeft:  samples,
		delayLeft:    msToSamples(float64(delayMs)),
		startHz:      f0,
		endHz:        f1,
		gain:         clamp01(finiteOr(imp.Gain01, 0)),
		noiseMix:     clamp01(finiteOr(imp.NoiseMix01, 0)),
		pattern:      pattern,
		debugKey:     key,
		forcedMask:   forcedMaskFromKey(key),
		pulsePeriod:  period,
		pulseWidth:   width,
		priority:     clampInt(imp.Priority, 0, 100),
		bus:          BusForKey(key),
	}
	seed := mixSeed(uint64(now.UnixNano()), strings.ToLower(key)+"|"+strings.ToLower(instrument))
	if graph != nil {
		v.instrument = instrument
		v.noiseMix = 0
		v.ctx = NewEvalContext(seed, f0, f1, samples)
		v.ctx.Band = imp.Band
		v.graph = graph.Instantiate(enc)
	} else {
		v.rng = newNoiseRNG(seed)
	}
	sc := cfg.SoundScape
	v.setSpatial(sc.Enabled && sc.SpatialEnabled, imp.AzimuthDeg, imp.DistanceM, sc.DistanceAttenStrength)

	m.debug.Record(DebugEvent{
		At:         now,
		Key:        key,
		Bus:        v.bus,
		StartHz:    f0,
		EndHz:      f1,
		DurationMs: durMs,
		Gain01:     v.gain,
		Priority:   v.priority,
		DelayMs:    delayMs,
		ForcedMask: v.forcedMask,
		AzimuthDeg: v.azimuthDeg,
		DistanceM:  v.distanceM,
	})

	m.mu.Lock()
	m.seq++
	v.seq = m.seq
	m.pending = append(m.pending, v)
	if len(m.pending) > MAX_PENDING_VOICES {
		m.pending = m.pending[len(m.pending)-MAX_PENDING_VOICES:]
	}
	m.mu.Unlock()
}

// TriggerDamageBurst starts the filtered noise burst. Overlapping hits keep
// the strongest intensity.
func (m *Mixer) TriggerDamageBurst(intensity01 float64) {
	ms := max(10, m.cfg.Load().Effects.DamageBurst.DurationMs)
	m.mu.Lock()
	r := &m.damageReq
	r.intensity = math.Max(r.intensity, clamp01(finiteOr(intensity01, 1)))
	r.samples = max(1, msToSamples(float64(ms)))
	r.set = true
	m.mu.Unlock()
}

// TriggerAccelBump starts the 32 Hz thump.
func (m *Mixer) TriggerAccelBump(intensity01 float64) {
	ms := max(10, m.cfg.Load().Effects.AccelBump.DurationMs)
	m.mu.Lock()
	m.bumpReq = fixedRequest{set: true, samples: max(1, msToSamples(float64(ms))), intensity: clamp01(finiteOr(intensity01, 1))}
	m.mu.Unlock()
}

// TriggerBiomeChime starts the short 80 Hz chime.
func (m *Mixer) TriggerBiomeChime() {
	m.mu.Lock()
	m.chimeReq = fixedRequest{set: true, samples: msToSamples(BIOME_CHIME_MS), intensity: 1}
	m.mu.Unlock()
}

// SetSpeed updates the value driving the road texture.
func (m *Mixer) SetSpeed(speed float64) {
	m.mu.Lock()
	m.speed = finiteOr(speed, 0)
	m.mu.Unlock()
}

// StopCalibration fades out every calibration voice within a few ms.
func (m *Mixer) StopCalibration() {
	m.mu.Lock()
	m.stopCal = true
	kept := m.pending[:0]
	for _, v := range m.pending {
		if !isCalibrationKey(v.debugKey) {
			kept = append(kept, v)
		}
	}
	clear(m.pending[len(kept):])
	m.pending = kept
	m.mu.Unlock()
}

func isCalibrationKey(key string) bool {
	return len(key) >= 4 && strings.EqualFold(key[:4], "cal.")
}

// Active reports whether any voice was playing or queued as of the last
// rendered buffer.
func (m *Mixer) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeCount > 0 || len(m.pending) > 0 ||
		m.damageReq.set || m.bumpReq.set || m.chimeReq.set
}

// drain moves queued work onto the output thread. It holds the lock only
// for pointer swaps.
func (m *Mixer) drain(cfg *Config) (speed float64) {
	m.mu.Lock()
	m.inbox, m.pending = m.pending, m.inbox[:0]
	dmg, bump, chime := m.damageReq, m.bumpReq, m.chimeReq
	m.damageReq, m.bumpReq, m.chimeReq = fixedRequest{}, fixedRequest{}, fixedRequest{}
	stopCal := m.stopCal
	m.stopCal = false
	speed = m.speed
	m.mu.Unlock()

	if stopCal {
		fade := msToSamples(CALIBRATION_FADE_MS)
		for _, v := range m.voices {
			if isCalibrationKey(v.debugKey) {
				v.delayLeft = 0
				v.samplesLeft = min(v.samplesLeft, fade)
			}
		}
	}

	for _, nv := range m.inbox {
		if !m.coalesce(nv) {
			m.voices = append(m.voices, nv)
			if over := len(m.voices) - MAX_IMPULSE_VOICES; over > 0 {
				copy(m.voices, m.voices[over:])
				clear(m.voices[len(m.voices)-over:])
				m.voices = m.voices[:len(m.voices)-over]
			}
		}
	}
	clear(m.inbox)
	m.inbox = m.inbox[:0]

	fx := cfg.Effects
	if dmg.set && fx.DamageBurst.Enabled {
		if m.damage.left <= 0 {
			m.damage.intensity = 0
		}
		m.damage.total, m.damage.left = dmg.samples, dmg.samples
		m.damage.intensity = math.Max(m.damage.intensity, dmg.intensity)
	}
	if bump.set && fx.AccelBump.Enabled {
		m.bump = fixedVoice{total: bump.samples, left: bump.samples, intensity: bump.intensity}
	}
	if chime.set && fx.BiomeChime.Enabled {
		m.chime = fixedVoice{total: chime.samples, left: chime.samples, intensity: 1}
	}
	if !fx.DamageBurst.Enabled {
		m.damage = fixedVoice{}
	}
	if !fx.AccelBump.Enabled {
		m.bump = fixedVoice{}
	}
	if !fx.BiomeChime.Enabled {
		m.chime = fixedVoice{}
	}
	return speed
}

// coalesce extends an already playing, nearly identical voice instead of
// stacking a second one.
func (m *Mixer) coalesce(nv *ImpulseVoice) bool {
	for _, v := range m.voices {
		if !v.sameVoice(nv.debugKey, nv.instrument, nv.pattern, nv.forcedMask, nv.priority, nv.delayLeft,
			nv.startHz, nv.endHz, nv.azimuthDeg, nv.distanceM) {
			continue
		}
		v.totalSamples = max(v.totalSamples, nv.totalSamples)
		v.samplesLeft = max(v.samplesLeft, nv.totalSamples)
		v.gain = math.Max(v.gain, nv.gain)
		v.noiseMix = nv.noiseMix
		v.pulsePeriod = nv.pulsePeriod
		v.pulseWidth = nv.pulseWidth
		v.seq = nv.seq
		if v.ctx != nil {
			v.ctx.Retune(v.startHz, v.endHz)
			v.ctx.Resize(v.totalSamples)
		}
		v.basePan, v.basePan2 = nv.basePan, nv.basePan2
		v.spatial = nv.spatial
		v.azimuthDeg, v.distanceM = nv.azimuthDeg, nv.distanceM
		v.cachedChans = -1
		return true
	}
	return false
}

// refreshLayout rebuilds routing and calibration when the configuration
// snapshot or channel layout changed.
func (m *Mixer) refreshLayout(cfg *Config, channels int) {
	if cfg == m.snapCfg && channels == m.snapCh {
		return
	}
	m.snapCfg, m.snapCh = cfg, channels
	m.router = NewRouter(cfg.SoundScape, channels)
	m.cal = NewCalibrationTable(cfg, channels)
	m.trEq.Configure(m.cal)
	m.outEq.Configure(cfg.Output.EQ.Enabled, cfg.Output.EQ.FreqHz, cfg.Output.EQ.GainDb)
	if cfg.Output.SmartVolume.Enabled {
		m.smart.SetTarget(cfg.Output.SmartVolume.TargetPct)
	} else {
		m.smart.Disable()
	}
	for _, v := range m.voices {
		v.cachedChans = -1
	}
}

// arbitrate picks the dominant fixed effect and the dominant impulse of
// every bus for this buffer.
func (m *Mixer) arbitrate(cfg *Config, speed float64) (kind fixedKind, anyImpulse bool, debugDom dominantInfo) {
	fx := cfg.Effects
	pri, strength := -1, -1.0
	consider := func(k fixedKind, p int, s float64) {
		if p > pri || (p == pri && s > strength) {
			kind, pri, strength = k, p, s
		}
	}
	if fx.RoadTexture.Enabled && fx.RoadTexture.Gain > 0.0001 && math.Abs(speed) > 0.09 {
		consider(fixedRoad, PRIORITY_ROAD, fx.RoadTexture.Gain)
	}
	if m.damage.left > 0 {
		consider(fixedDamage, PRIORITY_DAMAGE, fx.DamageBurst.Gain*m.damage.intensity)
	}
	if m.bump.left > 0 {
		consider(fixedBump, PRIORITY_BUMP, fx.AccelBump.Gain*m.bump.intensity)
	}
	if m.chime.left > 0 {
		consider(fixedChime, PRIORITY_CHIME, fx.BiomeChime.Gain)
	}

	m.dom = [busCount]*ImpulseVoice{}
	var best *ImpulseVoice
	for _, v := range m.voices {
		if v.delayLeft > 0 || v.samplesLeft <= 0 || v.gain <= 0.00001 {
			continue
		}
		if d := m.dom[v.bus]; d == nil || outranks(v, d) {
			m.dom[v.bus] = v
		}
		if best == nil || outranks(v, best) {
			best = v
		}
		anyImpulse = true
	}

	switch kind {
	case fixedRoad:
		debugDom = dominantInfo{label: "road", priority: pri, gain01: strength}
	case fixedDamage:
		debugDom = dominantInfo{label: "damage", priority: pri, gain01: strength}
	case fixedBump:
		debugDom = dominantInfo{label: "accel_bump", priority: pri, freqHz: ACCEL_BUMP_HZ, gain01: strength}
	case fixedChime:
		debugDom = dominantInfo{label: "biome_chime", priority: pri, freqHz: BIOME_CHIME_HZ, gain01: strength}
	default:
		debugDom = dominantInfo{label: "none", priority: -1}
	}
	if best != nil && (best.priority > pri || (best.priority == pri && best.gain > strength)) {
		label := best.debugKey
		if label == "" {
			label = "impulse"
		}
		debugDom = dominantInfo{label: label, priority: best.priority, freqHz: (best.startHz + best.endHz) / 2, gain01: best.gain}
	}
	return kind, anyImpulse, debugDom
}

// outranks orders impulses by priority, then gain, then recency.
func outranks(a, b *ImpulseVoice) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	if a.gain != b.gain {
		return a.gain > b.gain
	}
	return a.seq > b.seq
}

func addToMask(acc []float64, mask int, v float64) {
	for c := range acc {
		if mask&(1<<c) != 0 {
			acc[c] += v
		}
	}
}

// Render fills dst with interleaved frames for the given channel count.
// streamTarget is where the stream gain should head (1 while telemetry is
// live, 0 when stale).
func (m *Mixer) Render(dst []float64, channels int, streamTarget float64) {
	channels = NormalizeChannels(channels)
	frames := len(dst) / channels
	cfg := m.cfg.Load()
	speed := m.drain(cfg)
	m.refreshLayout(cfg, channels)

	kind, anyImpulse, debugDom := m.arbitrate(cfg, speed)
	m.debug.observeDominant(m.now(), debugDom)

	roadMul := DUCK_FACTOR
	if kind == fixedNone || kind == fixedRoad {
		roadMul = 1
		if anyImpulse {
			roadMul = DUCK_FACTOR
		}
	}
	duck := func(k fixedKind) float64 {
		if kind == k {
			return 1
		}
		return DUCK_FACTOR
	}
	dmgMul, bumpMul, chimeMul := duck(fixedDamage), duck(fixedBump), duck(fixedChime)

	fx := cfg.Effects
	r := m.router
	roadMask := r.MaskForCategory(CategoryRoad)
	dmgMask := r.MaskForCategory(CategoryDamage)
	bumpMask := r.MaskForCategory(CategoryAccelBump)
	chimeMask := r.MaskForCategory(CategoryBiomeChime)
	for _, v := range m.voices {
		v.routeMask = r.ImpulseMask(v.forcedMask, v.debugKey, v.bus)
	}

	headroom := cfg.Output.Headroom
	drive := cfg.Output.LimiterDrive
	master := cfg.Output.MasterVolume
	startGain := m.streamGain
	m.streamGain += (clamp01(streamTarget) - m.streamGain) * STREAM_GAIN_SMOOTHING
	endGain := m.streamGain

	roadA := 1 - math.Exp(-2*math.Pi*clamp(fx.RoadTexture.CutoffHz, 10, 80)/SAMPLE_RATE)
	dmgA := 1 - math.Exp(-2*math.Pi*DAMAGE_BURST_CUTOFF_HZ/SAMPLE_RATE)
	speedRamp := clamp01((math.Abs(speed) - 0.09) / 0.18)
	speedRamp *= speedRamp

	m.debug.beginBuffer(channels, frames)
	acc := m.acc[:channels]
	out := m.outFrame[:channels]

	for i := range frames {
		clear(acc)

		if fx.RoadTexture.Enabled {
			m.roadState += (m.rng.bipolar() - m.roadState) * roadA
			addToMask(acc, roadMask, m.roadState*fx.RoadTexture.Gain*speedRamp*roadMul)
		}

		if m.damage.left > 0 {
			p := m.damage.progress()
			m.dmgState += (m.rng.bipolar() - m.dmgState) * dmgA
			env := math.Sin(p*math.Pi) * math.Exp(-p*5)
			addToMask(acc, dmgMask, m.dmgState*fx.DamageBurst.Gain*m.damage.intensity*env*dmgMul)
			m.damage.left--
		}

		for _, v := range m.voices {
			if v.delayLeft > 0 {
				v.delayLeft--
				continue
			}
			if v.samplesLeft <= 0 || v.gain <= 0.00001 {
				continue
			}
			mul := DUCK_FACTOR
			if m.dom[v.bus] == v {
				mul = 1
			}
			w, env := v.render()
			s := w * v.gain * env * mul
			if v.spatial {
				for c, g := range v.panFor(channels, v.routeMask) {
					acc[c] += s * g
				}
			} else {
				addToMask(acc, v.routeMask, s)
			}
			v.samplesLeft--
		}

		if m.bump.left > 0 {
			env := math.Sin(m.bump.progress() * math.Pi)
			addToMask(acc, bumpMask, math.Sin(m.bumpPhase)*env*fx.AccelBump.Gain*m.bump.intensity*bumpMul)
			m.bump.left--
		}
		if m.chime.left > 0 {
			env := math.Sin(m.chime.progress() * math.Pi)
			addToMask(acc, chimeMask, math.Sin(m.chimePhase)*env*fx.BiomeChime.Gain*chimeMul)
			m.chime.left--
		}

		sv := m.smart.Observe(acc)
		g := startGain + (endGain-startGain)*float64(i)/float64(frames)
		for c := range channels {
			s := acc[c] * sv * m.cal.Gain(c)
			s = m.trEq.Process(c, s)
			s = m.outEq.Process(c, s)
			s = clamp(softClipTanh(s*headroom, drive), -1, 1)
			s *= m.cal.Comfort(c) * master * g
			out[c] = s
			dst[i*channels+c] = s
		}
		m.debug.frame(i, out)

		m.bumpPhase = advancePhase(m.bumpPhase, ACCEL_BUMP_HZ)
		m.chimePhase = advancePhase(m.chimePhase, BIOME_CHIME_HZ)
	}

	live := m.voices[:0]
	for _, v := range m.voices {
		if v.delayLeft > 0 || v.samplesLeft > 0 {
			live = append(live, v)
		}
	}
	clear(m.voices[len(live):])
	m.voices = live

	active := len(m.voices)
	if m.damage.left > 0 || m.bump.left > 0 || m.chime.left > 0 {
		active++
	}
	m.mu.Lock()
	m.activeCount = active
	m.mu.Unlock()
}

func advancePhase(phase, hz float64) float64 {
	phase += 2 * math.Pi * hz / SAMPLE_RATE
	if phase > 2*math.Pi {
		phase -= 2 * math.Pi
	}
	return phase
}

// Reset drops every voice. Used when the output restarts.
func (m *Mixer) Reset() {
	m.mu.Lock()
	m.pending = m.pending[:0]
	m.damageReq, m.bumpReq, m.chimeReq = fixedRequest{}, fixedRequest{}, fixedRequest{}
	m.stopCal = false
	m.activeCount = 0
	m.mu.Unlock()

	m.voices = m.voices[:0]
	m.damage, m.bump, m.chime = fixedVoice{}, fixedVoice{}, fixedVoice{}
	m.snapCfg = nil
	m.streamGain = 0
}
