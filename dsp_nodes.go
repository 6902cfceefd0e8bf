// dsp_nodes.go - Node kinds, typed parameters and per-sample evaluation

package main

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// NodeKind is the closed set of node types a graph may contain.
type NodeKind uint8

const (
	KindHarmonic NodeKind = iota + 1
	KindNoise
	KindEnvelope
	KindFilter
	KindRandomizer
	KindCompressor
	KindDirection
	KindMixer
	KindConstant
)

var kindNames = map[NodeKind]string{
	KindHarmonic:   "harmonic",
	KindNoise:      "noise",
	KindEnvelope:   "envelope",
	KindFilter:     "filter",
	KindRandomizer: "randomizer",
	KindCompressor: "compressor",
	KindDirection:  "direction",
	KindMixer:      "mixer",
	KindConstant:   "constant",
}

func (k NodeKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseNodeKind resolves a kind name or one of its aliases. For the filter
// aliases (lpf, hpf, bpf, notch) the alias is returned as the default mode.
func ParseNodeKind(name string) (NodeKind, string, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "harmonic", "osc", "harmonic_generator":
		return KindHarmonic, "", true
	case "noise", "noise_generator":
		return KindNoise, "", true
	case "envelope", "adsr":
		return KindEnvelope, "", true
	case "filter":
		return KindFilter, "", true
	case "lpf", "hpf", "bpf", "notch":
		return KindFilter, strings.ToLower(strings.TrimSpace(name)), true
	case "randomizer", "random":
		return KindRandomizer, "", true
	case "compressor", "limiter", "compressor_limiter":
		return KindCompressor, "", true
	case "direction", "direction_encoder":
		return KindDirection, "", true
	case "mixer", "mix":
		return KindMixer, "", true
	case "constant", "const":
		return KindConstant, "", true
	}
	return 0, "", false
}

const maxPorts = 2

// portSlot maps a port name to its slot for the kind, or -1 if the kind
// has no such port. Unknown ports are ignored at evaluation.
func portSlot(kind NodeKind, port string) int {
	switch kind {
	case KindHarmonic:
		if port == "fm" {
			return 0
		}
	case KindEnvelope, KindFilter, KindCompressor, KindDirection:
		if port == "in" {
			return 0
		}
	case KindMixer:
		switch port {
		case "a":
			return 0
		case "b":
			return 1
		}
	}
	return -1
}

func portName(kind NodeKind, slot int) string {
	switch kind {
	case KindHarmonic:
		return "fm"
	case KindMixer:
		if slot == 1 {
			return "b"
		}
		return "a"
	}
	return "in"
}

// nodeParams is implemented by one struct per kind. The set is closed.
type nodeParams interface {
	nodeKind() NodeKind
	decl() map[string]any
}

type harmonicParams struct {
	Harmonics int
	Rolloff   float64
	Amp       float64
	FMDepthHz float64
}

type NoiseColor uint8

const (
	NoiseWhite NoiseColor = iota
	NoisePink
	NoiseBrown
	NoiseBlue
)

var noiseColorNames = [...]string{"white", "pink", "brown", "blue"}

type noiseParams struct {
	Color NoiseColor
	Amp   float64
}

type envelopeParams struct {
	AttackMs  int
	DecayMs   int
	Sustain   float64
	ReleaseMs int
}

type FilterMode uint8

const (
	FilterLowPass FilterMode = iota
	FilterHighPass
	FilterBandPass
	FilterNotch
)

var filterModeNames = [...]string{"lpf", "hpf", "bpf", "notch"}

type filterParams struct {
	Mode     FilterMode
	CutoffHz int
	Q        float64

	b0, b1, b2, a1, a2 float64
}

type randomizerParams struct {
	RateHz float64
	Depth  float64
}

type compressorParams struct {
	Threshold float64
	Ratio     float64
	AttackMs  int
	ReleaseMs int
}

type directionParams struct {
	UseProfile   bool
	Band         Band
	AutoBand     bool
	TimeOffsetMs int
	IntensityMul float64
	Mix          float64
}

type mixerParams struct {
	Mul   bool
	GainA float64
	GainB float64
}

type constantParams struct {
	Value float64
}

func (*harmonicParams) nodeKind() NodeKind   { return KindHarmonic }
func (*noiseParams) nodeKind() NodeKind      { return KindNoise }
func (*envelopeParams) nodeKind() NodeKind   { return KindEnvelope }
func (*filterParams) nodeKind() NodeKind     { return KindFilter }
func (*randomizerParams) nodeKind() NodeKind { return KindRandomizer }
func (*compressorParams) nodeKind() NodeKind { return KindCompressor }
func (*directionParams) nodeKind() NodeKind  { return KindDirection }
func (*mixerParams) nodeKind() NodeKind      { return KindMixer }
func (*constantParams) nodeKind() NodeKind   { return KindConstant }

func (p *harmonicParams) decl() map[string]any {
	return map[string]any{"harmonics": p.Harmonics, "rolloff": p.Rolloff, "amp": p.Amp, "fmDepthHz": p.FMDepthHz}
}

func (p *noiseParams) decl() map[string]any {
	return map[string]any{"color": noiseColorNames[p.Color], "amp": p.Amp}
}

func (p *envelopeParams) decl() map[string]any {
	return map[string]any{"attackMs": p.AttackMs, "decayMs": p.DecayMs, "sustainLevel01": p.Sustain, "releaseMs": p.ReleaseMs}
}

func (p *filterParams) decl() map[string]any {
	return map[string]any{"mode": filterModeNames[p.Mode], "cutoffHz": p.CutoffHz, "q": p.Q}
}

func (p *randomizerParams) decl() map[string]any {
	return map[string]any{"rateHz": p.RateHz, "depth": p.Depth}
}

func (p *compressorParams) decl() map[string]any {
	return map[string]any{"threshold": p.Threshold, "ratio": p.Ratio, "attackMs": p.AttackMs, "releaseMs": p.ReleaseMs}
}

func (p *directionParams) decl() map[string]any {
	band := p.Band.String()
	if p.AutoBand {
		band = "auto"
	}
	return map[string]any{
		"useProfileEncoding": p.UseProfile,
		"band":               band,
		"timeOffsetMs":       p.TimeOffsetMs,
		"intensityMul":       p.IntensityMul,
		"mix":                p.Mix,
	}
}

func (p *mixerParams) decl() map[string]any {
	mode := "mix"
	if p.Mul {
		mode = "mul"
	}
	return map[string]any{"mode": mode, "gainA": p.GainA, "gainB": p.GainB}
}

func (p *constantParams) decl() map[string]any {
	return map[string]any{"value": p.Value}
}

// parseParams builds the typed parameter block for a kind, applying
// defaults and clamps. Bad values fall back to defaults rather than failing.
func parseParams(kind NodeKind, aliasMode string, raw map[string]any) nodeParams {
	pm := paramMap(raw)
	switch kind {
	case KindHarmonic:
		return &harmonicParams{
			Harmonics: max(1, pm.intOr("harmonics", 3)),
			Rolloff:   pm.floatOr("rolloff", 0.45),
			Amp:       pm.floatOr("amp", 1.0),
			FMDepthHz: pm.floatOr("fmDepthHz", 0.0),
		}
	case KindNoise:
		color := NoiseWhite
		switch strings.ToLower(pm.stringOr("color", "white")) {
		case "pink":
			color = NoisePink
		case "brown":
			color = NoiseBrown
		case "blue":
			color = NoiseBlue
		}
		return &noiseParams{Color: color, Amp: pm.floatOr("amp", 1.0)}
	case KindEnvelope:
		return &envelopeParams{
			AttackMs:  pm.intOr("attackMs", 6),
			DecayMs:   pm.intOr("decayMs", 30),
			Sustain:   pm.floatOr("sustainLevel01", 0.35),
			ReleaseMs: pm.intOr("releaseMs", 60),
		}
	case KindFilter:
		def := aliasMode
		if def == "" {
			def = "lpf"
		}
		mode := FilterLowPass
		switch strings.ToLower(pm.stringOr("mode", def)) {
		case "hpf":
			mode = FilterHighPass
		case "bpf":
			mode = FilterBandPass
		case "notch":
			mode = FilterNotch
		}
		cutoff := int(math.Round(pm.floatOr("cutoffHz", 65.0)))
		q := math.Round(clamp(pm.floatOr("q", 0.707), 0.15, 5.0)*1000) / 1000
		p := &filterParams{Mode: mode, CutoffHz: clampInt(cutoff, 5, 220), Q: q}
		p.coeffs()
		return p
	case KindRandomizer:
		return &randomizerParams{RateHz: pm.floatOr("rateHz", 10.0), Depth: pm.floatOr("depth", 1.0)}
	case KindCompressor:
		return &compressorParams{
			Threshold: clamp(pm.floatOr("threshold", 0.75), 0.05, 1.0),
			Ratio:     math.Max(1.0, pm.floatOr("ratio", 4.0)),
			AttackMs:  max(0, pm.intOr("attackMs", 8)),
			ReleaseMs: max(1, pm.intOr("releaseMs", 70)),
		}
	case KindDirection:
		p := &directionParams{
			UseProfile:   pm.boolOr("useProfileEncoding", true),
			TimeOffsetMs: int(math.Round(pm.floatOr("timeOffsetMs", 0.0))),
			IntensityMul: pm.floatOr("intensityMul", 1.0),
			Mix:          clamp01(pm.floatOr("mix", 1.0)),
		}
		name := strings.ToLower(pm.stringOr("band", "center"))
		if name == "auto" {
			p.AutoBand = true
		} else {
			p.Band = ParseBand(name)
		}
		return p
	case KindMixer:
		return &mixerParams{
			Mul:   strings.EqualFold(pm.stringOr("mode", "mix"), "mul"),
			GainA: pm.floatOr("gainA", 1.0),
			GainB: pm.floatOr("gainB", 1.0),
		}
	}
	return &constantParams{Value: pm.floatOr("value", 0.0)}
}

// coeffs computes RBJ cookbook biquad coefficients.
func (p *filterParams) coeffs() {
	w0 := 2.0 * math.Pi * float64(p.CutoffHz) / SAMPLE_RATE
	cos, sin := math.Cos(w0), math.Sin(w0)
	alpha := sin / (2.0 * p.Q)

	var bb0, bb1, bb2 float64
	switch p.Mode {
	case FilterHighPass:
		bb0, bb1, bb2 = (1+cos)/2, -(1 + cos), (1+cos)/2
	case FilterBandPass:
		bb0, bb1, bb2 = sin/2, 0, -sin/2
	case FilterNotch:
		bb0, bb1, bb2 = 1, -2*cos, 1
	default:
		bb0, bb1, bb2 = (1-cos)/2, 1-cos, (1-cos)/2
	}
	aa0, aa1, aa2 := 1+alpha, -2*cos, 1-alpha

	p.b0, p.b1, p.b2 = bb0/aa0, bb1/aa0, bb2/aa0
	p.a1, p.a2 = aa1/aa0, aa2/aa0
}

type paramMap map[string]any

func (m paramMap) floatOr(key string, def float64) float64 {
	switch v := m[key].(type) {
	case float64:
		return finiteOr(v, def)
	case float32:
		return finiteOr(float64(v), def)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case uint64:
		return float64(v)
	case bool:
		if v {
			return 1
		}
		return 0
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return finiteOr(f, def)
		}
	}
	return def
}

func (m paramMap) intOr(key string, def int) int {
	if _, ok := m[key]; !ok {
		return def
	}
	f := m.floatOr(key, math.NaN())
	if math.IsNaN(f) {
		return def
	}
	return int(f)
}

func (m paramMap) stringOr(key, def string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return def
	}
	s := strings.TrimSpace(fmt.Sprint(v))
	if s == "" {
		return def
	}
	return s
}

func (m paramMap) boolOr(key string, def bool) bool {
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f != 0
		}
		return def
	case nil:
		return def
	}
	f := m.floatOr(key, math.NaN())
	if math.IsNaN(f) {
		return def
	}
	return f != 0
}

// DIRECTION_DELAY_LEN covers the 12 ms maximum offset at 48 kHz with room
// for interpolation.
const DIRECTION_DELAY_LEN = 768

// nodeState is the mutable per-instance state of a node.
type nodeState struct {
	phase float64

	brown, p0, p1, p2, lastWhite float64

	x1, x2, y1, y2 float64

	hold     float64
	holdLeft int

	env float64

	delay []float64
	write int
}

// GraphInstance is a compiled graph plus the state of one voice.
// It is not safe for concurrent use; each voice owns its instance.
type GraphInstance struct {
	graph  *CompiledGraph
	enc    *EncodingTable
	state  []nodeState
	memo   []float64
	memoAt []int
}

// Instantiate creates a fresh instance of the graph. enc supplies band
// parameters to direction nodes that use profile encoding and may be nil.
func (cg *CompiledGraph) Instantiate(enc *EncodingTable) *GraphInstance {
	gi := &GraphInstance{
		graph:  cg,
		enc:    enc,
		state:  make([]nodeState, len(cg.nodes)),
		memo:   make([]float64, len(cg.nodes)),
		memoAt: make([]int, len(cg.nodes)),
	}
	for i := range gi.memoAt {
		gi.memoAt[i] = math.MinInt
	}
	for i, n := range cg.nodes {
		if n.kind == KindDirection {
			gi.state[i].delay = make([]float64, DIRECTION_DELAY_LEN)
		}
	}
	return gi
}

// Graph returns the compiled graph the instance was created from.
func (gi *GraphInstance) Graph() *CompiledGraph { return gi.graph }

// Out evaluates the designated output node for ctx.SampleIndex.
func (gi *GraphInstance) Out(ctx *EvalContext) float64 {
	return gi.evalIndex(ctx, gi.graph.output)
}

// EvalByID evaluates node id for ctx.SampleIndex. Each node advances at
// most once per sample index, so repeated calls return the same value.
func (gi *GraphInstance) EvalByID(ctx *EvalContext, id string) (float64, bool) {
	i, ok := gi.graph.indexOf[id]
	if !ok {
		return 0, false
	}
	return gi.evalIndex(ctx, i), true
}

func (gi *GraphInstance) evalIndex(ctx *EvalContext, i int) float64 {
	at := ctx.SampleIndex
	for _, n := range gi.graph.plans[i] {
		if gi.memoAt[n] == at {
			continue
		}
		gi.memo[n] = gi.step(ctx, int(n))
		gi.memoAt[n] = at
	}
	return gi.memo[i]
}

func (gi *GraphInstance) port(n *compiledNode, slot int) float64 {
	src := n.ports[slot]
	if src < 0 {
		return 0
	}
	return gi.memo[src]
}

// step advances node i by one sample. Its inputs have already been
// evaluated for this sample by evalIndex.
func (gi *GraphInstance) step(ctx *EvalContext, i int) float64 {
	n := &gi.graph.nodes[i]
	st := &gi.state[i]
	sr := ctx.sampleRate()

	switch p := n.params.(type) {
	case *harmonicParams:
		freq := math.Max(0, ctx.FrequencyHz()+gi.port(n, 0)*p.FMDepthHz)
		sum, amp := 0.0, 1.0
		for h := 1; h <= p.Harmonics; h++ {
			sum += math.Sin(st.phase*float64(h)) * amp
			amp *= p.Rolloff
		}
		st.phase += 2 * math.Pi * freq / sr
		if st.phase > 2*math.Pi {
			st.phase -= 2 * math.Pi
		}
		return sum * p.Amp

	case *noiseParams:
		white := ctx.random()
		var out float64
		switch p.Color {
		case NoiseBrown:
			st.brown = clamp(st.brown+white*0.02, -1, 1)
			out = st.brown
		case NoisePink:
			st.p0 = 0.99765*st.p0 + white*0.0990460
			st.p1 = 0.96300*st.p1 + white*0.2965164
			st.p2 = 0.57000*st.p2 + white*1.0526913
			out = (st.p0 + st.p1 + st.p2 + white*0.1848) * 0.05
		case NoiseBlue:
			out = white - st.lastWhite
			st.lastWhite = white
		default:
			out = white
		}
		return out * p.Amp

	case *envelopeParams:
		return gi.port(n, 0) * adsrLevel(ctx, p, sr)

	case *filterParams:
		in := gi.port(n, 0)
		y := p.b0*in + p.b1*st.x1 + p.b2*st.x2 - p.a1*st.y1 - p.a2*st.y2
		st.x2, st.x1 = st.x1, in
		st.y2, st.y1 = st.y1, y
		return y

	case *randomizerParams:
		period := math.MaxInt
		if p.RateHz > 0 {
			period = max(1, int(math.Round(sr/p.RateHz)))
		}
		if st.holdLeft <= 0 {
			st.hold = ctx.random() * p.Depth
			st.holdLeft = period
		}
		st.holdLeft--
		return st.hold

	case *compressorParams:
		in := gi.port(n, 0)
		a := 1 - math.Exp(-1/math.Max(1, float64(p.AttackMs)/1000*sr))
		r := 1 - math.Exp(-1/math.Max(1, float64(p.ReleaseMs)/1000*sr))
		x := math.Abs(in)
		if x > st.env {
			st.env += (x - st.env) * a
		} else {
			st.env += (x - st.env) * r
		}
		gain := 1.0
		if st.env > p.Threshold {
			over := st.env / p.Threshold
			gain = p.Threshold * math.Pow(over, 1/p.Ratio) / st.env
		}
		return in * gain

	case *directionParams:
		return gi.direction(ctx, n, st, p, sr)

	case *mixerParams:
		a := gi.port(n, 0) * p.GainA
		b := gi.port(n, 1) * p.GainB
		if p.Mul {
			return a * b
		}
		return a + b

	case *constantParams:
		return p.Value
	}
	return 0
}

func adsrLevel(ctx *EvalContext, p *envelopeParams, sr float64) float64 {
	toSamples := func(ms int) int {
		return int(math.Round(float64(max(0, ms)) / 1000 * sr))
	}
	a, d, r := toSamples(p.AttackMs), toSamples(p.DecayMs), toSamples(p.ReleaseMs)
	sustain := clamp01(p.Sustain)

	total := max(1, ctx.TotalSamples)
	i := clampInt(ctx.SampleIndex, 0, total-1)
	sustainEnd := max(0, total-r)

	if a > 0 && i < a {
		return smoothstep(float64(i) / float64(a))
	}
	afterA := i - a
	if d > 0 && afterA >= 0 && afterA < d {
		return lerp(1, sustain, smoothstep(float64(afterA)/float64(d)))
	}
	if i < sustainEnd {
		return sustain
	}
	if r <= 0 {
		return 0
	}
	return sustain * (1 - smoothstep(float64(i-sustainEnd)/float64(r)))
}

func (gi *GraphInstance) direction(ctx *EvalContext, n *compiledNode, st *nodeState, p *directionParams, sr float64) float64 {
	in := gi.port(n, 0)

	offsetMs, mul := p.TimeOffsetMs, p.IntensityMul
	if p.UseProfile {
		offsetMs, mul = 0, 1.0
		if gi.enc != nil {
			band := p.Band
			if p.AutoBand {
				band = ctx.Band
			}
			b := gi.enc.Params(band)
			offsetMs = int(math.Round(b.TimeOffsetMs))
			mul = b.IntensityMul
		}
	}
	offsetMs = clampInt(offsetMs, 0, 12)
	mul = clamp(mul, 0, 2)

	size := len(st.delay)
	var delayed float64
	if offsetMs <= 0 {
		delayed = st.delay[(st.write-1+size)%size]
	} else {
		samples := clamp(float64(offsetMs)/1000*sr, 0, float64(size-2))
		whole := int(samples)
		frac := samples - float64(whole)
		i0 := ((st.write-1-whole)%size + size) % size
		i1 := (i0 - 1 + size) % size
		delayed = st.delay[i0]*(1-frac) + st.delay[i1]*frac
	}

	// Write after read so a 0 ms offset yields the previous sample.
	st.delay[st.write] = in
	st.write = (st.write + 1) % size

	return lerp(in, delayed, p.Mix) * mul
}
