// haptic_profiles_lua.go - Lua-scripted vibration profile store

package main

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/pion/logging"
	lua "github.com/yuin/gopher-lua"
)

// Resolved is a profile evaluated for one event.
type Resolved struct {
	FrequencyHz   float64
	DurationMs    int
	Intensity01   float64
	NoiseMix01    float64
	Pattern       string
	PulsePeriodMs int
	PulseWidthMs  int
	Directional   bool
	Priority      int
	Instrument    string
}

// ProfileGlobals bound every resolved profile.
type ProfileGlobals struct {
	MaxIntensity   float64
	MinFrequencyHz float64
	MaxFrequencyHz float64
}

type profile struct {
	frequencyHz   float64
	intensity     float64
	intensityFn   *lua.LFunction // optional: intensity(scale, distanceScale)
	durationMs    int
	noiseMix      float64
	pattern       string
	falloff       string
	pulsePeriodMs int
	pulseWidthMs  int
	priority      int
	directional   bool
	instrument    string
	scaleByDamage bool
	scaleByFall   bool
}

// DefaultProfilesScript is the factory profile set.
const DefaultProfilesScript = `
global = { maxIntensity = 1.0, minFrequency = 20, maxFrequency = 90 }

encoding = {
  center = { frequencyBiasHz = 0, timeOffsetMs = 0, intensityMul = 1.0 },
  front  = { frequencyBiasHz = 0, timeOffsetMs = 0, intensityMul = 1.0 },
  rear   = { frequencyBiasHz = 0, timeOffsetMs = 0, intensityMul = 1.0 },
  left   = { frequencyBiasHz = 0, timeOffsetMs = 0, intensityMul = 1.0 },
  right  = { frequencyBiasHz = 0, timeOffsetMs = 0, intensityMul = 1.0 },
}

local function p(freq, intensity, dur, noise, pattern, falloff, extra)
  local t = { frequency = freq, intensity = intensity, duration = dur,
              noiseMix = noise, pattern = pattern, falloff = falloff }
  for k, v in pairs(extra or {}) do t[k] = v end
  return t
end

profiles = {
  ["damage.generic"]      = p(55, 0.40, 120, 0.25, "single", "none", { scaleByDamage = true, priority = 6 }),
  ["damage.fall"]         = p(45, 0.30, 180, 0.30, "single", "none", { scaleByFallDistance = true, priority = 6 }),
  ["damage.death"]        = p(30, 0.80, 1200, 0.55, "fade_out", "none", { priority = 9 }),
  ["damage.fire"]         = p(34, 0.22, 80, 0.45, "single", "none"),
  ["damage.drowning"]     = p(30, 0.22, 110, 0.55, "single", "none"),
  ["damage.poison"]       = p(40, 0.16, 60, 0.30, "single", "none"),
  ["damage.wither"]       = p(32, 0.18, 85, 0.40, "single", "none"),
  ["explosion.tnt"]       = p(28, 0.90, 800, 0.70, "shockwave", "log_distance", { priority = 10, directional = true }),
  ["explosion.creeper"]   = p(26, 1.00, 900, 0.75, "shockwave", "log_distance", { priority = 10, directional = true }),
  ["explosion.bed"]       = p(35, 0.80, 600, 0.55, "shockwave", "log_distance", { priority = 10, directional = true }),
  ["combat.hit"]          = p(70, 0.25, 60, 0.10, "single", "none", { priority = 6, directional = true }),
  ["combat.critical"]     = p(85, 0.40, 80, 0.10, "single", "none", { priority = 7, directional = true }),
  ["combat.shield_block"] = p(40, 0.35, 100, 0.20, "single", "none", { priority = 6 }),
  ["mining.stone"]        = p(65, 0.25, 90, 0.22, "single", "none"),
  ["mining.ore"]          = p(75, 0.35, 120, 0.22, "single", "none"),
  ["mining.obsidian"]     = p(50, 0.60, 200, 0.25, "single", "none"),
  ["mining.swing"]        = p(60, 0.28, 90, 0.18, "single", "none"),
  ["movement.land"]       = p(50, 0.30, 140, 0.28, "single", "none", { scaleByFallDistance = true }),
  ["movement.footstep"]   = p(55, 0.22, 70, 0.42, "single", "none", { priority = 2 }),
  ["boss.dragon_wing"]    = p(32, 0.70, 400, 0.50, "pulse_loop", "log_distance", { priority = 8, directional = true }),
  ["boss.wither_spawn"]   = p(24, 1.00, 1500, 0.70, "fade_out", "log_distance", { priority = 9 }),
  ["flight.wind"]         = p(38, 0.35, 260, 0.60, "soft_single", "none", { instrument = "wind_elytra" }),
  ["mount.hoof"]          = p(45, 0.30, 90, 0.35, "punch", "none", { instrument = "impact_heavy", priority = 3 }),
}
`

// ProfileStore resolves profile keys through a Lua script. The script
// defines the global, encoding and profiles tables; a profile's intensity
// may be a function of (scale, distanceScale).
type ProfileStore struct {
	log logging.LeveledLogger

	mu       sync.Mutex // guards L, which is not goroutine safe
	L        *lua.LState
	globals  ProfileGlobals
	encoding *EncodingTable
	profiles map[string]*profile
}

// NewProfileStore runs script and indexes its tables.
func NewProfileStore(script string, log logging.LeveledLogger) (*ProfileStore, error) {
	if log == nil {
		log = logging.NewDefaultLoggerFactory().NewLogger("profiles")
	}
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := L.CallByParam(lua.P{Fn: L.NewFunction(lib.fn), NRet: 0, Protect: true}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, fmt.Errorf("open lua %s: %w", lib.name, err)
		}
	}
	L.SetGlobal("log", L.NewFunction(func(L *lua.LState) int {
		log.Infof("script: %s", L.CheckString(1))
		return 0
	}))

	if err := L.DoString(script); err != nil {
		L.Close()
		return nil, fmt.Errorf("run profiles script: %w", err)
	}

	s := &ProfileStore{log: log, L: L, profiles: make(map[string]*profile)}
	s.globals = readGlobals(L.GetGlobal("global"))
	s.encoding = readEncoding(L.GetGlobal("encoding"), s.globals)

	tbl, ok := L.GetGlobal("profiles").(*lua.LTable)
	if !ok {
		L.Close()
		return nil, fmt.Errorf("profiles script: %q is not a table", "profiles")
	}
	var bad []string
	tbl.ForEach(func(k, v lua.LValue) {
		key := strings.ToLower(strings.TrimSpace(k.String()))
		t, ok := v.(*lua.LTable)
		if key == "" || !ok {
			bad = append(bad, k.String())
			return
		}
		p, err := readProfile(t)
		if err != nil {
			bad = append(bad, key+": "+err.Error())
			return
		}
		s.profiles[key] = p
	})
	if len(bad) > 0 {
		log.Warnf("skipped %d invalid profiles: %s", len(bad), strings.Join(bad, "; "))
	}
	log.Debugf("loaded %d profiles", len(s.profiles))
	return s, nil
}

// LoadProfileStore runs the script at path, or the defaults when path is
// empty or missing.
func LoadProfileStore(path string, log logging.LeveledLogger) (*ProfileStore, error) {
	if path == "" {
		return NewProfileStore(DefaultProfilesScript, log)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewProfileStore(DefaultProfilesScript, log)
		}
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	return NewProfileStore(string(data), log)
}

// Close releases the Lua state.
func (s *ProfileStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.L != nil {
		s.L.Close()
		s.L = nil
	}
}

func (s *ProfileStore) Globals() ProfileGlobals { return s.globals }

// Encoding returns the directional encoding table the script defines.
func (s *ProfileStore) Encoding() *EncodingTable { return s.encoding }

// Keys returns the profile keys, sorted.
func (s *ProfileStore) Keys() []string {
	return slices.Sorted(maps.Keys(s.profiles))
}

// Resolve evaluates key for one event. scale applies to profiles that
// scale by damage or fall distance; distanceScale applies to profiles
// with a distance falloff. Both are clamped to [0, 1].
func (s *ProfileStore) Resolve(key string, scale, distanceScale float64) (Resolved, bool) {
	p, ok := s.profiles[strings.ToLower(strings.TrimSpace(key))]
	if !ok {
		return Resolved{}, false
	}
	g := s.globals
	scale = clamp01(finiteOr(scale, 1))
	distanceScale = clamp01(finiteOr(distanceScale, 1))

	intensity := p.intensity
	if p.intensityFn != nil {
		v, err := s.callIntensity(p.intensityFn, scale, distanceScale)
		if err != nil {
			s.log.Warnf("profile %s: %v", key, err)
		} else {
			intensity = v
		}
	}
	intensity = clamp(intensity, 0, g.MaxIntensity)
	if p.scaleByDamage || p.scaleByFall {
		intensity *= scale
	}
	if p.falloff != "" && p.falloff != "none" {
		intensity *= distanceScale
	}

	return Resolved{
		FrequencyHz:   clamp(p.frequencyHz, g.MinFrequencyHz, g.MaxFrequencyHz),
		DurationMs:    max(10, p.durationMs),
		Intensity01:   clamp(intensity, 0, g.MaxIntensity),
		NoiseMix01:    clamp01(p.noiseMix),
		Pattern:       p.pattern,
		PulsePeriodMs: p.pulsePeriodMs,
		PulseWidthMs:  p.pulseWidthMs,
		Directional:   p.directional,
		Priority:      p.priority,
		Instrument:    p.instrument,
	}, true
}

func (s *ProfileStore) callIntensity(fn *lua.LFunction, scale, distanceScale float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.L == nil {
		return 0, fmt.Errorf("profile store closed")
	}
	if err := s.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, lua.LNumber(scale), lua.LNumber(distanceScale)); err != nil {
		return 0, err
	}
	ret := s.L.Get(-1)
	s.L.Pop(1)
	n, ok := ret.(lua.LNumber)
	if !ok {
		return 0, fmt.Errorf("intensity function returned %s", ret.Type())
	}
	return finiteOr(float64(n), 0), nil
}

func numField(t *lua.LTable, name string, def float64) float64 {
	if n, ok := t.RawGetString(name).(lua.LNumber); ok {
		return finiteOr(float64(n), def)
	}
	return def
}

func strField(t *lua.LTable, name, def string) string {
	if s, ok := t.RawGetString(name).(lua.LString); ok {
		if v := strings.ToLower(strings.TrimSpace(string(s))); v != "" {
			return v
		}
	}
	return def
}

func boolField(t *lua.LTable, name string) bool {
	return lua.LVAsBool(t.RawGetString(name))
}

func readGlobals(v lua.LValue) ProfileGlobals {
	g := ProfileGlobals{MaxIntensity: 1, MinFrequencyHz: 20, MaxFrequencyHz: 90}
	t, ok := v.(*lua.LTable)
	if !ok {
		return g
	}
	g.MaxIntensity = clamp01(numField(t, "maxIntensity", 1))
	g.MinFrequencyHz = clamp(numField(t, "minFrequency", 20), IMPULSE_MIN_HZ, IMPULSE_MAX_HZ)
	g.MaxFrequencyHz = clamp(numField(t, "maxFrequency", 90), IMPULSE_MIN_HZ, IMPULSE_MAX_HZ)
	if g.MaxFrequencyHz < g.MinFrequencyHz {
		g.MinFrequencyHz, g.MaxFrequencyHz = g.MaxFrequencyHz, g.MinFrequencyHz
	}
	return g
}

func readEncoding(v lua.LValue, g ProfileGlobals) *EncodingTable {
	enc := DefaultEncodingTable()
	enc.MinFrequencyHz, enc.MaxFrequencyHz = g.MinFrequencyHz, g.MaxFrequencyHz
	t, ok := v.(*lua.LTable)
	if !ok {
		return enc
	}
	band := func(name string, dst *BandParams) {
		bt, ok := t.RawGetString(name).(*lua.LTable)
		if !ok {
			return
		}
		dst.FrequencyBiasHz = clamp(numField(bt, "frequencyBiasHz", 0), -40, 40)
		dst.TimeOffsetMs = clamp(numField(bt, "timeOffsetMs", 0), -30, 30)
		dst.IntensityMul = clamp(numField(bt, "intensityMul", 1), 0, 2)
	}
	band("center", &enc.Center)
	band("front", &enc.Front)
	band("rear", &enc.Rear)
	band("left", &enc.Left)
	band("right", &enc.Right)
	return enc
}

func readProfile(t *lua.LTable) (*profile, error) {
	freq, ok := t.RawGetString("frequency").(lua.LNumber)
	if !ok {
		return nil, fmt.Errorf("missing frequency")
	}
	dur, ok := t.RawGetString("duration").(lua.LNumber)
	if !ok {
		return nil, fmt.Errorf("missing duration")
	}
	p := &profile{
		frequencyHz:   finiteOr(float64(freq), 40),
		durationMs:    int(dur),
		noiseMix:      numField(t, "noiseMix", 0.25),
		pattern:       strField(t, "pattern", "single"),
		falloff:       strField(t, "falloff", "none"),
		pulsePeriodMs: int(numField(t, "pulsePeriodMs", 160)),
		pulseWidthMs:  int(numField(t, "pulseWidthMs", 60)),
		priority:      clampInt(int(numField(t, "priority", 5)), 0, 100),
		directional:   boolField(t, "directional"),
		instrument:    strField(t, "instrument", ""),
		scaleByDamage: boolField(t, "scaleByDamage"),
		scaleByFall:   boolField(t, "scaleByFallDistance"),
	}
	switch iv := t.RawGetString("intensity").(type) {
	case lua.LNumber:
		p.intensity = finiteOr(float64(iv), 0)
	case *lua.LFunction:
		p.intensityFn = iv
	default:
		return nil, fmt.Errorf("missing intensity")
	}
	return p, nil
}
