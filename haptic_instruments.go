// haptic_instruments.go - Named instrument graphs with per-instrument trigger defaults

package main

import (
	"bytes"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/pion/logging"
	"gopkg.in/yaml.v3"
)

// InstrumentDefaults are the trigger values used when an instrument is
// played without a profile.
type InstrumentDefaults struct {
	FrequencyHz float64 `yaml:"frequency_hz" json:"frequencyHz"`
	DurationMs  int     `yaml:"duration_ms" json:"durationMs"`
	Intensity01 float64 `yaml:"intensity" json:"intensity01"`
	Priority    int     `yaml:"priority" json:"priority"`
	Directional bool    `yaml:"directional" json:"directional"`
}

func defaultInstrumentDefaults() InstrumentDefaults {
	return InstrumentDefaults{FrequencyHz: 55, DurationMs: 120, Intensity01: 0.6, Priority: 5}
}

// UnmarshalYAML presets the defaults so omitted fields stay usable.
func (d *InstrumentDefaults) UnmarshalYAML(value *yaml.Node) error {
	type plain InstrumentDefaults
	p := plain(defaultInstrumentDefaults())
	if err := value.Decode(&p); err != nil {
		return err
	}
	*d = InstrumentDefaults(p)
	return nil
}

// InstrumentDef is the on-disk form of one instrument.
type InstrumentDef struct {
	Defaults InstrumentDefaults `yaml:"defaults" json:"defaults"`
	Graph    Graph              `yaml:"graph" json:"graph"`
}

// InstrumentFile is the on-disk instrument library.
type InstrumentFile struct {
	Instruments map[string]InstrumentDef `yaml:"instruments" json:"instruments"`
}

// Instrument is a validated, ready to play instrument.
type Instrument struct {
	ID       string
	Defaults InstrumentDefaults
	Graph    *CompiledGraph
}

// InstrumentLibrary is an immutable set of instruments.
type InstrumentLibrary struct {
	byID map[string]*Instrument
}

// Get looks an instrument up by id, case-insensitively.
func (l *InstrumentLibrary) Get(id string) (*Instrument, bool) {
	if l == nil {
		return nil, false
	}
	in, ok := l.byID[strings.ToLower(strings.TrimSpace(id))]
	return in, ok
}

// IDs returns the instrument ids, sorted.
func (l *InstrumentLibrary) IDs() []string {
	if l == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(l.byID))
}

func (l *InstrumentLibrary) Len() int {
	if l == nil {
		return 0
	}
	return len(l.byID)
}

func node(id, kind string, inputs map[string]string, params map[string]any) NodeDef {
	return NodeDef{ID: id, Kind: kind, Inputs: inputs, Params: params}
}

// DefaultInstrumentGraph is the fallback used for instruments whose graph
// is missing or invalid.
func DefaultInstrumentGraph() Graph {
	return Graph{
		Nodes: []NodeDef{
			node("osc", "harmonic", nil, map[string]any{"harmonics": 2, "rolloff": 0.5}),
			node("env", "envelope", map[string]string{"in": "osc"}, map[string]any{"attackMs": 6, "decayMs": 40, "sustainLevel01": 0.3, "releaseMs": 70}),
		},
		Output: "env",
	}
}

var dirAuto = map[string]any{"useProfileEncoding": true, "band": "auto", "mix": 1.0}

// BuiltinInstruments returns the factory instruments.
func BuiltinInstruments() map[string]InstrumentDef {
	return map[string]InstrumentDef{
		"impact_heavy": {
			Defaults: InstrumentDefaults{FrequencyHz: 55, DurationMs: 120, Intensity01: 0.85, Priority: 8, Directional: true},
			Graph: Graph{Nodes: []NodeDef{
				node("osc", "harmonic", map[string]string{"fm": "rand"}, map[string]any{"harmonics": 4, "rolloff": 0.55, "fmDepthHz": 4.0}),
				node("rand", "randomizer", nil, map[string]any{"rateHz": 18.0, "depth": 1.0}),
				node("env", "envelope", map[string]string{"in": "osc"}, map[string]any{"attackMs": 4, "decayMs": 40, "sustainLevel01": 0.20, "releaseMs": 70}),
				node("noise", "noise", nil, map[string]any{"color": "pink", "amp": 0.35}),
				node("mix", "mixer", map[string]string{"a": "env", "b": "noise"}, map[string]any{"mode": "mix", "gainA": 1.0, "gainB": 1.0}),
				node("lpf", "filter", map[string]string{"in": "mix"}, map[string]any{"mode": "lpf", "cutoffHz": 70.0, "q": 0.8}),
				node("lim", "compressor", map[string]string{"in": "lpf"}, map[string]any{"threshold": 0.75, "ratio": 6.0, "attackMs": 6, "releaseMs": 90}),
				node("dir", "direction", map[string]string{"in": "lim"}, dirAuto),
			}, Output: "dir"},
		},
		"rumble_low": {
			Defaults: InstrumentDefaults{FrequencyHz: 28, DurationMs: 450, Intensity01: 0.45, Priority: 3},
			Graph: Graph{Nodes: []NodeDef{
				node("osc", "harmonic", nil, map[string]any{"harmonics": 2, "rolloff": 0.35}),
				node("env", "envelope", map[string]string{"in": "osc"}, map[string]any{"attackMs": 25, "decayMs": 80, "sustainLevel01": 0.75, "releaseMs": 120}),
				node("lpf", "filter", map[string]string{"in": "env"}, map[string]any{"mode": "lpf", "cutoffHz": 55.0, "q": 0.9}),
			}, Output: "lpf"},
		},
		"heartbeat_warden": {
			Defaults: InstrumentDefaults{FrequencyHz: 30, DurationMs: 170, Intensity01: 0.35, Priority: 2, Directional: true},
			Graph: Graph{Nodes: []NodeDef{
				node("osc", "harmonic", nil, map[string]any{"harmonics": 1, "rolloff": 0.5}),
				node("env", "envelope", map[string]string{"in": "osc"}, map[string]any{"attackMs": 6, "decayMs": 35, "sustainLevel01": 0.15, "releaseMs": 55}),
				node("notch", "filter", map[string]string{"in": "env"}, map[string]any{"mode": "notch", "cutoffHz": 90.0, "q": 0.9}),
				node("dir", "direction", map[string]string{"in": "notch"}, dirAuto),
			}, Output: "dir"},
		},
		"wind_elytra": {
			Defaults: InstrumentDefaults{FrequencyHz: 38, DurationMs: 260, Intensity01: 0.35, Priority: 2, Directional: true},
			Graph: Graph{Nodes: []NodeDef{
				node("noise", "noise", nil, map[string]any{"color": "brown", "amp": 0.9}),
				node("hpf", "filter", map[string]string{"in": "noise"}, map[string]any{"mode": "hpf", "cutoffHz": 18.0, "q": 0.8}),
				node("env", "envelope", map[string]string{"in": "hpf"}, map[string]any{"attackMs": 30, "decayMs": 50, "sustainLevel01": 0.8, "releaseMs": 90}),
				node("dir", "direction", map[string]string{"in": "env"}, dirAuto),
			}, Output: "dir"},
		},
		"magic_pulse": {
			Defaults: InstrumentDefaults{FrequencyHz: 70, DurationMs: 220, Intensity01: 0.55, Priority: 4},
			Graph: Graph{Nodes: []NodeDef{
				node("osc", "harmonic", map[string]string{"fm": "rand"}, map[string]any{"harmonics": 3, "rolloff": 0.4, "fmDepthHz": 10.0}),
				node("rand", "randomizer", nil, map[string]any{"rateHz": 12.0, "depth": 1.0}),
				node("env", "envelope", map[string]string{"in": "osc"}, map[string]any{"attackMs": 10, "decayMs": 55, "sustainLevel01": 0.25, "releaseMs": 80}),
				node("bpf", "filter", map[string]string{"in": "env"}, map[string]any{"mode": "bpf", "cutoffHz": 75.0, "q": 1.2}),
			}, Output: "bpf"},
		},
	}
}

// BuildInstrumentLibrary compiles defs over the built-ins. An instrument
// whose graph fails validation is replaced by the default graph; the
// validation errors are returned joined alongside the usable library.
func BuildInstrumentLibrary(defs map[string]InstrumentDef) (*InstrumentLibrary, error) {
	all := BuiltinInstruments()
	for id, def := range defs {
		id = strings.ToLower(strings.TrimSpace(id))
		if id == "" {
			continue
		}
		all[id] = def
	}

	fallback, err := DefaultInstrumentGraph().Compile()
	if err != nil {
		return nil, fmt.Errorf("default instrument graph: %w", err)
	}

	lib := &InstrumentLibrary{byID: make(map[string]*Instrument, len(all))}
	var errs []error
	for id, def := range all {
		cg, err := def.Graph.Compile()
		if err != nil {
			errs = append(errs, fmt.Errorf("instrument %s: %w", id, err))
			cg = fallback
		}
		lib.byID[id] = &Instrument{ID: id, Defaults: def.Defaults, Graph: cg}
	}
	return lib, errors.Join(errs...)
}

// DefaultInstrumentLibrary holds only the built-ins.
func DefaultInstrumentLibrary() *InstrumentLibrary {
	lib, _ := BuildInstrumentLibrary(nil)
	return lib
}

// ParseInstrumentFile decodes a YAML instrument library.
func ParseInstrumentFile(data []byte) (*InstrumentFile, error) {
	var f InstrumentFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse instruments: %w", err)
	}
	return &f, nil
}

// LoadInstrumentLibrary reads path and builds the library. A missing file
// yields the built-ins; per-instrument validation errors are logged.
func LoadInstrumentLibrary(path string, log logging.LeveledLogger) (*InstrumentLibrary, error) {
	if path == "" {
		return DefaultInstrumentLibrary(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultInstrumentLibrary(), nil
		}
		return nil, fmt.Errorf("read instruments: %w", err)
	}
	f, err := ParseInstrumentFile(data)
	if err != nil {
		return nil, err
	}
	lib, err := BuildInstrumentLibrary(f.Instruments)
	if lib == nil {
		return nil, err
	}
	if err != nil && log != nil {
		log.Warnf("%v (default graph substituted)", err)
	}
	return lib, nil
}

// instrumentStore publishes the current library for lock-free lookups
// from trigger paths.
type instrumentStore struct {
	cur atomic.Pointer[InstrumentLibrary]
}

func (s *instrumentStore) Load() *InstrumentLibrary { return s.cur.Load() }

func (s *instrumentStore) Store(lib *InstrumentLibrary) {
	if lib == nil {
		lib = DefaultInstrumentLibrary()
	}
	s.cur.Store(lib)
}
