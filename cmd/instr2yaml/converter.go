package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Legacy JSON instrument file, as written by the original editor.
type legacyFile struct {
	Instruments map[string]legacyInstrument `json:"instruments"`
}

type legacyInstrument struct {
	Defaults *legacyDefaults `json:"defaults"`
	Graph    *legacyGraph    `json:"graph"`
}

type legacyDefaults struct {
	FrequencyHz *float64 `json:"frequencyHz"`
	DurationMs  *int     `json:"durationMs"`
	Intensity01 *float64 `json:"intensity01"`
	Priority    *int     `json:"priority"`
	Directional *bool    `json:"directional"`
}

type legacyGraph struct {
	Nodes  []legacyNode `json:"nodes"`
	Output string       `json:"output"`
}

type legacyNode struct {
	ID     string            `json:"id"`
	Type   string            `json:"type"`
	Inputs map[string]string `json:"inputs"`
	Params map[string]any    `json:"params"`
}

// YAML instrument library, as read by hapticd.
type Defaults struct {
	FrequencyHz float64 `yaml:"frequency_hz"`
	DurationMs  int     `yaml:"duration_ms"`
	Intensity01 float64 `yaml:"intensity"`
	Priority    int     `yaml:"priority"`
	Directional bool    `yaml:"directional"`
}

type Node struct {
	ID     string            `yaml:"id"`
	Kind   string            `yaml:"kind"`
	Inputs map[string]string `yaml:"inputs,omitempty"`
	Params map[string]any    `yaml:"params,omitempty"`
}

type Graph struct {
	Nodes  []Node `yaml:"nodes"`
	Output string `yaml:"output"`
}

type Instrument struct {
	Defaults Defaults `yaml:"defaults"`
	Graph    Graph    `yaml:"graph"`
}

type Library struct {
	Instruments map[string]Instrument `yaml:"instruments"`
}

// knownKinds lists every node kind and alias hapticd accepts.
var knownKinds = map[string]bool{
	"harmonic": true, "osc": true, "harmonic_generator": true,
	"noise": true, "noise_generator": true,
	"envelope": true, "adsr": true,
	"filter": true, "lpf": true, "hpf": true, "bpf": true, "notch": true,
	"randomizer": true, "random": true,
	"compressor": true, "limiter": true, "compressor_limiter": true,
	"direction": true, "direction_encoder": true,
	"mixer": true, "mix": true,
	"constant": true, "const": true,
}

// Converter translates legacy JSON instrument files to YAML.
type Converter struct {
	errors   int
	Problems []string
}

func NewConverter() *Converter {
	return &Converter{}
}

func (c *Converter) problem(format string, args ...any) {
	c.errors++
	c.Problems = append(c.Problems, fmt.Sprintf(format, args...))
}

// Errors is the number of invalid instruments found so far.
func (c *Converter) Errors() int { return c.errors }

func defaultsFrom(l *legacyDefaults) Defaults {
	d := Defaults{FrequencyHz: 55, DurationMs: 120, Intensity01: 0.6, Priority: 5}
	if l == nil {
		return d
	}
	if l.FrequencyHz != nil {
		d.FrequencyHz = *l.FrequencyHz
	}
	if l.DurationMs != nil {
		d.DurationMs = *l.DurationMs
	}
	if l.Intensity01 != nil {
		d.Intensity01 = *l.Intensity01
	}
	if l.Priority != nil {
		d.Priority = *l.Priority
	}
	if l.Directional != nil {
		d.Directional = *l.Directional
	}
	return d
}

// tidyParam turns whole JSON numbers back into integers so the YAML reads
// the way it was authored.
func tidyParam(v any) any {
	f, ok := v.(float64)
	if !ok || math.IsInf(f, 0) || math.IsNaN(f) {
		return v
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<31 {
		return int(f)
	}
	return f
}

func convertGraph(l *legacyGraph) Graph {
	var g Graph
	if l == nil {
		return g
	}
	g.Output = strings.TrimSpace(l.Output)
	for _, ln := range l.Nodes {
		id := strings.TrimSpace(ln.ID)
		if id == "" {
			continue
		}
		n := Node{ID: id, Kind: strings.ToLower(strings.TrimSpace(ln.Type))}
		if len(ln.Inputs) > 0 {
			n.Inputs = make(map[string]string, len(ln.Inputs))
			for port, from := range ln.Inputs {
				n.Inputs[port] = strings.TrimSpace(from)
			}
		}
		if len(ln.Params) > 0 {
			n.Params = make(map[string]any, len(ln.Params))
			for k, v := range ln.Params {
				if v == nil {
					continue
				}
				n.Params[k] = tidyParam(v)
			}
		}
		g.Nodes = append(g.Nodes, n)
	}
	return g
}

// ValidateGraph reports the first structural problem of g: an unknown
// kind, a duplicate id, a dangling input, a missing output or a cycle.
func ValidateGraph(g Graph) error {
	index := make(map[string]int, len(g.Nodes))
	for i, n := range g.Nodes {
		if _, dup := index[n.ID]; dup {
			return fmt.Errorf("node %s: duplicate id", n.ID)
		}
		index[n.ID] = i
	}
	for _, n := range g.Nodes {
		if !knownKinds[n.Kind] {
			return fmt.Errorf("node %s: unknown kind %q", n.ID, n.Kind)
		}
		for port, from := range n.Inputs {
			if from == "" {
				continue
			}
			if _, ok := index[from]; !ok {
				return fmt.Errorf("node %s: input %s references missing node %q", n.ID, port, from)
			}
		}
	}
	if _, ok := index[g.Output]; !ok || g.Output == "" {
		return fmt.Errorf("output %q is not a node", g.Output)
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make([]int, len(g.Nodes))
	var visit func(i int) error
	visit = func(i int) error {
		switch state[i] {
		case visiting:
			return fmt.Errorf("node %s: cycle", g.Nodes[i].ID)
		case done:
			return nil
		}
		state[i] = visiting
		ports := make([]string, 0, len(g.Nodes[i].Inputs))
		for port := range g.Nodes[i].Inputs {
			ports = append(ports, port)
		}
		slices.Sort(ports)
		for _, port := range ports {
			if from := g.Nodes[i].Inputs[port]; from != "" {
				if err := visit(index[from]); err != nil {
					return err
				}
			}
		}
		state[i] = done
		return nil
	}
	for i := range g.Nodes {
		if err := visit(i); err != nil {
			return err
		}
	}
	return nil
}

// Convert parses a legacy file and returns the library. Invalid graphs are
// kept as authored and recorded in Problems.
func (c *Converter) Convert(data []byte) (*Library, error) {
	var lf legacyFile
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&lf); err != nil {
		return nil, fmt.Errorf("parse legacy instruments: %w", err)
	}
	if lf.Instruments == nil {
		return nil, fmt.Errorf("parse legacy instruments: no %q object", "instruments")
	}

	ids := make([]string, 0, len(lf.Instruments))
	for id := range lf.Instruments {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	lib := &Library{Instruments: make(map[string]Instrument, len(ids))}
	for _, raw := range ids {
		id := strings.ToLower(strings.TrimSpace(raw))
		if id == "" {
			continue
		}
		li := lf.Instruments[raw]
		inst := Instrument{Defaults: defaultsFrom(li.Defaults), Graph: convertGraph(li.Graph)}
		if li.Graph == nil {
			c.problem("%s: no graph", id)
		} else if err := ValidateGraph(inst.Graph); err != nil {
			c.problem("%s: %v", id, err)
		}
		lib.Instruments[id] = inst
	}
	return lib, nil
}

// Marshal encodes a library as YAML.
func Marshal(lib *Library) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(lib); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ConvertFileFromPath reads path and returns the YAML text.
func (c *Converter) ConvertFileFromPath(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lib, err := c.Convert(data)
	if err != nil {
		return nil, err
	}
	return Marshal(lib)
}
