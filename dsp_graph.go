// dsp_graph.go - Declarative signal graph: definition, validation and compilation

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
	"strings"
)

// Graph construction errors. They are always wrapped in a *GraphError.
var (
	ErrUnknownNodeKind = errors.New("unknown node kind")
	ErrDanglingInput   = errors.New("input references missing node")
	ErrGraphCycle      = errors.New("graph contains a cycle")
	ErrMissingOutput   = errors.New("output node missing")
	ErrDuplicateNodeID = errors.New("duplicate node id")
	ErrEmptyNodeID     = errors.New("empty node id")
)

// GraphError names the node a construction error was found on.
type GraphError struct {
	NodeID string
	Detail string
	Err    error
}

func (e *GraphError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("dsp graph: node %q: %v (%s)", e.NodeID, e.Err, e.Detail)
	}
	return fmt.Sprintf("dsp graph: node %q: %v", e.NodeID, e.Err)
}

func (e *GraphError) Unwrap() error { return e.Err }

// NodeDef is one node of the declarative graph form. Inputs map a port
// name to the id of the node feeding it.
type NodeDef struct {
	ID     string            `yaml:"id" json:"id"`
	Kind   string            `yaml:"kind" json:"type"`
	Inputs map[string]string `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Params map[string]any    `yaml:"params,omitempty" json:"params,omitempty"`
}

// Graph is the declarative node/edge form of a signal graph.
type Graph struct {
	Nodes  []NodeDef `yaml:"nodes" json:"nodes"`
	Output string    `yaml:"output" json:"output"`
}

// CompiledGraph is a validated graph resolved into an arena. Node inputs
// are indices into nodes, and order lists every node after its inputs.
// It is immutable and may be shared by any number of instances.
type CompiledGraph struct {
	nodes   []compiledNode
	ids     []string
	indexOf map[string]int
	output  int

	// plans[i] is the topologically ordered closure of node i's inputs,
	// ending with i itself.
	plans [][]int32
	order []int32
}

type compiledNode struct {
	kind   NodeKind
	ports  [maxPorts]int32 // -1 when unconnected
	params nodeParams
}

// Compile validates g and resolves it into an arena. Unknown kinds,
// dangling references, cycles and a missing output are all rejected here so
// evaluation never has to discover them.
func (g Graph) Compile() (*CompiledGraph, error) {
	cg := &CompiledGraph{
		nodes:   make([]compiledNode, len(g.Nodes)),
		ids:     make([]string, len(g.Nodes)),
		indexOf: make(map[string]int, len(g.Nodes)),
		output:  -1,
	}

	for i, def := range g.Nodes {
		id := strings.TrimSpace(def.ID)
		if id == "" {
			return nil, &GraphError{NodeID: fmt.Sprintf("#%d", i), Err: ErrEmptyNodeID}
		}
		if _, dup := cg.indexOf[id]; dup {
			return nil, &GraphError{NodeID: id, Err: ErrDuplicateNodeID}
		}
		cg.indexOf[id] = i
		cg.ids[i] = id
	}

	for i, def := range g.Nodes {
		kind, aliasMode, ok := ParseNodeKind(def.Kind)
		if !ok {
			return nil, &GraphError{NodeID: cg.ids[i], Detail: def.Kind, Err: ErrUnknownNodeKind}
		}
		n := compiledNode{kind: kind}
		for p := range n.ports {
			n.ports[p] = -1
		}
		for port, from := range def.Inputs {
			from = strings.TrimSpace(from)
			if from == "" {
				continue
			}
			src, ok := cg.indexOf[from]
			if !ok {
				return nil, &GraphError{NodeID: cg.ids[i], Detail: port + " <- " + from, Err: ErrDanglingInput}
			}
			if slot := portSlot(kind, port); slot >= 0 {
				n.ports[slot] = int32(src)
			}
		}
		n.params = parseParams(kind, aliasMode, def.Params)
		cg.nodes[i] = n
	}

	out := strings.TrimSpace(g.Output)
	idx, ok := cg.indexOf[out]
	if out == "" || !ok {
		return nil, &GraphError{NodeID: out, Err: ErrMissingOutput}
	}
	cg.output = idx

	if err := cg.sort(); err != nil {
		return nil, err
	}
	return cg, nil
}

// sort runs a depth-first topological sort, rejecting back edges, and
// builds the per-node evaluation plans.
func (cg *CompiledGraph) sort() error {
	const (
		white = iota
		grey
		black
	)
	color := make([]uint8, len(cg.nodes))
	cg.order = make([]int32, 0, len(cg.nodes))

	var visit func(i int, path []string) error
	visit = func(i int, path []string) error {
		switch color[i] {
		case black:
			return nil
		case grey:
			return &GraphError{
				NodeID: cg.ids[i],
				Detail: strings.Join(append(path, cg.ids[i]), " -> "),
				Err:    ErrGraphCycle,
			}
		}
		color[i] = grey
		path = append(path, cg.ids[i])
		for _, src := range cg.nodes[i].ports {
			if src < 0 {
				continue
			}
			if err := visit(int(src), path); err != nil {
				return err
			}
		}
		color[i] = black
		cg.order = append(cg.order, int32(i))
		return nil
	}

	for i := range cg.nodes {
		if err := visit(i, nil); err != nil {
			return err
		}
	}

	cg.plans = make([][]int32, len(cg.nodes))
	mark := make([]bool, len(cg.nodes))
	for i := range cg.nodes {
		clear(mark)
		stack := []int32{int32(i)}
		for len(stack) > 0 {
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if mark[n] {
				continue
			}
			mark[n] = true
			for _, src := range cg.nodes[n].ports {
				if src >= 0 && !mark[src] {
					stack = append(stack, src)
				}
			}
		}
		plan := make([]int32, 0, 4)
		for _, n := range cg.order {
			if mark[n] {
				plan = append(plan, n)
			}
		}
		cg.plans[i] = plan
	}
	return nil
}

// Len is the number of nodes in the arena.
func (cg *CompiledGraph) Len() int { return len(cg.nodes) }

// OutputID is the id of the designated output node.
func (cg *CompiledGraph) OutputID() string { return cg.ids[cg.output] }

// Order returns node ids in evaluation order.
func (cg *CompiledGraph) Order() []string {
	ids := make([]string, len(cg.order))
	for p, i := range cg.order {
		ids[p] = cg.ids[i]
	}
	return ids
}

// Decl rebuilds the declarative form with canonical kind names and every
// parameter spelled out, in evaluation order.
func (cg *CompiledGraph) Decl() Graph {
	g := Graph{Output: cg.ids[cg.output], Nodes: make([]NodeDef, 0, len(cg.nodes))}
	for _, i := range cg.order {
		n := cg.nodes[i]
		def := NodeDef{ID: cg.ids[i], Kind: n.kind.String(), Params: n.params.decl()}
		for slot, src := range n.ports {
			if src < 0 {
				continue
			}
			if def.Inputs == nil {
				def.Inputs = make(map[string]string, 2)
			}
			def.Inputs[portName(n.kind, slot)] = cg.ids[src]
		}
		g.Nodes = append(g.Nodes, def)
	}
	return g
}

// Instantiate compiles g and creates a fresh instance in one step.
func (g Graph) Instantiate(enc *EncodingTable) (*GraphInstance, error) {
	cg, err := g.Compile()
	if err != nil {
		return nil, err
	}
	return cg.Instantiate(enc), nil
}
