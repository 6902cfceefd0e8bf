// dsp_graph_yaml.go - YAML form of signal graphs

package main

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ParseGraphYAML decodes a graph. It does not validate; call Compile.
func ParseGraphYAML(data []byte) (Graph, error) {
	var g Graph
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&g); err != nil {
		return Graph{}, fmt.Errorf("parse graph: %w", err)
	}
	return g, nil
}

// MarshalGraphYAML encodes a graph in its declarative form.
func MarshalGraphYAML(g Graph) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(g); err != nil {
		return nil, fmt.Errorf("encode graph: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
