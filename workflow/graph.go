// Package workflow holds the graph representation submitted to ComfyUI
// servers, plus the helpers the pool needs around it: deep cloning, a
// structural hash for affinity and failure memory, seed auto-randomization,
// and the submission builder (output aliases, bypassed nodes, attachments).
package workflow

import (
	"encoding/json"
	"fmt"
)

// Node is one vertex of a workflow graph: a class type plus named inputs.
// An input value is either a scalar or a wire reference produced by Ref.
type Node struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
	Meta      map[string]any `json:"_meta,omitempty"`
}

// Graph maps node identifiers to node descriptors. It serializes to the
// exact JSON shape POST /prompt expects.
type Graph map[string]Node

// Parse decodes a graph from its JSON form.
func Parse(data []byte) (Graph, error) {
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("failed to parse workflow: %w", err)
	}
	return g, nil
}

// Clone returns a deep copy of g. Input values are copied recursively, so
// mutating the clone (seed randomization, bypass rewiring) never touches
// the original.
func (g Graph) Clone() Graph {
	if g == nil {
		return nil
	}
	out := make(Graph, len(g))
	for id, n := range g {
		out[id] = Node{
			ClassType: n.ClassType,
			Inputs:    cloneMap(n.Inputs),
			Meta:      cloneMap(n.Meta),
		}
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return x
	}
}

// Ref builds the wire form of a connection: [upstreamNodeID, outputIndex].
func Ref(nodeID string, outputIndex int) []any {
	return []any{nodeID, outputIndex}
}

// AsRef inspects an input value; if it is a wire reference it returns the
// upstream node id and output slot.
func AsRef(v any) (nodeID string, outputIndex int, ok bool) {
	arr, isArr := v.([]any)
	if !isArr || len(arr) != 2 {
		return "", 0, false
	}
	id, isStr := arr[0].(string)
	if !isStr {
		return "", 0, false
	}
	switch n := arr[1].(type) {
	case int:
		return id, n, true
	case int64:
		return id, int(n), true
	case float64:
		return id, int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return "", 0, false
		}
		return id, int(i), true
	default:
		return "", 0, false
	}
}
