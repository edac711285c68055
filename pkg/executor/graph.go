package executor

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dukex/flowrun/pkg/models"
)

var (
	ErrCycleDetected = errors.New("cycle detected in flow graph")
	ErrInvalidGraph  = errors.New("invalid flow graph")
)

// Graph indexes a flow's nodes and the incoming edges of each node.
type Graph struct {
	nodes    []models.Node
	index    map[string]int
	incoming map[string][]models.Edge
}

// NewGraph validates that every edge connects known nodes and that node ids
// are unique. Edge order is preserved per target.
func NewGraph(nodes []models.Node, edges []models.Edge) (*Graph, error) {
	g := &Graph{
		nodes:    nodes,
		index:    make(map[string]int, len(nodes)),
		incoming: make(map[string][]models.Edge, len(nodes)),
	}

	for i, node := range nodes {
		if _, exists := g.index[node.ID]; exists {
			return nil, fmt.Errorf("%w: duplicate node id %q", ErrInvalidGraph, node.ID)
		}

		g.index[node.ID] = i
	}

	for _, edge := range edges {
		if _, ok := g.index[edge.Source]; !ok {
			return nil, fmt.Errorf("%w: edge %q references unknown source %q", ErrInvalidGraph, edge.ID, edge.Source)
		}

		if _, ok := g.index[edge.Target]; !ok {
			return nil, fmt.Errorf("%w: edge %q references unknown target %q", ErrInvalidGraph, edge.ID, edge.Target)
		}

		g.incoming[edge.Target] = append(g.incoming[edge.Target], edge)
	}

	return g, nil
}

func (g *Graph) Node(id string) *models.Node {
	i, ok := g.index[id]
	if !ok {
		return nil
	}

	return &g.nodes[i]
}

func (g *Graph) Incoming(id string) []models.Edge {
	return g.incoming[id]
}

const (
	unvisited = iota
	visiting
	visited
)

// Order returns node ids so that every node comes after all of its upstream
// nodes. The traversal is a depth-first post-order seeded from each node in
// definition order, so disconnected subgraphs are all covered.
func (g *Graph) Order() ([]string, error) {
	state := make(map[string]int, len(g.nodes))
	order := make([]string, 0, len(g.nodes))

	var visit func(id string) error

	visit = func(id string) error {
		switch state[id] {
		case visited:
			return nil
		case visiting:
			return fmt.Errorf("%w: node %q depends on itself", ErrCycleDetected, id)
		}

		state[id] = visiting

		for _, edge := range g.incoming[id] {
			if err := visit(edge.Source); err != nil {
				return err
			}
		}

		state[id] = visited
		order = append(order, id)

		return nil
	}

	for _, node := range g.nodes {
		if err := visit(node.ID); err != nil {
			return nil, err
		}
	}

	return order, nil
}

// Order is a shorthand for NewGraph followed by Graph.Order.
func Order(nodes []models.Node, edges []models.Edge) ([]string, error) {
	g, err := NewGraph(nodes, edges)
	if err != nil {
		return nil, err
	}

	return g.Order()
}

// GatherInput builds a node's input. A node without incoming edges gets the
// flow input, a node with one gets that upstream output unchanged, and a node
// with several gets an object keyed by target handle, or by source node id
// when the edge names no handle.
func (g *Graph) GatherInput(id string, flowInput json.RawMessage, outputs map[string]json.RawMessage) (json.RawMessage, error) {
	incoming := g.incoming[id]

	switch len(incoming) {
	case 0:
		return flowInput, nil
	case 1:
		return outputs[incoming[0].Source], nil
	}

	merged := make(map[string]json.RawMessage, len(incoming))

	for _, edge := range incoming {
		key := edge.TargetHandle
		if key == "" {
			key = edge.Source
		}

		output := outputs[edge.Source]
		if len(output) == 0 {
			output = json.RawMessage("null")
		}

		merged[key] = output
	}

	raw, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to merge inputs of node %q: %w", id, err)
	}

	return raw, nil
}
