//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

package executor

import (
	"fmt"
)

// Reserved node ids marking the entry and exit of every flow. Neither carries
// a step definition.
const (
	StartID = "start"
	EndID   = "end"
)

// Step is one node of a flow graph: the declarative unit a flow executor
// iterates.
type Step struct {
	// ID is the stable node identifier checkpointed as traversal state.
	ID string
	// Name is the display name recorded in history.
	Name string
	// Description is optional catalog text.
	Description string
	// CallID references the call implementation to run.
	CallID string
	// Params are the static parameters merged into the call factory.
	Params map[string]any
	// EnableFilling requests the slot-filling sub-step before execution.
	EnableFilling bool
	// UserVisible streams the step's TEXT output to the user as it arrives.
	UserVisible bool
}

// Edge connects two nodes, optionally guarded by a branch id produced by a
// choice step.
type Edge struct {
	From string
	To   string
	// Branch is the branch id this edge matches; empty means unconditional.
	Branch string
}

// Flow is a directed graph of steps for one flow-typed application. Node ids
// are the stable keys; traversal state is a plain id that can be checkpointed
// and resumed.
type Flow struct {
	// ID identifies the flow definition.
	ID    string
	steps map[string]*Step
	edges map[string][]*Edge
}

// NewFlow creates an empty flow graph.
func NewFlow(id string) *Flow {
	return &Flow{
		ID:    id,
		steps: make(map[string]*Step),
		edges: make(map[string][]*Edge),
	}
}

// AddStep adds a node. Duplicate or reserved ids are rejected.
func (f *Flow) AddStep(s *Step) error {
	if s == nil || s.ID == "" {
		return fmt.Errorf("flow %s: step must have an id", f.ID)
	}
	if s.ID == StartID || s.ID == EndID {
		return fmt.Errorf("flow %s: step id %q is reserved", f.ID, s.ID)
	}
	if _, exists := f.steps[s.ID]; exists {
		return fmt.Errorf("flow %s: duplicate step id %q", f.ID, s.ID)
	}
	f.steps[s.ID] = s
	return nil
}

// AddEdge adds an unconditional edge.
func (f *Flow) AddEdge(from, to string) error {
	return f.addEdge(&Edge{From: from, To: to})
}

// AddBranchEdge adds an edge guarded by a branch id.
func (f *Flow) AddBranchEdge(from, to, branch string) error {
	return f.addEdge(&Edge{From: from, To: to, Branch: branch})
}

func (f *Flow) addEdge(e *Edge) error {
	if !f.knownNode(e.From) || e.From == EndID {
		return fmt.Errorf("flow %s: edge from unknown node %q", f.ID, e.From)
	}
	if !f.knownNode(e.To) || e.To == StartID {
		return fmt.Errorf("flow %s: edge to unknown node %q", f.ID, e.To)
	}
	f.edges[e.From] = append(f.edges[e.From], e)
	return nil
}

func (f *Flow) knownNode(id string) bool {
	if id == StartID || id == EndID {
		return true
	}
	_, ok := f.steps[id]
	return ok
}

// Step returns the node definition for id.
func (f *Flow) Step(id string) (*Step, bool) {
	s, ok := f.steps[id]
	return s, ok
}

// Entry returns the node the start edge points at.
func (f *Flow) Entry() (string, error) {
	edges := f.edges[StartID]
	if len(edges) != 1 {
		return "", fmt.Errorf("flow %s: expected exactly one edge out of start, got %d", f.ID, len(edges))
	}
	return edges[0].To, nil
}

// Next selects the node following from. With a single unconditional edge it
// is followed directly. With branch-guarded edges the edge matching branchID
// wins, then any unconditional edge; nothing matching is a flow
// configuration error.
func (f *Flow) Next(from, branchID string) (string, error) {
	edges := f.edges[from]
	if len(edges) == 0 {
		return "", fmt.Errorf("flow %s: node %q has no outgoing edge", f.ID, from)
	}
	if len(edges) == 1 && edges[0].Branch == "" {
		return edges[0].To, nil
	}
	var fallback *Edge
	for _, e := range edges {
		if e.Branch == "" {
			fallback = e
			continue
		}
		if branchID != "" && e.Branch == branchID {
			return e.To, nil
		}
	}
	if fallback != nil {
		return fallback.To, nil
	}
	return "", fmt.Errorf("flow %s: node %q has no edge matching branch %q and no default edge", f.ID, from, branchID)
}

// Validate checks the graph is runnable: a single start edge, every node
// reachable from start, every non-end node with at least one outgoing edge,
// and end reachable.
func (f *Flow) Validate() error {
	if _, err := f.Entry(); err != nil {
		return err
	}
	visited := map[string]bool{}
	queue := []string{StartID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		if id == EndID {
			continue
		}
		edges := f.edges[id]
		if len(edges) == 0 && id != StartID {
			return fmt.Errorf("flow %s: node %q has no outgoing edge", f.ID, id)
		}
		for _, e := range edges {
			queue = append(queue, e.To)
		}
	}
	if !visited[EndID] {
		return fmt.Errorf("flow %s: end node unreachable", f.ID)
	}
	for id := range f.steps {
		if !visited[id] {
			return fmt.Errorf("flow %s: node %q unreachable from start", f.ID, id)
		}
	}
	return nil
}
