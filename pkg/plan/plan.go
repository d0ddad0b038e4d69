// Package plan defines the plan packet exchanged between the router's
// decomposer and the orchestrator that executes it.
//
// A plan is a directed graph of task nodes. Edges run from a prerequisite
// node to the node that depends on it.
package plan

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Version is the plan schema version written by this package.
const Version = "1.0"

// PlanPacket is a versioned, identifiable task graph.
type PlanPacket struct {
	ID       uuid.UUID         `json:"id"`
	Title    string            `json:"title"`
	Version  string            `json:"version"`
	Graph    TaskGraph         `json:"graph"`
	Metadata map[string]string `json:"metadata"`
}

// TaskGraph holds the nodes of a plan and the dependencies between them.
type TaskGraph struct {
	Nodes []TaskNode `json:"nodes"`
	Edges []TaskEdge `json:"edges"`
}

// TaskNode is a single unit of work.
type TaskNode struct {
	ID       string `json:"id"`
	TaskType string `json:"task_type"` // e.g. "research", "coding", "verification"

	// Params are passed verbatim to the provider that executes the node.
	Params map[string]any `json:"params"`

	Invariants   []Invariant   `json:"invariants"`
	ApprovalGate *ApprovalGate `json:"approval_gate"`
}

// TaskEdge orders two nodes. Condition is an optional guard expression
// interpreted by the orchestrator.
type TaskEdge struct {
	From      string  `json:"from"`
	To        string  `json:"to"`
	Condition *string `json:"condition"`
}

// Invariant is a policy check that must hold after a node runs.
type Invariant struct {
	ID        string         `json:"id"`
	CheckType string         `json:"check_type"` // e.g. "no-vulnerabilities", "test-pass"
	Config    map[string]any `json:"config"`
}

// ApprovalGate pauses execution of a node until a human signs off.
type ApprovalGate struct {
	RequiredApprovers   []string `json:"required_approvers"`
	NotificationChannel string   `json:"notification_channel"`
}

// New returns an empty plan with a fresh random ID.
func New(title string) *PlanPacket {
	return &PlanPacket{
		ID:       uuid.New(),
		Title:    title,
		Version:  Version,
		Graph:    TaskGraph{Nodes: []TaskNode{}, Edges: []TaskEdge{}},
		Metadata: map[string]string{},
	}
}

// Parse decodes a plan packet and validates it.
func Parse(data []byte) (*PlanPacket, error) {
	var p PlanPacket
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("plan: parse: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// AddNode appends a node with no invariants and no approval gate.
func (p *PlanPacket) AddNode(id, taskType string, params map[string]any) {
	if params == nil {
		params = map[string]any{}
	}
	p.Graph.Nodes = append(p.Graph.Nodes, TaskNode{
		ID:         id,
		TaskType:   taskType,
		Params:     params,
		Invariants: []Invariant{},
	})
}

// AddEdge records that to depends on from.
func (p *PlanPacket) AddEdge(from, to string) {
	p.Graph.Edges = append(p.Graph.Edges, TaskEdge{From: from, To: to})
}

// Node returns the node with the given id.
func (p *PlanPacket) Node(id string) (*TaskNode, bool) {
	for i := range p.Graph.Nodes {
		if p.Graph.Nodes[i].ID == id {
			return &p.Graph.Nodes[i], true
		}
	}
	return nil, false
}

// Validate checks that the plan is well formed: required fields are set,
// node ids are unique, edges reference known nodes and the graph is acyclic.
func (p *PlanPacket) Validate() error {
	if p.ID == uuid.Nil {
		return fmt.Errorf("plan: id is required")
	}
	if p.Version == "" {
		return fmt.Errorf("plan: version is required")
	}

	seen := make(map[string]bool, len(p.Graph.Nodes))
	for i, n := range p.Graph.Nodes {
		if n.ID == "" {
			return fmt.Errorf("plan: nodes[%d].id is required", i)
		}
		if n.TaskType == "" {
			return fmt.Errorf("plan: nodes[%d].task_type is required", i)
		}
		if seen[n.ID] {
			return fmt.Errorf("plan: duplicate node id %q", n.ID)
		}
		seen[n.ID] = true
	}
	for i, e := range p.Graph.Edges {
		if !seen[e.From] {
			return fmt.Errorf("plan: edges[%d].from references unknown node %q", i, e.From)
		}
		if !seen[e.To] {
			return fmt.Errorf("plan: edges[%d].to references unknown node %q", i, e.To)
		}
	}

	if _, err := p.Order(); err != nil {
		return err
	}
	return nil
}

// Order returns node ids in an executable order: every node appears after
// all of its prerequisites. Among nodes that are ready at the same time,
// declaration order is kept.
func (p *PlanPacket) Order() ([]string, error) {
	indegree := make(map[string]int, len(p.Graph.Nodes))
	next := make(map[string][]string)
	for _, n := range p.Graph.Nodes {
		indegree[n.ID] = 0
	}
	for _, e := range p.Graph.Edges {
		indegree[e.To]++
		next[e.From] = append(next[e.From], e.To)
	}

	order := make([]string, 0, len(p.Graph.Nodes))
	done := make(map[string]bool, len(p.Graph.Nodes))
	for len(order) < len(p.Graph.Nodes) {
		progressed := false
		for _, n := range p.Graph.Nodes {
			if done[n.ID] || indegree[n.ID] > 0 {
				continue
			}
			done[n.ID] = true
			order = append(order, n.ID)
			for _, to := range next[n.ID] {
				indegree[to]--
			}
			progressed = true
		}
		if !progressed {
			return nil, fmt.Errorf("plan: task graph contains a cycle")
		}
	}
	return order, nil
}
