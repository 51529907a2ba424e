//
// Tencent is pleased to support the open source community by making trpc-pipeline-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pipeline-go is licensed under the Apache License Version 2.0.
//
//

// Package plan defines the compiled, immutable step graph executed by the
// engine. Plans are produced by an external compiler; this package only
// reads them and checks their structure.
package plan

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrInvalidPlan is returned for structurally broken plans.
var ErrInvalidPlan = errors.New("plan: invalid plan")

// Node categories with engine meaning.
const (
	CategoryPipeline              = "PIPELINE"
	CategoryStages                = "STAGES"
	CategoryStage                 = "STAGE"
	CategoryStepGroup             = "STEP_GROUP"
	CategoryStep                  = "STEP"
	CategoryFork                  = "FORK"
	CategoryPipelineRollbackStage = "PIPELINE_ROLLBACK_STAGE"
	CategoryRollbackSection       = "ROLLBACK_SECTION"
)

// AdviserObtainment attaches one adviser with its serialized parameters.
type AdviserObtainment struct {
	Type       string         `json:"type" yaml:"type"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Node is one vertex of the plan.
type Node struct {
	ID          string `json:"id" yaml:"id"`
	Identifier  string `json:"identifier,omitempty" yaml:"identifier,omitempty"`
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	StepType    string `json:"stepType,omitempty" yaml:"stepType,omitempty"`
	Category    string `json:"category,omitempty" yaml:"category,omitempty"`
	Group       string `json:"group,omitempty" yaml:"group,omitempty"`
	Facilitator string `json:"facilitator,omitempty" yaml:"facilitator,omitempty"`

	StepParameters map[string]any      `json:"stepParameters,omitempty" yaml:"stepParameters,omitempty"`
	Advisers       []AdviserObtainment `json:"advisers,omitempty" yaml:"advisers,omitempty"`

	// Child is the single child started by a CHILD node.
	Child string `json:"child,omitempty" yaml:"child,omitempty"`
	// Children are started by a CHILDREN node.
	Children       []string `json:"children,omitempty" yaml:"children,omitempty"`
	MaxConcurrency int      `json:"maxConcurrency,omitempty" yaml:"maxConcurrency,omitempty"`
	// Next is the declared sibling that follows this node.
	Next string `json:"next,omitempty" yaml:"next,omitempty"`
	// RollbackNodeID is the stage scoped rollback section.
	RollbackNodeID string `json:"rollbackNodeId,omitempty" yaml:"rollbackNodeId,omitempty"`
	// PipelineRollbackNodeID is set on the pipeline root and names the
	// declared pipeline rollback stage.
	PipelineRollbackNodeID string `json:"pipelineRollbackNodeId,omitempty" yaml:"pipelineRollbackNodeId,omitempty"`

	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// DisplayName returns the best human readable name of n.
func (n *Node) DisplayName() string {
	if n.Name != "" {
		return n.Name
	}
	if n.Identifier != "" {
		return n.Identifier
	}
	return n.ID
}

// Plan is the compiled step graph.
type Plan struct {
	ID             string  `json:"id" yaml:"id"`
	StartingNodeID string  `json:"startingNodeId" yaml:"startingNodeId"`
	Nodes          []*Node `json:"nodes" yaml:"nodes"`

	once  sync.Once
	index map[string]*Node
}

// Node looks a node up by id.
func (p *Plan) Node(id string) (*Node, bool) {
	p.once.Do(p.buildIndex)
	n, ok := p.index[id]
	return n, ok
}

// StartingNode returns the root of the plan.
func (p *Plan) StartingNode() (*Node, bool) {
	return p.Node(p.StartingNodeID)
}

func (p *Plan) buildIndex() {
	p.index = make(map[string]*Node, len(p.Nodes))
	for _, n := range p.Nodes {
		p.index[n.ID] = n
	}
}

// Validate checks ids, references and cycles.
func (p *Plan) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: missing plan id", ErrInvalidPlan)
	}
	seen := make(map[string]bool, len(p.Nodes))
	for _, n := range p.Nodes {
		if n == nil || n.ID == "" {
			return fmt.Errorf("%w: node without id", ErrInvalidPlan)
		}
		if seen[n.ID] {
			return fmt.Errorf("%w: duplicate node id %q", ErrInvalidPlan, n.ID)
		}
		seen[n.ID] = true
	}
	if !seen[p.StartingNodeID] {
		return fmt.Errorf("%w: starting node %q not found", ErrInvalidPlan, p.StartingNodeID)
	}
	for _, n := range p.Nodes {
		for _, ref := range n.references() {
			if !seen[ref] {
				return fmt.Errorf("%w: node %q references unknown node %q", ErrInvalidPlan, n.ID, ref)
			}
			if ref == n.ID {
				return fmt.Errorf("%w: node %q references itself", ErrInvalidPlan, n.ID)
			}
		}
		if n.Child != "" && len(n.Children) > 0 {
			return fmt.Errorf("%w: node %q declares both child and children", ErrInvalidPlan, n.ID)
		}
		if n.MaxConcurrency < 0 {
			return fmt.Errorf("%w: node %q has negative max concurrency", ErrInvalidPlan, n.ID)
		}
	}
	return p.checkCycles()
}

func (n *Node) references() []string {
	var refs []string
	if n.Child != "" {
		refs = append(refs, n.Child)
	}
	refs = append(refs, n.Children...)
	for _, r := range []string{n.Next, n.RollbackNodeID, n.PipelineRollbackNodeID} {
		if r != "" {
			refs = append(refs, r)
		}
	}
	return refs
}

func (p *Plan) checkCycles() error {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(p.Nodes))
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case grey:
			return fmt.Errorf("%w: cycle through node %q", ErrInvalidPlan, id)
		case black:
			return nil
		}
		color[id] = grey
		n, _ := p.Node(id)
		for _, ref := range n.references() {
			if err := visit(ref); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	for _, n := range p.Nodes {
		if err := visit(n.ID); err != nil {
			return err
		}
	}
	return nil
}
