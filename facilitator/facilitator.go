//
// Tencent is pleased to support the open source community by making trpc-pipeline-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pipeline-go is licensed under the Apache License Version 2.0.
//
//

// Package facilitator decides how a node runs before it starts.
package facilitator

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"trpc.group/trpc-go/trpc-pipeline-go/ambiance"
	"trpc.group/trpc-go/trpc-pipeline-go/execution"
	"trpc.group/trpc-go/trpc-pipeline-go/plan"
)

// Facilitator types known to the default registry.
const (
	TypeDefault  = "DEFAULT"
	TypeSync     = "SYNC"
	TypeAsync    = "ASYNC"
	TypeTask     = "TASK"
	TypeChild    = "CHILD"
	TypeChildren = "CHILDREN"
)

var (
	// ErrUnknownFacilitator is returned when a plan names an unregistered type.
	ErrUnknownFacilitator = errors.New("facilitator: unknown facilitator type")
	// ErrModeMismatch is returned when the chosen mode does not fit the node.
	ErrModeMismatch = errors.New("facilitator: mode does not fit node")
)

// Facilitator picks the execution mode of a node. Implementations must be
// pure functions of the static node configuration and the ambiance.
type Facilitator interface {
	Facilitate(amb ambiance.Ambiance, node *plan.Node) (execution.Mode, error)
}

// Func adapts a function to Facilitator.
type Func func(amb ambiance.Ambiance, node *plan.Node) (execution.Mode, error)

// Facilitate implements Facilitator.
func (f Func) Facilitate(amb ambiance.Ambiance, node *plan.Node) (execution.Mode, error) {
	return f(amb, node)
}

// Fixed always answers the same mode after checking the node shape fits.
type Fixed execution.Mode

// Facilitate implements Facilitator.
func (f Fixed) Facilitate(_ ambiance.Ambiance, node *plan.Node) (execution.Mode, error) {
	mode := execution.Mode(f)
	if err := checkShape(mode, node); err != nil {
		return "", err
	}
	return mode, nil
}

func checkShape(mode execution.Mode, node *plan.Node) error {
	switch mode {
	case execution.ModeChild:
		if node.Child == "" {
			return fmt.Errorf("%w: node %q has no child", ErrModeMismatch, node.ID)
		}
	case execution.ModeChildren:
		if len(node.Children) == 0 {
			return fmt.Errorf("%w: node %q has no children", ErrModeMismatch, node.ID)
		}
	default:
		if node.Child != "" || len(node.Children) > 0 {
			return fmt.Errorf("%w: leaf mode %s on container node %q", ErrModeMismatch, mode, node.ID)
		}
	}
	return nil
}

// StepCatalog tells the default facilitator which step types run inline.
type StepCatalog interface {
	IsSync(stepType string) bool
}

// Default infers the mode from the node shape. Container nodes run their
// children; leaves run inline when the catalog has a sync step for the type
// and are handed to a remote executor otherwise.
type Default struct {
	Catalog StepCatalog
}

// Facilitate implements Facilitator.
func (d Default) Facilitate(_ ambiance.Ambiance, node *plan.Node) (execution.Mode, error) {
	switch {
	case len(node.Children) > 0:
		return execution.ModeChildren, nil
	case node.Child != "":
		return execution.ModeChild, nil
	case d.Catalog != nil && d.Catalog.IsSync(node.StepType):
		return execution.ModeSync, nil
	default:
		return execution.ModeAsync, nil
	}
}

// Registry maps facilitator types to implementations.
type Registry struct {
	mu    sync.RWMutex
	items map[string]Facilitator
}

// NewRegistry returns a registry holding the built-in facilitators.
func NewRegistry(catalog StepCatalog) *Registry {
	r := &Registry{items: make(map[string]Facilitator)}
	r.Register(TypeDefault, Default{Catalog: catalog})
	r.Register(TypeSync, Fixed(execution.ModeSync))
	r.Register(TypeAsync, Fixed(execution.ModeAsync))
	r.Register(TypeTask, Fixed(execution.ModeTask))
	r.Register(TypeChild, Fixed(execution.ModeChild))
	r.Register(TypeChildren, Fixed(execution.ModeChildren))
	return r
}

// Register adds or replaces a facilitator type.
func (r *Registry) Register(typ string, f Facilitator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[typ] = f
}

// Resolve returns the facilitator for typ. An empty type resolves to DEFAULT.
func (r *Registry) Resolve(typ string) (Facilitator, error) {
	if typ == "" {
		typ = TypeDefault
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.items[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFacilitator, typ)
	}
	return f, nil
}

// Types lists registered types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.items))
	for t := range r.items {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
