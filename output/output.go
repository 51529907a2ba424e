//
// Tencent is pleased to support the open source community by making trpc-pipeline-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pipeline-go is licensed under the Apache License Version 2.0.
//
//

// Package output stores sweeping outputs: named values published by a node
// at one of its ancestor levels and visible to every node below that level.
package output

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"trpc.group/trpc-go/trpc-pipeline-go/ambiance"
	"trpc.group/trpc-go/trpc-pipeline-go/store"
)

// ErrNotFound is returned by Resolve when no level holds the output.
var ErrNotFound = errors.New("output: not found")

// planScope is the runtime id used when a group has no matching level.
const planScope = ""

// Service reads and writes sweeping outputs.
type Service struct {
	store store.OutputStore
}

// New creates a Service over s.
func New(s store.OutputStore) *Service {
	return &Service{store: s}
}

// scope returns the runtime id of the level an output is published at. An
// empty group means the current level; a group missing from the path falls
// back to the plan wide scope.
func scope(amb ambiance.Ambiance, group string) string {
	if group == "" {
		return amb.CurrentRuntimeID()
	}
	if l, ok := amb.FindLevelByGroup(group); ok {
		return l.RuntimeID
	}
	return planScope
}

// Consume publishes value under name, replacing any previous value at the
// same level.
func (s *Service) Consume(ctx context.Context, amb ambiance.Ambiance, name string, value any, group string) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("output: encode %s: %w", name, err)
	}
	return s.store.SaveOutput(ctx, amb.PlanExecutionID, scope(amb, group), name, data, false)
}

// ConsumeOnce publishes value only if nothing is stored under name at that
// level yet. It reports whether this call wrote it.
func (s *Service) ConsumeOnce(ctx context.Context, amb ambiance.Ambiance, name string, value any, group string) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("output: encode %s: %w", name, err)
	}
	err = s.store.SaveOutput(ctx, amb.PlanExecutionID, scope(amb, group), name, data, true)
	if errors.Is(err, store.ErrDuplicate) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Resolve looks name up from the current level towards the root, then in
// the plan wide scope, and decodes the nearest value into out.
func (s *Service) Resolve(ctx context.Context, amb ambiance.Ambiance, name string, out any) error {
	scopes := make([]string, 0, amb.Depth()+1)
	for i := amb.Depth() - 1; i >= 0; i-- {
		scopes = append(scopes, amb.Levels[i].RuntimeID)
	}
	scopes = append(scopes, planScope)
	for _, id := range scopes {
		data, err := s.store.GetOutput(ctx, amb.PlanExecutionID, id, name)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("output: decode %s: %w", name, err)
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Flag resolves a boolean output, treating a missing value as false.
func (s *Service) Flag(ctx context.Context, amb ambiance.Ambiance, name string) (bool, error) {
	var v bool
	err := s.Resolve(ctx, amb, name, &v)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return v, err
}
