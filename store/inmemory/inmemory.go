//
// Tencent is pleased to support the open source community by making trpc-pipeline-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pipeline-go is licensed under the Apache License Version 2.0.
//
//

// Package inmemory provides an in-memory implementation of store.Store.
// It is suitable for tests and single process deployments, not for
// surviving restarts.
package inmemory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"trpc.group/trpc-go/trpc-pipeline-go/execution"
	"trpc.group/trpc-go/trpc-pipeline-go/plan"
	"trpc.group/trpc-go/trpc-pipeline-go/store"
	"trpc.group/trpc-go/trpc-pipeline-go/waiter"
)

var _ store.Store = (*Store)(nil)

// Store keeps every record in maps guarded by one RWMutex. Records are
// copied in and out so callers never share memory with the store.
type Store struct {
	mu sync.RWMutex

	plans          map[string]*plan.Plan
	planExecutions map[string]*execution.PlanExecution
	nodes          map[string]*execution.NodeExecution
	nodeOrder      map[string]int64 // id -> insertion sequence
	infos          map[string]*execution.NodeExecutionsInfo
	outputs        map[string][]byte // planExecutionID/levelRuntimeID/name -> value
	waits          map[string]*waiter.WaitInstance
	responses      map[string]*waiter.Response

	seq int64
}

// New creates an empty store.
func New() *Store {
	return &Store{
		plans:          make(map[string]*plan.Plan),
		planExecutions: make(map[string]*execution.PlanExecution),
		nodes:          make(map[string]*execution.NodeExecution),
		nodeOrder:      make(map[string]int64),
		infos:          make(map[string]*execution.NodeExecutionsInfo),
		outputs:        make(map[string][]byte),
		waits:          make(map[string]*waiter.WaitInstance),
		responses:      make(map[string]*waiter.Response),
	}
}

func clone[T any](in *T) *T {
	if in == nil {
		return nil
	}
	data, err := json.Marshal(in)
	if err != nil {
		panic(fmt.Sprintf("inmemory: clone: %v", err))
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		panic(fmt.Sprintf("inmemory: clone: %v", err))
	}
	return out
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// SavePlan implements store.PlanStore.
func (s *Store) SavePlan(_ context.Context, p *plan.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[p.ID] = p
	return nil
}

// GetPlan implements store.PlanStore.
func (s *Store) GetPlan(_ context.Context, id string) (*plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[id]
	if !ok {
		return nil, fmt.Errorf("plan %s: %w", id, store.ErrNotFound)
	}
	return p, nil
}

// CreatePlanExecution implements store.PlanExecutionStore.
func (s *Store) CreatePlanExecution(_ context.Context, pe *execution.PlanExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.planExecutions[pe.ID]; ok {
		return fmt.Errorf("plan execution %s: %w", pe.ID, store.ErrDuplicate)
	}
	s.seq++
	s.planExecutions[pe.ID] = clone(pe)
	return nil
}

// GetPlanExecution implements store.PlanExecutionStore.
func (s *Store) GetPlanExecution(_ context.Context, id string) (*execution.PlanExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pe, ok := s.planExecutions[id]
	if !ok {
		return nil, fmt.Errorf("plan execution %s: %w", id, store.ErrNotFound)
	}
	return clone(pe), nil
}

// UpdatePlanExecutionStatus implements store.PlanExecutionStore.
func (s *Store) UpdatePlanExecutionStatus(_ context.Context, id string, to execution.Status,
	from []execution.Status, upd store.PlanUpdate) (*execution.PlanExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pe, ok := s.planExecutions[id]
	if !ok {
		return nil, fmt.Errorf("plan execution %s: %w", id, store.ErrNotFound)
	}
	if !contains(from, pe.Status) {
		return nil, fmt.Errorf("plan execution %s is %s: %w", id, pe.Status, store.ErrStatusConflict)
	}
	pe.Status = to
	pe.UpdatedAt = time.Now()
	upd.Apply(pe)
	return clone(pe), nil
}

// FindNextQueued implements store.PlanExecutionStore.
func (s *Store) FindNextQueued(_ context.Context, pipelineKey string) (*execution.PlanExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var next *execution.PlanExecution
	for _, pe := range s.planExecutions {
		if pe.PipelineKey != pipelineKey || pe.Status != execution.StatusQueued {
			continue
		}
		if next == nil || pe.CreatedAt.Before(next.CreatedAt) ||
			(pe.CreatedAt.Equal(next.CreatedAt) && pe.ID < next.ID) {
			next = pe
		}
	}
	if next == nil {
		return nil, fmt.Errorf("queued execution of %s: %w", pipelineKey, store.ErrNotFound)
	}
	return clone(next), nil
}

// CountActive implements store.PlanExecutionStore.
func (s *Store) CountActive(_ context.Context, pipelineKey string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, pe := range s.planExecutions {
		if pe.PipelineKey == pipelineKey &&
			(pe.Status == execution.StatusRunning || pe.Status == execution.StatusPaused) {
			n++
		}
	}
	return n, nil
}

// CreateNodeExecution implements store.NodeExecutionStore.
func (s *Store) CreateNodeExecution(_ context.Context, n *execution.NodeExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[n.ID]; ok {
		return fmt.Errorf("node execution %s: %w", n.ID, store.ErrDuplicate)
	}
	s.seq++
	s.nodes[n.ID] = clone(n)
	s.nodeOrder[n.ID] = s.seq
	return nil
}

// GetNodeExecution implements store.NodeExecutionStore.
func (s *Store) GetNodeExecution(_ context.Context, id string) (*execution.NodeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node execution %s: %w", id, store.ErrNotFound)
	}
	return clone(n), nil
}

// UpdateNodeStatus implements store.NodeExecutionStore.
func (s *Store) UpdateNodeStatus(_ context.Context, id string, to execution.Status,
	from []execution.Status, upd execution.NodeUpdate) (*execution.NodeExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node execution %s: %w", id, store.ErrNotFound)
	}
	if !contains(from, n.Status) {
		return nil, fmt.Errorf("node execution %s is %s: %w", id, n.Status, store.ErrStatusConflict)
	}
	n.Status = to
	n.UpdatedAt = time.Now()
	n.Version++
	upd.Apply(n)
	return clone(n), nil
}

func (s *Store) sorted(filter func(*execution.NodeExecution) bool) []*execution.NodeExecution {
	var out []*execution.NodeExecution
	for _, n := range s.nodes {
		if filter(n) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.nodeOrder[out[i].ID] < s.nodeOrder[out[j].ID] })
	for i := range out {
		out[i] = clone(out[i])
	}
	return out
}

// ListChildren implements store.NodeExecutionStore.
func (s *Store) ListChildren(_ context.Context, parentID string) ([]*execution.NodeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sorted(func(n *execution.NodeExecution) bool { return n.ParentID == parentID }), nil
}

// ListNodeExecutions implements store.NodeExecutionStore.
func (s *Store) ListNodeExecutions(_ context.Context, planExecutionID string) ([]*execution.NodeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sorted(func(n *execution.NodeExecution) bool {
		return n.Ambiance.PlanExecutionID == planExecutionID
	}), nil
}

// FindExpired implements store.NodeExecutionStore.
func (s *Store) FindExpired(_ context.Context, now time.Time, limit int) ([]*execution.NodeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.sorted(func(n *execution.NodeExecution) bool {
		return n.Status == execution.StatusRunning && !n.Deadline.IsZero() && n.Deadline.Before(now)
	})
	return limitTo(out, limit), nil
}

// FindStaleQueued implements store.NodeExecutionStore.
func (s *Store) FindStaleQueued(_ context.Context, before time.Time, limit int) ([]*execution.NodeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.sorted(func(n *execution.NodeExecution) bool {
		return n.Status == execution.StatusQueued && n.CreatedAt.Before(before)
	})
	return limitTo(out, limit), nil
}

func limitTo[T any](in []T, limit int) []T {
	if limit > 0 && len(in) > limit {
		return in[:limit]
	}
	return in
}

// SaveNodeExecutionInfo implements store.NodeExecutionInfoStore. The join
// counter of an existing record is kept.
func (s *Store) SaveNodeExecutionInfo(_ context.Context, info *execution.NodeExecutionsInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := clone(info)
	if old, ok := s.infos[info.NodeExecutionID]; ok && c.ConcurrentChildInstance == nil {
		c.ConcurrentChildInstance = old.ConcurrentChildInstance
	}
	s.infos[info.NodeExecutionID] = c
	return nil
}

// GetNodeExecutionInfo implements store.NodeExecutionInfoStore.
func (s *Store) GetNodeExecutionInfo(_ context.Context, id string) (*execution.NodeExecutionsInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.infos[id]
	if !ok {
		return nil, fmt.Errorf("node execution info %s: %w", id, store.ErrNotFound)
	}
	return clone(info), nil
}

// InitChildInstance implements store.NodeExecutionInfoStore.
func (s *Store) InitChildInstance(_ context.Context, nodeExecutionID, planExecutionID string,
	cci *execution.ConcurrentChildInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.infos[nodeExecutionID]
	if !ok {
		info = &execution.NodeExecutionsInfo{NodeExecutionID: nodeExecutionID, PlanExecutionID: planExecutionID}
		s.infos[nodeExecutionID] = info
	}
	info.ConcurrentChildInstance = clone(cci)
	return nil
}

func (s *Store) childInstance(id string) (*execution.ConcurrentChildInstance, error) {
	info, ok := s.infos[id]
	if !ok || info.ConcurrentChildInstance == nil {
		return nil, fmt.Errorf("child instance of %s: %w", id, store.ErrNotFound)
	}
	return info.ConcurrentChildInstance, nil
}

// AddChild implements store.NodeExecutionInfoStore.
func (s *Store) AddChild(_ context.Context, nodeExecutionID, childID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cci, err := s.childInstance(nodeExecutionID)
	if err != nil {
		return err
	}
	if !contains(cci.ChildrenIDs, childID) {
		cci.ChildrenIDs = append(cci.ChildrenIDs, childID)
		if cci.Cursor == len(cci.ChildrenIDs)-1 {
			cci.Cursor++
		}
	}
	return nil
}

// ReportChild implements store.NodeExecutionInfoStore.
func (s *Store) ReportChild(_ context.Context, nodeExecutionID, childID string) (int, int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cci, err := s.childInstance(nodeExecutionID)
	if err != nil {
		return 0, 0, false, err
	}
	if !contains(cci.ChildrenIDs, childID) || contains(cci.Reported, childID) {
		return len(cci.Reported), len(cci.ChildrenIDs), false, nil
	}
	cci.Reported = append(cci.Reported, childID)
	return len(cci.Reported), len(cci.ChildrenIDs), true, nil
}

// AdvanceCursor implements store.NodeExecutionInfoStore.
func (s *Store) AdvanceCursor(_ context.Context, nodeExecutionID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cci, err := s.childInstance(nodeExecutionID)
	if err != nil {
		return "", false, err
	}
	if cci.Cursor >= len(cci.ChildrenIDs) {
		return "", false, nil
	}
	id := cci.ChildrenIDs[cci.Cursor]
	cci.Cursor++
	return id, true, nil
}

func outputKey(planExecutionID, levelRuntimeID, name string) string {
	return planExecutionID + "/" + levelRuntimeID + "/" + name
}

// SaveOutput implements store.OutputStore.
func (s *Store) SaveOutput(_ context.Context, planExecutionID, levelRuntimeID, name string, value []byte, once bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := outputKey(planExecutionID, levelRuntimeID, name)
	if _, ok := s.outputs[key]; ok && once {
		return fmt.Errorf("output %s: %w", name, store.ErrDuplicate)
	}
	s.outputs[key] = append([]byte(nil), value...)
	return nil
}

// GetOutput implements store.OutputStore.
func (s *Store) GetOutput(_ context.Context, planExecutionID, levelRuntimeID, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.outputs[outputKey(planExecutionID, levelRuntimeID, name)]
	if !ok {
		return nil, fmt.Errorf("output %s: %w", name, store.ErrNotFound)
	}
	return append([]byte(nil), v...), nil
}
