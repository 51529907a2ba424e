//
// Tencent is pleased to support the open source community by making trpc-pipeline-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pipeline-go is licensed under the Apache License Version 2.0.
//
//

package adviser

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"trpc.group/trpc-go/trpc-pipeline-go/plan"
)

// Factory builds an adviser from its serialized parameters.
type Factory func(params map[string]any, outputs OutputWriter) (Adviser, error)

// Registry maps adviser types to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	outputs   OutputWriter
}

// NewRegistry returns a registry with the built-in advisers.
func NewRegistry(outputs OutputWriter) *Registry {
	r := &Registry{factories: make(map[string]Factory), outputs: outputs}
	r.Register(TypeNextStep, decodeInto(func() Adviser { return &NextStepAdviser{} }))
	r.Register(TypeOnFail, decodeInto(func() Adviser { return &OnFailAdviser{} }))
	r.Register(TypeStageRollback, decodeInto(func() Adviser { return &StageRollbackAdviser{} }))
	r.Register(TypeIgnoreFailure, decodeInto(func() Adviser { return &IgnoreFailureAdviser{} }))
	r.Register(TypeManualIntervention, decodeInto(func() Adviser { return &ManualInterventionAdviser{} }))
	r.Register(TypeEndPlan, decodeInto(func() Adviser { return &EndPlanAdviser{} }))
	r.Register(TypeRetry, func(params map[string]any, outputs OutputWriter) (Adviser, error) {
		a := &RetryAdviser{outputs: outputs}
		if err := decode(params, a); err != nil {
			return nil, err
		}
		if a.RetryCount < 0 {
			return nil, fmt.Errorf("%w: negative retry count", ErrInvalidParameters)
		}
		return a, nil
	})
	r.Register(TypePipelineRollback, func(params map[string]any, outputs OutputWriter) (Adviser, error) {
		a := &PipelineRollbackAdviser{outputs: outputs}
		if err := decode(params, a); err != nil {
			return nil, err
		}
		return a, nil
	})
	return r
}

// Register adds or replaces an adviser type.
func (r *Registry) Register(typ string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = f
}

// Compile resolves the obtainments of one node into a chain and rejects
// ambiguous configurations.
func (r *Registry) Compile(obtainments []plan.AdviserObtainment) (Chain, error) {
	chain := make(Chain, 0, len(obtainments))
	for i, o := range obtainments {
		r.mu.RLock()
		f, ok := r.factories[o.Type]
		r.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownAdviser, o.Type)
		}
		a, err := f(o.Parameters, r.outputs)
		if err != nil {
			return nil, fmt.Errorf("adviser %d (%s): %w", i, o.Type, err)
		}
		chain = append(chain, a)
	}
	if err := CheckAmbiguity(chain); err != nil {
		return nil, err
	}
	return chain, nil
}

// CheckAmbiguity rejects chains in which two scoped advisers could fire on
// the same event.
func CheckAmbiguity(chain Chain) error {
	for i := 0; i < len(chain); i++ {
		si, ok := chain[i].(Scoped)
		if !ok {
			continue
		}
		for j := i + 1; j < len(chain); j++ {
			sj, ok := chain[j].(Scoped)
			if !ok {
				continue
			}
			if si.Scope().Overlaps(sj.Scope()) {
				return fmt.Errorf("%w: advisers %d and %d overlap", ErrAmbiguousAdvisers, i, j)
			}
		}
	}
	return nil
}

func decodeInto(newAdviser func() Adviser) Factory {
	return func(params map[string]any, _ OutputWriter) (Adviser, error) {
		a := newAdviser()
		if err := decode(params, a); err != nil {
			return nil, err
		}
		return a, nil
	}
}

func decode(params map[string]any, out any) error {
	if len(params) == 0 {
		return nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	return nil
}

// Duration decodes either a Go duration string ("30s") or a number of
// seconds.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case float64:
		*d = Duration(time.Duration(x * float64(time.Second)))
	case string:
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}
