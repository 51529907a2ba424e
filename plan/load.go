//
// Tencent is pleased to support the open source community by making trpc-pipeline-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pipeline-go is licensed under the Apache License Version 2.0.
//
//

package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads a compiled plan from YAML or JSON bytes and validates it.
func Load(data []byte) (*Plan, error) {
	p := &Plan{}
	trimmed := bytes.TrimSpace(data)
	var err error
	if len(trimmed) > 0 && trimmed[0] == '{' {
		err = json.Unmarshal(trimmed, p)
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(trimmed))
		dec.KnownFields(true)
		err = dec.Decode(p)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidPlan, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// LoadFile reads a compiled plan file.
func LoadFile(path string) (*Plan, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("plan: read %s: %w", path, err)
	}
	return Load(data)
}

// Marshal encodes a plan for persistence.
func Marshal(p *Plan) ([]byte, error) {
	return json.Marshal(p)
}

// Unmarshal decodes a persisted plan.
func Unmarshal(data []byte) (*Plan, error) {
	p := &Plan{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("plan: unmarshal: %w", err)
	}
	return p, nil
}
