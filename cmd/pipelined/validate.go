//
// Tencent is pleased to support the open source community by making trpc-pipeline-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pipeline-go is licensed under the Apache License Version 2.0.
//
//

package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"trpc.group/trpc-go/trpc-pipeline-go/engine"
	"trpc.group/trpc-go/trpc-pipeline-go/plan"
	"trpc.group/trpc-go/trpc-pipeline-go/store/inmemory"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate PATTERN...",
		Short: "Compile plan files without running them.",
		Long: `Loads every plan file matching the glob patterns ("**" crosses directories)
and compiles it: node references, facilitators and adviser chains are checked
the same way a submission checks them.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return validatePlans(cmd.OutOrStdout(), args)
		},
	}
}

// validatePlans compiles the plan files matching patterns and reports each
// on w. It fails when a pattern matches nothing or a plan does not compile.
func validatePlans(w io.Writer, patterns []string) error {
	seen := make(map[string]bool)
	var files []string
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
		if err != nil {
			return fmt.Errorf("bad pattern %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			return fmt.Errorf("no plan file matches %q", pattern)
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				files = append(files, m)
			}
		}
	}
	sort.Strings(files)

	e := engine.New(inmemory.New())
	failed := 0
	for _, f := range files {
		p, err := plan.LoadFile(f)
		if err == nil {
			err = e.Compile(p)
		}
		if err != nil {
			failed++
			fmt.Fprintf(w, "FAIL %s: %v\n", f, err)
			continue
		}
		fmt.Fprintf(w, "ok   %s (%s, %d nodes)\n", f, p.ID, len(p.Nodes))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d plans invalid", failed, len(files))
	}
	return nil
}
