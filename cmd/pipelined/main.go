//
// Tencent is pleased to support the open source community by making trpc-pipeline-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pipeline-go is licensed under the Apache License Version 2.0.
//
//

// Command pipelined hosts the plan execution engine: the HTTP ingress for
// worker callbacks and operator controls, and the sweeper that fires timers
// and recovers lost work.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipelined",
		Short: "Pipeline plan execution daemon.",
		Example: `
	# Run with a config file, overriding the store from the environment
	PIPELINED_POSTGRES_DSN=postgres://ci@db/ci pipelined serve --config pipelined.yaml

	# Check plan files before shipping them
	pipelined validate 'plans/**/*.yaml'
`,
		SilenceUsage: true,
	}
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newValidateCmd())
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
