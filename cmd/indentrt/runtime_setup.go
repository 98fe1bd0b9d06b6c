package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"indent/internal/asyncrt"
	"indent/internal/config"
	"indent/internal/trace"
)

// buildRuntimeConfig assembles the runtime configuration from the
// project manifest (when present) with flags taking precedence.
func buildRuntimeConfig(cmd *cobra.Command, tracer trace.Tracer) (asyncrt.Config, error) {
	cfg := asyncrt.Config{Tracer: tracer}

	manifest, ok, err := config.Load(".")
	if err != nil {
		return cfg, err
	}
	if ok {
		rc := manifest.Config.Runtime
		cfg.Workers = rc.Workers
		cfg.Deterministic = rc.Deterministic
		cfg.Seed = rc.Seed
		cfg.Budget = rc.Budget
		cfg.StarvationRounds = rc.StarvationRounds
		cfg.StackInitial = manifest.Config.Stack.Initial
		cfg.StackCeiling = manifest.Config.Stack.Ceiling
		cfg.BlockingCeiling = manifest.Config.Blocking.Ceiling
		cfg.BlockingIdle = manifest.Config.Blocking.Idle.Duration
	}

	root := cmd.Root()
	workers, err := root.PersistentFlags().GetInt("workers")
	if err != nil {
		return cfg, fmt.Errorf("failed to get workers flag: %w", err)
	}
	if workers > 0 {
		cfg.Workers = workers
	}
	deterministic, err := root.PersistentFlags().GetBool("deterministic")
	if err != nil {
		return cfg, fmt.Errorf("failed to get deterministic flag: %w", err)
	}
	if deterministic {
		cfg.Deterministic = true
	}
	seed, err := root.PersistentFlags().GetUint64("seed")
	if err != nil {
		return cfg, fmt.Errorf("failed to get seed flag: %w", err)
	}
	if seed != 0 {
		cfg.Seed = seed
	}
	return cfg, nil
}
