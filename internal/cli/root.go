// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Config     string // YAML configuration file
	Engine     string // "goja" | "quickjs" | "v8"
	Workers    int
	EntryPoint string
}

// NewRootCommand creates the root command for the jsshard CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "jsshard",
		Short: "jsshard - sharded JavaScript worker pool",
		Long: `Run a JavaScript file on a pool of isolated engine contexts.

Every task carries a key; tasks with the same key always run on the same
worker, in submission order.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Engine != "" && !isValidEngine(opts.Engine) {
				return fmt.Errorf("invalid engine %q: must be one of %v", opts.Engine, EngineNames())
			}
			if opts.Workers < 0 {
				return fmt.Errorf("invalid workers %d: must not be negative", opts.Workers)
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "path to YAML configuration")
	cmd.PersistentFlags().StringVar(&opts.Engine, "engine", "", fmt.Sprintf("script engine %v (default %s)", EngineNames(), defaultEngine))
	cmd.PersistentFlags().IntVarP(&opts.Workers, "workers", "w", 0, "number of workers (default: number of CPUs)")
	cmd.PersistentFlags().StringVar(&opts.EntryPoint, "entry", "", "function called for each task (default onTask)")

	// Add subcommands
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))

	return cmd
}
