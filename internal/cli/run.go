// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	shardpool "github.com/buke/js-shardpool"
	"github.com/spf13/cobra"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Input   string
	Base64  bool
	Timeout time.Duration
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <script>",
		Short: "Run a batch of tasks through the script",
		Long: `Run every line of the input as one task and print the results.

A line "key<TAB>payload" is routed by its key; any other line uses its line
number as the key. Results are printed as "key<TAB>result" in completion order.

Example:
  jsshard run battle.js --input tasks.txt --workers 4
  cat tasks.txt | jsshard run battle.js --engine quickjs --base64`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Input, "input", "i", "", "task file (default: stdin)")
	cmd.Flags().BoolVar(&opts.Base64, "base64", false, "payloads are base64 encoded")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", time.Minute, "maximum time to wait for the batch (0 = no limit)")

	return cmd
}

func runBatch(opts *RunOptions, scriptPath string, cmd *cobra.Command) error {
	lines, err := readTaskLines(opts.Input, cmd.InOrStdin())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read input", err)
	}

	batches := make(chan shardpool.BatchReport, 1)
	s, err := startSession(opts.RootOptions, scriptPath, cmd.ErrOrStderr(),
		shardpool.WithBatchHook(func(r shardpool.BatchReport) {
			select {
			case batches <- r:
			default:
			}
		}),
	)
	if err != nil {
		return err
	}
	defer s.close()

	// Setup signal handling for graceful shutdown
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	printer := &resultPrinter{w: cmd.OutOrStdout()}
	s.d.StartStat(len(lines))
	for i, line := range lines {
		key, payload, err := ParseTaskLine(line, uint32(i), opts.Base64)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("invalid task on line %d", i+1), err)
		}
		s.d.Submit(payload, key, printer.callback(key))
	}

	idle := s.waitIdle(ctx, opts.Timeout)
	st := s.d.Stats()

	select {
	case r := <-batches:
		s.logger.Info("batch completed",
			"batch", r.ID,
			"tasks", r.Tasks,
			"elapsedMs", r.Elapsed.Milliseconds())
	default:
	}

	if !idle {
		return NewExitError(ExitFailure, fmt.Sprintf("batch did not finish: %d of %d tasks done",
			st.Completed+st.Failed, st.Submitted))
	}
	if st.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d tasks failed", st.Failed, st.Submitted))
	}
	return nil
}

// readTaskLines reads non-empty input lines from path, or from stdin when
// path is empty or "-".
func readTaskLines(path string, stdin io.Reader) ([]string, error) {
	r := stdin
	if path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}
