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
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	shardpool "github.com/buke/js-shardpool"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Base64       bool
	Watch        bool
	DrainTimeout time.Duration
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve <script>",
		Short: "Read tasks and commands from stdin until EOF",
		Long: `Start the workers and read stdin line by line.

Task lines are "key<TAB>payload" or a bare payload keyed by a running counter.
Lines starting with ':' are commands:
  :gc        reclaim memory on every worker
  :showmem   print the heap statistics of every worker
  :stat N    measure the time taken by the next N tasks
  :stats     print the task counters
  :reload    reload the script from disk
  :quit      finish pending tasks and exit

Example:
  jsshard serve battle.js --watch`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Base64, "base64", false, "payloads are base64 encoded")
	cmd.Flags().BoolVar(&opts.Watch, "watch", false, "reload the script when the file changes")
	cmd.Flags().DurationVar(&opts.DrainTimeout, "drain-timeout", 10*time.Second, "time allowed for pending tasks on exit")

	return cmd
}

// server runs one serve session.
type server struct {
	opts    *ServeOptions
	s       *session
	printer *resultPrinter
	nextKey uint32
}

func serve(opts *ServeOptions, scriptPath string, cmd *cobra.Command) error {
	printer := &resultPrinter{w: cmd.OutOrStdout()}
	s, err := startSession(opts.RootOptions, scriptPath, cmd.ErrOrStderr(),
		shardpool.WithDiagnostics(printer),
	)
	if err != nil {
		return err
	}
	defer s.close()

	srv := &server{
		opts:    opts,
		s:       s,
		printer: printer,
	}

	// Setup signal handling for graceful shutdown
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	lines, readErr := readLines(ctx, cmd.InOrStdin())

	var changes <-chan fsnotify.Event
	var watchErrs <-chan error
	if opts.Watch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to watch script", err)
		}
		defer func() { _ = watcher.Close() }()
		// Editors often replace the file, so watch its directory.
		if err := watcher.Add(filepath.Dir(s.config.Script)); err != nil {
			return WrapExitError(ExitCommandError, "failed to watch script", err)
		}
		changes, watchErrs = watcher.Events, watcher.Errors
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("received signal, shutting down")
			return nil

		case line, ok := <-lines:
			if !ok {
				if err := <-readErr; err != nil {
					s.logger.Error("failed to read input", "error", err)
					if drainErr := srv.drain(ctx); drainErr != nil {
						return drainErr
					}
					return WrapExitError(ExitCommandError, "failed to read input", err)
				}
				return srv.drain(ctx)
			}
			quit, err := srv.handle(line)
			if err != nil {
				srv.printer.printf("error: %v", err)
			}
			if quit {
				return srv.drain(ctx)
			}

		case ev := <-changes:
			if filepath.Clean(ev.Name) == filepath.Clean(s.config.Script) &&
				ev.Has(fsnotify.Write|fsnotify.Create) {
				if err := srv.reload(); err != nil {
					s.logger.Error("script reload failed", "error", err)
				}
			}

		case err := <-watchErrs:
			if err != nil {
				s.logger.Error("watcher error", "error", err)
			}

		case <-ticker.C:
			s.d.Deliver()
		}
	}
}

// handle processes one input line. It reports whether the session should end.
func (srv *server) handle(line string) (bool, error) {
	line = strings.TrimRight(line, "\r")
	if !strings.HasPrefix(line, ":") {
		key, payload, err := ParseTaskLine(line, srv.nextKey, srv.opts.Base64)
		if err != nil {
			return false, err
		}
		srv.nextKey++
		srv.s.d.Submit(payload, key, srv.printer.callback(key))
		return false, nil
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case ":gc":
		srv.s.d.GarbageCollect()
	case ":showmem":
		srv.s.d.PrintMemoryInfo()
	case ":stat":
		if len(fields) != 2 {
			return false, fmt.Errorf("usage: :stat N")
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil || n <= 0 {
			return false, fmt.Errorf("invalid task count %q", fields[1])
		}
		id := srv.s.d.StartStat(n)
		srv.printer.printf("stat %s started for %d tasks", id, n)
	case ":stats":
		st := srv.s.d.Stats()
		srv.printer.printf("submitted=%d completed=%d failed=%d reclaims=%d pending=%d active=%d",
			st.Submitted, st.Completed, st.Failed, st.Reclaims, srv.s.d.Pending(), srv.s.d.ActiveWorkers())
	case ":reload":
		return false, srv.reload()
	case ":quit", ":q":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %s", fields[0])
	}
	return false, nil
}

func (srv *server) reload() error {
	script, err := srv.s.config.LoadScript()
	if err != nil {
		return err
	}
	if err := srv.s.d.Reload(script, nil); err != nil {
		return err
	}
	srv.s.logger.Info("script reloaded", "script", script.FileName)
	return nil
}

// drain waits for pending tasks before the session is closed.
func (srv *server) drain(ctx context.Context) error {
	if !srv.s.waitIdle(ctx, srv.opts.DrainTimeout) {
		st := srv.s.d.Stats()
		return NewExitError(ExitFailure, fmt.Sprintf("%d tasks abandoned", st.Submitted-st.Completed-st.Failed))
	}
	return nil
}

// readLines sends each line of r on the returned channel, which is closed on
// EOF, on a read error or when ctx is cancelled. Once lines is closed the
// error channel yields the read error, or nil.
func readLines(ctx context.Context, r io.Reader) (<-chan string, <-chan error) {
	lines := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		errs <- scanner.Err()
	}()
	return lines, errs
}
