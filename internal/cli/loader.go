// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"io"
	"log/slog"
	"time"

	shardpool "github.com/buke/js-shardpool"
)

// session is a started dispatcher and the settings it was built from.
type session struct {
	d      *shardpool.Dispatcher
	config *shardpool.Config
	logger *slog.Logger
}

// loadConfig reads the configuration file, if any, and applies the global
// flags and the script argument on top of it.
func loadConfig(opts *RootOptions, scriptPath string) (*shardpool.Config, error) {
	cfg := &shardpool.Config{}
	if opts.Config != "" {
		loaded, err := shardpool.LoadConfig(opts.Config)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load config", err)
		}
		cfg = loaded
	}
	if scriptPath != "" {
		cfg.Script = scriptPath
	}
	if opts.Engine != "" {
		cfg.Engine = opts.Engine
	}
	if opts.Workers > 0 {
		cfg.Workers = opts.Workers
	}
	if opts.EntryPoint != "" {
		cfg.EntryPoint = opts.EntryPoint
	}
	if err := cfg.Validate(); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	return cfg, nil
}

// newLogger configures logging based on the verbose flag and the configured level.
func newLogger(opts *RootOptions, cfg *shardpool.Config, w io.Writer) *slog.Logger {
	level, _ := cfg.Level()
	if opts.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// startSession builds and starts a dispatcher for scriptPath.
func startSession(opts *RootOptions, scriptPath string, errOut io.Writer, extra ...shardpool.Option) (*session, error) {
	cfg, err := loadConfig(opts, scriptPath)
	if err != nil {
		return nil, err
	}
	logger := newLogger(opts, cfg, errOut)

	script, err := cfg.LoadScript()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load script", err)
	}

	dispatcherOpts, err := cfg.Options()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	engineOpts, err := newEngine(cfg.Engine, cfg.Engines, logger)
	if err != nil {
		return nil, err
	}
	dispatcherOpts = append(dispatcherOpts, engineOpts...)
	dispatcherOpts = append(dispatcherOpts,
		shardpool.WithScript(script),
		shardpool.WithLogger(logger),
	)
	dispatcherOpts = append(dispatcherOpts, extra...)

	d, err := shardpool.New(dispatcherOpts...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to create dispatcher", err)
	}
	if err := d.Start(); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to start dispatcher", err)
	}
	logger.Debug("dispatcher started",
		"engine", cfg.Engine,
		"script", script.FileName,
		"workers", d.WorkerCount())
	return &session{d: d, config: cfg, logger: logger}, nil
}

// waitIdle delivers results until every submitted task has completed or
// failed, the timeout expires or ctx is cancelled. It reports whether the
// dispatcher went idle.
func (s *session) waitIdle(ctx context.Context, timeout time.Duration) bool {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		// Results are counted after they reach the sink, so read the
		// counters before delivering.
		st := s.d.Stats()
		s.d.Deliver()
		if st.Completed+st.Failed >= st.Submitted {
			return true
		}
		if !s.alive() {
			s.logger.Error("no worker is running", "pending", s.d.Pending())
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline:
			return false
		case <-ticker.C:
		}
	}
}

// alive reports whether any worker is starting or running.
func (s *session) alive() bool {
	for _, state := range s.d.WorkerStates() {
		if state != shardpool.WorkerStopped {
			return true
		}
	}
	return false
}

// close releases the dispatcher and delivers the results that completed
// before shutdown.
func (s *session) close() {
	if err := s.d.Release(); err != nil {
		s.logger.Error("failed to release dispatcher", "error", err)
	}
	s.d.Deliver()
}
