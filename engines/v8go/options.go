//go:build !windows

// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package v8engine

import (
	"fmt"
	"log/slog"

	shardpool "github.com/buke/js-shardpool"
)

// EngineOption is read once, when the isolate is created, so options only
// take effect through NewFactory.
type EngineOption struct {
	MemoryLimitMB int          // old generation cap, 0 keeps the V8 default
	Console       *slog.Logger // nil means scripts have no console
}

func configure(name string, apply func(o *EngineOption) error) shardpool.ContextOption {
	return func(ctx shardpool.ScriptContext) error {
		e, ok := ctx.(*Engine)
		if !ok {
			return fmt.Errorf("invalid engine type for %s: %T", name, ctx)
		}
		return apply(e.Option)
	}
}

// WithMemoryLimit caps the isolate heap at mb MiB.
func WithMemoryLimit(mb int) shardpool.ContextOption {
	return configure("WithMemoryLimit", func(o *EngineOption) error {
		if mb < 0 {
			return fmt.Errorf("memory limit cannot be negative: %d", mb)
		}
		o.MemoryLimitMB = mb
		return nil
	})
}

// WithConsole routes console.log, info, warn, error and debug to logger at
// the matching level. A nil logger means slog.Default.
func WithConsole(logger *slog.Logger) shardpool.ContextOption {
	if logger == nil {
		logger = slog.Default()
	}
	return configure("WithConsole", func(o *EngineOption) error {
		o.Console = logger
		return nil
	})
}
