// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package quickjsengine

import (
	"fmt"

	shardpool "github.com/buke/js-shardpool"
)

// EngineOption records the runtime settings of one QuickJS engine. The
// worker's heap policy sees MemoryLimit as the heap size limit.
type EngineOption struct {
	MemoryLimit  uint64 // bytes, 0 leaves the runtime unbounded
	GCThreshold  int64  // bytes, -1 turns automatic collection off
	Timeout      uint64 // seconds per evaluation, 0 for none
	MaxStackSize uint64 // bytes, 0 keeps the engine default
	CanBlock     bool
	ModuleImport bool
	Strip        int // 0 keeps debug info, 1 strips it, 2 also drops source
}

func defaultEngineOption() *EngineOption {
	return &EngineOption{GCThreshold: -1, Strip: 1}
}

// configure turns apply into a ContextOption that rejects contexts built by
// other engines.
func configure(name string, apply func(e *Engine) error) shardpool.ContextOption {
	return func(ctx shardpool.ScriptContext) error {
		e, ok := ctx.(*Engine)
		if !ok {
			return fmt.Errorf("invalid engine type for %s: %T", name, ctx)
		}
		return apply(e)
	}
}

// WithMemoryLimit caps the runtime heap in bytes.
func WithMemoryLimit(limit uint64) shardpool.ContextOption {
	return configure("WithMemoryLimit", func(e *Engine) error {
		e.Runtime.SetMemoryLimit(limit)
		e.Option.MemoryLimit = limit
		return nil
	})
}

// WithGCThreshold sets the allocation volume that triggers a collection.
func WithGCThreshold(threshold int64) shardpool.ContextOption {
	return configure("WithGCThreshold", func(e *Engine) error {
		if threshold < -1 {
			return fmt.Errorf("invalid GC threshold: %d", threshold)
		}
		e.Runtime.SetGCThreshold(threshold)
		e.Option.GCThreshold = threshold
		return nil
	})
}

// WithTimeout interrupts any single evaluation running longer than the
// given number of seconds.
func WithTimeout(seconds uint64) shardpool.ContextOption {
	return configure("WithTimeout", func(e *Engine) error {
		e.Runtime.SetExecuteTimeout(seconds)
		e.Option.Timeout = seconds
		return nil
	})
}

// WithMaxStackSize limits the native stack the interpreter may use.
func WithMaxStackSize(size uint64) shardpool.ContextOption {
	return configure("WithMaxStackSize", func(e *Engine) error {
		e.Runtime.SetMaxStackSize(size)
		e.Option.MaxStackSize = size
		return nil
	})
}

// WithCanBlock allows Atomics.wait inside scripts.
func WithCanBlock(canBlock bool) shardpool.ContextOption {
	return configure("WithCanBlock", func(e *Engine) error {
		e.Runtime.SetCanBlock(canBlock)
		e.Option.CanBlock = canBlock
		return nil
	})
}

// WithEnableModuleImport lets scripts import ES modules from disk.
func WithEnableModuleImport(enable bool) shardpool.ContextOption {
	return configure("WithEnableModuleImport", func(e *Engine) error {
		e.Runtime.SetModuleImport(enable)
		e.Option.ModuleImport = enable
		return nil
	})
}

// WithStrip controls how much debug information compiled scripts keep.
func WithStrip(level int) shardpool.ContextOption {
	return configure("WithStrip", func(e *Engine) error {
		if level < 0 || level > 2 {
			return fmt.Errorf("invalid strip level: %d", level)
		}
		e.Runtime.SetStripInfo(level)
		e.Option.Strip = level
		return nil
	})
}
