// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package gojaengine

import (
	"fmt"

	shardpool "github.com/buke/js-shardpool"
	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/require"
)

// EngineOption records what was installed into a Goja runtime.
type EngineOption struct {
	MaxCallStackSize int // 0 or less leaves recursion unbounded
	EnableConsole    bool
	EnableRequire    bool
	FieldNameMapper  goja.FieldNameMapper
}

// onLoop returns a ContextOption that records the setting with note and then
// applies it to the runtime from the engine's event loop.
func onLoop(name string, note func(o *EngineOption), apply func(vm *goja.Runtime)) shardpool.ContextOption {
	return func(ctx shardpool.ScriptContext) error {
		e, ok := ctx.(*Engine)
		if !ok {
			return fmt.Errorf("invalid engine type for %s: %T", name, ctx)
		}
		note(e.Option)
		return e.runOnLoop(func(vm *goja.Runtime) error {
			apply(vm)
			return nil
		})
	}
}

// WithMaxCallStackSize bounds script recursion depth.
func WithMaxCallStackSize(size int) shardpool.ContextOption {
	return onLoop("WithMaxCallStackSize",
		func(o *EngineOption) { o.MaxCallStackSize = size },
		func(vm *goja.Runtime) { vm.SetMaxCallStackSize(size) })
}

// WithEnableConsole installs the goja_nodejs console, which prints to the
// process's standard output.
func WithEnableConsole() shardpool.ContextOption {
	return onLoop("WithEnableConsole",
		func(o *EngineOption) { o.EnableConsole = true },
		func(vm *goja.Runtime) { console.Enable(vm) })
}

// WithRequire gives scripts a CommonJS require() backed by a fresh registry.
func WithRequire() shardpool.ContextOption {
	return onLoop("WithRequire",
		func(o *EngineOption) { o.EnableRequire = true },
		func(vm *goja.Runtime) { new(require.Registry).Enable(vm) })
}

// WithFieldNameMapper controls how Go struct fields appear in scripts.
// A nil mapper keeps the json tag mapper every engine starts with.
func WithFieldNameMapper(mapper goja.FieldNameMapper) shardpool.ContextOption {
	if mapper == nil {
		return func(shardpool.ScriptContext) error { return nil }
	}
	return onLoop("WithFieldNameMapper",
		func(o *EngineOption) { o.FieldNameMapper = mapper },
		func(vm *goja.Runtime) { vm.SetFieldNameMapper(mapper) })
}
