//go:build !windows

// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package v8engine

import (
	"errors"
	"fmt"
	"strings"

	shardpool "github.com/buke/js-shardpool"
	"github.com/tommie/v8go"
)

var (
	// Make these functions variables so they can be mocked in tests.
	v8NewIsolate = v8go.NewIsolate
	v8NewContext = v8go.NewContext
	v8NewValue   = v8go.NewValue
)

// Engine implements the shardpool.ScriptContext interface using the V8 engine.
// It encapsulates a V8 Isolate and Context.
type Engine struct {
	// Iso is the V8 Isolate, representing a single-threaded VM instance.
	// It is exposed publicly to allow for advanced custom options.
	Iso *v8go.Isolate

	// Ctx is the V8 Context, representing the execution environment.
	// It is exposed publicly to allow for advanced custom options.
	Ctx *v8go.Context

	// Option holds the engine-specific configurations.
	Option *EngineOption

	global *v8go.Object
	gc     *v8go.Function // global gc(), exposed by --expose-gc
}

// NewFactory creates a new shardpool.ScriptContextFactory for the V8 engine.
// Flags from a Platform take effect only when the platform is initialized
// before the first engine is created.
func NewFactory(opts ...shardpool.ContextOption) shardpool.ScriptContextFactory {
	return func() (shardpool.ScriptContext, error) {
		return newEngine(opts...)
	}
}

// newEngine creates and initializes a new V8 Engine instance.
func newEngine(opts ...shardpool.ContextOption) (*Engine, error) {
	e := &Engine{
		Option: &EngineOption{},
	}

	// Apply user-provided options
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	exposeGC(nil)

	// Create a new V8 Isolate
	var iso *v8go.Isolate
	if e.Option.MemoryLimitMB > 0 {
		heapSize := uint64(e.Option.MemoryLimitMB) * 1024 * 1024
		iso = v8NewIsolate(v8go.WithResourceConstraints(heapSize/2, heapSize))
	} else {
		iso = v8NewIsolate()
	}
	if iso == nil {
		return nil, fmt.Errorf("failed to create v8 isolate")
	}
	e.Iso = iso

	// Create a new V8 Context
	ctx := v8NewContext(iso)
	if ctx == nil {
		iso.Dispose() // Clean up isolate if context creation fails
		return nil, fmt.Errorf("failed to create v8 context")
	}
	e.Ctx = ctx
	e.global = ctx.Global()

	if e.Option.Console != nil {
		if err := setupConsole(e); err != nil {
			e.Close()
			return nil, fmt.Errorf("failed to set up console: %w", err)
		}
	}

	v, err := e.global.Get("gc")
	if err != nil || !v.IsFunction() {
		e.Close()
		return nil, fmt.Errorf("v8 gc() is not exposed; initialize the platform before creating engines")
	}
	e.gc, _ = v.AsFunction()

	return e, nil
}

type unboundScript struct {
	name   string
	script *v8go.UnboundScript
}

func (s *unboundScript) Name() string { return s.name }

// Compile compiles the script without running it.
func (e *Engine) Compile(script *shardpool.Script) (shardpool.CompiledScript, error) {
	if script == nil {
		return nil, shardpool.ErrEmptyScript
	}
	us, err := e.Iso.CompileUnboundScript(script.Content, script.FileName, v8go.CompileOptions{})
	if err != nil {
		return nil, scriptError(shardpool.PhaseCompile, script.FileName, err)
	}
	return &unboundScript{name: script.FileName, script: us}, nil
}

// Run executes a compiled script in the context's global scope.
func (e *Engine) Run(unit shardpool.CompiledScript) error {
	us, ok := unit.(*unboundScript)
	if !ok {
		return fmt.Errorf("unsupported compiled script type %T", unit)
	}
	if _, err := us.script.Run(e.Ctx); err != nil {
		return scriptError(shardpool.PhaseRun, us.name, err)
	}
	return nil
}

type entryPoint struct {
	name string
	this *v8go.Object
	fn   *v8go.Function
}

func (ep *entryPoint) Name() string { return ep.name }

// ResolveEntryPoint looks up a function by name. For a dotted name the object
// holding the function becomes its this-binding.
func (e *Engine) ResolveEntryPoint(name string) (shardpool.EntryPoint, error) {
	owner, fnName, err := shardpool.ParseEntryPoint(name)
	if err != nil {
		return nil, err
	}

	this := e.global
	for _, part := range owner {
		v, err := this.Get(part)
		if err != nil || !v.IsObject() {
			return nil, fmt.Errorf("%w: %s (missing %s)", shardpool.ErrEntryPointNotFound, name, part)
		}
		if this, err = v.AsObject(); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", shardpool.ErrEntryPointNotFound, name, err)
		}
	}

	v, err := this.Get(fnName)
	if err != nil || !v.IsFunction() {
		return nil, fmt.Errorf("%w: %s is not a function", shardpool.ErrEntryPointNotFound, name)
	}
	fn, err := v.AsFunction()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", shardpool.ErrEntryPointNotFound, name, err)
	}
	return &entryPoint{name: name, this: this, fn: fn}, nil
}

// Invoke calls the entry point with (key, payload). A returned promise must
// settle within the microtask checkpoint that follows the call.
func (e *Engine) Invoke(entry shardpool.EntryPoint, key uint32, payload string) (string, error) {
	ep, ok := entry.(*entryPoint)
	if !ok {
		return "", fmt.Errorf("unsupported entry point type %T", entry)
	}

	jsKey, err := v8NewValue(e.Iso, key)
	if err != nil {
		return "", fmt.Errorf("failed to create v8 value for key: %w", err)
	}
	defer release(jsKey)
	jsPayload, err := v8NewValue(e.Iso, payload)
	if err != nil {
		return "", fmt.Errorf("failed to create v8 value for payload: %w", err)
	}
	defer release(jsPayload)

	res, err := ep.fn.Call(ep.this, jsKey, jsPayload)
	if err != nil {
		return "", scriptError(shardpool.PhaseInvoke, ep.name, err)
	}
	defer release(res)

	if res.IsPromise() {
		promise, err := res.AsPromise()
		if err != nil {
			return "", fmt.Errorf("failed to read promise: %w", err)
		}
		e.Ctx.PerformMicrotaskCheckpoint()
		if promise.State() == v8go.Pending {
			return "", fmt.Errorf("entry point %s returned a promise that did not settle", ep.name)
		}
		settled := promise.Result()
		defer release(settled)
		if promise.State() == v8go.Rejected {
			return "", &shardpool.ScriptError{
				Phase:    shardpool.PhaseInvoke,
				FileName: ep.name,
				Message:  settled.String(),
			}
		}
		res = settled
	}

	if res == nil || res.IsUndefined() {
		return "", shardpool.ErrNoReturnValue
	}
	return res.String(), nil
}

// release drops the context's handle on each value. Values created through
// the Go API stay reachable until released or until the context closes.
func release(vals ...*v8go.Value) {
	for _, v := range vals {
		if v != nil {
			v.Release()
		}
	}
}

// HeapStats reports the isolate's heap statistics.
func (e *Engine) HeapStats() shardpool.HeapStats {
	hs := e.Iso.GetHeapStatistics()
	return shardpool.HeapStats{
		HeapSizeLimit:           hs.HeapSizeLimit,
		TotalHeapSize:           hs.TotalHeapSize,
		TotalHeapSizeExecutable: hs.TotalHeapSizeExecutable,
		TotalPhysicalSize:       hs.TotalPhysicalSize,
		UsedHeapSize:            hs.UsedHeapSize,
	}
}

// Reclaim runs a full garbage collection through the exposed gc() function.
func (e *Engine) Reclaim() {
	if e.gc == nil {
		return
	}
	v, _ := e.gc.Call(e.global)
	release(v)
}

// Close releases all resources associated with the V8 engine.
func (e *Engine) Close() error {
	e.gc = nil
	e.global = nil
	if e.Ctx != nil {
		e.Ctx.Close()
		e.Ctx = nil
	}
	if e.Iso != nil {
		e.Iso.Dispose()
		e.Iso = nil
	}
	return nil
}

// scriptError converts a V8 error into a shardpool.ScriptError.
func scriptError(phase shardpool.ScriptPhase, name string, err error) error {
	se := &shardpool.ScriptError{
		Phase:    phase,
		FileName: name,
		Message:  err.Error(),
		Cause:    err,
	}
	var jsErr *v8go.JSError
	if errors.As(err, &jsErr) {
		se.Message = jsErr.Message
		se.Location = jsErr.Location
		se.Stack = strings.TrimSpace(jsErr.StackTrace)
	}
	return se
}
