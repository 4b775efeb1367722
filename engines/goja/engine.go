// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package gojaengine

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"runtime/debug"
	"runtime/metrics"
	"sync"
	"sync/atomic"

	shardpool "github.com/buke/js-shardpool"
	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"
)

// Engine implements the shardpool.ScriptContext interface using the Goja JS engine.
// It uses an event loop to ensure thread-safe execution of JavaScript, so
// scripts may use timers and return promises from the entry point.
type Engine struct {
	Loop   *eventloop.EventLoop // The event loop that owns and serializes access to the runtime.
	Option *EngineOption        // Engine configuration options.
}

// NewFactory returns a shardpool.ScriptContextFactory for creating Goja engines.
// The factory is configured with the provided options.
func NewFactory(opts ...shardpool.ContextOption) shardpool.ScriptContextFactory {
	return func() (shardpool.ScriptContext, error) {
		return newEngine(opts...)
	}
}

// newEngine creates a new Goja engine instance.
// It initializes a full-featured event loop that supports timers.
func newEngine(opts ...shardpool.ContextOption) (*Engine, error) {
	// The eventloop creates its own internal goja.Runtime
	loop := eventloop.NewEventLoop()

	e := &Engine{
		Loop:   loop,
		Option: &EngineOption{}, // Initialize with default options
	}

	// Start the event loop *before* applying options
	loop.Start()

	// Apply the default FieldNameMapper first.
	// This can be overridden by user-provided options.
	if err := WithFieldNameMapper(goja.TagFieldNameMapper("json", true))(e); err != nil {
		loop.Stop()
		return nil, err
	}

	// Apply all provided options. Each option will block until it's applied.
	for _, opt := range opts {
		if err := opt(e); err != nil {
			loop.Stop() // Ensure loop is stopped on configuration error
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	return e, nil
}

// runOnLoop schedules fn on the event loop and waits for it to return.
func (e *Engine) runOnLoop(fn func(vm *goja.Runtime) error) error {
	done := make(chan error, 1)
	e.Loop.RunOnLoop(func(vm *goja.Runtime) {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic on event loop: %v", r)
			}
		}()
		done <- fn(vm)
	})
	return <-done
}

type program struct {
	name string
	prog *goja.Program
}

func (p *program) Name() string { return p.name }

// Compile compiles the script without running it.
func (e *Engine) Compile(script *shardpool.Script) (shardpool.CompiledScript, error) {
	if script == nil {
		return nil, shardpool.ErrEmptyScript
	}
	prog, err := goja.Compile(script.FileName, script.Content, false)
	if err != nil {
		return nil, scriptError(shardpool.PhaseCompile, script.FileName, err)
	}
	return &program{name: script.FileName, prog: prog}, nil
}

// Run executes a compiled script in the global scope.
func (e *Engine) Run(unit shardpool.CompiledScript) error {
	p, ok := unit.(*program)
	if !ok {
		return fmt.Errorf("unsupported compiled script type %T", unit)
	}
	return e.runOnLoop(func(vm *goja.Runtime) error {
		if _, err := vm.RunProgram(p.prog); err != nil {
			return scriptError(shardpool.PhaseRun, p.name, err)
		}
		return nil
	})
}

type entryPoint struct {
	name string
	this goja.Value
	fn   goja.Callable
}

func (ep *entryPoint) Name() string { return ep.name }

// ResolveEntryPoint looks up a function by name. For a dotted name the object
// holding the function becomes its this-binding.
func (e *Engine) ResolveEntryPoint(name string) (shardpool.EntryPoint, error) {
	owner, fnName, err := shardpool.ParseEntryPoint(name)
	if err != nil {
		return nil, err
	}

	var ep *entryPoint
	err = e.runOnLoop(func(vm *goja.Runtime) error {
		this := vm.GlobalObject()
		for _, part := range owner {
			v := this.Get(part)
			if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
				return fmt.Errorf("%w: %s (missing %s)", shardpool.ErrEntryPointNotFound, name, part)
			}
			this = v.ToObject(vm)
		}
		fn, ok := goja.AssertFunction(this.Get(fnName))
		if !ok {
			return fmt.Errorf("%w: %s is not a function", shardpool.ErrEntryPointNotFound, name)
		}
		ep = &entryPoint{name: name, this: this, fn: fn}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ep, nil
}

// Invoke calls the entry point with (key, payload). A returned promise is
// awaited on the event loop.
func (e *Engine) Invoke(entry shardpool.EntryPoint, key uint32, payload string) (string, error) {
	ep, ok := entry.(*entryPoint)
	if !ok {
		return "", fmt.Errorf("unsupported entry point type %T", entry)
	}

	resultChan := make(chan string, 1)
	errorChan := make(chan error, 1)

	e.Loop.RunOnLoop(func(vm *goja.Runtime) {
		defer func() {
			if r := recover(); r != nil {
				errorChan <- fmt.Errorf("panic in entry point %s: %v", ep.name, r)
			}
		}()

		res, err := ep.fn(ep.this, vm.ToValue(key), vm.ToValue(payload))
		if err != nil {
			errorChan <- scriptError(shardpool.PhaseInvoke, ep.name, err)
			return
		}

		then, promiseObj := thenable(vm, res)
		if then == nil {
			resolveValue(res, resultChan, errorChan)
			return
		}

		onSuccess := func(call goja.FunctionCall) goja.Value {
			resolveValue(call.Argument(0), resultChan, errorChan)
			return goja.Undefined()
		}
		onError := func(call goja.FunctionCall) goja.Value {
			errorChan <- &shardpool.ScriptError{
				Phase:    shardpool.PhaseInvoke,
				FileName: ep.name,
				Message:  call.Argument(0).String(),
			}
			return goja.Undefined()
		}
		if _, err := then(promiseObj, vm.ToValue(onSuccess), vm.ToValue(onError)); err != nil {
			errorChan <- fmt.Errorf("failed to invoke promise.then: %w", err)
		}
	})

	// Wait for the result.
	select {
	case text := <-resultChan:
		return text, nil
	case err := <-errorChan:
		return "", err
	}
}

// thenable returns the then method of a promise-like value.
func thenable(vm *goja.Runtime, v goja.Value) (goja.Callable, *goja.Object) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, nil
	}
	then, ok := goja.AssertFunction(obj.Get("then"))
	if !ok {
		return nil, nil
	}
	return then, obj
}

func resolveValue(v goja.Value, resultChan chan<- string, errorChan chan<- error) {
	if v == nil || goja.IsUndefined(v) {
		errorChan <- shardpool.ErrNoReturnValue
		return
	}
	resultChan <- v.String()
}

// HeapStats reports the Go heap of the whole process. Goja objects live on the
// Go heap, so every Goja context in the process sees the same numbers.
// TotalHeapSize leaves out free spans so it falls after a collection.
func (e *Engine) HeapStats() shardpool.HeapStats {
	samples := []metrics.Sample{
		{Name: "/memory/classes/heap/objects:bytes"},
		{Name: "/memory/classes/heap/unused:bytes"},
		{Name: "/memory/classes/heap/free:bytes"},
		{Name: "/memory/classes/heap/released:bytes"},
		{Name: "/memory/classes/total:bytes"},
	}
	metrics.Read(samples)
	value := func(i int) uint64 {
		if samples[i].Value.Kind() != metrics.KindUint64 {
			return 0
		}
		return samples[i].Value.Uint64()
	}

	stats := shardpool.HeapStats{
		UsedHeapSize:  value(0),
		TotalHeapSize: value(0) + value(1),
	}
	if total, released := value(4), value(3); total > released {
		stats.TotalPhysicalSize = total - released
	}
	if limit := debug.SetMemoryLimit(-1); limit > 0 && limit != math.MaxInt64 {
		stats.HeapSizeLimit = uint64(limit)
	}
	return stats
}

// Reclaim forces a garbage collection of the Go heap. Engines share that heap,
// so calls from several workers at once are served by one collection.
func (e *Engine) Reclaim() {
	processGC.run()
}

var processGC = &collector{collect: runtime.GC}

// collector serializes forced collections. A caller is satisfied by any
// collection that started after its request.
type collector struct {
	mu      sync.Mutex
	started atomic.Uint64
	collect func()
}

// run reports whether this call performed the collection.
func (c *collector) run() bool {
	seen := c.started.Load()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started.Load() > seen {
		return false
	}
	c.started.Add(1)
	c.collect()
	return true
}

// Close stops the event loop and releases associated resources.
func (e *Engine) Close() error {
	if e.Loop != nil {
		e.Loop.Stop()
		e.Loop = nil
	}
	return nil
}

// scriptError converts a Goja error into a shardpool.ScriptError.
func scriptError(phase shardpool.ScriptPhase, name string, err error) error {
	se := &shardpool.ScriptError{
		Phase:    phase,
		FileName: name,
		Message:  err.Error(),
		Cause:    err,
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		if v := ex.Value(); v != nil {
			se.Message = v.String()
		}
		se.Stack = ex.String()
	}
	return se
}
