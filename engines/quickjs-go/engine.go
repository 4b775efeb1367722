// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package quickjsengine

import (
	"encoding/json"
	"fmt"

	shardpool "github.com/buke/js-shardpool"
	"github.com/buke/quickjs-go"
)

// Engine represents a QuickJS engine instance with its runtime, context, and options.
type Engine struct {
	Runtime *quickjs.Runtime // QuickJS runtime instance
	Ctx     *quickjs.Context // QuickJS context instance
	Option  *EngineOption    // Engine configuration options

	entries []*entryPoint // resolved entry points, freed on Close
}

type source struct {
	name    string
	content string
}

func (s *source) Name() string { return s.name }

// Compile validates the script by compiling it to bytecode. QuickJS evaluates
// from source, so Run evaluates the retained text.
func (e *Engine) Compile(script *shardpool.Script) (shardpool.CompiledScript, error) {
	if script == nil {
		return nil, shardpool.ErrEmptyScript
	}
	if _, err := e.Ctx.Compile(script.Content, quickjs.EvalFileName(script.FileName)); err != nil {
		return nil, scriptError(shardpool.PhaseCompile, script.FileName, err)
	}
	return &source{name: script.FileName, content: script.Content}, nil
}

// Run evaluates a compiled script in the global scope.
func (e *Engine) Run(unit shardpool.CompiledScript) error {
	src, ok := unit.(*source)
	if !ok {
		return fmt.Errorf("unsupported compiled script type %T", unit)
	}
	ret := e.Ctx.Eval(src.content, quickjs.EvalFileName(src.name), quickjs.EvalAwait(true))
	defer ret.Free()
	if ret.IsException() {
		return scriptError(shardpool.PhaseRun, src.name, e.Ctx.Exception())
	}
	return nil
}

// entryPoint holds a JS closure that calls the target with its owner as this.
type entryPoint struct {
	name   string
	invoke func(key uint32, payload string) (string, error)
	free   func()
}

func (ep *entryPoint) Name() string { return ep.name }

// invokerScript returns a function calling owner.fn(key, payload) with owner
// as this, or undefined when the path does not resolve to a function.
func invokerScript(owner []string, fn string) string {
	path, _ := json.Marshal(owner)
	name, _ := json.Marshal(fn)
	return fmt.Sprintf(`(function () {
	var owner = globalThis;
	var path = %s;
	for (var i = 0; i < path.length; i++) {
		if (owner == null) return undefined;
		owner = owner[path[i]];
	}
	if (owner == null || typeof owner[%s] !== "function") return undefined;
	var fn = owner[%s];
	return function (key, payload) { return fn.call(owner, key, payload); };
})()`, path, name, name)
}

// ResolveEntryPoint looks up a function by name. For a dotted name the object
// holding the function becomes its this-binding.
func (e *Engine) ResolveEntryPoint(name string) (shardpool.EntryPoint, error) {
	owner, fnName, err := shardpool.ParseEntryPoint(name)
	if err != nil {
		return nil, err
	}

	fn := e.Ctx.Eval(invokerScript(owner, fnName), quickjs.EvalFileName("entry_point.js"))
	if fn.IsException() {
		fn.Free()
		return nil, fmt.Errorf("%w: %s: %v", shardpool.ErrEntryPointNotFound, name, e.Ctx.Exception())
	}
	if !fn.IsFunction() {
		fn.Free()
		return nil, fmt.Errorf("%w: %s is not a function", shardpool.ErrEntryPointNotFound, name)
	}

	ep := &entryPoint{name: name, free: fn.Free}
	ep.invoke = func(key uint32, payload string) (string, error) {
		jsKey, err := e.Ctx.Marshal(key)
		if err != nil {
			return "", fmt.Errorf("failed to marshal key: %w", err)
		}
		defer jsKey.Free()
		jsPayload, err := e.Ctx.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("failed to marshal payload: %w", err)
		}
		defer jsPayload.Free()

		res := fn.Execute(e.Ctx.Null(), jsKey, jsPayload).Await()
		defer res.Free()
		if res.IsException() {
			return "", scriptError(shardpool.PhaseInvoke, name, e.Ctx.Exception())
		}
		if res.IsUndefined() {
			return "", shardpool.ErrNoReturnValue
		}
		return res.String(), nil
	}
	e.entries = append(e.entries, ep)
	return ep, nil
}

// Invoke calls the entry point with (key, payload). A returned promise is awaited.
func (e *Engine) Invoke(entry shardpool.EntryPoint, key uint32, payload string) (string, error) {
	ep, ok := entry.(*entryPoint)
	if !ok {
		return "", fmt.Errorf("unsupported entry point type %T", entry)
	}
	return ep.invoke(key, payload)
}

// HeapStats reports the configured memory limit. QuickJS does not expose heap
// sizes through this binding, so the heap policy never triggers for it; the
// runtime's own GC threshold and memory limit apply instead.
func (e *Engine) HeapStats() shardpool.HeapStats {
	return shardpool.HeapStats{HeapSizeLimit: e.Option.MemoryLimit}
}

// Reclaim runs the QuickJS garbage collector.
func (e *Engine) Reclaim() {
	e.Runtime.RunGC()
}

// Close releases all resources associated with the engine, including context and runtime.
func (e *Engine) Close() error {
	for _, ep := range e.entries {
		ep.free()
	}
	e.entries = nil
	if e.Ctx != nil {
		e.Ctx.Close()
		e.Ctx = nil
	}
	if e.Runtime != nil {
		e.Runtime.Close()
		e.Runtime = nil
	}
	return nil
}

// newEngine creates a new QuickJS engine instance with the given options.
// It initializes the runtime, context, and applies all provided engine options.
func newEngine(options ...shardpool.ContextOption) (*Engine, error) {
	// Create QuickJS runtime
	rt := quickjs.NewRuntime()

	// Create QuickJS context
	ctx := rt.NewContext()

	// Create engine instance with default options
	engine := &Engine{
		Runtime: rt,
		Ctx:     ctx,
		Option:  defaultEngineOption(),
	}

	// Apply additional engine options
	for _, option := range options {
		if err := option(engine); err != nil {
			engine.Close()
			return nil, err
		}
	}

	return engine, nil
}

// NewFactory returns a ScriptContextFactory that creates QuickJS engines with the given options.
func NewFactory(options ...shardpool.ContextOption) shardpool.ScriptContextFactory {
	return func() (shardpool.ScriptContext, error) {
		return newEngine(options...)
	}
}

func scriptError(phase shardpool.ScriptPhase, name string, err error) error {
	if err == nil {
		err = fmt.Errorf("unknown exception")
	}
	return &shardpool.ScriptError{
		Phase:    phase,
		FileName: name,
		Message:  err.Error(),
		Cause:    err,
	}
}
