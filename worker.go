// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package shardpool

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"
)

// WorkerState is the lifecycle state of a worker.
type WorkerState int32

const (
	WorkerStarting WorkerState = iota // Building its context
	WorkerRunning                     // Consuming its shard
	WorkerStopped                     // Exited, or failed to load the script
)

// String returns the string representation of a WorkerState.
func (s WorkerState) String() string {
	switch s {
	case WorkerStarting:
		return "starting"
	case WorkerRunning:
		return "running"
	case WorkerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// worker owns one shard and one ScriptContext for its whole lifetime.
type worker struct {
	d      *Dispatcher
	index  int
	shard  *shard
	initCh chan error // Receives the init outcome, then closed
	state  atomic.Int32

	// Confined to the worker goroutine.
	ctx   ScriptContext
	entry EntryPoint
}

func newWorker(d *Dispatcher, index int) *worker {
	return &worker{
		d:      d,
		index:  index,
		shard:  d.shards[index],
		initCh: make(chan error, 1),
	}
}

func (w *worker) getState() WorkerState {
	return WorkerState(w.state.Load())
}

// loadContext builds a context from the factory and loads script into it.
func (w *worker) loadContext(script *Script) (ScriptContext, EntryPoint, error) {
	ctx, err := w.d.factory()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create script context: %w", err)
	}

	entry, err := w.prepare(ctx, script)
	if err != nil {
		if cerr := ctx.Close(); cerr != nil {
			w.d.logger.Error("Failed to close script context", "worker", w.index, "error", cerr)
		}
		return nil, nil, err
	}
	return ctx, entry, nil
}

func (w *worker) prepare(ctx ScriptContext, script *Script) (entry EntryPoint, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while loading script: %v", r)
		}
	}()

	unit, err := ctx.Compile(script)
	if err != nil {
		return nil, fmt.Errorf("failed to compile script: %w", err)
	}
	if err := ctx.Run(unit); err != nil {
		return nil, fmt.Errorf("failed to run script: %w", err)
	}
	entry, err = ctx.ResolveEntryPoint(w.d.options.entryPoint)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve entry point %s: %w", w.d.options.entryPoint, err)
	}
	return entry, nil
}

// run is the worker loop. It pops tasks from its shard until shutdown.
func (w *worker) run() {
	// Contexts are bound to the OS thread that created them.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer w.d.wg.Done()

	defer func() {
		if w.ctx != nil {
			if err := w.ctx.Close(); err != nil {
				w.d.logger.Error("Failed to close script context", "worker", w.index, "error", err)
			}
			w.ctx = nil
		}
		w.state.Store(int32(WorkerStopped))
	}()

	ctx, entry, err := w.loadContext(w.d.currentScript())
	if err != nil {
		w.d.logger.Error("Failed to initialize worker", "worker", w.index, "error", err)
		w.initCh <- fmt.Errorf("worker %d: %w", w.index, err)
		close(w.initCh)
		return
	}
	w.ctx, w.entry = ctx, entry
	w.state.Store(int32(WorkerRunning))
	w.initCh <- nil
	close(w.initCh)

	w.d.logger.Debug("Worker started", "worker", w.index)

	for {
		t, ok := w.shard.pop(&w.d.shutdown)
		if !ok {
			w.d.logger.Debug("Worker stopped", "worker", w.index)
			return
		}
		if t.control != ControlNone {
			w.executeControl(t)
			continue
		}
		w.executeTask(t)
	}
}

// executeTask runs a data task and applies the heap policy afterwards.
func (w *worker) executeTask(t *task) {
	if t.payload == "" {
		// Empty payloads are acknowledged without calling into the script.
		w.d.sink.Push(Result{Key: t.key, Callback: t.callback})
		w.d.completed.Add(1)
		return
	}

	text, err := w.invoke(t)
	if err != nil {
		w.d.failed.Add(1)
		if w.d.allowLog(w.index, "task") {
			w.d.logger.Error("Task execution failed",
				"worker", w.index,
				"key", t.key,
				"error", err)
		}
	} else {
		w.d.sink.Push(Result{Key: t.key, Text: text, Callback: t.callback})
		w.d.completed.Add(1)
		if report, ok := w.d.stat.done(); ok {
			w.d.logger.Info("Batch completed",
				"batch", report.ID,
				"tasks", report.Tasks,
				"elapsedMs", report.Elapsed.Milliseconds())
			if w.d.batchHook != nil {
				w.d.batchHook(report)
			}
		}
	}

	w.applyHeapPolicy()
}

func (w *worker) invoke(t *task) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in worker %d: %v", w.index, r)
		}
	}()
	return w.ctx.Invoke(w.entry, t.key, t.payload)
}

func (w *worker) applyHeapPolicy() {
	stats, err := w.heapStats()
	if err != nil {
		w.d.logger.Error("Failed to read heap statistics", "worker", w.index, "error", err)
		return
	}
	if !w.d.heap.exceeded(stats) {
		return
	}
	if w.d.allowLog(w.index, "heap") {
		w.d.logger.Warn("Heap limit exceeded, reclaiming",
			"worker", w.index,
			"totalHeapSize", stats.TotalHeapSize,
			"heapLimit", w.d.heap.limit)
	}
	if err := w.reclaim(); err != nil {
		w.d.logger.Error("Failed to reclaim context", "worker", w.index, "error", err)
	}
}

func (w *worker) heapStats() (stats HeapStats, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic reading heap statistics: %v", r)
		}
	}()
	return w.ctx.HeapStats(), nil
}

// reclaim runs a blocking garbage collection on the worker's context. A
// panicking collection is not counted.
func (w *worker) reclaim() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic reclaiming context: %v", r)
		}
	}()
	start := time.Now()
	w.ctx.Reclaim()
	w.d.reclaims.Add(1)
	w.d.logger.Debug("Context reclaimed",
		"worker", w.index,
		"elapsedMs", time.Since(start).Milliseconds())
	return nil
}

// executeControl runs a control command in shard order.
func (w *worker) executeControl(t *task) {
	defer func() {
		if r := recover(); r != nil {
			w.d.logger.Error("Panic recovered in executeControl",
				"worker", w.index,
				"control", t.control.String(),
				"error", r)
		}
		if t.callback != nil {
			w.d.sink.Push(Result{Key: t.key, Callback: t.callback})
		}
	}()

	switch t.control {
	case ControlGC:
		if err := w.reclaim(); err != nil {
			w.d.logger.Error("Failed to reclaim context", "worker", w.index, "error", err)
		}

	case ControlShowMem:
		stats := w.ctx.HeapStats()
		w.d.logger.Info("Heap statistics",
			"worker", w.index,
			"heapSizeLimit", stats.HeapSizeLimit,
			"totalHeapSize", stats.TotalHeapSize,
			"totalHeapSizeExecutable", stats.TotalHeapSizeExecutable,
			"totalPhysicalSize", stats.TotalPhysicalSize,
			"usedHeapSize", stats.UsedHeapSize)
		if w.d.diagnostics != nil {
			if _, err := fmt.Fprint(w.d.diagnostics, FormatHeapReport(w.index, stats)); err != nil {
				w.d.logger.Error("Failed to write heap report", "worker", w.index, "error", err)
			}
		}

	case ControlReload:
		w.reload(t.script)

	default:
		w.d.logger.Warn("Unknown control command", "worker", w.index, "control", t.control.String())
	}
}

// reload swaps in a fresh context running script. The old context keeps
// serving if the new one cannot be built.
func (w *worker) reload(script *Script) {
	if script == nil {
		script = w.d.currentScript()
	}
	ctx, entry, err := w.loadContext(script)
	if err != nil {
		w.d.logger.Error("Worker reload failed", "worker", w.index, "error", err)
		return
	}
	old := w.ctx
	w.ctx, w.entry = ctx, entry
	if err := old.Close(); err != nil {
		w.d.logger.Error("Failed to close script context", "worker", w.index, "error", err)
	}
	w.d.logger.Debug("Worker reloaded", "worker", w.index, "script", script.FileName)
}
