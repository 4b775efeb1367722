// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package shardpool

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
)

var (
	ErrNoContextFactory = errors.New("script context factory must be provided")
	ErrAlreadyStarted   = errors.New("dispatcher already started")
	ErrNotStarted       = errors.New("dispatcher not started")
	ErrRunning          = errors.New("dispatcher workers are running")
	ErrReleased         = errors.New("dispatcher released")
	ErrWorkerCount      = errors.New("worker count must be positive")
)

// DefaultEntryPoint is the function invoked for each task unless configured.
const DefaultEntryPoint = "onTask"

// DispatcherOption contains configuration options for the dispatcher
type DispatcherOption struct {
	workerCount   int                   // Number of workers, and of shards
	entryPoint    string                // Function invoked for each data task
	heapLimit     uint64                // Total heap size that triggers a reclaim (0 = never)
	strictStartup bool                  // Fail Start if any worker cannot load the script
	logRates      map[time.Duration]int // Per-worker rate of failure/heap log lines
}

// Stats is a snapshot of the dispatcher's run-wide counters.
type Stats struct {
	Submitted uint64 // Data tasks submitted
	Completed uint64 // Data tasks that produced a result
	Failed    uint64 // Data tasks dropped after a script failure
	Reclaims  uint64 // Reclaim passes, forced or policy-triggered
}

// Dispatcher shards tasks by key over a fixed set of workers, each owning one
// ScriptContext, and collects their results in a ResultSink.
type Dispatcher struct {
	options  *DispatcherOption
	factory  ScriptContextFactory
	platform *platformGuard
	script   atomic.Pointer[Script]

	logger      *slog.Logger
	logLimiter  *catrate.Limiter
	diagnostics io.Writer
	batchHook   func(BatchReport)

	shards   []*shard
	sink     *ResultSink
	stat     statTracker
	heap     heapPolicy
	shutdown atomic.Bool

	mu       sync.Mutex // guards the lifecycle fields below
	wg       sync.WaitGroup
	workers  []*worker
	started  bool
	running  bool
	released bool

	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	reclaims  atomic.Uint64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// New creates a dispatcher and its shards. Workers are spawned by Start.
func New(opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		logger: slog.Default(),
		options: &DispatcherOption{
			workerCount: runtime.GOMAXPROCS(0), // Default to CPU count
			entryPoint:  DefaultEntryPoint,
			heapLimit:   DefaultHeapLimit,
			logRates: map[time.Duration]int{
				time.Second: 10,
				time.Minute: 100,
			},
		},
		sink: NewResultSink(),
	}

	for _, opt := range opts {
		opt(d)
	}

	if d.factory == nil {
		return nil, ErrNoContextFactory
	}
	if d.options.workerCount <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrWorkerCount, d.options.workerCount)
	}
	if err := d.currentScript().validate(); err != nil {
		return nil, err
	}
	if _, _, err := ParseEntryPoint(d.options.entryPoint); err != nil {
		return nil, err
	}
	if d.platform == nil {
		d.platform = newPlatformGuard(nil)
	}
	if len(d.options.logRates) > 0 {
		if err := checkLogRates(d.options.logRates); err != nil {
			return nil, err
		}
		d.logLimiter = catrate.NewLimiter(d.options.logRates)
	}
	d.heap = heapPolicy{limit: d.options.heapLimit}

	d.shards = make([]*shard, d.options.workerCount)
	for i := range d.shards {
		d.shards[i] = newShard()
	}
	return d, nil
}

// Create builds a dispatcher with workerCount workers running script, and
// starts it.
func Create(workerCount int, script *Script, opts ...Option) (*Dispatcher, error) {
	if workerCount <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrWorkerCount, workerCount)
	}
	opts = append([]Option{WithWorkerCount(workerCount), WithScript(script)}, opts...)
	d, err := New(opts...)
	if err != nil {
		return nil, err
	}
	if err := d.Start(); err != nil {
		return nil, err
	}
	return d, nil
}

// Start initializes the platform and spawns one worker per shard. It returns
// once the workers are spawned unless strict startup is enabled, in which case
// it waits for every worker to load the script.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return ErrReleased
	}
	if d.started {
		return ErrAlreadyStarted
	}
	if err := d.platform.initialize(); err != nil {
		return fmt.Errorf("failed to initialize platform: %w", err)
	}
	d.started = true
	return d.spawnWorkers()
}

// Submit queues a data task on shard key % WorkerCount. It never blocks on
// script execution and always succeeds; tasks submitted after Shutdown are
// never executed. onResult receives the result text when the caller drains it.
func (d *Dispatcher) Submit(payload string, key uint32, onResult func(string)) {
	d.submitted.Add(1)
	d.shardFor(key).push(&task{
		payload:  payload,
		key:      key,
		callback: onResult,
	})
}

func (d *Dispatcher) shardFor(key uint32) *shard {
	return d.shards[key%uint32(len(d.shards))]
}

// StartStat arms batch-latency measurement for the next expected successful
// completions and returns the batch id. Only one batch is measured at a time.
func (d *Dispatcher) StartStat(expected int) string {
	id := d.stat.start(expected)
	d.logger.Debug("Batch measurement started", "batch", id, "expected", expected)
	return id
}

// Broadcast queues a control command on every shard, keyed by shard index.
// Each worker runs it after the tasks already queued ahead of it. If ack is
// not nil it receives an empty result once per worker.
func (d *Dispatcher) Broadcast(c Control, ack func(string)) {
	d.broadcast(&task{control: c, callback: ack})
}

func (d *Dispatcher) broadcast(tmpl *task) {
	for i, s := range d.shards {
		t := *tmpl
		t.key = uint32(i)
		s.push(&t)
	}
}

// GarbageCollect forces a reclaim pass on every worker context.
func (d *Dispatcher) GarbageCollect() {
	d.Broadcast(ControlGC, nil)
}

// PrintMemoryInfo makes every worker report its heap statistics.
func (d *Dispatcher) PrintMemoryInfo() {
	d.Broadcast(ControlShowMem, nil)
}

// Reload replaces the script. Running workers rebuild their context when the
// reload command reaches them; workers spawned later load it directly. If ack
// is not nil it receives an empty result once per worker.
func (d *Dispatcher) Reload(script *Script, ack func(string)) error {
	if err := script.validate(); err != nil {
		return err
	}
	d.setScript(script)
	d.broadcast(&task{control: ControlReload, callback: ack, script: script})
	return nil
}

// Shutdown stops every worker and waits for them to exit. Tasks still queued
// are abandoned and their callbacks never run. Calling it again is a no-op.
func (d *Dispatcher) Shutdown() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopWorkers()
	return nil
}

// CloseVM is an alias of Shutdown.
func (d *Dispatcher) CloseVM() error {
	return d.Shutdown()
}

// Release shuts the dispatcher down and disposes the platform. A released
// dispatcher cannot be started or rebooted.
func (d *Dispatcher) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return ErrReleased
	}
	d.stopWorkers()
	d.released = true
	if err := d.platform.dispose(); err != nil {
		return fmt.Errorf("failed to dispose platform: %w", err)
	}
	d.logger.Debug("Dispatcher released")
	return nil
}

// Reboot spawns fresh workers after Shutdown without initializing the
// platform again. Tasks left in the shards are processed by the new workers.
// If script is not nil it replaces the current script first.
func (d *Dispatcher) Reboot(script *Script) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.released:
		return ErrReleased
	case !d.started:
		return ErrNotStarted
	case d.running:
		return ErrRunning
	}
	if script != nil {
		if err := script.validate(); err != nil {
			return err
		}
		d.setScript(script)
	}
	d.logger.Debug("Rebooting dispatcher", "workers", len(d.shards))
	return d.spawnWorkers()
}

// DrainResults returns every result collected since the previous drain.
func (d *Dispatcher) DrainResults() []Result {
	return d.sink.Drain()
}

// Deliver drains the sink and invokes each callback in sink order. It returns
// the number of results delivered.
func (d *Dispatcher) Deliver() int {
	results := d.sink.Drain()
	for _, r := range results {
		r.Deliver()
	}
	return len(results)
}

// WorkerCount returns the fixed number of workers and shards.
func (d *Dispatcher) WorkerCount() int {
	return len(d.shards)
}

// Pending returns the number of queued tasks across all shards.
func (d *Dispatcher) Pending() int {
	n := 0
	for _, s := range d.shards {
		n += s.len()
	}
	return n
}

// Stats returns the run-wide counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Submitted: d.submitted.Load(),
		Completed: d.completed.Load(),
		Failed:    d.failed.Load(),
		Reclaims:  d.reclaims.Load(),
	}
}

func (d *Dispatcher) currentScript() *Script {
	return d.script.Load()
}

func (d *Dispatcher) setScript(script *Script) {
	cp := *script
	d.script.Store(&cp)
}

// allowLog reports whether a throttled log line of the given kind may be
// written for a worker.
func (d *Dispatcher) allowLog(worker int, kind string) bool {
	if d.logLimiter == nil {
		return true
	}
	_, ok := d.logLimiter.Allow(logCategory{worker: worker, kind: kind})
	return ok
}

type logCategory struct {
	worker int
	kind   string
}

// checkLogRates rejects rates the limiter would panic on: every count must be
// positive and grow with the window, while the per-window rate shrinks.
func checkLogRates(rates map[time.Duration]int) error {
	windows := make([]time.Duration, 0, len(rates))
	for w := range rates {
		windows = append(windows, w)
	}
	slices.Sort(windows)
	for i, w := range windows {
		n := rates[w]
		if w <= 0 || n <= 0 {
			return fmt.Errorf("invalid log rate %s: %d", w, n)
		}
		if i == 0 {
			continue
		}
		prev := windows[i-1]
		if n <= rates[prev] || float64(n)/float64(w) >= float64(rates[prev])/float64(prev) {
			return fmt.Errorf("log rate %d per %s is not relevant after %d per %s", n, w, rates[prev], prev)
		}
	}
	return nil
}

// lockedWriter serializes diagnostics written by concurrent workers.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// WithContextFactory configures the factory that builds each worker's context
func WithContextFactory(factory ScriptContextFactory) Option {
	return func(d *Dispatcher) {
		d.factory = factory
	}
}

// WithScript configures the script loaded into every context
func WithScript(script *Script) Option {
	return func(d *Dispatcher) {
		if script != nil {
			d.setScript(script)
		}
	}
}

// WithLogger configures the logger for the dispatcher. A nil logger discards
// all output.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger == nil {
			logger = slog.New(slog.DiscardHandler)
		}
		d.logger = logger
	}
}

// WithPlatform configures the process-wide engine runtime.
func WithPlatform(p Platform) Option {
	return func(d *Dispatcher) {
		d.platform = newPlatformGuard(p)
	}
}

// WithWorkerCount sets the number of shards. Zero keeps GOMAXPROCS.
func WithWorkerCount(n int) Option {
	return func(d *Dispatcher) {
		if n != 0 {
			d.options.workerCount = n
		}
	}
}

func WithEntryPoint(name string) Option {
	return func(d *Dispatcher) {
		if name != "" {
			d.options.entryPoint = name
		}
	}
}

// WithHeapLimit sets the total heap size in bytes above which a worker reclaims
// its context after a task. Zero disables the check.
func WithHeapLimit(limit uint64) Option {
	return func(d *Dispatcher) {
		d.options.heapLimit = limit
	}
}

// WithStrictStartup makes Start fail when any worker cannot load the script,
// instead of running with fewer workers.
func WithStrictStartup(strict bool) Option {
	return func(d *Dispatcher) {
		d.options.strictStartup = strict
	}
}

// WithLogRate limits how many failure and heap-pressure lines each worker may
// log per window. An empty map disables throttling.
func WithLogRate(rates map[time.Duration]int) Option {
	return func(d *Dispatcher) {
		d.options.logRates = rates
	}
}

// WithDiagnostics configures a writer that receives the heap report of every
// show-memory command.
func WithDiagnostics(w io.Writer) Option {
	return func(d *Dispatcher) {
		if w != nil {
			d.diagnostics = &lockedWriter{w: w}
		}
	}
}

// WithBatchHook configures a function called, on the worker goroutine, when a
// measured batch completes. It must not call lifecycle methods.
func WithBatchHook(hook func(BatchReport)) Option {
	return func(d *Dispatcher) {
		d.batchHook = hook
	}
}
