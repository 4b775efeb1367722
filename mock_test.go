// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package shardpool

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// mockUnit is the compiled form produced by mockContext.
type mockUnit struct{ name string }

func (u *mockUnit) Name() string { return u.name }

// mockEntry is the entry point resolved by mockContext.
type mockEntry struct{ name string }

func (e *mockEntry) Name() string { return e.name }

// mockContext is a simple mock implementation of ScriptContext for testing.
type mockContext struct {
	mu       sync.Mutex
	id       int64    // Creation order, starting at 1
	script   *Script  // Last script compiled
	invoked  []string // Payloads passed to Invoke
	reclaims int      // Number of Reclaim calls
	closed   bool     // Whether Close was called
	heap     HeapStats

	compileFunc func(script *Script) error                       // Custom Compile behavior (if set)
	invokeFunc  func(key uint32, payload string) (string, error) // Custom Invoke behavior (if set)
	closeFunc   func() error                                     // Custom Close behavior (if set)
	reclaimFunc func()                                           // Custom Reclaim behavior (if set)
}

func (m *mockContext) Compile(script *Script) (CompiledScript, error) {
	m.mu.Lock()
	m.script = script
	m.mu.Unlock()
	if m.compileFunc != nil {
		if err := m.compileFunc(script); err != nil {
			return nil, err
		}
	}
	return &mockUnit{name: script.FileName}, nil
}

func (m *mockContext) Run(unit CompiledScript) error {
	return nil
}

func (m *mockContext) ResolveEntryPoint(name string) (EntryPoint, error) {
	return &mockEntry{name: name}, nil
}

func (m *mockContext) Invoke(entry EntryPoint, key uint32, payload string) (string, error) {
	m.mu.Lock()
	m.invoked = append(m.invoked, payload)
	m.mu.Unlock()
	if m.invokeFunc != nil {
		return m.invokeFunc(key, payload)
	}
	return payload, nil
}

func (m *mockContext) HeapStats() HeapStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.heap
}

func (m *mockContext) Reclaim() {
	m.mu.Lock()
	m.reclaims++
	m.mu.Unlock()
	if m.reclaimFunc != nil {
		m.reclaimFunc()
	}
}

func (m *mockContext) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	if m.closeFunc != nil {
		return m.closeFunc()
	}
	return nil
}

func (m *mockContext) scriptName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.script == nil {
		return ""
	}
	return m.script.FileName
}

// mockFactory records every context it creates. setup, if set, customizes
// each new context before it is returned.
type mockFactory struct {
	mu       sync.Mutex
	created  atomic.Int64
	contexts []*mockContext
	setup    func(m *mockContext)
	err      error // Returned instead of a context when set
}

func (f *mockFactory) factory() ScriptContextFactory {
	return func() (ScriptContext, error) {
		if f.err != nil {
			return nil, f.err
		}
		m := &mockContext{id: f.created.Add(1)}
		if f.setup != nil {
			f.setup(m)
		}
		f.mu.Lock()
		f.contexts = append(f.contexts, m)
		f.mu.Unlock()
		return m, nil
	}
}

func (f *mockFactory) all() []*mockContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*mockContext(nil), f.contexts...)
}

// mockPlatform counts Initialize and Dispose calls.
type mockPlatform struct {
	inits    atomic.Int32
	disposes atomic.Int32
	initErr  error
}

func (p *mockPlatform) Initialize() error {
	p.inits.Add(1)
	return p.initErr
}

func (p *mockPlatform) Dispose() error {
	p.disposes.Add(1)
	return nil
}

var testScript = &Script{FileName: "test.js", Content: "function onTask(key, payload) { return payload; }"}

var errMockInvoke = errors.New("mock invoke failed")

// newTestDispatcher creates and starts a dispatcher over f with n workers.
func newTestDispatcher(t *testing.T, f *mockFactory, n int, opts ...Option) *Dispatcher {
	t.Helper()
	opts = append([]Option{
		WithContextFactory(f.factory()),
		WithScript(testScript),
		WithWorkerCount(n),
		WithLogger(slog.New(slog.DiscardHandler)),
	}, opts...)
	d, err := New(opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = d.Release() })
	return d
}

// collector gathers delivered results.
type collector struct {
	mu    sync.Mutex
	texts []string
}

func (c *collector) callback(text string) {
	c.mu.Lock()
	c.texts = append(c.texts, text)
	c.mu.Unlock()
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.texts...)
}

// deliverUntil delivers results until n callbacks have run or the timeout expires.
func deliverUntil(t *testing.T, d *Dispatcher, c *collector, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		d.Deliver()
		if got := c.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d results, got %v", n, c.snapshot())
	return nil
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
