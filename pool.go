// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package shardpool

import (
	"errors"
	"fmt"
)

// spawnWorkers starts one worker per shard. Callers hold d.mu.
func (d *Dispatcher) spawnWorkers() error {
	d.shutdown.Store(false)
	d.workers = make([]*worker, len(d.shards))
	for i := range d.shards {
		w := newWorker(d, i)
		d.workers[i] = w
		d.wg.Add(1)
		go w.run()
	}
	d.running = true

	if d.options.strictStartup {
		var errs []error
		for _, w := range d.workers {
			if err := <-w.initCh; err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			d.stopWorkers()
			return fmt.Errorf("failed to start workers: %w", errors.Join(errs...))
		}
	}

	d.logger.Debug("Workers started",
		"workers", len(d.workers),
		"entryPoint", d.options.entryPoint,
		"heapLimit", d.options.heapLimit,
		"strictStartup", d.options.strictStartup,
	)
	return nil
}

// stopWorkers sets the shutdown latch, wakes every shard and waits for all
// workers to exit. Callers hold d.mu.
func (d *Dispatcher) stopWorkers() {
	if !d.running {
		return
	}
	// The latch must be set before waking so no worker misses it.
	d.shutdown.Store(true)
	for _, s := range d.shards {
		s.wake()
	}
	d.wg.Wait()
	d.running = false
	d.logger.Debug("Workers stopped", "pending", d.Pending())
}

// ActiveWorkers returns the number of workers currently consuming their shard.
// It is lower than WorkerCount when a worker failed to load the script.
func (d *Dispatcher) ActiveWorkers() int {
	n := 0
	for _, s := range d.WorkerStates() {
		if s == WorkerRunning {
			n++
		}
	}
	return n
}

// WorkerStates returns the state of every worker, indexed by shard.
func (d *Dispatcher) WorkerStates() []WorkerState {
	d.mu.Lock()
	workers := d.workers
	d.mu.Unlock()

	states := make([]WorkerState, len(d.shards))
	for i := range states {
		states[i] = WorkerStopped
	}
	for i, w := range workers {
		states[i] = w.getState()
	}
	return states
}
