// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package shardpool

import (
	"sync"
	"sync/atomic"
)

// shard is the FIFO task queue owned by a single worker. Any goroutine may push;
// only the owning worker pops.
type shard struct {
	mu    sync.Mutex
	cond  *sync.Cond
	tasks []*task
	head  int // index of the next task to pop
}

func newShard() *shard {
	s := &shard{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// push appends a task and wakes the owning worker.
func (s *shard) push(t *task) {
	s.mu.Lock()
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()
	s.cond.Signal()
}

// pop blocks until a task is available or shutdown is set. Once shutdown is
// set it returns false even if tasks remain queued; those are abandoned.
func (s *shard) pop(shutdown *atomic.Bool) (*task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !shutdown.Load() && s.head == len(s.tasks) {
		s.cond.Wait()
	}
	if shutdown.Load() {
		return nil, false
	}
	t := s.tasks[s.head]
	s.tasks[s.head] = nil
	s.head++
	if s.head == len(s.tasks) {
		// Reuse the backing array once drained.
		s.tasks = s.tasks[:0]
		s.head = 0
	}
	return t, true
}

// wake must be called after shutdown is set so a waiting worker re-checks it
// under the shard lock.
func (s *shard) wake() {
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
}

// len returns the number of queued tasks.
func (s *shard) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks) - s.head
}
