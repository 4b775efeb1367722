// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package shardpool

import (
	"sync/atomic"
	"testing"
	"time"
)

// TestShard_FIFO tests that tasks are popped in push order.
func TestShard_FIFO(t *testing.T) {
	s := newShard()
	var shutdown atomic.Bool
	for _, p := range []string{"a", "b", "c"} {
		s.push(&task{payload: p})
	}
	if s.len() != 3 {
		t.Fatalf("expected 3 tasks, got %d", s.len())
	}
	for _, want := range []string{"a", "b", "c"} {
		got, ok := s.pop(&shutdown)
		if !ok || got.payload != want {
			t.Errorf("expected %s, got %+v (ok=%v)", want, got, ok)
		}
	}
	if s.len() != 0 || s.head != 0 {
		t.Errorf("expected drained shard to reset, len=%d head=%d", s.len(), s.head)
	}
}

// TestShard_PopBlocks tests that pop waits for a push.
func TestShard_PopBlocks(t *testing.T) {
	s := newShard()
	var shutdown atomic.Bool
	got := make(chan string, 1)
	go func() {
		if tk, ok := s.pop(&shutdown); ok {
			got <- tk.payload
		}
	}()

	select {
	case p := <-got:
		t.Fatalf("pop returned %s before push", p)
	case <-time.After(20 * time.Millisecond):
	}

	s.push(&task{payload: "late"})
	select {
	case p := <-got:
		if p != "late" {
			t.Errorf("expected late, got %s", p)
		}
	case <-time.After(time.Second):
		t.Fatal("pop did not wake up")
	}
}

// TestShard_Shutdown tests that a waiting pop returns on shutdown and that
// queued tasks are abandoned.
func TestShard_Shutdown(t *testing.T) {
	s := newShard()
	var shutdown atomic.Bool
	done := make(chan bool, 1)
	go func() {
		_, ok := s.pop(&shutdown)
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	shutdown.Store(true)
	s.wake()
	select {
	case ok := <-done:
		if ok {
			t.Error("pop should fail after shutdown")
		}
	case <-time.After(time.Second):
		t.Fatal("pop did not observe shutdown")
	}

	s.push(&task{payload: "queued"})
	if _, ok := s.pop(&shutdown); ok {
		t.Error("queued task should be abandoned after shutdown")
	}
	if s.len() != 1 {
		t.Errorf("abandoned task should stay queued, len=%d", s.len())
	}

	shutdown.Store(false)
	if tk, ok := s.pop(&shutdown); !ok || tk.payload != "queued" {
		t.Errorf("expected queued task after restart, got %+v", tk)
	}
}
