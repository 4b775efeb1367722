// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package shardpool

import "sync"

// ResultSink collects results from every worker in completion order. It is
// safe for concurrent use.
type ResultSink struct {
	mu      sync.Mutex
	results []Result
}

// NewResultSink creates an empty sink.
func NewResultSink() *ResultSink {
	return &ResultSink{}
}

// Push appends a result.
func (s *ResultSink) Push(r Result) {
	s.mu.Lock()
	s.results = append(s.results, r)
	s.mu.Unlock()
}

// Drain swaps out and returns everything pushed since the previous drain.
func (s *ResultSink) Drain() []Result {
	s.mu.Lock()
	out := s.results
	s.results = nil
	s.mu.Unlock()
	return out
}

// Len returns the number of results waiting to be drained.
func (s *ResultSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}
