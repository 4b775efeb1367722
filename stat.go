// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package shardpool

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// for testing purposes
var timeNow = time.Now

// BatchReport describes a measured batch that has completed.
type BatchReport struct {
	ID      string        // Batch id returned by StartStat
	Tasks   int           // Number of successful tasks the batch waited for
	Elapsed time.Duration // Time from StartStat to the last completion
}

// statTracker counts down the successful completions of one measured batch.
// Only one batch is tracked at a time; starting another overwrites it.
type statTracker struct {
	remaining atomic.Int64
	expected  atomic.Int64
	startNano atomic.Int64
	id        atomic.Pointer[string]
}

// start arms a batch of n tasks and returns its id. n <= 0 disarms.
func (s *statTracker) start(n int) string {
	id := uuid.NewString()
	s.id.Store(&id)
	s.expected.Store(int64(n))
	s.startNano.Store(timeNow().UnixNano())
	// remaining is published last so done never pairs a new count with an old start
	if n < 0 {
		n = 0
	}
	s.remaining.Store(int64(n))
	return id
}

// done records one successful completion. It reports true exactly once per
// batch, on the completion that brings the counter to zero.
func (s *statTracker) done() (BatchReport, bool) {
	for {
		v := s.remaining.Load()
		if v <= 0 {
			return BatchReport{}, false
		}
		if !s.remaining.CompareAndSwap(v, v-1) {
			continue
		}
		if v != 1 {
			return BatchReport{}, false
		}
		report := BatchReport{
			Tasks:   int(s.expected.Load()),
			Elapsed: timeNow().Sub(time.Unix(0, s.startNano.Load())),
		}
		if id := s.id.Load(); id != nil {
			report.ID = *id
		}
		return report, true
	}
}

// measuring reports whether a batch is in flight.
func (s *statTracker) measuring() bool {
	return s.remaining.Load() > 0
}
