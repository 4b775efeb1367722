// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package shardpool

// Control is an out-of-band command delivered through a worker's shard, so it
// is ordered after every task queued ahead of it.
type Control int

const (
	ControlNone    Control = iota // Ordinary data task
	ControlGC                     // Force a reclaim pass on the context
	ControlShowMem                // Report the context's heap statistics
	ControlReload                 // Rebuild the context from a new script
)

// String returns the string representation of a Control.
func (c Control) String() string {
	switch c {
	case ControlNone:
		return "none"
	case ControlGC:
		return "gc"
	case ControlShowMem:
		return "showmem"
	case ControlReload:
		return "reload"
	default:
		return "unknown"
	}
}

// task is one unit of work queued on a shard.
type task struct {
	control  Control      // ControlNone for data tasks
	payload  string       // Opaque input passed to the entry point
	key      uint32       // Sharding key and correlation id
	callback func(string) // Receives the result text through the sink (may be nil)
	script   *Script      // Replacement script, ControlReload only
}

// Result is the outcome of a consumed task waiting in the ResultSink.
type Result struct {
	Key      uint32
	Text     string
	Callback func(string)
}

// Deliver invokes the result's callback, if any.
func (r Result) Deliver() {
	if r.Callback != nil {
		r.Callback(r.Text)
	}
}
