// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package shardpool

import (
	"fmt"
	"strings"
)

// DefaultHeapLimit is the total heap size above which a worker reclaims its
// context after a task. Contexts with default V8 constraints crash a little
// above 500 MiB.
const DefaultHeapLimit uint64 = 450 * 1024 * 1024

// HeapStats is a snapshot of one context's memory usage, in bytes. Engines that
// cannot measure a value report zero.
type HeapStats struct {
	HeapSizeLimit           uint64 `json:"heapSizeLimit" yaml:"heapSizeLimit"`
	TotalHeapSize           uint64 `json:"totalHeapSize" yaml:"totalHeapSize"`
	TotalHeapSizeExecutable uint64 `json:"totalHeapSizeExecutable" yaml:"totalHeapSizeExecutable"`
	TotalPhysicalSize       uint64 `json:"totalPhysicalSize" yaml:"totalPhysicalSize"`
	UsedHeapSize            uint64 `json:"usedHeapSize" yaml:"usedHeapSize"`
}

// FormatHeapReport renders the memory report printed for the show-memory
// control command.
func FormatHeapReport(worker int, s HeapStats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "heap statistics worker=%d\n", worker)
	for _, row := range []struct {
		label string
		bytes uint64
	}{
		{"heap size limit:", s.HeapSizeLimit},
		{"total heap size:", s.TotalHeapSize},
		{"total heap size executable:", s.TotalHeapSizeExecutable},
		{"total physical size:", s.TotalPhysicalSize},
		{"used heap size:", s.UsedHeapSize},
	} {
		fmt.Fprintf(&b, "  %-27s %d KB\n", row.label, row.bytes/1024)
	}
	return b.String()
}

// heapPolicy decides when a worker must reclaim its context. It is checked
// after every data task and is never coordinated across workers.
type heapPolicy struct {
	limit uint64 // 0 disables the policy
}

func (p heapPolicy) exceeded(s HeapStats) bool {
	return p.limit > 0 && s.TotalHeapSize > p.limit
}
