//go:build !windows

// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package v8engine

import (
	"sync"

	shardpool "github.com/buke/js-shardpool"
	"github.com/tommie/v8go"
)

var flagsOnce sync.Once

// Platform sets the process-wide V8 flags before the first isolate is
// created. V8 flags cannot be changed once an isolate exists, so they are
// applied once per process no matter how many dispatchers use the platform.
type Platform struct {
	// Flags are passed to V8 in addition to --expose-gc, which Reclaim needs.
	Flags []string
}

var _ shardpool.Platform = (*Platform)(nil)

// Initialize applies the flags.
func (p *Platform) Initialize() error {
	exposeGC(p.Flags)
	return nil
}

// exposeGC sets --expose-gc plus extra on the first call in the process.
// Engines call it with no extras so gc() exists even without a Platform.
func exposeGC(extra []string) {
	flagsOnce.Do(func() {
		v8go.SetFlags(append([]string{"--expose-gc"}, extra...)...)
	})
}

// Dispose is a no-op; the V8 platform lives until the process exits.
func (p *Platform) Dispose() error {
	return nil
}
