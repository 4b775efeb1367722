// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package shardpool

import "sync"

// Platform is the process-wide engine runtime that must be initialized before
// the first context is created and disposed after the last one is closed.
type Platform interface {
	Initialize() error
	Dispose() error
}

// NopPlatform is used by engines without process-wide state.
type NopPlatform struct{}

func (NopPlatform) Initialize() error { return nil }
func (NopPlatform) Dispose() error    { return nil }

// platformGuard makes sure a Platform is initialized at most once and disposed
// at most once, after which it can never be initialized again.
type platformGuard struct {
	mu          sync.Mutex
	platform    Platform
	initialized bool
	disposed    bool
}

func newPlatformGuard(p Platform) *platformGuard {
	if p == nil {
		p = NopPlatform{}
	}
	return &platformGuard{platform: p}
}

func (g *platformGuard) initialize() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.disposed {
		return ErrReleased
	}
	if g.initialized {
		return nil
	}
	if err := g.platform.Initialize(); err != nil {
		return err
	}
	g.initialized = true
	return nil
}

func (g *platformGuard) dispose() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.initialized || g.disposed {
		return nil
	}
	g.disposed = true
	return g.platform.Dispose()
}
