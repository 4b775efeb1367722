// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package shardpool_test

import (
	"testing"

	shardpool "github.com/buke/js-shardpool"
	quickjsengine "github.com/buke/js-shardpool/engines/quickjs-go"
)

// TestIntegration_DispatcherWithQuickJS runs the sharded counter on QuickJS contexts.
func TestIntegration_DispatcherWithQuickJS(t *testing.T) {
	runShardedCounter(t, shardpool.WithContextFactory(quickjsengine.NewFactory(
		quickjsengine.WithMemoryLimit(64*1024*1024),
	)))
}
