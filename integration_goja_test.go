// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package shardpool_test

import (
	"testing"

	shardpool "github.com/buke/js-shardpool"
	gojaengine "github.com/buke/js-shardpool/engines/goja"
)

// TestIntegration_DispatcherWithGoja runs the sharded counter on Goja contexts.
func TestIntegration_DispatcherWithGoja(t *testing.T) {
	runShardedCounter(t, shardpool.WithContextFactory(gojaengine.NewFactory()))
}
