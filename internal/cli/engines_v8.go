//go:build !windows

// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"log/slog"

	shardpool "github.com/buke/js-shardpool"
	v8engine "github.com/buke/js-shardpool/engines/v8go"
)

func init() {
	engines["v8"] = engineSpec{
		factory: func(cfg shardpool.EngineConfig, logger *slog.Logger) shardpool.ScriptContextFactory {
			var opts []shardpool.ContextOption
			if cfg.MemoryLimitMB > 0 {
				opts = append(opts, v8engine.WithMemoryLimit(cfg.MemoryLimitMB))
			}
			if cfg.Console {
				opts = append(opts, v8engine.WithConsole(logger))
			}
			return v8engine.NewFactory(opts...)
		},
		platform: func() shardpool.Platform {
			return &v8engine.Platform{}
		},
	}
}
