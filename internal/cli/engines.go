// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"log/slog"
	"sort"

	shardpool "github.com/buke/js-shardpool"
	gojaengine "github.com/buke/js-shardpool/engines/goja"
	quickjsengine "github.com/buke/js-shardpool/engines/quickjs-go"
)

const defaultEngine = "goja"

// engineSpec builds the context factory and platform of one engine.
type engineSpec struct {
	factory  func(cfg shardpool.EngineConfig, logger *slog.Logger) shardpool.ScriptContextFactory
	platform func() shardpool.Platform
}

var engines = map[string]engineSpec{
	"goja": {
		factory: func(cfg shardpool.EngineConfig, _ *slog.Logger) shardpool.ScriptContextFactory {
			var opts []shardpool.ContextOption
			if cfg.MaxStackSize > 0 {
				opts = append(opts, gojaengine.WithMaxCallStackSize(cfg.MaxStackSize))
			}
			if cfg.Console {
				opts = append(opts, gojaengine.WithEnableConsole())
			}
			return gojaengine.NewFactory(opts...)
		},
	},
	"quickjs": {
		factory: func(cfg shardpool.EngineConfig, _ *slog.Logger) shardpool.ScriptContextFactory {
			var opts []shardpool.ContextOption
			if cfg.MemoryLimitMB > 0 {
				opts = append(opts, quickjsengine.WithMemoryLimit(uint64(cfg.MemoryLimitMB)*1024*1024))
			}
			if cfg.MaxStackSize > 0 {
				opts = append(opts, quickjsengine.WithMaxStackSize(uint64(cfg.MaxStackSize)))
			}
			if cfg.GCThreshold != 0 {
				opts = append(opts, quickjsengine.WithGCThreshold(int64(cfg.GCThreshold)))
			}
			return quickjsengine.NewFactory(opts...)
		},
	},
}

// EngineNames returns the registered engine names, sorted.
func EngineNames() []string {
	names := make([]string, 0, len(engines))
	for name := range engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func isValidEngine(name string) bool {
	_, ok := engines[name]
	return ok
}

// newEngine returns the factory and platform options of the named engine.
func newEngine(name string, cfg shardpool.EngineConfig, logger *slog.Logger) ([]shardpool.Option, error) {
	if name == "" {
		name = defaultEngine
	}
	spec, ok := engines[name]
	if !ok {
		return nil, NewExitError(ExitCommandError, "unknown engine "+name)
	}
	opts := []shardpool.Option{shardpool.WithContextFactory(spec.factory(cfg, logger))}
	if spec.platform != nil {
		opts = append(opts, shardpool.WithPlatform(spec.platform()))
	}
	return opts, nil
}
