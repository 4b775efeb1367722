// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package quickjsengine

import (
	"testing"

	shardpool "github.com/buke/js-shardpool"
	"github.com/stretchr/testify/require"
)

func TestEngineOptions(t *testing.T) {
	tests := []struct {
		name string
		opt  shardpool.ContextOption
		want func(o *EngineOption) bool
	}{
		{"memory limit", WithMemoryLimit(8 << 20), func(o *EngineOption) bool { return o.MemoryLimit == 8<<20 }},
		{"unbounded memory", WithMemoryLimit(0), func(o *EngineOption) bool { return o.MemoryLimit == 0 }},
		{"gc threshold", WithGCThreshold(1 << 16), func(o *EngineOption) bool { return o.GCThreshold == 1<<16 }},
		{"gc disabled", WithGCThreshold(-1), func(o *EngineOption) bool { return o.GCThreshold == -1 }},
		{"timeout", WithTimeout(5), func(o *EngineOption) bool { return o.Timeout == 5 }},
		{"stack size", WithMaxStackSize(1 << 20), func(o *EngineOption) bool { return o.MaxStackSize == 1<<20 }},
		{"can block", WithCanBlock(true), func(o *EngineOption) bool { return o.CanBlock }},
		{"module import", WithEnableModuleImport(true), func(o *EngineOption) bool { return o.ModuleImport }},
		{"strip all", WithStrip(2), func(o *EngineOption) bool { return o.Strip == 2 }},
		{"strip none", WithStrip(0), func(o *EngineOption) bool { return o.Strip == 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, err := newEngine(tt.opt)
			require.NoError(t, err)
			defer engine.Close()
			require.True(t, tt.want(engine.Option), "%+v", *engine.Option)
		})
	}
}

func TestEngineOptions_Defaults(t *testing.T) {
	engine, err := newEngine()
	require.NoError(t, err)
	defer engine.Close()

	require.Equal(t, EngineOption{GCThreshold: -1, Strip: 1}, *engine.Option)
}

func TestEngineOptions_Invalid(t *testing.T) {
	for name, opt := range map[string]shardpool.ContextOption{
		"invalid GC threshold: -2": WithGCThreshold(-2),
		"invalid strip level: -1":  WithStrip(-1),
		"invalid strip level: 3":   WithStrip(3),
	} {
		_, err := newEngine(opt)
		require.EqualError(t, err, name)
	}
}

// Options reject contexts built by other engines.
func TestEngineOptions_ForeignContext(t *testing.T) {
	var other shardpool.ScriptContext = otherContext{}
	for name, opt := range map[string]shardpool.ContextOption{
		"WithGCThreshold":        WithGCThreshold(0),
		"WithMemoryLimit":        WithMemoryLimit(0),
		"WithTimeout":            WithTimeout(0),
		"WithMaxStackSize":       WithMaxStackSize(0),
		"WithCanBlock":           WithCanBlock(true),
		"WithEnableModuleImport": WithEnableModuleImport(true),
		"WithStrip":              WithStrip(1),
	} {
		err := opt(other)
		require.ErrorContains(t, err, "invalid engine type for "+name, name)
	}
}

func TestWithMemoryLimit_HeapStats(t *testing.T) {
	engine, err := newEngine(WithMemoryLimit(64 << 20))
	require.NoError(t, err)
	defer engine.Close()

	require.Equal(t, uint64(64<<20), engine.HeapStats().HeapSizeLimit)
}

type otherContext struct{ shardpool.ScriptContext }
