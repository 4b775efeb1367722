// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package quickjsengine

import (
	"errors"
	"testing"

	shardpool "github.com/buke/js-shardpool"
	"github.com/stretchr/testify/require"
)

func loadEngine(t *testing.T, content, entry string) (*Engine, shardpool.EntryPoint) {
	t.Helper()
	engine, err := newEngine()
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	unit, err := engine.Compile(&shardpool.Script{FileName: "init.js", Content: content})
	require.NoError(t, err)
	require.NoError(t, engine.Run(unit))

	ep, err := engine.ResolveEntryPoint(entry)
	require.NoError(t, err)
	return engine, ep
}

func TestEngine_Compile_ScriptError(t *testing.T) {
	engine, err := newEngine()
	require.NoError(t, err)
	defer engine.Close()

	_, err = engine.Compile(&shardpool.Script{FileName: "bad.js", Content: "function () { syntax error }"})
	require.Error(t, err)

	var se *shardpool.ScriptError
	require.True(t, errors.As(err, &se))
	require.Equal(t, shardpool.PhaseCompile, se.Phase)
	require.Equal(t, "bad.js", se.FileName)
}

func TestEngine_Run_Exception(t *testing.T) {
	engine, err := newEngine()
	require.NoError(t, err)
	defer engine.Close()

	unit, err := engine.Compile(&shardpool.Script{FileName: "throw.js", Content: "throw new Error('boom');"})
	require.NoError(t, err)

	err = engine.Run(unit)
	var se *shardpool.ScriptError
	require.True(t, errors.As(err, &se))
	require.Equal(t, shardpool.PhaseRun, se.Phase)
	require.Contains(t, se.Message, "boom")
}

func TestEngine_ResolveEntryPoint_NotFound(t *testing.T) {
	engine, err := newEngine()
	require.NoError(t, err)
	defer engine.Close()

	unit, err := engine.Compile(&shardpool.Script{FileName: "a.js", Content: "var value = 1;"})
	require.NoError(t, err)
	require.NoError(t, engine.Run(unit))

	_, err = engine.ResolveEntryPoint("value")
	require.ErrorIs(t, err, shardpool.ErrEntryPointNotFound)

	_, err = engine.ResolveEntryPoint("missing.onTask")
	require.ErrorIs(t, err, shardpool.ErrEntryPointNotFound)
}

func TestEngine_Invoke_Success(t *testing.T) {
	engine, ep := loadEngine(t, "function add(key, payload) { return key + payload.length; }", "add")

	text, err := engine.Invoke(ep, 2, "abc")
	require.NoError(t, err)
	require.Equal(t, "5", text)
}

func TestEngine_Invoke_DottedEntryPoint(t *testing.T) {
	engine, ep := loadEngine(t, `
		var goCallJs = {
			seen: 0,
			onReceiveBattleRsp: function (key, payload) {
				this.seen++;
				return payload + "#" + this.seen;
			}
		};`, "goCallJs.onReceiveBattleRsp")

	text, err := engine.Invoke(ep, 1, "a")
	require.NoError(t, err)
	require.Equal(t, "a#1", text)

	text, err = engine.Invoke(ep, 1, "b")
	require.NoError(t, err)
	require.Equal(t, "b#2", text)
}

func TestEngine_Invoke_Exception(t *testing.T) {
	engine, ep := loadEngine(t, "function onTask() { throw new Error('task failed'); }", "onTask")

	_, err := engine.Invoke(ep, 1, "x")
	var se *shardpool.ScriptError
	require.True(t, errors.As(err, &se))
	require.Equal(t, shardpool.PhaseInvoke, se.Phase)
	require.Contains(t, se.Message, "task failed")
}

func TestEngine_Invoke_Undefined(t *testing.T) {
	engine, ep := loadEngine(t, "function onTask() {}", "onTask")

	_, err := engine.Invoke(ep, 1, "x")
	require.ErrorIs(t, err, shardpool.ErrNoReturnValue)
}

func TestEngine_Reclaim(t *testing.T) {
	engine, _ := loadEngine(t, "function onTask() { return 1; }", "onTask")
	require.NotPanics(t, engine.Reclaim)
	require.Zero(t, engine.HeapStats().TotalHeapSize)
}

func TestEngine_Close_Idempotent(t *testing.T) {
	engine, _ := loadEngine(t, "function onTask() { return 1; }", "onTask")
	require.NoError(t, engine.Close())
	require.NoError(t, engine.Close())
}

func TestEngine_NewEngine_OptionError(t *testing.T) {
	opt := func(shardpool.ScriptContext) error { return errors.New("option error") }
	engine, err := newEngine(opt)
	require.Error(t, err)
	require.Nil(t, engine)
}
