//go:build !windows

// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package v8engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tommie/v8go"
)

var consoleLevels = map[string]slog.Level{
	"log":   slog.LevelInfo,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
	"debug": slog.LevelDebug,
}

// setupConsole replaces globalThis.console with a Go-backed version that
// writes to the configured logger.
func setupConsole(e *Engine) error {
	console, err := v8go.NewObjectTemplate(e.Iso).NewInstance(e.Ctx)
	if err != nil {
		return fmt.Errorf("creating console object: %w", err)
	}

	logger := e.Option.Console
	for method, level := range consoleLevels {
		ft := v8go.NewFunctionTemplate(e.Iso, func(info *v8go.FunctionCallbackInfo) *v8go.Value {
			args := info.Args()
			parts := make([]string, 0, len(args))
			for _, arg := range args {
				parts = append(parts, arg.String())
			}
			logger.Log(context.Background(), level, strings.Join(parts, " "), "source", "console")
			return v8go.Undefined(e.Iso)
		})
		if err := console.Set(method, ft.GetFunction(e.Ctx)); err != nil {
			return fmt.Errorf("setting console.%s: %w", method, err)
		}
	}

	return e.Ctx.Global().Set("console", console)
}
