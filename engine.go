// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package shardpool

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
)

var (
	// ErrEmptyScript is returned when the script to load has no content.
	ErrEmptyScript = errors.New("script is empty")

	// ErrEntryPointNotFound is returned by ResolveEntryPoint when the name does
	// not resolve to a callable function.
	ErrEntryPointNotFound = errors.New("entry point not found")

	// ErrNoReturnValue is returned by Invoke when the entry point returned undefined.
	ErrNoReturnValue = errors.New("entry point did not return a value")
)

// Script is the JavaScript source loaded into every worker context.
type Script struct {
	Content  string // Script content
	FileName string // Script file name for error locations
}

// LoadScript reads a script file from disk.
func LoadScript(path string) (*Script, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script %s: %w", path, err)
	}
	script := &Script{Content: string(content), FileName: path}
	if err := script.validate(); err != nil {
		return nil, fmt.Errorf("failed to load script %s: %w", path, err)
	}
	return script, nil
}

func (s *Script) validate() error {
	if s == nil || strings.TrimSpace(s.Content) == "" {
		return ErrEmptyScript
	}
	return nil
}

// CompiledScript is an engine-specific compiled unit. It is only valid on the
// context that produced it.
type CompiledScript interface {
	Name() string
}

// EntryPoint is a callable resolved from a context's global scope. It is only
// valid on the context that produced it.
type EntryPoint interface {
	Name() string
}

// ScriptContext is one isolated JavaScript execution context.
//
// A context is created by its worker goroutine and never leaves it; adapters
// may assume every call happens on the same OS thread.
type ScriptContext interface {
	// Compile compiles the script without running it.
	Compile(script *Script) (CompiledScript, error)

	// Run executes a compiled script in the context's global scope.
	Run(unit CompiledScript) error

	// ResolveEntryPoint looks up a function by (optionally dotted) name.
	ResolveEntryPoint(name string) (EntryPoint, error)

	// Invoke calls the entry point with (key, payload) and returns the result as text.
	Invoke(entry EntryPoint, key uint32, payload string) (string, error)

	// HeapStats reports the context's current memory usage.
	HeapStats() HeapStats

	// Reclaim performs a blocking garbage collection pass.
	Reclaim()

	// Close releases the context and its allocator.
	Close() error
}

// ScriptContextFactory creates a new ScriptContext. It is always called on the
// goroutine that will own the context.
type ScriptContextFactory func() (ScriptContext, error)

// ContextOption configures a ScriptContext; engine adapters type-assert to their
// concrete context.
type ContextOption func(ScriptContext) error

// ScriptPhase identifies where a script failure was reported.
type ScriptPhase string

const (
	PhaseCompile ScriptPhase = "compile"
	PhaseRun     ScriptPhase = "run"
	PhaseResolve ScriptPhase = "resolve"
	PhaseInvoke  ScriptPhase = "invoke"
)

// ScriptError is an engine-reported syntax or runtime error.
type ScriptError struct {
	Phase    ScriptPhase
	FileName string // script file or entry point name
	Message  string
	Location string // file:line:column when the engine reports one
	Stack    string
	Cause    error
}

func (e *ScriptError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Phase))
	b.WriteString(" error")
	if e.FileName != "" {
		b.WriteString(" in ")
		b.WriteString(e.FileName)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Location != "" {
		b.WriteString(" (")
		b.WriteString(e.Location)
		b.WriteString(")")
	}
	return b.String()
}

func (e *ScriptError) Unwrap() error {
	return e.Cause
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// ParseEntryPoint splits a dotted entry point name into the path of the owner
// object and the function name. "goCallJs.onReceive" yields (["goCallJs"],
// "onReceive"); the owner object is the this-binding of the call. A bare name
// is owned by the global object.
func ParseEntryPoint(name string) (owner []string, fn string, err error) {
	parts := strings.Split(name, ".")
	for _, part := range parts {
		if !identifierPattern.MatchString(part) {
			return nil, "", fmt.Errorf("invalid entry point name %q", name)
		}
	}
	return parts[:len(parts)-1], parts[len(parts)-1], nil
}
