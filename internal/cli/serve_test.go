// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeTasksAndCommands(t *testing.T) {
	dir := t.TempDir()
	script := writeFile(t, dir, "echo.js", echoScript)

	stdin := "first\n" +
		":stat 2\n" +
		":showmem\n" +
		":gc\n" +
		"5\tsecond\n" +
		":bogus\n" +
		":stat x\n" +
		":stats\n" +
		":quit\n" +
		"never\n"

	out, _, err := executeRoot(t, stdin, "serve", script, "-w", "1")
	require.NoError(t, err)

	assert.Contains(t, out, "0\tfirst!\n")
	assert.Contains(t, out, "5\tsecond!\n")
	assert.NotContains(t, out, "never")
	assert.Contains(t, out, "heap statistics worker=0")
	assert.Contains(t, out, "error: unknown command :bogus")
	assert.Contains(t, out, `error: invalid task count "x"`)
	assert.Contains(t, out, "submitted=2")
	assert.Regexp(t, `stat [0-9a-f-]{36} started for 2 tasks`, out)
}

func TestServeReload(t *testing.T) {
	dir := t.TempDir()
	script := writeFile(t, dir, "echo.js", echoScript)

	// The reload is read after the first task is queued, so both versions of
	// the script run, in order, on the single worker.
	stdin := "1\tbefore\n:reload\n2\tafter\n"

	out, _, err := executeRoot(t, stdin, "serve", script, "-w", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "1\tbefore!\n")
	assert.Contains(t, out, "2\tafter!\n")
}

func TestServeEOFDrains(t *testing.T) {
	dir := t.TempDir()
	script := writeFile(t, dir, "echo.js", echoScript)

	out, _, err := executeRoot(t, "a\nb\nc\n", "serve", script, "-w", "2")
	require.NoError(t, err)
	assert.Equal(t, []string{"0\ta!", "1\tb!", "2\tc!"}, sortedLines(out))
}

func TestServeReadError(t *testing.T) {
	dir := t.TempDir()
	script := writeFile(t, dir, "echo.js", echoScript)

	// A line longer than the scanner buffer ends the session with an error,
	// after the tasks read before it are drained.
	stdin := "first\n" + strings.Repeat("x", 17*1024*1024) + "\nlast\n"

	out, _, err := executeRoot(t, stdin, "serve", script, "-w", "1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to read input")
	assert.Contains(t, out, "0\tfirst!\n")
	assert.NotContains(t, out, "last")
}

func TestReadLines(t *testing.T) {
	lines, errs := readLines(context.Background(), strings.NewReader("a\n\nb\n"))
	var got []string
	for line := range lines {
		got = append(got, line)
	}
	assert.Equal(t, []string{"a", "b"}, got)
	assert.NoError(t, <-errs)
}
