// Package dispatchexec implements the subprocess dispatch executor: it
// launches a provider CLI with an exact argv, streams stdout to a contract
// file and stderr to a debug file, and reports exit status once the
// process and its output streams have drained.
package dispatchexec

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/madebymlai/spec-context-mcp/internal/domain"
)

// CommandTemplate names the provider CLI invocation to run.
type CommandTemplate struct {
	Command string
	Args    []string
	Display string
}

// Input is everything one dispatch execution needs.
type Input struct {
	RunID              string
	Role               domain.Role
	TaskID             string
	ProjectPath        string
	Prompt             string
	Provider           domain.Provider
	Command            CommandTemplate
	ContractOutputPath string
	DebugOutputPath    string
}

// Result is what a completed (or failed-to-start) execution reports.
type Result struct {
	ExitCode           int
	Signal             string
	DurationMs         int64
	ContractOutputPath string
	DebugOutputPath    string
}

// Executor runs one dispatch and waits for it to complete.
type Executor interface {
	Execute(ctx context.Context, in Input) (Result, error)
}

func ensureOutputDirs(in Input) error {
	if err := os.MkdirAll(filepath.Dir(in.ContractOutputPath), 0o755); err != nil {
		return err
	}
	return os.MkdirAll(filepath.Dir(in.DebugOutputPath), 0o755)
}

// usesShell reports whether the current platform should invoke the
// provider command through a shell. POSIX platforms never do; Windows
// does, to resolve batch-file and PATHEXT providers correctly.
func usesShell() bool {
	return runtime.GOOS == "windows"
}

func shellWrap(command string, args []string) (string, []string) {
	quoted := make([]string, 0, len(args)+1)
	quoted = append(quoted, command)
	quoted = append(quoted, args...)
	return "cmd", []string{"/C", strings.Join(quoted, " ")}
}

func durationSince(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
