// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package atom defines the Atom data carrier: the smallest unit of build
// work, parameterized by a single exported environment variable.
package atom

import (
	"fmt"
	"runtime"
)

// State is the lifecycle state of an Atom.
type State string

const (
	NotStarted State = "NOT_STARTED"
	InProgress State = "IN_PROGRESS"
	Completed  State = "COMPLETED"
)

// Atom is the indivisible unit of user work: a single command invocation
// parameterized by one exported environment variable value. Its id is
// assigned when it is grouped into a Subjob (its index within that
// subjob), so Atom itself carries no id.
type Atom struct {
	EnvVarName string
	Value      string

	// CommandString is the platform-appropriate "set this env var"
	// shell phrase, e.g. `export NAME="VALUE";` on POSIX. For a
	// freeform atomizer spec it is the literal spec string instead,
	// with no env-var wrapping.
	CommandString string

	ExpectedTime *float64
	ActualTime   *float64
	ExitCode     *int
	State        State
}

// New builds an Atom whose CommandString exports EnvVarName=Value using
// the host worker's platform-appropriate "set this env var" phrase.
func New(envVarName, value string) *Atom {
	return &Atom{
		EnvVarName:    envVarName,
		Value:         value,
		CommandString: exportCommandForPlatform(envVarName, value),
		State:         NotStarted,
	}
}

// exportCommandForPlatform dispatches to ExportCommand or
// ExportCommandWindows depending on the worker's GOOS.
func exportCommandForPlatform(name, value string) string {
	if runtime.GOOS == "windows" {
		return ExportCommandWindows(name, value)
	}
	return ExportCommand(name, value)
}

// NewLiteral builds an Atom from a freeform shell string with no env-var
// wrapping, used for freeform atomizer specs and the atoms-override path.
func NewLiteral(value string) *Atom {
	return &Atom{
		Value:         value,
		CommandString: value,
		State:         NotStarted,
	}
}

// ExportCommand returns the POSIX shell phrase that exports name=value as
// an environment variable before the job's command runs.
func ExportCommand(name, value string) string {
	return fmt.Sprintf(`export %s="%s";`, name, value)
}

// ExportCommandWindows returns the Windows cmd.exe equivalent of
// ExportCommand, per spec §4.1.
func ExportCommandWindows(name, value string) string {
	return fmt.Sprintf(`set %s=%s&&`, name, value)
}
