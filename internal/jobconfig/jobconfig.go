// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package jobconfig defines JobConfig, the immutable per-job definition
// parsed from a project's build configuration document.
package jobconfig

import (
	"math"
	"strings"
)

// DefaultMaxExecutors is used when a job config does not set
// max_executors or max_executors_per_worker: "effectively unbounded".
const DefaultMaxExecutors = math.MaxInt32

// AtomizerSpec is one entry of the atomizers section: either an env-var
// name paired with an enumerate-command, or a freeform shell string
// (EnvVarName == "").
type AtomizerSpec struct {
	EnvVarName string
	Command    string
}

// IsFreeform reports whether this spec is a literal shell string rather
// than an {env_var: command} pair.
func (s AtomizerSpec) IsFreeform() bool {
	return s.EnvVarName == ""
}

// JobConfig is immutable once constructed from a validated config
// document (spec §3).
type JobConfig struct {
	Name                  string
	SetupBuild            string
	TeardownBuild         string
	Command               string
	Atomizers             []AtomizerSpec
	MaxExecutors          int
	MaxExecutorsPerWorker int
}

// New constructs a JobConfig from already-parsed fields, collapsing
// multi-line setup/teardown/command lists per the §3 command-joining rule.
func New(name string, setupBuild, teardownBuild, commands []string, atomizers []AtomizerSpec, maxExecutors, maxExecutorsPerWorker int) *JobConfig {
	if maxExecutors <= 0 {
		maxExecutors = DefaultMaxExecutors
	}
	if maxExecutorsPerWorker <= 0 {
		maxExecutorsPerWorker = DefaultMaxExecutors
	}
	return &JobConfig{
		Name:                  name,
		SetupBuild:            JoinCommands(setupBuild),
		TeardownBuild:         JoinCommands(teardownBuild),
		Command:               JoinCommands(commands),
		Atomizers:             atomizers,
		MaxExecutors:          maxExecutors,
		MaxExecutorsPerWorker: maxExecutorsPerWorker,
	}
}

// JoinCommands collapses a list of shell command lines into a single
// string, joined with " && " between elements except where a preceding
// element ends in "&" (a backgrounded command), in which case a single
// space separates them instead.
func JoinCommands(commands []string) string {
	var b strings.Builder
	for i, command := range commands {
		if command == "" {
			continue
		}
		trimmed := strings.TrimRight(strings.TrimSpace(command), ";")
		b.WriteString(trimmed)
		if i < len(commands)-1 {
			if strings.HasSuffix(strings.TrimSpace(trimmed), "&") {
				b.WriteString(" ")
			} else {
				b.WriteString(" && ")
			}
		}
	}
	joined := strings.TrimSpace(b.String())
	if strings.HasSuffix(joined, "&&") {
		joined = strings.TrimSpace(strings.TrimRight(joined, "&"))
	}
	return joined
}
