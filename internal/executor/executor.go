// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package executor implements the worker-side subjob executor (spec §4.9):
// one slot per concurrent atom stream on a worker machine, responsible for
// running a subjob's atomic commands one at a time and capturing each
// atom's output, exit code, and elapsed time.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/clusterrunner/clusterrunner/internal/build"
	"github.com/clusterrunner/clusterrunner/internal/projecttype"
)

// Executor runs one subjob's atomic commands at a time. Its id is stable
// for the life of the worker process and is exposed to atom commands via
// the MACHINE_EXECUTOR_INDEX environment variable.
type Executor struct {
	id int32

	mu          sync.Mutex
	projectType projecttype.ProjectType
	cancel      context.CancelFunc

	currentBuildID  *int32
	currentSubjobID *int32
}

// New constructs an idle Executor.
func New(id int32) *Executor {
	return &Executor{id: id}
}

func (e *Executor) ID() int32 { return e.id }

// Configure sets the ProjectType this executor uses for atom commands. It
// is (re)called once per build, before any subjob is dispatched to it.
func (e *Executor) Configure(pt projecttype.ProjectType) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.projectType = pt
}

// Snapshot is the API-representation shape for one executor (spec §6).
type Snapshot struct {
	ID             int32 `json:"id"`
	CurrentBuildID int32 `json:"current_build"`
	CurrentSubjobID int32 `json:"current_subjob"`
	Busy           bool  `json:"-"`
}

func (e *Executor) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Snapshot{ID: e.id}
	if e.currentBuildID != nil {
		s.CurrentBuildID = *e.currentBuildID
		s.CurrentSubjobID = *e.currentSubjobID
		s.Busy = true
	}
	return s
}

// ExecuteSubjob runs every atomic command in order, capturing console
// output, exit code, and elapsed time for each into a build.AtomResult.
// baseExecutorIndex is the scheduler-assigned BUILD_EXECUTOR_INDEX offset
// for the worker this executor belongs to (spec §4.5's executor indexing).
func (e *Executor) ExecuteSubjob(ctx context.Context, buildID, subjobID int32, atomicCommands []string, baseExecutorIndex int32) build.ResultPayload {
	e.mu.Lock()
	e.currentBuildID = &buildID
	e.currentSubjobID = &subjobID
	pt := e.projectType
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.currentBuildID = nil
		e.currentSubjobID = nil
		e.mu.Unlock()
	}()

	results := make([]build.AtomResult, len(atomicCommands))
	for atomID, cmd := range atomicCommands {
		envVars := map[string]string{
			"ATOM_ID":               fmt.Sprintf("%d", atomID),
			"MACHINE_EXECUTOR_INDEX": fmt.Sprintf("%d", e.id),
			"EXECUTOR_INDEX":        fmt.Sprintf("%d", e.id),
			"BUILD_EXECUTOR_INDEX":  fmt.Sprintf("%d", baseExecutorIndex+e.id),
		}

		runCtx, cancel := context.WithCancel(ctx)
		e.mu.Lock()
		e.cancel = cancel
		e.mu.Unlock()

		var out bytes.Buffer
		start := time.Now()
		exitCode, err := pt.ExecuteCommand(runCtx, cmd, envVars, 0, &out)
		elapsed := time.Since(start).Seconds()
		cancel()

		if err != nil {
			exitCode = -1
		}

		results[atomID] = build.AtomResult{
			AtomID:        atomID,
			Command:       cmd,
			ConsoleOutput: out.Bytes(),
			ExitCode:      exitCode,
			Time:          elapsed,
		}
	}

	e.mu.Lock()
	e.cancel = nil
	e.mu.Unlock()

	return build.ResultPayload{AtomResults: results}
}

// Kill terminates whatever atomic command this executor is currently
// running, if any. Safe to call on an idle executor.
func (e *Executor) Kill() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
