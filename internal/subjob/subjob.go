// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package subjob defines Subjob, an ordered collection of atoms dispatched
// to one worker as a single unit of work.
package subjob

import (
	"fmt"
	"sync"

	"github.com/clusterrunner/clusterrunner/internal/atom"
	"github.com/clusterrunner/clusterrunner/internal/jobconfig"
)

const (
	ArtifactDirFormat = "artifact_%d_%d"
	OutputFile        = "clusterrunner_console_output"
	ExitCodeFile      = "clusterrunner_exit_code"
	CommandFile       = "clusterrunner_command"
	TimingFile        = "clusterrunner_time"
)

// Subjob is an ordered collection of atoms that a single worker executes
// as one dispatch (spec §3).
type Subjob struct {
	mu sync.Mutex

	buildID   int32
	subjobID  int32
	jobConfig *jobconfig.JobConfig
	atoms     []*atom.Atom

	worker  Worker
	timings map[string]float64
}

// Worker is the subset of internal/worker.Worker's identity that a subjob
// needs to remember who is running it, kept here to avoid a subjob<->worker
// import cycle.
type Worker interface {
	WorkerID() int32
}

// New constructs a Subjob. atoms must already have their per-subjob ids
// implied by their index in the slice.
func New(buildID, subjobID int32, jobConfig *jobconfig.JobConfig, atoms []*atom.Atom) *Subjob {
	return &Subjob{
		buildID:   buildID,
		subjobID:  subjobID,
		jobConfig: jobConfig,
		atoms:     atoms,
		timings:   make(map[string]float64),
	}
}

func (s *Subjob) BuildID() int32  { return s.buildID }
func (s *Subjob) SubjobID() int32 { return s.subjobID }
func (s *Subjob) Atoms() []*atom.Atom {
	return s.atoms
}
func (s *Subjob) JobConfig() *jobconfig.JobConfig { return s.jobConfig }

// AtomicCommands returns the ordered list of strings formed by prefixing
// each atom's exported-variable command to the job's command; the atom id
// for each entry is implicitly its index in the returned slice.
func (s *Subjob) AtomicCommands() []string {
	commands := make([]string, len(s.atoms))
	for i, a := range s.atoms {
		commands[i] = fmt.Sprintf("%s %s", a.CommandString, s.jobConfig.Command)
	}
	return commands
}

// ArtifactDir returns <artifactRoot>/<build_id>, the directory under
// artifactRoot where this subjob's atom artifact directories live.
func (s *Subjob) ArtifactDir(artifactRoot string) string {
	return fmt.Sprintf("%s/%d", artifactRoot, s.buildID)
}

// AtomArtifactDirName returns the artifact_<subjob_id>_<atom_id> directory
// name for the given atom index within this subjob.
func (s *Subjob) AtomArtifactDirName(atomID int) string {
	return fmt.Sprintf(ArtifactDirFormat, s.subjobID, atomID)
}

// MarkInProgress records which worker is now running this subjob.
func (s *Subjob) MarkInProgress(worker Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.worker = worker
}

// RunningOn returns the worker currently running this subjob, or nil.
func (s *Subjob) RunningOn() Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.worker
}

// AddTimings merges atom-command-string -> seconds timing data collected
// from a worker into this subjob's timings map.
func (s *Subjob) AddTimings(timings map[string]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range timings {
		s.timings[k] = v
	}
}

// Timings returns a copy of this subjob's accumulated timing data.
func (s *Subjob) Timings() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64, len(s.timings))
	for k, v := range s.timings {
		out[k] = v
	}
	return out
}
