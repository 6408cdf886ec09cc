// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package build implements the per-build lifecycle state machine (spec
// §3, §4.3): subjob queues, completion bookkeeping, and artifact
// finalization.
package build

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	crerrors "github.com/clusterrunner/clusterrunner/pkg/errors"

	"github.com/clusterrunner/clusterrunner/internal/jobconfig"
	"github.com/clusterrunner/clusterrunner/internal/projecttype"
	"github.com/clusterrunner/clusterrunner/internal/subjob"
)

// State is one of the build lifecycle states of spec §3.
type State string

const (
	Queued    State = "QUEUED"
	Preparing State = "PREPARING"
	Prepared  State = "PREPARED"
	Building  State = "BUILDING"
	Finished  State = "FINISHED"
	Error     State = "ERROR"
	Canceled  State = "CANCELED"
)

// MaxSetupFailures is the fixed threshold (spec §3) after which a build
// is canceled and marked failed.
const MaxSetupFailures = 3

// Request is the validated inputs a build was created from (spec §3's
// build_request field).
type Request struct {
	Type         string
	Params       map[string]string
	JobName      string
	AtomsOverride []string
}

// Build is the root aggregate: one end-to-end user request, producing one
// artifact archive pair.
type Build struct {
	mu sync.Mutex

	buildID     int32
	state       State
	stateTimes  map[State]time.Time
	request     Request
	projectType projecttype.ProjectType
	message     string

	subjobs          []*subjob.Subjob
	unstartedSubjobs *subjobQueue
	inFlightCount    int
	completedCount   int

	jobConfig *jobconfig.JobConfig

	setupFailures int
	isCanceled    bool

	artifactRoot    string
	artifactsTarFile string
	artifactsZipFile string

	failedAtomDirs []string
	hadPrepareCall bool
	hadStartCall   bool
}

// New creates a Build in state QUEUED.
func New(buildID int32, request Request, projectType projecttype.ProjectType, artifactRoot string) *Build {
	b := &Build{
		buildID:          buildID,
		state:            Queued,
		stateTimes:       make(map[State]time.Time),
		request:          request,
		projectType:      projectType,
		unstartedSubjobs: newSubjobQueue(),
		artifactRoot:     artifactRoot,
	}
	b.stateTimes[Queued] = time.Now()
	return b
}

func (b *Build) BuildID() int32 { return b.buildID }

func (b *Build) ProjectType() projecttype.ProjectType { return b.projectType }

func (b *Build) Request() Request { return b.request }

func (b *Build) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Build) StateTime(s State) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateTimes[s]
}

func (b *Build) IsCanceled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isCanceled
}

func (b *Build) Message() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.message
}

func (b *Build) Subjobs() []*subjob.Subjob {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*subjob.Subjob, len(b.subjobs))
	copy(out, b.subjobs)
	return out
}

func (b *Build) JobConfig() *jobconfig.JobConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.jobConfig
}

// UnstartedCount, InFlightCount, CompletedCount back invariant 1 of §8.
func (b *Build) UnstartedCount() int {
	return b.unstartedSubjobs.len()
}

func (b *Build) InFlightCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inFlightCount
}

func (b *Build) CompletedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.completedCount
}

func (b *Build) SetupFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.setupFailures
}

func (b *Build) Artifacts() (tarFile, zipFile string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.artifactsTarFile, b.artifactsZipFile
}

func (b *Build) setState(s State) {
	b.state = s
	b.stateTimes[s] = time.Now()
}

// Prepare populates subjobs and unstarted_subjobs and transitions
// QUEUED->PREPARED. Valid only in QUEUED; a second call raises.
func (b *Build) Prepare(subjobs []*subjob.Subjob, jobConfig *jobconfig.JobConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.hadPrepareCall {
		return crerrors.New(crerrors.ErrorCodeValidationFailed, "build.Prepare called twice")
	}
	if b.state != Queued {
		return crerrors.New(crerrors.ErrorCodeValidationFailed, "build.Prepare is only valid in state QUEUED")
	}

	b.hadPrepareCall = true
	b.subjobs = subjobs
	b.jobConfig = jobConfig
	for _, sj := range subjobs {
		b.unstartedSubjobs.push(sj)
	}
	b.setState(Prepared)
	return nil
}

// MarkStarted transitions PREPARED->BUILDING. First call wins; later
// calls are no-ops.
func (b *Build) MarkStarted() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hadStartCall {
		return
	}
	b.hadStartCall = true
	b.setState(Building)
}

// MarkFailed transitions to ERROR with a recorded message. Terminal.
func (b *Build) MarkFailed(message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.message = message
	b.setState(Error)
}

// PopUnstartedSubjob pops the next subjob from the FIFO, or (nil, false)
// if empty.
func (b *Build) PopUnstartedSubjob() (*subjob.Subjob, bool) {
	return b.unstartedSubjobs.pop()
}

// RequeueSubjob puts a subjob back at the front of the unstarted queue
// after a failed dispatch attempt.
func (b *Build) RequeueSubjob(sj *subjob.Subjob) {
	b.unstartedSubjobs.pushFront(sj)
}

// MarkInFlight increments the in-flight counter when a subjob is
// successfully dispatched.
func (b *Build) MarkInFlight() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inFlightCount++
}

// ResultPayload carries one subjob's per-atom artifacts and timings, as
// reported by a worker.
type ResultPayload struct {
	AtomResults []AtomResult
	Timings     map[string]float64
}

// AtomResult is one atom's captured output, per spec §4.9/§6.
type AtomResult struct {
	AtomID        int
	Command       string
	ConsoleOutput []byte
	ExitCode      int
	Time          float64
}

// CompleteSubjob moves subjobID to completed: decrements in_flight,
// persists the subjob's atom artifacts, accumulates timings. Safe to call
// concurrently for distinct subjobs of the same build. If the build is
// canceled, the payload is still persisted but finalization is not
// attempted from here (the caller checks IsCanceled separately before
// dispatching more work).
func (b *Build) CompleteSubjob(subjobID int32, payload ResultPayload) error {
	sj := b.findSubjob(subjobID)
	if sj == nil {
		return crerrors.NewNotFoundError("subjob", subjobID)
	}

	if err := b.persistSubjobArtifacts(sj, payload); err != nil {
		return crerrors.NewWithCause(crerrors.ErrorCodeServerInternal, "failed to persist subjob artifacts", err)
	}
	sj.AddTimings(payload.Timings)

	b.mu.Lock()
	b.inFlightCount--
	b.completedCount++
	allDone := b.inFlightCount == 0 && b.unstartedSubjobs.len() == 0
	canceled := b.isCanceled
	if allDone && canceled && b.state != Finished && b.state != Error {
		b.setState(Canceled)
	}
	b.mu.Unlock()

	if allDone && !canceled {
		return b.finalize()
	}
	return nil
}

func (b *Build) findSubjob(subjobID int32) *subjob.Subjob {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sj := range b.subjobs {
		if sj.SubjobID() == subjobID {
			return sj
		}
	}
	return nil
}

// persistSubjobArtifacts writes each atom's clusterrunner_command/
// _console_output/_exit_code/_time files into its artifact directory.
func (b *Build) persistSubjobArtifacts(sj *subjob.Subjob, payload ResultPayload) error {
	dir := sj.ArtifactDir(b.artifactRoot)
	for _, atomResult := range payload.AtomResults {
		atomDir := filepath.Join(dir, sj.AtomArtifactDirName(atomResult.AtomID))
		if err := os.RemoveAll(atomDir); err != nil {
			return err
		}
		if err := os.MkdirAll(atomDir, 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(atomDir, subjob.CommandFile), []byte(atomResult.Command), 0o644); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(atomDir, subjob.OutputFile), atomResult.ConsoleOutput, 0o644); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(atomDir, subjob.ExitCodeFile), []byte(fmt.Sprintf("%d", atomResult.ExitCode)), 0o644); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(atomDir, subjob.TimingFile), []byte(fmt.Sprintf("%f", atomResult.Time)), 0o644); err != nil {
			return err
		}
		if atomResult.ExitCode != 0 {
			b.mu.Lock()
			b.failedAtomDirs = append(b.failedAtomDirs, sj.AtomArtifactDirName(atomResult.AtomID))
			b.mu.Unlock()
		}
	}
	return nil
}

// finalize runs the finalization sequence: timing file aggregation (only
// on zero failed atoms), failures.txt (only if any), tar.gz + zip
// archives, then FINISHED.
func (b *Build) finalize() error {
	b.mu.Lock()
	dir := filepath.Join(b.artifactRoot, fmt.Sprintf("%d", b.buildID))
	failed := append([]string(nil), b.failedAtomDirs...)
	jc := b.jobConfig
	b.mu.Unlock()

	if len(failed) == 0 && jc != nil {
		if err := b.writeTimingFile(jc.Name, dir); err != nil {
			b.MarkFailed(err.Error())
			return err
		}
	}

	if len(failed) > 0 {
		failuresPath := filepath.Join(dir, "failures.txt")
		content := ""
		for _, f := range failed {
			content += f + "\n"
		}
		if err := os.WriteFile(failuresPath, []byte(content), 0o644); err != nil {
			b.MarkFailed(err.Error())
			return err
		}
	}

	tarPath := filepath.Join(dir, "results.tar.gz")
	zipPath := filepath.Join(dir, "results.zip")
	if err := archiveTarGz(dir, tarPath); err != nil {
		b.MarkFailed(err.Error())
		return err
	}
	if err := archiveZip(dir, zipPath); err != nil {
		b.MarkFailed(err.Error())
		return err
	}

	b.mu.Lock()
	b.artifactsTarFile = tarPath
	b.artifactsZipFile = zipPath
	b.setState(Finished)
	b.mu.Unlock()
	return nil
}

// writeTimingFile merges this build's per-atom timings (accumulated
// across all subjobs) into the job's historical timing file, replacing
// only the keys present in the new data.
func (b *Build) writeTimingFile(jobName, dir string) error {
	timingPath := b.projectType.TimingFilePath(jobName)

	existing := map[string]float64{}
	if data, err := os.ReadFile(timingPath); err == nil {
		_ = json.Unmarshal(data, &existing)
	}

	b.mu.Lock()
	for _, sj := range b.subjobs {
		for k, v := range sj.Timings() {
			existing[k] = v
		}
	}
	b.mu.Unlock()

	data, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(timingPath), 0o755); err != nil && timingPath != "" {
		// Best-effort; a relative path with no directory component is fine.
	}
	return os.WriteFile(timingPath, data, 0o644)
}

// Cancel sets is_canceled, drains unstarted_subjobs, and transitions to
// CANCELED once in_flight == 0. In-flight subjobs still run to
// completion.
func (b *Build) Cancel() {
	b.mu.Lock()
	b.isCanceled = true
	b.mu.Unlock()

	b.unstartedSubjobs.drain()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inFlightCount == 0 && b.state != Finished && b.state != Error {
		b.setState(Canceled)
	}
}

// IncrementSetupFailures increments the setup-failure counter; returns
// true if the threshold (MaxSetupFailures) has now been reached, in which
// case the caller should cancel the build.
func (b *Build) IncrementSetupFailures() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setupFailures++
	return b.setupFailures >= MaxSetupFailures
}

func archiveTarGz(sourceDir, destPath string) error {
	f, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer f.Close()

	gw := gzip.NewWriter(f)
	defer gw.Close()
	tw := tar.NewWriter(gw)
	defer tw.Close()

	return filepath.Walk(sourceDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || path == sourceDir || path == destPath {
			return err
		}
		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tw, src)
		return err
	})
}

func archiveZip(sourceDir, destPath string) error {
	f, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	defer zw.Close()

	return filepath.Walk(sourceDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || path == sourceDir || path == destPath || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(rel)
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(w, src)
		return err
	})
}
