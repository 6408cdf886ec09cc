// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package projecttype defines the ProjectType interface the build-domain
// core depends on but does not implement (spec §6), plus ShellProjectType,
// a default implementation that fetches nothing and shells out directly in
// an existing working directory.
package projecttype

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/clusterrunner/clusterrunner/internal/jobconfig"
)

// ProjectType is the pluggable source-fetching + shell-exec abstraction
// the core depends on (spec §6). Real implementations (git checkout,
// docker container, directory-in-place) live outside this module's scope;
// ShellProjectType below is the directory-in-place case.
type ProjectType interface {
	// FetchProject materializes the project tree on the local
	// filesystem. Runs once per machine per build.
	FetchProject(ctx context.Context) error

	// JobConfig returns the parsed JobConfig for this project, either
	// from an inlined config in the build request or from a
	// well-known file in the fetched tree.
	JobConfig() (*jobconfig.JobConfig, error)

	// ExecuteCommand runs cmd inside the project directory with the
	// given additional environment variables, writing combined
	// stdout+stderr to output. Returns the command's exit code.
	ExecuteCommand(ctx context.Context, cmd string, envVars map[string]string, timeout time.Duration, output io.Writer) (exitCode int, err error)

	// WorkerParamOverrides returns values merged into the project-type
	// params sent to a worker (e.g. rewriting a git URL to point at
	// the manager).
	WorkerParamOverrides() map[string]string

	// TimingFilePath returns the filesystem path for jobName's
	// historical atom timing data.
	TimingFilePath(jobName string) string

	// ProjectID is an opaque string used as the preparation-mutex key
	// (e.g. a repo path).
	ProjectID() string

	// AtomsOverride returns the build request's explicit atom value
	// list, if any; when non-nil, atomization is skipped.
	AtomsOverride() []string

	// ProjectDirectory is the absolute path atom commands are relative
	// to, used to strip the checkout-specific prefix before looking up
	// historical timing data (spec §9).
	ProjectDirectory() string
}

// ShellProjectType is a ProjectType that assumes the project directory
// already exists on disk (fetched out of band) and simply shells out
// inside it.
type ShellProjectType struct {
	Directory    string
	Config       *jobconfig.JobConfig
	JobName      string
	TimingRoot   string
	Overrides    map[string]string
	AtomsList    []string
	ProjectIDStr string
}

// NewShellProjectType builds a ShellProjectType rooted at directory,
// using the given already-parsed job config.
func NewShellProjectType(directory string, cfg *jobconfig.JobConfig) *ShellProjectType {
	return &ShellProjectType{Directory: directory, Config: cfg, ProjectIDStr: directory}
}

// JobConfig returns the inlined config if one was supplied at
// construction; otherwise it loads and parses the well-known
// clusterrunner.yaml file out of the project directory (spec §6).
func (p *ShellProjectType) JobConfig() (*jobconfig.JobConfig, error) {
	if p.Config != nil {
		return p.Config, nil
	}
	return LoadConfigFile(p.Directory, p.JobName)
}

func (p *ShellProjectType) FetchProject(ctx context.Context) error { return nil }

func (p *ShellProjectType) ExecuteCommand(ctx context.Context, cmdStr string, envVars map[string]string, timeout time.Duration, output io.Writer) (int, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", cmdStr)
	cmd.Dir = p.Directory
	cmd.Env = mergedEnv(envVars)

	var buf bytes.Buffer
	var out io.Writer = &buf
	if output != nil {
		out = io.MultiWriter(output, &buf)
	}
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func (p *ShellProjectType) WorkerParamOverrides() map[string]string { return p.Overrides }

func (p *ShellProjectType) TimingFilePath(jobName string) string {
	root := p.TimingRoot
	if root == "" {
		root = p.Directory + "/.clusterrunner_timings"
	}
	return root + "/" + jobName + ".json"
}

func (p *ShellProjectType) ProjectID() string { return p.ProjectIDStr }

func (p *ShellProjectType) AtomsOverride() []string { return p.AtomsList }

func (p *ShellProjectType) ProjectDirectory() string { return p.Directory }

func mergedEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
