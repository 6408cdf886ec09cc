// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the JSON wire DTOs exchanged between the
// manager and worker processes, one type per row of spec §6's endpoint
// table. internal/httpapi marshals/unmarshals these directly; nothing in
// the domain core (internal/build, internal/worker, ...) imports this
// package, keeping wire shape changes isolated from domain logic.
package protocol

import (
	"encoding/json"

	"github.com/clusterrunner/clusterrunner/internal/build"
)

// SetupRequest is the body of POST /v1/build/{id}/setup.
type SetupRequest struct {
	ProjectTypeParams       map[string]string `json:"project_type_params"`
	BuildExecutorStartIndex int32             `json:"build_executor_start_index"`
}

// SubjobRequest is the body of POST /v1/build/{id}/subjob/{sid}.
type SubjobRequest struct {
	AtomicCommands []string `json:"atomic_commands"`
}

// SubjobResponse is the 200 response to SubjobRequest.
type SubjobResponse struct {
	ExecutorID int32 `json:"executor_id"`
}

// AliveResponse is the body of GET /v1.
type AliveResponse struct {
	Worker AliveWorkerStatus `json:"worker"`
}

// AliveWorkerStatus is the nested {worker: {is_alive: bool}} shape.
type AliveWorkerStatus struct {
	IsAlive bool `json:"is_alive"`
}

// WorkerConnectRequest is the body of POST /v1/worker.
type WorkerConnectRequest struct {
	Worker       string `json:"worker"`
	NumExecutors int32  `json:"num_executors"`
	SessionID    string `json:"session_id"`
}

// WorkerConnectResponse is the 200 response to WorkerConnectRequest.
type WorkerConnectResponse struct {
	WorkerID int32 `json:"worker_id"`
}

// WorkerStateUpdateRequest is the body of PUT /v1/worker/{id}.
type WorkerStateUpdateRequest struct {
	Worker WorkerStateBody `json:"worker"`
}

// WorkerStateBody is the nested {worker: {state: ...}} shape.
type WorkerStateBody struct {
	State string `json:"state"`
}

// NewBuildRequest is the body of the build-submission endpoint (POST
// /v1/build); internal/httpapi decodes it before calling
// manager.Manager.HandleRequestForNewBuild.
type NewBuildRequest struct {
	Type          string            `json:"type"`
	Params        map[string]string `json:"-"`
	JobName       string            `json:"job_name"`
	AtomsOverride []string          `json:"atoms_override,omitempty"`
}

// UnmarshalJSON decodes NewBuildRequest, treating every top-level field
// besides "type"/"job_name"/"atoms_override" as a ProjectType param,
// mirroring the original's freeform build-request param bag.
func (r *NewBuildRequest) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	r.Params = make(map[string]string)
	for k, v := range raw {
		switch k {
		case "type":
			if s, ok := v.(string); ok {
				r.Type = s
			}
		case "job_name":
			if s, ok := v.(string); ok {
				r.JobName = s
			}
		case "atoms_override":
			if list, ok := v.([]any); ok {
				for _, item := range list {
					if s, ok := item.(string); ok {
						r.AtomsOverride = append(r.AtomsOverride, s)
					}
				}
			}
		default:
			if s, ok := v.(string); ok {
				r.Params[k] = s
			}
		}
	}
	return nil
}

// NewBuildResponse is the success response: {build_id}.
type NewBuildResponse struct {
	BuildID int32 `json:"build_id"`
}

// BuildUpdateRequest is the body of the build-update endpoint; only
// "status": "canceled" is meaningful (spec §4.3/§4.8).
type BuildUpdateRequest struct {
	Status string `json:"status"`
}

// ErrorResponse is the structured {error} envelope returned for any
// validation, not-found, or not-ready failure (spec §7).
type ErrorResponse struct {
	Error string `json:"error"`
}

// SubjobResultRequest is the body of POST /v1/build/{id}/subjob/{sid}/result.
// The original wire protocol uploads a results.tar.gz archive; this
// transmits the same per-atom data as JSON instead (console output
// round-trips as base64 via encoding/json's []byte handling), matching
// the manager's persistSubjobArtifacts, which already expects structured
// per-atom results rather than an archive to unpack (see DESIGN.md).
type SubjobResultRequest struct {
	AtomResults []AtomResultWire   `json:"atom_results"`
	Timings     map[string]float64 `json:"timings"`
}

// AtomResultWire is the wire shape of one build.AtomResult.
type AtomResultWire struct {
	AtomID        int     `json:"atom_id"`
	Command       string  `json:"command"`
	ConsoleOutput []byte  `json:"console_output"`
	ExitCode      int     `json:"exit_code"`
	Time          float64 `json:"time"`
}

// ToResultPayload converts the wire DTO to the domain type.
func (r SubjobResultRequest) ToResultPayload() build.ResultPayload {
	results := make([]build.AtomResult, 0, len(r.AtomResults))
	for _, a := range r.AtomResults {
		results = append(results, build.AtomResult{
			AtomID:        a.AtomID,
			Command:       a.Command,
			ConsoleOutput: a.ConsoleOutput,
			ExitCode:      a.ExitCode,
			Time:          a.Time,
		})
	}
	return build.ResultPayload{AtomResults: results, Timings: r.Timings}
}

// FromResultPayload converts a domain ResultPayload to the wire DTO, used
// by the worker-side HTTP client to build its result-report body.
func FromResultPayload(payload build.ResultPayload) SubjobResultRequest {
	wire := make([]AtomResultWire, 0, len(payload.AtomResults))
	for _, a := range payload.AtomResults {
		wire = append(wire, AtomResultWire{
			AtomID:        a.AtomID,
			Command:       a.Command,
			ConsoleOutput: a.ConsoleOutput,
			ExitCode:      a.ExitCode,
			Time:          a.Time,
		})
	}
	return SubjobResultRequest{AtomResults: wire, Timings: payload.Timings}
}
