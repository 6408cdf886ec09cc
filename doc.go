// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

/*
Package clusterrunner documents ClusterRunner, a distributed build
execution system: a manager process accepts build requests, breaks each
build into atoms and groups them into subjobs, and dispatches those
subjobs to a fleet of worker processes over HTTP.

# Overview

A build request names a project directory and a list of shell commands
(atoms). The manager atomizes the request, groups the resulting atoms
into subjobs, and hands the subjobs to whatever workers are currently
idle. Workers execute their assigned subjobs locally and report results
back to the manager as they complete.

The system has two binaries:

  - cmd/clusterrunner-manager: accepts build requests, maintains the
    worker registry and build schedulers, and dispatches subjobs.
  - cmd/clusterrunner-worker: registers with a manager, executes the
    subjobs it's assigned, and reports heartbeats and results.

# Architecture

Manager-side components (internal/):

  - atomizer: expands a JobConfig into a list of Atoms
  - grouper: groups atoms into subjobs by the configured grouping strategy
  - build: tracks a single build's subjobs and overall state
  - worker: the manager's view of a connected worker (proxy + registry)
  - scheduler: assigns subjobs to idle workers for one build at a time
  - allocator: hands idle workers to waiting schedulers
  - requesthandler: validates and queues incoming build requests
  - manager: the facade tying the above together; internal/httpapi
    exposes it over HTTP

Worker-side:

  - executor: runs a subjob's atomic commands in sequence, then reports
    the whole subjob's results to the manager once every command has
    finished

Shared:

  - protocol: the JSON request/response types for the manager<->worker
    wire protocol, and the HMAC request-signing scheme that authenticates
    it (see pkg/auth)
  - eventbus: in-process fan-out of build lifecycle events, consumed by
    the WebSocket and SSE handlers in pkg/streaming

# Ambient packages

pkg/ holds process-wide concerns used by both binaries: pkg/config reads
CLUSTERRUNNER_* environment variables; pkg/logging wraps log/slog;
pkg/errors defines the ClusterRunnerError taxonomy and HTTP error
classification; pkg/retry and pkg/middleware implement the manager's
outbound HTTP client chain to workers; pkg/pool manages one HTTP client
per worker endpoint; pkg/metrics holds the in-process build/worker
counters and gauges.

# Non-goals

ClusterRunner does not fetch source (git clone, docker build) on the
manager's behalf, does not persist build history beyond the in-memory
registry, and does not export metrics to an external system — only the
in-process Registry and its Snapshot() are provided.
*/
package clusterrunner
