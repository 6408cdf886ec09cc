// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package supervisor gives the process's long-lived goroutines (the
// allocator loop, the heartbeat sweeper, the request-handler loop, and
// its per-project preparation goroutines) a shared process-wide panic
// handler: log the panic and stack trace, then tear the process down
// gracefully with a non-zero exit status, same as an unhandled panic
// would, but observable in the logs first.
package supervisor

import (
	"fmt"
	"os"
	"runtime/debug"
	"sync"

	"github.com/clusterrunner/clusterrunner/pkg/logging"
)

// ShutdownFunc performs whatever graceful teardown the process needs
// (e.g. http.Server.Shutdown) before the process exits. It must not
// panic and should return promptly.
type ShutdownFunc func()

// Supervisor recovers panics from goroutines started through Go, logs
// them, and performs a single process-wide graceful shutdown followed by
// os.Exit(1). Multiple supervised goroutines may panic concurrently;
// shutdown still runs exactly once.
type Supervisor struct {
	log      logging.Logger
	shutdown ShutdownFunc
	once     sync.Once
	exit     func(code int)
}

// New creates a Supervisor. shutdown is invoked at most once, by
// whichever supervised goroutine panics first; a nil shutdown is a
// no-op. A nil log discards panic reports, which is never what a real
// process wants but keeps zero-value use safe in tests.
func New(log logging.Logger, shutdown ShutdownFunc) *Supervisor {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	if shutdown == nil {
		shutdown = func() {}
	}
	return &Supervisor{log: log, shutdown: shutdown, exit: os.Exit}
}

// Go runs fn in a new goroutine under name (used only for log
// attribution). A panic inside fn is caught, logged with its stack
// trace, and triggers this Supervisor's shutdown+exit exactly once.
func (s *Supervisor) Go(name string, fn func()) {
	go func() {
		defer s.recoverAndHandle(name)
		fn()
	}()
}

func (s *Supervisor) recoverAndHandle(name string) {
	r := recover()
	if r == nil {
		return
	}
	s.log.Error("unhandled panic in supervised goroutine, shutting down",
		"goroutine", name,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()),
	)
	s.once.Do(func() {
		s.shutdown()
		s.exit(1)
	})
}
