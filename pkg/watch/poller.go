// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package watch provides a polling-based heartbeat sweeper for worker
// liveness.
package watch

import (
	"context"
	"sync"
	"time"
)

// DefaultSweepInterval is the default interval between heartbeat sweeps.
const DefaultSweepInterval = 30 * time.Second

// StaleWorker describes a worker as observed by a single sweep, regardless
// of whether it turns out to be stale.
type StaleWorker struct {
	WorkerID      int32
	URL           string
	LastHeartbeat time.Time
}

// SweepEvent is emitted when a sweep marks a worker dead.
type SweepEvent struct {
	EventType     string // "worker_marked_dead"
	WorkerID      int32
	URL           string
	LastHeartbeat time.Time
	EventTime     time.Time
}

// ScanFunc returns the set of currently alive workers and their last known
// heartbeat times, as of the call.
type ScanFunc func(ctx context.Context) ([]StaleWorker, error)

// MarkDeadFunc marks a worker dead in the caller's registry. It is called
// once per worker found stale in a sweep.
type MarkDeadFunc func(ctx context.Context, workerID int32) error

// HeartbeatSweeper runs on a fixed interval (the manager's
// unresponsive_workers_cleanup_interval), scanning alive workers and
// marking any whose last heartbeat is older than the unresponsive
// threshold as dead.
type HeartbeatSweeper struct {
	scan     ScanFunc
	markDead MarkDeadFunc

	interval    time.Duration
	unresponsive time.Duration
	bufferSize  int

	mu sync.Mutex
}

// NewHeartbeatSweeper creates a sweeper that scans with scan and marks
// stale workers dead with markDead. unresponsive is the staleness
// threshold: any worker whose last heartbeat predates now-unresponsive is
// marked dead.
func NewHeartbeatSweeper(scan ScanFunc, markDead MarkDeadFunc, unresponsive time.Duration) *HeartbeatSweeper {
	return &HeartbeatSweeper{
		scan:         scan,
		markDead:     markDead,
		interval:     DefaultSweepInterval,
		unresponsive: unresponsive,
		bufferSize:   32,
	}
}

// WithInterval sets a custom sweep interval.
func (s *HeartbeatSweeper) WithInterval(interval time.Duration) *HeartbeatSweeper {
	s.interval = interval
	return s
}

// WithBufferSize sets a custom buffer size for the event channel.
func (s *HeartbeatSweeper) WithBufferSize(size int) *HeartbeatSweeper {
	s.bufferSize = size
	return s
}

// Watch starts the sweep loop and returns a channel of sweep events. The
// channel is closed when ctx is canceled.
func (s *HeartbeatSweeper) Watch(ctx context.Context) (<-chan SweepEvent, error) {
	eventChan := make(chan SweepEvent, s.bufferSize)
	go s.sweepLoop(ctx, eventChan)
	return eventChan, nil
}

func (s *HeartbeatSweeper) sweepLoop(ctx context.Context, eventChan chan<- SweepEvent) {
	defer close(eventChan)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.performSweep(ctx, eventChan)
		}
	}
}

func (s *HeartbeatSweeper) performSweep(ctx context.Context, eventChan chan<- SweepEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	workers, err := s.scan(ctx)
	if err != nil {
		return
	}

	cutoff := time.Now().Add(-s.unresponsive)

	for _, w := range workers {
		if w.LastHeartbeat.After(cutoff) {
			continue
		}

		if err := s.markDead(ctx, w.WorkerID); err != nil {
			continue
		}

		eventChan <- SweepEvent{
			EventType:     "worker_marked_dead",
			WorkerID:      w.WorkerID,
			URL:           w.URL,
			LastHeartbeat: w.LastHeartbeat,
			EventTime:     time.Now(),
		}
	}
}

// SweepOnce runs a single synchronous sweep, useful for tests and for
// manual invocation outside the ticker loop. It returns the events
// produced by the sweep.
func (s *HeartbeatSweeper) SweepOnce(ctx context.Context) ([]SweepEvent, error) {
	workers, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-s.unresponsive)
	var events []SweepEvent

	for _, w := range workers {
		if w.LastHeartbeat.After(cutoff) {
			continue
		}
		if err := s.markDead(ctx, w.WorkerID); err != nil {
			continue
		}
		events = append(events, SweepEvent{
			EventType:     "worker_marked_dead",
			WorkerID:      w.WorkerID,
			URL:           w.URL,
			LastHeartbeat: w.LastHeartbeat,
			EventTime:     time.Now(),
		})
	}

	return events, nil
}
