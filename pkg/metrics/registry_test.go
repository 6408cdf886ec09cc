// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistryCounters(t *testing.T) {
	r := NewRegistry()

	r.IncBuildsSubmitted()
	r.IncBuildsSubmitted()
	r.IncBuildsFinished()
	r.IncBuildsFailed()
	r.IncSubjobsDispatched()
	r.IncSubjobsDispatched()
	r.IncSubjobsDispatched()
	r.IncSubjobsCompleted()
	r.IncWorkerSetupFailures()

	snap := r.Snapshot()
	assert.Equal(t, int64(2), snap.BuildsSubmittedTotal)
	assert.Equal(t, int64(1), snap.BuildsFinishedTotal)
	assert.Equal(t, int64(1), snap.BuildsFailedTotal)
	assert.Equal(t, int64(3), snap.SubjobsDispatchedTotal)
	assert.Equal(t, int64(1), snap.SubjobsCompletedTotal)
	assert.Equal(t, int64(1), snap.WorkerSetupFailuresTotal)
}

func TestRegistryGauges(t *testing.T) {
	r := NewRegistry()

	r.SetWorkersConnected(5)
	r.SetWorkersIdle(3)
	r.IncBuildsInProgress()
	r.IncBuildsInProgress()
	r.DecBuildsInProgress()

	snap := r.Snapshot()
	assert.Equal(t, int64(5), snap.WorkersConnected)
	assert.Equal(t, int64(3), snap.WorkersIdle)
	assert.Equal(t, int64(1), snap.BuildsInProgress)
}

func TestRegistryZeroValue(t *testing.T) {
	r := NewRegistry()
	snap := r.Snapshot()

	assert.Zero(t, snap.BuildsSubmittedTotal)
	assert.Zero(t, snap.BuildsFinishedTotal)
	assert.Zero(t, snap.BuildsFailedTotal)
	assert.Zero(t, snap.SubjobsDispatchedTotal)
	assert.Zero(t, snap.SubjobsCompletedTotal)
	assert.Zero(t, snap.WorkerSetupFailuresTotal)
	assert.Zero(t, snap.WorkersConnected)
	assert.Zero(t, snap.WorkersIdle)
	assert.Zero(t, snap.BuildsInProgress)
}

func TestRegistryConcurrency(t *testing.T) {
	r := NewRegistry()

	const goroutines = 20
	const perGoroutine = 50

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				r.IncBuildsSubmitted()
				r.IncSubjobsDispatched()
				r.IncBuildsInProgress()
			}
		}()
	}
	wg.Wait()

	snap := r.Snapshot()
	assert.Equal(t, int64(goroutines*perGoroutine), snap.BuildsSubmittedTotal)
	assert.Equal(t, int64(goroutines*perGoroutine), snap.SubjobsDispatchedTotal)
	assert.Equal(t, int64(goroutines*perGoroutine), snap.BuildsInProgress)
}
