// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package requesthandler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterrunner/clusterrunner/internal/build"
	"github.com/clusterrunner/clusterrunner/internal/jobconfig"
	"github.com/clusterrunner/clusterrunner/internal/projecttype"
	"github.com/clusterrunner/clusterrunner/internal/requesthandler"
	"github.com/clusterrunner/clusterrunner/internal/scheduler"
	"github.com/clusterrunner/clusterrunner/pkg/logging"
)

func TestHandlerPreparesBuildWithFreeformAtomizer(t *testing.T) {
	dir := t.TempDir()
	jc := jobconfig.New("job", nil, nil, []string{"true"}, []jobconfig.AtomizerSpec{
		{Command: "echo freeform-atom"},
	}, 2, 2)
	pt := projecttype.NewShellProjectType(dir, jc)

	b := build.New(1, build.Request{Type: "directory"}, pt, t.TempDir())

	log := logging.NewLogger(nil)
	pool := scheduler.NewPool(0, log)
	h := requesthandler.New(pool, nil, log, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go h.Run(ctx)

	h.HandleBuildRequest(b)

	require.Eventually(t, func() bool {
		return b.State() == build.Prepared || b.State() == build.Error
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, build.Prepared, b.State())
	assert.Len(t, b.Subjobs(), 1)
}

func TestHandlerMarksBuildFailedOnBadAtomizerCommand(t *testing.T) {
	dir := t.TempDir()
	jc := jobconfig.New("job", nil, nil, []string{"true"}, []jobconfig.AtomizerSpec{
		{EnvVarName: "VAL", Command: "exit 1"},
	}, 2, 2)
	pt := projecttype.NewShellProjectType(dir, jc)

	b := build.New(1, build.Request{Type: "directory"}, pt, t.TempDir())

	log := logging.NewLogger(nil)
	pool := scheduler.NewPool(0, log)
	h := requesthandler.New(pool, nil, log, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go h.Run(ctx)

	h.HandleBuildRequest(b)

	require.Eventually(t, func() bool {
		return b.State() == build.Error
	}, time.Second, 10*time.Millisecond)
}
