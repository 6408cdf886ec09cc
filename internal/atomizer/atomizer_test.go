// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package atomizer_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterrunner/clusterrunner/internal/atomizer"
	"github.com/clusterrunner/clusterrunner/internal/jobconfig"
	"github.com/clusterrunner/clusterrunner/internal/projecttype"
)

func TestAtomizeKeyedSpec(t *testing.T) {
	pt := projecttype.NewShellProjectType(t.TempDir(), nil)
	specs := []jobconfig.AtomizerSpec{
		{EnvVarName: "TEST_NAME", Command: "printf 'a\\nb\\nc\\n'"},
	}

	atoms, err := atomizer.Atomize(context.Background(), pt, specs)
	require.NoError(t, err)
	require.Len(t, atoms, 3)
	assert.Equal(t, `export TEST_NAME="a";`, atoms[0].CommandString)
	assert.Equal(t, `export TEST_NAME="b";`, atoms[1].CommandString)
	assert.Equal(t, `export TEST_NAME="c";`, atoms[2].CommandString)
}

func TestAtomizeFreeformSpec(t *testing.T) {
	pt := projecttype.NewShellProjectType(t.TempDir(), nil)
	specs := []jobconfig.AtomizerSpec{{Command: "echo literal"}}

	atoms, err := atomizer.Atomize(context.Background(), pt, specs)
	require.NoError(t, err)
	require.Len(t, atoms, 1)
	assert.Equal(t, "echo literal", atoms[0].CommandString)
}

func TestAtomizeFailsOnNonZeroExit(t *testing.T) {
	pt := projecttype.NewShellProjectType(t.TempDir(), nil)
	specs := []jobconfig.AtomizerSpec{{EnvVarName: "X", Command: "exit 1"}}

	_, err := atomizer.Atomize(context.Background(), pt, specs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "X")
}

func TestAtomizeSkipsTrailingEmptyLines(t *testing.T) {
	pt := projecttype.NewShellProjectType(t.TempDir(), nil)
	specs := []jobconfig.AtomizerSpec{{EnvVarName: "X", Command: "printf 'only\\n\\n\\n'"}}

	atoms, err := atomizer.Atomize(context.Background(), pt, specs)
	require.NoError(t, err)
	require.Len(t, atoms, 1)
}

func TestAtomizeOverrideSkipsAtomization(t *testing.T) {
	pt := &projecttype.ShellProjectType{Directory: t.TempDir(), AtomsList: []string{"override1", "override2"}}
	specs := []jobconfig.AtomizerSpec{{EnvVarName: "X", Command: "exit 1"}}

	atoms, err := atomizer.Atomize(context.Background(), pt, specs)
	require.NoError(t, err)
	require.Len(t, atoms, 2)
	assert.Equal(t, "override1", atoms[0].CommandString)
}
