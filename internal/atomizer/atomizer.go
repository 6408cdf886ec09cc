// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package atomizer runs project-supplied commands that enumerate atom
// values, translating a JobConfig's atomizer specs into a flat list of
// Atoms (spec §4.1).
package atomizer

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/clusterrunner/clusterrunner/internal/atom"
	"github.com/clusterrunner/clusterrunner/internal/jobconfig"
	"github.com/clusterrunner/clusterrunner/internal/projecttype"
)

// Atomize runs each atomizer spec's enumerate-command inside project's
// working directory and builds the resulting Atom list. If the build
// request carried an explicit atoms override, that list is wrapped into
// Atoms verbatim and atomization is skipped entirely.
func Atomize(ctx context.Context, project projecttype.ProjectType, specs []jobconfig.AtomizerSpec) ([]*atom.Atom, error) {
	if override := project.AtomsOverride(); override != nil {
		atoms := make([]*atom.Atom, len(override))
		for i, value := range override {
			atoms[i] = atom.NewLiteral(value)
		}
		return atoms, nil
	}

	var atoms []*atom.Atom
	for _, spec := range specs {
		if spec.IsFreeform() {
			atoms = append(atoms, atom.NewLiteral(spec.Command))
			continue
		}

		var out bytes.Buffer
		exitCode, err := project.ExecuteCommand(ctx, spec.Command, nil, 0, &out)
		if err != nil {
			return nil, fmt.Errorf("atomizer command %q for variable %q failed to execute: %w", spec.Command, spec.EnvVarName, err)
		}
		if exitCode != 0 {
			return nil, fmt.Errorf("atomizer command %q for variable %q failed with exit code %d: %s", spec.Command, spec.EnvVarName, exitCode, out.String())
		}

		for _, line := range splitNonEmptyLines(out.String()) {
			atoms = append(atoms, atom.New(spec.EnvVarName, line))
		}
	}
	return atoms, nil
}

// splitNonEmptyLines splits stdout on line terminators, discarding
// trailing empty lines, per spec §4.1 step 3.
func splitNonEmptyLines(output string) []string {
	lines := strings.Split(strings.ReplaceAll(output, "\r\n", "\n"), "\n")
	var result []string
	for _, line := range lines {
		if line != "" {
			result = append(result, line)
		}
	}
	return result
}
