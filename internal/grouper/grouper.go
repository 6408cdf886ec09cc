// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package grouper implements the trivial and time-based atom-to-subjob
// grouping algorithms (spec §4.2).
package grouper

import (
	"sort"
	"strings"

	"github.com/clusterrunner/clusterrunner/internal/atom"
)

// BigChunkFraction is the share of total estimated runtime targeted by
// the big-chunk pass.
const BigChunkFraction = 0.8

// Trivial groups each atom into its own single-atom subjob.
func Trivial(atoms []*atom.Atom) [][]*atom.Atom {
	groups := make([][]*atom.Atom, len(atoms))
	for i, a := range atoms {
		groups[i] = []*atom.Atom{a}
	}
	return groups
}

// TimeBased groups atoms into subjobs using historical per-command timing
// data, per the big-chunk/small-chunk algorithm of spec §4.2. atomTimeMap
// keys are project-relative atom command strings (projectDirectory
// already stripped by the caller or stripped here). Falls back to Trivial
// when the historical map is empty or every atom is unknown.
func TimeBased(atoms []*atom.Atom, maxExecutors int, atomTimeMap map[string]float64, projectDirectory string) [][]*atom.Atom {
	if len(atomTimeMap) == 0 || maxExecutors <= 0 {
		return Trivial(atoms)
	}

	totalTime, ok := assignExpectedTimes(atoms, atomTimeMap, projectDirectory)
	if !ok {
		return Trivial(atoms)
	}

	sorted := make([]*atom.Atom, len(atoms))
	copy(sorted, atoms)
	sort.SliceStable(sorted, func(i, j int) bool {
		return *sorted[i].ExpectedTime > *sorted[j].ExpectedTime
	})

	bigSubjobTime := (totalTime * BigChunkFraction) / float64(maxExecutors)
	smallSubjobTime := (totalTime * (1 - BigChunkFraction)) / float64(2*maxExecutors)

	remaining := sorted
	var bigGroups [][]*atom.Atom
	bigGroups, remaining = groupIntoSizedBuckets(remaining, bigSubjobTime, maxExecutors)

	smallGroups, _ := groupIntoSizedBuckets(remaining, smallSubjobTime, -1)

	return append(bigGroups, smallGroups...)
}

// assignExpectedTimes sets ExpectedTime on each atom from atomTimeMap (with
// projectDirectory stripped from the lookup key), falling back to the
// largest known time for unknowns. Returns (totalTime, false) if every
// atom was unknown.
func assignExpectedTimes(atoms []*atom.Atom, atomTimeMap map[string]float64, projectDirectory string) (float64, bool) {
	var unknown []*atom.Atom
	var totalTime, maxAtomTime float64

	for _, a := range atoms {
		key := strippedKey(a.CommandString, projectDirectory)
		if t, ok := atomTimeMap[key]; ok {
			a.ExpectedTime = floatPtr(t)
			if t > maxAtomTime {
				maxAtomTime = t
			}
			totalTime += t
		} else {
			unknown = append(unknown, a)
		}
	}

	if len(unknown) == len(atoms) {
		return 0, false
	}

	for _, a := range unknown {
		a.ExpectedTime = floatPtr(maxAtomTime)
	}
	totalTime += maxAtomTime * float64(len(unknown))

	return totalTime, true
}

// groupIntoSizedBuckets greedily packs sorted (longest-first) atoms into
// groups targeting targetTime seconds each, producing at most maxGroups
// groups (maxGroups < 0 means unlimited). Returns the produced groups and
// any atoms left ungrouped (always empty unless maxGroups was reached).
func groupIntoSizedBuckets(sorted []*atom.Atom, targetTime float64, maxGroups int) ([][]*atom.Atom, []*atom.Atom) {
	var groups [][]*atom.Atom
	remaining := append([]*atom.Atom(nil), sorted...)

	for (maxGroups < 0 || len(groups) < maxGroups) && len(remaining) > 0 {
		var group []*atom.Atom
		var groupTime float64
		var consumed []bool
		consumed = make([]bool, len(remaining))

		for i, a := range remaining {
			t := *a.ExpectedTime
			if len(group) == 0 || groupTime+t <= targetTime {
				groupTime += t
				group = append(group, a)
				consumed[i] = true

				if maxGroups >= 0 && len(groups)+countUnconsumed(consumed)+1 <= maxGroups {
					groups = append(groups, group)
					for j, rem := range remaining {
						if !consumed[j] {
							groups = append(groups, []*atom.Atom{rem})
						}
					}
					return groups, nil
				}
			}
		}

		groups = append(groups, group)
		remaining = filterUnconsumed(remaining, consumed)
	}

	return groups, remaining
}

func countUnconsumed(consumed []bool) int {
	n := 0
	for _, c := range consumed {
		if !c {
			n++
		}
	}
	return n
}

func filterUnconsumed(atoms []*atom.Atom, consumed []bool) []*atom.Atom {
	var out []*atom.Atom
	for i, a := range atoms {
		if !consumed[i] {
			out = append(out, a)
		}
	}
	return out
}

func floatPtr(v float64) *float64 { return &v }

// strippedKey strips an absolute project-directory prefix from an atom
// command string, matching the project-relative keys used in the
// historical timing map (spec §9).
func strippedKey(commandString, projectDirectory string) string {
	if projectDirectory == "" {
		return commandString
	}
	return strings.ReplaceAll(commandString, projectDirectory, "")
}
