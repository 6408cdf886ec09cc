// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package projecttype

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/clusterrunner/clusterrunner/internal/jobconfig"
	crerrors "github.com/clusterrunner/clusterrunner/pkg/errors"
)

// ConfigFileName is the well-known build configuration file a ProjectType
// looks for in the fetched project tree when the build request did not
// inline a config document (spec §6).
const ConfigFileName = "clusterrunner.yaml"

// rawJobConfig mirrors one job section of a clusterrunner.yaml document:
// a mapping of job name to its commands/atomizers/executor caps.
type rawJobConfig struct {
	SetupBuild            []string        `yaml:"setup_build"`
	TeardownBuild         []string        `yaml:"teardown_build"`
	Commands              []string        `yaml:"commands"`
	Atomizers             []yaml.Node     `yaml:"atomizers"`
	MaxExecutors          int             `yaml:"max_executors"`
	MaxExecutorsPerWorker int             `yaml:"max_executors_per_worker"`
}

// ParseConfigYAML parses a clusterrunner.yaml document (one or more job
// sections keyed by job name) and returns the JobConfig for jobName. If
// jobName is empty and the document defines exactly one job, that job is
// returned; if it defines more than one, the caller must disambiguate.
func ParseConfigYAML(data []byte, jobName string) (*jobconfig.JobConfig, error) {
	var raw map[string]rawJobConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, crerrors.NewWithCause(crerrors.ErrorCodePreparationFailed, "could not parse "+ConfigFileName, err)
	}
	if len(raw) == 0 {
		return nil, crerrors.New(crerrors.ErrorCodePreparationFailed, "no jobs found in "+ConfigFileName)
	}

	if jobName == "" {
		if len(raw) == 1 {
			for name := range raw {
				jobName = name
			}
		} else {
			names := make([]string, 0, len(raw))
			for name := range raw {
				names = append(names, name)
			}
			sort.Strings(names)
			return nil, crerrors.New(crerrors.ErrorCodeValidationFailed,
				fmt.Sprintf("multiple jobs are defined in this project; specify one of: %v", names))
		}
	}

	section, ok := raw[jobName]
	if !ok {
		names := make([]string, 0, len(raw))
		for name := range raw {
			names = append(names, name)
		}
		sort.Strings(names)
		return nil, crerrors.New(crerrors.ErrorCodeValidationFailed,
			fmt.Sprintf("job %q not found; valid jobs are %v", jobName, names))
	}

	atomizers, err := parseAtomizers(section.Atomizers)
	if err != nil {
		return nil, err
	}

	return jobconfig.New(jobName, section.SetupBuild, section.TeardownBuild, section.Commands, atomizers,
		section.MaxExecutors, section.MaxExecutorsPerWorker), nil
}

// parseAtomizers turns the atomizers section's yaml.Node list into
// AtomizerSpecs. Each entry is either a single-key {ENV_VAR: command}
// mapping or a freeform scalar shell string.
func parseAtomizers(nodes []yaml.Node) ([]jobconfig.AtomizerSpec, error) {
	specs := make([]jobconfig.AtomizerSpec, 0, len(nodes))
	for _, node := range nodes {
		switch node.Kind {
		case yaml.ScalarNode:
			specs = append(specs, jobconfig.AtomizerSpec{Command: node.Value})
		case yaml.MappingNode:
			if len(node.Content) != 2 {
				return nil, crerrors.New(crerrors.ErrorCodeValidationFailed,
					"each atomizer mapping must have exactly one env_var: command entry")
			}
			specs = append(specs, jobconfig.AtomizerSpec{
				EnvVarName: node.Content[0].Value,
				Command:    node.Content[1].Value,
			})
		default:
			return nil, crerrors.New(crerrors.ErrorCodeValidationFailed, "unsupported atomizer entry")
		}
	}
	return specs, nil
}

// LoadConfigFile reads and parses ConfigFileName from directory for
// jobName, the default lookup ShellProjectType.JobConfig falls back to
// when it was not constructed with an inlined Config.
func LoadConfigFile(directory, jobName string) (*jobconfig.JobConfig, error) {
	path := filepath.Join(directory, ConfigFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, crerrors.NewWithCause(crerrors.ErrorCodePreparationFailed, "could not read "+ConfigFileName, err)
	}
	return ParseConfigYAML(data, jobName)
}
