package graph

import (
	"fmt"
	"math/big"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rezkam/workflow-graph/internal/domain"
	"github.com/rezkam/workflow-graph/internal/ptr"
)

// yamlTask mirrors domain.Task's declarative fields for the --jobs-graph
// CLI override (§4.1: "a serialized mapping on the command line that
// replaces the programmatic graph wholesale"). Resource amounts are
// strings so they parse as exact big.Rat values ("1", "1/3", "0.5") rather
// than float64.
type yamlTask struct {
	Command           string              `yaml:"command"`
	InitArgs          []string            `yaml:"init_args"`
	RetryArgs         []string            `yaml:"retry_args"`
	Tags              []string            `yaml:"tags"`
	Units             string              `yaml:"units"`
	ProjectID         string              `yaml:"project_id"`
	RequiredResources []map[string]string `yaml:"required_resources"`
	WaitFor           []string            `yaml:"wait_for"`
	WaitTimeSeconds   *int64              `yaml:"wait_time"`
	Retries           int                 `yaml:"retries"`
	OnFinish          map[string][]string `yaml:"on_finish"`
	ParallelArg       string              `yaml:"parallel_arg"`
	Parallelization   int                 `yaml:"parallelization"`
}

// FromYAML parses a --jobs-graph document (task id -> declarative task) and
// builds a Model from it. It replaces any programmatic graph wholesale;
// the caller decides whether to use this or the programmatic result.
func FromYAML(data []byte) (*Model, error) {
	var raw map[string]yamlTask
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing jobs graph: %w", err)
	}

	tasks := make(map[string]domain.Task, len(raw))
	for id, yt := range raw {
		task, err := yt.toTask(id)
		if err != nil {
			return nil, fmt.Errorf("task %q: %w", id, err)
		}
		tasks[id] = task
	}

	m := New()
	lookup := func(id string) (domain.Task, bool) {
		t, ok := tasks[id]
		return t, ok
	}
	for _, t := range tasks {
		if _, already := m.tasks[t.TaskID]; already {
			continue
		}
		if err := m.addTask(t, lookup); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (yt yamlTask) toTask(id string) (domain.Task, error) {
	sets := make([]domain.ResourceSet, 0, len(yt.RequiredResources))
	for _, raw := range yt.RequiredResources {
		set := make(domain.ResourceSet, len(raw))
		for name, amountStr := range raw {
			amount, ok := new(big.Rat).SetString(amountStr)
			if !ok {
				return domain.Task{}, fmt.Errorf("resource %q: invalid rational amount %q", name, amountStr)
			}
			set[name] = amount
		}
		sets = append(sets, set)
	}

	var waitTime *time.Duration
	if yt.WaitTimeSeconds != nil {
		waitTime = ptr.To(time.Duration(*yt.WaitTimeSeconds) * time.Second)
	}

	retryArgs := yt.RetryArgs
	if retryArgs == nil {
		retryArgs = yt.InitArgs
	}

	return domain.Task{
		TaskID:            id,
		Command:           yt.Command,
		InitArgs:          yt.InitArgs,
		RetryArgs:         retryArgs,
		Tags:              yt.Tags,
		Units:             yt.Units,
		ProjectID:         yt.ProjectID,
		RequiredResources: sets,
		WaitFor:           yt.WaitFor,
		WaitTime:          waitTime,
		Retries:           yt.Retries,
		OnFinish:          yt.OnFinish,
		ParallelArg:       yt.ParallelArg,
		Parallelization:   yt.Parallelization,
	}, nil
}
