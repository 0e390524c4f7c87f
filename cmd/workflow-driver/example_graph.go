package main

import (
	"context"
	"math/big"

	"github.com/rezkam/workflow-graph/internal/domain"
	"github.com/rezkam/workflow-graph/internal/graph"
)

// exampleGraph is used whenever --jobs-graph is not given: an extract task
// that fans out over three shards, a programmatic validation step
// (demonstrating TaskRunner), and a declarative load step gated on it.
func exampleGraph() *graph.Model {
	extract := domain.Task{
		TaskID:          "extract",
		Command:         "extract",
		InitArgs:        []string{"--source=warehouse"},
		ParallelArg:     "--shard=%d",
		Parallelization: 3,
		RequiredResources: []domain.ResourceSet{
			{"cpu": big.NewRat(1, 1)},
		},
		OnFinish: map[string][]string{"default": {"validate"}},
	}
	validate := domain.Task{
		TaskID:   "validate",
		WaitFor:  []string{"extract"},
		OnFinish: map[string][]string{"default": {"load"}},
		Runner:   &validateRunner{},
	}

	model := graph.New()
	lookup := func(id string) (domain.Task, bool) {
		if id == "validate" {
			return validate, true
		}
		return domain.Task{}, false
	}
	if err := model.AddTask(extract, lookup); err != nil {
		panic(err)
	}
	return model
}

// validateRunner is a programmatic task: instead of being described by a
// command line, it submits its own job directly through the JobSubmitter
// capability, the tagged-variant alternative to a command/args task.
type validateRunner struct{}

func (r *validateRunner) Run(ctx context.Context, sched domain.JobSubmitter, retry bool) (string, error) {
	cmd := []string{"validate", "--schema=warehouse"}
	if retry {
		cmd = append(cmd, "--strict=false")
	}
	return sched.Submit(ctx, cmd, []string{"programmatic"}, "", "")
}

func (r *validateRunner) NextTasks() []domain.Task {
	return []domain.Task{
		{
			TaskID:   "load",
			Command:  "load",
			InitArgs: []string{"--target=warehouse"},
			WaitFor:  []string{"extract"},
			Retries:  2,
			OnFinish: map[string][]string{"failed": {domain.RetrySuccessor}},
		},
	}
}
