package domain

import "errors"

// Configuration errors: reported before the driver loop starts, fatal.
var (
	// ErrDuplicateTask is returned when AddTask encounters a task id
	// already present in the transitive closure of declared tasks.
	ErrDuplicateTask = errors.New("duplicate task id in graph")

	// ErrEmptyGraph is returned when a graph has no declared tasks.
	ErrEmptyGraph = errors.New("graph has no declared tasks")

	// ErrNoStartingSet is returned when neither --starting-job nor
	// --resume-from-jobid determines an initial pending set.
	ErrNoStartingSet = errors.New("no starting job or resume id given")

	// ErrUnknownTask is returned when a CLI-supplied starting job id, or a
	// resume protocol starting set entry, does not name a declared task.
	ErrUnknownTask = errors.New("unknown task id")
)
