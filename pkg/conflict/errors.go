package conflict

import "errors"

var (
	// ErrAnalysisInProgress is returned with the latest known result when
	// another run holds the document.
	ErrAnalysisInProgress = errors.New("conflict analysis already in progress")
	// ErrCoolingDown is returned for automatic runs on a document the
	// watchdog failed during the current cycle.
	ErrCoolingDown = errors.New("document is cooling down after an analysis timeout")

	ErrChunkNotFound     = errors.New("chunk not found")
	ErrChunkDisabled     = errors.New("chunk is disabled")
	ErrConflictNotFound  = errors.New("conflict not found")
	ErrInvalidResolution = errors.New("invalid conflict resolution")

	ErrQueueFull   = errors.New("conflict task queue is full")
	ErrUnknownTask = errors.New("unknown conflict task")
)
