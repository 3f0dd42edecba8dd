package dispatch

import "errors"

var (
	// ErrNoDefaultQueue is returned by Submit when queue is omitted and no
	// queue has IsDefault set (spec.md §4.3).
	ErrNoDefaultQueue = errors.New("no default queue configured")

	// ErrNotCancellable is returned by Cancel when the job is already
	// terminal (spec.md §4.3).
	ErrNotCancellable = errors.New("job is not cancellable")

	// ErrNotRetryable is returned by Retry when the job is not terminal,
	// or is Completed (spec.md §4.3 "only if terminal and not Completed").
	ErrNotRetryable = errors.New("job is not retryable")

	// ErrNotMovable is returned by Move when the job is not Pending
	// (spec.md §4.3).
	ErrNotMovable = errors.New("job is not movable")

	// ErrNotDeletable is returned by Delete when the job is not terminal
	// (spec.md §4.3).
	ErrNotDeletable = errors.New("job is not deletable")
)
