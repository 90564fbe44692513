package scheduler

import "errors"

var (
	// ErrRunNotFound is returned when a run is not known to the coordinator
	ErrRunNotFound = errors.New("run not found")

	// ErrNotStarted is returned when the coordinator's result loop has not been started
	ErrNotStarted = errors.New("coordinator not started")

	// ErrRunFinished is returned when cancelling a run that already reached a terminal status
	ErrRunFinished = errors.New("run already finished")

	// ErrJobNotFound is returned when a job is not registered with the cron scheduler
	ErrJobNotFound = errors.New("job not found")
)
