package worker

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrWorkerDead is returned when a request reaches a worker that has
	// exited or been killed.
	ErrWorkerDead = errors.New("worker is not running")
	// ErrProcessExited is returned when the process output ends before the
	// reply delimiter.
	ErrProcessExited = errors.New("process exited before reply delimiter")
	// ErrPoolClosed is returned by a pool after Shutdown.
	ErrPoolClosed = errors.New("worker pool is shut down")
)

// ProcessStartError means the worker process could not be launched.
type ProcessStartError struct {
	ThreadID string
	Err      error
}

func (e *ProcessStartError) Error() string {
	return fmt.Sprintf("worker: start %q: %v", e.ThreadID, e.Err)
}

func (e *ProcessStartError) Unwrap() error { return e.Err }

// TimeoutError means a round trip exceeded its budget. The process has been
// killed and the worker must not be reused.
type TimeoutError struct {
	ThreadID string
	Timeout  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("worker: %q: no reply within %s, process killed", e.ThreadID, e.Timeout)
}

// WorkerError is a transport failure on the process channel. The worker is
// dead afterwards.
type WorkerError struct {
	ThreadID string
	Op       string
	Err      error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker: %s %q: %v", e.Op, e.ThreadID, e.Err)
}

func (e *WorkerError) Unwrap() error { return e.Err }
