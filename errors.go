package jobqueue

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/TimKotowski/pg-job-queue/internal/queuedb"
)

var (
	ErrInvalidMessage = errors.New("invalid job message")
	ErrUnknownJobType = errors.New("no handler registered for job type")
	ErrJobNotFound    = queuedb.ErrJobNotFound
	ErrAlreadyRunning = errors.New("already running")
)

// StorageError is returned when the queue store could not carry out an operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("jobqueue: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// HandlerError is a job whose handler returned an error, panicked or timed out.
type HandlerError struct {
	JobID uuid.UUID
	Kind  Kind
	Err   error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handling job %s (%s): %v", e.JobID, e.Kind, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Reason)
}
