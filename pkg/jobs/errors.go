package jobs

import (
	"errors"
	"fmt"
)

// ErrorKind classifies orchestration failures.
type ErrorKind string

const (
	KindNotFound  ErrorKind = "not_found"
	KindRemote    ErrorKind = "remote"
	KindInvalid   ErrorKind = "invalid"
	KindJobFailed ErrorKind = "job_failed"
	KindCancelled ErrorKind = "cancelled"
	// KindTimeout means the caller stopped waiting, not that the job failed.
	KindTimeout ErrorKind = "timeout"
)

// Error is returned by every Orchestrator operation that fails. Job carries the
// last observed job record when one is known.
type Error struct {
	Kind    ErrorKind
	Message string
	Job     *Job
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Job != nil && e.Job.ID != "" {
		msg = fmt.Sprintf("%s (job %s)", msg, e.Job.ID)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var jerr *Error
	return errors.As(err, &jerr) && jerr.Kind == kind
}
