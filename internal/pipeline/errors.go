package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrGeneratorFailure means the generator kept failing or returning
	// unusable output after every retry.
	ErrGeneratorFailure = errors.New("generator failure")
	// ErrDeadlineExceeded means the build deadline fired. The partial
	// document was checkpointed and the build can be resumed.
	ErrDeadlineExceeded = errors.New("build deadline exceeded")
	// ErrBuildInProgress is returned when a build is already running for the
	// same document.
	ErrBuildInProgress = errors.New("build already in progress")
	// ErrNothingToResume is returned for a resume request on a document that
	// does not exist.
	ErrNothingToResume = errors.New("nothing to resume")
)

// ErrorKind classifies a terminal build failure.
type ErrorKind string

const (
	KindGenerator ErrorKind = "generator-failure"
	KindTimeout   ErrorKind = "timeout"
)

// BuildError is returned by a build that ended in the error or timeout
// state. It carries what a caller needs to retry or resume.
type BuildError struct {
	Kind               ErrorKind
	DocumentID         string
	LastCompletedPhase Phase
	CanResume          bool
	Err                error
}

func (e *BuildError) Error() string {
	last := string(e.LastCompletedPhase)
	if last == "" {
		last = "none"
	}
	return fmt.Sprintf("build %s: %s (last completed phase: %s, resumable: %t): %v",
		e.DocumentID, e.Kind, last, e.CanResume, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }
