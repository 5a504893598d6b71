package core

import (
	"errors"
	"fmt"

	"github.com/chris247474/nanoclaw/schema"
)

// ContainerErrorKind classifies container run failures so callers can choose
// between retrying and escalating.
type ContainerErrorKind = schema.ErrorType

const (
	// ContainerErrorExitCode indicates the agent exited non-zero.
	ContainerErrorExitCode = schema.ErrorExitCode
	// ContainerErrorTimeout indicates the run exceeded its timeout.
	ContainerErrorTimeout = schema.ErrorTimeout
	// ContainerErrorSpawn indicates the runtime could not be started.
	ContainerErrorSpawn = schema.ErrorSpawn
	// ContainerErrorParse indicates stdout carried no decodable result.
	ContainerErrorParse = schema.ErrorParse
)

// ContainerError wraps container failures with a stable classification.
type ContainerError struct {
	Kind    ContainerErrorKind
	Op      string
	Message string
	Err     error
}

// NewContainerError constructs a classified container error.
func NewContainerError(kind ContainerErrorKind, message string, err error) *ContainerError {
	return &ContainerError{Kind: kind, Op: "run", Message: message, Err: err}
}

func (e *ContainerError) Error() string {
	if e == nil {
		return "container error"
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("container %s failed", e.Op)
	}
	return "container error"
}

func (e *ContainerError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ContainerErrorKindOf returns the classification of err, if any.
func ContainerErrorKindOf(err error) (ContainerErrorKind, bool) {
	var cerr *ContainerError
	if errors.As(err, &cerr) && cerr != nil {
		return cerr.Kind, true
	}
	return "", false
}
