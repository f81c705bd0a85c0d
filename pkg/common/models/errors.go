package models

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindUnsupportedFormat       ErrorKind = "UnsupportedFormat"
	KindMappingAmbiguous        ErrorKind = "MappingAmbiguous"
	KindMalformedRecord         ErrorKind = "MalformedRecord"
	KindExcessiveRowLoss        ErrorKind = "ExcessiveRowLoss"
	KindDeidentificationFailure ErrorKind = "DeidentificationFailure"
	KindPersistenceError        ErrorKind = "PersistenceError"
	KindCancelled               ErrorKind = "Cancelled"
	KindInternal                ErrorKind = "InternalError"
)

// Fatal reports whether an error of this kind aborts the dataset.
func (k ErrorKind) Fatal() bool {
	switch k {
	case KindMappingAmbiguous, KindMalformedRecord:
		return false
	}
	return true
}

// PipelineError wraps an error with the phase where it occurred.
type PipelineError struct {
	Kind  ErrorKind
	Phase string
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// KindOf extracts the kind of a pipeline error, or KindInternal.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// Warning formats a non-fatal issue for the dataset warnings list.
func Warning(kind ErrorKind, format string, args ...interface{}) string {
	return fmt.Sprintf("%s: %s", kind, fmt.Sprintf(format, args...))
}
