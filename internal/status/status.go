// Package status defines the status codes returned by every runtime operation.
//
// A Code is an error. Success is the zero-cost nil error; every other outcome is
// returned as a Code, usually wrapped with context via github.com/pkg/errors.
// Use CodeOf to recover the code from a wrapped error and errors.Is to compare.
package status

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code is a runtime status code. The integer values are the ones exposed by the
// legacy binding layer.
type Code int

const (
	Success            Code = 0
	Failure            Code = -666
	NotAvailable       Code = -888
	NotImplemented     Code = -999
	TryLater           Code = -918273645
	DeviceUnable       Code = -546372819
	NotClean           Code = -192837465
	NotInitialized     Code = 1000000
	AlreadyInitialized Code = 1000001
	InvalidArgs        Code = 1000002
	IntegerOverflow    Code = 1000003
	ObjectNotEmpty     Code = 1000004
	ObjectIsEmpty      Code = 1000005
	TaskError          Code = 1000006
	TaskEmpty          Code = 1000007
	TaskScheduled      Code = 1000008
	TaskStarted        Code = 1000009
	TaskInputReady     Code = 1000010
	TaskOutputReady    Code = 1000011
	TaskCompleted      Code = 1000012
)

var names = map[Code]string{
	Success:            "SUCCESS",
	Failure:            "FAILURE",
	NotAvailable:       "NOT_AVAILABLE",
	NotImplemented:     "NOT_IMPLEMENTED",
	TryLater:           "TRY_LATER",
	DeviceUnable:       "DEVICE_UNABLE",
	NotClean:           "NOT_CLEAN",
	NotInitialized:     "NOT_INITIALIZED",
	AlreadyInitialized: "ALREADY_INITIALIZED",
	InvalidArgs:        "INVALID_ARGS",
	IntegerOverflow:    "INTEGER_OVERFLOW",
	ObjectNotEmpty:     "OBJECT_NOT_EMPTY",
	ObjectIsEmpty:      "OBJECT_IS_EMPTY",
	TaskError:          "TASK_ERROR",
	TaskEmpty:          "TASK_EMPTY",
	TaskScheduled:      "TASK_SCHEDULED",
	TaskStarted:        "TASK_STARTED",
	TaskInputReady:     "TASK_INPUT_READY",
	TaskOutputReady:    "TASK_OUTPUT_READY",
	TaskCompleted:      "TASK_COMPLETED",
}

func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("STATUS(%d)", int(c))
}

func (c Code) Error() string {
	return "talsh: " + c.String()
}

// Int returns the integer value of the code.
func (c Code) Int() int {
	return int(c)
}

// Known reports whether c is one of the defined codes.
func (c Code) Known() bool {
	_, ok := names[c]
	return ok
}

// Errorf wraps code with a formatted message and a stack trace.
func Errorf(code Code, format string, args ...any) error {
	return errors.Wrapf(code, format, args...)
}

// CodeOf extracts the status code carried by err.
// A nil error is Success; an error that carries no Code, or a Code outside
// the defined set, is Failure.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var c Code
	if errors.As(err, &c) && c.Known() {
		return c
	}
	return Failure
}

// Is reports whether err carries code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsSoft reports whether err is a soft failure: the object is usable but some
// side effect did not complete.
func IsSoft(err error) bool {
	return CodeOf(err) == NotClean
}

// IsRetryable reports whether the operation made no progress and may be retried verbatim.
func IsRetryable(err error) bool {
	return CodeOf(err) == TryLater
}

// Passthrough keeps the retryable and device-unable codes reported by a
// collaborator and turns any other error into Failure.
func Passthrough(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	switch CodeOf(err) {
	case TryLater, DeviceUnable:
		return errors.Wrapf(err, format, args...)
	}
	return errors.Wrapf(Failure, "%s: %v", fmt.Sprintf(format, args...), err)
}
