package task

import (
	"fmt"

	"github.com/23skdu/longbow-talsh/internal/device"
	"github.com/23skdu/longbow-talsh/internal/status"
)

// Status is the device-agnostic progress of a task.
type Status int

const (
	// Empty means the task was never constructed; it is not a completed task.
	Empty Status = iota
	Scheduled
	Started
	InputReady
	OutputReady
	Completed
	Error
)

func (s Status) String() string {
	switch s {
	case Empty:
		return "empty"
	case Scheduled:
		return "scheduled"
	case Started:
		return "started"
	case InputReady:
		return "input_ready"
	case OutputReady:
		return "output_ready"
	case Completed:
		return "completed"
	case Error:
		return "error"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Code returns the status code the legacy binding reports for s.
func (s Status) Code() status.Code {
	switch s {
	case Empty:
		return status.TaskEmpty
	case Scheduled:
		return status.TaskScheduled
	case Started:
		return status.TaskStarted
	case InputReady:
		return status.TaskInputReady
	case OutputReady:
		return status.TaskOutputReady
	case Completed:
		return status.TaskCompleted
	case Error:
		return status.TaskError
	}
	return status.Failure
}

// Final reports whether s can no longer change.
func (s Status) Final() bool {
	return s == Completed || s == Error
}

// gpuStatus translates native GPU task states.
var gpuStatus = map[device.GPUTaskStatus]Status{
	device.GPUTaskError:       Error,
	device.GPUTaskEmpty:       Empty,
	device.GPUTaskScheduled:   Scheduled,
	device.GPUTaskStarted:     Started,
	device.GPUTaskInputThere:  InputReady,
	device.GPUTaskOutputThere: OutputReady,
	device.GPUTaskCompleted:   Completed,
}

// FromGPU translates a native GPU task state. Unknown states are a Failure.
func FromGPU(native device.GPUTaskStatus) (Status, error) {
	if s, ok := gpuStatus[native]; ok {
		return s, nil
	}
	return Error, status.Errorf(status.Failure, "unknown gpu task status %d", int(native))
}
