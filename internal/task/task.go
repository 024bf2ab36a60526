// Package task manages tasks: handles to asynchronous work dispatched to
// exactly one device kind. Backend progress states are translated into one
// unified Status; polling never blocks.
package task

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-talsh/internal/device"
	"github.com/23skdu/longbow-talsh/internal/status"
)

// Runtime is the runtime state task operations consult.
type Runtime interface {
	Initialized() bool
	// TaskBackend returns the backend for kind, or NotAvailable / NotImplemented.
	TaskBackend(kind device.Kind) (Backend, error)
	// RecordNotClean counts one soft failure.
	RecordNotClean()
}

// Metrics are informational figures filled in as a task progresses.
type Metrics struct {
	DataVolume float64
	Flops      float64
	ExecTime   time.Duration
}

// Task is a task handle. A clean task has no backend handle and KindNull.
type Task struct {
	handle   Handle
	kind     device.Kind
	dataKind device.DataKind
	metrics  Metrics

	destroyed bool
}

// Create returns a new clean task.
func Create() *Task {
	t := &Task{}
	Clean(t)
	return t
}

// Clean resets t in place. Never call it on a constructed task: the backend
// handle would leak.
func Clean(t *Task) error {
	if t == nil {
		return status.Errorf(status.InvalidArgs, "nil task")
	}
	t.handle = nil
	t.kind = device.KindNull
	t.dataKind = device.NoType
	t.metrics = Metrics{}
	return nil
}

func checkTask(t *Task) error {
	if t == nil {
		return status.Errorf(status.InvalidArgs, "nil task")
	}
	if t.destroyed {
		return status.Errorf(status.InvalidArgs, "task destroyed")
	}
	return nil
}

// Kind returns the device kind of t, KindNull when clean.
func (t *Task) Kind() device.Kind { return t.kind }

// DataKind returns the data kind t was constructed with.
func (t *Task) DataKind() device.DataKind { return t.dataKind }

// Handle returns the backend handle, nil when clean.
func (t *Task) Handle() Handle { return t.handle }

// IsClean reports whether t is unconstructed.
func (t *Task) IsClean() bool { return t.kind == device.KindNull && t.handle == nil }

// Metrics returns the recorded metrics.
func (t *Task) Metrics() Metrics { return t.metrics }

// SetMetrics records the metrics of t.
func (t *Task) SetMetrics(m Metrics) { t.metrics = m }

// Construct binds t to a new backend handle of the given device kind.
// A constructed t is destructed first; a NotClean destruct is reported, but
// the new construction proceeds. On a backend failure t is
// left clean.
func Construct(rt Runtime, t *Task, kind device.Kind, dataKind device.DataKind) error {
	if !rt.Initialized() {
		return status.NotInitialized
	}
	if err := checkTask(t); err != nil {
		return err
	}
	if !kind.Valid() {
		return status.Errorf(status.InvalidArgs, "device kind %d", int(kind))
	}
	if !dataKind.Valid() {
		return status.Errorf(status.InvalidArgs, "data kind %d", int(dataKind))
	}

	var prior error
	if t.kind != device.KindNull {
		if err := Destruct(rt, t); err != nil {
			if !status.IsSoft(err) {
				return status.Errorf(status.Failure, "destruct previous task: %v", err)
			}
			prior = err
		}
	}

	backend, err := rt.TaskBackend(kind)
	if err != nil {
		return err
	}
	h, err := backend.NewHandle()
	if err != nil {
		_ = Clean(t)
		return status.Passthrough(err, "create %s task", kind)
	}
	t.handle = h
	t.kind = kind
	t.dataKind = dataKind
	constructs.WithLabelValues(kind.String()).Inc()
	log.Debug().Str("kind", kind.String()).Str("data_kind", dataKind.String()).Msg("Task constructed")
	return prior
}

// Destruct releases the backend handle of t and leaves it clean. A clean
// task is left as is. A NotClean outcome is counted by rt.
func Destruct(rt Runtime, t *Task) error {
	if !rt.Initialized() {
		return status.NotInitialized
	}
	if err := checkTask(t); err != nil {
		return err
	}
	if t.kind == device.KindNull {
		return nil
	}
	if t.handle == nil || t.handle.Kind() != t.kind {
		return status.Errorf(status.InvalidArgs, "%s task without matching handle", t.kind)
	}
	err := t.handle.Destroy()
	_ = Clean(t)
	switch status.CodeOf(err) {
	case status.Success:
		return nil
	case status.NotClean:
		rt.RecordNotClean()
		return err
	case status.TryLater:
		return err
	}
	return status.Errorf(status.Failure, "destroy task: %v", err)
}

// Destroy destructs t and retires it; t must not be used afterwards. When
// the runtime is not initialized nothing is released and t stays usable.
func Destroy(rt Runtime, t *Task) error {
	if err := checkTask(t); err != nil {
		return err
	}
	err := Destruct(rt, t)
	if status.Is(err, status.NotInitialized) {
		return err
	}
	t.destroyed = true
	return err
}

// Poll returns the unified status of t without blocking. A clean task
// reports Empty together with a TaskEmpty error.
func Poll(rt Runtime, t *Task) (Status, error) {
	if !rt.Initialized() {
		return Empty, status.NotInitialized
	}
	if err := checkTask(t); err != nil {
		return Empty, err
	}
	if t.kind == device.KindNull {
		return Empty, status.TaskEmpty
	}
	if t.handle == nil {
		return Empty, status.Errorf(status.InvalidArgs, "%s task without handle", t.kind)
	}
	st, err := t.handle.Status()
	if err != nil {
		return Error, err
	}
	polls.WithLabelValues(st.String()).Inc()
	return st, nil
}

// DeviceID returns the device t runs on: the index within its kind when
// kindSpecific is set, a flat device id otherwise. It returns DevNull when the
// task is clean, empty, or its status cannot be read.
func DeviceID(rt Runtime, t *Task, kindSpecific bool) (int, device.Kind) {
	st, err := Poll(rt, t)
	if err != nil || st == Empty {
		return device.DevNull, device.KindNull
	}
	idx := t.handle.Index()
	if idx < 0 {
		return device.DevNull, device.KindNull
	}
	if kindSpecific {
		return idx, t.kind
	}
	flat := device.FlatID(t.kind, idx)
	if flat == device.DevMax {
		return device.DevNull, device.KindNull
	}
	return flat, t.kind
}
