package task

import (
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-talsh/internal/device"
	"github.com/23skdu/longbow-talsh/internal/status"
)

// Backend creates task handles for one device kind.
type Backend interface {
	Kind() device.Kind
	NewHandle() (Handle, error)
}

// Handle is the backend-specific representation of a constructed task.
// The set of implementations is closed: *HostTask and *GPUTask.
type Handle interface {
	Kind() device.Kind
	// Status polls the backend without blocking.
	Status() (Status, error)
	// Index returns the kind-specific index of the device running the task, negative if unknown.
	Index() int
	// Destroy releases the backend resources of the task.
	Destroy() error

	handle()
}

// ensure interface compliance
var _ Handle = (*HostTask)(nil)
var _ Handle = (*GPUTask)(nil)

// HostTask is a task executed by the host.
type HostTask struct {
	err error
}

func (h *HostTask) Kind() device.Kind { return device.Host }

// Status reports Completed unless the host work failed.
func (h *HostTask) Status() (Status, error) {
	if h.err != nil {
		return Error, nil
	}
	return Completed, nil
}

// Index is always 0: a node has one host.
func (h *HostTask) Index() int { return 0 }

func (h *HostTask) Destroy() error { return nil }

// Fail records that the host work of the task failed.
func (h *HostTask) Fail(err error) {
	log.Warn().Err(err).Msg("Host task failed")
	h.err = err
}

func (h *HostTask) handle() {}

// GPUTask wraps a driver task handle.
type GPUTask struct {
	native device.GPUTask
}

func (g *GPUTask) Kind() device.Kind { return device.NvidiaGPU }

// Status translates the driver state into a unified Status.
func (g *GPUTask) Status() (Status, error) {
	return FromGPU(g.native.Status())
}

func (g *GPUTask) Index() int { return g.native.GPU() }

func (g *GPUTask) Destroy() error { return g.native.Destroy() }

func (g *GPUTask) handle() {}

// HostBackend creates host tasks.
type HostBackend struct{}

func (HostBackend) Kind() device.Kind { return device.Host }

func (HostBackend) NewHandle() (Handle, error) {
	return &HostTask{}, nil
}

// GPUBackend creates GPU tasks through a driver.
type GPUBackend struct {
	Driver device.GPUDriver
}

func (b GPUBackend) Kind() device.Kind { return device.NvidiaGPU }

func (b GPUBackend) NewHandle() (Handle, error) {
	native, err := b.Driver.NewTask()
	if err != nil {
		return nil, err
	}
	if native == nil {
		return nil, status.Errorf(status.Failure, "gpu driver returned no task")
	}
	return &GPUTask{native: native}, nil
}
