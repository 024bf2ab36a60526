package device

// GPUTaskStatus is the native progress state of a GPU task as reported by the driver.
type GPUTaskStatus int

const (
	GPUTaskError GPUTaskStatus = iota - 1
	GPUTaskEmpty
	GPUTaskScheduled
	GPUTaskStarted
	GPUTaskInputThere
	GPUTaskOutputThere
	GPUTaskCompleted
)

// DevicePtr is an opaque address in accelerator memory.
type DevicePtr uintptr

// GPUTask is a driver-owned handle to work queued on a GPU stream.
type GPUTask interface {
	// Status polls the task without blocking.
	Status() GPUTaskStatus
	// GPU returns the index of the GPU the task runs on, negative if unknown.
	GPU() int
	// Destroy releases the task. Work still in flight is the driver's to synchronize.
	Destroy() error
}

// GPUDriver is the NVIDIA GPU backend collaborator. A runtime without a driver
// treats the GPU kind as not available.
type GPUDriver interface {
	// DeviceCount returns the number of GPUs visible to the driver.
	DeviceCount() int
	// Claim returns the state a GPU should be registered with, Off if it cannot be used.
	Claim(index int) State

	// ReserveArgBuffers reserves argument buffers on GPUs [first, last], at most
	// size bytes each. It returns the reserved size per GPU.
	ReserveArgBuffers(first, last int, size uint64) (uint64, error)
	// ReleaseArgBuffers releases what ReserveArgBuffers reserved.
	ReleaseArgBuffers(first, last int) error

	// Alloc carves size bytes out of the argument buffer of a GPU.
	Alloc(index int, size uint64) (DevicePtr, error)
	// Free returns memory obtained from Alloc.
	Free(index int, ptr DevicePtr) error

	// NewTask creates an empty GPU task handle.
	NewTask() (GPUTask, error)

	// BusyLeast returns the index of the least busy GPU.
	BusyLeast() int
	// PrintStats reports runtime statistics of a GPU; a negative index means all of them.
	PrintStats(index int) error
}
