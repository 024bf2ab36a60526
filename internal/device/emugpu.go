package device

import (
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-talsh/internal/status"
)

// ensure interface compliance
var _ GPUDriver = (*EmulatedGPU)(nil)
var _ GPUTask = (*EmulatedTask)(nil)

// EmulatedGPU is a GPUDriver that keeps "device" memory on the host and moves
// each task one step through its progress states per status poll.
// It stands in for a CUDA driver on nodes without one.
type EmulatedGPU struct {
	mu      sync.Mutex
	count   int
	bufs    map[int]*emuArgBuffer
	nextPtr DevicePtr
	busy    []int
}

type emuArgBuffer struct {
	capacity uint64
	used     uint64
	blocks   map[DevicePtr][]byte
}

// NewEmulatedGPU returns a driver exposing count GPUs.
func NewEmulatedGPU(count int) *EmulatedGPU {
	if count > MaxGPUs {
		count = MaxGPUs
	}
	return &EmulatedGPU{
		count:   count,
		bufs:    make(map[int]*emuArgBuffer),
		nextPtr: 0x1000,
		busy:    make([]int, count),
	}
}

func (g *EmulatedGPU) DeviceCount() int {
	return g.count
}

func (g *EmulatedGPU) Claim(index int) State {
	if index < 0 || index >= g.count {
		return Off
	}
	return OnAccelerated
}

func (g *EmulatedGPU) ReserveArgBuffers(first, last int, size uint64) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if first < 0 || last >= g.count || first > last {
		return 0, status.Errorf(status.InvalidArgs, "gpu range [%d, %d] with %d devices", first, last, g.count)
	}
	for i := first; i <= last; i++ {
		if _, ok := g.bufs[i]; ok {
			return 0, status.Errorf(status.Failure, "gpu %d argument buffer already reserved", i)
		}
	}
	for i := first; i <= last; i++ {
		g.bufs[i] = &emuArgBuffer{capacity: size, blocks: make(map[DevicePtr][]byte)}
	}
	return size, nil
}

func (g *EmulatedGPU) ReleaseArgBuffers(first, last int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var leaked int
	for i := first; i <= last; i++ {
		if b, ok := g.bufs[i]; ok {
			leaked += len(b.blocks)
			delete(g.bufs, i)
		}
	}
	if leaked > 0 {
		log.Warn().Int("blocks", leaked).Msg("Emulated GPU released argument buffers with live blocks")
		return status.Errorf(status.NotClean, "%d blocks still allocated", leaked)
	}
	return nil
}

func (g *EmulatedGPU) Alloc(index int, size uint64) (DevicePtr, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.bufs[index]
	if !ok {
		return 0, status.Errorf(status.DeviceUnable, "gpu %d has no argument buffer", index)
	}
	if b.used+size > b.capacity || b.used+size < b.used {
		return 0, status.Errorf(status.TryLater, "gpu %d: need %d bytes, %d free", index, size, b.capacity-b.used)
	}
	ptr := g.nextPtr
	g.nextPtr += DevicePtr(size) + 256
	b.blocks[ptr] = make([]byte, size)
	b.used += size
	emuUsedBytes.WithLabelValues(gpuLabel(index)).Set(float64(b.used))
	return ptr, nil
}

func (g *EmulatedGPU) Free(index int, ptr DevicePtr) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.bufs[index]
	if !ok {
		return status.Errorf(status.InvalidArgs, "gpu %d has no argument buffer", index)
	}
	blk, ok := b.blocks[ptr]
	if !ok {
		return status.Errorf(status.InvalidArgs, "gpu %d: unknown pointer %#x", index, uintptr(ptr))
	}
	b.used -= uint64(len(blk))
	delete(b.blocks, ptr)
	emuUsedBytes.WithLabelValues(gpuLabel(index)).Set(float64(b.used))
	return nil
}

func (g *EmulatedGPU) NewTask() (GPUTask, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.count == 0 {
		return nil, status.Errorf(status.DeviceUnable, "no gpus")
	}
	gpu := g.busyLeastLocked()
	g.busy[gpu]++
	emuTasks.WithLabelValues(gpuLabel(gpu)).Set(float64(g.busy[gpu]))
	return &EmulatedTask{driver: g, gpu: gpu, state: GPUTaskScheduled}, nil
}

func (g *EmulatedGPU) BusyLeast() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.busyLeastLocked()
}

func (g *EmulatedGPU) busyLeastLocked() int {
	best := 0
	for i := 1; i < len(g.busy); i++ {
		if g.busy[i] < g.busy[best] {
			best = i
		}
	}
	return best
}

func (g *EmulatedGPU) PrintStats(index int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if index >= g.count {
		return status.Errorf(status.InvalidArgs, "gpu %d", index)
	}
	for i := 0; i < g.count; i++ {
		if index >= 0 && i != index {
			continue
		}
		ev := log.Info().Int("gpu", i).Int("tasks", g.busy[i])
		if b, ok := g.bufs[i]; ok {
			ev = ev.Str("arg_buffer", humanize.IBytes(b.capacity)).
				Str("used", humanize.IBytes(b.used)).
				Int("blocks", len(b.blocks))
		}
		ev.Msg("Emulated GPU statistics")
	}
	return nil
}

// EmulatedTask is the task handle of EmulatedGPU.
type EmulatedTask struct {
	driver    *EmulatedGPU
	gpu       int
	state     GPUTaskStatus
	destroyed bool
}

// Status advances the task by one state and reports it.
func (t *EmulatedTask) Status() GPUTaskStatus {
	t.driver.mu.Lock()
	defer t.driver.mu.Unlock()

	st := t.state
	if st > GPUTaskEmpty && st < GPUTaskCompleted {
		t.state++
	}
	return st
}

// Fail moves the task into the error state.
func (t *EmulatedTask) Fail() {
	t.driver.mu.Lock()
	defer t.driver.mu.Unlock()
	t.state = GPUTaskError
}

func (t *EmulatedTask) GPU() int {
	return t.gpu
}

func (t *EmulatedTask) Destroy() error {
	t.driver.mu.Lock()
	defer t.driver.mu.Unlock()

	if t.destroyed {
		return status.Errorf(status.InvalidArgs, "gpu task destroyed twice")
	}
	t.destroyed = true
	t.driver.busy[t.gpu]--
	emuTasks.WithLabelValues(gpuLabel(t.gpu)).Set(float64(t.driver.busy[t.gpu]))
	return nil
}
