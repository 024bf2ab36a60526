// Package argbuf is the resource allocator used by the tensor runtime.
//
// A Buffer accounts for the host argument buffer and, through the GPU driver,
// the per-GPU argument buffers. Host memory comes from an Apache Arrow
// allocator; each tensor copy owns (or is attached to) one Resource.
package argbuf

import (
	"sync"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-talsh/internal/device"
	"github.com/23skdu/longbow-talsh/internal/status"
)

const (
	// Alignment of the host argument buffer size and of every entry.
	Alignment = 64
	// EntryGranularity is the smallest argument slot; it bounds the number of arguments.
	EntryGranularity = 4096
	// DefaultHostSize is used when the caller gives no size hint.
	DefaultHostSize = 64 << 20
	// DefaultHeapLimit caps host tensor bodies allocated outside the argument buffer.
	DefaultHeapLimit = 16 << 30
)

// Buffer is the argument buffer pool of one runtime. It is safe for concurrent use.
type Buffer struct {
	mu    sync.Mutex
	alloc *memory.CheckedAllocator
	gpu   device.GPUDriver

	reserved bool
	hostCap  uint64
	hostUsed uint64
	maxArgs  int
	entries  map[int]*memory.Buffer
	nextID   int

	gpuFirst, gpuLast int
	gpuSize           uint64

	heapLimit uint64
	heapUsed  uint64
}

// New returns an unreserved buffer. gpu may be nil.
func New(gpu device.GPUDriver) *Buffer {
	return &Buffer{
		alloc:    memory.NewCheckedAllocator(memory.NewGoAllocator()),
		gpu:      gpu,
		entries:   make(map[int]*memory.Buffer),
		gpuFirst:  0,
		gpuLast:   -1,
		heapLimit: DefaultHeapLimit,
	}
}

// SetHeapLimit caps the host memory handed out outside the argument buffer.
// Zero restores DefaultHeapLimit.
func (b *Buffer) SetHeapLimit(limit uint64) {
	if limit == 0 {
		limit = DefaultHeapLimit
	}
	b.mu.Lock()
	b.heapLimit = limit
	b.mu.Unlock()
}

// Reserve sizes the host argument buffer from hint and, when first <= last,
// reserves argument buffers on GPUs [first, last]. The GPU range is contiguous
// because driver-side buffers are reserved per range. Each GPU gets an equal
// share of the host size. It returns the actual host size and the maximum
// number of arguments that fit into it.
func (b *Buffer) Reserve(hint uint64, first, last int) (uint64, int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.reserved {
		return 0, 0, status.Errorf(status.Failure, "argument buffer already reserved")
	}
	size := hint
	if size == 0 {
		size = DefaultHostSize
	}
	if size < EntryGranularity {
		size = EntryGranularity
	}
	if rem := size % Alignment; rem != 0 {
		if size+Alignment-rem < size {
			return 0, 0, status.Errorf(status.IntegerOverflow, "host buffer size %d", hint)
		}
		size += Alignment - rem
	}

	var gpuSize uint64
	if first <= last {
		if b.gpu == nil {
			return 0, 0, status.Errorf(status.NotAvailable, "no gpu driver")
		}
		share := size / uint64(last-first+1)
		got, err := b.gpu.ReserveArgBuffers(first, last, share)
		if err != nil {
			return 0, 0, status.Passthrough(err, "reserve gpu argument buffers [%d, %d]", first, last)
		}
		gpuSize = got
	}

	b.reserved = true
	b.hostCap = size
	b.hostUsed = 0
	b.maxArgs = int(size / EntryGranularity)
	b.gpuFirst, b.gpuLast, b.gpuSize = first, last, gpuSize

	reservedBytes.WithLabelValues(device.Host.String()).Set(float64(size))
	if first <= last {
		reservedBytes.WithLabelValues(device.NvidiaGPU.String()).Set(float64(gpuSize) * float64(last-first+1))
	}
	log.Debug().Uint64("host_bytes", size).Int("max_args", b.maxArgs).
		Int("gpu_first", first).Int("gpu_last", last).Msg("Argument buffers reserved")
	return size, b.maxArgs, nil
}

// Release frees the argument buffers. Outstanding entries are dropped and
// reported as NotClean; a driver failure is reported as Failure. The buffer
// is unreserved afterwards in every case.
func (b *Buffer) Release() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.reserved {
		return status.Errorf(status.InvalidArgs, "argument buffer not reserved")
	}
	var err error
	if n := len(b.entries); n > 0 {
		for id, e := range b.entries {
			e.Release()
			delete(b.entries, id)
		}
		err = status.Errorf(status.NotClean, "%d argument entries still in use", n)
	}
	if b.gpuFirst <= b.gpuLast && b.gpu != nil {
		if gerr := b.gpu.ReleaseArgBuffers(b.gpuFirst, b.gpuLast); gerr != nil {
			if status.IsSoft(gerr) {
				if err == nil {
					err = gerr
				}
			} else {
				err = status.Errorf(status.Failure, "release gpu argument buffers: %v", gerr)
			}
		}
	}
	b.reserved = false
	b.hostCap, b.hostUsed, b.maxArgs = 0, 0, 0
	b.gpuFirst, b.gpuLast, b.gpuSize = 0, -1, 0
	reservedBytes.Reset()
	usedBytes.Set(0)
	return err
}

// Reserved reports whether the buffer is reserved.
func (b *Buffer) Reserved() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reserved
}

// GPURange returns the reserved GPU range; first > last when none.
func (b *Buffer) GPURange() (first, last int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gpuFirst, b.gpuLast
}

// Stats is a snapshot of host argument buffer usage.
type Stats struct {
	Capacity  uint64
	Used      uint64
	Entries   int
	MaxArgs   int
	Allocated int
	HeapUsed  uint64
	HeapLimit uint64
}

// Stats returns the current host usage.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Capacity:  b.hostCap,
		Used:      b.hostUsed,
		Entries:   len(b.entries),
		MaxArgs:   b.maxArgs,
		Allocated: b.alloc.CurrentAlloc(),
		HeapUsed:  b.heapUsed,
		HeapLimit: b.heapLimit,
	}
}

// Entry carves size bytes out of the host argument buffer. The returned
// memory can be handed to a tensor as external memory together with id.
func (b *Buffer) Entry(size uint64) (int, []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	buf, err := b.takeLocked(size)
	if err != nil {
		return -1, nil, err
	}
	id := b.nextID
	b.nextID++
	b.entries[id] = buf
	return id, buf.Bytes(), nil
}

// FreeEntry returns an entry obtained from Entry.
func (b *Buffer) FreeEntry(id int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.freeEntryLocked(id)
}

func (b *Buffer) freeEntryLocked(id int) error {
	e, ok := b.entries[id]
	if !ok {
		return status.Errorf(status.InvalidArgs, "argument entry %d", id)
	}
	b.giveLocked(e)
	delete(b.entries, id)
	return nil
}

func (b *Buffer) takeLocked(size uint64) (*memory.Buffer, error) {
	if !b.reserved {
		return nil, status.Errorf(status.DeviceUnable, "host argument buffer not reserved")
	}
	if len(b.entries) >= b.maxArgs {
		return nil, status.Errorf(status.TryLater, "all %d argument entries in use", b.maxArgs)
	}
	need := alignUp(size)
	if need < size || need > b.hostCap-b.hostUsed {
		return nil, status.Errorf(status.TryLater, "need %d bytes, %d free", size, b.hostCap-b.hostUsed)
	}
	buf := memory.NewResizableBuffer(b.alloc)
	buf.Resize(int(size))
	b.hostUsed += need
	usedBytes.Set(float64(b.hostUsed))
	return buf, nil
}

func (b *Buffer) giveLocked(buf *memory.Buffer) {
	b.hostUsed -= alignUp(uint64(buf.Len()))
	buf.Release()
	usedBytes.Set(float64(b.hostUsed))
}

func alignUp(n uint64) uint64 {
	if rem := n % Alignment; rem != 0 {
		return n + Alignment - rem
	}
	return n
}
