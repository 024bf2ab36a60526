package argbuf

import (
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-talsh/internal/device"
	"github.com/23skdu/longbow-talsh/internal/status"
)

// Resource is the memory record of one tensor copy on one device.
// The zero value is an empty resource.
type Resource struct {
	devID int
	size  uint64

	host  *memory.Buffer // owned host memory outside the argument buffer
	entry int            // argument buffer entry, owned once attached or allocated
	ext   []byte         // caller-owned memory

	gpu    int
	gpuPtr device.DevicePtr

	inUse bool
}

// Empty reports whether r holds no memory.
func (r *Resource) Empty() bool {
	return !r.inUse
}

// DevID returns the flat id of the device the memory lives on.
func (r *Resource) DevID() int {
	return r.devID
}

// Size returns the size of the memory in bytes.
func (r *Resource) Size() uint64 {
	return r.size
}

// Attached reports whether the memory was supplied by the caller.
func (r *Resource) Attached() bool {
	return r.inUse && r.ext != nil
}

// Allocate gives r size bytes on device devID. On the host, inArgBuf takes the
// memory out of the host argument buffer instead of the general heap. GPU
// memory always comes from the GPU argument buffer.
func (b *Buffer) Allocate(r *Resource, devID int, size uint64, inArgBuf bool) error {
	if r == nil {
		return status.Errorf(status.InvalidArgs, "nil resource")
	}
	if r.inUse {
		return status.Errorf(status.ObjectNotEmpty, "resource on device %d", r.devID)
	}
	idx, kind := device.KindID(devID)
	if idx < 0 {
		return status.Errorf(status.InvalidArgs, "flat device id %d", devID)
	}

	switch kind {
	case device.Host:
		b.mu.Lock()
		defer b.mu.Unlock()
		if inArgBuf {
			buf, err := b.takeLocked(size)
			if err != nil {
				return err
			}
			id := b.nextID
			b.nextID++
			b.entries[id] = buf
			*r = Resource{devID: devID, size: size, entry: id, inUse: true}
			return nil
		}
		if size > uint64(maxInt) {
			return status.Errorf(status.IntegerOverflow, "host allocation of %d bytes", size)
		}
		if b.heapUsed > b.heapLimit || size > b.heapLimit-b.heapUsed {
			return status.Errorf(status.TryLater, "host allocation of %d bytes, %d of %d in use",
				size, b.heapUsed, b.heapLimit)
		}
		buf, err := allocHost(b.alloc, size)
		if err != nil {
			return err
		}
		b.heapUsed += size
		heapBytes.Add(float64(size))
		*r = Resource{devID: devID, size: size, host: buf, entry: -1, inUse: true}
		return nil

	case device.NvidiaGPU:
		if b.gpu == nil {
			return status.Errorf(status.NotAvailable, "no gpu driver")
		}
		ptr, err := b.gpu.Alloc(idx, size)
		if err != nil {
			return status.Passthrough(err, "gpu %d allocation of %d bytes", idx, size)
		}
		*r = Resource{devID: devID, size: size, entry: -1, gpu: idx, gpuPtr: ptr, inUse: true}
		return nil
	}
	return status.Errorf(status.NotImplemented, "memory on %s", kind)
}

// Attach binds caller-owned memory to r. When entry >= 0 the memory is the
// host argument buffer entry with that id and r takes ownership of it.
func (b *Buffer) Attach(r *Resource, devID int, mem []byte, entry int) error {
	if r == nil || mem == nil {
		return status.Errorf(status.InvalidArgs, "nil resource or memory")
	}
	if r.inUse {
		return status.Errorf(status.ObjectNotEmpty, "resource on device %d", r.devID)
	}
	if idx, _ := device.KindID(devID); idx < 0 {
		return status.Errorf(status.InvalidArgs, "flat device id %d", devID)
	}
	if entry >= 0 {
		b.mu.Lock()
		_, ok := b.entries[entry]
		b.mu.Unlock()
		if !ok {
			return status.Errorf(status.InvalidArgs, "argument entry %d", entry)
		}
	} else {
		entry = -1
	}
	*r = Resource{devID: devID, size: uint64(len(mem)), entry: entry, ext: mem, inUse: true}
	return nil
}

// Bytes returns the host memory of r, nil for device memory.
func (b *Buffer) Bytes(r *Resource) []byte {
	if r == nil || !r.inUse {
		return nil
	}
	switch {
	case r.ext != nil:
		return r.ext
	case r.host != nil:
		return r.host.Bytes()
	case r.entry >= 0:
		b.mu.Lock()
		defer b.mu.Unlock()
		if e, ok := b.entries[r.entry]; ok {
			return e.Bytes()
		}
	}
	return nil
}

// ReleaseAll frees every piece of memory r owns and empties it. Releasing an
// empty resource is a no-op. A resource whose argument entry has already been
// dropped (e.g. by Release) is emptied and reported as NotClean.
func (b *Buffer) ReleaseAll(r *Resource) error {
	if r == nil {
		return status.Errorf(status.InvalidArgs, "nil resource")
	}
	if !r.inUse {
		return nil
	}
	defer func() { *r = Resource{} }()

	switch {
	case r.host != nil:
		b.mu.Lock()
		b.heapUsed -= r.size
		b.mu.Unlock()
		heapBytes.Sub(float64(r.size))
		r.host.Release()
		return nil
	case r.entry >= 0:
		b.mu.Lock()
		defer b.mu.Unlock()
		if err := b.freeEntryLocked(r.entry); err != nil {
			return status.Errorf(status.NotClean, "argument entry %d already released", r.entry)
		}
		return nil
	case r.ext != nil:
		return nil
	}
	if b.gpu == nil {
		return status.Errorf(status.Failure, "gpu memory without gpu driver")
	}
	if err := b.gpu.Free(r.gpu, r.gpuPtr); err != nil {
		return status.Errorf(status.Failure, "free gpu %d memory: %v", r.gpu, err)
	}
	return nil
}

// allocHost turns an allocator panic (out of memory, size out of range) into TryLater.
func allocHost(alloc memory.Allocator, size uint64) (buf *memory.Buffer, err error) {
	defer func() {
		if p := recover(); p != nil {
			buf = nil
			err = status.Errorf(status.TryLater, "host allocation of %d bytes: %v", size, p)
		}
	}()
	buf = memory.NewResizableBuffer(alloc)
	buf.Resize(int(size))
	return buf, nil
}

const maxInt = int(^uint(0) >> 1)
