// Package legacy exposes the runtime through integer status codes and integer
// handles, for callers that cannot hold Go values or errors: foreign function
// bindings and the line-oriented admin endpoint.
//
// Every function passes straight through to the Go API. Errors are turned
// into status codes; tensor blocks and tasks live in handle tables. Each
// handle carries its own lock, so concurrent calls on one handle are
// serialized while different handles proceed in parallel.
package legacy

import (
	"context"
	"sync"

	"github.com/23skdu/longbow-talsh/internal/cache"
	"github.com/23skdu/longbow-talsh/internal/device"
	"github.com/23skdu/longbow-talsh/internal/shape"
	"github.com/23skdu/longbow-talsh/internal/status"
	"github.com/23skdu/longbow-talsh/internal/talsh"
	"github.com/23skdu/longbow-talsh/internal/task"
	"github.com/23skdu/longbow-talsh/internal/tensor"
)

const (
	Yep  = 1
	Nope = 0
)

// DefaultMaxHandles bounds each handle table.
const DefaultMaxHandles = 1 << 16

// guarded is a handle table entry.
type guarded[T any] struct {
	mu sync.Mutex
	v  T
}

// Binding is the integer-code view of one runtime.
type Binding struct {
	rt      *talsh.Runtime
	tensors cache.Table[*guarded[*tensor.Block]]
	tasks   cache.Table[*guarded[*task.Task]]
}

// New binds rt. maxHandles <= 0 selects DefaultMaxHandles.
func New(rt *talsh.Runtime, maxHandles int) *Binding {
	if maxHandles <= 0 {
		maxHandles = DefaultMaxHandles
	}
	return &Binding{
		rt:      rt,
		tensors: cache.NewMapTable[*guarded[*tensor.Block]](maxHandles),
		tasks:   cache.NewMapTable[*guarded[*task.Task]](maxHandles),
	}
}

// Code converts err into its integer status code.
func Code(err error) int {
	return status.CodeOf(err).Int()
}

// Init brings the runtime up; the host buffer size is in/out.
func (b *Binding) Init(hostBufSize *uint64, gpus, mics, amds []int) (maxArgs int, code int) {
	if hostBufSize == nil {
		return 0, status.InvalidArgs.Int()
	}
	size, maxArgs, err := b.rt.Initialize(context.Background(), *hostBufSize, gpus, mics, amds)
	if err != nil {
		return 0, Code(err)
	}
	*hostBufSize = size
	return maxArgs, status.Success.Int()
}

// Shutdown shuts the runtime down.
func (b *Binding) Shutdown() int {
	return Code(b.rt.Shutdown(context.Background()))
}

// FlatDevID encodes (kind, index); DevMax signals invalid arguments.
func FlatDevID(kind, index int) int {
	return device.FlatID(device.Kind(kind), index)
}

// KindDevID decodes a flat id; a negative index signals an invalid id.
func KindDevID(flat int) (index, kind int) {
	i, k := device.KindID(flat)
	return i, int(k)
}

// DeviceState returns the device state on success and a status code otherwise.
func (b *Binding) DeviceState(id, kind int) int {
	st, err := b.rt.DeviceState(id, device.Kind(kind))
	if err != nil {
		return Code(err)
	}
	return int(st)
}

// DeviceBusyLeast returns the flat id of the least busy device, or a status code.
func (b *Binding) DeviceBusyLeast(kind int) int {
	id, err := b.rt.LeastBusyDevice(device.Kind(kind))
	if err != nil {
		return Code(err)
	}
	return id
}

// Stats logs runtime statistics.
func (b *Binding) Stats(id, kind int) int {
	return Code(b.rt.PrintStats(id, device.Kind(kind)))
}

// withBlock runs fn on the block behind h while holding its lock. An unknown
// handle passes a nil block, which every tensor operation rejects.
func (b *Binding) withBlock(h int, fn func(*tensor.Block) error) error {
	g, ok := b.tensors.Get(h)
	if !ok {
		return fn(nil)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return fn(g.v)
}

// WithBlock runs fn on the tensor block behind handle h. No other call on h
// runs until fn returns, so fn may read the block body.
func (b *Binding) WithBlock(h int, fn func(*tensor.Block) error) error {
	g, ok := b.tensors.Get(h)
	if !ok {
		return status.Errorf(status.InvalidArgs, "tensor handle %d", h)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return fn(g.v)
}

// Runtime returns the bound runtime.
func (b *Binding) Runtime() *talsh.Runtime {
	return b.rt
}

// TensorCreate returns the handle of a new empty tensor block. TryLater is
// reported when the handle table is full.
func (b *Binding) TensorCreate() (int, int) {
	h, ok := b.tensors.Put(&guarded[*tensor.Block]{v: tensor.Create()})
	if !ok {
		return 0, status.TryLater.Int()
	}
	return h, status.Success.Int()
}

func (b *Binding) TensorClean(h int) int {
	return Code(b.withBlock(h, tensor.Clean))
}

// TensorIsEmpty returns Yep, Nope or a status code.
func (b *Binding) TensorIsEmpty(h int) int {
	var empty bool
	err := b.withBlock(h, func(t *tensor.Block) (err error) {
		empty, err = tensor.IsEmpty(t)
		return err
	})
	if err != nil {
		return Code(err)
	}
	if empty {
		return Yep
	}
	return Nope
}

// TensorConstruct constructs tensor h. A non-nil extMem is attached as the
// first copy; inArgBuf >= 0 names the host argument buffer entry it came from
// (or requests a body in the argument buffer when extMem is nil).
func (b *Binding) TensorConstruct(h, dataKind int, dims []int, devID int, extMem []byte, inArgBuf int, initFn tensor.InitFunc, initRe, initIm float64) int {
	opts := []tensor.Option{tensor.WithInitValue(initRe, initIm)}
	if extMem != nil {
		opts = append(opts, tensor.WithExternalMemory(extMem))
	}
	if inArgBuf >= 0 {
		opts = append(opts, tensor.WithArgBufferEntry(inArgBuf))
	}
	if initFn != nil {
		opts = append(opts, tensor.WithInit(initFn))
	}
	return Code(b.withBlock(h, func(t *tensor.Block) error {
		return tensor.Construct(b.rt, t, device.DataKind(dataKind), dims, devID, opts...)
	}))
}

func (b *Binding) TensorDestruct(h int) int {
	return Code(b.withBlock(h, func(t *tensor.Block) error {
		return tensor.Destruct(b.rt, t)
	}))
}

// TensorDestroy destroys tensor h and frees its handle. While the runtime is
// down nothing is released and the handle stays valid.
func (b *Binding) TensorDestroy(h int) int {
	g, ok := b.tensors.Get(h)
	if !ok {
		return status.InvalidArgs.Int()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	err := tensor.Destroy(b.rt, g.v)
	if status.Is(err, status.NotInitialized) {
		return Code(err)
	}
	if _, ok := b.tensors.Delete(h); !ok {
		return status.InvalidArgs.Int()
	}
	return Code(err)
}

// TensorVolume returns the volume, 0 for an empty or unknown block.
func (b *Binding) TensorVolume(h int) uint64 {
	var v uint64
	err := b.withBlock(h, func(t *tensor.Block) (err error) {
		v, err = tensor.Volume(t)
		return err
	})
	if err != nil {
		return 0
	}
	return v
}

// TensorShape returns the dimension extents of tensor h.
func (b *Binding) TensorShape(h int) ([]int, int) {
	var out shape.Shape
	if err := b.withBlock(h, func(t *tensor.Block) error { return tensor.Shape(t, &out) }); err != nil {
		return nil, Code(err)
	}
	return out.Dims(), status.Success.Int()
}

// TensorPresence lists the flat device ids and data kinds of the copies of tensor h.
func (b *Binding) TensorPresence(h, kind, devID int) (devs, kinds []int, code int) {
	var copies []tensor.Copy
	err := b.withBlock(h, func(t *tensor.Block) (err error) {
		copies, err = tensor.Presence(b.rt, t, device.Kind(kind), devID)
		return err
	})
	if err != nil {
		return nil, nil, Code(err)
	}
	devs = make([]int, len(copies))
	kinds = make([]int, len(copies))
	for i, c := range copies {
		devs[i], kinds[i] = c.DevID, int(c.DataKind)
	}
	return devs, kinds, status.Success.Int()
}

func (b *Binding) withTask(h int, fn func(*task.Task) error) error {
	g, ok := b.tasks.Get(h)
	if !ok {
		return fn(nil)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return fn(g.v)
}

// TaskCreate returns the handle of a new clean task.
func (b *Binding) TaskCreate() (int, int) {
	h, ok := b.tasks.Put(&guarded[*task.Task]{v: task.Create()})
	if !ok {
		return 0, status.TryLater.Int()
	}
	return h, status.Success.Int()
}

func (b *Binding) TaskClean(h int) int {
	return Code(b.withTask(h, task.Clean))
}

func (b *Binding) TaskConstruct(h, kind, dataKind int) int {
	return Code(b.withTask(h, func(t *task.Task) error {
		return task.Construct(b.rt, t, device.Kind(kind), device.DataKind(dataKind))
	}))
}

func (b *Binding) TaskDestruct(h int) int {
	return Code(b.withTask(h, func(t *task.Task) error {
		return task.Destruct(b.rt, t)
	}))
}

// TaskDestroy destroys task h and frees its handle. While the runtime is
// down nothing is released and the handle stays valid.
func (b *Binding) TaskDestroy(h int) int {
	g, ok := b.tasks.Get(h)
	if !ok {
		return status.InvalidArgs.Int()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	err := task.Destroy(b.rt, g.v)
	if status.Is(err, status.NotInitialized) {
		return Code(err)
	}
	if _, ok := b.tasks.Delete(h); !ok {
		return status.InvalidArgs.Int()
	}
	return Code(err)
}

// TaskStatus returns one of the task status codes, or an error code.
func (b *Binding) TaskStatus(h int) int {
	var st task.Status
	err := b.withTask(h, func(t *task.Task) (err error) {
		st, err = task.Poll(b.rt, t)
		return err
	})
	if err != nil {
		return Code(err)
	}
	return st.Code().Int()
}

// TaskDevID returns the device of task h: a flat id, or the index within its
// kind when kindSpecific is set. DevNull signals an error.
func (b *Binding) TaskDevID(h int, kindSpecific bool) (id, kind int) {
	if !b.rt.Initialized() {
		return status.NotInitialized.Int(), int(device.KindNull)
	}
	id, kind = device.DevNull, int(device.KindNull)
	_ = b.withTask(h, func(t *task.Task) error {
		if t == nil {
			return nil
		}
		i, k := task.DeviceID(b.rt, t, kindSpecific)
		id, kind = i, int(k)
		return nil
	})
	return id, kind
}
