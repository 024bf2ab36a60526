package tensor

import (
	"math/bits"
	"unsafe"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-talsh/internal/argbuf"
	"github.com/23skdu/longbow-talsh/internal/device"
	"github.com/23skdu/longbow-talsh/internal/status"
)

// InitFunc initializes a freshly allocated host body.
type InitFunc func(body []byte, kind device.DataKind, dims []int) error

type options struct {
	extMem []byte
	entry  int
	init   InitFunc
	initRe float64
	initIm float64
}

// Option configures Construct.
type Option func(*options)

// WithExternalMemory makes the block use caller-owned memory as its first
// copy. External memory is never initialized.
func WithExternalMemory(mem []byte) Option {
	return func(o *options) { o.extMem = mem }
}

// WithArgBufferEntry marks the body as living in the host argument buffer.
// With external memory, mem is the argument buffer entry id and the block
// takes ownership of it; without, the body is carved out of the buffer.
func WithArgBufferEntry(id int) Option {
	return func(o *options) { o.entry = id }
}

// WithInit initializes the body with fn instead of a constant value.
func WithInit(fn InitFunc) Option {
	return func(o *options) { o.init = fn }
}

// WithInitValue sets the constant the body is filled with (default 0).
func WithInitValue(re, im float64) Option {
	return func(o *options) { o.initRe, o.initIm = re, im }
}

// Construct binds a shape to the empty block b and, unless kind is NoType,
// materializes and initializes a body on device devID.
//
// A failure to initialize the body returns NotClean with a usable block whose
// content is unspecified. A body on a non-host device is left uninitialized and
// NotImplemented is returned with the block constructed. Any other error
// leaves b empty.
func Construct(rt Runtime, b *Block, kind device.DataKind, dims []int, devID int, opts ...Option) error {
	if !rt.Initialized() {
		return status.NotInitialized
	}
	if err := checkBlock(b); err != nil {
		return err
	}
	if b.shape != nil {
		return status.Errorf(status.ObjectNotEmpty, "construct over non-empty tensor block")
	}
	if !kind.Valid() {
		return status.Errorf(status.InvalidArgs, "data kind %d", int(kind))
	}
	devIdx, devKind := device.KindID(devID)
	if devIdx < 0 {
		return status.Errorf(status.InvalidArgs, "flat device id %d", devID)
	}
	if !rt.DeviceLive(devID) {
		return status.Errorf(status.DeviceUnable, "device %d is off", devID)
	}
	o := options{entry: -1}
	for _, opt := range opts {
		opt(&o)
	}

	sh, err := rt.Shapes().Create()
	if err != nil {
		return status.Passthrough(err, "create shape")
	}
	if sh == nil {
		return status.Errorf(status.Failure, "shape service returned no shape")
	}
	b.shape = sh
	if err := rt.Shapes().Construct(sh, false, dims, nil, nil); err != nil {
		err = status.Passthrough(err, "construct shape %v", dims)
		_ = Destruct(rt, b)
		return err
	}

	if b.copies != nil || b.ncopy != 0 {
		_ = Destruct(rt, b)
		return status.Errorf(status.InvalidArgs, "tensor block copy table not empty")
	}
	b.copies = make([]copyRecord, MaxDevPresent)
	b.ncopy = 0

	if o.extMem != nil {
		if err := rt.Resources().Attach(&b.copies[0].rsc, devID, o.extMem, o.entry); err != nil {
			_ = Destruct(rt, b)
			return status.Errorf(status.Failure, "attach external memory: %v", err)
		}
		b.copies[0].dataKind = kind
		b.ncopy = 1
		constructs.WithLabelValues(devKind.String(), "external").Inc()
		return nil
	}
	if kind == device.NoType {
		constructs.WithLabelValues(devKind.String(), "shape_only").Inc()
		return nil
	}

	vol, err := sh.Volume()
	if err != nil {
		_ = Destruct(rt, b)
		return err
	}
	if vol == 0 {
		_ = Destruct(rt, b)
		return status.Errorf(status.Failure, "zero volume for %v", dims)
	}
	hi, size := bits.Mul64(vol, uint64(kind.Size()))
	if hi != 0 || size > uint64(maxInt) {
		_ = Destruct(rt, b)
		return status.Errorf(status.IntegerOverflow, "%d elements of %s", vol, kind)
	}
	if err := rt.Resources().Allocate(&b.copies[0].rsc, devID, size, o.entry >= 0); err != nil {
		err = status.Passthrough(err, "allocate %d bytes on device %d", size, devID)
		_ = Destruct(rt, b)
		return err
	}
	b.copies[0].dataKind = kind
	b.ncopy = 1
	bodyBytes.Add(float64(size))
	constructs.WithLabelValues(devKind.String(), "allocated").Inc()

	if devKind != device.Host {
		return status.Errorf(status.NotImplemented, "initialization on %s", devKind)
	}
	body := rt.Resources().Bytes(&b.copies[0].rsc)
	if err := initBody(body, kind, dims, vol, &o); err != nil {
		rt.RecordNotClean()
		log.Warn().Err(err).Str("data_kind", kind.String()).Ints("dims", dims).
			Msg("Tensor body initialization failed, content undefined")
		return status.Errorf(status.NotClean, "initialize body: %v", err)
	}
	return nil
}

func initBody(body []byte, kind device.DataKind, dims []int, vol uint64, o *options) error {
	if o.init != nil {
		return o.init(body, kind, dims)
	}
	switch kind {
	case device.R4:
		device.FillFloat32(unsafe.Slice((*float32)(unsafe.Pointer(&body[0])), vol), float32(o.initRe))
	case device.R8:
		device.FillFloat64(unsafe.Slice((*float64)(unsafe.Pointer(&body[0])), vol), o.initRe)
	default:
		return status.Errorf(status.NotImplemented, "default fill of %s", kind)
	}
	return nil
}

// Destruct releases the shape and every copy of b and leaves it empty, even
// when a release fails. A NotClean release is reported only if nothing worse
// happened; any other failure is reported as Failure.
func Destruct(rt Runtime, b *Block) error {
	if !rt.Initialized() {
		return status.NotInitialized
	}
	if err := checkBlock(b); err != nil {
		return err
	}
	var worst error
	merge := func(err error, what string) {
		switch {
		case err == nil:
		case status.IsSoft(err):
			if worst == nil {
				worst = err
			}
		default:
			worst = status.Errorf(status.Failure, "%s: %v", what, err)
		}
	}

	if b.shape != nil {
		merge(rt.Shapes().Destroy(b.shape), "destroy shape")
		b.shape = nil
	}
	if b.ncopy > len(b.copies) {
		worst = status.Errorf(status.Failure, "copy count %d exceeds table of %d", b.ncopy, len(b.copies))
		b.ncopy = len(b.copies)
	}
	for i := 0; i < b.ncopy; i++ {
		rsc := &b.copies[i].rsc
		bodyBytes.Sub(float64(ownedSize(rsc)))
		merge(rt.Resources().ReleaseAll(rsc), "release copy")
	}
	if b.ncopy > 0 {
		destructs.Inc()
	}
	if status.IsSoft(worst) {
		rt.RecordNotClean()
	}
	_ = Clean(b)
	return worst
}

// Destroy destructs b and retires it; b must not be used afterwards. When
// the runtime is not initialized nothing is released and b stays usable.
func Destroy(rt Runtime, b *Block) error {
	if err := checkBlock(b); err != nil {
		return err
	}
	err := Destruct(rt, b)
	if status.Is(err, status.NotInitialized) {
		return err
	}
	b.destroyed = true
	return err
}

func ownedSize(r *argbuf.Resource) uint64 {
	if r.Attached() {
		return 0
	}
	return r.Size()
}

const maxInt = int(^uint(0) >> 1)
