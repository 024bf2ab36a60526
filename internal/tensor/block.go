// Package tensor manages tensor blocks: logical N-dimensional arrays that may
// be materialized as zero or more copies spread across devices.
//
// A Block is either empty (no shape, no copies) or constructed (shape bound,
// zero or more copies). Operations on one block must be serialized by the
// caller; blocks carry no locks.
package tensor

import (
	"github.com/23skdu/longbow-talsh/internal/argbuf"
	"github.com/23skdu/longbow-talsh/internal/device"
	"github.com/23skdu/longbow-talsh/internal/shape"
	"github.com/23skdu/longbow-talsh/internal/status"
)

// MaxDevPresent is the capacity of the copy table of a block.
const MaxDevPresent = 16

// Runtime is the runtime state tensor operations consult.
type Runtime interface {
	Initialized() bool
	// DeviceLive reports whether the device with the given flat id is switched on.
	DeviceLive(flat int) bool
	Resources() *argbuf.Buffer
	Shapes() shape.Service
	// RecordNotClean counts one soft failure.
	RecordNotClean()
}

// Copy describes one device-resident copy of a block.
type Copy struct {
	DevID    int
	DataKind device.DataKind
}

type copyRecord struct {
	rsc      argbuf.Resource
	dataKind device.DataKind
}

// Block is a tensor block.
type Block struct {
	shape  *shape.Shape
	copies []copyRecord // fixed capacity table, nil when empty
	ncopy  int

	destroyed bool
}

// Create returns a new empty block.
func Create() *Block {
	b := &Block{}
	Clean(b)
	return b
}

// Clean makes b empty without releasing anything. Use it only on blocks
// that were never constructed; constructed blocks go through Destruct.
func Clean(b *Block) error {
	if b == nil {
		return status.Errorf(status.InvalidArgs, "nil tensor block")
	}
	b.shape = nil
	b.copies = nil
	b.ncopy = 0
	return nil
}

func checkBlock(b *Block) error {
	if b == nil {
		return status.Errorf(status.InvalidArgs, "nil tensor block")
	}
	if b.destroyed {
		return status.Errorf(status.InvalidArgs, "tensor block destroyed")
	}
	return nil
}

// IsEmpty reports whether b is empty.
func IsEmpty(b *Block) (bool, error) {
	if err := checkBlock(b); err != nil {
		return false, err
	}
	return b.shape == nil, nil
}

// NumCopies returns the number of materialized copies.
func (b *Block) NumCopies() int {
	return b.ncopy
}

// Volume returns the number of elements of b, 0 for an empty block.
func Volume(b *Block) (uint64, error) {
	if err := checkBlock(b); err != nil {
		return 0, err
	}
	if b.shape == nil {
		return 0, nil
	}
	return b.shape.Volume()
}

// Shape copies the shape of b into out. out must be empty or defined; its
// previous value is replaced.
func Shape(b *Block, out *shape.Shape) error {
	if err := checkBlock(b); err != nil {
		return err
	}
	if out == nil {
		return status.Errorf(status.InvalidArgs, "nil output shape")
	}
	if b.shape == nil {
		return status.Errorf(status.ObjectIsEmpty, "shape of empty tensor block")
	}
	if err := out.Construct(b.shape.Pinned(), b.shape.Dims(), b.shape.Divs(), b.shape.Grps()); err != nil {
		return status.Errorf(status.Failure, "copy shape: %v", err)
	}
	return nil
}

// Presence lists the copies of b. kind narrows the search to one device kind
// (KindNull for any). devID narrows it to one device (negative for any): it is
// a flat id when kind is KindNull and an index within kind otherwise.
func Presence(rt Runtime, b *Block, kind device.Kind, devID int) ([]Copy, error) {
	if !rt.Initialized() {
		return nil, status.NotInitialized
	}
	if err := checkBlock(b); err != nil {
		return nil, err
	}
	if b.shape == nil {
		return nil, status.Errorf(status.ObjectIsEmpty, "presence of empty tensor block")
	}
	if !kind.ValidOrNull() {
		return nil, status.Errorf(status.InvalidArgs, "device kind %d", int(kind))
	}

	wantKind, wantIdx := kind, -1
	if kind == device.KindNull {
		if devID >= 0 {
			wantIdx, wantKind = device.KindID(devID)
			if wantIdx < 0 {
				return nil, status.Errorf(status.InvalidArgs, "flat device id %d", devID)
			}
		}
	} else if devID >= 0 {
		if device.FlatID(kind, devID) == device.DevMax {
			return nil, status.Errorf(status.InvalidArgs, "device %s:%d", kind, devID)
		}
		wantIdx = devID
	}

	if b.ncopy == 0 {
		return nil, nil
	}
	if b.ncopy > MaxDevPresent || b.ncopy > len(b.copies) {
		return nil, status.Errorf(status.Failure, "copy count %d exceeds table of %d", b.ncopy, len(b.copies))
	}
	if b.copies == nil {
		return nil, status.Errorf(status.Failure, "copy table missing")
	}

	var out []Copy
	for i := 0; i < b.ncopy; i++ {
		c := &b.copies[i]
		idx, k := device.KindID(c.rsc.DevID())
		if idx < 0 {
			return nil, status.Errorf(status.Failure, "copy %d on invalid device %d", i, c.rsc.DevID())
		}
		if (wantKind == device.KindNull || k == wantKind) && (wantIdx < 0 || idx == wantIdx) {
			out = append(out, Copy{DevID: c.rsc.DevID(), DataKind: c.dataKind})
		}
	}
	return out, nil
}

// HostBody returns the body of the first host-resident copy of b.
func HostBody(rt Runtime, b *Block) ([]byte, device.DataKind, error) {
	copies, err := Presence(rt, b, device.Host, -1)
	if err != nil {
		return nil, device.NoType, err
	}
	for i := 0; i < b.ncopy; i++ {
		c := &b.copies[i]
		if len(copies) > 0 && c.rsc.DevID() == copies[0].DevID {
			return rt.Resources().Bytes(&c.rsc), c.dataKind, nil
		}
	}
	return nil, device.NoType, status.Errorf(status.InvalidArgs, "tensor block has no host copy")
}
