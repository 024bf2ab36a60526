package device

import (
	"fmt"

	"github.com/23skdu/longbow-talsh/internal/status"
)

// State is the status cell of one device.
type State int

const (
	Off State = iota
	On
	// OnAccelerated means the device is on and runs with an accelerated math backend.
	OnAccelerated
)

func (s State) String() string {
	switch s {
	case Off:
		return "off"
	case On:
		return "on"
	case OnAccelerated:
		return "on_accelerated"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Cell is one entry of a registry snapshot.
type Cell struct {
	FlatID int
	Kind   Kind
	Index  int
	State  State
}

// Registry is the table of device kind x index -> State.
// It does no locking; the runtime that owns it serializes access.
type Registry struct {
	cells [DevMax]State
}

// NewRegistry returns a registry with every device off.
func NewRegistry() *Registry {
	return &Registry{}
}

// Set records the state of device (kind, index).
func (r *Registry) Set(kind Kind, index int, st State) error {
	id := FlatID(kind, index)
	if id == DevMax {
		return status.Errorf(status.InvalidArgs, "device %s:%d", kind, index)
	}
	r.cells[id] = st
	return nil
}

// State returns the state of a device. When kind is KindNull, id is a flat
// device id; otherwise it is an index within kind.
func (r *Registry) State(id int, kind Kind) (State, error) {
	flat := id
	if kind == KindNull {
		if idx, _ := KindID(id); idx < 0 {
			return Off, status.Errorf(status.InvalidArgs, "flat device id %d", id)
		}
	} else {
		flat = FlatID(kind, id)
		if flat == DevMax {
			return Off, status.Errorf(status.InvalidArgs, "device %s:%d", kind, id)
		}
	}
	return r.cells[flat], nil
}

// Live reports whether the device with the given flat id is switched on.
func (r *Registry) Live(flat int) bool {
	if flat < 0 || flat >= DevMax {
		return false
	}
	return r.cells[flat] != Off
}

// Reset switches every device off.
func (r *Registry) Reset() {
	for i := range r.cells {
		r.cells[i] = Off
	}
}

// Snapshot returns every cell in flat id order.
func (r *Registry) Snapshot() []Cell {
	out := make([]Cell, 0, DevMax)
	for flat, st := range r.cells {
		idx, k := KindID(flat)
		out = append(out, Cell{FlatID: flat, Kind: k, Index: idx, State: st})
	}
	return out
}
