package device

import "fmt"

// DataKind is the element type of a tensor body.
type DataKind int

const (
	// NoType is a legal data kind meaning "shape only, no body".
	NoType DataKind = iota
	R4
	R8
	C4
	C8
)

// Size returns the element size in bytes, 0 for NoType.
func (d DataKind) Size() int {
	switch d {
	case R4:
		return 4
	case R8, C4:
		return 8
	case C8:
		return 16
	}
	return 0
}

// Valid reports whether d is a known data kind, NoType included.
func (d DataKind) Valid() bool {
	return d >= NoType && d <= C8
}

// Complex reports whether d is a complex data kind.
func (d DataKind) Complex() bool {
	return d == C4 || d == C8
}

func (d DataKind) String() string {
	switch d {
	case NoType:
		return "no_type"
	case R4:
		return "r4"
	case R8:
		return "r8"
	case C4:
		return "c4"
	case C8:
		return "c8"
	}
	return fmt.Sprintf("data_kind(%d)", int(d))
}
