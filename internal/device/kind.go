package device

import "fmt"

// Kind is a class of compute device.
type Kind int

const (
	KindNull Kind = iota - 1
	Host
	NvidiaGPU
	IntelMIC
	AMDGPU
)

// Per-kind device limits on a node.
const (
	MaxHosts = 1
	MaxGPUs  = 8
	MaxMICs  = 8
	MaxAMDs  = 8
)

// Flat device id layout: host first, then each accelerator kind in order.
const (
	hostBase = 0
	gpuBase  = hostBase + MaxHosts
	micBase  = gpuBase + MaxGPUs
	amdBase  = micBase + MaxMICs

	// DevMax is one past the last valid flat device id. FlatID returns it for invalid input.
	DevMax = amdBase + MaxAMDs
)

// DevNull is the null device id.
const DevNull = -1

// Kinds lists every real device kind.
var Kinds = []Kind{Host, NvidiaGPU, IntelMIC, AMDGPU}

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case Host:
		return "host"
	case NvidiaGPU:
		return "nvidia_gpu"
	case IntelMIC:
		return "intel_mic"
	case AMDGPU:
		return "amd_gpu"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Valid reports whether k is a real device kind.
func (k Kind) Valid() bool {
	return k >= Host && k <= AMDGPU
}

// ValidOrNull reports whether k is a real device kind or KindNull.
func (k Kind) ValidOrNull() bool {
	return k == KindNull || k.Valid()
}

// Max returns the number of devices of kind k a node can have.
func (k Kind) Max() int {
	switch k {
	case Host:
		return MaxHosts
	case NvidiaGPU:
		return MaxGPUs
	case IntelMIC:
		return MaxMICs
	case AMDGPU:
		return MaxAMDs
	}
	return 0
}

func (k Kind) base() int {
	switch k {
	case Host:
		return hostBase
	case NvidiaGPU:
		return gpuBase
	case IntelMIC:
		return micBase
	case AMDGPU:
		return amdBase
	}
	return DevMax
}

// FlatID converts a kind-specific device index into a flat device id.
// It returns DevMax when the kind or the index is invalid.
func FlatID(kind Kind, index int) int {
	if !kind.Valid() || index < 0 || index >= kind.Max() {
		return DevMax
	}
	return kind.base() + index
}

// KindID converts a flat device id into its kind-specific index and kind.
// An invalid flat id yields a negative index and KindNull.
func KindID(flat int) (int, Kind) {
	if flat < 0 || flat >= DevMax {
		return DevNull, KindNull
	}
	for i := len(Kinds) - 1; i >= 0; i-- {
		k := Kinds[i]
		if flat >= k.base() {
			return flat - k.base(), k
		}
	}
	return DevNull, KindNull
}
