// Package shape holds tensor shape metadata: dimension extents, divisions and
// dimension groups. The tensor runtime treats it as an opaque service.
package shape

import (
	"math/bits"
	"slices"

	"github.com/23skdu/longbow-talsh/internal/status"
)

// MaxRank is the largest supported tensor rank.
const MaxRank = 56

// Shape is the dimension metadata of a tensor block. The zero value is an
// empty (defined, value-less) shape.
type Shape struct {
	dims    []int
	divs    []int
	grps    []int
	defined bool
	pinned  bool
}

// Construct defines s with the given extents. divs and grps may be nil, in
// which case each dimension is its own division and belongs to group 0.
// Constructing over a defined shape replaces its value.
func (s *Shape) Construct(pinned bool, dims, divs, grps []int) error {
	if s == nil {
		return status.Errorf(status.InvalidArgs, "nil shape")
	}
	if len(dims) > MaxRank {
		return status.Errorf(status.InvalidArgs, "rank %d exceeds %d", len(dims), MaxRank)
	}
	if divs != nil && len(divs) != len(dims) {
		return status.Errorf(status.InvalidArgs, "divs length %d != rank %d", len(divs), len(dims))
	}
	if grps != nil && len(grps) != len(dims) {
		return status.Errorf(status.InvalidArgs, "grps length %d != rank %d", len(grps), len(dims))
	}
	for i, d := range dims {
		if d <= 0 {
			return status.Errorf(status.InvalidArgs, "dimension %d has extent %d", i, d)
		}
		if divs != nil && (divs[i] <= 0 || divs[i] > d) {
			return status.Errorf(status.InvalidArgs, "dimension %d has division %d", i, divs[i])
		}
		if grps != nil && grps[i] < 0 {
			return status.Errorf(status.InvalidArgs, "dimension %d has group %d", i, grps[i])
		}
	}
	s.dims = slices.Clone(dims)
	if divs != nil {
		s.divs = slices.Clone(divs)
	} else {
		s.divs = slices.Clone(dims)
	}
	if grps != nil {
		s.grps = slices.Clone(grps)
	} else {
		s.grps = make([]int, len(dims))
	}
	s.pinned = pinned
	s.defined = true
	return nil
}

// Defined reports whether s carries a value.
func (s *Shape) Defined() bool {
	return s != nil && s.defined
}

// Rank returns the number of dimensions.
func (s *Shape) Rank() int {
	return len(s.dims)
}

// Dims returns a copy of the dimension extents.
func (s *Shape) Dims() []int {
	return slices.Clone(s.dims)
}

// Divs returns a copy of the dimension divisions.
func (s *Shape) Divs() []int {
	return slices.Clone(s.divs)
}

// Grps returns a copy of the dimension groups.
func (s *Shape) Grps() []int {
	return slices.Clone(s.grps)
}

// Pinned reports whether the shape lives in pinned host memory.
func (s *Shape) Pinned() bool {
	return s.pinned
}

// Volume returns the number of elements. A rank-0 shape has volume 1.
// An undefined shape has volume 0.
func (s *Shape) Volume() (uint64, error) {
	if !s.Defined() {
		return 0, nil
	}
	vol := uint64(1)
	for _, d := range s.dims {
		hi, lo := bits.Mul64(vol, uint64(d))
		if hi != 0 {
			return 0, status.Errorf(status.IntegerOverflow, "volume of %v", s.dims)
		}
		vol = lo
	}
	return vol, nil
}

// Clear returns s to the empty state.
func (s *Shape) Clear() {
	*s = Shape{}
}

// Equal reports whether two shapes carry the same value.
func (s *Shape) Equal(o *Shape) bool {
	if !s.Defined() || !o.Defined() {
		return s.Defined() == o.Defined()
	}
	return slices.Equal(s.dims, o.dims) && slices.Equal(s.divs, o.divs) && slices.Equal(s.grps, o.grps)
}
