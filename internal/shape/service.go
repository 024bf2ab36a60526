package shape

import "github.com/23skdu/longbow-talsh/internal/status"

// Service creates, defines and destroys shapes. The tensor runtime goes
// through a Service so that shape storage can live elsewhere (e.g. pinned
// memory) and report TryLater or DeviceUnable.
type Service interface {
	Create() (*Shape, error)
	Construct(s *Shape, pinned bool, dims, divs, grps []int) error
	Destroy(s *Shape) error
}

// Default is the in-process shape service.
var Default Service = heapService{}

type heapService struct{}

func (heapService) Create() (*Shape, error) {
	return &Shape{}, nil
}

func (heapService) Construct(s *Shape, pinned bool, dims, divs, grps []int) error {
	return s.Construct(pinned, dims, divs, grps)
}

func (heapService) Destroy(s *Shape) error {
	if s == nil {
		return status.Errorf(status.InvalidArgs, "nil shape")
	}
	s.Clear()
	return nil
}
