package tensor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-talsh/internal/argbuf"
	"github.com/23skdu/longbow-talsh/internal/device"
	"github.com/23skdu/longbow-talsh/internal/shape"
)

type fakeRuntime struct {
	on       bool
	live     map[int]bool
	args     *argbuf.Buffer
	shapes   shape.Service
	notClean int
}

func newFakeRuntime(t *testing.T, gpu device.GPUDriver, hostBuf uint64) *fakeRuntime {
	t.Helper()
	rt := &fakeRuntime{
		on:     true,
		live:   map[int]bool{device.FlatID(device.Host, 0): true},
		args:   argbuf.New(gpu),
		shapes: shape.Default,
	}
	last := -1
	if gpu != nil {
		last = gpu.DeviceCount() - 1
		for i := 0; i <= last; i++ {
			rt.live[device.FlatID(device.NvidiaGPU, i)] = true
		}
	}
	_, _, err := rt.args.Reserve(hostBuf, 0, last)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.args.Release() })
	return rt
}

func (r *fakeRuntime) Initialized() bool { return r.on }
func (r *fakeRuntime) DeviceLive(flat int) bool { return r.live[flat] }
func (r *fakeRuntime) Resources() *argbuf.Buffer { return r.args }
func (r *fakeRuntime) Shapes() shape.Service { return r.shapes }
func (r *fakeRuntime) RecordNotClean() { r.notClean++ }

// faultyShapes fails the shape calls whose error is set.
type faultyShapes struct {
	createErr, constructErr, destroyErr error
}

func (f faultyShapes) Create() (*shape.Shape, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return shape.Default.Create()
}

func (f faultyShapes) Construct(s *shape.Shape, pinned bool, dims, divs, grps []int) error {
	if f.constructErr != nil {
		return f.constructErr
	}
	return shape.Default.Construct(s, pinned, dims, divs, grps)
}

func (f faultyShapes) Destroy(s *shape.Shape) error {
	_ = shape.Default.Destroy(s)
	return f.destroyErr
}
