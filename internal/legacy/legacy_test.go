package legacy

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-talsh/internal/device"
	"github.com/23skdu/longbow-talsh/internal/status"
	"github.com/23skdu/longbow-talsh/internal/talsh"
	"github.com/23skdu/longbow-talsh/internal/tensor"
)

var hostID = device.FlatID(device.Host, 0)

func newBinding(t *testing.T, gpus int) *Binding {
	t.Helper()
	cfg := talsh.Config{}
	var ids []int
	if gpus > 0 {
		cfg.GPU = device.NewEmulatedGPU(gpus)
		for i := 0; i < gpus; i++ {
			ids = append(ids, i)
		}
	}
	b := New(talsh.New(cfg), 4)
	size := uint64(1 << 20)
	_, code := b.Init(&size, ids, nil, nil)
	require.Equal(t, 0, code)
	t.Cleanup(func() { b.Shutdown() })
	return b
}

func TestInitShutdown(t *testing.T) {
	b := New(talsh.New(talsh.Config{}), 0)
	assert.Equal(t, status.NotInitialized.Int(), b.DeviceState(0, int(device.Host)))
	_, code := b.Init(nil, nil, nil, nil)
	assert.Equal(t, status.InvalidArgs.Int(), code)

	size := uint64(100)
	maxArgs, code := b.Init(&size, nil, nil, nil)
	require.Equal(t, 0, code)
	assert.EqualValues(t, 4096, size)
	assert.Equal(t, 1, maxArgs)

	_, code = b.Init(&size, nil, nil, nil)
	assert.Equal(t, status.AlreadyInitialized.Int(), code)

	assert.Equal(t, 0, b.Shutdown())
	assert.Equal(t, status.NotInitialized.Int(), b.Shutdown())
}

func TestInit_Rejections(t *testing.T) {
	b := New(talsh.New(talsh.Config{GPU: device.NewEmulatedGPU(4)}), 0)
	size := uint64(0)
	_, code := b.Init(&size, []int{0, 2}, nil, nil)
	assert.Equal(t, status.Failure.Int(), code)
	_, code = b.Init(&size, nil, []int{0}, nil)
	assert.Equal(t, status.NotImplemented.Int(), code)
	assert.Zero(t, size, "size untouched on failure")
}

func TestDeviceIDs(t *testing.T) {
	assert.Equal(t, 0, FlatDevID(int(device.Host), 0))
	assert.Equal(t, device.DevMax, FlatDevID(int(device.Host), 1))
	assert.Equal(t, device.DevMax, FlatDevID(42, 0))

	idx, kind := KindDevID(FlatDevID(int(device.AMDGPU), 7))
	assert.Equal(t, 7, idx)
	assert.Equal(t, int(device.AMDGPU), kind)
	idx, kind = KindDevID(device.DevMax)
	assert.Negative(t, idx)
	assert.Equal(t, int(device.KindNull), kind)
}

func TestDeviceQueries(t *testing.T) {
	b := newBinding(t, 2)
	assert.Equal(t, int(device.OnAccelerated), b.DeviceState(1, int(device.NvidiaGPU)))
	assert.Equal(t, int(device.Off), b.DeviceState(2, int(device.NvidiaGPU)))
	assert.Equal(t, status.InvalidArgs.Int(), b.DeviceState(device.DevMax, int(device.KindNull)))

	assert.Equal(t, hostID, b.DeviceBusyLeast(int(device.KindNull)))
	assert.Equal(t, FlatDevID(int(device.NvidiaGPU), 0), b.DeviceBusyLeast(int(device.NvidiaGPU)))
	assert.Equal(t, status.NotAvailable.Int(), b.DeviceBusyLeast(int(device.IntelMIC)))

	assert.Equal(t, 0, b.Stats(-1, int(device.KindNull)))
	assert.Equal(t, status.NotAvailable.Int(), b.Stats(0, int(device.AMDGPU)))
}

func TestTensorLifecycle(t *testing.T) {
	b := newBinding(t, 0)

	h, code := b.TensorCreate()
	require.Equal(t, 0, code)
	assert.Equal(t, Yep, b.TensorIsEmpty(h))
	assert.Zero(t, b.TensorVolume(h))
	_, code = b.TensorShape(h)
	assert.Equal(t, status.ObjectIsEmpty.Int(), code)

	require.Equal(t, 0, b.TensorConstruct(h, int(device.R8), []int{2, 3}, hostID, nil, -1, nil, 1, 0))
	assert.Equal(t, Nope, b.TensorIsEmpty(h))
	assert.EqualValues(t, 6, b.TensorVolume(h))
	dims, code := b.TensorShape(h)
	require.Equal(t, 0, code)
	assert.Equal(t, []int{2, 3}, dims)

	devs, kinds, code := b.TensorPresence(h, int(device.KindNull), -1)
	require.Equal(t, 0, code)
	assert.Equal(t, []int{hostID}, devs)
	assert.Equal(t, []int{int(device.R8)}, kinds)

	assert.Equal(t, status.ObjectNotEmpty.Int(), b.TensorConstruct(h, int(device.R4), []int{1}, hostID, nil, -1, nil, 0, 0))
	assert.Equal(t, 0, b.TensorDestruct(h))
	assert.Equal(t, Yep, b.TensorIsEmpty(h))

	assert.Equal(t, 0, b.TensorDestroy(h))
	assert.Equal(t, status.InvalidArgs.Int(), b.TensorDestroy(h))
	assert.Equal(t, status.InvalidArgs.Int(), b.TensorIsEmpty(h))
	assert.Equal(t, status.InvalidArgs.Int(), b.TensorClean(h))
}

func TestTensorCodes(t *testing.T) {
	b := newBinding(t, 0)
	h, _ := b.TensorCreate()

	assert.Equal(t, status.IntegerOverflow.Int(), b.TensorConstruct(h, int(device.C8), []int{1 << 31, 1 << 31}, hostID, nil, -1, nil, 0, 0))
	assert.Equal(t, status.NotClean.Int(), b.TensorConstruct(h, int(device.C4), []int{4}, hostID, nil, -1, nil, 0, 0))
	assert.Equal(t, 0, b.TensorDestruct(h))
	assert.Equal(t, status.InvalidArgs.Int(), b.TensorConstruct(h, 99, []int{4}, hostID, nil, -1, nil, 0, 0))
	assert.Equal(t, status.TryLater.Int(), b.TensorConstruct(h, int(device.R8), []int{1 << 20}, hostID, nil, 0, nil, 0, 0))
}

func TestHandleTableFull(t *testing.T) {
	b := newBinding(t, 0)
	for i := 0; i < 4; i++ {
		_, code := b.TensorCreate()
		require.Equal(t, 0, code)
	}
	_, code := b.TensorCreate()
	assert.Equal(t, status.TryLater.Int(), code)
}

func TestTaskLifecycle(t *testing.T) {
	b := newBinding(t, 1)

	h, code := b.TaskCreate()
	require.Equal(t, 0, code)
	assert.Equal(t, status.TaskEmpty.Int(), b.TaskStatus(h))
	id, _ := b.TaskDevID(h, false)
	assert.Equal(t, device.DevNull, id)

	require.Equal(t, 0, b.TaskConstruct(h, int(device.NvidiaGPU), int(device.R8)))
	assert.Equal(t, status.TaskScheduled.Int(), b.TaskStatus(h))
	id, kind := b.TaskDevID(h, true)
	assert.Equal(t, 0, id)
	assert.Equal(t, int(device.NvidiaGPU), kind)
	for i := 0; i < 5; i++ {
		b.TaskStatus(h)
	}
	assert.Equal(t, status.TaskCompleted.Int(), b.TaskStatus(h))

	require.Equal(t, 0, b.TaskConstruct(h, int(device.Host), int(device.R4)))
	assert.Equal(t, status.TaskCompleted.Int(), b.TaskStatus(h))
	id, _ = b.TaskDevID(h, false)
	assert.Equal(t, hostID, id)

	assert.Equal(t, status.NotAvailable.Int(), b.TaskConstruct(h, int(device.AMDGPU), int(device.R4)))
	assert.Equal(t, 0, b.TaskDestruct(h))
	assert.Equal(t, 0, b.TaskClean(h))
	assert.Equal(t, 0, b.TaskDestroy(h))
	assert.Equal(t, status.InvalidArgs.Int(), b.TaskStatus(h))
	assert.Equal(t, status.InvalidArgs.Int(), b.TaskDestroy(h))
}

func TestTaskDevID_NotInitialized(t *testing.T) {
	b := New(talsh.New(talsh.Config{}), 0)
	h, _ := b.TaskCreate()
	id, _ := b.TaskDevID(h, false)
	assert.Equal(t, status.NotInitialized.Int(), id)
	assert.Equal(t, status.NotInitialized.Int(), b.TaskStatus(h))
}

func TestWithBlock(t *testing.T) {
	b := newBinding(t, 0)
	called := false
	err := b.WithBlock(1, func(*tensor.Block) error {
		called = true
		return nil
	})
	assert.Equal(t, status.InvalidArgs, status.CodeOf(err))
	assert.False(t, called)

	h, code := b.TensorCreate()
	require.Equal(t, 0, code)
	require.Equal(t, 0, b.TensorConstruct(h, int(device.R4), []int{4}, hostID, nil, -1, nil, 2, 0))

	err = b.WithBlock(h, func(blk *tensor.Block) error {
		body, kind, err := tensor.HostBody(b.Runtime(), blk)
		require.NoError(t, err)
		assert.Equal(t, device.R4, kind)
		assert.Len(t, body, 16)
		return nil
	})
	require.NoError(t, err)
}

func TestConcurrentHandleAccess(t *testing.T) {
	b := newBinding(t, 0)
	for round := 0; round < 20; round++ {
		h, code := b.TensorCreate()
		require.Equal(t, 0, code)
		require.Equal(t, 0, b.TensorConstruct(h, int(device.R8), []int{32, 32}, hostID, nil, -1, nil, 1, 0))
		th, code := b.TaskCreate()
		require.Equal(t, 0, code)
		require.Equal(t, 0, b.TaskConstruct(th, int(device.Host), int(device.R8)))

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				_ = b.WithBlock(h, func(blk *tensor.Block) error {
					_, _, err := tensor.HostBody(b.Runtime(), blk)
					return err
				})
				_, _ = b.TensorShape(h)
			}()
			go func() {
				defer wg.Done()
				_ = b.TaskStatus(th)
				_, _ = b.TaskDevID(th, false)
			}()
		}
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.Equal(t, 0, b.TensorDestroy(h))
		}()
		go func() {
			defer wg.Done()
			assert.Equal(t, 0, b.TaskDestroy(th))
		}()
		wg.Wait()

		assert.Equal(t, status.InvalidArgs.Int(), b.TensorIsEmpty(h))
		assert.Equal(t, status.InvalidArgs.Int(), b.TaskStatus(th))
	}
	assert.Zero(t, b.Runtime().Resources().Stats().HeapUsed)
}

func TestDestroyWhileDown(t *testing.T) {
	rt := talsh.New(talsh.Config{})
	b := New(rt, 4)
	size := uint64(1 << 20)
	_, code := b.Init(&size, nil, nil, nil)
	require.Equal(t, 0, code)

	h, _ := b.TensorCreate()
	require.Equal(t, 0, b.TensorConstruct(h, int(device.R8), []int{8}, hostID, nil, -1, nil, 0, 0))
	th, _ := b.TaskCreate()
	require.Equal(t, 0, b.TaskConstruct(th, int(device.Host), int(device.R8)))

	require.Equal(t, 0, b.Shutdown())
	assert.Equal(t, status.NotInitialized.Int(), b.TensorDestroy(h))
	assert.Equal(t, status.NotInitialized.Int(), b.TaskDestroy(th))

	_, code = b.Init(&size, nil, nil, nil)
	require.Equal(t, 0, code)
	defer b.Shutdown()
	assert.Equal(t, Nope, b.TensorIsEmpty(h), "handle kept while down")
	assert.Equal(t, 0, b.TensorDestroy(h))
	assert.Equal(t, 0, b.TaskDestroy(th))
	assert.Zero(t, rt.Resources().Stats().HeapUsed)
}
