package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-talsh/internal/status"
)

func TestEmulatedGPU_ArgBuffers(t *testing.T) {
	g := NewEmulatedGPU(2)
	assert.Equal(t, 2, g.DeviceCount())
	assert.Equal(t, OnAccelerated, g.Claim(1))
	assert.Equal(t, Off, g.Claim(2))

	_, err := g.Alloc(0, 16)
	assert.Equal(t, status.DeviceUnable, status.CodeOf(err))

	size, err := g.ReserveArgBuffers(0, 1, 1024)
	require.NoError(t, err)
	assert.EqualValues(t, 1024, size)

	_, err = g.ReserveArgBuffers(1, 1, 1024)
	assert.Equal(t, status.Failure, status.CodeOf(err))

	p1, err := g.Alloc(0, 1000)
	require.NoError(t, err)
	_, err = g.Alloc(0, 100)
	assert.Equal(t, status.TryLater, status.CodeOf(err))

	require.NoError(t, g.Free(0, p1))
	assert.Equal(t, status.InvalidArgs, status.CodeOf(g.Free(0, p1)))

	p2, err := g.Alloc(1, 8)
	require.NoError(t, err)
	assert.Equal(t, status.NotClean, status.CodeOf(g.ReleaseArgBuffers(0, 1)))
	assert.Equal(t, status.InvalidArgs, status.CodeOf(g.Free(1, p2)))
}

func TestEmulatedGPU_TaskProgress(t *testing.T) {
	g := NewEmulatedGPU(2)

	h, err := g.NewTask()
	require.NoError(t, err)
	assert.Equal(t, 0, h.GPU())
	assert.Equal(t, 1, g.BusyLeast())

	want := []GPUTaskStatus{
		GPUTaskScheduled, GPUTaskStarted, GPUTaskInputThere,
		GPUTaskOutputThere, GPUTaskCompleted, GPUTaskCompleted,
	}
	for i, w := range want {
		assert.Equal(t, w, h.Status(), "poll %d", i)
	}

	h.(*EmulatedTask).Fail()
	assert.Equal(t, GPUTaskError, h.Status())
	assert.Equal(t, GPUTaskError, h.Status())

	require.NoError(t, h.Destroy())
	assert.Error(t, h.Destroy())
	assert.Equal(t, 0, g.BusyLeast())

	require.NoError(t, g.PrintStats(-1))
	assert.Error(t, g.PrintStats(5))
}

func TestEmulatedGPU_NoDevices(t *testing.T) {
	g := NewEmulatedGPU(0)
	_, err := g.NewTask()
	assert.Equal(t, status.DeviceUnable, status.CodeOf(err))
}
