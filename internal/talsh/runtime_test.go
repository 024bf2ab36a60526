package talsh

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-talsh/internal/argbuf"
	"github.com/23skdu/longbow-talsh/internal/device"
	"github.com/23skdu/longbow-talsh/internal/status"
	"github.com/23skdu/longbow-talsh/internal/task"
	"github.com/23skdu/longbow-talsh/internal/tensor"
)

func getMetricValue(m prometheus.Metric) float64 {
	var metric dto.Metric
	m.Write(&metric)
	if metric.Counter != nil {
		return *metric.Counter.Value
	}
	if metric.Gauge != nil {
		return *metric.Gauge.Value
	}
	return 0
}

func newRuntime(t *testing.T, cfg Config, gpus []int) *Runtime {
	t.Helper()
	rt := New(cfg)
	_, _, err := rt.Initialize(context.Background(), 1<<20, gpus, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		if rt.Initialized() {
			_ = rt.Shutdown(context.Background())
		}
	})
	return rt
}

func TestInitialize_HostOnly(t *testing.T) {
	ctx := context.Background()
	rt := New(Config{})
	assert.False(t, rt.Initialized())
	assert.Zero(t, rt.Uptime())

	size, maxArgs, err := rt.Initialize(ctx, 1000, nil, nil, nil)
	require.NoError(t, err)
	assert.EqualValues(t, argbuf.EntryGranularity, size, "size rounded up to one entry")
	assert.Equal(t, 1, maxArgs)
	assert.True(t, rt.Initialized())
	assert.Equal(t, 1.0, getMetricValue(initialized))

	st, err := rt.DeviceState(0, device.Host)
	require.NoError(t, err)
	assert.NotEqual(t, device.Off, st)
	st, err = rt.DeviceState(device.FlatID(device.NvidiaGPU, 0), device.KindNull)
	require.NoError(t, err)
	assert.Equal(t, device.Off, st)

	require.NoError(t, rt.Shutdown(ctx))
	assert.False(t, rt.Initialized())
	assert.Equal(t, 0.0, getMetricValue(initialized))
	assert.Equal(t, status.NotInitialized, status.CodeOf(rt.Shutdown(ctx)))
}

func TestInitialize_Twice(t *testing.T) {
	gpu := device.NewEmulatedGPU(2)
	rt := newRuntime(t, Config{GPU: gpu}, []int{0, 1})

	_, _, err := rt.Initialize(context.Background(), 1<<30, nil, nil, nil)
	assert.Equal(t, status.AlreadyInitialized, status.CodeOf(err))

	assert.EqualValues(t, 1<<20, rt.Resources().Stats().Capacity, "state unchanged")
	st, err := rt.DeviceState(1, device.NvidiaGPU)
	require.NoError(t, err)
	assert.Equal(t, device.OnAccelerated, st)
}

func TestInitialize_Rejections(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		gpus []int
		mics []int
		amds []int
		want status.Code
	}{
		{"gaps in gpus", Config{GPU: device.NewEmulatedGPU(4)}, []int{0, 2}, nil, nil, status.Failure},
		{"descending gpus", Config{GPU: device.NewEmulatedGPU(4)}, []int{1, 0}, nil, nil, status.Failure},
		{"gpu index", Config{GPU: device.NewEmulatedGPU(4)}, []int{device.MaxGPUs}, nil, nil, status.InvalidArgs},
		{"negative gpu", Config{GPU: device.NewEmulatedGPU(4)}, []int{-1}, nil, nil, status.InvalidArgs},
		{"no driver", Config{}, []int{0}, nil, nil, status.NotAvailable},
		{"mic", Config{}, nil, []int{0}, nil, status.NotImplemented},
		{"amd", Config{}, nil, nil, []int{0}, status.NotImplemented},
		{"gpu beyond driver", Config{GPU: device.NewEmulatedGPU(1)}, []int{0, 1}, nil, nil, status.Failure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rt := New(tc.cfg)
			_, _, err := rt.Initialize(context.Background(), 0, tc.gpus, tc.mics, tc.amds)
			assert.Equal(t, tc.want, status.CodeOf(err))
			assert.False(t, rt.Initialized())
			assert.False(t, rt.Resources().Reserved(), "nothing allocated")
			assert.False(t, rt.DeviceLive(device.FlatID(device.Host, 0)))
		})
	}
}

func TestShutdown_AllowsReinit(t *testing.T) {
	ctx := context.Background()
	gpu := device.NewEmulatedGPU(3)
	rt := New(Config{GPU: gpu})

	_, _, err := rt.Initialize(ctx, 1<<20, []int{1, 2}, nil, nil)
	require.NoError(t, err)
	assert.True(t, rt.DeviceLive(device.FlatID(device.NvidiaGPU, 2)))
	assert.False(t, rt.DeviceLive(device.FlatID(device.NvidiaGPU, 0)))
	first, last := rt.Resources().GPURange()
	assert.Equal(t, 1, first)
	assert.Equal(t, 2, last)

	require.NoError(t, rt.Shutdown(ctx))
	for _, c := range rt.Devices() {
		assert.Equal(t, device.Off, c.State, "device %d", c.FlatID)
	}
	_, err = rt.DeviceState(0, device.Host)
	assert.Equal(t, status.NotInitialized, status.CodeOf(err))

	_, _, err = rt.Initialize(ctx, 1<<20, []int{0}, nil, nil)
	require.NoError(t, err)
	assert.True(t, rt.DeviceLive(device.FlatID(device.NvidiaGPU, 0)))
	require.NoError(t, rt.Shutdown(ctx))
}

func TestShutdown_LeakedTensorIsReported(t *testing.T) {
	ctx := context.Background()
	rt := New(Config{})
	_, _, err := rt.Initialize(ctx, 1<<20, nil, nil, nil)
	require.NoError(t, err)

	b := tensor.Create()
	host := device.FlatID(device.Host, 0)
	require.NoError(t, tensor.Construct(rt, b, device.R8, []int{4}, host, tensor.WithArgBufferEntry(0)))

	err = rt.Shutdown(ctx)
	assert.Equal(t, status.Failure, status.CodeOf(err))
	assert.False(t, rt.Initialized(), "shut down anyway")
}

func TestDeviceState_InvalidArgs(t *testing.T) {
	rt := newRuntime(t, Config{}, nil)
	_, err := rt.DeviceState(device.DevMax, device.KindNull)
	assert.Equal(t, status.InvalidArgs, status.CodeOf(err))
	_, err = rt.DeviceState(device.MaxGPUs, device.NvidiaGPU)
	assert.Equal(t, status.InvalidArgs, status.CodeOf(err))
	_, err = rt.DeviceState(0, device.Kind(9))
	assert.Equal(t, status.InvalidArgs, status.CodeOf(err))
}

func TestLeastBusyDevice(t *testing.T) {
	gpu := device.NewEmulatedGPU(2)
	rt := newRuntime(t, Config{GPU: gpu, AMDBuilt: true}, []int{0, 1})
	host := device.FlatID(device.Host, 0)

	id, err := rt.LeastBusyDevice(device.KindNull)
	require.NoError(t, err)
	assert.Equal(t, host, id)
	id, err = rt.LeastBusyDevice(device.Host)
	require.NoError(t, err)
	assert.Equal(t, host, id)

	// Occupy GPU 0 so GPU 1 becomes the least busy.
	busy, err := gpu.NewTask()
	require.NoError(t, err)
	require.Equal(t, 0, busy.GPU())
	id, err = rt.LeastBusyDevice(device.NvidiaGPU)
	require.NoError(t, err)
	assert.Equal(t, device.FlatID(device.NvidiaGPU, 1), id)
	require.NoError(t, busy.Destroy())

	_, err = rt.LeastBusyDevice(device.IntelMIC)
	assert.Equal(t, status.NotAvailable, status.CodeOf(err))
	_, err = rt.LeastBusyDevice(device.AMDGPU)
	assert.Equal(t, status.NotImplemented, status.CodeOf(err))
	_, err = rt.LeastBusyDevice(device.Kind(9))
	assert.Equal(t, status.InvalidArgs, status.CodeOf(err))

	noGPU := newRuntime(t, Config{}, nil)
	_, err = noGPU.LeastBusyDevice(device.NvidiaGPU)
	assert.Equal(t, status.NotAvailable, status.CodeOf(err))
}

func TestPrintStats(t *testing.T) {
	gpu := device.NewEmulatedGPU(2)
	rt := newRuntime(t, Config{GPU: gpu, MICBuilt: true}, []int{0, 1})

	require.NoError(t, rt.PrintStats(-1, device.KindNull))
	require.NoError(t, rt.PrintStats(0, device.Host))
	require.NoError(t, rt.PrintStats(-1, device.NvidiaGPU))
	require.NoError(t, rt.PrintStats(device.FlatID(device.NvidiaGPU, 1), device.KindNull))
	assert.Equal(t, status.Failure, status.CodeOf(rt.PrintStats(5, device.NvidiaGPU)))
	assert.Equal(t, status.NotImplemented, status.CodeOf(rt.PrintStats(0, device.IntelMIC)))
	assert.Equal(t, status.NotAvailable, status.CodeOf(rt.PrintStats(0, device.AMDGPU)))
	assert.Equal(t, status.InvalidArgs, status.CodeOf(rt.PrintStats(device.DevMax, device.KindNull)))

	off := New(Config{})
	assert.Equal(t, status.NotInitialized, status.CodeOf(off.PrintStats(-1, device.KindNull)))
}

func TestTaskBackend(t *testing.T) {
	rt := New(Config{MICBuilt: true})
	b, err := rt.TaskBackend(device.Host)
	require.NoError(t, err)
	assert.Equal(t, device.Host, b.Kind())

	_, err = rt.TaskBackend(device.NvidiaGPU)
	assert.Equal(t, status.NotAvailable, status.CodeOf(err))
	_, err = rt.TaskBackend(device.IntelMIC)
	assert.Equal(t, status.NotImplemented, status.CodeOf(err))
	_, err = rt.TaskBackend(device.AMDGPU)
	assert.Equal(t, status.NotAvailable, status.CodeOf(err))
	_, err = rt.TaskBackend(device.KindNull)
	assert.Equal(t, status.InvalidArgs, status.CodeOf(err))
}

func TestNotCleanCount(t *testing.T) {
	rt := newRuntime(t, Config{}, nil)
	start := getMetricValue(notCleanTotal)

	b := tensor.Create()
	err := tensor.Construct(rt, b, device.C4, []int{3}, device.FlatID(device.Host, 0))
	assert.Equal(t, status.NotClean, status.CodeOf(err))
	assert.EqualValues(t, 1, rt.NotCleanCount())
	assert.Equal(t, 1.0, getMetricValue(notCleanTotal)-start)
	require.NoError(t, tensor.Destruct(rt, b))
}

func TestHostMemoryCap(t *testing.T) {
	assert.EqualValues(t, argbuf.DefaultHeapLimit, New(Config{}).Resources().Stats().HeapLimit)

	rt := newRuntime(t, Config{HostMemory: 1 << 10}, nil)
	host := device.FlatID(device.Host, 0)
	b := tensor.Create()
	err := tensor.Construct(rt, b, device.R8, []int{256}, host)
	assert.Equal(t, status.TryLater, status.CodeOf(err))
	empty, err := tensor.IsEmpty(b)
	require.NoError(t, err)
	assert.True(t, empty)

	require.NoError(t, tensor.Construct(rt, b, device.R8, []int{128}, host))
	assert.EqualValues(t, 1<<10, rt.Resources().Stats().HeapUsed)
	require.NoError(t, tensor.Destroy(rt, b))
}

func TestRuntime_EndToEnd(t *testing.T) {
	gpu := device.NewEmulatedGPU(2)
	rt := newRuntime(t, Config{GPU: gpu}, []int{0, 1})

	b := tensor.Create()
	dev, err := rt.LeastBusyDevice(device.Host)
	require.NoError(t, err)
	require.NoError(t, tensor.Construct(rt, b, device.R4, []int{8, 8}, dev, tensor.WithInitValue(0.5, 0)))
	vol, err := tensor.Volume(b)
	require.NoError(t, err)
	assert.EqualValues(t, 64, vol)

	tk := task.Create()
	require.NoError(t, task.Construct(rt, tk, device.NvidiaGPU, device.R4))
	var st task.Status
	for i := 0; i < 10 && !st.Final(); i++ {
		st, err = task.Poll(rt, tk)
		require.NoError(t, err)
	}
	assert.Equal(t, task.Completed, st)
	id, kind := task.DeviceID(rt, tk, false)
	assert.Equal(t, device.NvidiaGPU, kind)
	assert.True(t, rt.DeviceLive(id))

	require.NoError(t, task.Destroy(rt, tk))
	require.NoError(t, tensor.Destroy(rt, b))
	assert.Zero(t, rt.NotCleanCount())
}
