// Package talsh is the device-unified runtime: it brings devices up and down,
// answers device queries, and is the context every tensor and task operation
// runs against.
//
// Initialize and Shutdown are serialized by a lock, so a Runtime may be shared.
// Tensor blocks and tasks are not locked: each one must be used by one
// goroutine at a time.
package talsh

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/23skdu/longbow-talsh/internal/argbuf"
	"github.com/23skdu/longbow-talsh/internal/device"
	"github.com/23skdu/longbow-talsh/internal/shape"
	"github.com/23skdu/longbow-talsh/internal/status"
	"github.com/23skdu/longbow-talsh/internal/task"
	"github.com/23skdu/longbow-talsh/internal/tensor"
)

// ensure interface compliance
var _ tensor.Runtime = (*Runtime)(nil)
var _ task.Runtime = (*Runtime)(nil)

var tracer = otel.Tracer("talsh-runtime")

// Config selects the device backends of a runtime.
type Config struct {
	// GPU is the NVIDIA GPU driver. Without one the GPU kind is not available.
	GPU device.GPUDriver
	// MICBuilt and AMDBuilt mark the Intel MIC and AMD GPU kinds as built in.
	// They are not implemented yet, so requests for them report NotImplemented
	// instead of NotAvailable.
	MICBuilt bool
	AMDBuilt bool
	// Shapes is the shape service; shape.Default when nil.
	Shapes shape.Service
	// HostMemory caps host tensor bodies allocated outside the argument
	// buffer; argbuf.DefaultHeapLimit when zero. Larger requests report TryLater.
	HostMemory uint64
}

// Runtime is the runtime context.
type Runtime struct {
	mu       sync.Mutex
	cfg      Config
	on       atomic.Bool
	begin    time.Time
	registry *device.Registry
	args     *argbuf.Buffer
	notClean atomic.Uint64
}

// New returns a runtime that is not yet initialized.
func New(cfg Config) *Runtime {
	if cfg.Shapes == nil {
		cfg.Shapes = shape.Default
	}
	args := argbuf.New(cfg.GPU)
	args.SetHeapLimit(cfg.HostMemory)
	return &Runtime{
		cfg:      cfg,
		registry: device.NewRegistry(),
		args:     args,
	}
}

// Initialize brings the runtime up. hostBufSize is a hint for the host
// argument buffer; the actual size and the maximum number of arguments that
// fit into it are returned.
//
// gpus must be a strictly consecutive range of GPU indices: argument buffers
// are reserved per range. Intel MIC and AMD GPU requests are not implemented.
// Every argument is validated before anything is allocated; on error no device
// is switched on.
func (r *Runtime) Initialize(ctx context.Context, hostBufSize uint64, gpus, mics, amds []int) (uint64, int, error) {
	_, span := tracer.Start(ctx, "talsh.Initialize", trace.WithAttributes(
		attribute.Int("gpus_requested", len(gpus)),
		attribute.Int64("host_buffer_hint", int64(hostBufSize)),
	))
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.on.Load() {
		return 0, 0, status.AlreadyInitialized
	}

	first, last := 0, -1
	if len(gpus) > 0 {
		if len(gpus) > device.MaxGPUs {
			return 0, 0, status.Errorf(status.InvalidArgs, "%d gpus requested, at most %d", len(gpus), device.MaxGPUs)
		}
		first, last = gpus[0], gpus[len(gpus)-1]
		for _, g := range gpus {
			if g < 0 || g >= device.MaxGPUs {
				return 0, 0, status.Errorf(status.InvalidArgs, "gpu index %d", g)
			}
		}
		for i := 1; i < len(gpus); i++ {
			if gpus[i] != gpus[i-1]+1 {
				log.Error().Ints("gpus", gpus).Msg("Only consecutive GPU ranges are supported")
				return 0, 0, status.Errorf(status.Failure, "gpu list %v is not a consecutive range", gpus)
			}
		}
		if r.cfg.GPU == nil {
			return 0, 0, status.Errorf(status.NotAvailable, "no gpu driver")
		}
	}
	if len(mics) > 0 {
		log.Error().Ints("mics", mics).Msg("Intel Xeon Phi is not supported yet")
		return 0, 0, status.Errorf(status.NotImplemented, "intel mic")
	}
	if len(amds) > 0 {
		log.Error().Ints("amds", amds).Msg("AMD GPU is not supported yet")
		return 0, 0, status.Errorf(status.NotImplemented, "amd gpu")
	}

	size, maxArgs, err := r.args.Reserve(hostBufSize, first, last)
	if err != nil {
		span.RecordError(err)
		return 0, 0, status.Errorf(status.Failure, "reserve argument buffers: %v", err)
	}

	_ = r.registry.Set(device.Host, 0, device.HostState())
	for _, g := range gpus {
		_ = r.registry.Set(device.NvidiaGPU, g, r.cfg.GPU.Claim(g))
	}
	r.begin = time.Now()
	r.on.Store(true)
	r.publishStates()

	span.SetAttributes(
		attribute.Int64("host_buffer_bytes", int64(size)),
		attribute.Int("max_args", maxArgs),
		attribute.Int("gpus", len(gpus)),
	)
	log.Info().Str("host_buffer", humanize.IBytes(size)).Int("max_args", maxArgs).
		Ints("gpus", gpus).Str("host_blas", device.HostBLAS()).Msg("Runtime initialized")
	return size, maxArgs, nil
}

// Shutdown releases the argument buffers and switches every device off. The
// runtime is left shut down even when the release fails; the failure is
// still returned.
func (r *Runtime) Shutdown(ctx context.Context) error {
	_, span := tracer.Start(ctx, "talsh.Shutdown", trace.WithAttributes(
		attribute.Int64("not_clean", int64(r.notClean.Load())),
	))
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.on.Load() {
		return status.NotInitialized
	}
	err := r.args.Release()
	r.registry.Reset()
	r.on.Store(false)
	r.publishStates()

	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Msg("Argument buffer release failed during shutdown")
		return status.Errorf(status.Failure, "release argument buffers: %v", err)
	}
	log.Info().Dur("uptime", time.Since(r.begin)).Uint64("not_clean", r.notClean.Load()).Msg("Runtime shut down")
	return nil
}

// Initialized reports whether the runtime is up.
func (r *Runtime) Initialized() bool {
	return r.on.Load()
}

// Uptime returns the time since Initialize, 0 when not initialized.
func (r *Runtime) Uptime() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.on.Load() {
		return 0
	}
	return time.Since(r.begin)
}

// DeviceLive reports whether the device with the given flat id is switched on.
func (r *Runtime) DeviceLive(flat int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registry.Live(flat)
}

// Resources returns the argument buffer of the runtime.
func (r *Runtime) Resources() *argbuf.Buffer {
	return r.args
}

// Shapes returns the shape service.
func (r *Runtime) Shapes() shape.Service {
	return r.cfg.Shapes
}

// RecordNotClean counts one soft failure.
func (r *Runtime) RecordNotClean() {
	r.notClean.Add(1)
	notCleanTotal.Inc()
}

// NotCleanCount returns how many soft failures occurred. A growing count
// hints at leaking device resources.
func (r *Runtime) NotCleanCount() uint64 {
	return r.notClean.Load()
}

// TaskBackend returns the task backend for kind.
func (r *Runtime) TaskBackend(kind device.Kind) (task.Backend, error) {
	switch kind {
	case device.Host:
		return task.HostBackend{}, nil
	case device.NvidiaGPU:
		if r.cfg.GPU == nil {
			return nil, status.Errorf(status.NotAvailable, "no gpu driver")
		}
		return task.GPUBackend{Driver: r.cfg.GPU}, nil
	case device.IntelMIC, device.AMDGPU:
		return nil, r.unsupported(kind)
	}
	return nil, status.Errorf(status.InvalidArgs, "device kind %d", int(kind))
}

func (r *Runtime) unsupported(kind device.Kind) error {
	built := (kind == device.IntelMIC && r.cfg.MICBuilt) || (kind == device.AMDGPU && r.cfg.AMDBuilt)
	if built {
		return status.Errorf(status.NotImplemented, "%s", kind)
	}
	return status.Errorf(status.NotAvailable, "%s", kind)
}
