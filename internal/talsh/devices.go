package talsh

import (
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-talsh/internal/device"
	"github.com/23skdu/longbow-talsh/internal/status"
)

// DeviceState returns the state of a device. When kind is KindNull, id is a
// flat device id; otherwise it is an index within kind.
func (r *Runtime) DeviceState(id int, kind device.Kind) (device.State, error) {
	if !r.on.Load() {
		return device.Off, status.NotInitialized
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registry.State(id, kind)
}

// Devices returns the state of every device.
func (r *Runtime) Devices() []device.Cell {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registry.Snapshot()
}

// LeastBusyDevice returns the flat id of the least busy device of kind.
// KindNull picks the host.
func (r *Runtime) LeastBusyDevice(kind device.Kind) (int, error) {
	if !r.on.Load() {
		return device.DevNull, status.NotInitialized
	}
	switch kind {
	case device.KindNull, device.Host:
		return device.FlatID(device.Host, 0), nil
	case device.NvidiaGPU:
		if r.cfg.GPU == nil {
			return device.DevNull, status.Errorf(status.NotAvailable, "no gpu driver")
		}
		i := r.cfg.GPU.BusyLeast()
		if i < 0 || i >= device.MaxGPUs {
			return device.DevNull, status.Errorf(status.Failure, "driver reported gpu %d", i)
		}
		return device.FlatID(device.NvidiaGPU, i), nil
	case device.IntelMIC, device.AMDGPU:
		return device.DevNull, r.unsupported(kind)
	}
	return device.DevNull, status.Errorf(status.InvalidArgs, "device kind %d", int(kind))
}

// PrintStats logs runtime statistics. With KindNull a negative id reports
// every kind and a non-negative id is a flat device id; with a kind, id is
// an index within it (negative for all devices of the kind).
func (r *Runtime) PrintStats(id int, kind device.Kind) error {
	if !r.on.Load() {
		return status.NotInitialized
	}
	switch kind {
	case device.KindNull:
		if id < 0 {
			for _, k := range device.Kinds {
				if err := r.PrintStats(-1, k); err != nil {
					log.Debug().Err(err).Str("kind", k.String()).Msg("No statistics for device kind")
				}
			}
			return nil
		}
		idx, k := device.KindID(id)
		if idx < 0 {
			return status.Errorf(status.InvalidArgs, "flat device id %d", id)
		}
		return r.PrintStats(idx, k)
	case device.Host:
		st := r.args.Stats()
		log.Info().
			Str("arg_buffer", humanize.IBytes(st.Capacity)).
			Str("used", humanize.IBytes(st.Used)).
			Int("entries", st.Entries).
			Int("max_args", st.MaxArgs).
			Str("allocated", humanize.IBytes(uint64(st.Allocated))).
			Uint64("not_clean", r.notClean.Load()).
			Dur("uptime", r.Uptime()).
			Str("blas", device.HostBLAS()).
			Msg("Host statistics")
		return nil
	case device.NvidiaGPU:
		if r.cfg.GPU == nil {
			return status.Errorf(status.NotAvailable, "no gpu driver")
		}
		if err := r.cfg.GPU.PrintStats(id); err != nil {
			return status.Passthrough(err, "gpu %d statistics", id)
		}
		return nil
	case device.IntelMIC, device.AMDGPU:
		return r.unsupported(kind)
	}
	return status.Errorf(status.InvalidArgs, "device kind %d", int(kind))
}

// publishStates mirrors the registry into the device state gauge. Callers hold r.mu.
func (r *Runtime) publishStates() {
	if r.on.Load() {
		initialized.Set(1)
	} else {
		initialized.Set(0)
	}
	for _, c := range r.registry.Snapshot() {
		deviceState.WithLabelValues(c.Kind.String(), itoa(c.Index)).Set(float64(c.State))
	}
}
