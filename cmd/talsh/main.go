package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-talsh/internal/client"
	"github.com/23skdu/longbow-talsh/internal/device"
	"github.com/23skdu/longbow-talsh/internal/export"
	"github.com/23skdu/longbow-talsh/internal/legacy"
	"github.com/23skdu/longbow-talsh/internal/talsh"
	"github.com/23skdu/longbow-talsh/internal/task"
	"github.com/23skdu/longbow-talsh/internal/tensor"
)

var (
	hostBuf       = flag.String("host-buf", "64MiB", "Host argument buffer size hint (e.g. 64MiB, 1GB)")
	hostMem       = flag.String("host-mem", "16GiB", "Cap on host tensor memory outside the argument buffer")
	gpuList       = flag.String("gpus", "", "Consecutive GPU indices to bring up (e.g. 0,1,2)")
	emulateGPUs   = flag.Int("emulate-gpus", 0, "Expose N emulated GPUs backed by host memory")
	micBuilt      = flag.Bool("mic-built", false, "Report Intel MIC as built but not implemented")
	amdBuilt      = flag.Bool("amd-built", false, "Report AMD GPU as built but not implemented")
	cpuProfile    = flag.String("cpuprofile", "", "Write cpu profile to file")
	smokeDims     = flag.String("dims", "64,64", "Tensor dimensions of the smoke run")
	dumpPath      = flag.String("dump", "", "Write the smoke run as an Arrow IPC stream to file ('-' for stdout)")
	peerAddr      = flag.String("peer", "", "Flight address of a peer node whose devices are listed")
	listenAddr    = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr    = flag.String("flight", "", "Address to listen on for Flight Server (e.g. :9090)")
	maxConcurrent = flag.Int("max-concurrent", 64, "Maximum number of concurrent HTTP requests touching the runtime")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
)

func main() {
	// Initialize logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	if *peerAddr != "" {
		if err := listPeer(*peerAddr); err != nil {
			log.Fatal().Err(err).Str("peer", *peerAddr).Msg("Failed to list peer devices")
		}
		return
	}

	hostBytes, err := humanize.ParseBytes(*hostBuf)
	if err != nil {
		log.Fatal().Err(err).Str("host_buf", *hostBuf).Msg("Invalid host buffer size")
	}
	memBytes, err := humanize.ParseBytes(*hostMem)
	if err != nil {
		log.Fatal().Err(err).Str("host_mem", *hostMem).Msg("Invalid host memory cap")
	}
	gpus, err := parseInts(*gpuList)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid GPU list")
	}

	cfg := talsh.Config{MICBuilt: *micBuilt, AMDBuilt: *amdBuilt, HostMemory: memBytes}
	if *emulateGPUs > 0 {
		cfg.GPU = device.NewEmulatedGPU(*emulateGPUs)
	}
	rt := talsh.New(cfg)
	ctx := context.Background()
	if _, _, err := rt.Initialize(ctx, hostBytes, gpus, nil, nil); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize runtime")
	}
	defer func() {
		if err := rt.Shutdown(context.Background()); err != nil {
			log.Error().Err(err).Msg("Runtime shutdown failed")
		}
	}()

	bind := legacy.New(rt, 0)

	// Server Mode
	if *listenAddr != "" {
		go startServer(*listenAddr, bind, *maxConcurrent)
		if *flightAddr == "" {
			select {}
		}
	}

	if *flightAddr != "" {
		StartFlightServer(*flightAddr, bind)
		return
	}

	dims, err := parseInts(*smokeDims)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid tensor dimensions")
	}
	if err := smoke(ctx, rt, dims, *dumpPath); err != nil {
		log.Fatal().Err(err).Msg("Smoke run failed")
	}
}

// smoke constructs a tensor on the host, runs a task on the least busy
// device and optionally dumps the device table and tensor as Arrow IPC.
func smoke(ctx context.Context, rt *talsh.Runtime, dims []int, dumpPath string) error {
	start := time.Now()
	host, err := rt.LeastBusyDevice(device.Host)
	if err != nil {
		return err
	}
	b := tensor.Create()
	if err := tensor.Construct(rt, b, device.R8, dims, host, tensor.WithInitValue(1, 0)); err != nil {
		return err
	}
	defer func() {
		if err := tensor.Destroy(rt, b); err != nil {
			log.Warn().Err(err).Msg("Tensor destroy failed")
		}
	}()
	vol, _ := tensor.Volume(b)

	kind := device.Host
	if first, last := rt.Resources().GPURange(); first <= last {
		kind = device.NvidiaGPU
	}
	tk := task.Create()
	if err := task.Construct(rt, tk, kind, device.R8); err != nil {
		return err
	}
	defer func() {
		if err := task.Destroy(rt, tk); err != nil {
			log.Warn().Err(err).Msg("Task destroy failed")
		}
	}()
	var st task.Status
	for !st.Final() {
		if st, err = task.Poll(rt, tk); err != nil {
			return err
		}
	}
	devID, _ := task.DeviceID(rt, tk, false)
	tk.SetMetrics(task.Metrics{DataVolume: float64(vol) * 8, ExecTime: time.Since(start)})

	log.Info().
		Ints("dims", dims).
		Uint64("volume", vol).
		Str("task_status", st.String()).
		Int("task_device", devID).
		Dur("elapsed", time.Since(start)).
		Msg("Smoke run complete")
	if err := rt.PrintStats(-1, device.KindNull); err != nil {
		return err
	}

	if dumpPath == "" {
		return nil
	}
	w := os.Stdout
	if dumpPath != "-" {
		f, err := os.Create(dumpPath)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	pool := memory.NewGoAllocator()
	body, dk, err := tensor.HostBody(rt, b)
	if err != nil {
		return err
	}
	rec, err := export.Tensor(pool, dk, dims, body)
	if err != nil {
		return err
	}
	defer rec.Release()
	return export.WriteIPC(w, rec)
}

func listPeer(addr string) error {
	fc, err := client.NewFlightClient(addr, client.NewBreaker(3, 5*time.Second))
	if err != nil {
		return err
	}
	defer func() {
		if err := fc.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close flight client")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cells, err := fc.Devices(ctx)
	if err != nil {
		return err
	}
	for _, c := range cells {
		if c.State == device.Off {
			continue
		}
		log.Info().Int("flat_id", c.FlatID).Str("kind", c.Kind.String()).Int("index", c.Index).
			Str("state", c.State.String()).Msg("Peer device")
	}
	return nil
}

func parseInts(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, len(parts))
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("parse %q: %w", s, err)
		}
		out[i] = v
	}
	return out, nil
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("talsh"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
