package main

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-talsh/internal/device"
	"github.com/23skdu/longbow-talsh/internal/export"
	"github.com/23skdu/longbow-talsh/internal/legacy"
	"github.com/23skdu/longbow-talsh/internal/shape"
	"github.com/23skdu/longbow-talsh/internal/status"
	"github.com/23skdu/longbow-talsh/internal/tensor"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "talsh_http_requests_total",
		Help: "HTTP requests by handler and status code",
	}, []string{"handler", "code"})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "talsh_http_request_duration_seconds",
		Help:    "Time spent serving runtime requests",
		Buckets: prometheus.DefBuckets,
	})
)

// DeviceInfo is one row of the /devices response.
type DeviceInfo struct {
	FlatID int    `cbor:"flat_id"`
	Kind   string `cbor:"kind"`
	Index  int    `cbor:"index"`
	State  string `cbor:"state"`
}

// StatsInfo is the /stats response.
type StatsInfo struct {
	Initialized   bool    `cbor:"initialized"`
	UptimeSeconds float64 `cbor:"uptime_seconds"`
	NotClean      uint64  `cbor:"not_clean"`
	HostBLAS      string  `cbor:"host_blas"`
	ArgCapacity   uint64  `cbor:"arg_capacity"`
	ArgUsed       uint64  `cbor:"arg_used"`
	ArgEntries    int     `cbor:"arg_entries"`
	MaxArgs       int     `cbor:"max_args"`
	HostAllocated int     `cbor:"host_allocated"`
}

// TensorRequest is the body of POST /tensor.
type TensorRequest struct {
	DataKind int     `cbor:"data_kind"`
	Dims     []int   `cbor:"dims"`
	Device   int     `cbor:"device"`
	InArgBuf bool    `cbor:"in_arg_buf"`
	Re       float64 `cbor:"re"`
	Im       float64 `cbor:"im"`
}

// TaskRequest is the body of POST /task.
type TaskRequest struct {
	Kind     int `cbor:"kind"`
	DataKind int `cbor:"data_kind"`
}

// HandleResponse reports the outcome of a create or query call.
type HandleResponse struct {
	Handle int    `cbor:"handle"`
	Code   int    `cbor:"code"`
	Status string `cbor:"status"`
	Volume uint64 `cbor:"volume,omitempty"`
	Device int    `cbor:"device,omitempty"`
}

type Server struct {
	bind  *legacy.Binding
	alloc memory.Allocator
	sem   *semaphore.Weighted
}

func NewServer(bind *legacy.Binding, maxConcurrent int) *Server {
	return &Server{
		bind:  bind,
		alloc: memory.NewGoAllocator(),
		sem:   semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/devices", s.handleDevices)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/tensor", s.handleTensor)
	mux.HandleFunc("/task", s.handleTask)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func startServer(addr string, bind *legacy.Binding, maxConcurrent int) {
	srv := NewServer(bind, maxConcurrent)

	log.Info().Str("addr", addr).Msg("Starting TAL-SH Server")
	if err := http.ListenAndServe(addr, srv.routes()); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

var tracer = otel.Tracer("talsh-server")

// httpStatus maps a runtime status code onto an HTTP status.
func httpStatus(code status.Code) int {
	switch code {
	case status.Success, status.NotClean:
		return http.StatusOK
	case status.InvalidArgs, status.IntegerOverflow:
		return http.StatusBadRequest
	case status.ObjectIsEmpty, status.ObjectNotEmpty:
		return http.StatusConflict
	case status.NotInitialized, status.TryLater, status.DeviceUnable:
		return http.StatusServiceUnavailable
	case status.NotAvailable, status.NotImplemented:
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

// retryHint tells the client when a refused request may be repeated as is.
func retryHint(w http.ResponseWriter, code status.Code) {
	if status.IsRetryable(code) {
		w.Header().Set("Retry-After", "1")
	}
}

func (s *Server) writeCBOR(w http.ResponseWriter, handler string, code int, v any) {
	data, err := cbor.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("handler", handler).Msg("CBOR encode failed")
		http.Error(w, "encode error", http.StatusInternalServerError)
		requestsTotal.WithLabelValues(handler, "500").Inc()
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	w.WriteHeader(code)
	_, _ = w.Write(data)
	requestsTotal.WithLabelValues(handler, strconv.Itoa(code)).Inc()
}

// admit bounds the number of requests working on the runtime.
func (s *Server) admit(ctx context.Context, w http.ResponseWriter) (func(), bool) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		log.Error().Err(err).Msg("Failed to acquire semaphore")
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return nil, false
	}
	return func() { s.sem.Release(1) }, true
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	_, span := tracer.Start(r.Context(), "handleDevices")
	defer span.End()

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cells := s.bind.Runtime().Devices()
	out := make([]DeviceInfo, 0, len(cells))
	for _, c := range cells {
		out = append(out, DeviceInfo{FlatID: c.FlatID, Kind: c.Kind.String(), Index: c.Index, State: c.State.String()})
	}
	s.writeCBOR(w, "devices", http.StatusOK, out)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	_, span := tracer.Start(r.Context(), "handleStats")
	defer span.End()

	rt := s.bind.Runtime()
	st := rt.Resources().Stats()
	s.writeCBOR(w, "stats", http.StatusOK, StatsInfo{
		Initialized:   rt.Initialized(),
		UptimeSeconds: rt.Uptime().Seconds(),
		NotClean:      rt.NotCleanCount(),
		HostBLAS:      device.HostBLAS(),
		ArgCapacity:   st.Capacity,
		ArgUsed:       st.Used,
		ArgEntries:    st.Entries,
		MaxArgs:       st.MaxArgs,
		HostAllocated: st.Allocated,
	})
}

func handleParam(r *http.Request) (int, error) {
	return strconv.Atoi(r.URL.Query().Get("h"))
}

func (s *Server) handleTensor(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleTensor")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	release, ok := s.admit(ctx, w)
	if !ok {
		return
	}
	defer release()

	switch r.Method {
	case http.MethodPost:
		var req TensorRequest
		if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
			span.RecordError(err)
			http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
			return
		}
		span.SetAttributes(attribute.Int("data_kind", req.DataKind), attribute.IntSlice("dims", req.Dims))

		h, code := s.bind.TensorCreate()
		if code == 0 {
			inArgBuf := -1
			if req.InArgBuf {
				inArgBuf = 0
			}
			code = s.bind.TensorConstruct(h, req.DataKind, req.Dims, req.Device, nil, inArgBuf, nil, req.Re, req.Im)
			if httpStatus(status.Code(code)) != http.StatusOK {
				s.bind.TensorDestroy(h)
				h = 0
			}
		}
		c := status.Code(code)
		retryHint(w, c)
		s.writeCBOR(w, "tensor", httpStatus(c), HandleResponse{Handle: h, Code: code, Status: c.String(), Volume: s.bind.TensorVolume(h)})

	case http.MethodGet:
		h, err := handleParam(r)
		if err != nil {
			http.Error(w, "missing or invalid tensor handle", http.StatusBadRequest)
			return
		}
		rec, err := tensorRecord(s.bind, s.alloc, h)
		if err != nil {
			span.RecordError(err)
			http.Error(w, err.Error(), httpStatus(status.CodeOf(err)))
			return
		}
		defer rec.Release()
		w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
		if err := export.WriteIPC(w, rec); err != nil {
			log.Error().Err(err).Int("handle", h).Msg("Failed to write tensor stream")
		}
		requestsTotal.WithLabelValues("tensor", "200").Inc()

	case http.MethodDelete:
		h, err := handleParam(r)
		if err != nil {
			http.Error(w, "missing or invalid tensor handle", http.StatusBadRequest)
			return
		}
		c := status.Code(s.bind.TensorDestroy(h))
		s.writeCBOR(w, "tensor", httpStatus(c), HandleResponse{Handle: h, Code: c.Int(), Status: c.String()})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleTask")
	defer span.End()

	release, ok := s.admit(ctx, w)
	if !ok {
		return
	}
	defer release()

	switch r.Method {
	case http.MethodPost:
		var req TaskRequest
		if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
			span.RecordError(err)
			http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
			return
		}
		h, code := s.bind.TaskCreate()
		if code == 0 {
			code = s.bind.TaskConstruct(h, req.Kind, req.DataKind)
			if code != 0 {
				s.bind.TaskDestroy(h)
				h = 0
			}
		}
		c := status.Code(code)
		retryHint(w, c)
		s.writeCBOR(w, "task", httpStatus(c), HandleResponse{Handle: h, Code: code, Status: c.String()})

	case http.MethodGet:
		h, err := handleParam(r)
		if err != nil {
			http.Error(w, "missing or invalid task handle", http.StatusBadRequest)
			return
		}
		c := status.Code(s.bind.TaskStatus(h))
		code := http.StatusOK
		if c < status.TaskError || c > status.TaskCompleted {
			code = httpStatus(c)
		}
		dev, _ := s.bind.TaskDevID(h, false)
		s.writeCBOR(w, "task", code, HandleResponse{Handle: h, Code: c.Int(), Status: c.String(), Device: dev})

	case http.MethodDelete:
		h, err := handleParam(r)
		if err != nil {
			http.Error(w, "missing or invalid task handle", http.StatusBadRequest)
			return
		}
		c := status.Code(s.bind.TaskDestroy(h))
		s.writeCBOR(w, "task", httpStatus(c), HandleResponse{Handle: h, Code: c.Int(), Status: c.String()})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.bind.Runtime().Initialized() {
		http.Error(w, "not initialized", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// tensorRecord exports the host copy of the tensor block behind legacy handle h.
// The body is copied into the record while the handle is locked.
func tensorRecord(bind *legacy.Binding, alloc memory.Allocator, h int) (rec arrow.RecordBatch, err error) {
	err = bind.WithBlock(h, func(b *tensor.Block) error {
		var sh shape.Shape
		if err := tensor.Shape(b, &sh); err != nil {
			return err
		}
		body, kind, err := tensor.HostBody(bind.Runtime(), b)
		if err != nil {
			return err
		}
		rec, err = export.Tensor(alloc, kind, sh.Dims(), body)
		return err
	})
	return rec, err
}
