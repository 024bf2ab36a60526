package main

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/23skdu/longbow-talsh/internal/export"
	"github.com/23skdu/longbow-talsh/internal/legacy"
	"github.com/23skdu/longbow-talsh/internal/status"
)

// TalshFlightServer serves the device table and host tensor bodies.
type TalshFlightServer struct {
	flight.BaseFlightServer
	bind  *legacy.Binding
	alloc memory.Allocator
}

func NewTalshFlightServer(bind *legacy.Binding) *TalshFlightServer {
	return &TalshFlightServer{
		bind:  bind,
		alloc: memory.NewGoAllocator(),
	}
}

func (s *TalshFlightServer) DoGet(tkt *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	ticket := string(tkt.GetTicket())

	var (
		rec arrow.RecordBatch
		err error
	)
	if ticket == export.TicketDevices {
		rec = export.Devices(s.alloc, s.bind.Runtime().Devices())
	} else if h, ok := export.ParseTensorTicket(ticket); ok {
		rec, err = tensorRecord(s.bind, s.alloc, h)
	} else {
		return grpcstatus.Errorf(codes.NotFound, "unknown ticket %q", ticket)
	}
	if err != nil {
		return grpcstatus.Errorf(grpcCode(status.CodeOf(err)), "%v", err)
	}
	defer rec.Release()

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	defer writer.Close()
	log.Debug().Str("ticket", ticket).Int64("rows", rec.NumRows()).Msg("DoGet serving batch")
	return writer.Write(rec)
}

func grpcCode(code status.Code) codes.Code {
	switch code {
	case status.InvalidArgs, status.IntegerOverflow:
		return codes.InvalidArgument
	case status.ObjectIsEmpty:
		return codes.FailedPrecondition
	case status.NotInitialized, status.TryLater, status.DeviceUnable:
		return codes.Unavailable
	case status.NotAvailable, status.NotImplemented:
		return codes.Unimplemented
	}
	return codes.Internal
}

func StartFlightServer(addr string, bind *legacy.Binding) {
	server := flight.NewFlightServer()
	server.RegisterFlightService(NewTalshFlightServer(bind))

	if err := server.Init(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", addr).Msg("Starting TAL-SH Flight Server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}
