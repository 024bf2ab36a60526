// Package client queries the device service of a peer node over Arrow Flight.
package client

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-talsh/internal/device"
	"github.com/23skdu/longbow-talsh/internal/export"
	"github.com/23skdu/longbow-talsh/internal/status"
)

// FlightClient fetches device tables and tensor bodies from a peer.
type FlightClient struct {
	client  flight.Client
	conn    *grpc.ClientConn
	breaker *Breaker
	alloc   memory.Allocator
}

// NewFlightClient connects to the Flight service at addr. breaker may be nil.
func NewFlightClient(addr string, breaker *Breaker) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	client := flight.NewClientFromConn(conn, nil)
	return &FlightClient{
		client:  client,
		conn:    conn,
		breaker: breaker,
		alloc:   memory.NewGoAllocator(),
	}, nil
}

// Devices returns the device table of the peer.
func (c *FlightClient) Devices(ctx context.Context) ([]device.Cell, error) {
	rec, err := c.fetch(ctx, export.TicketDevices, "devices")
	if err != nil {
		return nil, err
	}
	defer rec.Release()
	return export.ReadDevices(rec)
}

// Tensor returns the host body of the tensor block with legacy handle h.
// The caller releases the record.
func (c *FlightClient) Tensor(ctx context.Context, h int) (arrow.RecordBatch, error) {
	return c.fetch(ctx, export.TensorTicket(h), "tensor")
}

func (c *FlightClient) fetch(ctx context.Context, ticket, kind string) (arrow.RecordBatch, error) {
	var rec arrow.RecordBatch
	get := func() error {
		var err error
		rec, err = c.doGet(ctx, ticket)
		return err
	}
	var err error
	if c.breaker != nil {
		err = c.breaker.Do(get)
	} else {
		err = get()
	}
	if err != nil {
		fetches.WithLabelValues(kind, "error").Inc()
		return nil, err
	}
	fetches.WithLabelValues(kind, "ok").Inc()
	return rec, nil
}

// doGet reads the single record batch served for ticket.
func (c *FlightClient) doGet(ctx context.Context, ticket string) (arrow.RecordBatch, error) {
	stream, err := c.client.DoGet(ctx, &flight.Ticket{Ticket: []byte(ticket)})
	if err != nil {
		return nil, err
	}
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(c.alloc))
	if err != nil {
		return nil, err
	}
	defer reader.Release()

	if !reader.Next() {
		if err := reader.Err(); err != nil {
			return nil, err
		}
		return nil, status.Errorf(status.Failure, "ticket %q: empty stream", ticket)
	}
	rec := reader.Record()
	rec.Retain()
	return rec, nil
}

// Close closes the client connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}
