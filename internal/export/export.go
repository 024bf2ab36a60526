// Package export converts runtime state and host tensor bodies into Arrow
// record batches for the Flight service and IPC dumps.
package export

import (
	"encoding/binary"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-talsh/internal/device"
	"github.com/23skdu/longbow-talsh/internal/status"
)

// DeviceSchema is the schema of the device table.
var DeviceSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: "flat_id", Type: arrow.PrimitiveTypes.Int32},
		{Name: "kind", Type: arrow.BinaryTypes.String},
		{Name: "index", Type: arrow.PrimitiveTypes.Int32},
		{Name: "state", Type: arrow.BinaryTypes.String},
	},
	nil,
)

// Devices converts a registry snapshot into a record batch.
func Devices(mem memory.Allocator, cells []device.Cell) arrow.RecordBatch {
	ids := array.NewInt32Builder(mem)
	defer ids.Release()
	kinds := array.NewStringBuilder(mem)
	defer kinds.Release()
	idx := array.NewInt32Builder(mem)
	defer idx.Release()
	states := array.NewStringBuilder(mem)
	defer states.Release()

	for _, c := range cells {
		ids.Append(int32(c.FlatID))
		kinds.Append(c.Kind.String())
		idx.Append(int32(c.Index))
		states.Append(c.State.String())
	}

	cols := []arrow.Array{ids.NewArray(), kinds.NewArray(), idx.NewArray(), states.NewArray()}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	return array.NewRecordBatch(DeviceSchema, cols, int64(len(cells)))
}

// ReadDevices is the inverse of Devices.
func ReadDevices(rec arrow.RecordBatch) ([]device.Cell, error) {
	if !rec.Schema().Equal(DeviceSchema) {
		return nil, status.Errorf(status.InvalidArgs, "unexpected device table schema %s", rec.Schema())
	}
	ids := rec.Column(0).(*array.Int32)
	kinds := rec.Column(1).(*array.String)
	idx := rec.Column(2).(*array.Int32)
	states := rec.Column(3).(*array.String)

	out := make([]device.Cell, rec.NumRows())
	for i := range out {
		k, err := parseKind(kinds.Value(i))
		if err != nil {
			return nil, err
		}
		st, err := parseState(states.Value(i))
		if err != nil {
			return nil, err
		}
		out[i] = device.Cell{FlatID: int(ids.Value(i)), Kind: k, Index: int(idx.Value(i)), State: st}
	}
	return out, nil
}

func parseKind(s string) (device.Kind, error) {
	for _, k := range append([]device.Kind{device.KindNull}, device.Kinds...) {
		if k.String() == s {
			return k, nil
		}
	}
	return device.KindNull, status.Errorf(status.InvalidArgs, "device kind %q", s)
}

func parseState(s string) (device.State, error) {
	for _, st := range []device.State{device.Off, device.On, device.OnAccelerated} {
		if st.String() == s {
			return st, nil
		}
	}
	return device.Off, status.Errorf(status.InvalidArgs, "device state %q", s)
}

// Tensor metadata keys.
const (
	MetaDims     = "talsh.dims"
	MetaDataKind = "talsh.data_kind"
)

// Tensor converts a host tensor body into a single record batch with one
// row per element in storage order. Real kinds have a "value" column;
// complex kinds have "re" and "im" columns.
func Tensor(mem memory.Allocator, kind device.DataKind, dims []int, body []byte) (arrow.RecordBatch, error) {
	if kind == device.NoType || !kind.Valid() {
		return nil, status.Errorf(status.InvalidArgs, "no body to export for %s", kind)
	}
	n := len(body) / kind.Size()
	if n*kind.Size() != len(body) {
		return nil, status.Errorf(status.InvalidArgs, "body of %d bytes is not a whole number of %s", len(body), kind)
	}

	md := arrow.NewMetadata(
		[]string{MetaDims, MetaDataKind},
		[]string{joinDims(dims), kind.String()},
	)
	var (
		fields []arrow.Field
		cols   []arrow.Array
	)
	switch kind {
	case device.R4, device.C4:
		fields, cols = float32Columns(mem, kind.Complex(), body)
	case device.R8, device.C8:
		fields, cols = float64Columns(mem, kind.Complex(), body)
	}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	schema := arrow.NewSchema(fields, &md)
	return array.NewRecordBatch(schema, cols, int64(n)), nil
}

func float32Columns(mem memory.Allocator, cplx bool, body []byte) ([]arrow.Field, []arrow.Array) {
	width := 1
	names := []string{"value"}
	if cplx {
		width, names = 2, []string{"re", "im"}
	}
	builders := make([]*array.Float32Builder, width)
	fields := make([]arrow.Field, width)
	for i := range builders {
		builders[i] = array.NewFloat32Builder(mem)
		defer builders[i].Release()
		fields[i] = arrow.Field{Name: names[i], Type: arrow.PrimitiveTypes.Float32}
	}
	for off, part := 0, 0; off+4 <= len(body); off, part = off+4, (part+1)%width {
		builders[part].Append(math.Float32frombits(binary.LittleEndian.Uint32(body[off:])))
	}
	cols := make([]arrow.Array, width)
	for i, b := range builders {
		cols[i] = b.NewArray()
	}
	return fields, cols
}

func float64Columns(mem memory.Allocator, cplx bool, body []byte) ([]arrow.Field, []arrow.Array) {
	width := 1
	names := []string{"value"}
	if cplx {
		width, names = 2, []string{"re", "im"}
	}
	builders := make([]*array.Float64Builder, width)
	fields := make([]arrow.Field, width)
	for i := range builders {
		builders[i] = array.NewFloat64Builder(mem)
		defer builders[i].Release()
		fields[i] = arrow.Field{Name: names[i], Type: arrow.PrimitiveTypes.Float64}
	}
	for off, part := 0, 0; off+8 <= len(body); off, part = off+8, (part+1)%width {
		builders[part].Append(math.Float64frombits(binary.LittleEndian.Uint64(body[off:])))
	}
	cols := make([]arrow.Array, width)
	for i, b := range builders {
		cols[i] = b.NewArray()
	}
	return fields, cols
}

func joinDims(dims []int) string {
	parts := make([]string, len(dims))
	for i, d := range dims {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

// Dims recovers the tensor dimensions stored in the schema metadata of rec.
func Dims(rec arrow.RecordBatch) ([]int, error) {
	md := rec.Schema().Metadata()
	i := md.FindKey(MetaDims)
	if i < 0 {
		return nil, status.Errorf(status.InvalidArgs, "record has no %s metadata", MetaDims)
	}
	v := md.Values()[i]
	if v == "" {
		return []int{}, nil
	}
	parts := strings.Split(v, ",")
	dims := make([]int, len(parts))
	for j, p := range parts {
		d, err := strconv.Atoi(p)
		if err != nil {
			return nil, status.Errorf(status.InvalidArgs, "dims %q: %v", v, err)
		}
		dims[j] = d
	}
	return dims, nil
}

// WriteIPC writes record batches sharing one schema as an Arrow IPC stream.
func WriteIPC(w io.Writer, recs ...arrow.RecordBatch) error {
	if len(recs) == 0 {
		return nil
	}
	writer := ipc.NewWriter(w, ipc.WithSchema(recs[0].Schema()))
	for _, rec := range recs {
		if err := writer.Write(rec); err != nil {
			_ = writer.Close()
			return err
		}
	}
	return writer.Close()
}

// Flight tickets understood by the device service.
const (
	TicketDevices = "devices"
	ticketTensor  = "tensor/"
)

// TensorTicket names the tensor block with legacy handle h.
func TensorTicket(h int) string {
	return ticketTensor + strconv.Itoa(h)
}

// ParseTensorTicket returns the handle named by a tensor ticket.
func ParseTensorTicket(t string) (int, bool) {
	rest, ok := strings.CutPrefix(t, ticketTensor)
	if !ok {
		return 0, false
	}
	h, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return h, true
}
