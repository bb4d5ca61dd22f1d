// Package trace ships per-token decode latencies to an Arrow Flight
// collector, one record batch per generation run.
package trace

import (
	"context"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/arbalest/internal/logger"
)

var log = logger.Log.Component("trace")

// Exporter receives the latency trace of one finished generation run.
type Exporter interface {
	Export(ctx context.Context, runID string, latencies []time.Duration) error
	Close() error
}

var schema = arrow.NewSchema([]arrow.Field{
	{Name: "run_id", Type: arrow.BinaryTypes.String},
	{Name: "token_index", Type: arrow.PrimitiveTypes.Int32},
	{Name: "latency_us", Type: arrow.PrimitiveTypes.Int64},
}, nil)

// FlightExporter streams traces over Arrow Flight.
type FlightExporter struct {
	client flight.Client
}

// NewFlightExporter dials the collector. The connection is plaintext;
// traces carry no model data.
func NewFlightExporter(addr string) (*FlightExporter, error) {
	client, err := flight.NewClientWithMiddleware(addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	return &FlightExporter{client: client}, nil
}

func buildRecord(runID string, latencies []time.Duration) arrow.Record {
	b := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer b.Release()

	ids := b.Field(0).(*array.StringBuilder)
	idx := b.Field(1).(*array.Int32Builder)
	lat := b.Field(2).(*array.Int64Builder)
	for i, d := range latencies {
		ids.Append(runID)
		idx.Append(int32(i))
		lat.Append(d.Microseconds())
	}
	return b.NewRecord()
}

// Export sends one run as a single record batch.
func (e *FlightExporter) Export(ctx context.Context, runID string, latencies []time.Duration) error {
	if len(latencies) == 0 {
		return nil
	}

	stream, err := e.client.DoPut(ctx)
	if err != nil {
		return err
	}

	rec := buildRecord(runID, latencies)
	defer rec.Release()

	wr := flight.NewRecordWriter(stream, ipc.WithSchema(schema))
	wr.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{"token_latency"},
	})
	if err := wr.Write(rec); err != nil {
		_ = wr.Close()
		return err
	}
	if err := wr.Close(); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	log.Debug("trace exported", "run", runID, "tokens", len(latencies))
	return nil
}

func (e *FlightExporter) Close() error {
	return e.client.Close()
}

// MemoryExporter keeps traces in memory, for tests and for running
// without a collector.
type MemoryExporter struct {
	mu   sync.RWMutex
	runs map[string][]time.Duration
}

func NewMemoryExporter() *MemoryExporter {
	return &MemoryExporter{runs: make(map[string][]time.Duration)}
}

func (e *MemoryExporter) Export(_ context.Context, runID string, latencies []time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runs[runID] = append([]time.Duration(nil), latencies...)
	return nil
}

// Run returns the stored trace for one run id.
func (e *MemoryExporter) Run(runID string) []time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.runs[runID]
}

func (e *MemoryExporter) Close() error { return nil }
