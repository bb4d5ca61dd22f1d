package trace

import (
	"context"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/array"
)

func TestMemoryExporter(t *testing.T) {
	e := NewMemoryExporter()
	lat := []time.Duration{time.Millisecond, 2 * time.Millisecond}
	if err := e.Export(context.Background(), "run-1", lat); err != nil {
		t.Fatal(err)
	}

	got := e.Run("run-1")
	if len(got) != 2 || got[1] != 2*time.Millisecond {
		t.Errorf("stored trace = %v", got)
	}
	if e.Run("absent") != nil {
		t.Error("unknown run returned data")
	}

	// The stored copy is detached from the caller's slice.
	lat[0] = time.Hour
	if e.Run("run-1")[0] != time.Millisecond {
		t.Error("exporter aliased the caller's slice")
	}
}

func TestBuildRecord(t *testing.T) {
	rec := buildRecord("r", []time.Duration{1500 * time.Microsecond, 2 * time.Millisecond, 10 * time.Microsecond})
	defer rec.Release()

	if rec.NumRows() != 3 || rec.NumCols() != 3 {
		t.Fatalf("record shape %dx%d", rec.NumRows(), rec.NumCols())
	}
	ids := rec.Column(0).(*array.String)
	idx := rec.Column(1).(*array.Int32)
	lat := rec.Column(2).(*array.Int64)
	for i := 0; i < 3; i++ {
		if ids.Value(i) != "r" {
			t.Errorf("row %d run id = %q", i, ids.Value(i))
		}
		if idx.Value(i) != int32(i) {
			t.Errorf("row %d index = %d", i, idx.Value(i))
		}
	}
	if lat.Value(0) != 1500 || lat.Value(1) != 2000 || lat.Value(2) != 10 {
		t.Errorf("latencies = %d %d %d", lat.Value(0), lat.Value(1), lat.Value(2))
	}
}
