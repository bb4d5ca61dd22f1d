package metrics

import (
	"testing"
	"time"
)

func TestRecordStepAccumulates(t *testing.T) {
	initial := TotalTokens()
	RecordStep(1, 5*time.Millisecond)
	RecordStep(3, 10*time.Millisecond)
	if got := TotalTokens(); got != initial+4 {
		t.Errorf("TotalTokens = %d, want %d", got, initial+4)
	}
}

func TestRecordKVCacheStats(t *testing.T) {
	RecordKVCacheStats(1024*1024, 256*1024)
	RecordKVCacheStats(1024*1024, 0)
}

func TestRecordEviction(t *testing.T) {
	RecordEviction(3)
	// Non-positive counts are ignored rather than panicking the counter.
	RecordEviction(0)
	RecordEviction(-1)
}

func TestRecordUnsupportedEncoding(t *testing.T) {
	RecordUnsupportedEncoding("UNKNOWN_TYPE_99")
	RecordUnsupportedEncoding("Q8_K")
}

func TestRecordParseFailure(t *testing.T) {
	for _, reason := range []string{"magic", "version", "truncated", "count", "offset", "other"} {
		RecordParseFailure(reason)
	}
}

func TestHistogramsObserve(t *testing.T) {
	PrefillDuration.Observe(0.05)
	FirstTokenLatency.Observe(0.02)
	ContextLength.Observe(512)
}
