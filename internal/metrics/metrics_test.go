package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistersAgainstSuppliedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := New(reg)

	s.CacheHits.Inc()
	s.RequestsInFlight.Set(3)

	if got := testutil.ToFloat64(s.CacheHits); got != 1 {
		t.Fatalf("got %v, want 1", got)
	}

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	if len(mfs) == 0 {
		t.Fatal("expected collectors registered against the supplied registry")
	}
}

func TestDoesNotTouchDefaultRegisterer(t *testing.T) {
	before, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatal(err)
	}
	New(prometheus.NewRegistry())
	after, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != len(before) {
		t.Fatalf("default registerer gained metrics: before=%d after=%d", len(before), len(after))
	}
}
