package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecordRefresh(t *testing.T) {
	t.Parallel()

	m := New()
	m.CountRun("succeeded")
	m.CountRun("succeeded")
	m.CountRun("failed")
	m.ObserveStage("cluster", 120*time.Millisecond)
	m.SetPublished(42, map[string]int{"topic": 3, "total": 1})

	if got := testutil.ToFloat64(m.RefreshRuns.WithLabelValues("succeeded")); got != 2 {
		t.Fatalf("expected 2 succeeded runs, got %v", got)
	}
	if got := testutil.ToFloat64(m.PublishedClusters); got != 42 {
		t.Fatalf("expected 42 published clusters, got %v", got)
	}
	if got := testutil.ToFloat64(m.PublishedRows.WithLabelValues("topic")); got != 3 {
		t.Fatalf("expected 3 topic rows, got %v", got)
	}
	if got := testutil.CollectAndCount(m.StageDuration); got != 1 {
		t.Fatalf("expected one stage series, got %d", got)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.CountRun("failed")
	m.ObserveStage("snapshot", time.Second)
	m.SetPublished(1, nil)
	m.CountIngested("ad", "ok")
	m.CountFingerprintFailures(2)
}
