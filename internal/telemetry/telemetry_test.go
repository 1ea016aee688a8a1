package telemetry

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"strategylab/internal/engine"
)

func TestCollectorCounts(t *testing.T) {
	c := NewCollector()
	c.ObservePeriod(engine.PeriodProcessed)
	c.ObservePeriod(engine.PeriodProcessed)
	c.ObservePeriod(engine.PeriodSkipped)
	c.ObserveRun("sma-cross", engine.RunOK, 250*time.Millisecond)

	if got := testutil.ToFloat64(c.periods.WithLabelValues(engine.PeriodProcessed)); got != 2 {
		t.Errorf("processed = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.periods.WithLabelValues(engine.PeriodSkipped)); got != 1 {
		t.Errorf("skipped = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.runs.WithLabelValues("sma-cross", engine.RunOK)); got != 1 {
		t.Errorf("runs = %v, want 1", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector()
	c.ObserveRun("adaptive", engine.RunFailed, time.Second)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		`strategylab_runs_total{outcome="failed",strategy="adaptive"} 1`,
		"strategylab_run_duration_seconds_bucket",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
