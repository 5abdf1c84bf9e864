package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/andresmejia3/vigil/internal/types"
)

func TestRecordHelpers(t *testing.T) {
	m := New()

	m.RecordFrame("")
	m.RecordFrame("shape_mismatch")
	m.RecordDrop(types.DropBackpressure)
	m.RecordDrop(types.DropBackpressure)
	m.RecordAttempt(false)
	m.RecordAttempt(true)
	m.RecordOutcome(types.Outcome{State: types.StateSucceeded, Attempts: 2, Latency: 300 * time.Millisecond})

	if got := testutil.ToFloat64(m.FramesReceived); got != 2 {
		t.Errorf("frames_received = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.FramesRejected.WithLabelValues("shape_mismatch")); got != 1 {
		t.Errorf("frames_rejected = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ClipsDropped.WithLabelValues("backpressure")); got != 2 {
		t.Errorf("clips_dropped{backpressure} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Retries); got != 1 {
		t.Errorf("retries = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Outcomes.WithLabelValues("succeeded", "")); got != 1 {
		t.Errorf("outcomes{succeeded} = %v, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	// None of these may panic.
	m.RecordFrame("x")
	m.RecordSequenceReset()
	m.RecordDrop(types.DropShutdown)
	m.SetInFlight(3)
	m.RecordOutcome(types.Outcome{})
}

func TestHandlerExposesPrivateRegistry(t *testing.T) {
	m := New()
	m.RecordSealed()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "vigil_clips_sealed_total 1") {
		t.Errorf("expected clips_sealed_total in output, got:\n%s", body)
	}
}
