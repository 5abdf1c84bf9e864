package reconciler

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/andresmejia3/vigil/internal/metrics"
	"github.com/andresmejia3/vigil/internal/types"
)

func clip(id uint64) *types.Clip {
	return &types.Clip{ID: id, FirstSeq: (id - 1) * 16, CreatedAt: time.Now()}
}

func success(id uint64) types.InferenceResult {
	return types.InferenceResult{
		ClipID:      id,
		Attempts:    1,
		Predictions: []types.Prediction{{Label: "walking", Confidence: 0.8}, {Label: "running", Confidence: 0.1}},
		RemoteID:    "remote-1",
	}
}

func failure(id uint64, kind types.FailureKind) types.InferenceResult {
	return types.InferenceResult{ClipID: id, Attempts: 3, Failure: &types.Failure{Kind: kind, Message: "boom"}}
}

func TestResolveStates(t *testing.T) {
	tests := []struct {
		name      string
		result    types.InferenceResult
		wantState types.ClipState
		wantKind  types.FailureKind
	}{
		{"Success", success(1), types.StateSucceeded, types.FailureNone},
		{"Server error", failure(1, types.FailureServer), types.StateFailed, types.FailureServer},
		{"Malformed", failure(1, types.FailureMalformed), types.StateFailed, types.FailureMalformed},
		{"Shutdown", failure(1, types.FailureShutdown), types.StateDropped, types.FailureShutdown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			col := &Collector{}
			r := New("stream", 2, []Observer{col}, nil, zerolog.Nop())
			c := clip(1)
			if err := r.Dispatch(c, time.Now().Add(time.Minute)); err != nil {
				t.Fatal(err)
			}

			o, ok := r.Resolve(c, tt.result)
			if !ok {
				t.Fatal("Resolve returned false")
			}
			if o.State != tt.wantState || o.FailureKind != tt.wantKind {
				t.Errorf("outcome = %s/%s, want %s/%s", o.State, o.FailureKind, tt.wantState, tt.wantKind)
			}
			if o.StreamID != "stream" || o.ClipID != 1 {
				t.Errorf("outcome identity = %s/%d", o.StreamID, o.ClipID)
			}
			if tt.wantState == types.StateSucceeded {
				if o.Top == nil || o.Top.Label != "walking" {
					t.Errorf("Top = %+v", o.Top)
				}
			}
			if tt.wantState == types.StateDropped && o.DropReason != types.DropShutdown {
				t.Errorf("DropReason = %q, want shutdown", o.DropReason)
			}
			if col.Len() != 1 {
				t.Errorf("observer saw %d outcomes, want 1", col.Len())
			}
			if len(r.Pending()) != 0 {
				t.Error("pending entry not removed")
			}
		})
	}
}

func TestResolveExactlyOnce(t *testing.T) {
	m := metrics.New()
	col := &Collector{}
	r := New("s", 4, []Observer{col}, m, zerolog.Nop())
	c := clip(5)
	r.Dispatch(c, time.Time{})

	if _, ok := r.Resolve(c, success(5)); !ok {
		t.Fatal("first Resolve should succeed")
	}
	if _, ok := r.Resolve(c, success(5)); ok {
		t.Fatal("second Resolve should be discarded")
	}
	if col.Len() != 1 {
		t.Errorf("observer saw %d outcomes, want 1", col.Len())
	}
	if got := testutil.ToFloat64(m.IntegrityErrors); got != 1 {
		t.Errorf("integrity_errors = %v, want 1", got)
	}
	if r.Stats().Integrity != 1 {
		t.Errorf("Stats().Integrity = %d", r.Stats().Integrity)
	}
}

func TestDispatchLimits(t *testing.T) {
	r := New("s", 2, nil, nil, zerolog.Nop())

	if err := r.Dispatch(clip(1), time.Time{}); err != nil {
		t.Fatal(err)
	}
	if err := r.Dispatch(clip(1), time.Time{}); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate dispatch = %v, want ErrDuplicate", err)
	}
	if err := r.Dispatch(clip(2), time.Time{}); err != nil {
		t.Fatal(err)
	}
	if err := r.Dispatch(clip(3), time.Time{}); !errors.Is(err, ErrInFlightLimit) {
		t.Errorf("third dispatch = %v, want ErrInFlightLimit", err)
	}

	r.RecordRetry(2)
	r.RecordRetry(2)
	p := r.Pending()
	if len(p) != 2 || p[0].ClipID != 1 || p[1].Retries != 2 {
		t.Errorf("Pending() = %+v", p)
	}
}

func TestDrop(t *testing.T) {
	m := metrics.New()
	col := &Collector{}
	r := New("s", 1, []Observer{col}, m, zerolog.Nop())

	o := r.Drop(clip(3), types.DropBackpressure)
	if o.State != types.StateDropped || o.DropReason != types.DropBackpressure || o.Attempts != 0 {
		t.Errorf("Drop outcome = %+v", o)
	}
	if got := testutil.ToFloat64(m.ClipsDropped.WithLabelValues("backpressure")); got != 1 {
		t.Errorf("clips_dropped{backpressure} = %v, want 1", got)
	}
	if r.Stats().Dropped != 1 || col.Len() != 1 {
		t.Errorf("stats = %+v, collected %d", r.Stats(), col.Len())
	}
}

func TestConcurrentResolve(t *testing.T) {
	col := &Collector{}
	const workers = 8
	r := New("s", workers, []Observer{col}, nil, zerolog.Nop())

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				c := clip(uint64(w*50 + i + 1))
				if err := r.Dispatch(c, time.Time{}); err != nil {
					t.Errorf("Dispatch: %v", err)
					return
				}
				r.Resolve(c, success(c.ID))
			}
		}(w)
	}
	wg.Wait()

	out := col.Outcomes()
	if len(out) != workers*50 {
		t.Fatalf("got %d outcomes, want %d", len(out), workers*50)
	}
	for i, o := range out {
		if o.ClipID != uint64(i+1) {
			t.Fatalf("outcome %d has clip %d: duplicates or gaps", i, o.ClipID)
		}
	}
}

type slowSink struct {
	mu      sync.Mutex
	release chan struct{}
	got     []uint64
	fail    bool
}

func (s *slowSink) Write(o types.Outcome) error {
	if s.release != nil {
		<-s.release
	}
	s.mu.Lock()
	s.got = append(s.got, o.ClipID)
	s.mu.Unlock()
	if s.fail {
		return errors.New("sink down")
	}
	return nil
}

func TestAsyncObserverDropsWhenFull(t *testing.T) {
	m := metrics.New()
	sink := &slowSink{release: make(chan struct{})}
	a := NewAsyncObserver("db", sink, 2, m, zerolog.Nop())

	// One outcome is taken by the blocked writer, two fill the buffer, the rest overflow.
	for id := uint64(1); id <= 6; id++ {
		a.Observe(types.Outcome{ClipID: id})
		time.Sleep(2 * time.Millisecond)
	}
	close(sink.release)
	a.Close()

	if a.Lost() == 0 {
		t.Error("expected some outcomes to be lost")
	}
	if uint64(len(sink.got))+a.Lost() != 6 {
		t.Errorf("delivered %d + lost %d != 6", len(sink.got), a.Lost())
	}
	if got := testutil.ToFloat64(m.ObserverDropped.WithLabelValues("db")); got != float64(a.Lost()) {
		t.Errorf("observer_dropped = %v, want %d", got, a.Lost())
	}

	// Observe after Close is a no-op.
	a.Observe(types.Outcome{ClipID: 99})
}

func TestAsyncObserverCountsErrors(t *testing.T) {
	sink := &slowSink{fail: true}
	a := NewAsyncObserver("mqtt", sink, 4, nil, zerolog.Nop())
	a.Observe(types.Outcome{ClipID: 1})
	a.Observe(types.Outcome{ClipID: 2})
	a.Close()
	if a.Errors() != 2 {
		t.Errorf("Errors() = %d, want 2", a.Errors())
	}
}
