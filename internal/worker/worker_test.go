package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/andresmejia3/vigil/internal/queue"
	"github.com/andresmejia3/vigil/internal/reconciler"
	"github.com/andresmejia3/vigil/internal/types"
)

// fakeClient simulates the inference endpoint with a fixed latency.
type fakeClient struct {
	latency  time.Duration
	calls    atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	started  chan uint64
}

func (f *fakeClient) MaxDuration() time.Duration { return time.Minute }

func (f *fakeClient) Submit(ctx context.Context, clip *types.Clip) types.InferenceResult {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxSeen.Load()
		if n <= cur || f.maxSeen.CompareAndSwap(cur, n) {
			break
		}
	}
	if f.started != nil {
		f.started <- clip.ID
	}

	select {
	case <-time.After(f.latency):
		return types.InferenceResult{
			ClipID:      clip.ID,
			Attempts:    1,
			Predictions: []types.Prediction{{Label: "walking", Confidence: 0.9}},
		}
	case <-ctx.Done():
		return types.InferenceResult{
			ClipID:   clip.ID,
			Attempts: 1,
			Failure:  &types.Failure{Kind: types.FailureShutdown, Message: ctx.Err().Error()},
		}
	}
}

func setup(t *testing.T, workers, capacity int, client Submitter, gate *Gate, grace time.Duration) (*Supervisor, *queue.Queue, *reconciler.Collector) {
	t.Helper()
	q, err := queue.New(capacity, queue.DropNewest)
	if err != nil {
		t.Fatal(err)
	}
	col := &reconciler.Collector{}
	rec := reconciler.New("test", workers, []reconciler.Observer{col}, nil, zerolog.Nop())
	sup := NewSupervisor(Options{Workers: workers, GracePeriod: grace}, q, rec, client, gate, nil, zerolog.Nop())
	return sup, q, col
}

func fill(t *testing.T, q *queue.Queue, n int) {
	t.Helper()
	for id := uint64(1); id <= uint64(n); id++ {
		if d, err := q.Enqueue(&types.Clip{ID: id}); err != nil || d != nil {
			t.Fatalf("Enqueue(%d) = %v, %v", id, d, err)
		}
	}
}

func TestRunDrainsAtEndOfStream(t *testing.T) {
	client := &fakeClient{latency: 5 * time.Millisecond}
	sup, q, col := setup(t, 2, 8, client, nil, time.Second)
	fill(t, q, 5)
	q.Close()

	if err := sup.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	out := col.Outcomes()
	if len(out) != 5 {
		t.Fatalf("got %d outcomes, want 5", len(out))
	}
	for _, o := range out {
		if o.State != types.StateSucceeded {
			t.Errorf("clip %d state %s", o.ClipID, o.State)
		}
	}
}

func TestRunBoundsInFlight(t *testing.T) {
	client := &fakeClient{latency: 10 * time.Millisecond}
	sup, q, col := setup(t, 3, 32, client, nil, time.Second)
	fill(t, q, 20)
	q.Close()

	sup.Run(context.Background())

	if got := client.maxSeen.Load(); got > 3 {
		t.Errorf("saw %d concurrent calls, limit is 3", got)
	}
	if col.Len() != 20 {
		t.Errorf("got %d outcomes, want 20", col.Len())
	}
}

func TestRunShutdownResolvesEveryClip(t *testing.T) {
	client := &fakeClient{latency: 50 * time.Millisecond, started: make(chan uint64, 8)}
	sup, q, col := setup(t, 1, 8, client, nil, time.Second)
	fill(t, q, 5)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- sup.Run(ctx) }()

	<-client.started // first clip is in flight
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after shutdown")
	}

	out := col.Outcomes()
	if len(out) != 5 {
		t.Fatalf("got %d outcomes, want 5", len(out))
	}
	for _, o := range out {
		if o.State != types.StateSucceeded && o.State != types.StateDropped {
			t.Errorf("clip %d ended %s, want succeeded or dropped", o.ClipID, o.State)
		}
	}
	if out[0].State != types.StateSucceeded {
		t.Errorf("in-flight clip should finish within grace, got %s", out[0].State)
	}
	if client.calls.Load() != 1 {
		t.Errorf("no new dispatch should start after shutdown, got %d calls", client.calls.Load())
	}
}

func TestRunGraceExpiryCancelsInFlight(t *testing.T) {
	client := &fakeClient{latency: time.Hour, started: make(chan uint64, 1)}
	sup, q, col := setup(t, 1, 2, client, nil, 20*time.Millisecond)
	fill(t, q, 1)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- sup.Run(ctx) }()
	<-client.started
	cancel()

	select {
	case <-errc:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not force-cancel in-flight call")
	}

	out := col.Outcomes()
	if len(out) != 1 || out[0].State != types.StateDropped || out[0].DropReason != types.DropShutdown {
		t.Fatalf("outcomes = %+v", out)
	}
}

func TestGatePausesDispatch(t *testing.T) {
	client := &fakeClient{latency: time.Millisecond}
	gate := NewGate(false)
	sup, q, col := setup(t, 2, 4, client, gate, time.Second)
	fill(t, q, 3)

	errc := make(chan error, 1)
	go func() { errc <- sup.Run(context.Background()) }()

	time.Sleep(30 * time.Millisecond)
	if client.calls.Load() != 0 {
		t.Fatalf("dispatched %d clips while gate closed", client.calls.Load())
	}
	// Queue keeps absorbing and dropping under its policy meanwhile.
	q.Enqueue(&types.Clip{ID: 4})
	if d, _ := q.Enqueue(&types.Clip{ID: 5}); d == nil || d.ID != 5 {
		t.Errorf("full queue should reject newest clip, got %v", d)
	}

	gate.Set(true)
	q.Close()

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not finish after gate opened")
	}
	if col.Len() != 4 {
		t.Errorf("got %d outcomes, want 4", col.Len())
	}
}

func TestGateShutStopsIdleWorkers(t *testing.T) {
	client := &fakeClient{latency: time.Millisecond}
	gate := NewGate(true)
	sup, q, col := setup(t, 2, 4, client, gate, time.Second)

	errc := make(chan error, 1)
	go func() { errc <- sup.Run(context.Background()) }()

	// Both workers are parked waiting for a clip when the endpoint goes away.
	time.Sleep(30 * time.Millisecond)
	gate.Set(false)
	fill(t, q, 2)

	time.Sleep(50 * time.Millisecond)
	if n := client.calls.Load(); n != 0 {
		t.Fatalf("dispatched %d clips after the gate shut", n)
	}
	if q.Len() != 2 {
		t.Errorf("queue holds %d clips, want 2", q.Len())
	}

	gate.Set(true)
	q.Close()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not finish after the gate reopened")
	}
	out := col.Outcomes()
	if len(out) != 2 || out[0].ClipID != 1 || out[1].ClipID != 2 {
		t.Errorf("outcomes = %+v", out)
	}
}

func TestDispatchRefusalIsNotBackpressure(t *testing.T) {
	q, err := queue.New(4, queue.DropNewest)
	if err != nil {
		t.Fatal(err)
	}
	col := &reconciler.Collector{}
	// The pending bound is smaller than the pool, so one worker gets refused.
	rec := reconciler.New("test", 1, []reconciler.Observer{col}, nil, zerolog.Nop())
	client := &fakeClient{latency: 50 * time.Millisecond}
	sup := NewSupervisor(Options{Workers: 2, GracePeriod: time.Second}, q, rec, client, nil, nil, zerolog.Nop())
	fill(t, q, 2)
	q.Close()

	if err := sup.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var refused int
	for _, o := range col.Outcomes() {
		if o.DropReason == types.DropBackpressure {
			t.Errorf("clip %d labelled as backpressure", o.ClipID)
		}
		if o.DropReason == types.DropRefused {
			refused++
		}
	}
	if refused != 1 || col.Len() != 2 {
		t.Errorf("refused = %d, outcomes = %d; want 1 and 2", refused, col.Len())
	}
}

func TestRunExitsWhenClosedQueueEmptyAndGateShut(t *testing.T) {
	sup, q, _ := setup(t, 2, 2, &fakeClient{}, NewGate(false), time.Second)
	q.Close()

	done := make(chan struct{})
	go func() {
		sup.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("workers kept waiting on a shut gate with nothing to do")
	}
}

type scriptedHealth struct {
	mu      sync.Mutex
	answers []types.Health
	err     error
}

func (s *scriptedHealth) Health(ctx context.Context) (types.Health, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return types.Health{}, s.err
	}
	h := s.answers[0]
	if len(s.answers) > 1 {
		s.answers = s.answers[1:]
	}
	return h, nil
}

func TestGateWatch(t *testing.T) {
	hc := &scriptedHealth{answers: []types.Health{
		{Status: "healthy", ModelLoaded: false},
		{Status: "healthy", ModelLoaded: true},
	}}
	gate := NewGate(false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go gate.Watch(ctx, hc, 5*time.Millisecond, nil, zerolog.Nop())

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	if err := gate.Wait(waitCtx); err != nil {
		t.Fatalf("gate never opened: %v", err)
	}

	hc.mu.Lock()
	hc.err = errors.New("connection refused")
	hc.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	for gate.IsOpen() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if gate.IsOpen() {
		t.Error("gate should close when the probe fails")
	}
}

func TestGateSet(t *testing.T) {
	g := NewGate(true)
	if g.Set(true) {
		t.Error("Set(true) on open gate should report no change")
	}
	if !g.Set(false) || g.IsOpen() {
		t.Error("Set(false) should close the gate")
	}
	select {
	case <-g.Opened():
		t.Error("Opened() should block while closed")
	default:
	}
	select {
	case <-g.Shut():
	default:
		t.Error("Shut() should be closed while shut")
	}
	g.Set(true)
	select {
	case <-g.Opened():
	default:
		t.Error("Opened() should be closed while open")
	}
	select {
	case <-g.Shut():
		t.Error("Shut() should block while open")
	default:
	}
}
