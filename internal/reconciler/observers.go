package reconciler

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/andresmejia3/vigil/internal/metrics"
	"github.com/andresmejia3/vigil/internal/types"
)

// LogObserver writes one line per outcome.
type LogObserver struct {
	Log zerolog.Logger
}

func (l LogObserver) Observe(o types.Outcome) {
	switch o.State {
	case types.StateSucceeded:
		ev := l.Log.Info().Uint64("clip_id", o.ClipID).Uint64("first_seq", o.FirstSeq).
			Int("attempts", o.Attempts).Dur("latency", o.Latency)
		if o.Top != nil {
			ev = ev.Str("label", o.Top.Label).Float64("confidence", o.Top.Confidence)
		}
		ev.Msg("clip classified")
	case types.StateFailed:
		l.Log.Warn().Uint64("clip_id", o.ClipID).Str("kind", string(o.FailureKind)).
			Int("attempts", o.Attempts).Str("error", o.Message).Msg("clip failed")
	default:
		l.Log.Debug().Uint64("clip_id", o.ClipID).Str("reason", string(o.DropReason)).Msg("clip dropped")
	}
}

// Collector keeps every outcome in memory.
type Collector struct {
	mu       sync.Mutex
	outcomes []types.Outcome
}

func (c *Collector) Observe(o types.Outcome) {
	c.mu.Lock()
	c.outcomes = append(c.outcomes, o)
	c.mu.Unlock()
}

// Outcomes returns a copy sorted by clip ID.
func (c *Collector) Outcomes() []types.Outcome {
	c.mu.Lock()
	out := append([]types.Outcome(nil), c.outcomes...)
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ClipID < out[j].ClipID })
	return out
}

// Len returns the number of outcomes collected.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outcomes)
}

// Sink is a possibly slow outcome consumer such as a database or a broker.
type Sink interface {
	Write(o types.Outcome) error
}

// AsyncObserver hands outcomes to a Sink on its own goroutine through a bounded
// buffer. When the buffer is full the outcome is dropped and counted.
type AsyncObserver struct {
	name string
	sink Sink
	ch   chan types.Outcome
	done chan struct{}
	log  zerolog.Logger
	m    *metrics.Metrics

	mu     sync.Mutex
	closed bool
	errs   uint64
	lost   uint64
}

// NewAsyncObserver starts the delivery goroutine.
func NewAsyncObserver(name string, sink Sink, buffer int, m *metrics.Metrics, log zerolog.Logger) *AsyncObserver {
	if buffer < 1 {
		buffer = 1
	}
	a := &AsyncObserver{
		name: name,
		sink: sink,
		ch:   make(chan types.Outcome, buffer),
		done: make(chan struct{}),
		log:  log,
		m:    m,
	}
	go a.loop()
	return a
}

func (a *AsyncObserver) loop() {
	defer close(a.done)
	for o := range a.ch {
		if err := a.sink.Write(o); err != nil {
			a.mu.Lock()
			a.errs++
			a.mu.Unlock()
			a.log.Warn().Err(err).Str("sink", a.name).Uint64("clip_id", o.ClipID).Msg("outcome sink write failed")
		}
	}
}

func (a *AsyncObserver) Observe(o types.Outcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.ch <- o:
	default:
		a.lost++
		a.m.RecordObserverDrop(a.name)
	}
}

// Close stops accepting outcomes and waits for the buffer to flush.
func (a *AsyncObserver) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.ch)
	}
	a.mu.Unlock()
	<-a.done
}

// Name is the sink label used in logs and metrics.
func (a *AsyncObserver) Name() string { return a.name }

// Lost reports outcomes dropped because the buffer was full.
func (a *AsyncObserver) Lost() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lost
}

// Errors reports failed sink writes.
func (a *AsyncObserver) Errors() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.errs
}
