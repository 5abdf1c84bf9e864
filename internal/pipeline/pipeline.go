// Package pipeline wires the frame source, accumulator, dispatch queue, worker
// pool and reconciler into one run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/andresmejia3/vigil/internal/accumulator"
	"github.com/andresmejia3/vigil/internal/config"
	"github.com/andresmejia3/vigil/internal/inference"
	"github.com/andresmejia3/vigil/internal/logger"
	"github.com/andresmejia3/vigil/internal/metrics"
	"github.com/andresmejia3/vigil/internal/queue"
	"github.com/andresmejia3/vigil/internal/reconciler"
	"github.com/andresmejia3/vigil/internal/types"
	"github.com/andresmejia3/vigil/internal/worker"
)

// ErrStreamStalled ends a run whose source stopped producing frames.
var ErrStreamStalled = errors.New("frame source stalled")

// Source yields decoded frames in order. io.EOF marks the end of the stream.
type Source interface {
	Next(ctx context.Context) (*types.Frame, error)
}

// Summary describes a run, live or finished.
type Summary struct {
	StreamID       string           `json:"stream_id"`
	Endpoint       string           `json:"endpoint"`
	Frames         uint64           `json:"frames"`
	Rejected       uint64           `json:"frames_rejected"`
	SequenceResets uint64           `json:"sequence_resets"`
	ClipsSealed    uint64           `json:"clips_sealed"`
	Discarded      int              `json:"frames_discarded"`
	Queue          queue.Stats      `json:"queue"`
	Outcomes       reconciler.Stats `json:"outcomes"`
	Busy           int              `json:"busy_workers"`
	EndpointReady  bool             `json:"endpoint_ready"`
	StreamStalled  bool             `json:"stream_stalled"`
	Elapsed        time.Duration    `json:"elapsed_ns"`
}

// Pipeline is single-use: call Run once.
type Pipeline struct {
	cfg      *config.Config
	streamID string
	client   *inference.Client
	log      zerolog.Logger
	m        *metrics.Metrics

	accMu sync.Mutex
	acc   *accumulator.Accumulator

	queue *queue.Queue
	rec   *reconciler.Reconciler
	gate  *worker.Gate
	sup   *worker.Supervisor

	frames    atomic.Uint64
	discarded atomic.Int64
	lastFrame atomic.Int64 // unix nanos
	stalled   atomic.Bool
	started   atomic.Int64 // unix nanos, 0 before Run
	finished  atomic.Int64 // unix nanos, 0 while running
}

// New validates cfg and builds every stage. Observers receive each terminal outcome.
func New(cfg *config.Config, streamID string, client *inference.Client, observers []reconciler.Observer, m *metrics.Metrics, log zerolog.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policy, err := queue.ParsePolicy(cfg.Pipeline.Backpressure)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:      cfg,
		streamID: streamID,
		log:      logger.Component(log, "pipeline"),
		m:        m,
	}

	p.queue, err = queue.New(cfg.Pipeline.QueueCapacity, policy)
	if err != nil {
		return nil, err
	}

	p.rec = reconciler.New(streamID, cfg.Pipeline.Workers, observers, m, logger.Component(log, "reconciler"))
	p.client = client.WithRetryHook(func(clipID uint64, attempt int, f *types.Failure) {
		p.rec.RecordRetry(clipID)
		// The health watcher reopens the gate once the model is back.
		if f.Kind == types.FailureEndpointUnhealthy && cfg.Health.Enabled && p.gate.Set(false) {
			p.m.SetEndpointReady(false)
			p.log.Warn().Uint64("clip_id", clipID).Msg("endpoint reports model not loaded, pausing dispatch")
		}
	})

	p.acc, err = accumulator.New(cfg.Pipeline.ClipLength, cfg.EffectiveStride(), p, m, logger.Component(log, "accumulator"))
	if err != nil {
		return nil, err
	}

	p.gate = worker.NewGate(!cfg.Health.Enabled)
	p.sup = worker.NewSupervisor(worker.Options{
		Workers:     cfg.Pipeline.Workers,
		GracePeriod: cfg.GracePeriod,
	}, p.queue, p.rec, p.client, p.gate, m, logger.Component(log, "worker"))

	return p, nil
}

// ClientOptions maps the inference section of cfg onto client options.
func ClientOptions(cfg *config.Config) inference.Options {
	in := cfg.Inference
	return inference.Options{
		Endpoint:     cfg.Endpoint,
		Timeout:      in.Timeout,
		Retries:      in.Retries,
		BackoffBase:  in.BackoffBase,
		BackoffMax:   in.BackoffMax,
		TopK:         in.TopK,
		RawFrames:    in.Encoding == config.EncodingRaw,
		JPEGQuality:  in.JPEGQuality,
		ResizeWidth:  in.ResizeWidth,
		ResizeHeight: in.ResizeHeight,
	}
}

// Run pulls frames until the source ends or ctx is cancelled, then waits for
// every sealed clip to reach a terminal state. It returns ctx.Err() after a
// cancellation and the source error if the source failed. A source that goes
// quiet for longer than the stream timeout ends ingest with ErrStreamStalled;
// clips already sealed still drain.
func (p *Pipeline) Run(ctx context.Context, src Source) (Summary, error) {
	now := time.Now().UnixNano()
	p.started.Store(now)
	p.lastFrame.Store(now)

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	if p.cfg.Health.Enabled {
		p.log.Info().Str("endpoint", p.client.Endpoint()).Msg("waiting for inference endpoint")
		go p.gate.Watch(watchCtx, p.client, p.cfg.Health.Interval, p.m, logger.Component(p.log, "health"))
	}

	supErr := make(chan error, 1)
	go func() { supErr <- p.sup.Run(ctx) }()

	ingestCtx, stopIngest := context.WithCancel(ctx)
	defer stopIngest()
	timeout := p.cfg.Pipeline.StreamTimeout
	if timeout > 0 {
		go p.watchStream(ingestCtx, timeout, stopIngest)
	}

	ingestErr := p.ingest(ingestCtx, src)
	stopIngest()
	if p.stalled.Load() && ctx.Err() == nil && errors.Is(ingestErr, context.Canceled) {
		ingestErr = fmt.Errorf("%w: no frames for %s", ErrStreamStalled, timeout)
	}

	p.accMu.Lock()
	discarded := p.acc.Reset()
	p.accMu.Unlock()
	p.discarded.Store(int64(discarded))
	if discarded > 0 {
		p.log.Debug().Int("frames", discarded).Msg("discarding partial clip at end of stream")
	}

	p.queue.Close()
	runErr := <-supErr
	stopWatch()
	p.finished.Store(time.Now().UnixNano())

	summary := p.Snapshot()
	p.log.Info().
		Uint64("frames", summary.Frames).
		Uint64("clips", summary.ClipsSealed).
		Uint64("succeeded", summary.Outcomes.Succeeded).
		Uint64("failed", summary.Outcomes.Failed).
		Uint64("dropped", summary.Outcomes.Dropped).
		Dur("elapsed", summary.Elapsed).
		Msg("pipeline finished")

	if ingestErr != nil && !errors.Is(ingestErr, context.Canceled) && !errors.Is(ingestErr, context.DeadlineExceeded) {
		return summary, ingestErr
	}
	if runErr != nil {
		return summary, runErr
	}
	return summary, ctx.Err()
}

func (p *Pipeline) ingest(ctx context.Context, src Source) error {
	for {
		f, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("frame source: %w", err)
		}
		p.frames.Add(1)
		p.lastFrame.Store(time.Now().UnixNano())

		p.accMu.Lock()
		err = p.acc.Accept(f)
		p.accMu.Unlock()

		var ffe *types.FrameFormatError
		if err != nil && !errors.As(err, &ffe) {
			return err
		}
	}
}

// watchStream cancels ingest once no frame has arrived for timeout.
func (p *Pipeline) watchStream(ctx context.Context, timeout time.Duration, stop context.CancelFunc) {
	tick := timeout / 4
	if tick < time.Millisecond {
		tick = time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			idle := now.Sub(time.Unix(0, p.lastFrame.Load()))
			if idle < timeout {
				continue
			}
			msg := "no frames received, stream may be dead"
			if p.frames.Load() == 0 {
				msg = "no frames received yet, producer may not be running"
			}
			p.log.Warn().Dur("idle", idle).Dur("timeout", timeout).Msg(msg)
			p.stalled.Store(true)
			stop()
			return
		}
	}
}

// Offer is the accumulator's sink. It never blocks: a clip the queue cannot
// take becomes a Dropped outcome right away.
func (p *Pipeline) Offer(clip *types.Clip) {
	dropped, err := p.queue.Enqueue(clip)
	if err != nil {
		p.rec.Drop(clip, types.DropShutdown)
		return
	}
	if dropped != clip {
		p.m.RecordEnqueue(p.queue.Len())
	}
	if dropped != nil {
		p.log.Debug().Uint64("clip_id", dropped.ID).Str("policy", p.cfg.Pipeline.Backpressure).Msg("queue full, dropping clip")
		p.rec.Drop(dropped, types.DropBackpressure)
	}
}

// Pending lists the clips currently awaiting a result.
func (p *Pipeline) Pending() []types.PendingRequest { return p.rec.Pending() }

// Snapshot returns live counters. Safe to call from any goroutine.
func (p *Pipeline) Snapshot() Summary {
	p.accMu.Lock()
	accStats := p.acc.Stats()
	p.accMu.Unlock()

	var elapsed time.Duration
	if start := p.started.Load(); start != 0 {
		end := time.Now().UnixNano()
		if f := p.finished.Load(); f != 0 {
			end = f
		}
		elapsed = time.Duration(end - start)
	}

	return Summary{
		StreamID:       p.streamID,
		Endpoint:       p.client.Endpoint(),
		Frames:         p.frames.Load(),
		Rejected:       accStats.Rejected,
		SequenceResets: accStats.SequenceResets,
		ClipsSealed:    accStats.Sealed,
		Discarded:      int(p.discarded.Load()),
		Queue:          p.queue.Stats(),
		Outcomes:       p.rec.Stats(),
		Busy:           p.sup.Busy(),
		EndpointReady:  p.gate.IsOpen(),
		StreamStalled:  p.stalled.Load(),
		Elapsed:        elapsed,
	}
}
