// Package worker runs the pool of inference workers that drain the dispatch queue.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/andresmejia3/vigil/internal/metrics"
	"github.com/andresmejia3/vigil/internal/queue"
	"github.com/andresmejia3/vigil/internal/reconciler"
	"github.com/andresmejia3/vigil/internal/types"
)

// Submitter delivers one clip and reports its result. See inference.Client.
type Submitter interface {
	Submit(ctx context.Context, clip *types.Clip) types.InferenceResult
	MaxDuration() time.Duration
}

// Options configures a Supervisor.
type Options struct {
	Workers     int
	GracePeriod time.Duration
}

// Supervisor owns W workers. Each one loops: wait for the gate, dequeue,
// dispatch, submit, resolve. At most W requests are ever in flight.
type Supervisor struct {
	opts   Options
	queue  *queue.Queue
	rec    *reconciler.Reconciler
	client Submitter
	gate   *Gate
	log    zerolog.Logger
	m      *metrics.Metrics

	busy atomic.Int32
}

// NewSupervisor wires the pool. A nil gate means dispatch is never paused.
func NewSupervisor(opts Options, q *queue.Queue, rec *reconciler.Reconciler, client Submitter, gate *Gate, m *metrics.Metrics, log zerolog.Logger) *Supervisor {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if gate == nil {
		gate = NewGate(true)
	}
	return &Supervisor{
		opts:   opts,
		queue:  q,
		rec:    rec,
		client: client,
		gate:   gate,
		log:    log,
		m:      m,
	}
}

// Busy returns the number of workers currently waiting on the endpoint.
func (s *Supervisor) Busy() int { return int(s.busy.Load()) }

// Run blocks until the queue is closed and empty and every worker has exited,
// or until ctx is cancelled. On cancellation queued clips are dropped and
// in-flight calls get the grace period before they are cancelled too.
func (s *Supervisor) Run(ctx context.Context) error {
	// In-flight calls outlive ctx by up to the grace period.
	callCtx, cancelCalls := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelCalls()

	var wg sync.WaitGroup
	for i := 0; i < s.opts.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.work(ctx, callCtx, workerID)
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	s.queue.Close()
	drained := s.queue.Drain()
	for _, clip := range drained {
		s.rec.Drop(clip, types.DropShutdown)
	}
	s.log.Info().Int("drained", len(drained)).Int("in_flight", s.Busy()).Dur("grace", s.opts.GracePeriod).Msg("shutting down workers")

	grace := time.NewTimer(s.opts.GracePeriod)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		s.log.Warn().Int("in_flight", s.Busy()).Msg("grace period expired, cancelling in-flight requests")
		cancelCalls()
		<-done
	}
	return ctx.Err()
}

func (s *Supervisor) work(ctx, callCtx context.Context, id int) {
	log := s.log.With().Int("worker", id).Logger()
	for {
		if err := s.awaitGate(ctx); err != nil {
			return
		}

		// A gate that shuts while we wait here must not let a clip through.
		clip, err := s.queue.DequeueUnless(ctx, s.gate.Shut())
		if errors.Is(err, queue.ErrHeld) {
			continue
		}
		if err != nil {
			if !errors.Is(err, queue.ErrClosed) && ctx.Err() == nil {
				log.Error().Err(err).Msg("dequeue failed")
			}
			return
		}
		s.m.RecordDequeue(s.queue.Len())

		deadline := time.Now().Add(s.client.MaxDuration())
		if err := s.rec.Dispatch(clip, deadline); err != nil {
			// Only possible if the pool and the pending bound disagree.
			log.Error().Err(err).Uint64("clip_id", clip.ID).Msg("dispatch refused")
			s.m.RecordIntegrityError()
			s.rec.Drop(clip, types.DropRefused)
			continue
		}

		s.busy.Add(1)
		res := s.client.Submit(callCtx, clip)
		s.busy.Add(-1)

		s.rec.Resolve(clip, res)
	}
}

// awaitGate waits for the endpoint gate. If the queue is closed and already
// empty while the gate is shut there is nothing left to wait for.
func (s *Supervisor) awaitGate(ctx context.Context) error {
	select {
	case <-s.gate.Opened():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.queue.Closed():
	}

	if s.queue.Len() == 0 {
		return queue.ErrClosed
	}
	return s.gate.Wait(ctx)
}
