// Package reconciler pairs inference results with the clips that produced them
// and guarantees each sealed clip ends in exactly one terminal outcome.
package reconciler

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/andresmejia3/vigil/internal/metrics"
	"github.com/andresmejia3/vigil/internal/types"
)

var (
	// ErrDuplicate means a clip was dispatched while already pending.
	ErrDuplicate = errors.New("clip already pending")
	// ErrInFlightLimit means the pending map is already at its bound.
	ErrInFlightLimit = errors.New("in-flight limit reached")
)

// Observer receives every terminal outcome. Implementations must not block.
type Observer interface {
	Observe(o types.Outcome)
}

// Stats counts terminal outcomes per state.
type Stats struct {
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Integrity uint64 `json:"integrity_errors"`
	Pending   int    `json:"pending"`
}

// Reconciler owns the PendingRequest map.
type Reconciler struct {
	streamID  string
	limit     int
	observers []Observer
	log       zerolog.Logger
	m         *metrics.Metrics
	now       func() time.Time

	mu      sync.Mutex
	pending map[uint64]*types.PendingRequest
	stats   Stats
}

// New creates a reconciler allowing at most limit pending requests.
func New(streamID string, limit int, observers []Observer, m *metrics.Metrics, log zerolog.Logger) *Reconciler {
	if limit < 1 {
		limit = 1
	}
	return &Reconciler{
		streamID:  streamID,
		limit:     limit,
		observers: observers,
		log:       log,
		m:         m,
		now:       time.Now,
		pending:   make(map[uint64]*types.PendingRequest, limit),
	}
}

// Dispatch records that a clip has been handed to the inference client.
func (r *Reconciler) Dispatch(clip *types.Clip, deadline time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pending[clip.ID]; ok {
		return fmt.Errorf("clip %d: %w", clip.ID, ErrDuplicate)
	}
	if len(r.pending) >= r.limit {
		return fmt.Errorf("clip %d: %w (%d)", clip.ID, ErrInFlightLimit, r.limit)
	}
	r.pending[clip.ID] = &types.PendingRequest{
		ClipID:      clip.ID,
		SubmittedAt: r.now(),
		Deadline:    deadline,
	}
	r.m.SetInFlight(len(r.pending))
	return nil
}

// RecordRetry bumps the retry counter of a pending clip.
func (r *Reconciler) RecordRetry(clipID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pending[clipID]; ok {
		p.Retries++
	}
}

// Resolve removes the pending entry and emits the outcome. A result with no
// pending entry is logged as an integrity error and discarded.
func (r *Reconciler) Resolve(clip *types.Clip, res types.InferenceResult) (types.Outcome, bool) {
	r.mu.Lock()
	p, ok := r.pending[clip.ID]
	if !ok {
		r.stats.Integrity++
		r.mu.Unlock()
		r.m.RecordIntegrityError()
		r.log.Error().
			Uint64("clip_id", clip.ID).
			Int("attempts", res.Attempts).
			Msg("result for clip with no pending request, discarding")
		return types.Outcome{}, false
	}
	delete(r.pending, clip.ID)
	r.m.SetInFlight(len(r.pending))

	now := r.now()
	o := types.Outcome{
		StreamID:   r.streamID,
		ClipID:     clip.ID,
		FirstSeq:   clip.FirstSeq,
		Attempts:   res.Attempts,
		Latency:    now.Sub(p.SubmittedAt),
		RemoteID:   res.RemoteID,
		SealedAt:   clip.CreatedAt,
		ResolvedAt: now,
	}

	switch {
	case res.OK():
		o.State = types.StateSucceeded
		o.Predictions = res.Predictions
		if len(res.Predictions) > 0 {
			top := res.Predictions[0]
			o.Top = &top
		}
		r.stats.Succeeded++
	case res.Failure.Kind == types.FailureShutdown:
		o.State = types.StateDropped
		o.DropReason = types.DropShutdown
		o.FailureKind = res.Failure.Kind
		o.Message = res.Failure.Message
		r.stats.Dropped++
	default:
		o.State = types.StateFailed
		o.FailureKind = res.Failure.Kind
		o.Message = res.Failure.Message
		r.stats.Failed++
	}
	r.mu.Unlock()

	if !p.Deadline.IsZero() && now.After(p.Deadline) {
		r.log.Warn().Uint64("clip_id", clip.ID).Time("deadline", p.Deadline).Msg("result arrived after its deadline")
	}
	r.emit(o)
	return o, true
}

// Drop emits a Dropped outcome for a clip that never reached the endpoint.
func (r *Reconciler) Drop(clip *types.Clip, reason types.DropReason) types.Outcome {
	now := r.now()
	o := types.Outcome{
		StreamID:   r.streamID,
		ClipID:     clip.ID,
		FirstSeq:   clip.FirstSeq,
		State:      types.StateDropped,
		DropReason: reason,
		SealedAt:   clip.CreatedAt,
		ResolvedAt: now,
	}

	r.mu.Lock()
	r.stats.Dropped++
	r.mu.Unlock()

	r.m.RecordDrop(reason)
	r.emit(o)
	return o
}

func (r *Reconciler) emit(o types.Outcome) {
	r.m.RecordOutcome(o)
	for _, obs := range r.observers {
		obs.Observe(o)
	}
}

// Pending returns the in-flight requests ordered by clip ID.
func (r *Reconciler) Pending() []types.PendingRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.PendingRequest, 0, len(r.pending))
	for _, p := range r.pending {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClipID < out[j].ClipID })
	return out
}

// Stats returns a snapshot of the outcome counters.
func (r *Reconciler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.Pending = len(r.pending)
	return s
}
