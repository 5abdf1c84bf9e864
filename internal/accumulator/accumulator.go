// Package accumulator turns an ordered frame stream into fixed-size clips.
package accumulator

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/andresmejia3/vigil/internal/metrics"
	"github.com/andresmejia3/vigil/internal/types"
)

// ClipSink receives sealed clips. Offer must not block.
type ClipSink interface {
	Offer(clip *types.Clip)
}

// Accumulator is driven from a single goroutine and is not safe for concurrent use.
type Accumulator struct {
	length int
	stride int
	sink   ClipSink
	log    zerolog.Logger
	m      *metrics.Metrics
	now    func() time.Time

	buf     []*types.Frame
	lastSeq uint64
	started bool
	nextID  uint64

	// Reference shape, fixed by the first accepted frame.
	width, height int
	format        types.PixelFormat
	shaped        bool

	sealed  uint64
	resets  uint64
	rejects uint64
}

// New creates an accumulator that seals a clip every stride frames once length frames are buffered.
func New(length, stride int, sink ClipSink, m *metrics.Metrics, log zerolog.Logger) (*Accumulator, error) {
	if length < 1 {
		return nil, fmt.Errorf("clip length must be >= 1, got %d", length)
	}
	if stride == 0 {
		stride = length
	}
	if stride < 1 || stride > length {
		return nil, fmt.Errorf("stride must be between 1 and %d, got %d", length, stride)
	}
	if sink == nil {
		return nil, errors.New("nil clip sink")
	}
	return &Accumulator{
		length: length,
		stride: stride,
		sink:   sink,
		log:    log,
		m:      m,
		now:    time.Now,
		buf:    make([]*types.Frame, 0, length),
		nextID: 1,
	}, nil
}

// Accept appends a frame, sealing and handing off a clip when the buffer is full.
// A *types.FrameFormatError is returned for frames that cannot be batched; the
// accumulator stays usable afterwards.
func (a *Accumulator) Accept(f *types.Frame) error {
	if err := f.Validate(); err != nil {
		a.reject(f, "malformed", err)
		return err
	}
	if a.shaped && (f.Width != a.width || f.Height != a.height || f.Format != a.format) {
		err := &types.FrameFormatError{
			Seq: f.Seq,
			Reason: fmt.Sprintf("shape %dx%d %s differs from stream shape %dx%d %s",
				f.Width, f.Height, f.Format, a.width, a.height, a.format),
		}
		a.reject(f, "shape_mismatch", err)
		return err
	}
	if !a.shaped {
		a.width, a.height, a.format = f.Width, f.Height, f.Format
		a.shaped = true
	}
	a.m.RecordFrame("")

	if a.started && f.Seq != a.lastSeq+1 && len(a.buf) > 0 {
		a.log.Warn().
			Uint64("expected", a.lastSeq+1).
			Uint64("got", f.Seq).
			Int("discarded", len(a.buf)).
			Msg("sequence discontinuity, discarding partial clip")
		a.discard()
	}
	a.lastSeq = f.Seq
	a.started = true

	a.buf = append(a.buf, f)
	if len(a.buf) == a.length {
		a.seal()
	}
	return nil
}

// reject counts a refused frame. lastSeq is left alone so the next frame breaks continuity.
func (a *Accumulator) reject(f *types.Frame, reason string, err error) {
	a.rejects++
	a.m.RecordFrame(reason)
	a.log.Warn().Err(err).Uint64("seq", f.Seq).Msg("frame rejected")
	if a.started && len(a.buf) > 0 {
		// The rejected frame leaves a hole in the sequence.
		a.discard()
	}
	a.started = false
}

func (a *Accumulator) discard() {
	a.buf = a.buf[:0]
	a.resets++
	a.m.RecordSequenceReset()
}

func (a *Accumulator) seal() {
	frames := make([]*types.Frame, a.length)
	copy(frames, a.buf)

	clip := &types.Clip{
		ID:        a.nextID,
		FirstSeq:  frames[0].Seq,
		CreatedAt: a.now(),
		Width:     a.width,
		Height:    a.height,
		Format:    a.format,
		Frames:    frames,
	}
	a.nextID++
	a.sealed++
	a.m.RecordSealed()

	// Keep the overlap for the next window.
	keep := a.length - a.stride
	n := copy(a.buf, a.buf[a.stride:])
	for i := n; i < len(a.buf); i++ {
		a.buf[i] = nil
	}
	a.buf = a.buf[:keep]

	a.log.Debug().Uint64("clip_id", clip.ID).Uint64("first_seq", clip.FirstSeq).Msg("clip sealed")
	a.sink.Offer(clip)
}

// Reset discards any partially filled clip. Used at end of stream.
func (a *Accumulator) Reset() int {
	n := len(a.buf)
	a.buf = a.buf[:0]
	a.started = false
	return n
}

// Pending reports how many frames are buffered toward the next clip.
func (a *Accumulator) Pending() int { return len(a.buf) }

// Stats is a snapshot of accumulator counters.
type Stats struct {
	Sealed         uint64
	SequenceResets uint64
	Rejected       uint64
}

func (a *Accumulator) Stats() Stats {
	return Stats{Sealed: a.sealed, SequenceResets: a.resets, Rejected: a.rejects}
}
