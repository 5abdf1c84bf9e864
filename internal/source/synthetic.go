// Package source produces decoded frames for the pipeline.
package source

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/andresmejia3/vigil/internal/types"
)

// Stats describes what a source has emitted so far.
type Stats struct {
	FramesEmitted uint64  `json:"frames_emitted"`
	FPSTarget     float64 `json:"fps_target"`
	FPSReal       float64 `json:"fps_real"`
	Resolution    string  `json:"resolution"`
	Source        string  `json:"source"`
	BytesRead     uint64  `json:"bytes_read"`
}

// SyntheticOptions configures a generated test pattern.
type SyntheticOptions struct {
	Width  int
	Height int
	// FPS paces frames in real time. Zero emits as fast as the caller pulls.
	FPS float64
	// Count stops the stream after this many frames. Zero runs until cancelled.
	Count uint64
	// SkipEvery drops every Nth sequence number to simulate a lossy feed.
	SkipEvery uint64
}

// Synthetic generates a moving gradient, useful for demos and load tests
// without a camera.
type Synthetic struct {
	opts SyntheticOptions
	log  zerolog.Logger

	mu        sync.Mutex
	seq       uint64
	emitted   uint64
	startTime time.Time
	ticker    *time.Ticker
}

// NewSynthetic validates the frame size.
func NewSynthetic(opts SyntheticOptions, log zerolog.Logger) (*Synthetic, error) {
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, fmt.Errorf("synthetic source: invalid size %dx%d", opts.Width, opts.Height)
	}
	if opts.FPS < 0 {
		return nil, fmt.Errorf("synthetic source: negative fps %v", opts.FPS)
	}
	s := &Synthetic{opts: opts, log: log}
	if opts.FPS > 0 {
		s.ticker = time.NewTicker(time.Duration(float64(time.Second) / opts.FPS))
	}
	log.Info().
		Int("width", opts.Width).
		Int("height", opts.Height).
		Float64("fps", opts.FPS).
		Uint64("count", opts.Count).
		Msg("synthetic source starting")
	return s, nil
}

// Next blocks for the next tick when paced.
func (s *Synthetic) Next(ctx context.Context) (*types.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opts.Count > 0 && s.emitted >= s.opts.Count {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.ticker != nil {
		select {
		case <-s.ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.startTime.IsZero() {
		s.startTime = time.Now()
	}

	if s.opts.SkipEvery > 0 && s.seq > 0 && s.seq%s.opts.SkipEvery == 0 {
		s.seq++
	}
	f := s.createFrame(s.seq)
	s.seq++
	s.emitted++
	return f, nil
}

func (s *Synthetic) createFrame(seq uint64) *types.Frame {
	w, h := s.opts.Width, s.opts.Height
	data := make([]byte, w*h*3) // BGR
	shift := int(seq)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * 3
			data[i] = byte(x + shift)
			data[i+1] = byte(y + shift/2)
			data[i+2] = byte(x + y + shift)
		}
	}

	var ts time.Duration
	if s.opts.FPS > 0 {
		ts = time.Duration(float64(seq) * float64(time.Second) / s.opts.FPS)
	} else {
		ts = time.Since(s.startTime)
	}
	return &types.Frame{
		Seq:       seq,
		Timestamp: ts,
		Width:     w,
		Height:    h,
		Format:    types.BGR24,
		Data:      data,
	}
}

// Stats reports emitted frames and the measured rate.
func (s *Synthetic) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fpsReal float64
	if s.emitted > 0 {
		if elapsed := time.Since(s.startTime).Seconds(); elapsed > 0 {
			fpsReal = float64(s.emitted) / elapsed
		}
	}
	return Stats{
		FramesEmitted: s.emitted,
		FPSTarget:     s.opts.FPS,
		FPSReal:       fpsReal,
		Resolution:    fmt.Sprintf("%dx%d", s.opts.Width, s.opts.Height),
		Source:        "synthetic",
	}
}

// Close stops the pacing ticker.
func (s *Synthetic) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ticker != nil {
		s.ticker.Stop()
	}
	s.log.Info().Uint64("frames_emitted", s.emitted).Msg("synthetic source stopped")
	return nil
}
