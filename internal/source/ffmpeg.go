package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/andresmejia3/vigil/internal/types"
	"github.com/andresmejia3/vigil/internal/utils"
)

// FFmpegOptions configures a decoder process.
type FFmpegOptions struct {
	// Input is a file path or a stream URL (rtsp://, rtmp://, ...).
	Input string
	// Width and Height rescale the output. When zero the input size is probed.
	Width  int
	Height int
	// FPS resamples the output. When zero the native rate is kept.
	FPS    float64
	Format types.PixelFormat
}

// FFmpeg decodes a file or live stream by piping raw frames out of an ffmpeg process.
type FFmpeg struct {
	opts   FFmpegOptions
	log    zerolog.Logger
	cmd    *utils.SafeCommand
	stdout io.ReadCloser
	cancel context.CancelFunc

	frameSize int
	fps       float64

	mu        sync.Mutex
	seq       uint64
	bytesRead uint64
	startTime time.Time
	done      bool
}

var pixFmts = map[types.PixelFormat]string{
	types.BGR24:  "bgr24",
	types.RGB24:  "rgb24",
	types.GRAY8:  "gray",
	types.RGBA32: "rgba",
}

// StartFFmpeg probes the input if needed and launches the decoder. The process
// is killed when ctx is cancelled or Close is called.
func StartFFmpeg(ctx context.Context, opts FFmpegOptions, log zerolog.Logger) (*FFmpeg, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}
	if opts.Format == types.FormatUnknown {
		opts.Format = types.BGR24
	}
	pixFmt, ok := pixFmts[opts.Format]
	if !ok {
		return nil, fmt.Errorf("unsupported pixel format %s", opts.Format)
	}

	if opts.Width == 0 || opts.Height == 0 {
		w, h, err := utils.GetVideoDimensions(opts.Input)
		if err != nil {
			return nil, fmt.Errorf("probe %s: %w", opts.Input, err)
		}
		opts.Width, opts.Height = w, h
	}

	fps := opts.FPS
	if fps == 0 && !utils.IsStreamURL(opts.Input) {
		if native, err := utils.GetVideoFPS(opts.Input); err == nil {
			fps = native
		}
	}

	procCtx, cancel := context.WithCancel(ctx)
	args := utils.FFmpegRawArgs(opts.Input, pixFmt, opts.FPS, opts.Width, opts.Height)
	cmd := utils.NewSafeCommandContext(procCtx, "ffmpeg", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	log.Info().
		Str("input", opts.Input).
		Int("width", opts.Width).
		Int("height", opts.Height).
		Str("pix_fmt", pixFmt).
		Float64("fps", fps).
		Msg("decoder started")

	return &FFmpeg{
		opts:      opts,
		log:       log,
		cmd:       cmd,
		stdout:    stdout,
		cancel:    cancel,
		frameSize: opts.Width * opts.Height * opts.Format.BytesPerPixel(),
		fps:       fps,
	}, nil
}

// Command exposes the wrapped process so callers can report its stderr.
func (f *FFmpeg) Command() *utils.SafeCommand { return f.cmd }

// Next reads exactly one frame from the decoder. A trailing partial frame is
// discarded and reported as io.EOF.
func (f *FFmpeg) Next(ctx context.Context) (*types.Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.done {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.startTime.IsZero() {
		f.startTime = time.Now()
	}

	// A cancelled read kills the decoder; nothing reads from it afterwards.
	stop := context.AfterFunc(ctx, f.cancel)
	defer stop()

	// Frames are immutable once handed off, so every frame gets its own buffer.
	buf := make([]byte, f.frameSize)
	n, err := io.ReadFull(f.stdout, buf)
	f.bytesRead += uint64(n)
	if err != nil {
		f.done = true
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			f.log.Warn().Int("bytes", n).Int("frame_size", f.frameSize).Msg("decoder ended mid-frame, discarding remainder")
			err = io.EOF
		}
		if errors.Is(err, io.EOF) {
			if werr := f.cmd.Wait(); werr != nil {
				return nil, fmt.Errorf("ffmpeg exited: %w", werr)
			}
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame: %w", err)
	}

	seq := f.seq
	f.seq++

	var ts time.Duration
	if f.fps > 0 {
		ts = time.Duration(float64(seq) * float64(time.Second) / f.fps)
	} else {
		ts = time.Since(f.startTime)
	}
	return &types.Frame{
		Seq:       seq,
		Timestamp: ts,
		Width:     f.opts.Width,
		Height:    f.opts.Height,
		Format:    f.opts.Format,
		Data:      buf,
	}, nil
}

// Stats reports decoded frames and throughput.
func (f *FFmpeg) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()

	var fpsReal float64
	if f.seq > 0 {
		if elapsed := time.Since(f.startTime).Seconds(); elapsed > 0 {
			fpsReal = float64(f.seq) / elapsed
		}
	}
	return Stats{
		FramesEmitted: f.seq,
		FPSTarget:     f.fps,
		FPSReal:       fpsReal,
		Resolution:    fmt.Sprintf("%dx%d", f.opts.Width, f.opts.Height),
		Source:        f.opts.Input,
		BytesRead:     f.bytesRead,
	}
}

// Close kills the decoder if it is still running.
func (f *FFmpeg) Close() error {
	f.cancel()
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.done {
		f.done = true
		// The process was killed, so a non-nil exit status is expected here.
		_ = f.cmd.Wait()
	}
	f.log.Info().Uint64("frames", f.seq).Msg("decoder stopped")
	return nil
}
