package cmd

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/vigil/internal/config"
	"github.com/andresmejia3/vigil/internal/emitter"
	"github.com/andresmejia3/vigil/internal/inference"
	"github.com/andresmejia3/vigil/internal/logger"
	"github.com/andresmejia3/vigil/internal/metrics"
	"github.com/andresmejia3/vigil/internal/pipeline"
	"github.com/andresmejia3/vigil/internal/reconciler"
	"github.com/andresmejia3/vigil/internal/source"
	"github.com/andresmejia3/vigil/internal/status"
	"github.com/andresmejia3/vigil/internal/store"
	"github.com/andresmejia3/vigil/internal/types"
	"github.com/andresmejia3/vigil/internal/utils"
)

// observerBuffer bounds how many outcomes a slow sink may lag behind.
const observerBuffer = 256

// RunOptions holds the flags of the run command. Pipeline tuning flags only
// override the configuration when they are set explicitly.
type RunOptions struct {
	InputPath string
	Synthetic bool
	StreamID  string
	Persist   bool

	// Decoder
	Width       int
	Height      int
	FPS         float64
	PixelFormat string
	Count       uint64
	SkipEvery   uint64

	// Pipeline overrides
	Endpoint      string
	ClipLength    int
	Stride        int
	QueueCapacity int
	NumEngines    int
	Retries       int
	Timeout       string
	GracePeriod   string
	StreamTimeout string
	Backpressure  string
	Encoding      string
	NoHealthCheck bool
	MetricsAddr   string
	MQTTBroker    string
}

var runOpts RunOptions

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Batch frames into clips and dispatch them for inference",
	Run: func(cmd *cobra.Command, args []string) {
		runPipeline(cmd, runOpts)
	},
}

func init() {
	registerRunFlags(runCmd, &runOpts)
	rootCmd.AddCommand(runCmd)
}

func registerRunFlags(cmd *cobra.Command, opts *RunOptions) {
	f := cmd.Flags()
	f.StringVarP(&opts.InputPath, "input", "i", "", "Path to video or stream URL (rtsp://, rtmp://, ...)")
	f.BoolVar(&opts.Synthetic, "synthetic", false, "Use a generated test pattern instead of --input")
	f.StringVar(&opts.StreamID, "stream-id", "", "Stream ID for outcomes (default: file hash or random UUID)")
	f.BoolVarP(&opts.Persist, "persist", "p", false, "Store outcomes in PostgreSQL")

	f.IntVar(&opts.Width, "width", 0, "Frame width (default: probed from input, 320 for synthetic)")
	f.IntVar(&opts.Height, "height", 0, "Frame height (default: probed from input, 240 for synthetic)")
	f.Float64Var(&opts.FPS, "fps", 0, "Resample to this frame rate (0 keeps the native rate)")
	f.StringVar(&opts.PixelFormat, "pix-fmt", "bgr", "Pixel format handed to the pipeline (bgr, rgb, gray, rgba)")
	f.Uint64Var(&opts.Count, "count", 0, "Synthetic: stop after this many frames (0 runs until interrupted)")
	f.Uint64Var(&opts.SkipEvery, "skip-every", 0, "Synthetic: drop every Nth sequence number")

	f.StringVarP(&opts.Endpoint, "endpoint", "u", "", "Inference service base URL")
	f.IntVarP(&opts.ClipLength, "clip-length", "n", 0, "Frames per clip")
	f.IntVarP(&opts.Stride, "stride", "s", 0, "Frames between clip starts (default: clip length)")
	f.IntVarP(&opts.QueueCapacity, "queue", "q", 0, "Dispatch queue capacity")
	f.IntVarP(&opts.NumEngines, "engines", "e", 0, "Number of concurrent inference workers")
	f.IntVarP(&opts.Retries, "retries", "r", 0, "Retries per clip on transient failures")
	f.StringVarP(&opts.Timeout, "timeout", "t", "", "Per-attempt request timeout (e.g. 10s)")
	f.StringVarP(&opts.GracePeriod, "grace-period", "g", "", "How long in-flight clips may finish after shutdown")
	f.StringVar(&opts.StreamTimeout, "stream-timeout", "", "End ingest after this long without a frame (0 disables)")
	f.StringVar(&opts.Backpressure, "backpressure", "", "Full queue policy (drop-newest, drop-oldest)")
	f.StringVar(&opts.Encoding, "encoding", "", "Frame encoding on the wire (jpeg, raw)")
	f.BoolVar(&opts.NoHealthCheck, "no-health-check", false, "Dispatch without waiting for the endpoint to report a loaded model")
	f.StringVar(&opts.MetricsAddr, "metrics-addr", "", "Serve status and Prometheus metrics on this address (e.g. :9090)")
	f.StringVar(&opts.MQTTBroker, "mqtt", "", "Publish outcomes to this MQTT broker (host:port)")
}

// applyRunFlags layers explicitly set flags over the loaded configuration.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config, opts *RunOptions) error {
	changed := cmd.Flags().Changed
	if changed("endpoint") {
		cfg.Endpoint = opts.Endpoint
	}
	if changed("clip-length") {
		cfg.Pipeline.ClipLength = opts.ClipLength
	}
	if changed("stride") {
		cfg.Pipeline.Stride = opts.Stride
	}
	if changed("queue") {
		cfg.Pipeline.QueueCapacity = opts.QueueCapacity
	}
	if changed("engines") {
		cfg.Pipeline.Workers = opts.NumEngines
	}
	if changed("retries") {
		cfg.Inference.Retries = opts.Retries
	}
	if changed("backpressure") {
		cfg.Pipeline.Backpressure = opts.Backpressure
	}
	if changed("encoding") {
		cfg.Inference.Encoding = opts.Encoding
	}
	if changed("no-health-check") {
		cfg.Health.Enabled = !opts.NoHealthCheck
	}
	if changed("metrics-addr") {
		cfg.MetricsAddr = opts.MetricsAddr
	}
	if changed("mqtt") {
		cfg.MQTT.Broker = opts.MQTTBroker
	}
	if changed("timeout") {
		d, err := time.ParseDuration(opts.Timeout)
		if err != nil {
			return fmt.Errorf("invalid timeout: %w", err)
		}
		cfg.Inference.Timeout = d
	}
	if changed("grace-period") {
		d, err := time.ParseDuration(opts.GracePeriod)
		if err != nil {
			return fmt.Errorf("invalid grace period: %w", err)
		}
		cfg.GracePeriod = d
	}
	if changed("stream-timeout") {
		d, err := time.ParseDuration(opts.StreamTimeout)
		if err != nil {
			return fmt.Errorf("invalid stream timeout: %w", err)
		}
		cfg.Pipeline.StreamTimeout = d
	}
	return cfg.Validate()
}

// validateRunFlags checks the source selection before anything is started.
func validateRunFlags(opts *RunOptions) error {
	if opts.Synthetic == (opts.InputPath != "") {
		return fmt.Errorf("exactly one of --input or --synthetic is required")
	}
	if opts.InputPath != "" && !utils.IsStreamURL(opts.InputPath) {
		info, err := os.Stat(opts.InputPath)
		if os.IsNotExist(err) {
			return fmt.Errorf("input file does not exist: %s", opts.InputPath)
		}
		if err != nil {
			return fmt.Errorf("cannot read input: %w", err)
		}
		if info.IsDir() {
			return fmt.Errorf("input path is a directory, not a file: %s", opts.InputPath)
		}
	}
	if opts.Width < 0 || opts.Height < 0 || (opts.Width == 0) != (opts.Height == 0) {
		return fmt.Errorf("--width and --height must be set together and be positive")
	}
	if opts.FPS < 0 || math.IsNaN(opts.FPS) {
		return fmt.Errorf("--fps must not be negative")
	}
	if _, err := types.ParsePixelFormat(opts.PixelFormat); err != nil {
		return err
	}
	return nil
}

// runPipeline orchestrates a run: config, sinks, frame source, status server and the pipeline itself.
func runPipeline(cmd *cobra.Command, opts RunOptions) {
	if err := validateRunFlags(&opts); err != nil {
		utils.Die("Invalid flags", err, nil)
	}
	cfg := *Cfg
	if err := applyRunFlags(cmd, &cfg, &opts); err != nil {
		utils.Die("Invalid configuration", err, nil)
	}
	ctx := cmd.Context()

	// 1. Identity
	streamID := opts.StreamID
	if streamID == "" {
		streamID = utils.GenerateStreamID(opts.InputPath)
	}
	log := Log.With().Str("stream_id", streamID).Logger()
	fmt.Fprintf(os.Stderr, "📼 Processing Stream ID: %s\n", shortID(streamID))

	// 2. Inference client
	m := metrics.New()
	client, err := inference.New(pipeline.ClientOptions(&cfg), m, logger.Component(log, "inference"))
	if err != nil {
		utils.Die("Failed to create inference client", err, nil)
	}

	// 3. Outcome sinks
	observers := []reconciler.Observer{reconciler.LogObserver{Log: logger.Component(log, "outcome")}}
	var asyncs []*reconciler.AsyncObserver

	if opts.Persist {
		if err := openDB(ctx); err != nil {
			utils.Die("Failed to open database", err, nil)
		}
		origin := opts.InputPath
		if opts.Synthetic {
			origin = "synthetic"
		}
		if err := DB.EnsureStream(ctx, store.StreamInfo{
			ID:         streamID,
			Source:     origin,
			Endpoint:   cfg.Endpoint,
			ClipLength: cfg.Pipeline.ClipLength,
			Stride:     cfg.EffectiveStride(),
		}); err != nil {
			utils.Die("Failed to register stream", err, nil)
		}
		a := reconciler.NewAsyncObserver("postgres", DB, observerBuffer, m, logger.Component(log, "store"))
		asyncs = append(asyncs, a)
		observers = append(observers, a)
	}

	var mq *emitter.MQTTEmitter
	if cfg.MQTT.Broker != "" {
		mq, err = emitter.Connect(cfg.MQTT, logger.Component(log, "mqtt"))
		if err != nil {
			utils.Die("Failed to connect to MQTT broker", err, nil)
		}
		defer mq.Disconnect()
		a := reconciler.NewAsyncObserver("mqtt", mq, observerBuffer, m, logger.Component(log, "mqtt"))
		asyncs = append(asyncs, a)
		observers = append(observers, a)
	}

	// 4. Pipeline
	p, err := pipeline.New(&cfg, streamID, client, observers, m, log)
	if err != nil {
		utils.Die("Failed to build pipeline", err, nil)
	}

	// 5. Frame source
	src, closeSrc, decoder := openSource(ctx, &opts, log)
	defer closeSrc()

	var frames pipeline.Source = src
	if opts.InputPath != "" && !utils.IsStreamURL(opts.InputPath) {
		// Fallback to a spinner or unknown total if ffprobe fails
		total := utils.GetTotalFrames(opts.InputPath)
		if total <= 0 || opts.FPS > 0 {
			total = -1
		}
		bar := progressbar.NewOptions(total,
			progressbar.OptionSetDescription("🎬 Vigil Dispatching"),
			progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
			progressbar.OptionShowCount(),
		)
		defer bar.Finish()
		frames = &progressSource{Source: src, bar: bar}
	}

	// 6. Status server
	runCtx, stopStatus := context.WithCancel(ctx)
	defer stopStatus()
	if cfg.MetricsAddr != "" {
		srv := status.New(p, m, logger.Component(log, "status"))
		go func() {
			if err := srv.Run(runCtx, cfg.MetricsAddr); err != nil {
				log.Error().Err(err).Msg("status server failed")
			}
		}()
	}

	fmt.Fprintf(os.Stderr, "⚙️  Dispatching %d-frame clips to %s with %d workers...\n",
		cfg.Pipeline.ClipLength, cfg.Endpoint, cfg.Pipeline.Workers)

	summary, runErr := p.Run(ctx, frames)

	// 7. Flush sinks before reporting
	for _, a := range asyncs {
		a.Close()
		if a.Lost() > 0 || a.Errors() > 0 {
			log.Warn().Str("sink", a.Name()).Uint64("lost", a.Lost()).Uint64("errors", a.Errors()).Msg("outcome sink incomplete")
		}
	}
	if DB != nil {
		if err := DB.FinishStream(context.Background(), streamID); err != nil {
			log.Warn().Err(err).Msg("failed to mark stream finished")
		}
	}
	if mq != nil {
		if err := mq.PublishSummary(streamID, summary); err != nil {
			log.Warn().Err(err).Msg("failed to publish summary")
		}
	}

	st := src.Stats()
	log.Debug().
		Str("source", st.Source).
		Str("resolution", st.Resolution).
		Uint64("frames", st.FramesEmitted).
		Float64("fps_real", st.FPSReal).
		Uint64("bytes_read", st.BytesRead).
		Msg("source finished")
	if mq != nil {
		ms := mq.Stats()
		log.Debug().Interface("published", ms.Published).Uint64("errors", ms.Errors).Msg("mqtt emitter finished")
	}

	printSummary(summary)

	if errors.Is(runErr, pipeline.ErrStreamStalled) {
		fmt.Fprintf(os.Stderr, "📡 Source went quiet for %s. Ingest stopped and queued clips were drained.\n", cfg.Pipeline.StreamTimeout)
		return
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		var sc *utils.SafeCommand
		if decoder != nil {
			sc = decoder.Command()
		}
		utils.Die("Pipeline failed", runErr, sc)
	}
	if errors.Is(runErr, context.Canceled) {
		fmt.Fprintf(os.Stderr, "🛑 Interrupted. In-flight clips were given %s to finish.\n", cfg.GracePeriod)
	}
}

type frameSource interface {
	pipeline.Source
	Stats() source.Stats
	Close() error
}

// openSource starts the synthetic generator or the ffmpeg decoder.
func openSource(ctx context.Context, opts *RunOptions, log zerolog.Logger) (frameSource, func(), *source.FFmpeg) {
	format, _ := types.ParsePixelFormat(opts.PixelFormat)

	if opts.Synthetic {
		w, h := opts.Width, opts.Height
		if w == 0 {
			w, h = 320, 240
		}
		s, err := source.NewSynthetic(source.SyntheticOptions{
			Width:     w,
			Height:    h,
			FPS:       opts.FPS,
			Count:     opts.Count,
			SkipEvery: opts.SkipEvery,
		}, logger.Component(log, "source"))
		if err != nil {
			utils.Die("Failed to start synthetic source", err, nil)
		}
		return s, func() { s.Close() }, nil
	}

	dec, err := source.StartFFmpeg(ctx, source.FFmpegOptions{
		Input:  opts.InputPath,
		Width:  opts.Width,
		Height: opts.Height,
		FPS:    opts.FPS,
		Format: format,
	}, logger.Component(log, "decoder"))
	if err != nil {
		utils.Die("Failed to start FFmpeg", err, nil)
	}
	return dec, func() { dec.Close() }, dec
}

// progressSource advances the bar for every frame read.
type progressSource struct {
	pipeline.Source
	bar *progressbar.ProgressBar
}

func (p *progressSource) Next(ctx context.Context) (*types.Frame, error) {
	f, err := p.Source.Next(ctx)
	if err == nil {
		p.bar.Add(1)
	}
	return f, err
}

func printSummary(s pipeline.Summary) {
	fmt.Fprintf(os.Stderr, "\n🏁 Run Complete in %s. %d frames -> %d clips.\n", fmtTime(s.Elapsed.Seconds()), s.Frames, s.ClipsSealed)
	fmt.Fprintf(os.Stderr, "   ✅ succeeded: %d   ❌ failed: %d   🗑️  dropped: %d (queue dropped %d)\n",
		s.Outcomes.Succeeded, s.Outcomes.Failed, s.Outcomes.Dropped, s.Queue.Dropped)
	if s.Rejected > 0 || s.SequenceResets > 0 || s.Discarded > 0 {
		fmt.Fprintf(os.Stderr, "   ⚠️  rejected frames: %d   sequence resets: %d   trailing frames discarded: %d\n",
			s.Rejected, s.SequenceResets, s.Discarded)
	}
	if s.Outcomes.Integrity > 0 {
		fmt.Fprintf(os.Stderr, "   🚨 integrity errors: %d\n", s.Outcomes.Integrity)
	}
}

// fmtTime renders seconds as HH:MM:SS.
func fmtTime(seconds float64) string {
	total := int(seconds)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
