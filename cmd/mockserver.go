package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/vigil/internal/logger"
	"github.com/andresmejia3/vigil/internal/mockserver"
	"github.com/andresmejia3/vigil/internal/utils"
)

var (
	mockAddr      string
	mockOpts      mockserver.Options
	mockLoadAfter time.Duration
)

var mockServerCmd = &cobra.Command{
	Use:   "mock-server",
	Short: "Serve a fake clip classification service for local testing",
	Run: func(cmd *cobra.Command, args []string) {
		runMockServer(cmd.Context())
	},
}

func init() {
	f := mockServerCmd.Flags()
	f.StringVarP(&mockAddr, "addr", "a", ":8000", "Listen address")
	f.StringSliceVar(&mockOpts.Labels, "labels", nil, "Action labels to rank (default: a built-in set)")
	f.IntVarP(&mockOpts.TopK, "top-k", "k", 5, "Predictions per response")
	f.DurationVar(&mockOpts.Latency, "latency", 50*time.Millisecond, "Artificial processing time per request")
	f.DurationVar(&mockLoadAfter, "load-after", 0, "Report the model as not loaded for this long after start")
	f.IntSliceVar(&mockOpts.FailFirst, "fail-first", nil, "Status codes to return, in order, before succeeding (e.g. 503,500)")
	f.BoolVar(&mockOpts.Malformed, "malformed", false, "Return unranked predictions")
	f.IntVar(&mockOpts.ExpectFrames, "expect-frames", 0, "Reject requests with a different frame count")
	rootCmd.AddCommand(mockServerCmd)
}

func runMockServer(ctx context.Context) {
	mockOpts.ModelLoaded = mockLoadAfter <= 0
	mock := mockserver.New(mockOpts, logger.Component(Log, "mockserver"))
	if mockLoadAfter > 0 {
		time.AfterFunc(mockLoadAfter, func() {
			mock.SetModelLoaded(true)
			Log.Info().Msg("model loaded")
		})
	}

	srv := &http.Server{
		Addr:              mockAddr,
		Handler:           mock.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(os.Stderr, "🤖 Mock inference service listening on %s\n", mockAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		utils.Die("Mock server failed", err, nil)
	}
	fmt.Fprintf(os.Stderr, "👋 Mock server stopped after %d requests.\n", mock.Calls())
}
