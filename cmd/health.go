package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/vigil/internal/inference"
	"github.com/andresmejia3/vigil/internal/logger"
	"github.com/andresmejia3/vigil/internal/pipeline"
	"github.com/andresmejia3/vigil/internal/utils"
	"github.com/andresmejia3/vigil/internal/worker"
)

var (
	healthEndpoint string
	healthWait     time.Duration
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check whether the inference service is up and has a model loaded",
	Run: func(cmd *cobra.Command, args []string) {
		runHealth(cmd.Context())
	},
}

func init() {
	healthCmd.Flags().StringVarP(&healthEndpoint, "endpoint", "u", "", "Inference service base URL (default: from config)")
	healthCmd.Flags().DurationVarP(&healthWait, "wait", "w", 0, "Keep polling until the model is loaded or this much time has passed")
	rootCmd.AddCommand(healthCmd)
}

func runHealth(ctx context.Context) {
	cfg := *Cfg
	if healthEndpoint != "" {
		cfg.Endpoint = healthEndpoint
	}
	client, err := inference.New(pipeline.ClientOptions(&cfg), nil, logger.Component(Log, "inference"))
	if err != nil {
		utils.Die("Invalid endpoint", err, nil)
	}

	if healthWait > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, healthWait)
		defer cancel()

		fmt.Fprintf(os.Stderr, "⏳ Waiting up to %s for %s...\n", healthWait, client.Endpoint())
		gate := worker.NewGate(false)
		go gate.Watch(waitCtx, client, cfg.Health.Interval, nil, logger.Component(Log, "health"))
		if err := gate.Wait(waitCtx); err != nil {
			utils.Die("Inference service did not become ready", err, nil)
		}
	}

	h, err := client.Health(ctx)
	if err != nil {
		utils.Die("Health probe failed", err, nil)
	}
	if !h.Ready() {
		fmt.Fprintf(os.Stderr, "⚠️  %s is %s but the model is not loaded yet.\n", client.Endpoint(), h.Status)
		os.Exit(2)
	}
	fmt.Fprintf(os.Stderr, "✅ %s is %s, model loaded.\n", client.Endpoint(), h.Status)
}
