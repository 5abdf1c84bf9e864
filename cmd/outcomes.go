package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/vigil/internal/store"
	"github.com/andresmejia3/vigil/internal/types"
	"github.com/andresmejia3/vigil/internal/utils"
)

var (
	outcomeState string
	outcomeLabel string
	outcomeLimit int
	outcomeJSON  bool
)

var outcomesCmd = &cobra.Command{
	Use:         "outcomes [stream-id]",
	Short:       "List persisted clip outcomes",
	Args:        cobra.MaximumNArgs(1),
	Annotations: map[string]string{needsDB: "true"},
	Run: func(cmd *cobra.Command, args []string) {
		filter := store.OutcomeFilter{
			State: types.ClipState(outcomeState),
			Label: outcomeLabel,
			Limit: outcomeLimit,
		}
		if len(args) == 1 {
			filter.StreamID = args[0]
		}
		runOutcomes(cmd.Context(), filter)
	},
}

func init() {
	outcomesCmd.Flags().StringVar(&outcomeState, "state", "", "Only show outcomes in this state (succeeded, failed, dropped)")
	outcomesCmd.Flags().StringVarP(&outcomeLabel, "label", "l", "", "Only show clips whose top prediction is this label")
	outcomesCmd.Flags().IntVar(&outcomeLimit, "limit", 100, "Maximum rows (0 for all)")
	outcomesCmd.Flags().BoolVar(&outcomeJSON, "json", false, "Print one JSON object per line")
	rootCmd.AddCommand(outcomesCmd)
}

func runOutcomes(ctx context.Context, filter store.OutcomeFilter) {
	switch types.ClipState(outcomeState) {
	case "", types.StateSucceeded, types.StateFailed, types.StateDropped:
	default:
		utils.Die("Invalid --state", fmt.Errorf("unknown state %q", outcomeState), nil)
	}

	outcomes, err := DB.ListOutcomes(ctx, filter)
	if err != nil {
		utils.Die("Failed to list outcomes", err, nil)
	}

	if len(outcomes) == 0 {
		fmt.Println("No outcomes found in database.")
		return
	}

	if outcomeJSON {
		enc := json.NewEncoder(os.Stdout)
		for _, o := range outcomes {
			enc.Encode(o)
		}
		return
	}
	writeOutcomeTable(os.Stdout, outcomes)
}

func writeOutcomeTable(out io.Writer, outcomes []types.Outcome) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "STREAM\tCLIP\tFIRST FRAME\tSTATE\tTOP LABEL\tCONF\tATTEMPTS\tLATENCY\tDETAIL")
	fmt.Fprintln(w, "------\t----\t-----------\t-----\t---------\t----\t--------\t-------\t------")

	for _, o := range outcomes {
		label, conf := "-", "-"
		if o.Top != nil {
			label, conf = o.Top.Label, fmt.Sprintf("%.2f", o.Top.Confidence)
		}
		detail := string(o.FailureKind)
		if o.DropReason != types.DropNone {
			detail = string(o.DropReason)
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\t%s\t%d\t%s\t%s\n",
			shortID(o.StreamID), o.ClipID, o.FirstSeq, o.State, label, conf, o.Attempts,
			o.Latency.Round(time.Millisecond), detail)
	}
	w.Flush()
}
