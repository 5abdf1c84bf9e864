package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/vigil/internal/store"
	"github.com/andresmejia3/vigil/internal/utils"
)

var streamsCmd = &cobra.Command{
	Use:         "streams [stream-id]",
	Short:       "List recorded streams with their outcome counts",
	Args:        cobra.MaximumNArgs(1),
	Annotations: map[string]string{needsDB: "true"},
	Run: func(cmd *cobra.Command, args []string) {
		var streams []store.StreamRecord
		if len(args) == 1 {
			rec, err := DB.Summary(cmd.Context(), args[0])
			if errors.Is(err, store.ErrNotFound) {
				fmt.Printf("Stream %s not found.\n", args[0])
				return
			}
			if err != nil {
				utils.Die("Failed to load stream", err, nil)
			}
			streams = append(streams, *rec)
		} else {
			var err error
			streams, err = DB.ListStreams(cmd.Context())
			if err != nil {
				utils.Die("Failed to list streams", err, nil)
			}
		}

		if len(streams) == 0 {
			fmt.Println("No streams found in database.")
			return
		}
		writeStreamTable(os.Stdout, streams)
	},
}

func init() {
	rootCmd.AddCommand(streamsCmd)
}

func writeStreamTable(out io.Writer, streams []store.StreamRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tSOURCE\tCLIP\tCLIPS\tOK\tFAILED\tDROPPED\tSTARTED\tFINISHED")
	fmt.Fprintln(w, "--\t------\t----\t-----\t--\t------\t-------\t-------\t--------")

	for _, s := range streams {
		finished := "running"
		if s.FinishedAt != nil {
			finished = s.FinishedAt.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
			shortID(s.ID), s.Source, s.ClipLength, s.Stride, s.Clips, s.Succeeded, s.Failed, s.Dropped,
			s.StartedAt.Local().Format("2006-01-02 15:04"), finished)
	}
	w.Flush()
}
