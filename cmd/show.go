package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/kayz/specforge/internal/pipeline"
	"github.com/kayz/specforge/internal/progress"
	"github.com/spf13/cobra"
)

var (
	showJSON  bool
	showLimit int
)

var showCmd = &cobra.Command{
	Use:   "show [document-id]",
	Short: "List stored documents, or print one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()
		ctx := context.Background()
		out := cmd.OutOrStdout()

		if len(args) == 0 {
			docs, err := store.ListDocuments(ctx, showLimit)
			if err != nil {
				return err
			}
			if len(docs) == 0 {
				fmt.Fprintln(out, "No documents yet.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTITLE\tUPDATED")
			for _, d := range docs {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", d.ID, d.Title, d.UpdatedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		}

		res, err := pipeline.LoadResult(ctx, store, args[0])
		if err != nil {
			return err
		}
		if showJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(res.Document)
		}
		printSummary(out, res)
		if res.LastCompletedPhase != "" && res.Status != progress.StatusComplete {
			fmt.Fprintf(out, "  stopped after: %s (resumable: %v)\n", res.LastCompletedPhase, res.CanResume)
		}

		runs, err := store.ListRuns(ctx, args[0], showLimit)
		if err != nil {
			return err
		}
		if len(runs) > 0 {
			fmt.Fprintln(out, "\nRuns:")
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			for _, r := range runs {
				resumed := ""
				if r.Resumed {
					resumed = "resumed"
				}
				fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\n",
					r.FinishedAt.Local().Format(time.DateTime), r.Operation, r.Status, r.LastPhase, resumed)
			}
			return tw.Flush()
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(showCmd)
	showCmd.Flags().BoolVar(&showJSON, "json", false, "Print the document as JSON")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Maximum number of rows to list")
}
