package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/kayz/specforge/internal/merge"
	"github.com/kayz/specforge/internal/pipeline"
	"github.com/spf13/cobra"
)

var (
	buildOp          string
	buildDocumentID  string
	buildContextFile string
	buildJSON        bool
)

var buildCmd = &cobra.Command{
	Use:   "build [request...]",
	Short: "Build or modify an agent document",
	Long: `Run the build pipeline for a natural-language request and print its
progress. Use --document to build into an existing document and --op to
choose how: create, update or extend.

Repeating the request of an interrupted build resumes it.`,
	Example: `  specforge build "a CRM that tracks leads and sends a weekly digest"
  specforge build --document 3f1c... --op extend "add invoices"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		req := pipeline.BuildRequest{
			DocumentID: buildDocumentID,
			Command:    strings.TrimSpace(strings.Join(args, " ")),
			Operation:  pipeline.Operation(buildOp),
		}
		if buildContextFile != "" {
			data, err := os.ReadFile(buildContextFile)
			if err != nil {
				return fmt.Errorf("read context: %w", err)
			}
			req.Context = string(data)
		}
		if req.Command == "" && req.Operation != pipeline.OpResume {
			return errors.New("a request is required")
		}
		return runBuild(req)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <document-id>",
	Short: "Resume an interrupted build",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBuild(pipeline.BuildRequest{DocumentID: args[0], Operation: pipeline.OpResume})
	},
}

func init() {
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(resumeCmd)
	buildCmd.Flags().StringVar(&buildOp, "op", "create", "Operation: create, update, extend or resume")
	buildCmd.Flags().StringVar(&buildDocumentID, "document", "", "Document id to build into")
	buildCmd.Flags().StringVar(&buildContextFile, "context-file", "", "Serialized document to start from")
	buildCmd.Flags().BoolVar(&buildJSON, "json", false, "Print events as JSON lines")
	resumeCmd.Flags().BoolVar(&buildJSON, "json", false, "Print events as JSON lines")
}

func runBuild(req pipeline.BuildRequest) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	printer := &eventPrinter{w: os.Stdout, json: buildJSON}
	res, err := rt.builds.Run(ctx, req, pipeline.SinkFunc(printer.print))
	if ctx.Err() != nil {
		fmt.Fprintf(os.Stderr, "Interrupted. Progress is saved; continue with: specforge resume %s\n", printer.documentID)
		return ctx.Err()
	}

	var buildErr *pipeline.BuildError
	if errors.As(err, &buildErr) && buildErr.CanResume {
		fmt.Fprintf(os.Stderr, "Build stopped after %q. Continue with: specforge resume %s\n",
			buildErr.LastCompletedPhase, buildErr.DocumentID)
	}
	if err != nil {
		return err
	}
	if !buildJSON {
		printSummary(os.Stdout, res)
	}
	return nil
}

// eventPrinter renders progress events for a terminal.
type eventPrinter struct {
	w          io.Writer
	json       bool
	documentID string
}

func (p *eventPrinter) print(e pipeline.Event) {
	p.documentID = e.DocumentID
	if p.json {
		data, err := json.Marshal(e)
		if err == nil {
			fmt.Fprintln(p.w, string(data))
		}
		return
	}
	switch pl := e.Payload.(type) {
	case pipeline.StepPayload:
		msg := ""
		if pl.Message != "" {
			msg = " - " + pl.Message
		}
		fmt.Fprintf(p.w, "[%3d] %-22s %s%s\n", e.Seq, pl.Phase, pl.Status, msg)
	case pipeline.DataPayload:
		fmt.Fprintf(p.w, "[%3d] %-22s %s\n", e.Seq, pl.Phase, describeChanges(pl))
	case pipeline.WarningPayload:
		fmt.Fprintf(p.w, "[%3d] %-22s warning %s: %s\n", e.Seq, pl.Phase, pl.Code, pl.Message)
	case pipeline.FinishPayload:
		line := fmt.Sprintf("[%3d] finished: %s", e.Seq, pl.Status)
		if pl.Error != "" {
			line += " (" + pl.Error + ")"
		}
		fmt.Fprintln(p.w, line)
	}
}

func describeChanges(p pipeline.DataPayload) string {
	var parts []string
	for _, c := range []struct {
		name string
		ch   merge.CollectionChanges
	}{
		{"models", p.Changes.Models},
		{"enums", p.Changes.Enums},
		{"actions", p.Changes.Actions},
		{"schedules", p.Changes.Schedules},
	} {
		if !c.ch.Empty() {
			parts = append(parts, fmt.Sprintf("%s +%d ~%d -%d", c.name, len(c.ch.Added), len(c.ch.Updated), len(c.ch.Removed)))
		}
	}
	if len(parts) == 0 {
		return "no changes"
	}
	return strings.Join(parts, ", ")
}

func printSummary(w io.Writer, res *pipeline.Result) {
	if res == nil {
		return
	}
	fmt.Fprintf(w, "\n%s (%s)\n", res.Title, res.DocumentID)
	fmt.Fprintf(w, "  status:    %s\n", res.Status)
	fmt.Fprintf(w, "  models:    %s\n", joinOrDash(res.Summary.Models))
	fmt.Fprintf(w, "  enums:     %s\n", joinOrDash(res.Summary.Enums))
	fmt.Fprintf(w, "  actions:   %s\n", joinOrDash(res.Summary.Actions))
	for _, s := range res.Summary.Schedules {
		next := "inactive"
		if s.NextRun != nil {
			next = "next " + s.NextRun.Format("2006-01-02 15:04 MST")
		} else if s.Active {
			next = "active"
		}
		fmt.Fprintf(w, "  schedule:  %s [%s %s] %s\n", s.Name, s.Pattern, s.Timezone, next)
	}
	if len(res.Warnings) > 0 {
		fmt.Fprintf(w, "  warnings:  %d\n", len(res.Warnings))
	}
}

func joinOrDash(list []string) string {
	if len(list) == 0 {
		return "-"
	}
	return strings.Join(list, ", ")
}
