package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newPipelinesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "pipelines",
		Short: "List the pipeline definitions the daemon serves",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := a.client().pipelines(cmd.Context())
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

func newSubmitCmd(a *app) *cobra.Command {
	var configFile string
	var sets map[string]string
	cmd := &cobra.Command{
		Use:   "submit <pipeline-id>",
		Short: "Submit a new run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config := map[string]string{}
			if configFile != "" {
				raw, err := os.ReadFile(configFile)
				if err != nil {
					return err
				}
				if err := yaml.Unmarshal(raw, &config); err != nil {
					return fmt.Errorf("parse %s: %w", configFile, err)
				}
			}
			for k, v := range sets {
				config[k] = v
			}
			r, err := a.client().submitRun(cmd.Context(), args[0], config)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s submitted (%s)\n", r.RunID, r.Status)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configFile, "config-file", "f", "", "YAML file of run config key/value pairs")
	cmd.Flags().StringToStringVar(&sets, "set", nil, "config override, repeatable (key=value)")
	return cmd
}

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show a run snapshot with per-step state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			detail, err := a.client().getRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printRunDetail(cmd.OutOrStdout(), detail)
			return nil
		},
	}
}

func newListCmd(a *app) *cobra.Command {
	var f listFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs for the tenant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := a.client().listRuns(cmd.Context(), f)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN ID\tPIPELINE\tSTATUS\tCREATED\tUPDATED")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					r.RunID, r.PipelineID, r.Status, fmtTime(r.CreatedAt), fmtTime(r.UpdatedAt))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&f.status, "status", "", "filter by run status")
	cmd.Flags().StringVar(&f.pipeline, "pipeline", "", "filter by pipeline id")
	cmd.Flags().BoolVar(&f.includeSuperseded, "all", false, "include superseded runs")
	cmd.Flags().IntVar(&f.limit, "limit", 50, "maximum rows")
	return cmd
}

func newEventsCmd(a *app) *cobra.Command {
	var after uint64
	var limit int
	cmd := &cobra.Command{
		Use:   "events <run-id>",
		Short: "Print a page of the run journal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			page, err := a.client().events(cmd.Context(), args[0], after, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, entry := range page.Entries {
				printEntry(out, entry.Offset, entry.Type, string(entry.Payload))
			}
			if len(page.Entries) == limit {
				fmt.Fprintf(out, "# more: --after %d\n", page.NextOffset)
			}
			return nil
		},
	}
	cmd.Flags().Uint64Var(&after, "after", 0, "start after this journal offset")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum entries")
	return cmd
}

func newWatchCmd(a *app) *cobra.Command {
	var after uint64
	cmd := &cobra.Command{
		Use:   "watch <run-id>",
		Short: "Follow the run journal live until the run ends",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := a.client().stream(cmd.Context(), args[0], after)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			return printStream(cmd.OutOrStdout(), resp.Body)
		},
	}
	cmd.Flags().Uint64Var(&after, "after", 0, "start after this journal offset")
	return cmd
}

// printStream renders server-sent events one line per journal entry. A
// clean EOF means the run reached a terminal state and the server closed
// the feed.
func printStream(out io.Writer, body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var id, event, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event != "" {
				fmt.Fprintf(out, "%-6s %-20s %s\n", id, event, data)
			}
			id, event, data = "", "", ""
		case strings.HasPrefix(line, ":"):
			// Heartbeat comment.
		case strings.HasPrefix(line, "id: "):
			id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
	return scanner.Err()
}

func newArtifactCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "artifact <run-id> <step>",
		Short: "Fetch a step's artifact content",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, mediaType, err := a.client().artifact(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			defer body.Close()

			dst := cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				dst = f
			}
			if _, err := io.Copy(dst, body); err != nil {
				return err
			}
			if output != "" && output != "-" {
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%s)\n", output, mediaType)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "-", "destination file, - for stdout")
	return cmd
}

func printRunDetail(out io.Writer, detail runDetail) {
	r := detail.Run
	fmt.Fprintf(out, "Run:      %s\n", r.RunID)
	fmt.Fprintf(out, "Pipeline: %s\n", r.PipelineID)
	fmt.Fprintf(out, "Status:   %s\n", r.Status)
	fmt.Fprintf(out, "Created:  %s\n", fmtTime(r.CreatedAt))
	fmt.Fprintf(out, "Updated:  %s\n", fmtTime(r.UpdatedAt))
	if r.Supersedes != "" {
		fmt.Fprintf(out, "Supersedes: %s\n", r.Supersedes)
	}
	if r.SupersededBy != "" {
		fmt.Fprintf(out, "Superseded by: %s\n", r.SupersededBy)
	}
	if f := r.Failure; f != nil {
		fmt.Fprintf(out, "Failure:  [%s] %s", f.Category, f.Message)
		if f.StepName != "" {
			fmt.Fprintf(out, " (step %s)", f.StepName)
		}
		fmt.Fprintln(out)
		if f.Recommended != "" {
			fmt.Fprintf(out, "Recommended: retry from %s\n", f.Recommended)
		}
	}
	if g := detail.Gate; g != nil {
		fmt.Fprintf(out, "Gate:     %s (%s", g.Name, g.Kind)
		if g.InputKey != "" {
			fmt.Fprintf(out, ", wants %s", g.InputKey)
		}
		fmt.Fprint(out, ")")
		if g.Deadline != nil {
			fmt.Fprintf(out, " expires %s", fmtTime(*g.Deadline))
		}
		fmt.Fprintln(out)
	}

	if len(detail.Steps) == 0 {
		return
	}
	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tSTATUS\tATTEMPTS\tNOTE")
	for _, s := range detail.Steps {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", s.StepName, s.Status, s.Attempts, stepNote(s))
	}
	_ = tw.Flush()
}

func stepNote(s step) string {
	switch {
	case s.Failure != nil:
		return fmt.Sprintf("[%s] %s", s.Failure.Category, s.Failure.Message)
	case s.SkipReason != "":
		return s.SkipReason
	case s.Inherited:
		return "inherited from source run"
	case s.Artifact != nil:
		return fmt.Sprintf("%s, %d bytes", s.Artifact.Digest, s.Artifact.SizeBytes)
	default:
		return ""
	}
}

func printEntry(out io.Writer, offset uint64, entryType, payload string) {
	fmt.Fprintf(out, "%-6d %-20s %s\n", offset, entryType, payload)
}

func fmtTime(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04:05")
}
