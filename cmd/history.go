package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/testfleet/testfleet/internal/config"
	"github.com/testfleet/testfleet/internal/store"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent pipeline runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		history, err := openHistory()
		if err != nil {
			return err
		}
		defer history.Close()

		runs, err := history.RecentRuns(historyLimit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No runs recorded")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RUN\tBUILD\tSTATUS\tSTARTED\tDURATION\tFINALIZED")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%v\n",
				r.ID, r.Build, r.Status,
				r.StartedAt.Format(time.RFC3339),
				r.FinishedAt.Sub(r.StartedAt).Round(time.Second),
				r.Finalized,
			)
		}
		return w.Flush()
	},
}

var (
	logsService string
	logsFollow  bool
)

var logsCmd = &cobra.Command{
	Use:   "logs [<run-id> <phase>]",
	Short: "Print the stored log of one phase, or a live service's container logs",
	Long: `With a run id and phase name, prints the log the phase runner stored
for that run. With --service, streams the container logs of a running
managed backend instead.`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if logsService != "" {
			return serviceLogs(logsService, logsFollow)
		}
		if len(args) != 2 {
			return fmt.Errorf("expected <run-id> <phase>, or --service <name>")
		}

		history, err := openHistory()
		if err != nil {
			return err
		}
		defer history.Close()

		phases, err := history.PhaseResults(args[0])
		if err != nil {
			return err
		}
		for _, p := range phases {
			if p.Phase != args[1] {
				continue
			}
			if p.LogRef == "" {
				return fmt.Errorf("phase %q of run %s has no stored log", args[1], args[0])
			}
			content, err := os.ReadFile(p.LogRef)
			if err != nil {
				return fmt.Errorf("cannot read log %s: %w", p.LogRef, err)
			}
			_, err = os.Stdout.Write(content)
			return err
		}
		return fmt.Errorf("no phase %q in run %s", args[1], args[0])
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 10, "maximum runs to list")
	logsCmd.Flags().StringVar(&logsService, "service", "", "stream container logs of a managed service")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "keep streaming as the container logs")
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(logsCmd)
}

func serviceLogs(service string, follow bool) error {
	_, supervisor, ctx, stop, err := fleetSetup()
	if err != nil {
		return err
	}
	defer stop()

	reader, err := supervisor.ServiceLogs(ctx, service, follow)
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(os.Stdout, reader)
	return err
}

func openHistory() (*store.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return store.Open(cfg.Harness.DataDir)
}
