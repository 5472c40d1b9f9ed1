package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/testfleet/testfleet/internal/config"
	"github.com/testfleet/testfleet/internal/fleet"
	"github.com/testfleet/testfleet/internal/logging"
	"github.com/testfleet/testfleet/internal/phase"
	"github.com/testfleet/testfleet/internal/pipeline"
	"github.com/testfleet/testfleet/internal/report"
	"github.com/testfleet/testfleet/internal/store"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full pipeline: provision, test phases, teardown, finalize",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(executeRun())
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func executeRun() int {
	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		return 2
	}
	if err := logging.Setup(cfg); err != nil {
		log.Error().Err(err).Msg("Failed to set up logging")
		return 2
	}

	// The in-flight phase is never killed on SIGINT/SIGTERM; the
	// orchestrator notices the cancelled context between phases and
	// proceeds straight to teardown and finalization.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Harness.MetricsAddr != "" {
		go serveMetrics(cfg.Harness.MetricsAddr)
	}

	supervisor, err := fleet.NewSupervisor(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("Container engine unavailable")
		return 2
	}

	var finalizer pipeline.ResultFinalizer
	if cfg.Reporting.Enabled {
		f, err := report.NewFinalizer(cfg)
		if err != nil {
			log.Error().Err(err).Msg("Reporting misconfigured")
			return 2
		}
		finalizer = f
	}

	history, err := store.Open(cfg.Harness.DataDir)
	if err != nil {
		log.Warn().Err(err).Msg("Run history unavailable, continuing without it")
		history = nil
	} else {
		defer history.Close()
	}

	orchestrator := pipeline.NewOrchestrator(cfg, supervisor, phase.NewRunner(cfg), finalizer, history)
	run, err := orchestrator.Execute(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Pipeline did not complete cleanly")
	}

	for _, result := range run.Results {
		log.Info().
			Str("phase", result.Phase.Name).
			Str("status", string(result.Status)).
			Str("log", result.LogRef).
			Msg("Phase result")
	}

	return run.ExitCode()
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info().Str("addr", addr).Msg("Serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warn().Err(err).Msg("Metrics server stopped")
	}
}
