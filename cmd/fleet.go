package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/testfleet/testfleet/internal/config"
	"github.com/testfleet/testfleet/internal/fleet"
	"github.com/testfleet/testfleet/internal/logging"
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Provision the backend fleet and leave it running",
	Long: `Starts every configured backend and waits for readiness, without
running any test phase. Useful for debugging a backend by hand.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, supervisor, ctx, stop, err := fleetSetup()
		if err != nil {
			return err
		}
		defer stop()

		instances, err := supervisor.Start(ctx, cfg.Services)
		if err != nil {
			return err
		}
		for name, inst := range instances {
			log.Info().Str("service", name).Str("container", inst.ContainerID).Msg("Running")
		}

		down, err := supervisor.CheckFleet(ctx, instances)
		if err != nil {
			return err
		}
		if len(down) > 0 {
			return fmt.Errorf("services exited right after readiness: %s", strings.Join(down, ", "))
		}
		return nil
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Tear down every managed backend container",
	Long: `Finds all containers labeled as managed by the harness, including
stopped leftovers from interrupted runs, and removes them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, supervisor, ctx, stop, err := fleetSetup()
		if err != nil {
			return err
		}
		defer stop()

		managed, err := supervisor.FindManaged(ctx)
		if err != nil {
			return err
		}
		if len(managed) == 0 {
			log.Info().Msg("No managed containers found")
			return nil
		}

		if err := supervisor.RemoveManaged(ctx, managed); err != nil {
			return err
		}
		log.Info().Int("count", len(managed)).Msg("Managed containers removed")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(downCmd)
}

func fleetSetup() (*config.Config, *fleet.Supervisor, context.Context, context.CancelFunc, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if err := logging.Setup(cfg); err != nil {
		return nil, nil, nil, nil, err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	supervisor, err := fleet.NewSupervisor(ctx, cfg)
	if err != nil {
		stop()
		return nil, nil, nil, nil, err
	}
	return cfg, supervisor, ctx, stop, nil
}
