package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile  string
	dataDir  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "testfleet",
	Short: "Testfleet - database fleet provisioning and test orchestration",
	Long: `Testfleet provisions a fleet of disposable database backends, drives a
compiler's test suite against them in ordered phases, and finalizes the
aggregated result to an external coverage service.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./testfleet.yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "directory for logs and run history")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
}

func initConfig() {
	// Secrets (repo token, service credentials) come from a .env
	// overlay, never from the committed config file.
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded .env overlay")
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("testfleet")
		viper.SetConfigType("yaml")

		viper.AddConfigPath(".")
		if userConfigDir, err := os.UserConfigDir(); err == nil {
			viper.AddConfigPath(userConfigDir + "/testfleet")
		}
		viper.AddConfigPath("/etc/testfleet")
	}

	viper.SetEnvPrefix("TESTFLEET")
	viper.AutomaticEnv()

	if dataDir != "" {
		viper.Set("harness.data_dir", dataDir)
	}
	if logLevel != "" {
		viper.Set("logging.level", logLevel)
	}

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	} else if cfgFile != "" {
		// An explicit --config that cannot be read is fatal; the
		// built-in registry only backs a missing default file.
		log.Fatal().Err(err).Str("config", cfgFile).Msg("Cannot read config file")
	}
}
