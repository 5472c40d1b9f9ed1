package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/testfleet/testfleet/internal/config"
)

// Setup configures the global zerolog logger: console on stderr, plus a
// rolling file in the data dir when file logging is enabled.
func Setup(cfg *config.Config) error {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
		log.Warn().Str("invalid_level", cfg.Logging.Level).Msg("Invalid log level, using info")
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	console := zerolog.ConsoleWriter{Out: os.Stderr}

	if !cfg.Logging.File {
		log.Logger = log.Output(console)
		return nil
	}

	if err := os.MkdirAll(cfg.Harness.DataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	fileWriter := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Harness.DataDir, "testfleet.log"),
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: 3,
		Compress:   true,
	}

	log.Logger = log.Output(io.MultiWriter(console, fileWriter))
	return nil
}
