package phase

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/testfleet/testfleet/internal/config"
	"github.com/testfleet/testfleet/internal/metrics"
)

// Status is the terminal outcome of one phase.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"

	// StatusSkipped is recorded by the orchestrator for phases that
	// never ran because a blocking phase failed or the run was aborted.
	StatusSkipped Status = "skipped"
)

// Result is created when a phase completes and never mutated after.
type Result struct {
	Phase        config.PhaseSpec
	Status       Status
	CoveragePath string
	LogRef       string
	Err          error
	Duration     time.Duration
}

// Runner executes one phase at a time. Phases within a run are strictly
// sequential; they may share external state such as an appended
// coverage accumulator.
type Runner struct {
	workDir string
	logDir  string
}

func NewRunner(cfg *config.Config) *Runner {
	return &Runner{
		workDir: cfg.Harness.WorkDir,
		logDir:  filepath.Join(cfg.Harness.DataDir, "logs"),
	}
}

// Run executes every command of the phase in order, short-circuiting on
// the first non-zero exit. The environment is exactly what the caller
// passes in; nothing ambient leaks through. Output goes to a persistent
// per-phase log file whether the phase passes or fails.
func (r *Runner) Run(ctx context.Context, spec config.PhaseSpec, env map[string]string) *Result {
	started := time.Now()
	result := &Result{Phase: spec}

	logFile, logRef, err := r.openLog(spec.Name)
	if err != nil {
		result.Status = StatusFailure
		result.Err = fmt.Errorf("phase %q: cannot open log: %w", spec.Name, err)
		return r.finish(result, started)
	}
	defer logFile.Close()
	result.LogRef = logRef

	cmdEnv := flattenEnv(env)
	if spec.Filter != "" {
		// The filter expression is handed through opaquely; the test
		// command decides what it means.
		cmdEnv = append(cmdEnv, "TESTFLEET_FILTER="+spec.Filter)
	}

	for _, command := range spec.Commands {
		fmt.Fprintf(logFile, "--- %s $ %s\n", spec.Name, command)

		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Dir = r.workDir
		cmd.Env = cmdEnv
		cmd.Stdout = logFile
		cmd.Stderr = logFile

		if err := cmd.Run(); err != nil {
			result.Status = StatusFailure
			result.Err = &ExecutionError{Phase: spec.Name, Command: command, Cause: err}
			log.Error().
				Str("phase", spec.Name).
				Str("command", command).
				Str("log", logRef).
				Err(err).
				Msg("Phase command failed")
			return r.finish(result, started)
		}
	}

	if spec.Coverage {
		artifact := filepath.Join(r.workDir, spec.CoveragePath)
		if _, err := os.Stat(artifact); err != nil {
			result.Status = StatusFailure
			result.Err = &CoverageMissingError{Phase: spec.Name, Path: artifact}
			log.Error().Str("phase", spec.Name).Str("artifact", artifact).Msg("Coverage artifact missing after successful run")
			return r.finish(result, started)
		}
		result.CoveragePath = artifact
	}

	result.Status = StatusSuccess
	log.Info().Str("phase", spec.Name).Dur("duration", time.Since(started)).Msg("Phase passed")
	return r.finish(result, started)
}

func (r *Runner) finish(result *Result, started time.Time) *Result {
	result.Duration = time.Since(started)
	metrics.PhasesRun.WithLabelValues(result.Phase.Name, string(result.Status)).Inc()
	metrics.PhaseDuration.WithLabelValues(result.Phase.Name).Observe(result.Duration.Seconds())
	return result
}

func (r *Runner) openLog(phaseName string) (*os.File, string, error) {
	if err := os.MkdirAll(r.logDir, 0o700); err != nil {
		return nil, "", err
	}

	// Nanosecond timestamps keep back-to-back runs of the same phase
	// from sharing a file.
	logRef := filepath.Join(r.logDir, fmt.Sprintf("%s-%d.log", phaseName, time.Now().UnixNano()))
	f, err := os.Create(logRef)
	if err != nil {
		return nil, "", err
	}
	return f, logRef, nil
}

func flattenEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	flat := make([]string, 0, len(env))
	for _, k := range keys {
		flat = append(flat, k+"="+env[k])
	}
	return flat
}
