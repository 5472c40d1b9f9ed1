package pipeline

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/testfleet/testfleet/internal/buildid"
	"github.com/testfleet/testfleet/internal/config"
	"github.com/testfleet/testfleet/internal/fleet"
	"github.com/testfleet/testfleet/internal/phase"
	"github.com/testfleet/testfleet/internal/report"
	"github.com/testfleet/testfleet/internal/store"
)

// State is the orchestrator's position in its run. Single run per
// orchestrator instance.
type State string

const (
	StateIdle              State = "idle"
	StateResolvingIdentity State = "resolving_identity"
	StateProvisioning      State = "provisioning"
	StateRunningPhases     State = "running_phases"
	StateTearingDown       State = "tearing_down"
	StateFinalizing        State = "finalizing"
	StateCompleted         State = "completed"
	StateAborted           State = "aborted"
)

// OverallStatus aggregates phase outcomes for the whole run.
type OverallStatus string

const (
	StatusPending        OverallStatus = "pending"
	StatusSuccess        OverallStatus = "success"
	StatusPartialFailure OverallStatus = "partial_failure"
	StatusAborted        OverallStatus = "aborted"
)

// Run is the aggregate for one pipeline execution. It owns every phase
// result and service instance for its duration; nothing outlives it
// except the persisted history row.
type Run struct {
	ID            uuid.UUID
	Identity      buildid.Identity
	Results       []*phase.Result
	OverallStatus OverallStatus
	StartedAt     time.Time
	FinishedAt    time.Time
	Finalized     bool
	FinalizeErr   error
}

// ExitCode maps the run's three independent outcome axes onto process
// exit codes: 0 success, 1 partial failure, 2 aborted, 3 tests passed
// but finalization failed.
func (r *Run) ExitCode() int {
	switch r.OverallStatus {
	case StatusSuccess:
		if r.FinalizeErr != nil {
			return 3
		}
		return 0
	case StatusPartialFailure:
		return 1
	default:
		return 2
	}
}

// Narrow interfaces over the collaborators so tests can fake them.
type ServiceSupervisor interface {
	Start(ctx context.Context, specs []config.ServiceSpec) (map[string]*fleet.Instance, error)
	Stop(ctx context.Context, instances map[string]*fleet.Instance) error
}

type PhaseRunner interface {
	Run(ctx context.Context, spec config.PhaseSpec, env map[string]string) *phase.Result
}

type ResultFinalizer interface {
	Finalize(ctx context.Context, build string, marker string) error
}

type identityResolver func(ctx context.Context, dir string) (buildid.Identity, error)

// Orchestrator coordinates one full pipeline run. It is the only
// component aware of the sequence; every collaborator is independently
// testable.
type Orchestrator struct {
	cfg      *config.Config
	services ServiceSupervisor
	runner   PhaseRunner
	finalize ResultFinalizer // nil when reporting is disabled
	resolve  identityResolver
	history  *store.Store // nil when history is unavailable

	state State
	used  bool
}

func NewOrchestrator(cfg *config.Config, services ServiceSupervisor, runner PhaseRunner, finalizer ResultFinalizer, history *store.Store) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		services: services,
		runner:   runner,
		finalize: finalizer,
		resolve:  buildid.Resolve,
		history:  history,
		state:    StateIdle,
	}
}

// State returns the orchestrator's current state.
func (o *Orchestrator) State() State {
	return o.state
}

// Execute drives the run end to end:
//
//	Idle → ResolvingIdentity → Provisioning → RunningPhases →
//	TearingDown → Finalizing → {Completed, Aborted}
//
// Teardown runs on every exit path once provisioning succeeded, and
// finalization runs exactly once whenever an identity was resolved,
// whatever the phases did.
func (o *Orchestrator) Execute(ctx context.Context) (*Run, error) {
	if o.used {
		return nil, fmt.Errorf("orchestrator already ran; create a new one per run")
	}
	o.used = true

	run := &Run{
		ID:            uuid.New(),
		OverallStatus: StatusPending,
		StartedAt:     time.Now(),
	}
	log.Info().Str("run", run.ID.String()).Msg("Pipeline starting")

	o.transition(StateResolvingIdentity)
	identity, err := o.resolve(ctx, o.cfg.Harness.WorkDir)
	if err != nil {
		// No correlation key means nothing can be reported; the run
		// aborts before any service is started and reporting is
		// skipped entirely.
		run.OverallStatus = StatusAborted
		o.finish(run, StateAborted)
		return run, err
	}
	run.Identity = identity

	o.transition(StateProvisioning)
	instances, err := o.services.Start(ctx, o.cfg.Services)
	if err != nil {
		// The supervisor has already rolled back its partial fleet.
		run.OverallStatus = StatusAborted
		o.finalizeRun(ctx, run)
		o.finish(run, StateAborted)
		return run, err
	}

	o.transition(StateRunningPhases)
	o.runPhases(ctx, run)

	o.transition(StateTearingDown)
	if err := o.services.Stop(context.WithoutCancel(ctx), instances); err != nil {
		log.Error().Err(err).Msg("Teardown left errors behind")
	}

	o.finalizeRun(ctx, run)

	if run.FinalizeErr != nil {
		o.finish(run, StateAborted)
		return run, run.FinalizeErr
	}
	o.finish(run, StateCompleted)
	return run, nil
}

// runPhases executes every phase in declaration order. A failed phase
// never stops its siblings: tests are independent signals and a lint
// failure must not hide an integration failure. The two exceptions are
// an explicitly blocking phase and an external abort; either way the
// remaining phases are recorded as skipped, and an in-flight phase is
// always allowed to finish so it cannot leave partial artifacts.
func (o *Orchestrator) runPhases(ctx context.Context, run *Run) {
	env := baseEnv()
	env["TESTFLEET_BUILD"] = run.Identity.String()

	runCtx := context.WithoutCancel(ctx)
	blockedBy := ""
	aborted := false

	for _, spec := range o.cfg.Phases {
		if aborted || ctx.Err() != nil {
			aborted = true
			run.Results = append(run.Results, skippedResult(spec))
			log.Warn().Str("phase", spec.Name).Msg("Phase skipped: run aborted")
			continue
		}
		if blockedBy != "" {
			run.Results = append(run.Results, skippedResult(spec))
			log.Warn().Str("phase", spec.Name).Str("blocked_by", blockedBy).Msg("Phase skipped: blocking phase failed")
			continue
		}

		result := o.runner.Run(runCtx, spec, env)
		run.Results = append(run.Results, result)

		if result.Status == phase.StatusFailure && spec.Blocking {
			blockedBy = spec.Name
		}
	}

	switch {
	case aborted || ctx.Err() != nil:
		run.OverallStatus = StatusAborted
	case allSucceeded(run.Results):
		run.OverallStatus = StatusSuccess
	default:
		run.OverallStatus = StatusPartialFailure
	}
}

// finalizeRun reports the terminal status exactly once. A finalization
// failure is surfaced on the run but never rewrites OverallStatus:
// reporting infrastructure problems are not test outcomes.
func (o *Orchestrator) finalizeRun(ctx context.Context, run *Run) {
	o.transition(StateFinalizing)

	if o.finalize == nil {
		log.Debug().Msg("Reporting disabled, skipping finalization")
		return
	}

	marker := report.MarkerError
	if run.OverallStatus == StatusSuccess {
		marker = report.MarkerDone
	}

	if err := o.finalize.Finalize(context.WithoutCancel(ctx), run.Identity.String(), marker); err != nil {
		run.FinalizeErr = err
		log.Error().Err(err).Msg("Finalization failed; test outcome is unaffected")
		return
	}
	run.Finalized = true
}

func (o *Orchestrator) finish(run *Run, terminal State) {
	run.FinishedAt = time.Now()
	o.transition(terminal)
	o.persist(run)

	log.Info().
		Str("run", run.ID.String()).
		Str("status", string(run.OverallStatus)).
		Int("phases", len(run.Results)).
		Bool("finalized", run.Finalized).
		Msg("Pipeline finished")
}

func (o *Orchestrator) persist(run *Run) {
	if o.history == nil {
		return
	}

	record := store.RunRecord{
		ID:         run.ID.String(),
		Build:      run.Identity.String(),
		Status:     string(run.OverallStatus),
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Finalized:  run.Finalized,
	}

	phases := make([]store.PhaseRecord, 0, len(run.Results))
	for i, result := range run.Results {
		p := store.PhaseRecord{
			RunID:        run.ID.String(),
			Seq:          i,
			Phase:        result.Phase.Name,
			Status:       string(result.Status),
			LogRef:       result.LogRef,
			CoveragePath: result.CoveragePath,
			Duration:     result.Duration,
		}
		if result.Err != nil {
			p.Error = result.Err.Error()
		}
		phases = append(phases, p)
	}

	if err := o.history.RecordRun(record, phases); err != nil {
		log.Warn().Err(err).Str("run", run.ID.String()).Msg("Failed to persist run history")
	}
}

func (o *Orchestrator) transition(next State) {
	log.Debug().Str("from", string(o.state)).Str("to", string(next)).Msg("Pipeline state transition")
	o.state = next
}

func skippedResult(spec config.PhaseSpec) *phase.Result {
	return &phase.Result{Phase: spec, Status: phase.StatusSkipped}
}

func allSucceeded(results []*phase.Result) bool {
	for _, r := range results {
		if r.Status != phase.StatusSuccess {
			return false
		}
	}
	return true
}

// baseEnv snapshots the process environment once so every phase gets
// the same explicit copy; phases never mutate what later phases see.
func baseEnv() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}
