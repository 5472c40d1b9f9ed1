package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testfleet/testfleet/internal/buildid"
	"github.com/testfleet/testfleet/internal/config"
	"github.com/testfleet/testfleet/internal/fleet"
	"github.com/testfleet/testfleet/internal/phase"
	"github.com/testfleet/testfleet/internal/store"
)

type fakeSupervisor struct {
	startErr   error
	startCalls int
	stopCalls  int
}

func (f *fakeSupervisor) Start(_ context.Context, specs []config.ServiceSpec) (map[string]*fleet.Instance, error) {
	f.startCalls++
	if f.startErr != nil {
		return nil, f.startErr
	}
	instances := make(map[string]*fleet.Instance, len(specs))
	for _, spec := range specs {
		instances[spec.Name] = &fleet.Instance{Spec: spec, ContainerID: "fake-" + spec.Name}
	}
	return instances, nil
}

func (f *fakeSupervisor) Stop(_ context.Context, _ map[string]*fleet.Instance) error {
	f.stopCalls++
	return nil
}

type fakeRunner struct {
	failing map[string]bool
	ran     []string
	cancel  context.CancelFunc // when set, fired during the first phase
}

func (f *fakeRunner) Run(_ context.Context, spec config.PhaseSpec, _ map[string]string) *phase.Result {
	f.ran = append(f.ran, spec.Name)
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	result := &phase.Result{Phase: spec, Status: phase.StatusSuccess, LogRef: "/logs/" + spec.Name + ".log"}
	if f.failing[spec.Name] {
		result.Status = phase.StatusFailure
		result.Err = &phase.ExecutionError{Phase: spec.Name, Command: spec.Commands[0], Cause: errors.New("exit status 1")}
	}
	return result
}

type fakeFinalizer struct {
	calls   int
	builds  []string
	markers []string
	err     error
}

func (f *fakeFinalizer) Finalize(_ context.Context, build string, marker string) error {
	f.calls++
	f.builds = append(f.builds, build)
	f.markers = append(f.markers, marker)
	return f.err
}

func pipelineConfig(phases ...config.PhaseSpec) *config.Config {
	return &config.Config{
		Services: []config.ServiceSpec{
			{Name: "graphstore", Image: "orientdb:2.2.37"},
			{Name: "relational-a", Image: "postgres:10.5"},
		},
		Phases: phases,
	}
}

func phases(names ...string) []config.PhaseSpec {
	specs := make([]config.PhaseSpec, 0, len(names))
	for _, name := range names {
		specs = append(specs, config.PhaseSpec{Name: name, Commands: []string{"cmd-" + name}})
	}
	return specs
}

func fixedIdentity(ctx context.Context, dir string) (buildid.Identity, error) {
	return buildid.Identity{CommitCount: 42, ShortRevision: "abc1234"}, nil
}

func newTestOrchestrator(cfg *config.Config, sup *fakeSupervisor, runner *fakeRunner, fin ResultFinalizer) *Orchestrator {
	o := NewOrchestrator(cfg, sup, runner, fin, nil)
	o.resolve = fixedIdentity
	return o
}

func TestOrchestrator_AllPhasesPass(t *testing.T) {
	sup := &fakeSupervisor{}
	runner := &fakeRunner{}
	fin := &fakeFinalizer{}
	o := newTestOrchestrator(pipelineConfig(phases("unit", "integration", "lint")...), sup, runner, fin)

	run, err := o.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, run.OverallStatus)
	assert.Equal(t, StateCompleted, o.State())
	assert.Equal(t, 0, run.ExitCode())
	assert.Equal(t, []string{"unit", "integration", "lint"}, runner.ran)
	assert.Equal(t, 1, sup.stopCalls, "teardown runs exactly once")

	require.Equal(t, 1, fin.calls, "finalize runs exactly once")
	assert.Equal(t, "42-abc1234", fin.builds[0])
	assert.Equal(t, "done", fin.markers[0])
	assert.True(t, run.Finalized)
}

func TestOrchestrator_FailedPhaseDoesNotStopSiblings(t *testing.T) {
	sup := &fakeSupervisor{}
	runner := &fakeRunner{failing: map[string]bool{"integration": true}}
	fin := &fakeFinalizer{}
	o := newTestOrchestrator(pipelineConfig(phases("unit", "integration", "lint")...), sup, runner, fin)

	run, err := o.Execute(context.Background())
	require.NoError(t, err)

	// All three phases still executed; a lint pass must not be hidden
	// by the integration failure, nor vice versa.
	assert.Equal(t, []string{"unit", "integration", "lint"}, runner.ran)
	require.Len(t, run.Results, 3)
	assert.Equal(t, phase.StatusSuccess, run.Results[0].Status)
	assert.Equal(t, phase.StatusFailure, run.Results[1].Status)
	assert.Equal(t, phase.StatusSuccess, run.Results[2].Status)

	assert.Equal(t, StatusPartialFailure, run.OverallStatus)
	assert.Equal(t, 1, run.ExitCode())
	assert.Equal(t, 1, sup.stopCalls)

	require.Equal(t, 1, fin.calls, "partial failure is still reported")
	assert.Equal(t, "error", fin.markers[0])
}

func TestOrchestrator_IdentityFailureAbortsBeforeProvisioning(t *testing.T) {
	sup := &fakeSupervisor{}
	runner := &fakeRunner{}
	fin := &fakeFinalizer{}
	o := newTestOrchestrator(pipelineConfig(phases("unit")...), sup, runner, fin)
	o.resolve = func(ctx context.Context, dir string) (buildid.Identity, error) {
		return buildid.Identity{}, &buildid.IdentityError{Dir: dir, Cause: errors.New("no history")}
	}

	run, err := o.Execute(context.Background())
	require.Error(t, err)

	var idErr *buildid.IdentityError
	assert.ErrorAs(t, err, &idErr)

	assert.Equal(t, StatusAborted, run.OverallStatus)
	assert.Equal(t, StateAborted, o.State())
	assert.Equal(t, 2, run.ExitCode())
	assert.Equal(t, 0, sup.startCalls, "no service may ever be created")
	assert.Equal(t, 0, sup.stopCalls)
	assert.Empty(t, runner.ran)
	assert.Equal(t, 0, fin.calls, "no identity means nothing to report")
}

func TestOrchestrator_ProvisioningFailureAborts(t *testing.T) {
	sup := &fakeSupervisor{startErr: &fleet.ProvisionError{Service: "graphstore", Cause: errors.New("probe timeout")}}
	runner := &fakeRunner{}
	fin := &fakeFinalizer{}
	o := newTestOrchestrator(pipelineConfig(phases("unit")...), sup, runner, fin)

	run, err := o.Execute(context.Background())
	require.Error(t, err)

	var provErr *fleet.ProvisionError
	assert.ErrorAs(t, err, &provErr)

	assert.Equal(t, StatusAborted, run.OverallStatus)
	assert.Equal(t, 2, run.ExitCode())
	assert.Empty(t, runner.ran)
	assert.Equal(t, 0, sup.stopCalls, "supervisor already rolled back internally")

	// Identity existed, so the abort is still reported.
	require.Equal(t, 1, fin.calls)
	assert.Equal(t, "error", fin.markers[0])
}

func TestOrchestrator_BlockingPhaseSkipsRemainder(t *testing.T) {
	specs := phases("unit", "integration", "lint")
	specs[0].Blocking = true

	sup := &fakeSupervisor{}
	runner := &fakeRunner{failing: map[string]bool{"unit": true}}
	fin := &fakeFinalizer{}
	o := newTestOrchestrator(pipelineConfig(specs...), sup, runner, fin)

	run, err := o.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"unit"}, runner.ran)
	require.Len(t, run.Results, 3)
	assert.Equal(t, phase.StatusFailure, run.Results[0].Status)
	assert.Equal(t, phase.StatusSkipped, run.Results[1].Status)
	assert.Equal(t, phase.StatusSkipped, run.Results[2].Status)
	assert.Equal(t, StatusPartialFailure, run.OverallStatus)
	assert.Equal(t, 1, fin.calls)
}

func TestOrchestrator_AbortMidPhases(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sup := &fakeSupervisor{}
	runner := &fakeRunner{cancel: cancel}
	fin := &fakeFinalizer{}
	o := newTestOrchestrator(pipelineConfig(phases("unit", "integration", "lint")...), sup, runner, fin)

	run, err := o.Execute(ctx)
	require.NoError(t, err)

	// The in-flight phase finished; the rest were skipped.
	assert.Equal(t, []string{"unit"}, runner.ran)
	require.Len(t, run.Results, 3)
	assert.Equal(t, phase.StatusSuccess, run.Results[0].Status)
	assert.Equal(t, phase.StatusSkipped, run.Results[1].Status)
	assert.Equal(t, phase.StatusSkipped, run.Results[2].Status)

	assert.Equal(t, StatusAborted, run.OverallStatus)
	assert.Equal(t, 2, run.ExitCode())
	assert.Equal(t, 1, sup.stopCalls, "teardown still runs after an abort")
	assert.Equal(t, 1, fin.calls, "finalize still runs after an abort")
	assert.Equal(t, "error", fin.markers[0])
}

func TestOrchestrator_FinalizeFailureDoesNotRewriteOutcome(t *testing.T) {
	sup := &fakeSupervisor{}
	runner := &fakeRunner{}
	fin := &fakeFinalizer{err: errors.New("connection refused")}
	o := newTestOrchestrator(pipelineConfig(phases("unit")...), sup, runner, fin)

	run, err := o.Execute(context.Background())
	require.Error(t, err)

	assert.Equal(t, StatusSuccess, run.OverallStatus, "reporting trouble is not a test outcome")
	assert.Equal(t, StateAborted, o.State())
	assert.False(t, run.Finalized)
	assert.Equal(t, 3, run.ExitCode(), "distinct exit code for finalization failure")
}

func TestOrchestrator_FinalizeFailureAfterPartialFailureKeepsTestExitCode(t *testing.T) {
	sup := &fakeSupervisor{}
	runner := &fakeRunner{failing: map[string]bool{"unit": true}}
	fin := &fakeFinalizer{err: errors.New("connection refused")}
	o := newTestOrchestrator(pipelineConfig(phases("unit", "lint")...), sup, runner, fin)

	run, err := o.Execute(context.Background())
	require.Error(t, err)

	// The test failure is the actionable signal; the reporting failure
	// rides along on the run instead of claiming the exit code.
	assert.Equal(t, StatusPartialFailure, run.OverallStatus)
	assert.Equal(t, 1, run.ExitCode())
	assert.False(t, run.Finalized)
	assert.Error(t, run.FinalizeErr)
}

func TestOrchestrator_ReportingDisabled(t *testing.T) {
	sup := &fakeSupervisor{}
	runner := &fakeRunner{}
	o := newTestOrchestrator(pipelineConfig(phases("unit")...), sup, runner, nil)

	run, err := o.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, run.OverallStatus)
	assert.Equal(t, 0, run.ExitCode())
}

func TestOrchestrator_SingleUse(t *testing.T) {
	o := newTestOrchestrator(pipelineConfig(phases("unit")...), &fakeSupervisor{}, &fakeRunner{}, nil)

	_, err := o.Execute(context.Background())
	require.NoError(t, err)

	_, err = o.Execute(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already ran")
}

func TestOrchestrator_PersistsRunHistory(t *testing.T) {
	history, err := store.Open(t.TempDir())
	require.NoError(t, err)
	defer history.Close()

	sup := &fakeSupervisor{}
	runner := &fakeRunner{failing: map[string]bool{"integration": true}}
	o := NewOrchestrator(pipelineConfig(phases("unit", "integration", "lint")...), sup, runner, nil, history)
	o.resolve = fixedIdentity

	run, err := o.Execute(context.Background())
	require.NoError(t, err)

	runs, err := history.RecentRuns(1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID.String(), runs[0].ID)
	assert.Equal(t, "42-abc1234", runs[0].Build)
	assert.Equal(t, string(StatusPartialFailure), runs[0].Status)

	results, err := history.PhaseResults(run.ID.String())
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "failure", results[1].Status)
	assert.Contains(t, results[1].Error, "exit status 1")
}
