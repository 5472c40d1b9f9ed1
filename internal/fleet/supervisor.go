package fleet

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog/log"

	"github.com/testfleet/testfleet/internal/config"
	"github.com/testfleet/testfleet/internal/metrics"
	"github.com/testfleet/testfleet/pkg/runtime"
)

// InstanceState tracks where an instance is in its lifecycle.
type InstanceState string

const (
	StateStarting InstanceState = "starting"
	StateReady    InstanceState = "ready"
	StateFailed   InstanceState = "failed"
	StateStopped  InstanceState = "stopped"
)

// Instance is the runtime handle for one provisioned backend. It is
// owned by the Supervisor that created it and does not outlive the run.
type Instance struct {
	Spec        config.ServiceSpec
	ContainerID string

	mu    sync.Mutex
	state InstanceState
}

func (i *Instance) State() InstanceState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

func (i *Instance) setState(s InstanceState) {
	i.mu.Lock()
	i.state = s
	i.mu.Unlock()
}

// minEngineVersion is the oldest Docker engine the harness is tested
// against. Older engines mostly work but get a warning.
var minEngineVersion = semver.MustParse("20.10.0")

// Supervisor owns the lifecycle of the backend fleet for one run.
type Supervisor struct {
	runtime runtime.Runtime
	grace   time.Duration
	probe   func(ctx context.Context, spec config.ServiceSpec) error
}

// NewSupervisor connects to the Docker engine and verifies it responds.
func NewSupervisor(ctx context.Context, cfg *config.Config) (*Supervisor, error) {
	rt, err := NewDockerRuntime()
	if err != nil {
		return nil, fmt.Errorf("failed to create container runtime: %w", err)
	}

	if err := rt.Ping(ctx); err != nil {
		return nil, fmt.Errorf("container runtime not available: %w", err)
	}

	version, err := rt.Version(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Could not get engine version")
	} else {
		log.Info().Str("version", version).Msg("Container engine connected")
		if v, err := semver.NewVersion(version); err == nil && v.LessThan(minEngineVersion) {
			log.Warn().
				Str("version", version).
				Str("minimum", minEngineVersion.String()).
				Msg("Container engine older than minimum supported version")
		}
	}

	return &Supervisor{
		runtime: rt,
		grace:   cfg.Harness.GraceTimeout,
		probe:   waitReady,
	}, nil
}

// NewSupervisorWithRuntime creates a supervisor with an injected runtime
// for testing.
func NewSupervisorWithRuntime(cfg *config.Config, rt runtime.Runtime) *Supervisor {
	return &Supervisor{
		runtime: rt,
		grace:   cfg.Harness.GraceTimeout,
		probe:   waitReady,
	}
}

// Start brings up every spec concurrently and blocks until all of them
// are Ready. If any instance fails its probe or cannot start, every
// instance the call already started is stopped before the error
// propagates; a partial fleet is never left running.
func (s *Supervisor) Start(ctx context.Context, specs []config.ServiceSpec) (map[string]*Instance, error) {
	instances := make(map[string]*Instance, len(specs))
	errs := make([]error, len(specs))

	var mu sync.Mutex
	var wg sync.WaitGroup

	for i, spec := range specs {
		wg.Add(1)
		go func(idx int, spec config.ServiceSpec) {
			defer wg.Done()

			inst, err := s.launch(ctx, spec)
			if inst != nil {
				mu.Lock()
				instances[spec.Name] = inst
				mu.Unlock()
			}
			if err != nil {
				errs[idx] = err
			}
		}(i, spec)
	}
	wg.Wait()

	// First failure in declaration order wins, for deterministic errors.
	for i, err := range errs {
		if err == nil {
			continue
		}
		metrics.ServicesFailed.WithLabelValues(specs[i].Name).Inc()
		log.Error().Err(err).Str("service", specs[i].Name).Msg("Provisioning failed, rolling back fleet")

		if stopErr := s.Stop(context.WithoutCancel(ctx), instances); stopErr != nil {
			log.Warn().Err(stopErr).Msg("Rollback left errors behind")
		}
		return nil, &ProvisionError{Service: specs[i].Name, Cause: err}
	}

	log.Info().Int("count", len(instances)).Msg("Fleet ready")
	return instances, nil
}

// launch starts one instance and waits for its readiness probe.
func (s *Supervisor) launch(ctx context.Context, spec config.ServiceSpec) (*Instance, error) {
	if err := s.ensureImage(ctx, spec.Image); err != nil {
		return nil, err
	}

	policy := runtime.RestartNever
	if spec.Restart == "always" {
		policy = runtime.RestartAlways
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	ports := make([]runtime.PortBinding, 0, len(spec.Ports))
	for _, p := range spec.Ports {
		ports = append(ports, runtime.PortBinding{
			HostPort:      p.Host,
			ContainerPort: p.Container,
			BindAddress:   p.Bind,
		})
	}

	container, err := s.runtime.CreateContainer(ctx, &runtime.ContainerConfig{
		Image:         spec.Image,
		Name:          fmt.Sprintf("testfleet-%s", spec.Name),
		Env:           env,
		Ports:         ports,
		Labels:        managedLabels(spec.Name),
		Cmd:           spec.Command,
		RestartPolicy: policy,
	})
	if err != nil {
		return nil, fmt.Errorf("create: %w", err)
	}

	inst := &Instance{
		Spec:        spec,
		ContainerID: container.ID,
		state:       StateStarting,
	}

	if err := s.runtime.StartContainer(ctx, container.ID); err != nil {
		inst.setState(StateFailed)
		return inst, fmt.Errorf("start: %w", err)
	}

	if err := s.probe(ctx, spec); err != nil {
		inst.setState(StateFailed)
		return inst, fmt.Errorf("readiness: %w", err)
	}

	inst.setState(StateReady)
	metrics.ServicesProvisioned.WithLabelValues(spec.Name).Inc()
	log.Info().Str("service", spec.Name).Str("container", container.ID).Msg("Service ready")
	return inst, nil
}

// Stop tears down every instance concurrently, regardless of its state.
// Stopping an already-stopped instance is a no-op, so calling Stop twice
// is safe. Containers are force-removed after the grace timeout.
func (s *Supervisor) Stop(ctx context.Context, instances map[string]*Instance) error {
	if len(instances) == 0 {
		return nil
	}

	errs := make(chan error, len(instances))
	var wg sync.WaitGroup

	for name, inst := range instances {
		wg.Add(1)
		go func(name string, inst *Instance) {
			defer wg.Done()

			if inst.State() == StateStopped {
				return
			}

			stopCtx, cancel := context.WithTimeout(ctx, s.grace)
			defer cancel()

			if err := s.runtime.StopContainer(stopCtx, inst.ContainerID); err != nil {
				log.Warn().Err(err).Str("service", name).Msg("Graceful stop failed, forcing removal")
			}
			if err := s.runtime.RemoveContainer(ctx, inst.ContainerID, true); err != nil {
				errs <- fmt.Errorf("failed to remove %s: %w", name, err)
				return
			}

			inst.setState(StateStopped)
			log.Info().Str("service", name).Str("container", inst.ContainerID).Msg("Service stopped")
		}(name, inst)
	}
	wg.Wait()
	close(errs)

	var combined error
	for err := range errs {
		if combined == nil {
			combined = err
		} else {
			combined = fmt.Errorf("%v; %w", combined, err)
		}
	}
	return combined
}

// CheckFleet inspects every instance's container and returns the names
// of services whose container is no longer running, sorted for
// deterministic output. A service can pass its readiness probe and die
// moments later; this catches that before anything depends on it.
func (s *Supervisor) CheckFleet(ctx context.Context, instances map[string]*Instance) ([]string, error) {
	var down []string
	for name, inst := range instances {
		running, err := s.runtime.IsContainerRunning(ctx, inst.ContainerID)
		if err != nil {
			return nil, fmt.Errorf("failed to check %s: %w", name, err)
		}
		if !running {
			down = append(down, name)
		}
	}
	sort.Strings(down)
	return down, nil
}

// ServiceLogs streams the container logs of one managed service.
func (s *Supervisor) ServiceLogs(ctx context.Context, service string, follow bool) (io.ReadCloser, error) {
	managed, err := s.FindManaged(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range managed {
		if c.Labels["testfleet.service"] == service {
			return s.runtime.GetContainerLogs(ctx, c.ID, follow)
		}
	}
	return nil, fmt.Errorf("no managed container for service %q", service)
}

// FindManaged returns containers labeled as belonging to the harness,
// including stopped ones. Used by `testfleet down` to clean up leaks
// from interrupted runs.
func (s *Supervisor) FindManaged(ctx context.Context) ([]*runtime.Container, error) {
	all, err := s.runtime.ListContainers(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var managed []*runtime.Container
	for _, c := range all {
		if c.Labels != nil && c.Labels["testfleet.managed"] == "true" {
			managed = append(managed, c)
		}
	}
	return managed, nil
}

// RemoveManaged force-removes the given managed containers.
func (s *Supervisor) RemoveManaged(ctx context.Context, containers []*runtime.Container) error {
	var combined error
	for _, c := range containers {
		if err := s.runtime.StopContainer(ctx, c.ID); err != nil {
			log.Warn().Err(err).Str("container", c.ID).Msg("Failed to stop managed container")
		}
		if err := s.runtime.RemoveContainer(ctx, c.ID, true); err != nil {
			if combined == nil {
				combined = err
			} else {
				combined = fmt.Errorf("%v; %w", combined, err)
			}
		}
	}
	return combined
}

func (s *Supervisor) ensureImage(ctx context.Context, imageRef string) error {
	local, err := s.runtime.ListImages(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list local images, will attempt pull")
	} else {
		for _, img := range local {
			if img == imageRef {
				log.Debug().Str("image", imageRef).Msg("Image found locally, skipping pull")
				return nil
			}
		}
	}

	if err := s.runtime.PullImage(ctx, imageRef); err != nil {
		return fmt.Errorf("pull %s: %w", imageRef, err)
	}
	return nil
}

func managedLabels(service string) map[string]string {
	return map[string]string{
		"testfleet.managed": "true",
		"testfleet.service": service,
	}
}
