package fleet

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/testfleet/testfleet/pkg/runtime"
)

// MockRuntime is an in-memory Runtime for tests. Failure modes are
// keyed by container name so individual services can be made to
// misbehave.
type MockRuntime struct {
	mu         sync.Mutex
	nextID     int
	containers map[string]*runtime.Container // by ID
	running    map[string]bool

	Images      []string
	PulledImage []string

	FailCreate map[string]bool // by container name
	FailStart  map[string]bool
	FailStop   map[string]bool

	StopCalls   []string
	RemoveCalls []string

	Created map[string]*runtime.ContainerConfig // by container name
}

func NewMockRuntime() *MockRuntime {
	return &MockRuntime{
		containers: make(map[string]*runtime.Container),
		running:    make(map[string]bool),
		FailCreate: make(map[string]bool),
		FailStart:  make(map[string]bool),
		FailStop:   make(map[string]bool),
		Created:    make(map[string]*runtime.ContainerConfig),
	}
}

func (m *MockRuntime) CreateContainer(_ context.Context, config *runtime.ContainerConfig) (*runtime.Container, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailCreate[config.Name] {
		return nil, fmt.Errorf("mock: create refused for %s", config.Name)
	}
	m.Created[config.Name] = config

	m.nextID++
	c := &runtime.Container{
		ID:     fmt.Sprintf("mock-%d", m.nextID),
		Image:  config.Image,
		Name:   config.Name,
		Status: "created",
		Labels: config.Labels,
	}
	for _, p := range config.Ports {
		c.Ports = append(c.Ports, p.HostPort)
	}
	m.containers[c.ID] = c
	return c, nil
}

func (m *MockRuntime) StartContainer(_ context.Context, containerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.containers[containerID]
	if !ok {
		return fmt.Errorf("mock: no such container %s", containerID)
	}
	if m.FailStart[c.Name] {
		return fmt.Errorf("mock: start refused for %s", c.Name)
	}
	c.Status = "running"
	m.running[containerID] = true
	return nil
}

func (m *MockRuntime) StopContainer(_ context.Context, containerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.StopCalls = append(m.StopCalls, containerID)
	c, ok := m.containers[containerID]
	if !ok {
		return fmt.Errorf("mock: no such container %s", containerID)
	}
	if m.FailStop[c.Name] {
		return fmt.Errorf("mock: stop refused for %s", c.Name)
	}
	c.Status = "exited"
	m.running[containerID] = false
	return nil
}

func (m *MockRuntime) RemoveContainer(_ context.Context, containerID string, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.RemoveCalls = append(m.RemoveCalls, containerID)
	delete(m.containers, containerID)
	delete(m.running, containerID)
	return nil
}

func (m *MockRuntime) ListContainers(_ context.Context, all bool) ([]*runtime.Container, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*runtime.Container
	for id, c := range m.containers {
		if !all && !m.running[id] {
			continue
		}
		result = append(result, c)
	}
	return result, nil
}

func (m *MockRuntime) InspectContainer(_ context.Context, containerID string) (*runtime.Container, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.containers[containerID]
	if !ok {
		return nil, fmt.Errorf("mock: no such container %s", containerID)
	}
	return c, nil
}

func (m *MockRuntime) GetContainerLogs(_ context.Context, containerID string, _ bool) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("mock logs for " + containerID)), nil
}

func (m *MockRuntime) PullImage(_ context.Context, image string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PulledImage = append(m.PulledImage, image)
	m.Images = append(m.Images, image)
	return nil
}

func (m *MockRuntime) ListImages(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Images...), nil
}

func (m *MockRuntime) Ping(_ context.Context) error { return nil }

func (m *MockRuntime) Version(_ context.Context) (string, error) { return "28.0.0", nil }

func (m *MockRuntime) IsContainerRunning(_ context.Context, containerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running[containerID], nil
}

// RunningCount reports how many mock containers are still running.
func (m *MockRuntime) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, up := range m.running {
		if up {
			count++
		}
	}
	return count
}
