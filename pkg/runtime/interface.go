package runtime

import (
	"context"
	"io"
)

// RestartPolicy controls what the engine does when a container exits.
type RestartPolicy string

const (
	RestartNever  RestartPolicy = "no"
	RestartAlways RestartPolicy = "always"
)

// PortBinding maps a container port to an explicit address on the host.
type PortBinding struct {
	HostPort      int
	ContainerPort int
	BindAddress   string
}

// Container represents a container known to the runtime.
type Container struct {
	ID     string
	Image  string
	Name   string
	Status string
	Ports  []int
	Labels map[string]string
}

// ContainerConfig holds everything needed to create a container.
type ContainerConfig struct {
	Image         string
	Name          string
	Env           []string
	Ports         []PortBinding
	Labels        map[string]string
	Cmd           []string
	RestartPolicy RestartPolicy
}

// Runtime is the contract a container engine must satisfy for the
// fleet supervisor. The Docker implementation lives in internal/fleet.
type Runtime interface {
	// Container lifecycle
	CreateContainer(ctx context.Context, config *ContainerConfig) (*Container, error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string) error
	RemoveContainer(ctx context.Context, containerID string, force bool) error

	// Container inspection
	ListContainers(ctx context.Context, all bool) ([]*Container, error)
	InspectContainer(ctx context.Context, containerID string) (*Container, error)
	GetContainerLogs(ctx context.Context, containerID string, follow bool) (io.ReadCloser, error)

	// Image operations
	PullImage(ctx context.Context, image string) error
	ListImages(ctx context.Context) ([]string, error)

	// Runtime information
	Ping(ctx context.Context) error
	Version(ctx context.Context) (string, error)

	// Health and status
	IsContainerRunning(ctx context.Context, containerID string) (bool, error)
}
