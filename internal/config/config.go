package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Harness   HarnessConfig   `mapstructure:"harness"`
	Services  []ServiceSpec   `mapstructure:"services"`
	Phases    []PhaseSpec     `mapstructure:"phases"`
	Reporting ReportingConfig `mapstructure:"reporting"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type HarnessConfig struct {
	DataDir      string        `mapstructure:"data_dir"`
	WorkDir      string        `mapstructure:"work_dir"`
	GraceTimeout time.Duration `mapstructure:"grace_timeout"`
	MetricsAddr  string        `mapstructure:"metrics_addr"`
}

// ServiceSpec describes one backend to provision. Immutable once loaded.
type ServiceSpec struct {
	Name    string            `mapstructure:"name"`
	Image   string            `mapstructure:"image"`
	Ports   []PortMapping     `mapstructure:"ports"`
	Env     map[string]string `mapstructure:"env"`
	Restart string            `mapstructure:"restart"`
	Probe   ProbeConfig       `mapstructure:"probe"`

	// Command overrides the image's default entrypoint arguments.
	Command []string `mapstructure:"command"`
}

type PortMapping struct {
	Host      int    `mapstructure:"host"`
	Container int    `mapstructure:"container"`
	Bind      string `mapstructure:"bind"`
}

// ProbeConfig is the per-service readiness policy. Retries bounds the
// number of probe attempts; some backends need a much longer warm-up
// than others, so both knobs are per service.
type ProbeConfig struct {
	Type     string        `mapstructure:"type"` // "tcp" or "http"
	Port     int           `mapstructure:"port"`
	Path     string        `mapstructure:"path"`
	Interval time.Duration `mapstructure:"interval"`
	Retries  int           `mapstructure:"retries"`
}

// PhaseSpec describes one named stage of test/lint execution.
// Declaration order is execution order.
type PhaseSpec struct {
	Name     string   `mapstructure:"name"`
	Commands []string `mapstructure:"commands"`
	Filter   string   `mapstructure:"filter"`
	Coverage bool     `mapstructure:"coverage"`
	Blocking bool     `mapstructure:"blocking"`

	// CoveragePath is where a coverage phase is expected to leave its
	// artifact, relative to the work dir.
	CoveragePath string `mapstructure:"coverage_path"`
}

type ReportingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
	TokenEnv string `mapstructure:"token_env"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	File    bool   `mapstructure:"file"`
	MaxSize int    `mapstructure:"max_size"` // megabytes, per rotated file
}

// Load reads the harness configuration from viper and validates it.
// Missing services/phases fall back to the built-in registry so the
// harness is usable with an empty config file.
func Load() (*Config, error) {
	viper.SetDefault("harness.data_dir", defaultDataDir())
	viper.SetDefault("harness.work_dir", ".")
	viper.SetDefault("harness.grace_timeout", "30s")
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.max_size", 10)
	viper.SetDefault("reporting.enabled", true)
	viper.SetDefault("reporting.endpoint", "https://coveralls.io/webhook")
	viper.SetDefault("reporting.token_env", "TESTFLEET_REPO_TOKEN")

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if len(cfg.Services) == 0 {
		log.Debug().Msg("No services configured, using built-in registry")
		cfg.Services = DefaultServices()
	}
	if len(cfg.Phases) == 0 {
		log.Debug().Msg("No phases configured, using built-in phase list")
		cfg.Phases = DefaultPhases()
	}

	applyServiceDefaults(cfg.Services)
	expandEnv(cfg.Services)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects bad registries before anything is launched.
func (c *Config) Validate() error {
	names := make(map[string]struct{}, len(c.Services))
	bindings := make(map[string]string)

	for _, svc := range c.Services {
		if svc.Name == "" {
			return fmt.Errorf("service with image %q has no name", svc.Image)
		}
		if svc.Image == "" {
			return fmt.Errorf("service %q has no image", svc.Name)
		}
		if _, dup := names[svc.Name]; dup {
			return fmt.Errorf("duplicate service name %q", svc.Name)
		}
		names[svc.Name] = struct{}{}

		switch svc.Restart {
		case "", "never", "always":
		default:
			return fmt.Errorf("service %q: restart must be \"never\" or \"always\", got %q", svc.Name, svc.Restart)
		}

		switch svc.Probe.Type {
		case "", "tcp", "http":
		default:
			return fmt.Errorf("service %q: probe type must be \"tcp\" or \"http\", got %q", svc.Name, svc.Probe.Type)
		}

		for _, p := range svc.Ports {
			if p.Host <= 0 || p.Container <= 0 {
				return fmt.Errorf("service %q: invalid port mapping %d:%d", svc.Name, p.Host, p.Container)
			}
			key := fmt.Sprintf("%s:%d", p.Bind, p.Host)
			if owner, taken := bindings[key]; taken {
				return fmt.Errorf("services %q and %q both bind %s", owner, svc.Name, key)
			}
			bindings[key] = svc.Name
		}
	}

	phaseNames := make(map[string]struct{}, len(c.Phases))
	for _, ph := range c.Phases {
		if ph.Name == "" {
			return fmt.Errorf("phase with no name")
		}
		if _, dup := phaseNames[ph.Name]; dup {
			return fmt.Errorf("duplicate phase name %q", ph.Name)
		}
		phaseNames[ph.Name] = struct{}{}
		if len(ph.Commands) == 0 {
			return fmt.Errorf("phase %q has no commands", ph.Name)
		}
		if ph.Coverage && ph.CoveragePath == "" {
			return fmt.Errorf("phase %q produces coverage but has no coverage_path", ph.Name)
		}
	}

	if c.Reporting.Enabled {
		if !strings.HasPrefix(c.Reporting.Endpoint, "http://") && !strings.HasPrefix(c.Reporting.Endpoint, "https://") {
			return fmt.Errorf("reporting.endpoint must be an http(s) URL, got %q", c.Reporting.Endpoint)
		}
	}
	return nil
}

// Service returns the spec with the given name, if present.
func (c *Config) Service(name string) (ServiceSpec, bool) {
	for _, svc := range c.Services {
		if svc.Name == name {
			return svc, true
		}
	}
	return ServiceSpec{}, false
}

func applyServiceDefaults(services []ServiceSpec) {
	for i := range services {
		svc := &services[i]
		if svc.Restart == "" {
			svc.Restart = "never"
		}
		for j := range svc.Ports {
			if svc.Ports[j].Bind == "" {
				svc.Ports[j].Bind = "127.0.0.1"
			}
		}
		if svc.Probe.Type == "" {
			svc.Probe.Type = "tcp"
		}
		if svc.Probe.Port == 0 && len(svc.Ports) > 0 {
			svc.Probe.Port = svc.Ports[0].Host
		}
		if svc.Probe.Interval <= 0 {
			svc.Probe.Interval = 2 * time.Second
		}
		if svc.Probe.Retries <= 0 {
			svc.Probe.Retries = 30
		}
	}
}

// expandEnv resolves ${VAR} references in service env values against the
// process environment, so credentials can come from a .env overlay
// instead of being committed in the config file.
func expandEnv(services []ServiceSpec) {
	for i := range services {
		for k, v := range services[i].Env {
			services[i].Env[k] = os.ExpandEnv(v)
		}
	}
}

func defaultDataDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "testfleet")
	}
	return ".testfleet"
}
