package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadFromYAML(t *testing.T, content string) (*Config, error) {
	t.Helper()

	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "testfleet.yaml")
	err := os.WriteFile(configFile, []byte(content), 0o644)
	require.NoError(t, err)

	viper.Reset()
	viper.SetConfigFile(configFile)
	require.NoError(t, viper.ReadInConfig())

	return Load()
}

func TestConfig_Load_Defaults(t *testing.T) {
	cfg, err := loadFromYAML(t, "harness:\n  work_dir: .\n")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Empty config falls back to the built-in registry and phases.
	assert.Len(t, cfg.Services, 5)
	assert.Len(t, cfg.Phases, 4)
	assert.Equal(t, 30*time.Second, cfg.Harness.GraceTimeout)
	assert.True(t, cfg.Reporting.Enabled)
	assert.Equal(t, "TESTFLEET_REPO_TOKEN", cfg.Reporting.TokenEnv)

	names := make(map[string]bool)
	for _, svc := range cfg.Services {
		names[svc.Name] = true
	}
	for _, expected := range []string{"orientdb", "postgres", "mysql", "mssql", "mariadb"} {
		assert.True(t, names[expected], "missing default service %s", expected)
	}
}

func TestConfig_Load_CustomServices(t *testing.T) {
	cfg, err := loadFromYAML(t, `
services:
  - name: redis
    image: redis:7
    ports:
      - host: 6379
        container: 6379
phases:
  - name: unit
    commands: ["true"]
`)
	require.NoError(t, err)
	require.Len(t, cfg.Services, 1)

	svc := cfg.Services[0]
	assert.Equal(t, "redis", svc.Name)
	// Defaults applied per service.
	assert.Equal(t, "never", svc.Restart)
	assert.Equal(t, "127.0.0.1", svc.Ports[0].Bind)
	assert.Equal(t, "tcp", svc.Probe.Type)
	assert.Equal(t, 6379, svc.Probe.Port)
	assert.Equal(t, 2*time.Second, svc.Probe.Interval)
	assert.Equal(t, 30, svc.Probe.Retries)
}

func TestConfig_Load_EnvExpansion(t *testing.T) {
	t.Setenv("PG_TEST_PASSWORD", "hunter2")

	cfg, err := loadFromYAML(t, `
services:
  - name: postgres
    image: postgres:10.5
    ports:
      - host: 5432
        container: 5432
    env:
      POSTGRES_PASSWORD: ${PG_TEST_PASSWORD}
phases:
  - name: unit
    commands: ["true"]
`)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", cfg.Services[0].Env["POSTGRES_PASSWORD"])
}

func TestConfig_Validate_DuplicateServiceName(t *testing.T) {
	_, err := loadFromYAML(t, `
services:
  - name: postgres
    image: postgres:10.5
    ports: [{host: 5432, container: 5432}]
  - name: postgres
    image: postgres:11
    ports: [{host: 5433, container: 5432}]
`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate service name")
}

func TestConfig_Validate_PortCollision(t *testing.T) {
	_, err := loadFromYAML(t, `
services:
  - name: mysql
    image: mysql:5.7
    ports: [{host: 3306, container: 3306}]
  - name: mariadb
    image: mariadb:10.3
    ports: [{host: 3306, container: 3306}]
`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "both bind")
}

func TestConfig_Validate_PortCollision_DifferentBindOK(t *testing.T) {
	cfg, err := loadFromYAML(t, `
services:
  - name: mysql
    image: mysql:5.7
    ports: [{host: 3306, container: 3306, bind: 127.0.0.1}]
  - name: mariadb
    image: mariadb:10.3
    ports: [{host: 3306, container: 3306, bind: 127.0.0.2}]
phases:
  - name: unit
    commands: ["true"]
`)
	require.NoError(t, err)
	assert.Len(t, cfg.Services, 2)
}

func TestConfig_Validate_PhaseRules(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "phase without commands",
			yaml:    "phases:\n  - name: unit\n",
			wantErr: "no commands",
		},
		{
			name:    "duplicate phase",
			yaml:    "phases:\n  - name: unit\n    commands: [\"true\"]\n  - name: unit\n    commands: [\"true\"]\n",
			wantErr: "duplicate phase name",
		},
		{
			name:    "coverage without path",
			yaml:    "phases:\n  - name: unit\n    commands: [\"true\"]\n    coverage: true\n",
			wantErr: "coverage_path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadFromYAML(t, tt.yaml)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_Validate_RestartPolicy(t *testing.T) {
	_, err := loadFromYAML(t, `
services:
  - name: postgres
    image: postgres:10.5
    ports: [{host: 5432, container: 5432}]
    restart: sometimes
`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "restart")
}

func TestConfig_Validate_ReportingEndpoint(t *testing.T) {
	_, err := loadFromYAML(t, "reporting:\n  endpoint: not-a-url\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reporting.endpoint")
}

func TestConfig_Service_Lookup(t *testing.T) {
	cfg, err := loadFromYAML(t, "harness: {}\n")
	require.NoError(t, err)

	svc, ok := cfg.Service("orientdb")
	require.True(t, ok)
	assert.Equal(t, "orientdb:2.2.37", svc.Image)

	_, ok = cfg.Service("nonexistent")
	assert.False(t, ok)
}
