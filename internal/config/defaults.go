package config

import "time"

// DefaultServices is the built-in backend registry: a graph store, three
// relational engines with different default ports and credential
// strictness, and one open-source relational fork. Host ports for the
// fork are offset so it can run next to its upstream.
func DefaultServices() []ServiceSpec {
	return []ServiceSpec{
		{
			Name:  "orientdb",
			Image: "orientdb:2.2.37",
			Ports: []PortMapping{
				{Host: 2424, Container: 2424},
				{Host: 2480, Container: 2480},
			},
			Env: map[string]string{
				"ORIENTDB_ROOT_PASSWORD": "root",
			},
			Probe: ProbeConfig{Type: "tcp", Port: 2424, Interval: 2 * time.Second, Retries: 45},
		},
		{
			Name:  "postgres",
			Image: "postgres:10.5",
			Ports: []PortMapping{
				{Host: 5432, Container: 5432},
			},
			Env: map[string]string{
				"POSTGRES_PASSWORD": "root",
			},
			Probe: ProbeConfig{Type: "tcp", Port: 5432, Interval: 2 * time.Second, Retries: 30},
		},
		{
			Name:  "mysql",
			Image: "mysql:5.7",
			Ports: []PortMapping{
				{Host: 3306, Container: 3306},
			},
			Env: map[string]string{
				"MYSQL_ROOT_PASSWORD": "root",
			},
			Probe: ProbeConfig{Type: "tcp", Port: 3306, Interval: 2 * time.Second, Retries: 45},
		},
		{
			// MSSQL refuses to start without an accepted EULA and a
			// password that passes its complexity policy.
			Name:  "mssql",
			Image: "mcr.microsoft.com/mssql/server:2017-latest",
			Ports: []PortMapping{
				{Host: 1433, Container: 1433},
			},
			Env: map[string]string{
				"ACCEPT_EULA": "Y",
				"SA_PASSWORD": "Root-secure1",
			},
			Probe: ProbeConfig{Type: "tcp", Port: 1433, Interval: 2 * time.Second, Retries: 60},
		},
		{
			Name:  "mariadb",
			Image: "mariadb:10.3",
			Ports: []PortMapping{
				{Host: 3307, Container: 3306},
			},
			Env: map[string]string{
				"MYSQL_ROOT_PASSWORD": "root",
			},
			Probe: ProbeConfig{Type: "tcp", Port: 3307, Interval: 2 * time.Second, Retries: 45},
		},
	}
}

// DefaultPhases mirrors the compiler suite's standard pipeline: unit and
// integration test passes, snapshot comparison, then lint. Lint is kept
// last but still runs when earlier phases fail; the signals are
// independent.
func DefaultPhases() []PhaseSpec {
	return []PhaseSpec{
		{
			Name:         "unit",
			Commands:     []string{`pytest --cov=graphql_compiler -m 'not slow'`},
			Filter:       "not integration",
			Coverage:     true,
			CoveragePath: ".coverage",
		},
		{
			Name:     "integration",
			Commands: []string{`pytest --cov=graphql_compiler --cov-append tests/integration`},
			Filter:   "integration",
		},
		{
			Name:     "snapshot",
			Commands: []string{`pytest tests/snapshot_tests`},
		},
		{
			Name: "lint",
			Commands: []string{
				`pylint --rcfile=.pylintrc -j 4 graphql_compiler`,
				`flake8 graphql_compiler`,
			},
		},
	}
}
