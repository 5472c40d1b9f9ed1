package fleet

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/testfleet/testfleet/internal/config"
)

const probeDialTimeout = 3 * time.Second

// waitReady polls the service's readiness probe until it succeeds or the
// retry budget is exhausted. Different backends get different budgets: a
// key-value engine answers in seconds, a relational engine running
// schema initialization can take a minute.
func waitReady(ctx context.Context, spec config.ServiceSpec) error {
	addr := probeAddr(spec)

	var lastErr error
	for attempt := 1; attempt <= spec.Probe.Retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = probeOnce(spec.Probe, addr)
		if lastErr == nil {
			log.Debug().
				Str("service", spec.Name).
				Str("addr", addr).
				Int("attempt", attempt).
				Msg("Readiness probe succeeded")
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(spec.Probe.Interval):
		}
	}

	return fmt.Errorf("not ready after %d probes of %s: %w", spec.Probe.Retries, addr, lastErr)
}

func probeOnce(probe config.ProbeConfig, addr string) error {
	switch probe.Type {
	case "http":
		client := &http.Client{Timeout: probeDialTimeout}
		resp, err := client.Get("http://" + addr + probe.Path)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("probe returned status %d", resp.StatusCode)
		}
		return nil
	default: // tcp
		conn, err := net.DialTimeout("tcp", addr, probeDialTimeout)
		if err != nil {
			return err
		}
		conn.Close()
		return nil
	}
}

// probeAddr resolves the host address the probe should dial: the bind
// address of the port mapping the probe targets, or loopback.
func probeAddr(spec config.ServiceSpec) string {
	host := "127.0.0.1"
	for _, p := range spec.Ports {
		if p.Host == spec.Probe.Port && p.Bind != "" {
			host = p.Bind
			break
		}
	}
	return fmt.Sprintf("%s:%d", host, spec.Probe.Port)
}
