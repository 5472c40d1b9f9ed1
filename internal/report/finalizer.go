package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/testfleet/testfleet/internal/config"
	"github.com/testfleet/testfleet/internal/metrics"
)

// Status markers understood by the reporting endpoint.
const (
	MarkerDone  = "done"
	MarkerError = "error"
)

// FinalizationError is a reporting-infrastructure problem. It never
// rewrites the test outcome it failed to deliver.
type FinalizationError struct {
	Endpoint string
	Cause    error
}

func (e *FinalizationError) Error() string {
	return fmt.Sprintf("failed to finalize build at %s: %v", e.Endpoint, e.Cause)
}

func (e *FinalizationError) Unwrap() error {
	return e.Cause
}

type webhookPayload struct {
	Payload struct {
		BuildNum string `json:"build_num"`
		Status   string `json:"status"`
	} `json:"payload"`
}

// Finalizer posts the aggregated build identifier and terminal status
// to the external reporting endpoint.
type Finalizer struct {
	endpoint string
	token    string
	client   *http.Client
	backoff  time.Duration
}

// NewFinalizer builds a finalizer from config. The secret token is read
// from the configured environment variable and never logged.
func NewFinalizer(cfg *config.Config) (*Finalizer, error) {
	token := os.Getenv(cfg.Reporting.TokenEnv)
	if token == "" {
		return nil, fmt.Errorf("reporting token not set: export %s or disable reporting", cfg.Reporting.TokenEnv)
	}

	return &Finalizer{
		endpoint: cfg.Reporting.Endpoint,
		token:    token,
		client:   &http.Client{Timeout: 30 * time.Second},
		backoff:  5 * time.Second,
	}, nil
}

// NewFinalizerWithClient is the test constructor.
func NewFinalizerWithClient(endpoint, token string, client *http.Client, backoff time.Duration) *Finalizer {
	return &Finalizer{endpoint: endpoint, token: token, client: client, backoff: backoff}
}

// Finalize posts (build, marker) to the endpoint, retrying once on
// transient failure with a fixed backoff. The caller invokes it exactly
// once per run.
func (f *Finalizer) Finalize(ctx context.Context, build string, marker string) error {
	body, err := encodePayload(build, marker)
	if err != nil {
		return &FinalizationError{Endpoint: f.endpoint, Cause: err}
	}

	err = f.post(ctx, body)
	if err == nil {
		metrics.FinalizeAttempts.WithLabelValues("success").Inc()
		log.Info().Str("build", build).Str("status", marker).Msg("Build finalized")
		return nil
	}

	if !isTransient(err) {
		metrics.FinalizeAttempts.WithLabelValues("failure").Inc()
		return &FinalizationError{Endpoint: f.endpoint, Cause: err}
	}

	log.Warn().Err(err).Dur("backoff", f.backoff).Msg("Finalize failed, retrying once")
	select {
	case <-ctx.Done():
		metrics.FinalizeAttempts.WithLabelValues("failure").Inc()
		return &FinalizationError{Endpoint: f.endpoint, Cause: ctx.Err()}
	case <-time.After(f.backoff):
	}

	if err := f.post(ctx, body); err != nil {
		metrics.FinalizeAttempts.WithLabelValues("failure").Inc()
		return &FinalizationError{Endpoint: f.endpoint, Cause: err}
	}

	metrics.FinalizeAttempts.WithLabelValues("success").Inc()
	log.Info().Str("build", build).Str("status", marker).Msg("Build finalized on retry")
	return nil
}

func (f *Finalizer) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint+"?repo_token="+f.token, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &httpStatusError{code: resp.StatusCode}
	}
	return nil
}

type httpStatusError struct {
	code int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("reporting endpoint returned status %d", e.code)
}

// isTransient decides whether a second attempt is worthwhile:
// network-level failures and server-side errors are; a 4xx rejection of
// the payload is not.
func isTransient(err error) bool {
	if statusErr, ok := err.(*httpStatusError); ok {
		return statusErr.code >= 500
	}
	return true
}

func encodePayload(build string, marker string) ([]byte, error) {
	var payload webhookPayload
	payload.Payload.BuildNum = build
	payload.Payload.Status = marker
	return json.Marshal(payload)
}
