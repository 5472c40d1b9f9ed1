package buildid

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Identity is the correlation key tying one pipeline run to its
// reported results. Resolved once per run, immutable after.
type Identity struct {
	CommitCount   int
	ShortRevision string
}

// String formats the identity the way the reporting endpoint expects
// its build number.
func (id Identity) String() string {
	return fmt.Sprintf("%d-%s", id.CommitCount, id.ShortRevision)
}

// IdentityError means no correlation key can be formed for this
// checkout. It is fatal and non-retryable: a run without an identity
// cannot be reported.
type IdentityError struct {
	Dir   string
	Cause error
}

func (e *IdentityError) Error() string {
	return fmt.Sprintf("cannot resolve build identity in %s: %v", e.Dir, e.Cause)
}

func (e *IdentityError) Unwrap() error {
	return e.Cause
}

const gitTimeout = 10 * time.Second

// Resolve queries the version-control system in dir for the total
// commit count and the short form of the current revision.
func Resolve(ctx context.Context, dir string) (Identity, error) {
	count, err := gitOutput(ctx, dir, "rev-list", "--count", "HEAD")
	if err != nil {
		return Identity{}, &IdentityError{Dir: dir, Cause: err}
	}

	commitCount, err := strconv.Atoi(count)
	if err != nil {
		return Identity{}, &IdentityError{Dir: dir, Cause: fmt.Errorf("unexpected rev-list output %q: %w", count, err)}
	}
	if commitCount == 0 {
		return Identity{}, &IdentityError{Dir: dir, Cause: fmt.Errorf("checkout has no commit history")}
	}

	rev, err := gitOutput(ctx, dir, "rev-parse", "--short", "HEAD")
	if err != nil {
		return Identity{}, &IdentityError{Dir: dir, Cause: err}
	}

	id := Identity{CommitCount: commitCount, ShortRevision: rev}
	log.Info().Str("build", id.String()).Msg("Build identity resolved")
	return id, nil
}

func gitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("git %s failed: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("failed to run git %s: %w", strings.Join(args, " "), err)
	}

	return strings.TrimSpace(string(output)), nil
}
