package storage

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrRunExists is returned when starting a run whose id is already taken.
	ErrRunExists = errors.New("storage: run already exists")

	// ErrRunFinished is returned when finishing a run that is already terminal.
	ErrRunFinished = errors.New("storage: run already finished")

	// ErrNothingToRevert is returned when every field an audit row changed
	// has since been changed again, or the row changed nothing.
	ErrNothingToRevert = errors.New("storage: nothing to revert")

	// ErrAgentLimitExceeded is returned when registering a new agent would
	// exceed the workspace's agent ceiling.
	ErrAgentLimitExceeded = errors.New("storage: agent limit exceeded")

	// ErrAlertRuleLimitExceeded is returned when a workspace is at its rule ceiling.
	ErrAlertRuleLimitExceeded = errors.New("storage: alert rule limit exceeded")

	// ErrAPIKeyLimitExceeded is returned when a workspace is at its key ceiling.
	ErrAPIKeyLimitExceeded = errors.New("storage: api key limit exceeded")
)

// isUniqueViolation reports whether err is a Postgres unique_violation,
// optionally restricted to one constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
