package pg

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrFailedToOpenDBConnection = errors.New("failed to open db connection")
	ErrEmptyConnectionString    = errors.New("empty postgres connection string, use PG_CONN_URL env var")
	ErrHealthcheckFailed        = errors.New("healthcheck failed, connection is not available")
	ErrFailedToParseDBConfig    = errors.New("failed to parse db config")
	ErrFailedToApplyMigrations  = errors.New("failed to apply migrations")
	ErrMigrationsNotProvided    = errors.New("migrations filesystem not provided")
	ErrFailedToBeginTx          = errors.New("failed to begin transaction")
	ErrFailedToCommitTx         = errors.New("failed to commit transaction")
)

// IsNotFoundError reports whether err wraps pgx.ErrNoRows.
func IsNotFoundError(err error) bool {
	return err != nil && errors.Is(err, pgx.ErrNoRows)
}

// IsDuplicateKeyError reports a unique constraint violation (SQLSTATE 23505).
func IsDuplicateKeyError(err error) bool {
	return hasCode(err, "23505")
}

// IsForeignKeyViolationError reports a referential integrity violation (SQLSTATE 23503).
func IsForeignKeyViolationError(err error) bool {
	return hasCode(err, "23503")
}

// IsSerializationError reports a serialization failure (SQLSTATE 40001); the operation may be retried.
func IsSerializationError(err error) bool {
	return hasCode(err, "40001")
}

func hasCode(err error, code string) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
