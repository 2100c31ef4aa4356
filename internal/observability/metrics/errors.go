package metrics

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const (
	FetchOutcomeFound            = "found"
	FetchOutcomeNotFound         = "not_found"
	FetchOutcomeDeadlineExceeded = "deadline_exceeded"
	FetchOutcomeDBUnavailable    = "db_unavailable"
	FetchOutcomeDBLockTimeout    = "db_lock_timeout"
	FetchOutcomeDBError          = "db_error"
	FetchOutcomeUnknown          = "unknown"
)

// ClassifyFetchError maps a primary store error to a low-cardinality outcome.
func ClassifyFetchError(err error) string {
	switch {
	case err == nil:
		return FetchOutcomeFound
	case errors.Is(err, gorm.ErrRecordNotFound):
		return FetchOutcomeNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return FetchOutcomeDeadlineExceeded
	case hasPGCode(err, "55P03"):
		return FetchOutcomeDBLockTimeout
	case hasPGClass(err, "08"), hasPGClass(err, "57"):
		return FetchOutcomeDBUnavailable
	case isDBError(err):
		return FetchOutcomeDBError
	default:
		return FetchOutcomeUnknown
	}
}

// IsRetryableFetchError reports whether the read is worth retrying later.
func IsRetryableFetchError(err error) bool {
	switch ClassifyFetchError(err) {
	case FetchOutcomeDeadlineExceeded, FetchOutcomeDBUnavailable, FetchOutcomeDBLockTimeout:
		return true
	default:
		return false
	}
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func hasPGClass(err error, class string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return len(pgErr.Code) >= 2 && pgErr.Code[:2] == class
	}
	return false
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrInvalidField) ||
		errors.Is(err, gorm.ErrInvalidData) ||
		errors.Is(err, gorm.ErrUnsupportedDriver) ||
		errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return true
	}
	var connErr *pgconn.ConnectError
	return errors.As(err, &connErr)
}
