package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"silvenger/internal/constants"
	apperrors "silvenger/internal/errors"
	"silvenger/internal/models"
	"silvenger/internal/retry"

	"github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

var dbBackoff = retry.NewBackoff(retry.BackoffConfig{
	InitialDelay: 50 * time.Millisecond,
	MaxDelay:     time.Duration(constants.DefaultRetryBackoffMs) * time.Millisecond,
	Multiplier:   2,
	MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
	Jitter:       true,
})

// OpenWithRetry opens the database at dbPath, backing off between attempts
// as the retry section of the configuration describes. A path that fails
// validation is reported at once.
func OpenWithRetry(ctx context.Context, dbPath string, rc models.RetryConfig, logger *logrus.Logger) (*Database, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}

	backoff := retry.NewBackoff(retry.ConfigFromModel(rc))
	attempts := 0
	var db *Database
	err := backoff.RetryWithPredicate(ctx, func() error {
		attempts++
		var openErr error
		db, openErr = New(ctx, dbPath)
		if openErr != nil {
			logger.WithError(openErr).WithField("attempt", attempts).Warn("Failed to open database")
		}
		return openErr
	}, func(err error) bool {
		return !apperrors.HasCode(err, apperrors.ErrCodeValidationFailed)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s after %d attempts: %w", dbPath, attempts, err)
	}
	return db, nil
}

// retryableDBOperationNoReturn runs operation, retrying while sqlite reports the file busy or locked
func retryableDBOperationNoReturn(ctx context.Context, operation func() error, operationName string) error {
	attempts := 0
	err := dbBackoff.RetryWithPredicate(ctx, func() error {
		attempts++
		return operation()
	}, isRetryableDBError)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if !isRetryableDBError(err) {
		return fmt.Errorf("%s failed (non-retryable): %w", operationName, err)
	}
	return fmt.Errorf("%s failed after %d attempts: %w", operationName, attempts, err)
}

// retryableDBOperation is retryableDBOperationNoReturn for operations that produce a value
func retryableDBOperation[T any](ctx context.Context, operation func() (T, error), operationName string) (T, error) {
	var result T
	err := retryableDBOperationNoReturn(ctx, func() error {
		var opErr error
		result, opErr = operation()
		return opErr
	}, operationName)
	return result, err
}

// isRetryableDBError determines if a database error is worth retrying
func isRetryableDBError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr:
			return true
		default:
			return false
		}
	}

	errStr := err.Error()
	return strings.Contains(errStr, "database is locked") || strings.Contains(errStr, "disk I/O error")
}
