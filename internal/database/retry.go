package database

import (
	"context"
	"errors"
	"strings"
	"time"

	"gigchat/internal/constants"
	"gigchat/internal/retry"

	"github.com/mattn/go-sqlite3"
)

var writeRetry = retry.New(retry.Config{
	InitialDelay: 50 * time.Millisecond,
	MaxDelay:     time.Second,
	Multiplier:   2,
	MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
	Jitter:       0.2,
})

// withRetry runs a write, retrying only contention and transient I/O.
func withRetry(ctx context.Context, op func(ctx context.Context) error) error {
	return writeRetry.Do(ctx, func(ctx context.Context, _ int) error {
		err := op(ctx)
		if err == nil || isRetryableDBError(err) {
			return err
		}
		return retry.Permanent(err)
	}, nil)
}

// transientMessages covers drivers that flatten errors into strings.
var transientMessages = []string{
	"database is locked",
	"database table is locked",
	"disk I/O error",
}

func isRetryableDBError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr:
			return true
		}
		return false
	}

	msg := err.Error()
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
