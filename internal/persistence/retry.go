package persistence

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
)

const (
	busyBaseDelay = 50 * time.Millisecond
	busyMaxDelay  = 500 * time.Millisecond
)

// retryOnBusy runs f again while SQLite reports BUSY or LOCKED, backing off
// exponentially with ±25% jitter. Five retries add about 3s on top of the
// driver's own 5s busy_timeout. Any other error returns at once.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	for attempt := 0; ; attempt++ {
		err := f()
		if err == nil || !isSQLiteBusy(err) || attempt >= maxRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(busyDelay(attempt)):
		}
	}
}

func busyDelay(attempt int) time.Duration {
	d := min(busyBaseDelay<<uint(attempt), busyMaxDelay)
	return d - d/4 + time.Duration(rand.IntN(int(d/2)))
}

// isSQLiteBusy matches SQLITE_BUSY (5) and SQLITE_LOCKED (6), typed or by
// the driver's own message when the error was flattened to text.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		return sqErr.Code == sqlite3.ErrBusy || sqErr.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	for _, marker := range []string{"database is locked", "database table is locked"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// isUniqueViolation reports a UNIQUE constraint failure, which on
// agent_responses means the agent already has an in-progress row.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		return sqErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
