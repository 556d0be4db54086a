package sync

import (
	"context"
	"errors"

	"github.com/Martian-dev/mailmirror/internal/providers"
	"github.com/Martian-dev/mailmirror/internal/store"
)

var (
	ErrAlreadyRunning  = errors.New("a sync job is already active for this account")
	ErrNotFound        = errors.New("not found")
	ErrNothingToResume = errors.New("no cancelled or failed job with a cursor to resume")
	ErrAuthExpired     = errors.New("account authorization expired, reconnect required")
	ErrShuttingDown    = errors.New("sync manager is shutting down")
	ErrCancelled       = errors.New("sync cancelled")
)

// Code returns the stable error code reported to clients
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAlreadyRunning), errors.Is(err, store.ErrActiveJob):
		return "already_running"
	case errors.Is(err, ErrAuthExpired), errors.Is(err, providers.ErrAuthExpired):
		return "auth_expired"
	case errors.Is(err, providers.ErrInvalidCursor):
		return "invalid_cursor"
	case errors.Is(err, providers.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, providers.ErrUnavailable), errors.Is(err, ErrShuttingDown):
		return "remote_unavailable"
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNothingToResume), errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return "cancelled"
	}
	return "internal"
}
