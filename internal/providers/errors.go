package providers

import (
	"errors"
	"fmt"
)

// Error kinds reported by provider adapters
var (
	ErrRateLimited   = errors.New("rate limited")
	ErrAuthExpired   = errors.New("authentication expired")
	ErrUnavailable   = errors.New("remote unavailable")
	ErrInvalidCursor = errors.New("invalid cursor")
	ErrNotFound      = errors.New("not found")
)

// Error is a classified provider failure
type Error struct {
	Provider ProviderName
	Kind     error
	Op       string
	Err      error
}

// NewError classifies err as kind
func NewError(provider ProviderName, kind error, op string, err error) *Error {
	return &Error{Provider: provider, Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Kind)
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Provider, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Retryable reports whether err is transient (throttling or unavailability)
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable)
}

// KindOf returns the error kind sentinel, or nil when err is unclassified
func KindOf(err error) error {
	for _, kind := range []error{ErrAuthExpired, ErrInvalidCursor, ErrNotFound, ErrRateLimited, ErrUnavailable} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
