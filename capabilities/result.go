package capabilities

import (
	"context"
	"fmt"
	"net/http"
	"sync"
)

// DiscoveryError is a modeled error returned as a first-class result by the
// directory and the global capabilities directory. It is distinct from the
// unmodeled runtime failures carried as plain errors.
type DiscoveryError string

const (
	ErrInvalidGbid                DiscoveryError = "INVALID_GBID"
	ErrUnknownGbid                DiscoveryError = "UNKNOWN_GBID"
	ErrNoEntryForParticipant      DiscoveryError = "NO_ENTRY_FOR_PARTICIPANT"
	ErrNoEntryForSelectedBackends DiscoveryError = "NO_ENTRY_FOR_SELECTED_BACKENDS"
	ErrInternal                   DiscoveryError = "INTERNAL_ERROR"
)

// HTTPStatus maps the error onto the admin API.
func (e DiscoveryError) HTTPStatus() int {
	switch e {
	case ErrInvalidGbid, ErrUnknownGbid:
		return http.StatusBadRequest
	case ErrNoEntryForParticipant, ErrNoEntryForSelectedBackends:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// ParseDiscoveryError converts a wire name back into a DiscoveryError.
func ParseDiscoveryError(s string) (DiscoveryError, bool) {
	switch e := DiscoveryError(s); e {
	case ErrInvalidGbid, ErrUnknownGbid, ErrNoEntryForParticipant, ErrNoEntryForSelectedBackends, ErrInternal:
		return e, true
	}
	return "", false
}

// ModeledError wraps a DiscoveryError as a Go error for callers that want a
// single error value.
type ModeledError struct {
	Code DiscoveryError
}

func (e *ModeledError) Error() string {
	return fmt.Sprintf("discovery error: %s", e.Code)
}

// Result is the outcome of an asynchronous directory operation: exactly one
// of a value, a modeled DiscoveryError or an unmodeled Failure.
type Result[T any] struct {
	Value          T
	DiscoveryError DiscoveryError
	Failure        error
}

// Success returns a successful result.
func Success[T any](v T) Result[T] { return Result[T]{Value: v} }

// Modeled returns a result carrying a modeled error.
func Modeled[T any](e DiscoveryError) Result[T] { return Result[T]{DiscoveryError: e} }

// Failed returns a result carrying an unmodeled failure.
func Failed[T any](err error) Result[T] { return Result[T]{Failure: err} }

// Succeeded reports whether the result carries a value.
func (r Result[T]) Succeeded() bool { return r.DiscoveryError == "" && r.Failure == nil }

// AsError folds both error channels into one error, or nil on success.
func (r Result[T]) AsError() error {
	if r.Failure != nil {
		return r.Failure
	}
	if r.DiscoveryError != "" {
		return &ModeledError{Code: r.DiscoveryError}
	}
	return nil
}

// Callback receives the result of a remote directory call.
type Callback[T any] func(Result[T])

// Future is a single-assignment result handed back by non-blocking directory
// operations.
type Future[T any] struct {
	once   sync.Once
	done   chan struct{}
	result Result[T]
}

// NewFuture returns an unresolved future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a future already resolved with r.
func Resolved[T any](r Result[T]) *Future[T] {
	f := NewFuture[T]()
	f.Resolve(r)
	return f
}

// Resolve completes the future. Only the first call has an effect.
func (f *Future[T]) Resolve(r Result[T]) {
	f.once.Do(func() {
		f.result = r
		close(f.done)
	})
}

// Done is closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Wait blocks until the future is resolved or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (Result[T], error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return Result[T]{}, ctx.Err()
	}
}

// Get waits for the future and folds the result into (value, error).
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	r, err := f.Wait(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	return r.Value, r.AsError()
}

// Callback returns a Callback that resolves the future.
func (f *Future[T]) Callback() Callback[T] {
	return f.Resolve
}
