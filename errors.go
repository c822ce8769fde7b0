package recallkit

import (
	"context"
	"errors"
	"fmt"

	"github.com/recallkit/recallkit/chunkstore"
	"github.com/recallkit/recallkit/engine"
	"github.com/recallkit/recallkit/hnsw"
)

var (
	// ErrInvalidQuery is returned for queries that cannot be executed:
	// no text and no embedding, non-positive k, negative weights.
	ErrInvalidQuery = errors.New("invalid query")

	// ErrNotFound is returned when a requested document, chunk or anchor
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConstraintViolation is returned when a write would break a
	// uniqueness constraint. The stored row is left unchanged.
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrPoolExhausted is returned when no query session became
	// available within the configured wait.
	ErrPoolExhausted = errors.New("session pool exhausted")

	// ErrTimeout is returned when a query exceeds its deadline. The
	// session that served it is discarded as suspect.
	ErrTimeout = errors.New("query timeout")

	// ErrResourceExceeded is returned when admitting a query would
	// exceed the configured memory ceiling.
	ErrResourceExceeded = errors.New("resource limit exceeded")

	// ErrStorageUnavailable is returned when transient storage failures
	// persist through all retry attempts.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrClosed is returned for queries submitted after Shutdown began.
	ErrClosed = errors.New("runtime closed")

	// ErrFailed is the catch-all for internal failures, including
	// recovered query panics.
	ErrFailed = errors.New("query failed")
)

// ErrDimensionMismatch indicates a query or chunk embedding whose length
// differs from the store's configured dimension.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
	cause    error
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *ErrDimensionMismatch) Unwrap() error { return e.cause }

// QueryFailedError is returned when a query panicked. The runtime and
// sibling queries are unaffected; the panic value and stack are carried
// for diagnosis.
//
// errors.Is(err, ErrFailed) matches it.
type QueryFailedError struct {
	Panic any
	Stack []byte
}

func (e *QueryFailedError) Error() string {
	return fmt.Sprintf("query failed: panic: %v", e.Panic)
}

func (e *QueryFailedError) Unwrap() error { return ErrFailed }

// translateError maps internal errors onto the public taxonomy.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	var dm *hnsw.ErrDimensionMismatch
	if errors.As(err, &dm) {
		return &ErrDimensionMismatch{Expected: dm.Expected, Actual: dm.Actual, cause: err}
	}

	if errors.Is(err, engine.ErrInvalidQuery) || errors.Is(err, chunkstore.ErrInvalidChunk) ||
		errors.Is(err, chunkstore.ErrUnknownMetadataKey) {
		return fmt.Errorf("%w: %w", ErrInvalidQuery, err)
	}
	if errors.Is(err, chunkstore.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if errors.Is(err, chunkstore.ErrConstraintViolation) {
		return fmt.Errorf("%w: %w", ErrConstraintViolation, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	if chunkstore.IsTransient(err) {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}

	return err
}

// Retryable reports whether a caller may reasonably retry after this
// error: pool exhaustion, timeouts and storage unavailability pass,
// validation, constraint and not-found errors never do.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPoolExhausted) || errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrStorageUnavailable) {
		return true
	}
	return chunkstore.IsTransient(err)
}
