package gcptelemetry

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueFull is returned when an item could not be enqueued within the
	// short blocking window. The item was not accepted.
	ErrQueueFull = errors.New("telemetry queue full")

	// ErrQueueClosed is returned for submissions after a clean shutdown.
	ErrQueueClosed = errors.New("telemetry queue closed")

	// ErrWorkerStopped is returned for submissions after the dispatch worker
	// died on a fatal authentication or backend error.
	ErrWorkerStopped = errors.New("telemetry worker stopped")

	// ErrAuthentication wraps fatal credential problems (bad key file,
	// revoked service account, refresh retries exhausted).
	ErrAuthentication = errors.New("authentication error")
)

// BudgetError reports that a waited submission was abandoned because one of
// the dispatch loop's bounded budgets ran out.
type BudgetError struct {
	// Budget names what ran out: "retry" (send attempts) or "refresh"
	// (token refresh cycles for one item).
	Budget   string
	Attempts int
	Last     error
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("%s budget exhausted after %d attempts: %v", e.Budget, e.Attempts, e.Last)
}

func (e *BudgetError) Unwrap() error { return e.Last }

// APIError is a non-retryable backend rejection, typically a malformed
// payload.
type APIError struct {
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api rejected request with status %d: %v", e.StatusCode, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }
