package gcptelemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/santiamoretti/gcptelemetry/internal/gcpauth"
	"github.com/santiamoretti/gcptelemetry/internal/spool"
	"github.com/santiamoretti/gcptelemetry/internal/transport"
)

type itemKind string

const (
	kindLog      itemKind = "log"
	kindMetric   itemKind = "metric"
	kindTrace    itemKind = "trace"
	kindShutdown itemKind = "shutdown"
)

// workItem is immutable once enqueued and consumed exactly once by the
// dispatch loop. done is nil for fire-and-forget submissions; otherwise it is
// a one-shot buffered channel carrying the final outcome.
type workItem struct {
	kind itemKind
	url  string
	body []byte
	done chan error
}

type workerState int

const (
	stateIdle workerState = iota
	stateTransmitting
	stateRefreshing
	stateDraining
	stateStopped
)

const (
	queueCapacity  = 1027
	enqueueTimeout = 250 * time.Millisecond

	// maxSendAttempts bounds transmissions of one item against retryable
	// failures (the first attempt plus two retries).
	maxSendAttempts = 3
	// maxAuthCycles bounds token refreshes for one item. The attempt made
	// right after a successful refresh does not consume the send budget.
	maxAuthCycles = 2
	// maxRefreshAttempts bounds transient retries within a single refresh.
	maxRefreshAttempts = 3

	baseBackoff = 500 * time.Millisecond
	maxBackoff  = 30 * time.Second
)

// credentialSource is the dispatch loop's view of the credential manager.
type credentialSource interface {
	Current() string
	Refresh(ctx context.Context) error
}

// worker is the single consumer of the dispatch queue. All state below is
// confined to the worker goroutine; cause is read by the facade only after
// the done channel closes.
type worker struct {
	logger *slog.Logger
	sender transport.Sender
	creds  credentialSource
	spool  *spool.Store

	state  workerState
	cause  error
	random *rand.Rand

	baseBackoff time.Duration
	maxBackoff  time.Duration
}

func newWorker(logger *slog.Logger, sender transport.Sender, creds credentialSource, st *spool.Store) *worker {
	return &worker{
		logger:      logger,
		sender:      sender,
		creds:       creds,
		spool:       st,
		random:      rand.New(rand.NewSource(time.Now().UnixNano())),
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}
}

// run drains the queue until a Shutdown item arrives or a fatal error stops
// the loop. It never returns early on per-item failures.
func (w *worker) run(items <-chan workItem) {
	ctx := context.Background()
	for {
		w.state = stateIdle
		it := <-items
		if it.kind == kindShutdown {
			w.drain(ctx, items)
			w.state = stateStopped
			return
		}
		if stopped := w.process(ctx, it); stopped {
			w.failPending(items)
			w.state = stateStopped
			return
		}
	}
}

// process transmits one item, applying the retry and refresh budgets. It
// returns true when the worker must stop (fatal authentication failure).
func (w *worker) process(ctx context.Context, it workItem) (stopped bool) {
	w.state = stateTransmitting
	attempts := 0
	authCycles := 0
	for {
		out := w.sender.Send(ctx, it.url, it.body, w.creds.Current())
		attempts++

		switch out.Class {
		case transport.Success:
			w.resolve(it, nil)
			return false

		case transport.Fatal:
			w.abandon(it, attempts, &APIError{StatusCode: out.StatusCode, Err: out.Err})
			return false

		case transport.AuthExpired:
			// The in-flight item is held across the refresh, never discarded.
			authCycles++
			if authCycles > maxAuthCycles {
				w.abandon(it, attempts, &BudgetError{Budget: "refresh", Attempts: authCycles - 1, Last: out.Err})
				return false
			}
			if err := w.refresh(ctx); err != nil {
				w.abandon(it, attempts, err)
				w.cause = err
				return true
			}
			attempts--

		case transport.Retryable:
			if attempts >= maxSendAttempts {
				w.abandon(it, attempts, &BudgetError{Budget: "retry", Attempts: attempts, Last: out.Err})
				return false
			}
			w.sleep(ctx, attempts)
		}
	}
}

// refresh re-authenticates, retrying transient failures with backoff. Any
// returned error is terminal for the worker.
func (w *worker) refresh(ctx context.Context) error {
	w.state = stateRefreshing
	defer func() { w.state = stateTransmitting }()

	for attempt := 1; ; attempt++ {
		err := w.creds.Refresh(ctx)
		if err == nil {
			w.logger.Debug("access token refreshed", "attempt", attempt)
			return nil
		}
		var authErr *gcpauth.Error
		if errors.As(err, &authErr) && authErr.Fatal {
			return fmt.Errorf("%w: %v", ErrAuthentication, err)
		}
		if attempt >= maxRefreshAttempts {
			return fmt.Errorf("%w: refresh retries exhausted: %v", ErrAuthentication, err)
		}
		w.logger.Warn("token refresh failed, retrying", "attempt", attempt, "error", err)
		w.sleep(ctx, attempt)
	}
}

// drain flushes everything buffered at shutdown, then stops.
func (w *worker) drain(ctx context.Context, items <-chan workItem) {
	w.state = stateDraining
	for {
		select {
		case it := <-items:
			if it.kind == kindShutdown {
				continue
			}
			if w.process(ctx, it) {
				w.failPending(items)
				return
			}
		default:
			return
		}
	}
}

// failPending resolves everything still buffered after a fatal stop so no
// waiter blocks on a dead worker.
func (w *worker) failPending(items <-chan workItem) {
	for {
		select {
		case it := <-items:
			if it.kind == kindShutdown {
				continue
			}
			w.abandon(it, 0, ErrWorkerStopped)
		default:
			return
		}
	}
}

// resolve delivers the final outcome. Fire-and-forget failures are logged and
// swallowed; waited submissions get the error verbatim.
func (w *worker) resolve(it workItem, err error) {
	if it.done != nil {
		it.done <- err
		return
	}
	if err != nil {
		w.logger.Warn("telemetry dropped", "kind", string(it.kind), "error", err)
	}
}

// abandon records the item in the dead-letter spool (when configured) and
// resolves it with the failure.
func (w *worker) abandon(it workItem, attempts int, cause error) {
	if w.spool != nil {
		spoolCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := w.spool.Add(spoolCtx, spool.Entry{
			Kind:        string(it.kind),
			Destination: it.url,
			Body:        it.body,
			Reason:      cause.Error(),
			Attempts:    attempts,
		})
		cancel()
		if err != nil {
			w.logger.Warn("spool write failed", "error", err)
		}
	}
	w.resolve(it, cause)
}

// sleep waits the backoff window for the given attempt, full jitter up to an
// exponentially growing cap.
func (w *worker) sleep(ctx context.Context, attempt int) {
	maxSleep := w.baseBackoff * time.Duration(1<<(attempt-1))
	if maxSleep > w.maxBackoff {
		maxSleep = w.maxBackoff
	}
	sleep := time.Duration(w.random.Int63n(int64(maxSleep) + 1))
	select {
	case <-ctx.Done():
	case <-time.After(sleep):
	}
}
