package gcptelemetry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/santiamoretti/gcptelemetry/internal/gcloudcli"
	"github.com/santiamoretti/gcptelemetry/internal/gcpauth"
	"github.com/santiamoretti/gcptelemetry/internal/gcpconfig"
	"github.com/santiamoretti/gcptelemetry/internal/spool"
	"github.com/santiamoretti/gcptelemetry/internal/transport"
)

// Options configures a Client. The zero value resolves everything from the
// environment.
type Options struct {
	// ProjectID overrides GOOGLE_CLOUD_PROJECT and the gcloud config fallback.
	ProjectID string
	// CredentialsFile overrides GOOGLE_APPLICATION_CREDENTIALS.
	CredentialsFile string
	// ServiceName labels log entries that don't set their own.
	ServiceName string
	// SpoolPath enables the SQLite dead-letter spool for abandoned items.
	SpoolPath string
	Logger    *slog.Logger
	// HTTPClient replaces the default 30s-timeout client.
	HTTPClient *http.Client
}

// Client is the public entry point. It owns the producer side of the dispatch
// queue and the lifecycle of the single background worker.
type Client struct {
	projectID   string
	serviceName string
	logger      *slog.Logger

	items      chan workItem
	workerDone chan struct{}
	w          *worker
	st         *spool.Store

	shutdownOnce sync.Once
}

// New authenticates the service account and starts the background dispatch
// worker. Construction fails fast on unresolvable project/credentials or a
// rejected key file; transmission failures after this point never surface
// through fire-and-forget submissions.
func New(ctx context.Context, opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runner := gcloudcli.NewRunner()

	keyFile, err := gcpconfig.CredentialsPath(ctx, opts.CredentialsFile)
	if err != nil {
		return nil, err
	}
	projectID, err := gcpconfig.ResolveProjectID(ctx, opts.ProjectID, runner)
	if err != nil {
		return nil, fmt.Errorf("resolve project id: %w", err)
	}

	creds := gcpauth.NewManager(keyFile, runner)
	if err := creds.Activate(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}

	var st *spool.Store
	if opts.SpoolPath != "" {
		st, err = spool.Open(opts.SpoolPath)
		if err != nil {
			return nil, err
		}
	}

	c := start(projectID, opts.ServiceName, logger, transport.New(opts.HTTPClient), creds, st)
	logger.Info("telemetry client started", "project_id", projectID, "queue_capacity", queueCapacity)
	return c, nil
}

// start wires the queue and launches the dispatch loop. Tests call it
// directly with fake senders and credentials.
func start(projectID, serviceName string, logger *slog.Logger, sender transport.Sender, creds credentialSource, st *spool.Store) *Client {
	c := &Client{
		projectID:   projectID,
		serviceName: serviceName,
		logger:      logger,
		items:       make(chan workItem, queueCapacity),
		workerDone:  make(chan struct{}),
		st:          st,
	}
	c.w = newWorker(logger, sender, creds, st)
	go func() {
		c.w.run(c.items)
		close(c.workerDone)
	}()
	return c
}

// SendLog submits a log entry fire-and-forget. Only queue conditions are ever
// reported; transmission failures are logged and swallowed in the background.
func (c *Client) SendLog(e LogEntry) error {
	return c.submit(kindLog, e.build)
}

// SendLogAndWait submits a log entry and blocks until its transmission
// attempt sequence concludes.
func (c *Client) SendLogAndWait(ctx context.Context, e LogEntry) error {
	return c.submitAndWait(ctx, kindLog, e.build)
}

// SendMetric submits a metric point fire-and-forget.
func (c *Client) SendMetric(d MetricData) error {
	return c.submit(kindMetric, d.build)
}

// SendMetricAndWait submits a metric point and blocks for the final outcome.
func (c *Client) SendMetricAndWait(ctx context.Context, d MetricData) error {
	return c.submitAndWait(ctx, kindMetric, d.build)
}

// SendTrace submits a trace span fire-and-forget.
func (c *Client) SendTrace(s TraceSpan) error {
	return c.submit(kindTrace, s.build)
}

// SendTraceAndWait submits a trace span and blocks for the final outcome.
func (c *Client) SendTraceAndWait(ctx context.Context, s TraceSpan) error {
	return c.submitAndWait(ctx, kindTrace, s.build)
}

type payloadBuilder func(projectID, defaultService string) (url string, body []byte, err error)

func (c *Client) submit(kind itemKind, build payloadBuilder) error {
	url, body, err := build(c.projectID, c.serviceName)
	if err != nil {
		return err
	}
	return c.enqueue(workItem{kind: kind, url: url, body: body})
}

func (c *Client) submitAndWait(ctx context.Context, kind itemKind, build payloadBuilder) error {
	url, body, err := build(c.projectID, c.serviceName)
	if err != nil {
		return err
	}
	it := workItem{kind: kind, url: url, body: body, done: make(chan error, 1)}
	if err := c.enqueue(it); err != nil {
		return err
	}
	select {
	case err := <-it.done:
		return err
	case <-c.workerDone:
		// The worker may have resolved the item just before exiting.
		select {
		case err := <-it.done:
			return err
		default:
			return c.stopErr()
		}
	case <-ctx.Done():
		// The item stays queued; only its caller stops waiting.
		return ctx.Err()
	}
}

// enqueue blocks briefly when the queue is full, then fails fast with
// ErrQueueFull so backpressure stays visible without blocking the hot path.
func (c *Client) enqueue(it workItem) error {
	select {
	case <-c.workerDone:
		return c.stopErr()
	default:
	}

	timer := time.NewTimer(enqueueTimeout)
	defer timer.Stop()
	select {
	case c.items <- it:
		return nil
	case <-c.workerDone:
		return c.stopErr()
	case <-timer.C:
		return ErrQueueFull
	}
}

// stopErr is only called after workerDone is closed, which orders the read
// of the worker's stop cause.
func (c *Client) stopErr() error {
	if c.w.cause != nil {
		return ErrWorkerStopped
	}
	return ErrQueueClosed
}

// Shutdown enqueues the shutdown marker, lets the worker drain everything
// buffered, and joins it. Idempotent; concurrent and repeated calls all wait
// for the same terminal state. Returns the worker's fatal stop cause, if any.
func (c *Client) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		select {
		case c.items <- workItem{kind: kindShutdown}:
		case <-c.workerDone:
		}
	})

	select {
	case <-c.workerDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	if c.st != nil {
		if err := c.st.Close(); err != nil {
			c.logger.Warn("spool close failed", "error", err)
		}
	}
	return c.w.cause
}

// DroppedItem is one abandoned work item recorded in the dead-letter spool.
type DroppedItem struct {
	CreatedAt   time.Time
	Kind        string
	Destination string
	Body        []byte
	Reason      string
	Attempts    int
}

// DroppedItems returns the newest spool entries, most recent first. It
// returns nil when no spool is configured.
func (c *Client) DroppedItems(ctx context.Context, limit int) ([]DroppedItem, error) {
	if c.st == nil {
		return nil, nil
	}
	entries, err := c.st.Recent(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]DroppedItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, DroppedItem{
			CreatedAt:   time.UnixMilli(e.CreatedAt),
			Kind:        e.Kind,
			Destination: e.Destination,
			Body:        e.Body,
			Reason:      e.Reason,
			Attempts:    e.Attempts,
		})
	}
	return out, nil
}
