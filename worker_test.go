package gcptelemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/santiamoretti/gcptelemetry/internal/gcpauth"
	"github.com/santiamoretti/gcptelemetry/internal/spool"
	"github.com/santiamoretti/gcptelemetry/internal/transport"
)

type sentCall struct {
	url   string
	body  string
	token string
}

// fakeSender replays a script of outcomes, then succeeds. It records every
// call in arrival order.
type fakeSender struct {
	mu      sync.Mutex
	script  []transport.Outcome
	delay   time.Duration
	release chan struct{}
	calls   []sentCall
}

func (f *fakeSender) Send(_ context.Context, url string, body []byte, token string) transport.Outcome {
	f.mu.Lock()
	f.calls = append(f.calls, sentCall{url: url, body: string(body), token: token})
	out := transport.Outcome{Class: transport.Success, StatusCode: 200}
	if len(f.script) > 0 {
		out = f.script[0]
		f.script = f.script[1:]
	}
	f.mu.Unlock()

	if f.release != nil {
		<-f.release
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return out
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSender) snapshot() []sentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentCall(nil), f.calls...)
}

type fakeCreds struct {
	mu         sync.Mutex
	token      string
	refreshes  int
	refreshErr error
}

func (f *fakeCreds) Current() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

func (f *fakeCreds) Refresh(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.refreshErr != nil {
		return f.refreshErr
	}
	f.token = fmt.Sprintf("token-%d", f.refreshes)
	return nil
}

func (f *fakeCreds) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not reached within 2s")
		}
		time.Sleep(time.Millisecond)
	}
}

// newTestClient wires a client around fakes with millisecond backoff so
// budget-exhaustion paths run fast.
func newTestClient(sender transport.Sender, creds credentialSource, st *spool.Store) *Client {
	c := &Client{
		projectID:   "test-project",
		serviceName: "test-service",
		logger:      discardLogger(),
		items:       make(chan workItem, queueCapacity),
		workerDone:  make(chan struct{}),
		st:          st,
	}
	c.w = newWorker(c.logger, sender, creds, st)
	c.w.baseBackoff = time.Millisecond
	c.w.maxBackoff = 2 * time.Millisecond
	go func() {
		c.w.run(c.items)
		close(c.workerDone)
	}()
	return c
}

func TestAuthExpiredRefreshRetransmitsHeldItem(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{script: []transport.Outcome{
		{Class: transport.AuthExpired, StatusCode: 401, Err: errors.New("status 401")},
	}}
	creds := &fakeCreds{token: "stale"}
	c := newTestClient(sender, creds, nil)

	err := c.SendMetricAndWait(context.Background(), MetricData{
		MetricType: "custom.googleapis.com/requests_total",
		Value:      42,
		ValueType:  "INT64",
		MetricKind: "GAUGE",
	})
	if err != nil {
		t.Fatalf("waited submission failed: %v", err)
	}
	if got := creds.refreshCount(); got != 1 {
		t.Fatalf("refresh count = %d, want 1", got)
	}

	calls := sender.snapshot()
	if len(calls) != 2 {
		t.Fatalf("send attempts = %d, want 2 (original + one post-refresh)", len(calls))
	}
	if calls[0].body != calls[1].body {
		t.Fatalf("held item was not retransmitted verbatim")
	}
	if calls[0].token == calls[1].token {
		t.Fatalf("retransmission did not use the refreshed token")
	}

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestRefreshBudgetExhausted(t *testing.T) {
	t.Parallel()

	// The token never becomes acceptable: every attempt comes back 401.
	sender := &fakeSender{script: []transport.Outcome{
		{Class: transport.AuthExpired, StatusCode: 401},
		{Class: transport.AuthExpired, StatusCode: 401},
		{Class: transport.AuthExpired, StatusCode: 401},
	}}
	creds := &fakeCreds{token: "stale"}
	c := newTestClient(sender, creds, nil)

	err := c.SendLogAndWait(context.Background(), LogEntry{Severity: "INFO", Message: "m"})
	var budgetErr *BudgetError
	if !errors.As(err, &budgetErr) || budgetErr.Budget != "refresh" {
		t.Fatalf("expected refresh budget error, got %v", err)
	}
	if got := creds.refreshCount(); got != maxAuthCycles {
		t.Fatalf("refresh count = %d, want %d", got, maxAuthCycles)
	}

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestRetryBudgetExhaustedSurfacesToWaiterOnly(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{script: []transport.Outcome{
		{Class: transport.Retryable, StatusCode: 503, Err: errors.New("status 503")},
		{Class: transport.Retryable, StatusCode: 503, Err: errors.New("status 503")},
		{Class: transport.Retryable, StatusCode: 503, Err: errors.New("status 503")},
	}}
	c := newTestClient(sender, &fakeCreds{token: "t"}, nil)

	err := c.SendLogAndWait(context.Background(), LogEntry{Severity: "ERROR", Message: "boom"})
	var budgetErr *BudgetError
	if !errors.As(err, &budgetErr) {
		t.Fatalf("expected budget error, got %v", err)
	}
	if budgetErr.Budget != "retry" || budgetErr.Attempts != maxSendAttempts {
		t.Fatalf("budget error = %+v, want retry/%d", budgetErr, maxSendAttempts)
	}

	// The fire-and-forget variant of the same failure is silent.
	sender2 := &fakeSender{script: []transport.Outcome{
		{Class: transport.Retryable, StatusCode: 503},
		{Class: transport.Retryable, StatusCode: 503},
		{Class: transport.Retryable, StatusCode: 503},
	}}
	c2 := newTestClient(sender2, &fakeCreds{token: "t"}, nil)
	if err := c2.SendLog(LogEntry{Severity: "ERROR", Message: "boom"}); err != nil {
		t.Fatalf("fire-and-forget surfaced a transmission error: %v", err)
	}
	if err := c2.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if got := sender2.callCount(); got != maxSendAttempts {
		t.Fatalf("send attempts = %d, want %d", got, maxSendAttempts)
	}

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestFatalAPIErrorDoesNotStopWorker(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{script: []transport.Outcome{
		{Class: transport.Fatal, StatusCode: 400, Err: errors.New("status 400")},
	}}
	c := newTestClient(sender, &fakeCreds{token: "t"}, nil)

	err := c.SendTraceAndWait(context.Background(), TraceSpan{
		TraceID:     GenerateTraceID(),
		SpanID:      GenerateSpanID(),
		DisplayName: "bad span",
		StartTime:   time.Now(),
		Duration:    time.Millisecond,
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 400 {
		t.Fatalf("expected APIError 400, got %v", err)
	}

	// The worker survives a fatal per-item rejection.
	if err := c.SendLogAndWait(context.Background(), LogEntry{Severity: "INFO", Message: "still alive"}); err != nil {
		t.Fatalf("worker did not survive fatal api error: %v", err)
	}
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestFatalRefreshStopsWorker(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{script: []transport.Outcome{
		{Class: transport.AuthExpired, StatusCode: 403},
	}}
	creds := &fakeCreds{token: "t", refreshErr: &gcpauth.Error{Fatal: true, Err: errors.New("service account revoked")}}
	c := newTestClient(sender, creds, nil)

	err := c.SendLogAndWait(context.Background(), LogEntry{Severity: "INFO", Message: "m"})
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}

	<-c.workerDone
	if err := c.SendLog(LogEntry{Severity: "INFO", Message: "late"}); !errors.Is(err, ErrWorkerStopped) {
		t.Fatalf("expected ErrWorkerStopped after fatal stop, got %v", err)
	}
	if err := c.SendLogAndWait(context.Background(), LogEntry{Severity: "INFO", Message: "late"}); !errors.Is(err, ErrWorkerStopped) {
		t.Fatalf("expected ErrWorkerStopped for waited submission, got %v", err)
	}
}

func TestTransientRefreshRetriesThenStops(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{script: []transport.Outcome{
		{Class: transport.AuthExpired, StatusCode: 401},
	}}
	creds := &fakeCreds{token: "t", refreshErr: &gcpauth.Error{Fatal: false, Err: errors.New("connection refused")}}
	c := newTestClient(sender, creds, nil)

	err := c.SendLogAndWait(context.Background(), LogEntry{Severity: "INFO", Message: "m"})
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected authentication error after transient retries, got %v", err)
	}
	if got := creds.refreshCount(); got != maxRefreshAttempts {
		t.Fatalf("refresh attempts = %d, want %d", got, maxRefreshAttempts)
	}

	<-c.workerDone
	if err := c.SendLog(LogEntry{Severity: "INFO", Message: "late"}); !errors.Is(err, ErrWorkerStopped) {
		t.Fatalf("expected ErrWorkerStopped, got %v", err)
	}
}

func TestAbandonedItemsLandInSpool(t *testing.T) {
	t.Parallel()

	st, err := spool.Open(filepath.Join(t.TempDir(), "spool.db"))
	if err != nil {
		t.Fatalf("open spool: %v", err)
	}

	sender := &fakeSender{script: []transport.Outcome{
		{Class: transport.Retryable, StatusCode: 503, Err: errors.New("status 503")},
		{Class: transport.Retryable, StatusCode: 503, Err: errors.New("status 503")},
		{Class: transport.Retryable, StatusCode: 503, Err: errors.New("status 503")},
	}}
	c := newTestClient(sender, &fakeCreds{token: "t"}, st)

	var budgetErr *BudgetError
	if err := c.SendLogAndWait(context.Background(), LogEntry{Severity: "ERROR", Message: "doomed"}); !errors.As(err, &budgetErr) {
		t.Fatalf("expected budget error, got %v", err)
	}

	dropped, err := c.DroppedItems(context.Background(), 10)
	if err != nil {
		t.Fatalf("dropped items: %v", err)
	}
	if len(dropped) != 1 {
		t.Fatalf("dropped items = %d, want 1", len(dropped))
	}
	if dropped[0].Kind != "log" || dropped[0].Attempts != maxSendAttempts {
		t.Fatalf("dropped[0] = %+v", dropped[0])
	}

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
