// Package gcptelemetry ships logs, metrics, and trace spans to Google Cloud
// Logging, Monitoring, and Trace without blocking the caller.
//
// All submissions flow through a bounded FIFO queue drained by a single
// background worker. The worker serializes transmissions (one request in
// flight at any time), authenticates with gcloud-issued access tokens, and
// transparently refreshes the token and retries the held item when the
// backend answers 401 or 403.
//
// Fire-and-forget methods (SendLog, SendMetric, SendTrace) return before the
// transmission happens and never report transmission failures; the *AndWait
// variants block until the item's final outcome is known. Shutdown drains
// whatever is queued and stops the worker.
//
//	client, err := gcptelemetry.New(ctx, gcptelemetry.Options{
//		ProjectID:   "my-project",
//		ServiceName: "api-server",
//	})
//	if err != nil {
//		return err
//	}
//	defer client.Shutdown(ctx)
//
//	client.SendLog(gcptelemetry.LogEntry{Severity: "INFO", Message: "started"})
package gcptelemetry
