package gcptelemetry_test

import (
	"context"
	"log"
	"time"

	"github.com/santiamoretti/gcptelemetry"
)

func Example() {
	ctx := context.Background()
	client, err := gcptelemetry.New(ctx, gcptelemetry.Options{
		ProjectID:   "my-project",
		ServiceName: "api-server",
	})
	if err != nil {
		log.Fatal(err)
	}
	defer client.Shutdown(ctx)

	// Fire-and-forget: returns before the transmission happens.
	client.SendLog(gcptelemetry.LogEntry{Severity: "INFO", Message: "application started"})

	client.SendMetric(gcptelemetry.MetricData{
		MetricType: "custom.googleapis.com/requests_total",
		Value:      42,
		ValueType:  "INT64",
		MetricKind: "GAUGE",
		Labels:     map[string]string{"environment": "production"},
	})
}

func ExampleClient_SendTrace() {
	ctx := context.Background()
	client, err := gcptelemetry.New(ctx, gcptelemetry.Options{ProjectID: "my-project"})
	if err != nil {
		log.Fatal(err)
	}
	defer client.Shutdown(ctx)

	root := gcptelemetry.TraceSpan{
		TraceID:     gcptelemetry.GenerateTraceID(),
		SpanID:      gcptelemetry.GenerateSpanID(),
		DisplayName: "HTTP Request",
		StartTime:   time.Now(),
		Duration:    150 * time.Millisecond,
	}
	client.SendTrace(root)
	client.SendTrace(root.Child("db query", time.Now(), 40*time.Millisecond))
}

func ExampleClient_SendLogAndWait() {
	ctx := context.Background()
	client, err := gcptelemetry.New(ctx, gcptelemetry.Options{ProjectID: "my-project"})
	if err != nil {
		log.Fatal(err)
	}
	defer client.Shutdown(ctx)

	// Wait for confirmation that the entry reached Cloud Logging.
	if err := client.SendLogAndWait(ctx, gcptelemetry.LogEntry{
		Severity: "ERROR",
		Message:  "critical operation failed",
	}); err != nil {
		log.Printf("log entry was not delivered: %v", err)
	}
}
