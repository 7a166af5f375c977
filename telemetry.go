package gcptelemetry

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	loggingWriteURL    = "https://logging.googleapis.com/v2/entries:write"
	monitoringURLFmt   = "https://monitoring.googleapis.com/v3/projects/%s/timeSeries"
	traceBatchURLFmt   = "https://cloudtrace.googleapis.com/v2/projects/%s/traces:batchWrite"
	defaultLogName     = "gcptelemetry"
	timestampLayout    = "2006-01-02T15:04:05.000Z"
	serviceNameLabel   = "service_name"
	traceStatusUnknown = 2
)

// LogEntry is one structured log line for Cloud Logging.
type LogEntry struct {
	Severity string
	Message  string
	// ServiceName overrides the client-wide service name for this entry.
	ServiceName string
	// LogName overrides the default log name ("gcptelemetry").
	LogName string
}

// MetricData is one custom metric point for Cloud Monitoring.
type MetricData struct {
	// MetricType is the full metric type, e.g. "custom.googleapis.com/requests_total".
	MetricType string
	Value      float64
	// ValueType is INT64, DOUBLE, etc. It selects the point's value field.
	ValueType  string
	MetricKind string
	Labels     map[string]string
}

// TraceSpan is one span for Cloud Trace.
type TraceSpan struct {
	TraceID      string
	SpanID       string
	DisplayName  string
	StartTime    time.Time
	Duration     time.Duration
	ParentSpanID string
	Attributes   map[string]string
	Status       *TraceStatus
}

// TraceStatus uses gRPC status codes (0 = OK, 2 = UNKNOWN, ...).
type TraceStatus struct {
	Code    int
	Message string
}

// Child returns a span in the same trace with this span as parent and a
// freshly generated span id.
func (s TraceSpan) Child(name string, start time.Time, duration time.Duration) TraceSpan {
	return TraceSpan{
		TraceID:      s.TraceID,
		SpanID:       GenerateSpanID(),
		ParentSpanID: s.SpanID,
		DisplayName:  name,
		StartTime:    start,
		Duration:     duration,
	}
}

// WithError marks the span failed with a generic UNKNOWN status.
func (s TraceSpan) WithError(message string) TraceSpan {
	s.Status = &TraceStatus{Code: traceStatusUnknown, Message: message}
	return s
}

// GenerateTraceID returns a 32-character lowercase hex trace id.
func GenerateTraceID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// GenerateSpanID returns a 16-character lowercase hex span id.
func GenerateSpanID() string {
	u := uuid.New()
	return hex.EncodeToString(u[8:])
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func (e LogEntry) build(projectID, defaultService string) (url string, body []byte, err error) {
	labels := map[string]string{}
	service := e.ServiceName
	if service == "" {
		service = defaultService
	}
	if service != "" {
		labels[serviceNameLabel] = service
	}
	logName := e.LogName
	if logName == "" {
		logName = defaultLogName
	}

	body, err = json.Marshal(map[string]any{
		"entries": []map[string]any{{
			"logName":     fmt.Sprintf("projects/%s/logs/%s", projectID, logName),
			"resource":    map[string]any{"type": "global"},
			"timestamp":   formatTimestamp(time.Now()),
			"severity":    e.Severity,
			"textPayload": e.Message,
			"labels":      labels,
		}},
	})
	if err != nil {
		return "", nil, fmt.Errorf("build log payload: %w", err)
	}
	return loggingWriteURL, body, nil
}

func (d MetricData) build(projectID, _ string) (url string, body []byte, err error) {
	labels := d.Labels
	if labels == nil {
		labels = map[string]string{}
	}
	// The point's value field name depends on the declared value type:
	// INT64 -> int64Value, DOUBLE -> doubleValue.
	valueField := strings.ToLower(d.ValueType) + "Value"

	body, err = json.Marshal(map[string]any{
		"timeSeries": []map[string]any{{
			"metric": map[string]any{
				"type":   d.MetricType,
				"labels": labels,
			},
			"resource": map[string]any{"type": "global", "labels": map[string]any{}},
			"points": []map[string]any{{
				"interval": map[string]any{"endTime": formatTimestamp(time.Now())},
				"value":    map[string]any{valueField: d.Value},
			}},
		}},
	})
	if err != nil {
		return "", nil, fmt.Errorf("build metric payload: %w", err)
	}
	return fmt.Sprintf(monitoringURLFmt, projectID), body, nil
}

func (s TraceSpan) build(projectID, _ string) (url string, body []byte, err error) {
	span := map[string]any{
		"name":        fmt.Sprintf("projects/%s/traces/%s/spans/%s", projectID, s.TraceID, s.SpanID),
		"spanId":      s.SpanID,
		"displayName": map[string]any{"value": s.DisplayName},
		"startTime":   formatTimestamp(s.StartTime),
		"endTime":     formatTimestamp(s.StartTime.Add(s.Duration)),
	}
	if len(s.Attributes) > 0 {
		attributeMap := map[string]any{}
		for k, v := range s.Attributes {
			attributeMap[k] = map[string]any{"string_value": map[string]any{"value": v}}
		}
		span["attributes"] = map[string]any{"attributeMap": attributeMap}
	} else {
		span["attributes"] = map[string]any{}
	}
	if s.ParentSpanID != "" {
		span["parentSpanId"] = s.ParentSpanID
	}
	if s.Status != nil {
		span["status"] = map[string]any{"code": s.Status.Code, "message": s.Status.Message}
	}

	body, err = json.Marshal(map[string]any{"spans": []map[string]any{span}})
	if err != nil {
		return "", nil, fmt.Errorf("build trace payload: %w", err)
	}
	return fmt.Sprintf(traceBatchURLFmt, projectID), body, nil
}
