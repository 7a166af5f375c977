// Package transport performs one authenticated POST per telemetry submission
// and classifies the response for the dispatch loop's retry machinery.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Class is the dispatch loop's view of one transmission attempt.
type Class int

const (
	Success Class = iota
	// Retryable covers transport errors and backend statuses worth retrying
	// (408, 429, 5xx).
	Retryable
	// AuthExpired is a 401 or 403: the access token needs refreshing.
	AuthExpired
	// Fatal is a non-retryable backend rejection, typically a malformed
	// payload (other 4xx).
	Fatal
)

func (c Class) String() string {
	switch c {
	case Success:
		return "success"
	case Retryable:
		return "retryable"
	case AuthExpired:
		return "auth_expired"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Outcome is produced and consumed within a single loop iteration.
type Outcome struct {
	Class      Class
	StatusCode int
	Err        error
}

// Sender performs one transmission. Implemented by Client; tests substitute
// recording fakes.
type Sender interface {
	Send(ctx context.Context, url string, body []byte, token string) Outcome
}

// Client is the real HTTP sender.
type Client struct {
	httpClient *http.Client
}

func New(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{httpClient: httpClient}
}

func (c *Client) Send(ctx context.Context, url string, body []byte, token string) Outcome {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Outcome{Class: Fatal, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Outcome{Class: Retryable, Err: fmt.Errorf("send request: %w", err)}
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	return Classify(resp.StatusCode)
}

// Classify maps an HTTP status to an Outcome. 401/403 must surface as
// AuthExpired so the loop can refresh and retry the held item.
func Classify(status int) Outcome {
	switch {
	case status >= 200 && status < 300:
		return Outcome{Class: Success, StatusCode: status}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Outcome{Class: AuthExpired, StatusCode: status, Err: fmt.Errorf("status %d", status)}
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return Outcome{Class: Retryable, StatusCode: status, Err: fmt.Errorf("status %d", status)}
	default:
		return Outcome{Class: Fatal, StatusCode: status, Err: fmt.Errorf("status %d", status)}
	}
}
