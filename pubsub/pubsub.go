// Package pubsub is a fire-and-forget publisher for Cloud Pub/Sub topics. It
// shares no state with the telemetry dispatcher: it resolves its own project
// and credentials and runs its own single publish worker. Publish failures
// are logged and never propagate to the caller.
package pubsub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/santiamoretti/gcptelemetry/internal/gcloudcli"
	"github.com/santiamoretti/gcptelemetry/internal/gcpauth"
	"github.com/santiamoretti/gcptelemetry/internal/gcpconfig"
	"github.com/santiamoretti/gcptelemetry/internal/transport"
)

const publishQueueCapacity = 256

// Options configures a publisher Client.
type Options struct {
	// ProjectID overrides GOOGLE_CLOUD_PROJECT and the gcloud config fallback.
	ProjectID string
	// InstanceID is appended to topic names: projects/{p}/topics/{name}-{instance}.
	InstanceID string
	// Topics lists the short topic names this client may publish to.
	Topics []string
	// Subscriptions lists short subscription names for path lookups.
	Subscriptions []string
	// CredentialsFile overrides GOOGLE_APPLICATION_CREDENTIALS.
	CredentialsFile string
	Logger          *slog.Logger
	HTTPClient      *http.Client
}

type publishItem struct {
	topicPath string
	body      []byte
}

// Client publishes JSON payloads to pre-registered topics.
type Client struct {
	projectID string
	logger    *slog.Logger
	creds     credentialSource
	sender    transport.Sender

	topics map[string]string
	subs   map[string]string

	items     chan publishItem
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type credentialSource interface {
	Current() string
	Refresh(ctx context.Context) error
}

// New authenticates and starts the publish worker.
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
		return nil, fmt.Errorf("pubsub authentication: %w", err)
	}

	c := start(projectID, opts, logger, transport.New(opts.HTTPClient), creds)
	logger.Info("pubsub publisher started", "project_id", projectID, "topics", len(c.topics))
	return c, nil
}

func start(projectID string, opts Options, logger *slog.Logger, sender transport.Sender, creds credentialSource) *Client {
	c := &Client{
		projectID: projectID,
		logger:    logger,
		creds:     creds,
		sender:    sender,
		topics:    make(map[string]string, len(opts.Topics)),
		subs:      make(map[string]string, len(opts.Subscriptions)),
		items:     make(chan publishItem, publishQueueCapacity),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, name := range opts.Topics {
		topic := name
		if opts.InstanceID != "" {
			topic = name + "-" + opts.InstanceID
		}
		c.topics[name] = fmt.Sprintf("projects/%s/topics/%s", projectID, topic)
	}
	for _, name := range opts.Subscriptions {
		c.subs[name] = fmt.Sprintf("projects/%s/subscriptions/%s", projectID, name)
	}
	go c.run()
	return c
}

// TopicPath returns the full topic path for a registered short name.
func (c *Client) TopicPath(name string) (string, bool) {
	p, ok := c.topics[name]
	return p, ok
}

// SubscriptionPath returns the full subscription path for a short name.
func (c *Client) SubscriptionPath(name string) (string, bool) {
	p, ok := c.subs[name]
	return p, ok
}

// Publish serializes payload to JSON and queues it for the named topic.
// It returns immediately; serialization problems, unknown topics, a full
// queue, and transmission failures are all logged, never returned.
func (c *Client) Publish(topic string, payload any, orderingKey string) {
	topicPath, ok := c.topics[topic]
	if !ok {
		c.logger.Error("publisher not found", "topic", topic)
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("payload serialization failed", "topic", topic, "error", err)
		return
	}
	body, err := json.Marshal(map[string]any{
		"messages": []map[string]any{{
			"data":        base64.StdEncoding.EncodeToString(data),
			"orderingKey": orderingKey,
		}},
	})
	if err != nil {
		c.logger.Error("publish body serialization failed", "topic", topic, "error", err)
		return
	}

	select {
	case <-c.stop:
		c.logger.Warn("publish after close dropped", "topic", topic)
	case c.items <- publishItem{topicPath: topicPath, body: body}:
	default:
		c.logger.Warn("publish queue full, message dropped", "topic", topic)
	}
}

// Close stops the worker after it drains the buffered messages.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.stop) })
	<-c.done
}

func (c *Client) run() {
	defer close(c.done)
	ctx := context.Background()
	for {
		select {
		case <-c.stop:
			// Drain what was buffered before the close.
			for {
				select {
				case it := <-c.items:
					c.publishOnce(ctx, it)
				default:
					return
				}
			}
		case it := <-c.items:
			c.publishOnce(ctx, it)
		}
	}
}

// publishOnce sends one message, refreshing the token once when it expired.
func (c *Client) publishOnce(ctx context.Context, it publishItem) {
	url := "https://pubsub.googleapis.com/v1/" + it.topicPath + ":publish"
	out := c.sender.Send(ctx, url, it.body, c.creds.Current())
	if out.Class == transport.AuthExpired {
		if err := c.creds.Refresh(ctx); err != nil {
			c.logger.Warn("pubsub token refresh failed", "topic", it.topicPath, "error", err)
			return
		}
		out = c.sender.Send(ctx, url, it.body, c.creds.Current())
	}
	if out.Class != transport.Success {
		c.logger.Warn("publish failed", "topic", it.topicPath, "status", out.StatusCode, "error", out.Err)
		return
	}
	c.logger.Debug("message published", "topic", it.topicPath)
}
