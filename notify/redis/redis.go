// Package redis publishes capture completion events over Redis pub/sub.
//
// Each event is sent as a JSON PUBLISH to a configurable channel. Failed
// publishes are retried with exponential backoff.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/andres-erbsen/clock"
	goredis "github.com/redis/go-redis/v9"

	"github.com/kabili207/camgate/notify"
)

const (
	// DefaultChannel is the default pub/sub channel name.
	DefaultChannel = "camgate:capture_stored"
	// DefaultTimeout is the default per-publish timeout.
	DefaultTimeout = 5 * time.Second
	// DefaultBackoff is the delay before the first retry. It doubles on
	// each subsequent attempt.
	DefaultBackoff = 500 * time.Millisecond
)

// Config configures the Redis notifier.
type Config struct {
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL string
	// Channel is the pub/sub channel (default camgate:capture_stored).
	Channel string
	// Timeout bounds each publish attempt (default 5s).
	Timeout time.Duration
	// Retries is the number of retries after the first attempt.
	Retries int
	// Backoff is the initial retry delay (default 500ms).
	Backoff time.Duration
	// Clock drives retry backoff. Default: the wall clock.
	Clock clock.Clock
}

// Notifier publishes events via Redis PUBLISH.
type Notifier struct {
	cfg    Config
	client *goredis.Client
}

var _ notify.Notifier = (*Notifier)(nil)

// New creates a Redis notifier. The connection is established lazily.
func New(cfg Config) (*Notifier, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis notifier requires a URL")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis notifier: invalid URL: %w", err)
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Notifier{cfg: cfg, client: goredis.NewClient(opts)}, nil
}

// CaptureStored publishes ev to the configured channel.
func (n *Notifier) CaptureStored(ctx context.Context, ev notify.CaptureStored) error {
	if ev.EventType == "" {
		ev.EventType = notify.EventType
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis: marshal event: %w", err)
	}

	var lastErr error
	attempts := 1 + n.cfg.Retries
	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("redis: context canceled: %w", err)
		}
		if i > 0 {
			backoff := n.cfg.Backoff << uint(i-1)
			select {
			case <-ctx.Done():
				return fmt.Errorf("redis: context canceled during backoff: %w", ctx.Err())
			case <-n.cfg.Clock.After(backoff):
			}
		}

		pubCtx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
		lastErr = n.client.Publish(pubCtx, n.cfg.Channel, body).Err()
		cancel()
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("redis: failed after %d attempts: %w", attempts, lastErr)
}

// Ping checks the connection.
func (n *Notifier) Ping(ctx context.Context) error {
	return n.client.Ping(ctx).Err()
}

// Close releases the client.
func (n *Notifier) Close() error {
	return n.client.Close()
}
