// Package command delivers queued commands to devices.
//
// The Dispatcher polls the metadata store for commands in the queued state,
// publishes each one to its device's cmd channel and marks it sent. A
// command whose publish fails is marked failed with the error; it is not
// retried.
package command

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally/v4"

	"github.com/kabili207/camgate/device/ack"
	"github.com/kabili207/camgate/metrics"
	"github.com/kabili207/camgate/store"
)

const (
	DefaultInterval  = 5 * time.Second
	DefaultBatchSize = 20
)

// Config configures a Dispatcher.
type Config struct {
	// Interval is the poll period. Default: 5s.
	Interval time.Duration

	// BatchSize caps the commands sent per poll. Default: 20.
	BatchSize int

	Store store.MetadataStore
	Acks  *ack.Publisher

	// Ready reports whether the transport can publish. When it returns
	// false the poll is skipped and commands stay queued. May be nil.
	Ready func() bool

	Clock clock.Clock

	// Logger for dispatch events. If nil, slog.Default() is used.
	Logger *slog.Logger

	Scope tally.Scope
}

// Dispatcher publishes queued commands.
type Dispatcher struct {
	cfg   Config
	log   *slog.Logger
	scope tally.Scope

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		cfg:   cfg,
		log:   cfg.Logger.WithGroup("command"),
		scope: metrics.ScopeOrNop(cfg.Scope).SubScope("commands"),
	}
}

// Poll sends one batch of queued commands and returns how many were
// published.
func (d *Dispatcher) Poll(ctx context.Context) int {
	if d.cfg.Ready != nil && !d.cfg.Ready() {
		return 0
	}
	cmds, err := d.cfg.Store.QueuedCommands(ctx, d.cfg.BatchSize)
	if err != nil {
		d.log.Error("loading queued commands failed", "error", err)
		return 0
	}

	sent := 0
	for _, cmd := range cmds {
		if err := d.cfg.Acks.Command(ctx, cmd); err != nil {
			d.scope.Counter("failed").Inc(1)
			d.log.Warn("command publish failed", "command", cmd.ID, "device", string(cmd.HardwareID), "error", err)
			if err := d.cfg.Store.MarkCommandFailed(ctx, cmd.ID, err.Error()); err != nil {
				d.log.Error("marking command failed", "command", cmd.ID, "error", err)
			}
			continue
		}
		if err := d.cfg.Store.MarkCommandSent(ctx, cmd.ID, d.cfg.Clock.Now()); err != nil {
			d.log.Error("marking command sent", "command", cmd.ID, "error", err)
		}
		sent++
		d.scope.Counter("sent").Inc(1)
		d.log.Info("command sent", "command", cmd.ID, "device", string(cmd.HardwareID), "type", cmd.Type)
	}
	return sent
}

// Start runs the poll loop. Blocks until the context is cancelled or Stop
// is called.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()

	ticker := d.cfg.Clock.Ticker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Poll(ctx)
		}
	}
}

// Stop cancels the poll loop.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
}
