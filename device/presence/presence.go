// Package presence tracks which devices are reporting.
//
// The Tracker records when each device was last heard from on any channel.
// A device silent for longer than ReportInterval × TimeoutMultiplier is
// marked offline: it is dropped from the tracker and a synthesized
// "offline" status row is written for it. The next message brings it back
// online.
package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally/v4"

	"github.com/kabili207/camgate/core/transfer"
	"github.com/kabili207/camgate/metrics"
	"github.com/kabili207/camgate/store"
)

const (
	// DefaultReportInterval is the expected gap between device messages.
	DefaultReportInterval = 5 * time.Minute

	// DefaultTimeoutMultiplier is applied to ReportInterval to decide when
	// a device is offline.
	DefaultTimeoutMultiplier = 2.5

	// DefaultCheckInterval is the resolution of the timeout check loop.
	DefaultCheckInterval = 10 * time.Second

	// StatusOffline is written when a device times out.
	StatusOffline = "offline"
)

// DeviceState tracks one device's activity.
type DeviceState struct {
	ID       transfer.DeviceID
	Record   string
	LastSeen time.Time
}

// Config configures a Tracker.
type Config struct {
	// ReportInterval is the expected interval between device messages.
	// Default: 5 minutes.
	ReportInterval time.Duration

	// TimeoutMultiplier is applied to ReportInterval. Default: 2.5.
	TimeoutMultiplier float64

	// CheckInterval is the timeout scan period. Default: 10 seconds.
	CheckInterval time.Duration

	// Store resolves device records and receives offline rows.
	Store store.MetadataStore

	Clock clock.Clock

	// Logger for presence events. Falls back to slog.Default() if nil.
	Logger *slog.Logger

	Scope tally.Scope
}

// Tracker tracks reporting devices and detects silence.
type Tracker struct {
	cfg     Config
	log     *slog.Logger
	online  tally.Gauge
	offline tally.Counter

	mu        sync.Mutex
	devices   map[transfer.DeviceID]*DeviceState
	onOffline func(DeviceState)
	cancel    context.CancelFunc
}

// New creates a Tracker.
func New(cfg Config) *Tracker {
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = DefaultReportInterval
	}
	if cfg.TimeoutMultiplier <= 0 {
		cfg.TimeoutMultiplier = DefaultTimeoutMultiplier
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	scope := metrics.ScopeOrNop(cfg.Scope).SubScope("presence")
	return &Tracker{
		cfg:     cfg,
		log:     cfg.Logger.WithGroup("presence"),
		online:  scope.Gauge("online"),
		offline: scope.Counter("offline"),
		devices: make(map[transfer.DeviceID]*DeviceState),
	}
}

// Timeout returns the silence after which a device is offline.
func (t *Tracker) Timeout() time.Duration {
	return time.Duration(float64(t.cfg.ReportInterval) * t.cfg.TimeoutMultiplier)
}

// SetOnOffline sets the callback invoked after a device goes offline.
func (t *Tracker) SetOnOffline(fn func(DeviceState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onOffline = fn
}

// Seen records activity from id. The device record is resolved the first
// time a device is seen after being offline.
func (t *Tracker) Seen(ctx context.Context, id transfer.DeviceID) {
	now := t.cfg.Clock.Now()

	t.mu.Lock()
	if d, ok := t.devices[id]; ok {
		d.LastSeen = now
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	record, err := t.cfg.Store.EnsureDevice(ctx, id)
	if err != nil {
		t.log.Warn("resolving device failed", "device", string(id), "error", err)
		return
	}

	t.mu.Lock()
	if d, ok := t.devices[id]; ok {
		d.LastSeen = now
		t.mu.Unlock()
		return
	}
	t.devices[id] = &DeviceState{ID: id, Record: record, LastSeen: now}
	count := len(t.devices)
	t.mu.Unlock()

	t.online.Update(float64(count))
	t.log.Info("device online", "device", string(id))
}

// IsOnline reports whether id is currently tracked.
func (t *Tracker) IsOnline(id transfer.DeviceID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.devices[id]
	return ok
}

// OnlineCount returns the number of tracked devices.
func (t *Tracker) OnlineCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.devices)
}

// CheckTimeouts drops devices silent for longer than Timeout and records
// them offline.
func (t *Tracker) CheckTimeouts(ctx context.Context) {
	t.mu.Lock()
	now := t.cfg.Clock.Now()
	timeout := t.Timeout()

	var gone []DeviceState
	for id, d := range t.devices {
		if now.Sub(d.LastSeen) > timeout {
			gone = append(gone, *d)
			delete(t.devices, id)
		}
	}
	count := len(t.devices)
	onOffline := t.onOffline
	t.mu.Unlock()

	if len(gone) == 0 {
		return
	}
	t.online.Update(float64(count))

	for _, d := range gone {
		t.offline.Inc(1)
		t.log.Info("device offline", "device", string(d.ID), "last_seen", d.LastSeen)

		raw, _ := json.Marshal(map[string]any{
			"status":    StatusOffline,
			"reason":    "presence_timeout",
			"last_seen": d.LastSeen.UTC(),
		})
		err := t.cfg.Store.InsertDeviceStatus(ctx, store.DeviceStatus{
			DeviceID: d.Record,
			Status:   StatusOffline,
			Raw:      raw,
		})
		if err != nil {
			t.log.Error("offline status insert failed", "device", string(d.ID), "error", err)
		}
		if onOffline != nil {
			onOffline(d)
		}
	}
}

// Start begins the periodic timeout check loop. Blocks until the context
// is cancelled.
func (t *Tracker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	ticker := t.cfg.Clock.Ticker(t.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.CheckTimeouts(ctx)
		}
	}
}

// Stop cancels the check loop.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}
