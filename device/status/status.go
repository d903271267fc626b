// Package status records device heartbeats.
package status

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/uber-go/tally/v4"

	"github.com/kabili207/camgate/core/codec"
	"github.com/kabili207/camgate/core/transfer"
	"github.com/kabili207/camgate/device/audit"
	"github.com/kabili207/camgate/metrics"
	"github.com/kabili207/camgate/store"
)

// Config configures a Handler.
type Config struct {
	Store store.MetadataStore
	Audit *audit.Recorder

	// Logger for status events. If nil, slog.Default() is used.
	Logger *slog.Logger

	Scope tally.Scope
}

// Handler stores status-channel messages.
type Handler struct {
	cfg   Config
	log   *slog.Logger
	scope tally.Scope
}

// New creates a Handler.
func New(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.New(audit.Config{Store: cfg.Store, Logger: cfg.Logger, Scope: cfg.Scope})
	}
	return &Handler{
		cfg:   cfg,
		log:   cfg.Logger.WithGroup("status"),
		scope: metrics.ScopeOrNop(cfg.Scope).SubScope("status"),
	}
}

// HandleStatus processes one message received on a device's status channel.
// Unparseable messages are logged and dropped.
func (h *Handler) HandleStatus(ctx context.Context, topic transfer.Topic, body []byte) {
	deviceRecord, err := h.cfg.Store.EnsureDevice(ctx, topic.Device)
	if err != nil {
		h.log.Error("device registration failed, dropping status",
			"device", string(topic.Device), "error", err)
		return
	}

	st, err := codec.DecodeStatus(body)
	if err != nil {
		view, _ := json.Marshal(map[string]any{"raw_size": len(body)})
		h.cfg.Audit.Inbound(ctx, deviceRecord, topic.String(), view)
		h.scope.Counter("invalid").Inc(1)
		h.log.Warn("unparseable status", "device", string(topic.Device), "error", err)
		return
	}
	h.cfg.Audit.Inbound(ctx, deviceRecord, topic.String(), st.Raw)

	var boots *int64
	if st.BootCount != nil {
		n := int64(*st.BootCount)
		boots = &n
	}
	err = h.cfg.Store.InsertDeviceStatus(ctx, store.DeviceStatus{
		DeviceID:     deviceRecord,
		Status:       st.Status,
		PendingCount: st.PendingImg,
		BatteryMV:    st.BatteryMV,
		WifiRSSI:     st.WifiRSSI,
		UptimeMS:     st.UptimeMS,
		BootCount:    boots,
		Raw:          st.Raw,
	})
	if err != nil {
		h.log.Error("status insert failed", "device", string(topic.Device), "error", err)
		return
	}
	h.scope.Counter("received").Inc(1)
	h.log.Debug("status recorded", "device", string(topic.Device), "status", st.Status)
}
