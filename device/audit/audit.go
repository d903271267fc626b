// Package audit records gateway faults and mirrors device traffic to the
// metadata store.
//
// Every fault is written three ways: a structured log entry at the code's
// severity, an error record in the metadata store, and a tagged counter.
// Store failures are logged and swallowed; auditing never fails a caller.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"

	"github.com/uber-go/tally/v4"

	"github.com/kabili207/camgate/core/fault"
	"github.com/kabili207/camgate/core/transfer"
	"github.com/kabili207/camgate/metrics"
	"github.com/kabili207/camgate/store"
)

// Config configures a Recorder.
type Config struct {
	Store store.MetadataStore

	// Logger for fault entries. If nil, slog.Default() is used.
	Logger *slog.Logger

	// Scope for fault counters. If nil, metrics are discarded.
	Scope tally.Scope
}

// Recorder writes faults and audit log entries.
type Recorder struct {
	store store.MetadataStore
	log   *slog.Logger
	scope tally.Scope
}

// New creates a Recorder.
func New(cfg Config) *Recorder {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Recorder{
		store: cfg.Store,
		log:   cfg.Logger.WithGroup("audit"),
		scope: metrics.ScopeOrNop(cfg.Scope).SubScope("faults"),
	}
}

// Fault describes one fault occurrence.
type Fault struct {
	Code   fault.Code
	Device transfer.DeviceID
	// DeviceRecord is the device record id. When empty it is resolved from
	// Device.
	DeviceRecord  string
	CaptureRecord string
	Image         string
	Details       map[string]any
}

// Fault logs f and stores it in the error log.
func (r *Recorder) Fault(ctx context.Context, f Fault) {
	sev := f.Code.Severity()
	r.emit(ctx, f, int(f.Code), string(sev), f.Code.Message(), sev == fault.SeverityWarn)
}

// DeviceError records an error the device reported about its own capture.
// The device's code is stored as-is with severity error.
func (r *Recorder) DeviceError(ctx context.Context, f Fault, code int, reason string) {
	details := map[string]any{"reason": reason}
	for k, v := range f.Details {
		details[k] = v
	}
	f.Details = details
	r.emit(ctx, f, code, string(fault.SeverityError), fault.Code(code).Message(), false)
}

func (r *Recorder) emit(ctx context.Context, f Fault, code int, severity, message string, warn bool) {
	attrs := []any{
		"code", code,
		"message", message,
		"device", string(f.Device),
	}
	if f.Image != "" {
		attrs = append(attrs, "image", f.Image)
	}
	if len(f.Details) > 0 {
		attrs = append(attrs, "details", f.Details)
	}
	if warn {
		r.log.Warn("fault recorded", attrs...)
	} else {
		r.log.Error("fault recorded", attrs...)
	}
	r.scope.Tagged(map[string]string{"code": strconv.Itoa(code)}).Counter("recorded").Inc(1)

	if r.store == nil {
		return
	}
	deviceRecord := f.DeviceRecord
	if deviceRecord == "" && f.Device != "" {
		id, err := r.store.EnsureDevice(ctx, f.Device)
		if err != nil {
			r.log.Error("resolving device for error record failed", "device", string(f.Device), "error", err)
			return
		}
		deviceRecord = id
	}
	err := r.store.InsertError(ctx, store.ErrorRecord{
		DeviceID:  deviceRecord,
		CaptureID: f.CaptureRecord,
		Code:      code,
		Severity:  severity,
		Message:   message,
		Details:   f.Details,
	})
	if err != nil {
		r.log.Error("error record insert failed", "code", code, "error", err)
	}
}

// Inbound mirrors a received message to the audit log.
func (r *Recorder) Inbound(ctx context.Context, deviceRecord, topic string, payload json.RawMessage) {
	r.publishLog(ctx, deviceRecord, topic, store.DirectionIn, payload)
}

// Outbound mirrors a published message to the audit log.
func (r *Recorder) Outbound(ctx context.Context, deviceRecord, topic string, payload json.RawMessage) {
	r.publishLog(ctx, deviceRecord, topic, store.DirectionOut, payload)
}

func (r *Recorder) publishLog(ctx context.Context, deviceRecord, topic, direction string, payload json.RawMessage) {
	if r.store == nil {
		return
	}
	err := r.store.InsertPublishLog(ctx, store.PublishLog{
		DeviceID:  deviceRecord,
		Topic:     topic,
		Direction: direction,
		Payload:   payload,
	})
	if err != nil {
		r.log.Warn("publish log insert failed", "topic", topic, "direction", direction, "error", err)
	}
}
