// Package ingest applies data-channel messages to in-flight assemblies.
//
// The Ingester is invoked once per inbound message. Announcements create
// or refresh the capture record and declare the transfer shape; chunks are
// stored into their assembly, creating a minimal one when a chunk arrives
// before its announcement. Every message is mirrored to the audit log.
// Per-message failures are recorded as faults and never returned.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally/v4"

	"github.com/kabili207/camgate/core/assembly"
	"github.com/kabili207/camgate/core/codec"
	"github.com/kabili207/camgate/core/dedupe"
	"github.com/kabili207/camgate/core/fault"
	"github.com/kabili207/camgate/core/transfer"
	"github.com/kabili207/camgate/device/ack"
	"github.com/kabili207/camgate/device/audit"
	"github.com/kabili207/camgate/metrics"
	"github.com/kabili207/camgate/store"
)

// CaptureFormat is recorded on every capture.
const CaptureFormat = "jpeg"

// Config configures an Ingester.
type Config struct {
	Registry *assembly.Registry
	Store    store.MetadataStore
	Acks     *ack.Publisher
	Audit    *audit.Recorder

	// Recent remembers finalized keys. May be nil.
	Recent *dedupe.Filter

	// Clock provides receipt time. Default: the wall clock.
	Clock clock.Clock

	// Logger for ingest events. If nil, slog.Default() is used.
	Logger *slog.Logger

	Scope tally.Scope
}

// Ingester handles data-channel messages.
type Ingester struct {
	cfg   Config
	log   *slog.Logger
	scope tally.Scope
	size  tally.Gauge
}

// New creates an Ingester.
func New(cfg Config) *Ingester {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Registry == nil {
		cfg.Registry = assembly.NewRegistry(assembly.RegistryConfig{Now: cfg.Clock.Now})
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.New(audit.Config{Store: cfg.Store, Logger: cfg.Logger, Scope: cfg.Scope})
	}
	if cfg.Acks == nil {
		cfg.Acks = ack.New(ack.Config{Logger: cfg.Logger})
	}
	root := metrics.ScopeOrNop(cfg.Scope)
	return &Ingester{
		cfg:   cfg,
		log:   cfg.Logger.WithGroup("ingest"),
		scope: root.SubScope("ingest"),
		size:  root.Gauge("registry.size"),
	}
}

// Registry returns the registry the Ingester writes to.
func (in *Ingester) Registry() *assembly.Registry {
	return in.cfg.Registry
}

// HandleData processes one message received on a device's data channel.
func (in *Ingester) HandleData(ctx context.Context, topic transfer.Topic, body []byte) {
	msg, decodeErr := codec.DecodeData(body)

	deviceRecord, err := in.cfg.Store.EnsureDevice(ctx, topic.Device)
	if err != nil {
		in.log.Error("device registration failed, dropping message",
			"device", string(topic.Device), "error", err)
		return
	}

	var view json.RawMessage
	if msg != nil {
		view = msg.AuditView()
	} else {
		view, _ = json.Marshal(map[string]any{"raw_size": len(body)})
	}
	in.cfg.Audit.Inbound(ctx, deviceRecord, topic.String(), view)

	if decodeErr != nil {
		in.decodeFault(ctx, topic, deviceRecord, msg, decodeErr, len(body))
		return
	}

	switch msg.Kind {
	case codec.KindAnnouncement:
		in.handleAnnouncement(ctx, topic, deviceRecord, msg)
	case codec.KindChunk:
		in.handleChunk(ctx, topic, deviceRecord, msg.Chunk)
	}
}

func (in *Ingester) decodeFault(ctx context.Context, topic transfer.Topic, deviceRecord string, msg *codec.Message, err error, size int) {
	f := audit.Fault{
		Device:       topic.Device,
		DeviceRecord: deviceRecord,
		Details:      map[string]any{"error": err.Error()},
	}
	if msg != nil {
		f.Image = msg.Name()
		if msg.Chunk != nil {
			f.Details["chunk_id"] = msg.Chunk.Index
		}
	}

	switch {
	case errors.Is(err, codec.ErrMissingPayload):
		f.Code = fault.ChunkPayloadMissing
	case errors.Is(err, codec.ErrPayloadDecode):
		f.Code = fault.ChunkDecodeFailed
	case errors.Is(err, codec.ErrMissingName) && msg != nil && msg.Kind == codec.KindAnnouncement:
		f.Code = fault.AnnouncementFailed
	default:
		f.Code = fault.ParseFailed
		f.Details["raw_size"] = size
	}
	in.cfg.Audit.Fault(ctx, f)
	in.scope.Tagged(map[string]string{"code": f.Code.Message()}).Counter("errors").Inc(1)
}

func (in *Ingester) handleAnnouncement(ctx context.Context, topic transfer.Topic, deviceRecord string, msg *codec.Message) {
	a := msg.Announcement
	key := transfer.KeyFor(topic, a.Name)
	view := msg.AuditView()

	captured := a.Timestamp
	if captured == "" {
		captured = a.TimestampLC
	}
	params := assembly.Params{
		TotalChunks:   a.TotalChunks,
		ChunkSize:     a.ChunkSize,
		DeclaredBytes: a.ImageSize,
		Fingerprint:   dedupe.AnnouncementFingerprint(a.TotalChunks, a.ImageSize, captured),
	}

	if in.cfg.Recent != nil {
		if fp, ok := in.cfg.Recent.Fingerprint(key); ok {
			if a.Error == 0 && fp == params.Fingerprint {
				in.redelivered(ctx, key, deviceRecord)
				return
			}
			in.cfg.Recent.Forget(key)
			in.log.Debug("transfer name reused", "key", key.String())
		}
	}

	if limit := in.cfg.Registry.MaxChunks(); a.Error == 0 && a.TotalChunks > limit {
		in.cfg.Audit.Fault(ctx, audit.Fault{
			Code:         fault.AnnouncementFailed,
			Device:       topic.Device,
			DeviceRecord: deviceRecord,
			Image:        a.Name,
			Details:      map[string]any{"total_chunk_count": a.TotalChunks, "max_chunks": limit},
		})
		in.scope.Tagged(map[string]string{"code": fault.AnnouncementFailed.Message()}).Counter("errors").Inc(1)
		return
	}

	// A device error rejects the assembly before any store I/O.
	var asm *assembly.Assembly
	if a.Error != 0 {
		params.DeviceError = a.Error
		params.Reason = codec.DeviceErrorReason(a.Error)
		asm, _ = in.acquire(ctx, key)
		asm.ApplyAnnouncement(params)
	}

	captureRecord, err := in.cfg.Store.UpsertCapture(ctx, store.CaptureMeta{
		DeviceID:      deviceRecord,
		Name:          a.Name,
		CapturedAt:    a.CapturedAt(in.cfg.Clock.Now().UTC()),
		DeclaredBytes: a.ImageSize,
		ChunkSize:     a.ChunkSize,
		TotalChunks:   a.TotalChunks,
		Format:        CaptureFormat,
		Meta:          view,
	})
	if err != nil {
		in.cfg.Audit.Fault(ctx, audit.Fault{
			Code:         fault.AnnouncementFailed,
			Device:       topic.Device,
			DeviceRecord: deviceRecord,
			Image:        a.Name,
			Details:      map[string]any{"error": err.Error()},
		})
		in.scope.Tagged(map[string]string{"code": fault.AnnouncementFailed.Message()}).Counter("errors").Inc(1)
		return
	}

	if a.HasSensors() {
		err := in.cfg.Store.InsertSensorReading(ctx, store.SensorReading{
			DeviceID:     deviceRecord,
			CaptureID:    captureRecord,
			TemperatureC: a.Temperature,
			HumidityPct:  a.Humidity,
			PressureHPa:  a.Pressure,
			GasKOhm:      a.GasResistance,
			Raw:          view,
		})
		if err != nil {
			in.log.Warn("sensor reading insert failed", "key", key.String(), "error", err)
		}
	}

	handle := assembly.Handle{DeviceRecord: deviceRecord, CaptureRecord: captureRecord}
	if asm != nil {
		asm.SetHandle(handle)
	} else {
		asm, _ = in.acquire(ctx, key)
		asm.SetHandle(handle)
		asm.ApplyAnnouncement(params)
	}
	in.scope.Counter("announcements").Inc(1)

	p := asm.Progress()
	in.log.Info("transfer announced",
		"key", key.String(),
		"total", a.TotalChunks,
		"bytes", a.ImageSize,
		"received", p.Received,
	)

	if a.Error != 0 {
		in.rejectTransfer(ctx, key, deviceRecord, captureRecord, a.Error, params.Reason)
	}
}

// redelivered answers an announcement repeated after its transfer was
// stored. The stored record is left untouched.
func (in *Ingester) redelivered(ctx context.Context, key transfer.Key, deviceRecord string) {
	in.scope.Counter("announcements.redelivered").Inc(1)
	in.log.Debug("announcement for stored transfer, re-acknowledging", "key", key.String())
	if err := in.cfg.Acks.AckOK(ctx, key, deviceRecord); err != nil {
		in.log.Warn("re-acknowledge failed", "key", key.String(), "error", err)
	}
}

// rejectTransfer records a device-reported capture failure. The assembly is
// already rejected; it stays registered so late chunks are absorbed.
func (in *Ingester) rejectTransfer(ctx context.Context, key transfer.Key, deviceRecord, captureRecord string, code int, reason string) {
	in.cfg.Audit.DeviceError(ctx, audit.Fault{
		Device:        key.Device,
		DeviceRecord:  deviceRecord,
		CaptureRecord: captureRecord,
		Image:         key.Name,
	}, code, reason)

	if err := in.cfg.Store.MarkCaptureFailed(ctx, captureRecord, reason); err != nil {
		in.log.Error("marking rejected capture failed", "key", key.String(), "error", err)
	}
	if err := in.cfg.Acks.AckError(ctx, key, deviceRecord, code); err != nil {
		in.log.Warn("ack error reply failed", "key", key.String(), "error", err)
	}
}

func (in *Ingester) handleChunk(ctx context.Context, topic transfer.Topic, deviceRecord string, c *codec.Chunk) {
	key := transfer.KeyFor(topic, c.Name)

	if in.cfg.Recent != nil && in.cfg.Recent.Contains(key) {
		in.scope.Counter("chunks.late").Inc(1)
		in.log.Debug("chunk for finalized transfer, re-acknowledging", "key", key.String(), "chunk", c.Index)
		if err := in.cfg.Acks.AckOK(ctx, key, deviceRecord); err != nil {
			in.log.Warn("re-acknowledge failed", "key", key.String(), "error", err)
		}
		return
	}

	if limit := in.cfg.Registry.MaxChunks(); c.Index < 0 || c.Index >= limit || c.TotalHint > limit {
		in.cfg.Audit.Fault(ctx, audit.Fault{
			Code:         fault.ChunkOutOfRange,
			Device:       topic.Device,
			DeviceRecord: deviceRecord,
			Image:        c.Name,
			Details: map[string]any{
				"chunk_id":           c.Index,
				"total_chunks_count": c.TotalHint,
				"max_chunks":         limit,
			},
		})
		in.scope.Tagged(map[string]string{"code": fault.ChunkOutOfRange.Message()}).Counter("errors").Inc(1)
		return
	}

	asm, created := in.acquire(ctx, key)
	total := max(c.TotalHint, c.Index+1)
	if created {
		in.log.Info("chunk before announcement", "key", key.String(), "chunk", c.Index, "inferred_total", total)
		handle := assembly.Handle{DeviceRecord: deviceRecord}
		captureRecord, err := in.cfg.Store.UpsertCapture(ctx, store.CaptureMeta{
			DeviceID:      deviceRecord,
			Name:          c.Name,
			CapturedAt:    in.cfg.Clock.Now().UTC(),
			DeclaredBytes: c.ImageSize,
			ChunkSize:     c.ChunkSize,
			TotalChunks:   total,
			Format:        CaptureFormat,
		})
		if err != nil {
			in.log.Error("minimal capture record failed", "key", key.String(), "error", err)
		} else {
			handle.CaptureRecord = captureRecord
		}
		asm.SetHandle(handle)
	}
	asm.InferTotal(total)

	in.scope.Counter("chunks").Inc(1)
	if !asm.ApplyChunk(c.Index, c.Data) {
		in.scope.Counter("chunks.duplicate").Inc(1)
		in.log.Debug("chunk ignored", "key", key.String(), "chunk", c.Index)
		return
	}
	if in.log.Enabled(ctx, slog.LevelDebug) {
		p := asm.Progress()
		in.log.Debug("chunk stored", "key", key.String(), "chunk", c.Index, "received", p.Received, "total", p.Total)
	}
}

func (in *Ingester) acquire(ctx context.Context, key transfer.Key) (*assembly.Assembly, bool) {
	a, created, evicted := in.cfg.Registry.GetOrCreate(key)
	if evicted != nil {
		in.evict(ctx, evicted)
	}
	if created {
		in.size.Update(float64(in.cfg.Registry.Len()))
	}
	return a, created
}

// evict records an assembly forced out by registry capacity.
func (in *Ingester) evict(ctx context.Context, a *assembly.Assembly) {
	key := a.Key()
	h := a.Handle()
	p := a.Progress()
	a.MarkFailed()

	in.cfg.Audit.Fault(ctx, audit.Fault{
		Code:          fault.RegistryEvicted,
		Device:        key.Device,
		DeviceRecord:  h.DeviceRecord,
		CaptureRecord: h.CaptureRecord,
		Image:         key.Name,
		Details:       map[string]any{"received": p.Received, "total": p.Total},
	})
	if h.CaptureRecord != "" {
		if err := in.cfg.Store.MarkCaptureFailed(ctx, h.CaptureRecord, "evicted: too many in-flight transfers"); err != nil {
			in.log.Error("marking evicted capture failed", "key", key.String(), "error", err)
		}
	}
}
