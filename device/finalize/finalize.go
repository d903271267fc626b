// Package finalize turns a complete assembly into a stored capture.
//
// Finalization validates the assembled bytes, hashes them, uploads them to
// the object store, marks the capture record stored and acknowledges the
// device. Size and marker checks only warn; upload and record update
// failures abort the attempt.
package finalize

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally/v4"

	"github.com/kabili207/camgate/core/assembly"
	"github.com/kabili207/camgate/core/dedupe"
	"github.com/kabili207/camgate/core/digest"
	"github.com/kabili207/camgate/core/fault"
	"github.com/kabili207/camgate/device/ack"
	"github.com/kabili207/camgate/device/audit"
	"github.com/kabili207/camgate/metrics"
	"github.com/kabili207/camgate/notify"
	"github.com/kabili207/camgate/store"
)

var (
	// ErrEmptyPayload is returned for an assembly with no bytes.
	ErrEmptyPayload = errors.New("assembled payload is empty")
	// ErrUpload wraps object store failures.
	ErrUpload = errors.New("upload failed")
	// ErrRecordUpdate wraps metadata store failures.
	ErrRecordUpdate = errors.New("capture record update failed")
)

var (
	startMarker = []byte{0xFF, 0xD8}
	endMarker   = []byte{0xFF, 0xD9}
)

// Config configures a Finalizer.
type Config struct {
	Objects store.ObjectStore
	Store   store.MetadataStore
	Acks    *ack.Publisher
	Audit   *audit.Recorder

	// Recent remembers finalized keys. May be nil.
	Recent *dedupe.Filter

	// Notifier receives completion events. Default: notify.Nop.
	Notifier notify.Notifier

	// Hash selects the content hash. Default: digest.SHA256.
	Hash digest.Algorithm

	// Clock provides the date partition. Default: the wall clock.
	Clock clock.Clock

	// Logger for finalization events. If nil, slog.Default() is used.
	Logger *slog.Logger

	Scope tally.Scope
}

// Result describes a stored capture.
type Result struct {
	StoragePath string
	ContentHash string
	Bytes       int64
}

// Finalizer stores complete assemblies.
type Finalizer struct {
	cfg   Config
	log   *slog.Logger
	scope tally.Scope
}

// New creates a Finalizer.
func New(cfg Config) *Finalizer {
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop{}
	}
	if cfg.Hash == "" {
		cfg.Hash = digest.SHA256
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Acks == nil {
		cfg.Acks = ack.New(ack.Config{Logger: cfg.Logger})
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.New(audit.Config{Store: cfg.Store, Logger: cfg.Logger, Scope: cfg.Scope})
	}
	return &Finalizer{
		cfg:   cfg,
		log:   cfg.Logger.WithGroup("finalize"),
		scope: metrics.ScopeOrNop(cfg.Scope).SubScope("finalize"),
	}
}

// Finalize stores s. A returned error means the capture was not stored and
// the device was not acknowledged.
func (f *Finalizer) Finalize(ctx context.Context, s assembly.Sealed) (Result, error) {
	sw := f.scope.Timer("duration").Start()
	defer sw.Stop()

	data := s.Data
	if len(data) == 0 {
		return Result{}, ErrEmptyPayload
	}
	size := int64(len(data))
	base := audit.Fault{
		Device:        s.Key.Device,
		DeviceRecord:  s.Handle.DeviceRecord,
		CaptureRecord: s.Handle.CaptureRecord,
		Image:         s.Key.Name,
	}

	if s.DeclaredBytes > 0 && s.DeclaredBytes != size {
		f.warn(ctx, base, fault.SizeMismatch, map[string]any{
			"expected": s.DeclaredBytes,
			"actual":   size,
		})
	}
	if !bytes.HasPrefix(data, startMarker) || !bytes.HasSuffix(data, endMarker) {
		f.warn(ctx, base, fault.MarkerMismatch, map[string]any{
			"head": fmt.Sprintf("%X", data[:min(2, len(data))]),
			"tail": fmt.Sprintf("%X", data[max(0, len(data)-2):]),
		})
	}

	sum, err := f.cfg.Hash.Sum(data)
	if err != nil {
		return Result{}, fmt.Errorf("hashing %s: %w", s.Key, err)
	}

	now := f.cfg.Clock.Now()
	path := store.CapturePath(s.Key.Device, now, s.Key.Name)
	if err := f.cfg.Objects.Put(ctx, path, data, store.ContentTypeJPEG); err != nil {
		f.fail(ctx, base, fault.UploadFailed, path, err)
		return Result{}, fmt.Errorf("%w: %s: %w", ErrUpload, path, err)
	}

	res := Result{StoragePath: path, ContentHash: sum, Bytes: size}
	if s.Handle.CaptureRecord != "" {
		err := f.cfg.Store.MarkCaptureStored(ctx, s.Handle.CaptureRecord, store.StoredCapture{
			StoragePath: path,
			ContentHash: sum,
			Bytes:       size,
		})
		if err != nil {
			f.fail(ctx, base, fault.RecordUpdateFailed, path, err)
			return Result{}, fmt.Errorf("%w: %w", ErrRecordUpdate, err)
		}
	} else {
		f.log.Warn("stored capture has no record", "key", s.Key.String(), "path", path)
	}

	if err := f.cfg.Acks.AckOK(ctx, s.Key, s.Handle.DeviceRecord); err != nil {
		f.log.Warn("ack after store failed", "key", s.Key.String(), "error", err)
	}
	if f.cfg.Recent != nil {
		f.cfg.Recent.Remember(s.Key, s.Fingerprint)
	}

	f.scope.Counter("stored").Inc(1)
	f.scope.Counter("bytes").Inc(size)
	f.log.Info("capture stored",
		"key", s.Key.String(),
		"path", path,
		"bytes", size,
		"hash", sum,
		"chunks", s.TotalChunks,
		"elapsed", now.Sub(s.CreatedAt),
	)

	err = f.cfg.Notifier.CaptureStored(ctx, notify.CaptureStored{
		EventType:     notify.EventType,
		Device:        string(s.Key.Device),
		Name:          s.Key.Name,
		DeviceRecord:  s.Handle.DeviceRecord,
		CaptureRecord: s.Handle.CaptureRecord,
		StoragePath:   path,
		ContentHash:   sum,
		HashAlgorithm: string(f.cfg.Hash),
		Bytes:         size,
		StoredAt:      now.UTC(),
	})
	if err != nil {
		f.log.Warn("completion notification failed", "key", s.Key.String(), "error", err)
	}
	return res, nil
}

func (f *Finalizer) warn(ctx context.Context, base audit.Fault, code fault.Code, details map[string]any) {
	base.Code = code
	base.Details = details
	f.cfg.Audit.Fault(ctx, base)
	f.scope.Tagged(map[string]string{"code": code.Message()}).Counter("warnings").Inc(1)
}

func (f *Finalizer) fail(ctx context.Context, base audit.Fault, code fault.Code, path string, err error) {
	base.Code = code
	base.Details = map[string]any{"path": path, "error": err.Error()}
	f.cfg.Audit.Fault(ctx, base)
}
