// Package store defines the metadata and object persistence used by the
// gateway.
//
// The metadata store keeps the device registry, capture records, sensor
// readings, error records, the publish audit log, device status history and
// the outbound command queue. The object store holds assembled image bytes.
// Implementations live in subpackages.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kabili207/camgate/core/transfer"
)

// ErrNotFound is returned when a referenced record does not exist.
var ErrNotFound = errors.New("record not found")

// DefaultDeviceModel is recorded for newly registered devices.
const DefaultDeviceModel = "ESP32S3-CAM"

// ContentTypeJPEG is the content type of stored captures.
const ContentTypeJPEG = "image/jpeg"

// Capture ingest states.
const (
	CaptureAssembling = "assembling"
	CaptureStored     = "stored"
	CaptureFailed     = "failed"
)

// Command queue states.
const (
	CommandQueued = "queued"
	CommandSent   = "sent"
	CommandFailed = "failed"
)

// Audit log directions.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// CaptureMeta is the announced description of a capture. It is written when
// an announcement arrives or when a chunk arrives for an unknown transfer.
type CaptureMeta struct {
	DeviceID      string
	Name          string
	CapturedAt    time.Time
	DeclaredBytes int64
	ChunkSize     int
	TotalChunks   int
	Format        string
	Meta          json.RawMessage
}

// StoredCapture describes a successful upload.
type StoredCapture struct {
	StoragePath string
	ContentHash string
	Bytes       int64
}

// SensorReading is one environmental sample attached to a capture.
type SensorReading struct {
	DeviceID     string
	CaptureID    string
	TemperatureC *float64
	HumidityPct  *float64
	PressureHPa  *float64
	GasKOhm      *float64
	Raw          json.RawMessage
}

// ErrorRecord is a structured fault attributed to a device and optionally a
// capture.
type ErrorRecord struct {
	DeviceID  string
	CaptureID string
	Code      int
	Severity  string
	Message   string
	Details   map[string]any
}

// PublishLog is one audit entry of a message in either direction.
type PublishLog struct {
	DeviceID  string
	Topic     string
	Direction string
	Payload   json.RawMessage
}

// DeviceStatus is one status report (or a synthesized presence change).
type DeviceStatus struct {
	DeviceID     string
	Status       string
	PendingCount *int
	BatteryMV    *int
	WifiRSSI     *int
	UptimeMS     *int64
	BootCount    *int64
	Raw          json.RawMessage
}

// Command is a queued instruction for a device.
type Command struct {
	ID         string
	DeviceID   string
	HardwareID transfer.DeviceID
	Type       string
	Payload    json.RawMessage
	CreatedAt  time.Time
}

// MetadataStore persists everything except image bytes. Every method must be
// safe for concurrent use.
type MetadataStore interface {
	// EnsureDevice registers hw if unknown, refreshes its last-seen time and
	// returns the device record id.
	EnsureDevice(ctx context.Context, hw transfer.DeviceID) (string, error)

	// UpsertCapture creates or refreshes the capture identified by
	// (DeviceID, Name), resetting it to CaptureAssembling. Returns the
	// capture record id.
	UpsertCapture(ctx context.Context, c CaptureMeta) (string, error)

	MarkCaptureStored(ctx context.Context, captureID string, s StoredCapture) error
	MarkCaptureFailed(ctx context.Context, captureID, reason string) error

	InsertSensorReading(ctx context.Context, r SensorReading) error
	InsertError(ctx context.Context, e ErrorRecord) error
	InsertPublishLog(ctx context.Context, l PublishLog) error
	InsertDeviceStatus(ctx context.Context, s DeviceStatus) error

	// EnqueueCommand adds a queued command for hw and returns its id.
	EnqueueCommand(ctx context.Context, hw transfer.DeviceID, cmdType string, payload json.RawMessage) (string, error)
	// QueuedCommands returns up to limit queued commands, oldest first.
	QueuedCommands(ctx context.Context, limit int) ([]Command, error)
	MarkCommandSent(ctx context.Context, id string, at time.Time) error
	MarkCommandFailed(ctx context.Context, id, reason string) error

	Ping(ctx context.Context) error
	Close() error
}

// ObjectStore holds image bytes. Put overwrites any existing object at path.
type ObjectStore interface {
	Put(ctx context.Context, path string, data []byte, contentType string) error
	// Check verifies the store is reachable and writable at startup.
	Check(ctx context.Context) error
}

// CapturePath returns the object path for a capture:
// captures/{device}/{YYYY}/{MM}/{DD}/{name}, dated in UTC.
func CapturePath(dev transfer.DeviceID, at time.Time, name string) string {
	at = at.UTC()
	return fmt.Sprintf("captures/%s/%04d/%02d/%02d/%s", dev, at.Year(), int(at.Month()), at.Day(), name)
}
