// Package notify announces stored captures to downstream consumers.
package notify

import (
	"context"
	"time"
)

// EventType is the event_type of a capture completion event.
const EventType = "capture_stored"

// CaptureStored is published after a capture has been uploaded and its
// record updated.
type CaptureStored struct {
	EventType     string    `json:"event_type"`
	Device        string    `json:"device"`
	Name          string    `json:"image_name"`
	DeviceRecord  string    `json:"device_id,omitempty"`
	CaptureRecord string    `json:"capture_id,omitempty"`
	StoragePath   string    `json:"storage_path"`
	ContentHash   string    `json:"content_hash"`
	HashAlgorithm string    `json:"hash_algorithm"`
	Bytes         int64     `json:"bytes"`
	StoredAt      time.Time `json:"stored_at"`
}

// Notifier delivers completion events. Implementations must respect context
// cancellation.
type Notifier interface {
	CaptureStored(ctx context.Context, ev CaptureStored) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) CaptureStored(context.Context, CaptureStored) error { return nil }
func (Nop) Close() error                                      { return nil }

var _ Notifier = Nop{}
