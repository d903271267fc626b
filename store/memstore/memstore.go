// Package memstore provides in-memory metadata and object stores. They back
// the gateway in tests and in ephemeral deployments where nothing needs to
// survive a restart.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kabili207/camgate/core/transfer"
	"github.com/kabili207/camgate/store"
)

// Device is a registered device.
type Device struct {
	ID         string
	HardwareID transfer.DeviceID
	Model      string
	LastSeenAt time.Time
}

// Capture is a capture record with its ingest state.
type Capture struct {
	ID     string
	Meta   store.CaptureMeta
	Status string
	Error  string
	Stored store.StoredCapture
}

// Command is a queued command with its delivery state.
type Command struct {
	store.Command
	Status string
	SentAt time.Time
	Error  string
}

// Failures injects errors into specific operations.
type Failures struct {
	EnsureDevice      error
	UpsertCapture     error
	MarkCaptureStored error
	MarkCaptureFailed error
}

// Store is an in-memory store.MetadataStore.
type Store struct {
	mu sync.Mutex

	now func() time.Time
	seq int

	devices  map[transfer.DeviceID]*Device
	captures map[string]*Capture
	byName   map[[2]string]string

	sensors  []store.SensorReading
	errors   []store.ErrorRecord
	logs     []store.PublishLog
	statuses []store.DeviceStatus
	commands []*Command

	fail Failures
}

var _ store.MetadataStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		now:      time.Now,
		devices:  make(map[transfer.DeviceID]*Device),
		captures: make(map[string]*Capture),
		byName:   make(map[[2]string]string),
	}
}

// SetNow overrides the store clock.
func (s *Store) SetNow(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = fn
}

// SetFailures replaces the injected failures.
func (s *Store) SetFailures(f Failures) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = f
}

func (s *Store) EnsureDevice(_ context.Context, hw transfer.DeviceID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fail.EnsureDevice != nil {
		return "", s.fail.EnsureDevice
	}
	if d, ok := s.devices[hw]; ok {
		d.LastSeenAt = s.now()
		return d.ID, nil
	}
	d := &Device{
		ID:         uuid.NewString(),
		HardwareID: hw,
		Model:      store.DefaultDeviceModel,
		LastSeenAt: s.now(),
	}
	s.devices[hw] = d
	return d.ID, nil
}

func (s *Store) UpsertCapture(_ context.Context, c store.CaptureMeta) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fail.UpsertCapture != nil {
		return "", s.fail.UpsertCapture
	}
	k := [2]string{c.DeviceID, c.Name}
	if id, ok := s.byName[k]; ok {
		rec := s.captures[id]
		rec.Meta = c
		rec.Status = store.CaptureAssembling
		rec.Error = ""
		return id, nil
	}
	id := uuid.NewString()
	s.captures[id] = &Capture{ID: id, Meta: c, Status: store.CaptureAssembling}
	s.byName[k] = id
	return id, nil
}

func (s *Store) MarkCaptureStored(_ context.Context, captureID string, st store.StoredCapture) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fail.MarkCaptureStored != nil {
		return s.fail.MarkCaptureStored
	}
	c, ok := s.captures[captureID]
	if !ok {
		return fmt.Errorf("capture %s: %w", captureID, store.ErrNotFound)
	}
	c.Status = store.CaptureStored
	c.Error = ""
	c.Stored = st
	return nil
}

func (s *Store) MarkCaptureFailed(_ context.Context, captureID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fail.MarkCaptureFailed != nil {
		return s.fail.MarkCaptureFailed
	}
	c, ok := s.captures[captureID]
	if !ok {
		return fmt.Errorf("capture %s: %w", captureID, store.ErrNotFound)
	}
	c.Status = store.CaptureFailed
	c.Error = reason
	return nil
}

func (s *Store) InsertSensorReading(_ context.Context, r store.SensorReading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sensors = append(s.sensors, r)
	return nil
}

func (s *Store) InsertError(_ context.Context, e store.ErrorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, e)
	return nil
}

func (s *Store) InsertPublishLog(_ context.Context, l store.PublishLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, l)
	return nil
}

func (s *Store) InsertDeviceStatus(_ context.Context, st store.DeviceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, st)
	return nil
}

func (s *Store) EnqueueCommand(ctx context.Context, hw transfer.DeviceID, cmdType string, payload json.RawMessage) (string, error) {
	devID, err := s.EnsureDevice(ctx, hw)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	cmd := &Command{
		Command: store.Command{
			ID:         uuid.NewString(),
			DeviceID:   devID,
			HardwareID: hw,
			Type:       cmdType,
			Payload:    payload,
			CreatedAt:  s.now().Add(time.Duration(s.seq)),
		},
		Status: store.CommandQueued,
	}
	s.commands = append(s.commands, cmd)
	return cmd.ID, nil
}

func (s *Store) QueuedCommands(_ context.Context, limit int) ([]store.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.Command
	for _, c := range s.commands {
		if c.Status != store.CommandQueued {
			continue
		}
		out = append(out, c.Command)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkCommandSent(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.command(id)
	if c == nil {
		return fmt.Errorf("command %s: %w", id, store.ErrNotFound)
	}
	c.Status = store.CommandSent
	c.SentAt = at
	return nil
}

func (s *Store) MarkCommandFailed(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.command(id)
	if c == nil {
		return fmt.Errorf("command %s: %w", id, store.ErrNotFound)
	}
	c.Status = store.CommandFailed
	c.Error = reason
	return nil
}

func (s *Store) command(id string) *Command {
	for _, c := range s.commands {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (s *Store) Ping(context.Context) error { return nil }
func (s *Store) Close() error             { return nil }

// Inspection helpers.

// Device returns the registered device for hw.
func (s *Store) Device(hw transfer.DeviceID) (Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[hw]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// CaptureByName returns the capture record for (deviceID, name).
func (s *Store) CaptureByName(deviceID, name string) (Capture, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byName[[2]string{deviceID, name}]
	if !ok {
		return Capture{}, false
	}
	return *s.captures[id], true
}

// Capture returns the capture record by id.
func (s *Store) Capture(id string) (Capture, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.captures[id]
	if !ok {
		return Capture{}, false
	}
	return *c, true
}

// Errors returns a copy of the recorded errors.
func (s *Store) Errors() []store.ErrorRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.ErrorRecord(nil), s.errors...)
}

// ErrorCodes returns the codes of the recorded errors in order.
func (s *Store) ErrorCodes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.errors))
	for i, e := range s.errors {
		out[i] = e.Code
	}
	return out
}

// PublishLogs returns a copy of the audit log.
func (s *Store) PublishLogs() []store.PublishLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.PublishLog(nil), s.logs...)
}

// SensorReadings returns a copy of the sensor readings.
func (s *Store) SensorReadings() []store.SensorReading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.SensorReading(nil), s.sensors...)
}

// Statuses returns a copy of the status history.
func (s *Store) Statuses() []store.DeviceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.DeviceStatus(nil), s.statuses...)
}

// Commands returns a copy of every command with its state.
func (s *Store) Commands() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Command, len(s.commands))
	for i, c := range s.commands {
		out[i] = *c
	}
	return out
}
