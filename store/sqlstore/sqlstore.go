// Package sqlstore implements store.MetadataStore on SQLite through GORM.
package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kabili207/camgate/core/transfer"
	"github.com/kabili207/camgate/store"
)

// Config configures the SQL metadata store.
type Config struct {
	// DSN is the SQLite data source, e.g. "camgate.db" or ":memory:".
	DSN string

	// Logger for store events. If nil, slog.Default() is used.
	Logger *slog.Logger

	// Now overrides the record clock. Defaults to time.Now.
	Now func() time.Time
}

// Store is a GORM-backed metadata store.
type Store struct {
	db  *gorm.DB
	log *slog.Logger
	now func() time.Time
}

var _ store.MetadataStore = (*Store)(nil)

// Open connects to the database and migrates the schema.
func Open(cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		cfg.DSN = "camgate.db"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	db, err := gorm.Open(sqlite.Open(cfg.DSN), &gorm.Config{
		Logger:  gormlogger.Discard,
		NowFunc: func() time.Time { return cfg.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:"
	// databases shared across goroutines.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(models...); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return &Store{
		db:  db,
		log: cfg.Logger.WithGroup("sqlstore"),
		now: cfg.Now,
	}, nil
}

// DB exposes the underlying handle for tests and tooling.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) EnsureDevice(ctx context.Context, hw transfer.DeviceID) (string, error) {
	now := s.now().UTC()
	dev := Device{
		ID:         uuid.NewString(),
		HardwareID: string(hw),
		Model:      store.DefaultDeviceModel,
		LastSeenAt: now,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "hardware_id"}},
		DoUpdates: clause.Assignments(map[string]any{"last_seen_at": now}),
	}).Create(&dev).Error
	if err != nil {
		return "", fmt.Errorf("upserting device %s: %w", hw, err)
	}

	var out Device
	if err := s.db.WithContext(ctx).Select("id").First(&out, "hardware_id = ?", string(hw)).Error; err != nil {
		return "", fmt.Errorf("loading device %s: %w", hw, err)
	}
	return out.ID, nil
}

func (s *Store) UpsertCapture(ctx context.Context, c store.CaptureMeta) (string, error) {
	captured := c.CapturedAt
	if captured.IsZero() {
		captured = s.now()
	}
	row := Capture{
		ID:              uuid.NewString(),
		DeviceID:        c.DeviceID,
		DeviceCaptureID: c.Name,
		CapturedAt:      captured.UTC(),
		ImageBytes:      c.DeclaredBytes,
		ChunkSizeBytes:  c.ChunkSize,
		TotalChunks:     c.TotalChunks,
		ImgFormat:       c.Format,
		IngestStatus:    store.CaptureAssembling,
		IngestMeta:      rawString(c.Meta),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "device_id"}, {Name: "device_capture_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"captured_at", "image_bytes", "chunk_size_bytes", "total_chunks",
			"img_format", "ingest_status", "ingest_error", "ingest_meta", "updated_at",
		}),
	}).Create(&row).Error
	if err != nil {
		return "", fmt.Errorf("upserting capture %s: %w", c.Name, err)
	}

	var out Capture
	err = s.db.WithContext(ctx).Select("id").
		First(&out, "device_id = ? AND device_capture_id = ?", c.DeviceID, c.Name).Error
	if err != nil {
		return "", fmt.Errorf("loading capture %s: %w", c.Name, err)
	}
	return out.ID, nil
}

func (s *Store) MarkCaptureStored(ctx context.Context, captureID string, st store.StoredCapture) error {
	return s.updateCapture(ctx, captureID, map[string]any{
		"ingest_status": store.CaptureStored,
		"ingest_error":  "",
		"storage_path":  st.StoragePath,
		"content_hash":  st.ContentHash,
		"image_bytes":   st.Bytes,
	})
}

func (s *Store) MarkCaptureFailed(ctx context.Context, captureID, reason string) error {
	return s.updateCapture(ctx, captureID, map[string]any{
		"ingest_status": store.CaptureFailed,
		"ingest_error":  reason,
	})
}

func (s *Store) updateCapture(ctx context.Context, captureID string, fields map[string]any) error {
	res := s.db.WithContext(ctx).Model(&Capture{}).Where("id = ?", captureID).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("updating capture %s: %w", captureID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("capture %s: %w", captureID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) InsertSensorReading(ctx context.Context, r store.SensorReading) error {
	row := SensorReading{
		ID:           uuid.NewString(),
		CaptureID:    r.CaptureID,
		DeviceID:     r.DeviceID,
		TemperatureC: r.TemperatureC,
		HumidityPct:  r.HumidityPct,
		PressureHPa:  r.PressureHPa,
		GasKOhm:      r.GasKOhm,
		Raw:          rawString(r.Raw),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("inserting sensor reading: %w", err)
	}
	return nil
}

func (s *Store) InsertError(ctx context.Context, e store.ErrorRecord) error {
	details := []byte("{}")
	if len(e.Details) > 0 {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("encoding error details: %w", err)
		}
		details = b
	}
	row := DeviceError{
		ID:        uuid.NewString(),
		DeviceID:  e.DeviceID,
		CaptureID: e.CaptureID,
		ErrorCode: e.Code,
		Severity:  e.Severity,
		Message:   e.Message,
		Details:   string(details),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("inserting error %d: %w", e.Code, err)
	}
	return nil
}

func (s *Store) InsertPublishLog(ctx context.Context, l store.PublishLog) error {
	row := PublishLog{
		ID:        uuid.NewString(),
		DeviceID:  l.DeviceID,
		Topic:     l.Topic,
		Direction: l.Direction,
		Payload:   rawString(l.Payload),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("inserting publish log: %w", err)
	}
	return nil
}

func (s *Store) InsertDeviceStatus(ctx context.Context, st store.DeviceStatus) error {
	row := DeviceStatus{
		ID:           uuid.NewString(),
		DeviceID:     st.DeviceID,
		Status:       st.Status,
		PendingCount: st.PendingCount,
		BatteryMV:    st.BatteryMV,
		WifiRSSI:     st.WifiRSSI,
		UptimeMS:     st.UptimeMS,
		BootCount:    st.BootCount,
		Raw:          rawString(st.Raw),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("inserting device status: %w", err)
	}
	return nil
}

func (s *Store) EnqueueCommand(ctx context.Context, hw transfer.DeviceID, cmdType string, payload json.RawMessage) (string, error) {
	deviceID, err := s.EnsureDevice(ctx, hw)
	if err != nil {
		return "", err
	}
	row := DeviceCommand{
		ID:             uuid.NewString(),
		DeviceID:       deviceID,
		CommandType:    cmdType,
		CommandPayload: rawString(payload),
		Status:         store.CommandQueued,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", fmt.Errorf("enqueueing command: %w", err)
	}
	return row.ID, nil
}

type queuedRow struct {
	ID             string
	DeviceID       string
	HardwareID     string
	CommandType    string
	CommandPayload string
	CreatedAt      time.Time
}

func (s *Store) QueuedCommands(ctx context.Context, limit int) ([]store.Command, error) {
	var rows []queuedRow
	q := s.db.WithContext(ctx).
		Table("device_commands").
		Select("device_commands.id, device_commands.device_id, devices.hardware_id, " +
			"device_commands.command_type, device_commands.command_payload, device_commands.created_at").
		Joins("JOIN devices ON devices.id = device_commands.device_id").
		Where("device_commands.status = ?", store.CommandQueued).
		Order("device_commands.created_at, device_commands.rowid")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("loading queued commands: %w", err)
	}

	out := make([]store.Command, 0, len(rows))
	for _, r := range rows {
		out = append(out, store.Command{
			ID:         r.ID,
			DeviceID:   r.DeviceID,
			HardwareID: transfer.DeviceID(r.HardwareID),
			Type:       r.CommandType,
			Payload:    json.RawMessage(r.CommandPayload),
			CreatedAt:  r.CreatedAt,
		})
	}
	return out, nil
}

func (s *Store) MarkCommandSent(ctx context.Context, id string, at time.Time) error {
	at = at.UTC()
	return s.updateCommand(ctx, id, map[string]any{
		"status":  store.CommandSent,
		"sent_at": &at,
	})
}

func (s *Store) MarkCommandFailed(ctx context.Context, id, reason string) error {
	return s.updateCommand(ctx, id, map[string]any{
		"status": store.CommandFailed,
		"error":  reason,
	})
}

func (s *Store) updateCommand(ctx context.Context, id string, fields map[string]any) error {
	res := s.db.WithContext(ctx).Model(&DeviceCommand{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("updating command %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("command %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	s.log.Debug("closing database")
	return sqlDB.Close()
}

func rawString(b json.RawMessage) string {
	if len(b) == 0 {
		return "{}"
	}
	return string(b)
}
