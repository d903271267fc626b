package sqlstore

import "time"

// Device is a registered camera, keyed by hardware address.
type Device struct {
	ID         string `gorm:"primaryKey;size:36"`
	HardwareID string `gorm:"uniqueIndex;not null"`
	Model      string
	LastSeenAt time.Time
	CreatedAt  time.Time
}

// Capture is one image transfer and its ingest outcome.
type Capture struct {
	ID              string `gorm:"primaryKey;size:36"`
	DeviceID        string `gorm:"not null;uniqueIndex:idx_capture_device_name"`
	DeviceCaptureID string `gorm:"not null;uniqueIndex:idx_capture_device_name"`
	CapturedAt      time.Time
	ImageBytes      int64
	ChunkSizeBytes  int
	TotalChunks     int
	ImgFormat       string
	IngestStatus    string `gorm:"index"`
	IngestError     string
	IngestMeta      string
	StoragePath     string
	ContentHash     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type SensorReading struct {
	ID           string `gorm:"primaryKey;size:36"`
	CaptureID    string `gorm:"index"`
	DeviceID     string `gorm:"index"`
	TemperatureC *float64
	HumidityPct  *float64
	PressureHPa  *float64
	GasKOhm      *float64
	Raw          string
	CreatedAt    time.Time
}

type DeviceError struct {
	ID        string `gorm:"primaryKey;size:36"`
	DeviceID  string `gorm:"index"`
	CaptureID string `gorm:"index"`
	ErrorCode int
	Severity  string
	Message   string
	Details   string
	CreatedAt time.Time
}

type PublishLog struct {
	ID        string `gorm:"primaryKey;size:36"`
	DeviceID  string `gorm:"index"`
	Topic     string
	Direction string
	Payload   string
	CreatedAt time.Time
}

func (PublishLog) TableName() string { return "device_publish_log" }

type DeviceStatus struct {
	ID           string `gorm:"primaryKey;size:36"`
	DeviceID     string `gorm:"index"`
	Status       string
	PendingCount *int
	BatteryMV    *int
	WifiRSSI     *int
	UptimeMS     *int64
	BootCount    *int64
	Raw          string
	CreatedAt    time.Time
}

func (DeviceStatus) TableName() string { return "device_status" }

type DeviceCommand struct {
	ID             string `gorm:"primaryKey;size:36"`
	DeviceID       string `gorm:"index;not null"`
	CommandType    string `gorm:"not null"`
	CommandPayload string
	Status         string `gorm:"index"`
	SentAt         *time.Time
	Error          string
	CreatedAt      time.Time
}

var models = []any{
	&Device{},
	&Capture{},
	&SensorReading{},
	&DeviceError{},
	&PublishLog{},
	&DeviceStatus{},
	&DeviceCommand{},
}
