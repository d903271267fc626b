// Package config loads the gateway's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kabili207/camgate/core/digest"
	"github.com/kabili207/camgate/core/transfer"
	"github.com/kabili207/camgate/logging"
)

// Storage backends.
const (
	StorageFS = "fs"
	StorageS3 = "s3"
)

// Notifier types.
const (
	NotifyNone  = ""
	NotifyRedis = "redis"
)

// Config is the camgate.yaml file.
type Config struct {
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Assembly AssemblyConfig `yaml:"assembly"`
	Ack      AckConfig      `yaml:"ack"`
	Database DatabaseConfig `yaml:"database"`
	Storage  StorageConfig  `yaml:"storage"`
	Hash     HashConfig     `yaml:"hash"`
	Notify   NotifyConfig   `yaml:"notify"`
	Commands CommandsConfig `yaml:"commands"`
	Presence PresenceConfig `yaml:"presence"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// MQTTConfig is the broker connection.
type MQTTConfig struct {
	Broker         string   `yaml:"broker"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	UseTLS         bool     `yaml:"use_tls"`
	ClientID       string   `yaml:"client_id"`
	Namespace      string   `yaml:"namespace"`
	QoS            *int     `yaml:"qos,omitempty"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
	PublishTimeout Duration `yaml:"publish_timeout"`
}

// AssemblyConfig tunes reassembly and reconciliation.
type AssemblyConfig struct {
	Timeout         Duration `yaml:"timeout"`
	RetransmitDelay Duration `yaml:"retransmit_delay"`
	RetransmitMax   *int     `yaml:"retransmit_max,omitempty"`
	TickInterval    Duration `yaml:"tick_interval"`
	// MaxInFlight caps concurrent assemblies. Zero is unbounded.
	MaxInFlight int `yaml:"max_in_flight"`
	// MaxChunks bounds the chunk count of a single transfer.
	MaxChunks      int `yaml:"max_chunks"`
	RecentCapacity int `yaml:"recent_capacity"`
}

// AckConfig holds hints sent with positive acknowledgements.
type AckConfig struct {
	NextWakeTime string `yaml:"next_wake_time"`
}

// DatabaseConfig is the metadata store.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// StorageConfig is the object store.
type StorageConfig struct {
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	Bucket      string `yaml:"bucket"`
	Prefix      string `yaml:"prefix"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

// HashConfig selects the content hash.
type HashConfig struct {
	Algorithm string `yaml:"algorithm"`
}

// NotifyConfig is the completion event sink.
type NotifyConfig struct {
	Type    string   `yaml:"type"`
	URL     string   `yaml:"url"`
	Channel string   `yaml:"channel,omitempty"`
	Timeout Duration `yaml:"timeout,omitempty"`
	Retries *int     `yaml:"retries,omitempty"`
}

// CommandsConfig tunes the command dispatcher.
type CommandsConfig struct {
	Disabled  bool     `yaml:"disabled"`
	Interval  Duration `yaml:"interval"`
	BatchSize int      `yaml:"batch_size"`
}

// PresenceConfig tunes offline detection.
type PresenceConfig struct {
	Disabled          bool     `yaml:"disabled"`
	ReportInterval    Duration `yaml:"report_interval"`
	TimeoutMultiplier float64  `yaml:"timeout_multiplier"`
	CheckInterval     Duration `yaml:"check_interval"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig configures the metrics scope.
type MetricsConfig struct {
	Disabled bool              `yaml:"disabled"`
	Prefix   string            `yaml:"prefix"`
	Interval Duration          `yaml:"interval"`
	Tags     map[string]string `yaml:"tags,omitempty"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML writes the duration in its string form.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func intPtr(n int) *int { return &n }

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	setDuration := func(d *Duration, v time.Duration) {
		if d.Duration <= 0 {
			d.Duration = v
		}
	}

	if c.MQTT.Broker == "" {
		c.MQTT.Broker = "tcp://localhost:1883"
	}
	if c.MQTT.Namespace == "" {
		c.MQTT.Namespace = transfer.DefaultNamespace
	}
	if c.MQTT.QoS == nil {
		c.MQTT.QoS = intPtr(1)
	}
	setDuration(&c.MQTT.ConnectTimeout, 30*time.Second)
	setDuration(&c.MQTT.PublishTimeout, 10*time.Second)

	setDuration(&c.Assembly.Timeout, 60*time.Second)
	setDuration(&c.Assembly.RetransmitDelay, 3*time.Second)
	setDuration(&c.Assembly.TickInterval, 500*time.Millisecond)
	if c.Assembly.RetransmitMax == nil {
		c.Assembly.RetransmitMax = intPtr(3)
	}
	if c.Assembly.MaxChunks == 0 {
		c.Assembly.MaxChunks = 4096
	}
	if c.Assembly.RecentCapacity <= 0 {
		c.Assembly.RecentCapacity = 256
	}

	if c.Database.DSN == "" {
		c.Database.DSN = "camgate.db"
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = StorageFS
	}
	if c.Storage.Backend == StorageFS && c.Storage.Path == "" {
		c.Storage.Path = "data"
	}

	if c.Hash.Algorithm == "" {
		c.Hash.Algorithm = string(digest.SHA256)
	}

	if c.Notify.Type == NotifyRedis && c.Notify.Retries == nil {
		c.Notify.Retries = intPtr(3)
	}

	setDuration(&c.Commands.Interval, 5*time.Second)
	if c.Commands.BatchSize <= 0 {
		c.Commands.BatchSize = 20
	}

	setDuration(&c.Presence.ReportInterval, 5*time.Minute)
	setDuration(&c.Presence.CheckInterval, 10*time.Second)
	if c.Presence.TimeoutMultiplier <= 0 {
		c.Presence.TimeoutMultiplier = 2.5
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	if c.Metrics.Prefix == "" {
		c.Metrics.Prefix = "camgate"
	}
	setDuration(&c.Metrics.Interval, time.Minute)
}

// Validate rejects configurations the gateway cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.MQTT.QoS != nil && (*c.MQTT.QoS < 0 || *c.MQTT.QoS > 2) {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", *c.MQTT.QoS))
	}
	if c.Assembly.RetransmitMax != nil && *c.Assembly.RetransmitMax < 0 {
		errs = append(errs, fmt.Errorf("assembly.retransmit_max must be >= 0, got %d", *c.Assembly.RetransmitMax))
	}
	if c.Assembly.MaxInFlight < 0 {
		errs = append(errs, fmt.Errorf("assembly.max_in_flight must be >= 0, got %d", c.Assembly.MaxInFlight))
	}
	if c.Assembly.MaxChunks < 0 {
		errs = append(errs, fmt.Errorf("assembly.max_chunks must be > 0, got %d", c.Assembly.MaxChunks))
	}
	if c.Assembly.Timeout.Duration < c.Assembly.TickInterval.Duration {
		errs = append(errs, errors.New("assembly.timeout must not be shorter than assembly.tick_interval"))
	}

	switch c.Storage.Backend {
	case StorageFS:
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path is required for the fs backend"))
		}
	case StorageS3:
		if c.Storage.Bucket == "" {
			errs = append(errs, errors.New("storage.bucket is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend must be %q or %q, got %q", StorageFS, StorageS3, c.Storage.Backend))
	}

	if _, err := digest.Parse(c.Hash.Algorithm); err != nil {
		errs = append(errs, fmt.Errorf("hash.algorithm: %w", err))
	}

	switch c.Notify.Type {
	case NotifyNone:
	case NotifyRedis:
		if c.Notify.URL == "" {
			errs = append(errs, errors.New("notify.url is required for the redis notifier"))
		}
		if c.Notify.Retries != nil && *c.Notify.Retries < 0 {
			errs = append(errs, fmt.Errorf("notify.retries must be >= 0, got %d", *c.Notify.Retries))
		}
	default:
		errs = append(errs, fmt.Errorf("notify.type must be empty or %q, got %q", NotifyRedis, c.Notify.Type))
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case logging.FormatJSON, logging.FormatConsole:
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}
