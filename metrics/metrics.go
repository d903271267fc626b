// Package metrics provides the process metrics scope.
//
// Components receive a tally.Scope and create their own sub-scope. The root
// scope reports to the structured log at a fixed interval, so counters are
// visible without an external metrics backend.
package metrics

import (
	"io"
	"log/slog"
	"time"

	"github.com/uber-go/tally/v4"
)

// DefaultInterval is the default reporting interval.
const DefaultInterval = time.Minute

// Config configures the root scope.
type Config struct {
	// Prefix is prepended to every metric name (default: "camgate").
	Prefix string
	// Interval between reports (default: 1m).
	Interval time.Duration
	// Tags are attached to every metric.
	Tags map[string]string
	// Logger receives the reports. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// New creates the root scope. Close the returned io.Closer to flush and stop
// reporting.
func New(cfg Config) (tally.Scope, io.Closer) {
	if cfg.Prefix == "" {
		cfg.Prefix = "camgate"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return tally.NewRootScope(tally.ScopeOptions{
		Prefix:    cfg.Prefix,
		Tags:      cfg.Tags,
		Reporter:  NewLogReporter(cfg.Logger),
		Separator: ".",
	}, cfg.Interval)
}

// ScopeOrNop returns s, or tally.NoopScope when s is nil.
func ScopeOrNop(s tally.Scope) tally.Scope {
	if s == nil {
		return tally.NoopScope
	}
	return s
}

// LogReporter is a tally.StatsReporter that writes each metric as a log
// entry.
type LogReporter struct {
	log *slog.Logger
}

var _ tally.StatsReporter = (*LogReporter)(nil)

// NewLogReporter creates a reporter writing to logger.
func NewLogReporter(logger *slog.Logger) *LogReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogReporter{log: logger.WithGroup("metrics")}
}

func (r *LogReporter) ReportCounter(name string, tags map[string]string, value int64) {
	r.log.Info("counter", "name", name, "tags", tags, "value", value)
}

func (r *LogReporter) ReportGauge(name string, tags map[string]string, value float64) {
	r.log.Info("gauge", "name", name, "tags", tags, "value", value)
}

func (r *LogReporter) ReportTimer(name string, tags map[string]string, interval time.Duration) {
	r.log.Debug("timer", "name", name, "tags", tags, "value", interval)
}

func (r *LogReporter) ReportHistogramValueSamples(name string, tags map[string]string, _ tally.Buckets, lower, upper float64, samples int64) {
	r.log.Debug("histogram", "name", name, "tags", tags, "lower", lower, "upper", upper, "samples", samples)
}

func (r *LogReporter) ReportHistogramDurationSamples(name string, tags map[string]string, _ tally.Buckets, lower, upper time.Duration, samples int64) {
	r.log.Debug("histogram", "name", name, "tags", tags, "lower", lower, "upper", upper, "samples", samples)
}

func (r *LogReporter) Capabilities() tally.Capabilities {
	return r
}

func (r *LogReporter) Reporting() bool { return true }
func (r *LogReporter) Tagging() bool   { return true }

func (r *LogReporter) Flush() {}
