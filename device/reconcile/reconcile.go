// Package reconcile drives in-flight assemblies to a terminal state.
//
// The Reconciler scans the registry on a fixed tick. For each assembly it
// finalizes complete transfers, requests retransmission of missing chunks,
// and times out transfers that outlived their deadline. Decisions are taken
// per assembly under its own lock; publishing and store writes happen after
// the scan, with no lock held.
//
// The tick interval bounds the delay between the last chunk arriving and
// the device being acknowledged.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally/v4"

	"github.com/kabili207/camgate/core/assembly"
	"github.com/kabili207/camgate/core/fault"
	"github.com/kabili207/camgate/device/ack"
	"github.com/kabili207/camgate/device/audit"
	"github.com/kabili207/camgate/device/finalize"
	"github.com/kabili207/camgate/metrics"
	"github.com/kabili207/camgate/store"
)

const (
	DefaultInterval        = 500 * time.Millisecond
	DefaultTimeout         = 60 * time.Second
	DefaultRetransmitDelay = 3 * time.Second
	DefaultRetransmitMax   = 3

	// maxReportedMissing caps the indices stored with a timeout fault.
	maxReportedMissing = 50
)

// Finalizer stores a complete assembly.
type Finalizer interface {
	Finalize(ctx context.Context, s assembly.Sealed) (finalize.Result, error)
}

// Config configures a Reconciler.
type Config struct {
	// Interval is the scan period. Default: 500ms.
	Interval time.Duration

	// Timeout is the lifetime of an assembly measured from creation.
	// Default: 60s.
	Timeout time.Duration

	// RetransmitDelay is the minimum gap between retransmission requests
	// for one transfer. Default: 3s.
	RetransmitDelay time.Duration

	// RetransmitMax caps retransmission requests per transfer. Negative
	// selects the default of 3; zero disables requests.
	RetransmitMax int

	Registry  *assembly.Registry
	Store     store.MetadataStore
	Acks      *ack.Publisher
	Audit     *audit.Recorder
	Finalizer Finalizer

	// Clock drives the tick. Default: the wall clock.
	Clock clock.Clock

	// Logger for reconciler events. If nil, slog.Default() is used.
	Logger *slog.Logger

	Scope tally.Scope
}

// Reconciler periodically finalizes, re-requests, and expires assemblies.
type Reconciler struct {
	cfg   Config
	log   *slog.Logger
	scope tally.Scope
	size  tally.Gauge

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New creates a Reconciler.
func New(cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RetransmitDelay <= 0 {
		cfg.RetransmitDelay = DefaultRetransmitDelay
	}
	if cfg.RetransmitMax < 0 {
		cfg.RetransmitMax = DefaultRetransmitMax
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
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
	return &Reconciler{
		cfg:   cfg,
		log:   cfg.Logger.WithGroup("reconcile"),
		scope: root.SubScope("reconcile"),
		size:  root.Gauge("registry.size"),
	}
}

// Start runs the scan loop. Blocks until the context is cancelled or Stop
// is called.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	ticker := r.cfg.Clock.Ticker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// Stop cancels the scan loop.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

// gap is an incomplete assembly together with its missing indices.
type gap struct {
	entry   assembly.Entry
	missing []int
}

type completion struct {
	entry  assembly.Entry
	sealed assembly.Sealed
}

// tick runs one scan.
func (r *Reconciler) tick(ctx context.Context) {
	sw := r.scope.Timer("tick").Start()
	defer sw.Stop()

	now := r.cfg.Clock.Now()

	var (
		completions []completion
		nacks       []gap
		expired     []gap
		discarded   []assembly.Entry
	)

	for _, e := range r.cfg.Registry.Snapshot() {
		a := e.Assembly

		if rejected, _, _ := a.Rejected(); rejected {
			if a.IsComplete() || a.IsExpired(now, r.cfg.Timeout) {
				discarded = append(discarded, e)
			}
			continue
		}

		if a.IsComplete() {
			sealed, err := a.BeginFinalize()
			if err == nil {
				completions = append(completions, completion{entry: e, sealed: sealed})
			}
			continue
		}

		if missing, ok := a.ClaimRetransmit(now, r.cfg.RetransmitDelay, r.cfg.RetransmitMax); ok {
			nacks = append(nacks, gap{entry: e, missing: missing})
		}
		if a.IsExpired(now, r.cfg.Timeout) {
			expired = append(expired, gap{entry: e, missing: a.Missing()})
		}
	}

	for _, c := range completions {
		r.finalize(ctx, c)
	}
	for _, n := range nacks {
		r.requestMissing(ctx, n)
	}
	for _, x := range expired {
		r.expire(ctx, x)
	}
	for _, e := range discarded {
		if r.cfg.Registry.Remove(e.Key, e.Assembly) {
			r.log.Debug("rejected transfer discarded", "key", e.Key.String())
		}
	}

	r.size.Update(float64(r.cfg.Registry.Len()))
}

func (r *Reconciler) finalize(ctx context.Context, c completion) {
	a := c.entry.Assembly
	key := c.entry.Key
	defer r.cfg.Registry.Remove(key, a)

	res, err := r.cfg.Finalizer.Finalize(ctx, c.sealed)
	if err != nil {
		a.MarkFailed()
		r.scope.Counter("finalize_failed").Inc(1)
		h := c.sealed.Handle
		r.cfg.Audit.Fault(ctx, audit.Fault{
			Code:          fault.FinalizeFailed,
			Device:        key.Device,
			DeviceRecord:  h.DeviceRecord,
			CaptureRecord: h.CaptureRecord,
			Image:         key.Name,
			Details:       map[string]any{"error": err.Error()},
		})
		r.markFailed(ctx, h.CaptureRecord, "finalization failed: "+err.Error())
		return
	}
	a.MarkStored()
	r.scope.Counter("finalized").Inc(1)
	r.log.Debug("transfer finalized", "key", key.String(), "path", res.StoragePath)
}

func (r *Reconciler) requestMissing(ctx context.Context, n gap) {
	h := n.entry.Assembly.Handle()
	if err := r.cfg.Acks.Nack(ctx, n.entry.Key, h.DeviceRecord, n.missing); err != nil {
		r.log.Warn("retransmission request failed", "key", n.entry.Key.String(), "error", err)
		return
	}
	r.scope.Counter("nacks").Inc(1)
}

func (r *Reconciler) expire(ctx context.Context, x gap) {
	a := x.entry.Assembly
	key := x.entry.Key
	if !r.cfg.Registry.Remove(key, a) {
		return
	}
	a.MarkFailed()
	r.scope.Counter("timeouts").Inc(1)

	h := a.Handle()
	p := a.Progress()
	reported := x.missing
	if len(reported) > maxReportedMissing {
		reported = reported[:maxReportedMissing]
	}
	r.cfg.Audit.Fault(ctx, audit.Fault{
		Code:          fault.AssemblyTimeout,
		Device:        key.Device,
		DeviceRecord:  h.DeviceRecord,
		CaptureRecord: h.CaptureRecord,
		Image:         key.Name,
		Details: map[string]any{
			"missing_chunks": reported,
			"total_missing":  len(x.missing),
			"received":       p.Received,
			"total":          p.Total,
			"retransmits":    a.Retransmits(),
		},
	})
	r.markFailed(ctx, h.CaptureRecord, fmt.Sprintf("timeout - missing %d chunks", len(x.missing)))
}

func (r *Reconciler) markFailed(ctx context.Context, captureRecord, reason string) {
	if captureRecord == "" {
		return
	}
	if err := r.cfg.Store.MarkCaptureFailed(ctx, captureRecord, reason); err != nil {
		r.log.Error("marking capture failed", "capture", captureRecord, "error", err)
	}
}
