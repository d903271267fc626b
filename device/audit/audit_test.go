package audit

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/uber-go/tally/v4"

	"github.com/kabili207/camgate/core/fault"
	"github.com/kabili207/camgate/store"
	"github.com/kabili207/camgate/store/memstore"
)

func TestFault_ResolvesDeviceAndStores(t *testing.T) {
	ms := memstore.New()
	scope := tally.NewTestScope("", nil)
	r := New(Config{Store: ms, Scope: scope})

	r.Fault(context.Background(), Fault{
		Code:    fault.AssemblyTimeout,
		Device:  "AABBCCDDEEFF",
		Details: map[string]any{"total_missing": 2},
	})

	errs := ms.Errors()
	if len(errs) != 1 {
		t.Fatalf("errors = %d, want 1", len(errs))
	}
	e := errs[0]
	if e.Code != 2201 || e.Severity != "error" || e.Message != "assembly_timeout" {
		t.Errorf("unexpected record: %+v", e)
	}
	dev, ok := ms.Device("AABBCCDDEEFF")
	if !ok || e.DeviceID != dev.ID {
		t.Errorf("device record not resolved: %+v", e)
	}

	var total int64
	for _, c := range scope.Snapshot().Counters() {
		if c.Name() == "faults.recorded" && c.Tags()["code"] == "2201" {
			total += c.Value()
		}
	}
	if total != 1 {
		t.Errorf("faults.recorded{code=2201} = %d, want 1", total)
	}
}

func TestFault_WarnSeverity(t *testing.T) {
	ms := memstore.New()
	r := New(Config{Store: ms})

	r.Fault(context.Background(), Fault{Code: fault.SizeMismatch, DeviceRecord: "dev-1"})

	e := ms.Errors()[0]
	if e.Severity != "warn" || e.DeviceID != "dev-1" {
		t.Errorf("unexpected record: %+v", e)
	}
}

func TestDeviceError(t *testing.T) {
	ms := memstore.New()
	r := New(Config{Store: ms})

	r.DeviceError(context.Background(), Fault{DeviceRecord: "dev-1", CaptureRecord: "cap-1", Image: "x.jpg"}, 2, "Image capture failed")

	e := ms.Errors()[0]
	if e.Code != 2 || e.Severity != "error" || e.CaptureID != "cap-1" {
		t.Errorf("unexpected record: %+v", e)
	}
	if e.Details["reason"] != "Image capture failed" {
		t.Errorf("details = %v", e.Details)
	}
}

func TestInboundOutbound(t *testing.T) {
	ms := memstore.New()
	r := New(Config{Store: ms})
	ctx := context.Background()

	r.Inbound(ctx, "dev-1", "ESP32CAM/A/data", json.RawMessage(`{"a":1}`))
	r.Outbound(ctx, "dev-1", "ESP32CAM/A/ack", json.RawMessage(`{"b":2}`))

	logs := ms.PublishLogs()
	if len(logs) != 2 {
		t.Fatalf("logs = %d, want 2", len(logs))
	}
	if logs[0].Direction != store.DirectionIn || logs[1].Direction != store.DirectionOut {
		t.Errorf("directions = %s, %s", logs[0].Direction, logs[1].Direction)
	}
}

func TestNilStore(t *testing.T) {
	r := New(Config{})
	r.Fault(context.Background(), Fault{Code: fault.ParseFailed, Device: "A"})
	r.Inbound(context.Background(), "", "t", nil)
}
